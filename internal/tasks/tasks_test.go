package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fluxbpm/engine/internal/agui"
	"github.com/fluxbpm/engine/internal/model"
	"github.com/fluxbpm/engine/internal/msgqueue"
	"github.com/fluxbpm/engine/internal/wfcontext"
)

// fakeRuntime is an in-memory Runtime for exercising runners without the
// scheduler.
type fakeRuntime struct {
	vars     *wfcontext.Context
	queue    *msgqueue.Queue
	events   []agui.Event
	cats     map[string][]string
	log      MessageLog
	decision UserDecision
	subprocs []string
	onSub    func(vars *wfcontext.Context)
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		vars:  wfcontext.New(nil),
		queue: msgqueue.New(zap.NewNop(), 0),
		cats:  map[string][]string{},
	}
}

func (f *fakeRuntime) InstanceID() string          { return "inst-test" }
func (f *fakeRuntime) Context() *wfcontext.Context { return f.vars }
func (f *fakeRuntime) Publish(ctx context.Context, ev agui.Event) error {
	f.events = append(f.events, ev)
	return nil
}
func (f *fakeRuntime) RegisterCategories(elementID string, categories []string) {
	f.cats[elementID] = categories
}
func (f *fakeRuntime) Queue() *msgqueue.Queue { return f.queue }
func (f *fakeRuntime) WaitUserDecision(ctx context.Context, taskID string) (UserDecision, error) {
	if ctx.Err() != nil {
		return UserDecision{}, ctx.Err()
	}
	return f.decision, nil
}
func (f *fakeRuntime) RunSubprocess(ctx context.Context, subprocessID string, vars *wfcontext.Context) error {
	f.subprocs = append(f.subprocs, subprocessID)
	if f.onSub != nil {
		f.onSub(vars)
	}
	return nil
}
func (f *fakeRuntime) Messages() MessageLog { return f.log }
func (f *fakeRuntime) Logger() *zap.Logger  { return zap.NewNop() }

func (f *fakeRuntime) eventTypes() []string {
	var out []string
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

// fakeLog records MessageLog calls.
type fakeLog struct {
	threads   []string
	started   []string
	updates   int
	completed []string
	cancelled map[string]string
	thinking  []string
	tools     []string
	toolEnds  int
}

func newFakeLog() *fakeLog { return &fakeLog{cancelled: map[string]string{}} }

func (l *fakeLog) EnsureThread(elementID string) (string, error) {
	l.threads = append(l.threads, elementID)
	return "thread_" + elementID, nil
}
func (l *fakeLog) StartMessage(elementID, messageID, role string, ts time.Time) error {
	l.started = append(l.started, messageID)
	return nil
}
func (l *fakeLog) UpdateMessageContent(messageID, content string) error {
	l.updates++
	return nil
}
func (l *fakeLog) CompleteMessage(messageID string) error {
	l.completed = append(l.completed, messageID)
	return nil
}
func (l *fakeLog) CancelMessage(messageID, reason string) error {
	l.cancelled[messageID] = reason
	return nil
}
func (l *fakeLog) StoreThinking(elementID, message string, ts time.Time) error {
	l.thinking = append(l.thinking, message)
	return nil
}
func (l *fakeLog) StartTool(elementID, toolName string, args map[string]any, ts time.Time) (int64, error) {
	l.tools = append(l.tools, toolName)
	return int64(len(l.tools)), nil
}
func (l *fakeLog) EndTool(id int64, result any, ts time.Time) error {
	l.toolEnds++
	return nil
}

func element(id string, typ model.ElementType, props map[string]any) *model.Element {
	return &model.Element{ID: id, Type: typ, Name: id, Properties: props}
}

func TestParseISODuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"PT5M", 5 * time.Minute},
		{"PT1H30M", 90 * time.Minute},
		{"PT10S", 10 * time.Second},
		{"P1D", 24 * time.Hour},
		{"P1DT2H", 26 * time.Hour},
	}
	for _, tc := range cases {
		got, err := ParseISODuration(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, in := range []string{"", "PT", "five minutes"} {
		_, err := ParseISODuration(in)
		assert.Error(t, err, in)
	}
}

func TestTimerDuration(t *testing.T) {
	d, err := TimerDuration(element("t", model.TimerBoundaryEvent, map[string]any{
		"timerType": "duration", "timerDuration": "PT2M",
	}))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)

	d, err = TimerDuration(element("t", model.TimerBoundaryEvent, map[string]any{
		"timerType": "cycle", "timerCycle": "R3/PT30S",
	}))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	// A past date clamps to zero rather than going negative.
	d, err = TimerDuration(element("t", model.TimerBoundaryEvent, map[string]any{
		"timerType": "date", "timerDate": "2020-01-01T00:00:00Z",
	}))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), d)

	_, err = TimerDuration(element("t", model.TimerBoundaryEvent, map[string]any{
		"timerType": "date", "timerDate": "not-a-date",
	}))
	assert.Error(t, err)
}

func TestServiceTaskFailWhen(t *testing.T) {
	rt := newFakeRuntime()
	rt.vars.Set("should_fail", true)

	r := &ServiceTaskRunner{Delay: time.Millisecond}
	err := r.Execute(context.Background(), element("svc", model.ServiceTask, map[string]any{
		"failWhen":     "${should_fail} == true",
		"errorCode":    "UpstreamDown",
		"errorMessage": "integration unavailable",
	}), rt)

	var te *TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "UpstreamDown", te.Code)
	assert.Contains(t, te.Error(), "integration unavailable")
}

func TestServiceTaskResultVariable(t *testing.T) {
	rt := newFakeRuntime()
	r := &ServiceTaskRunner{Delay: time.Millisecond}
	err := r.Execute(context.Background(), element("svc", model.ServiceTask, map[string]any{
		"topic":          "orders",
		"resultVariable": "call_result",
		"durationMs":     1,
	}), rt)
	require.NoError(t, err)

	v, ok := rt.vars.Get("call_result")
	require.True(t, ok)
	assert.Equal(t, "orders", v.(map[string]any)["topic"])
	assert.Contains(t, rt.eventTypes(), agui.EventTaskProgress)
}

func TestScriptTaskBindings(t *testing.T) {
	rt := newFakeRuntime()
	rt.vars.Set("qty", 4)

	r := &ScriptTaskRunner{}
	err := r.Execute(context.Background(), element("calc", model.ScriptTask, map[string]any{
		"script": "total = qty * 25\nresult = total",
	}), rt)
	require.NoError(t, err)

	v, _ := rt.vars.Get("total")
	assert.Equal(t, float64(100), v)
	v, _ = rt.vars.Get("scriptResult")
	assert.Equal(t, float64(100), v)
}

func TestScriptTaskErrorCode(t *testing.T) {
	rt := newFakeRuntime()
	r := &ScriptTaskRunner{}
	err := r.Execute(context.Background(), element("calc", model.ScriptTask, map[string]any{
		"script": "broken line without assignment",
	}), rt)

	var te *TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "ScriptError", te.Code)
}

type captureSender struct {
	msg  OutboundMessage
	fail bool
}

func (s *captureSender) Send(ctx context.Context, msg OutboundMessage) (string, error) {
	if s.fail {
		return "", errors.New("smtp down")
	}
	s.msg = msg
	return "mail-1", nil
}

func TestSendTaskApprovalLinks(t *testing.T) {
	rt := newFakeRuntime()
	rt.vars.Set("requestId", "req-7")

	sender := &captureSender{}
	r := &SendTaskRunner{Sender: sender, BaseURL: "https://flux.example/"}
	err := r.Execute(context.Background(), element("notify", model.SendTask, map[string]any{
		"to":                     "boss@example.com",
		"subject":                "Approval needed for ${requestId}",
		"messageBody":            "Please review.",
		"includeApprovalLinks":   true,
		"approvalMessageRef":     "ManagerApproval",
		"approvalCorrelationKey": "${requestId}",
	}), rt)
	require.NoError(t, err)

	assert.Equal(t, "boss@example.com", sender.msg.To)
	assert.Equal(t, "Approval needed for req-7", sender.msg.Subject)
	assert.Contains(t, sender.msg.Body, "https://flux.example/webhooks/approve/ManagerApproval/req-7")
	assert.Contains(t, sender.msg.Body, "https://flux.example/webhooks/deny/ManagerApproval/req-7")

	v, ok := rt.vars.Get("notify_send")
	require.True(t, ok)
	assert.Equal(t, "sender", v.(map[string]any)["method"])
	assert.Equal(t, "mail-1", v.(map[string]any)["messageId"])
}

func TestSendTaskFallsBackToSimulated(t *testing.T) {
	rt := newFakeRuntime()
	r := &SendTaskRunner{Sender: &captureSender{fail: true}}
	err := r.Execute(context.Background(), element("notify", model.SendTask, map[string]any{
		"to": "someone@example.com",
	}), rt)
	require.NoError(t, err)

	v, ok := rt.vars.Get("notify_send")
	require.True(t, ok)
	assert.Equal(t, "simulated", v.(map[string]any)["method"])
}

func TestReceiveTaskConsumesQueuedMessage(t *testing.T) {
	rt := newFakeRuntime()
	rt.vars.Set("orderId", "55")
	rt.queue.Deliver("PaymentReceived", "order-55", map[string]any{"amount": 12.5})

	r := &ReceiveTaskRunner{}
	err := r.Execute(context.Background(), element("rx", model.ReceiveTask, map[string]any{
		"messageRef":     "PaymentReceived",
		"correlationKey": "order-${orderId}",
		"timeout":        1000,
	}), rt)
	require.NoError(t, err)

	v, ok := rt.vars.Get("rx_payload")
	require.True(t, ok)
	assert.Equal(t, 12.5, v.(map[string]any)["amount"])
	v, ok = rt.vars.Get("amount")
	require.True(t, ok)
	assert.Equal(t, 12.5, v)
}

func TestReceiveTaskTimeout(t *testing.T) {
	rt := newFakeRuntime()
	r := &ReceiveTaskRunner{}
	err := r.Execute(context.Background(), element("rx", model.ReceiveTask, map[string]any{
		"messageRef":     "Never",
		"correlationKey": "k",
		"timeout":        30,
	}), rt)

	var te *TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "CorrelationTimeout", te.Code)
}

func TestUserTaskRecordsDecision(t *testing.T) {
	rt := newFakeRuntime()
	rt.decision = UserDecision{Decision: "approved", Comments: "fine", CompletedBy: "carol"}

	r := &UserTaskRunner{}
	err := r.Execute(context.Background(), element("approve", model.UserTask, map[string]any{
		"assignee": "carol",
	}), rt)
	require.NoError(t, err)

	v, _ := rt.vars.Get("approve_decision")
	assert.Equal(t, "approved", v)
	v, _ = rt.vars.Get("approve_comments")
	assert.Equal(t, "fine", v)
	v, _ = rt.vars.Get("approve_completedBy")
	assert.Equal(t, "carol", v)

	created, ok := func() (agui.Event, bool) {
		for _, ev := range rt.events {
			if ev.Type == agui.EventUserTaskCreated {
				return ev, true
			}
		}
		return agui.Event{}, false
	}()
	require.True(t, ok)
	assert.Equal(t, "approve", created.Data["taskId"])
	assert.Equal(t, "carol", created.Data["assignee"])
}

func TestBusinessRuleTask(t *testing.T) {
	rt := newFakeRuntime()
	r := &BusinessRuleTaskRunner{Delay: time.Millisecond}
	err := r.Execute(context.Background(), element("rule", model.BusinessRuleTask, map[string]any{
		"decisionRef": "credit_policy",
	}), rt)
	require.NoError(t, err)

	v, ok := rt.vars.Get("decisionResult")
	require.True(t, ok)
	assert.Equal(t, "approved", v.(map[string]any)["outcome"])
}

func TestCallActivityMappings(t *testing.T) {
	rt := newFakeRuntime()
	rt.vars.Set("customer", "acme")
	rt.onSub = func(vars *wfcontext.Context) {
		v, _ := vars.Get("customer")
		assert.Equal(t, "acme", v, "inherited variables reach the subprocess")
		vars.Set("audit_note", "ok")
	}

	r := &CallActivityRunner{}
	err := r.Execute(context.Background(), element("call", model.CallActivity, map[string]any{
		"calledElement": "audit_sub",
		"outputMappings": []any{
			map[string]any{"source": "audit_note", "target": "parent_note"},
		},
	}), rt)
	require.NoError(t, err)

	assert.Equal(t, []string{"audit_sub"}, rt.subprocs)
	v, ok := rt.vars.Get("parent_note")
	require.True(t, ok)
	assert.Equal(t, "ok", v)
}

func TestCallActivityRequiresCalledElement(t *testing.T) {
	rt := newFakeRuntime()
	r := &CallActivityRunner{}
	err := r.Execute(context.Background(), element("call", model.CallActivity, nil), rt)

	var te *TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "CallActivityError", te.Code)
}

func TestAgenticTaskSimulatedRun(t *testing.T) {
	rt := newFakeRuntime()
	log := newFakeLog()
	rt.log = log

	r := &AgenticTaskRunner{}
	err := r.Execute(context.Background(), element("agent", model.AgenticTask, map[string]any{
		"agentType": "inventory-analyst",
		"custom": map[string]any{
			"aguiEventCategories": []any{"messaging", "lifecycle"},
			"mcpTools":            []any{"search_inventory", "check_supplier"},
		},
	}), rt)
	require.NoError(t, err)

	assert.Equal(t, []string{"messaging", "lifecycle"}, rt.cats["agent"])

	types := rt.eventTypes()
	assert.Contains(t, types, agui.EventTaskCancellable)
	assert.Contains(t, types, agui.EventTaskThinking)
	assert.Contains(t, types, agui.EventTaskToolStart)
	assert.Contains(t, types, agui.EventTaskToolEnd)
	assert.Contains(t, types, agui.EventTextMessageStart)
	assert.Contains(t, types, agui.EventTextMessageChunk)
	assert.Contains(t, types, agui.EventTextMessageEnd)

	assert.Equal(t, []string{"search_inventory", "check_supplier"}, log.tools)
	assert.Equal(t, 2, log.toolEnds)
	assert.Len(t, log.completed, 1)
	assert.Positive(t, log.updates)

	v, ok := rt.vars.Get("agent_result")
	require.True(t, ok)
	result := v.(map[string]any)
	assert.Equal(t, 0.95, result["confidence"])
	assert.Contains(t, result["analysis"], "Ran 2 tools")
}

type lowConfidenceAgent struct{ runs int }

func (a *lowConfidenceAgent) Run(ctx context.Context, el *model.Element, rt Runtime) (map[string]any, error) {
	a.runs++
	return map[string]any{"confidence": 0.1}, nil
}

func TestAgenticTaskRetriesThenFails(t *testing.T) {
	rt := newFakeRuntime()
	agent := &lowConfidenceAgent{}
	r := &AgenticTaskRunner{Agent: agent}
	err := r.Execute(context.Background(), element("agent", model.AgenticTask, map[string]any{
		"maxRetries":          2,
		"confidenceThreshold": 0.9,
	}), rt)

	var te *TaskError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "AgentError", te.Code)
	assert.Equal(t, 2, agent.runs)
}

func TestAgenticTaskCancelledMidStream(t *testing.T) {
	rt := newFakeRuntime()
	log := newFakeLog()
	rt.log = log

	ctx, cancel := context.WithCancelCause(context.Background())
	agent := &SimulatedAgent{ChunkDelay: 50 * time.Millisecond}
	go func() {
		time.Sleep(70 * time.Millisecond)
		cancel(errors.New("user cancelled"))
	}()

	_, err := agent.Run(ctx, element("agent", model.AgenticTask, nil), rt)
	require.Error(t, err)

	v, ok := rt.vars.Get("agent_result")
	require.True(t, ok)
	assert.Equal(t, "cancelled", v.(map[string]any)["status"])
	require.Len(t, log.started, 1)
	assert.Equal(t, "user cancelled", log.cancelled[log.started[0]])
}

func TestRegistryFallback(t *testing.T) {
	r := NewRegistry(Options{SimDelay: time.Millisecond})
	assert.NotNil(t, r.For(model.ServiceTask))
	assert.NotNil(t, r.For(model.ElementType("somethingNew")), "unknown kinds fall back to manual handling")
	assert.Same(t, r.For(model.GenericTask), r.For(model.ManualTask))
}
