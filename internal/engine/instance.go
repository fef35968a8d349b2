package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fluxbpm/engine/internal/agui"
	"github.com/fluxbpm/engine/internal/metrics"
	"github.com/fluxbpm/engine/internal/model"
	"github.com/fluxbpm/engine/internal/msgqueue"
	"github.com/fluxbpm/engine/internal/tasks"
	"github.com/fluxbpm/engine/internal/wfcontext"
)

// taskCancelled is the cancel cause for a cooperative single-task cancel
// (user request, competing merge branch, interrupting timer). The branch
// terminates cleanly rather than failing the instance.
type taskCancelled struct {
	reason string
}

func (c *taskCancelled) Error() string { return c.reason }

// instanceCancelled is the cancel cause for a whole-instance cancel.
type instanceCancelled struct {
	reason string
}

func (c *instanceCancelled) Error() string { return c.reason }

// activeTask tracks one executing task so external commands and competing
// branches can cancel it.
type activeTask struct {
	el     *model.Element
	cancel context.CancelCauseFunc
}

// taskRegistry is the command-routing state shared between an instance and
// its subprocess scopes: element ids are unique across the workflow, so one
// map serves them all.
type taskRegistry struct {
	mu          sync.Mutex
	active      map[string]*activeTask
	userWaiters map[string]chan tasks.UserDecision
}

type compEntry struct {
	taskID   string
	boundary *model.Element
}

type joinState struct {
	expected     int
	arrived      int
	firstArrival time.Time
	done         chan struct{}
	committed    bool
	watcher      *time.Timer
}

// Instance is one execution of a process graph. Subprocess invocations run as
// child Instances over the subprocess graph, sharing the id, the command
// registry, and the broadcaster, but with their own variable scope, joins,
// and compensation registry.
type Instance struct {
	id          string
	processName string
	wf          *model.Workflow
	graph       *model.Graph
	vars        *wfcontext.Context
	eng         *Engine
	logger      *zap.Logger

	reg *taskRegistry

	mu        sync.Mutex
	joins     map[string]*joinState
	comp      []compEntry
	completed map[string]struct{}
	skipped   map[string]struct{}
	g         *errgroup.Group
	gctx      context.Context

	cancel  context.CancelCauseFunc
	start   time.Time
	done    chan struct{}
	outcome string
	failure error
}

// ID returns the instance id.
func (in *Instance) ID() string { return in.id }

// Done is closed when the instance reaches a terminal state.
func (in *Instance) Done() <-chan struct{} { return in.done }

// Outcome returns success, failed, or cancelled once Done is closed.
func (in *Instance) Outcome() string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.outcome
}

// Err returns the terminal error for a failed instance.
func (in *Instance) Err() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.failure
}

// Vars returns the instance variable context.
func (in *Instance) Vars() *wfcontext.Context { return in.vars }

// CompletedElements returns the ids of elements that completed.
func (in *Instance) CompletedElements() map[string]struct{} {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make(map[string]struct{}, len(in.completed))
	for id := range in.completed {
		out[id] = struct{}{}
	}
	return out
}

func (in *Instance) run(ctx context.Context) {
	in.start = time.Now()
	metrics.InstancesStarted.Inc()

	_ = in.Publish(ctx, agui.NewEvent(agui.EventWorkflowStarted, "", map[string]any{
		"instanceId":  in.id,
		"processName": in.processName,
	}))

	err := in.execute(ctx)
	duration := time.Since(in.start)

	outcome := "success"
	reason := ""
	switch {
	case err == nil:
	case isInstanceCancel(err, ctx):
		outcome = "cancelled"
		reason = cancelReason(ctx, err)
	default:
		outcome = "failed"
		reason = err.Error()
		in.logger.Error("workflow execution failed",
			zap.String("instance_id", in.id), zap.Error(err))
	}

	in.mu.Lock()
	in.outcome = outcome
	in.failure = err
	in.mu.Unlock()

	metrics.InstancesCompleted.WithLabelValues(outcome).Inc()
	metrics.InstanceDuration.Observe(duration.Seconds())

	data := map[string]any{
		"instanceId": in.id,
		"outcome":    outcome,
		"duration":   duration.Seconds(),
	}
	if reason != "" {
		data["reason"] = reason
	}
	_ = in.Publish(context.WithoutCancel(ctx), agui.NewEvent(agui.EventWorkflowCompleted, "", data))

	in.eng.remove(in.id)
	close(in.done)
}

func isInstanceCancel(err error, ctx context.Context) bool {
	if !errors.Is(err, context.Canceled) {
		return false
	}
	var ic *instanceCancelled
	return errors.As(context.Cause(ctx), &ic)
}

func cancelReason(ctx context.Context, err error) string {
	if cause := context.Cause(ctx); cause != nil {
		return cause.Error()
	}
	return err.Error()
}

// execute runs the graph to completion: the root token plus any branches
// spawned by non-interrupting boundaries, fail-fast across all of them.
func (in *Instance) execute(ctx context.Context) error {
	start, err := in.graph.StartEvent()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	in.mu.Lock()
	in.g = g
	in.gctx = gctx
	in.mu.Unlock()

	g.Go(func() error { return in.advance(gctx, start) })
	return g.Wait()
}

// spawnBranch launches an independent branch (non-interrupting boundary
// flow) under the instance's group.
func (in *Instance) spawnBranch(el *model.Element) {
	in.mu.Lock()
	g, gctx := in.g, in.gctx
	in.mu.Unlock()
	g.Go(func() error { return in.advance(gctx, el) })
}

// advance is the recursive walker: activate, dispatch, complete, then follow
// the next-set. Gateways return their next-set explicitly; everything else
// follows all outgoing connections.
func (in *Instance) advance(ctx context.Context, el *model.Element) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Join gateways synchronize before activation so the downstream side
	// observes exactly one activation per pass.
	if el.IsGateway() && len(in.graph.Incoming(el.ID)) > 1 {
		proceed, err := in.joinArrive(ctx, el)
		if err != nil || !proceed {
			return err
		}
	}

	activated := time.Now()
	if err := in.Publish(ctx, agui.NewEvent(agui.EventElementActivated, el.ID, map[string]any{
		"elementType": string(el.Type),
		"name":        el.Name,
	})); err != nil {
		return err
	}
	in.logger.Info("executing element",
		zap.String("instance_id", in.id),
		zap.String("element_id", el.ID),
		zap.String("type", string(el.Type)))

	var next []*model.Element
	explicit := false
	var branchEnded bool

	switch {
	case el.IsTask():
		var err error
		next, branchEnded, err = in.superviseTask(ctx, el)
		if err != nil {
			return in.raise(ctx, el, err)
		}
		explicit = next != nil
	case el.IsGateway():
		var err error
		next, err = in.evalGateway(ctx, el)
		if err != nil {
			// A gateway raise is boundary-catchable like a task raise.
			if b := matchErrorBoundary(in.graph, el.ID, err); b != nil {
				if perr := in.publishBoundary(ctx, b, map[string]any{"error": err.Error()}); perr != nil {
					return perr
				}
				next = in.graph.OutgoingElements(b.ID)
			} else {
				return in.raise(ctx, el, err)
			}
		}
		explicit = true
	case el.IsEvent():
		if err := in.handleEvent(ctx, el); err != nil {
			return in.raise(ctx, el, err)
		}
	default:
		in.logger.Warn("unknown element type, passing through",
			zap.String("element_id", el.ID), zap.String("type", string(el.Type)))
	}

	if branchEnded {
		return nil
	}

	duration := time.Since(activated)
	metrics.ElementDuration.WithLabelValues(string(el.Type)).Observe(duration.Seconds())
	if err := in.Publish(ctx, agui.NewEvent(agui.EventElementCompleted, el.ID, map[string]any{
		"duration": duration.Seconds(),
	})); err != nil {
		return err
	}
	in.mu.Lock()
	in.completed[el.ID] = struct{}{}
	in.mu.Unlock()

	if !explicit {
		next = in.graph.OutgoingElements(el.ID)
	}

	switch len(next) {
	case 0:
		return nil
	case 1:
		return in.advance(ctx, next[0])
	default:
		g, gctx := errgroup.WithContext(ctx)
		for _, n := range next {
			n := n
			g.Go(func() error { return in.advance(gctx, n) })
		}
		return g.Wait()
	}
}

// raise publishes task.error and propagates.
func (in *Instance) raise(ctx context.Context, el *model.Element, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	data := map[string]any{"error": err.Error(), "retryable": false}
	var te *tasks.TaskError
	if errors.As(err, &te) {
		data["errorCode"] = te.Code
	}
	_ = in.Publish(context.WithoutCancel(ctx), agui.NewEvent(agui.EventTaskError, el.ID, data))
	return err
}

func (in *Instance) handleEvent(ctx context.Context, el *model.Element) error {
	switch el.Type {
	case model.StartEvent, model.EndEvent, model.IntermediateEvent:
		return nil
	case model.CompensationThrowEvent:
		return in.drainCompensations(ctx, el)
	default:
		return nil
	}
}

// drainCompensations runs registered compensation handlers in reverse
// registration order, awaiting each before the next. The registry is cleared
// up front so a handler that itself throws cannot re-enter.
func (in *Instance) drainCompensations(ctx context.Context, throw *model.Element) error {
	in.mu.Lock()
	entries := in.comp
	in.comp = nil
	in.mu.Unlock()

	in.logger.Info("draining compensation registry",
		zap.String("instance_id", in.id),
		zap.String("throw_id", throw.ID),
		zap.Int("handlers", len(entries)))

	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if err := in.publishBoundary(ctx, entry.boundary, map[string]any{
			"compensates": entry.taskID,
		}); err != nil {
			return err
		}
		metrics.BoundaryTriggers.WithLabelValues("compensation").Inc()
		for _, handler := range in.graph.OutgoingElements(entry.boundary.ID) {
			if err := in.advance(ctx, handler); err != nil {
				return err
			}
		}
	}
	return nil
}

func (in *Instance) publishBoundary(ctx context.Context, b *model.Element, extra map[string]any) error {
	data := map[string]any{"boundaryId": b.ID, "attachedTo": b.AttachedTo}
	for k, v := range extra {
		data[k] = v
	}
	return in.Publish(ctx, agui.NewEvent(agui.EventBoundaryTriggered, b.ID, data))
}

// joinArrive implements join synchronization for gateways with fan-in > 1.
// Returns proceed=true for exactly the arrival that carries the token
// onward: the last arrival for parallel joins, the first for inclusive
// merges. Exclusive joins are pass-throughs and every arrival proceeds.
func (in *Instance) joinArrive(ctx context.Context, gw *model.Element) (bool, error) {
	if gw.Type == model.ExclusiveGateway {
		return true, nil
	}

	in.mu.Lock()
	st, ok := in.joins[gw.ID]
	if !ok {
		st = &joinState{
			expected:     len(in.graph.Incoming(gw.ID)),
			firstArrival: time.Now(),
			done:         make(chan struct{}),
		}
		in.joins[gw.ID] = st
		in.armDeadlockWatcher(gw, st)
	}

	switch gw.Type {
	case model.InclusiveGateway:
		if st.committed {
			in.mu.Unlock()
			in.logger.Info("inclusive merge already committed, branch terminating",
				zap.String("gateway_id", gw.ID))
			return false, nil
		}
		st.committed = true
		st.arrived++
		in.stopWatcher(st)
		in.mu.Unlock()
		in.cancelCompetitors(gw)
		return true, nil

	case model.ParallelGateway:
		st.arrived++
		if st.arrived >= st.expected {
			in.stopWatcher(st)
			close(st.done)
			in.mu.Unlock()
			return true, nil
		}
		in.mu.Unlock()
		select {
		case <-st.done:
			return false, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}

	default:
		in.mu.Unlock()
		return true, nil
	}
}

// armDeadlockWatcher publishes an advisory gateway.deadlock event if the join
// is still incomplete after the configured threshold. Caller holds in.mu.
func (in *Instance) armDeadlockWatcher(gw *model.Element, st *joinState) {
	threshold := in.eng.deadlockAfter()
	st.watcher = time.AfterFunc(threshold, func() {
		in.mu.Lock()
		arrived, expected := st.arrived, st.expected
		var missing []string
		for _, conn := range in.graph.Incoming(gw.ID) {
			if _, done := in.completed[conn.From]; !done {
				missing = append(missing, conn.From)
			}
		}
		gctx := in.gctx
		in.mu.Unlock()
		if arrived >= expected {
			return
		}
		metrics.DeadlocksSuspected.Inc()
		in.logger.Warn("join deadlock suspected",
			zap.String("instance_id", in.id),
			zap.String("gateway_id", gw.ID),
			zap.Int("arrived", arrived),
			zap.Int("expected", expected),
			zap.Strings("missing_predecessors", missing))
		if gctx == nil {
			gctx = context.Background()
		}
		_ = in.Publish(gctx, agui.NewEvent(agui.EventGatewayDeadlock, gw.ID, map[string]any{
			"gatewayId":            gw.ID,
			"arrived":              arrived,
			"expected":             expected,
			"missing_predecessors": missing,
		}))
	})
}

func (in *Instance) stopWatcher(st *joinState) {
	if st.watcher != nil {
		st.watcher.Stop()
		st.watcher = nil
	}
}

// cancelCompetitors cancels still-active tasks on branches feeding a
// committed inclusive merge. Only graph predecessors of the merge are
// touched; unrelated branches keep running.
func (in *Instance) cancelCompetitors(gw *model.Element) {
	preds := in.graph.Predecessors(gw.ID)

	in.reg.mu.Lock()
	var losers []*activeTask
	for id, at := range in.reg.active {
		if _, ok := preds[id]; ok {
			losers = append(losers, at)
		}
	}
	in.reg.mu.Unlock()

	for _, at := range losers {
		in.logger.Info("cancelling competing branch task",
			zap.String("gateway_id", gw.ID),
			zap.String("task_id", at.el.ID))
		at.cancel(&taskCancelled{reason: "another approval path completed first"})
	}
}

// CompleteUserTask resolves a pending user-task wait on this instance.
func (in *Instance) CompleteUserTask(taskID string, decision tasks.UserDecision) bool {
	in.reg.mu.Lock()
	ch, ok := in.reg.userWaiters[taskID]
	if ok {
		delete(in.reg.userWaiters, taskID)
	}
	in.reg.mu.Unlock()
	if !ok {
		return false
	}
	ch <- decision // buffered
	return true
}

// CancelTask cooperatively cancels one active task. Returns false when the
// task is not currently active (already completed, or never started).
func (in *Instance) CancelTask(taskID, reason string) bool {
	in.reg.mu.Lock()
	at, ok := in.reg.active[taskID]
	in.reg.mu.Unlock()
	if !ok {
		return false
	}
	_ = in.Publish(context.Background(), agui.NewEvent(agui.EventTaskCancelling, taskID, map[string]any{
		"reason": reason,
	}))
	at.cancel(&taskCancelled{reason: reason})
	return true
}

// Runtime implementation for task runners.

// InstanceID returns the id runners embed in correlation keys.
func (in *Instance) InstanceID() string { return in.id }

// Context returns the instance variable bag.
func (in *Instance) Context() *wfcontext.Context { return in.vars }

// Publish forwards an event to the broadcaster; persistence failures are
// fatal to the publishing branch.
func (in *Instance) Publish(ctx context.Context, ev agui.Event) error {
	return in.eng.bc.Publish(ctx, ev)
}

// RegisterCategories forwards a task's event category preferences.
func (in *Instance) RegisterCategories(elementID string, categories []string) {
	in.eng.bc.RegisterTaskCategories(elementID, categories)
}

// Queue returns the message correlation queue.
func (in *Instance) Queue() *msgqueue.Queue { return in.eng.queue }

// Messages returns the durable message log.
func (in *Instance) Messages() tasks.MessageLog { return in.eng.messages }

// Logger returns the instance logger.
func (in *Instance) Logger() *zap.Logger { return in.logger }

// WaitUserDecision parks the calling runner until an external client submits
// a decision for taskID, or the task is cancelled.
func (in *Instance) WaitUserDecision(ctx context.Context, taskID string) (tasks.UserDecision, error) {
	ch := make(chan tasks.UserDecision, 1)
	in.reg.mu.Lock()
	in.reg.userWaiters[taskID] = ch
	in.reg.mu.Unlock()
	defer func() {
		in.reg.mu.Lock()
		delete(in.reg.userWaiters, taskID)
		in.reg.mu.Unlock()
	}()

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return tasks.UserDecision{}, ctx.Err()
	}
}

// RunSubprocess executes a subprocess definition synchronously in a child
// scope. The child shares the instance id and command registry but has its
// own joins, compensation registry, and variables.
func (in *Instance) RunSubprocess(ctx context.Context, subprocessID string, vars *wfcontext.Context) error {
	def := in.wf.SubProcessDefinition(subprocessID)
	if def == nil {
		return &tasks.TaskError{
			Code:    "CallActivityError",
			Message: fmt.Sprintf("subprocess definition not found: %s", subprocessID),
		}
	}

	child := &Instance{
		id:          in.id,
		processName: def.Name,
		wf:          in.wf,
		graph:       &def.Graph,
		vars:        vars,
		eng:         in.eng,
		logger:      in.logger.With(zap.String("subprocess", subprocessID)),
		reg:         in.reg,
		joins:       make(map[string]*joinState),
		completed:   make(map[string]struct{}),
		skipped:     make(map[string]struct{}),
		done:        make(chan struct{}),
	}
	return child.execute(ctx)
}
