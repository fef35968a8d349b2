// Package tasks contains the runners that execute individual workflow
// elements. Each element kind maps to one Runner in a static registry; the
// engine hands a Runtime to every execution so runners can publish events,
// read and write instance variables, and wait on external input.
package tasks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fluxbpm/engine/internal/agui"
	"github.com/fluxbpm/engine/internal/model"
	"github.com/fluxbpm/engine/internal/msgqueue"
	"github.com/fluxbpm/engine/internal/wfcontext"
)

// UserDecision is the payload a human submits to complete a user task.
type UserDecision struct {
	Decision    string `json:"decision"`
	Comments    string `json:"comments,omitempty"`
	CompletedBy string `json:"completedBy,omitempty"`
}

// TaskError is a raised task failure carrying an error code that boundary
// events match against.
type TaskError struct {
	Code    string
	Message string
}

func (e *TaskError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// MessageLog records streamed messages, thinking events, and tool executions.
// Implemented by the eventstore package.
type MessageLog interface {
	EnsureThread(elementID string) (string, error)
	StartMessage(elementID, messageID, role string, ts time.Time) error
	UpdateMessageContent(messageID, content string) error
	CompleteMessage(messageID string) error
	CancelMessage(messageID, reason string) error
	StoreThinking(elementID, message string, ts time.Time) error
	StartTool(elementID, toolName string, args map[string]any, ts time.Time) (int64, error)
	EndTool(id int64, result any, ts time.Time) error
}

// Runtime is the engine-side surface a runner executes against.
type Runtime interface {
	InstanceID() string
	Context() *wfcontext.Context
	Publish(ctx context.Context, ev agui.Event) error
	RegisterCategories(elementID string, categories []string)
	Queue() *msgqueue.Queue
	WaitUserDecision(ctx context.Context, taskID string) (UserDecision, error)
	RunSubprocess(ctx context.Context, subprocessID string, vars *wfcontext.Context) error
	Messages() MessageLog
	Logger() *zap.Logger
}

// Runner executes one element kind. Results are written into the runtime's
// variable context; a returned *TaskError is matched against error
// boundaries, any other error propagates to the scheduler.
type Runner interface {
	Execute(ctx context.Context, el *model.Element, rt Runtime) error
}

// Options configures the default runner set.
type Options struct {
	// PublicBaseURL is the externally reachable base for approval links in
	// outbound messages.
	PublicBaseURL string
	// Sender delivers send-task messages; nil means simulated sends.
	Sender Sender
	// Agent produces agentic-task output; nil means the built-in simulated
	// agent.
	Agent Agent
	// SimDelay scales the simulated work in service/manual/business-rule
	// runners. Tests set this near zero.
	SimDelay time.Duration
}

func (o Options) simDelay() time.Duration {
	if o.SimDelay > 0 {
		return o.SimDelay
	}
	return 500 * time.Millisecond
}

// Registry maps element types to runners.
type Registry struct {
	runners  map[model.ElementType]Runner
	fallback Runner
}

// NewRegistry builds the default registry.
func NewRegistry(opts Options) *Registry {
	manual := &ManualTaskRunner{Delay: opts.simDelay()}
	r := &Registry{
		runners:  make(map[model.ElementType]Runner),
		fallback: manual,
	}
	r.Register(model.UserTask, &UserTaskRunner{})
	r.Register(model.ServiceTask, &ServiceTaskRunner{Delay: opts.simDelay()})
	r.Register(model.ScriptTask, &ScriptTaskRunner{})
	r.Register(model.SendTask, &SendTaskRunner{Sender: opts.Sender, BaseURL: opts.PublicBaseURL})
	r.Register(model.ReceiveTask, &ReceiveTaskRunner{})
	r.Register(model.ManualTask, manual)
	r.Register(model.BusinessRuleTask, &BusinessRuleTaskRunner{Delay: opts.simDelay()})
	r.Register(model.AgenticTask, &AgenticTaskRunner{Agent: opts.Agent})
	r.Register(model.TimerIntermediateCatchEvent, &TimerCatchRunner{})
	r.Register(model.CallActivity, &CallActivityRunner{})
	r.Register(model.GenericTask, manual)
	return r
}

// Register installs (or replaces) the runner for an element type.
func (r *Registry) Register(t model.ElementType, run Runner) {
	r.runners[t] = run
}

// For returns the runner for an element type, falling back to the manual
// runner for unknown task kinds.
func (r *Registry) For(t model.ElementType) Runner {
	if run, ok := r.runners[t]; ok {
		return run
	}
	return r.fallback
}

// progress publishes a task.progress event.
func progress(ctx context.Context, rt Runtime, el *model.Element, status, message string, pct float64) error {
	return rt.Publish(ctx, agui.NewEvent(agui.EventTaskProgress, el.ID, map[string]any{
		"status":   status,
		"message":  message,
		"progress": pct,
	}))
}

// sleep waits for d or until the task is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
