// Package engine implements the workflow scheduler: token traversal over the
// process graph, gateway evaluation, boundary supervision, compensation, and
// the command surface external clients use to complete or cancel tasks.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fluxbpm/engine/internal/agui"
	"github.com/fluxbpm/engine/internal/model"
	"github.com/fluxbpm/engine/internal/msgqueue"
	"github.com/fluxbpm/engine/internal/tasks"
	"github.com/fluxbpm/engine/internal/wfcontext"
)

const defaultDeadlockThreshold = 30 * time.Second

// Options configures an Engine.
type Options struct {
	Broadcaster *agui.Broadcaster
	Queue       *msgqueue.Queue
	Messages    tasks.MessageLog
	Registry    *tasks.Registry
	Logger      *zap.Logger
	// DeadlockThreshold is how long a partially-arrived join may sit before
	// an advisory gateway.deadlock event is published.
	DeadlockThreshold time.Duration
}

// Engine owns running instances and routes external commands to them.
type Engine struct {
	bc       *agui.Broadcaster
	queue    *msgqueue.Queue
	messages tasks.MessageLog
	registry *tasks.Registry
	logger   *zap.Logger

	deadlockMu        sync.RWMutex
	deadlockThreshold time.Duration

	mu        sync.Mutex
	instances map[string]*Instance
}

// New creates an Engine. The queue's overflow warning is wired to the
// broadcaster here so mailbox growth is visible to subscribers.
func New(opts Options) *Engine {
	e := &Engine{
		bc:                opts.Broadcaster,
		queue:             opts.Queue,
		messages:          opts.Messages,
		registry:          opts.Registry,
		logger:            opts.Logger,
		deadlockThreshold: opts.DeadlockThreshold,
	}
	if e.deadlockThreshold <= 0 {
		e.deadlockThreshold = defaultDeadlockThreshold
	}
	if e.registry == nil {
		e.registry = tasks.NewRegistry(tasks.Options{})
	}
	e.instances = make(map[string]*Instance)

	if e.queue != nil {
		e.queue.OnOverflow(func(key string, depth int) {
			_ = e.bc.Publish(context.Background(), agui.NewEvent(agui.EventQueueOverflow, "", map[string]any{
				"correlationKey": key,
				"depth":          depth,
			}))
		})
	}
	return e
}

// SetDeadlockThreshold updates the advisory threshold, used by config hot
// reload.
func (e *Engine) SetDeadlockThreshold(d time.Duration) {
	if d <= 0 {
		return
	}
	e.deadlockMu.Lock()
	e.deadlockThreshold = d
	e.deadlockMu.Unlock()
}

func (e *Engine) deadlockAfter() time.Duration {
	e.deadlockMu.RLock()
	defer e.deadlockMu.RUnlock()
	return e.deadlockThreshold
}

// StartInstance validates the workflow and launches an instance. The
// instance runs asynchronously; completion is observed through the event
// stream or Instance.Done.
func (e *Engine) StartInstance(ctx context.Context, wf *model.Workflow, initial map[string]any) (*Instance, error) {
	if err := wf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	in := &Instance{
		id:          uuid.NewString(),
		processName: wf.Process.Name,
		wf:          wf,
		graph:       &wf.Process.Graph,
		vars:        wfcontext.New(initial),
		eng:         e,
		logger:      e.logger,
		reg: &taskRegistry{
			active:      make(map[string]*activeTask),
			userWaiters: make(map[string]chan tasks.UserDecision),
		},
		joins:     make(map[string]*joinState),
		completed: make(map[string]struct{}),
		skipped:   make(map[string]struct{}),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	in.vars.Set("workflowInstanceId", in.id)

	e.mu.Lock()
	e.instances[in.id] = in
	e.mu.Unlock()

	go in.run(runCtx)
	return in, nil
}

// Instance returns a running instance by id.
func (e *Engine) Instance(id string) (*Instance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	in, ok := e.instances[id]
	return in, ok
}

func (e *Engine) remove(id string) {
	e.mu.Lock()
	delete(e.instances, id)
	e.mu.Unlock()
}

func (e *Engine) snapshot() []*Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Instance, 0, len(e.instances))
	for _, in := range e.instances {
		out = append(out, in)
	}
	return out
}

// CompleteUserTask resolves a pending user-task wait anywhere in the engine.
// Returns false when no instance is waiting on that task.
func (e *Engine) CompleteUserTask(taskID string, decision tasks.UserDecision) bool {
	for _, in := range e.snapshot() {
		if in.CompleteUserTask(taskID, decision) {
			return true
		}
	}
	e.logger.Warn("user task completion for unknown task", zap.String("task_id", taskID))
	return false
}

// CancelTask cooperatively cancels an active task anywhere in the engine.
// Idempotent: cancelling a task that already completed returns false.
func (e *Engine) CancelTask(taskID, reason string) bool {
	for _, in := range e.snapshot() {
		if in.CancelTask(taskID, reason) {
			return true
		}
	}
	e.logger.Info("cancel request for inactive task", zap.String("task_id", taskID))
	return false
}

// CancelInstance cancels a whole instance.
func (e *Engine) CancelInstance(id, reason string) bool {
	in, ok := e.Instance(id)
	if !ok {
		return false
	}
	in.cancel(&instanceCancelled{reason: reason})
	return true
}

// Queue exposes the correlation queue for the webhook surface.
func (e *Engine) Queue() *msgqueue.Queue { return e.queue }

// Broadcaster exposes the event broadcaster for transports.
func (e *Engine) Broadcaster() *agui.Broadcaster { return e.bc }
