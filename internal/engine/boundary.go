package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fluxbpm/engine/internal/agui"
	"github.com/fluxbpm/engine/internal/metrics"
	"github.com/fluxbpm/engine/internal/model"
	"github.com/fluxbpm/engine/internal/tasks"
)

// superviseTask wraps one task execution with its attached boundary events:
// timers race the task body, errors are offered to error boundaries in
// declaration order, and compensation boundaries are registered on success.
//
// Returns (next, branchEnded, err): a non-nil next is a boundary's outgoing
// flow overriding the task's own; branchEnded means the task was cancelled
// cooperatively and the branch terminates without completing the element.
func (in *Instance) superviseTask(ctx context.Context, el *model.Element) ([]*model.Element, bool, error) {
	errorBs := in.graph.Boundaries(el.ID, model.ErrorBoundaryEvent)
	timerBs := in.graph.Boundaries(el.ID, model.TimerBoundaryEvent)
	compBs := in.graph.Boundaries(el.ID, model.CompensationBoundaryEvent)

	taskCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	in.reg.mu.Lock()
	in.reg.active[el.ID] = &activeTask{el: el, cancel: cancel}
	in.reg.mu.Unlock()
	metrics.ActiveTasks.Inc()
	defer func() {
		in.reg.mu.Lock()
		delete(in.reg.active, el.ID)
		in.reg.mu.Unlock()
		metrics.ActiveTasks.Dec()
	}()

	runner := in.eng.registry.For(el.Type)
	done := make(chan error, 1)
	go func() { done <- runner.Execute(taskCtx, el, in) }()

	fired := make(chan *model.Element, len(timerBs)+1)
	var timers []*time.Timer
	for _, b := range timerBs {
		b := b
		d, err := tasks.TimerDuration(b)
		if err != nil {
			in.logger.Warn("timer boundary misconfigured, not armed",
				zap.String("boundary_id", b.ID), zap.Error(err))
			continue
		}
		timers = append(timers, time.AfterFunc(d, func() { fired <- b }))
	}
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	settle := func(err error) ([]*model.Element, bool, error) {
		if err == nil {
			in.mu.Lock()
			for _, b := range compBs {
				in.comp = append(in.comp, compEntry{taskID: el.ID, boundary: b})
			}
			in.mu.Unlock()
			return nil, false, nil
		}

		// Parent cancellation (instance cancel, sibling fail-fast)
		// propagates; a task-level cancel ends just this branch.
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		if taskCtx.Err() != nil && errors.Is(err, context.Canceled) {
			reason := "task cancelled"
			var tc *taskCancelled
			if errors.As(context.Cause(taskCtx), &tc) {
				reason = tc.reason
			}
			metrics.TasksCancelled.Inc()
			data := map[string]any{"taskId": el.ID, "reason": reason}
			if partial, ok := in.vars.Get(el.ID + "_result"); ok {
				data["partialResult"] = partial
			}
			if perr := in.Publish(ctx, agui.NewEvent(agui.EventTaskCancelled, el.ID, data)); perr != nil {
				return nil, false, perr
			}
			return nil, true, nil
		}

		if b := matchFromList(errorBs, err); b != nil {
			metrics.BoundaryTriggers.WithLabelValues("error").Inc()
			if perr := in.publishBoundary(ctx, b, map[string]any{"error": err.Error()}); perr != nil {
				return nil, false, perr
			}
			return in.graph.OutgoingElements(b.ID), false, nil
		}
		return nil, false, err
	}

	for {
		select {
		case err := <-done:
			return settle(err)

		case b := <-fired:
			// The task may have finished in the same instant; completion
			// wins and the timer is a no-op.
			select {
			case err := <-done:
				return settle(err)
			default:
			}

			metrics.BoundaryTriggers.WithLabelValues("timer").Inc()
			if b.BoolProp("cancelActivity", true) {
				cancel(&taskCancelled{reason: "boundary timer fired"})
				if err := <-done; err == nil {
					// Runner beat the cancel signal; the task completed.
					return settle(nil)
				}
				metrics.TasksCancelled.Inc()
				data := map[string]any{"taskId": el.ID, "reason": "timeout"}
				if partial, ok := in.vars.Get(el.ID + "_result"); ok {
					data["partialResult"] = partial
				}
				if perr := in.Publish(ctx, agui.NewEvent(agui.EventTaskCancelled, el.ID, data)); perr != nil {
					return nil, false, perr
				}
				if perr := in.publishBoundary(ctx, b, map[string]any{"reason": "timeout"}); perr != nil {
					return nil, false, perr
				}
				return in.graph.OutgoingElements(b.ID), false, nil
			}

			// Non-interrupting: the boundary flow runs as its own branch
			// while the task keeps going.
			if perr := in.publishBoundary(ctx, b, map[string]any{
				"reason":       "timeout",
				"interrupting": false,
			}); perr != nil {
				return nil, false, perr
			}
			for _, n := range in.graph.OutgoingElements(b.ID) {
				in.spawnBranch(n)
			}

		case <-ctx.Done():
			cancel(nil)
			<-done
			return nil, false, ctx.Err()
		}
	}
}

// matchErrorBoundary finds the first matching error boundary attached to an
// element for a raised error.
func matchErrorBoundary(g *model.Graph, elementID string, err error) *model.Element {
	return matchFromList(g.Boundaries(elementID, model.ErrorBoundaryEvent), err)
}

// matchFromList applies the error boundary matching rules in declaration
// order: empty errorCode is a catch-all; otherwise the code must equal the
// raised TaskError's code or appear as a substring of the error message.
func matchFromList(boundaries []*model.Element, err error) *model.Element {
	if err == nil {
		return nil
	}
	var te *tasks.TaskError
	hasCode := errors.As(err, &te)
	for _, b := range boundaries {
		code := b.StringProp("errorCode", "")
		if code == "" {
			return b
		}
		if hasCode && te.Code == code {
			return b
		}
		if strings.Contains(err.Error(), code) {
			return b
		}
	}
	return nil
}
