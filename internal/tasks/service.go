package tasks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fluxbpm/engine/internal/expr"
	"github.com/fluxbpm/engine/internal/model"
)

// ServiceTaskRunner simulates an external service call. A failWhen condition
// lets workflows model failing integrations; when it evaluates true the
// runner raises a TaskError with the configured code, which error boundaries
// match against.
type ServiceTaskRunner struct {
	Delay time.Duration
}

func (r *ServiceTaskRunner) Execute(ctx context.Context, el *model.Element, rt Runtime) error {
	vars := rt.Context()

	if cond := el.StringProp("failWhen", ""); cond != "" {
		fail, err := expr.EvalCondition(cond, vars)
		if err != nil {
			rt.Logger().Warn("service task failWhen condition unparsable, ignoring",
				zap.String("task_id", el.ID), zap.Error(err))
		} else if fail {
			return &TaskError{
				Code:    el.StringProp("errorCode", "ServiceError"),
				Message: el.StringProp("errorMessage", "service call failed"),
			}
		}
	}

	implementation := el.StringProp("implementation", "External")
	var result any
	switch implementation {
	case "External":
		topic := el.StringProp("topic", "default-topic")
		if err := progress(ctx, rt, el, "executing", "Publishing to external topic: "+topic, 0.3); err != nil {
			return err
		}
		if err := sleep(ctx, r.delay(el)); err != nil {
			return err
		}
		result = map[string]any{
			"topic":     topic,
			"status":    "completed",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		}
	case "Expression":
		expression := el.StringProp("expression", "")
		if err := progress(ctx, rt, el, "executing", "Evaluating expression: "+expression, 0.3); err != nil {
			return err
		}
		result = vars.Interpolate(expression)
	default:
		if err := progress(ctx, rt, el, "executing", "Executing "+implementation, 0.3); err != nil {
			return err
		}
		result = map[string]any{"implementation": implementation, "status": "completed"}
	}

	vars.Set(el.StringProp("resultVariable", "result"), result)
	return progress(ctx, rt, el, "completed", "Service task completed", 1.0)
}

func (r *ServiceTaskRunner) delay(el *model.Element) time.Duration {
	if ms := el.IntProp("durationMs", 0); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return r.Delay
}
