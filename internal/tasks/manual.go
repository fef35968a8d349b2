package tasks

import (
	"context"
	"time"

	"github.com/fluxbpm/engine/internal/model"
)

// ManualTaskRunner represents work done outside the system; the engine just
// records that it happened. Also serves as the fallback for unknown task
// kinds.
type ManualTaskRunner struct {
	Delay time.Duration
}

func (r *ManualTaskRunner) Execute(ctx context.Context, el *model.Element, rt Runtime) error {
	if err := progress(ctx, rt, el, "executing", "Manual task in progress", 0.5); err != nil {
		return err
	}
	d := r.Delay
	if ms := el.IntProp("durationMs", 0); ms > 0 {
		d = time.Duration(ms) * time.Millisecond
	}
	if err := sleep(ctx, d); err != nil {
		return err
	}
	return progress(ctx, rt, el, "completed", "Manual task completed", 1.0)
}

// BusinessRuleTaskRunner simulates a decision table evaluation and stores its
// outcome under the task's resultVariable.
type BusinessRuleTaskRunner struct {
	Delay time.Duration
}

func (r *BusinessRuleTaskRunner) Execute(ctx context.Context, el *model.Element, rt Runtime) error {
	decisionRef := el.StringProp("decisionRef", "")
	if err := progress(ctx, rt, el, "executing", "Evaluating decision: "+decisionRef, 0.3); err != nil {
		return err
	}
	if err := sleep(ctx, r.Delay); err != nil {
		return err
	}
	result := map[string]any{
		"decision":   decisionRef,
		"outcome":    "approved",
		"confidence": 0.95,
	}
	rt.Context().Set(el.StringProp("resultVariable", "decisionResult"), result)
	return progress(ctx, rt, el, "completed", "Business rule evaluated", 1.0)
}
