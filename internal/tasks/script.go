package tasks

import (
	"context"

	"go.uber.org/zap"

	"github.com/fluxbpm/engine/internal/expr"
	"github.com/fluxbpm/engine/internal/model"
)

// ScriptTaskRunner evaluates `name = expression` assignment scripts against
// the instance variables and merges the resulting bindings back in. A
// `result` binding is additionally stored under the task's resultVariable.
type ScriptTaskRunner struct{}

func (r *ScriptTaskRunner) Execute(ctx context.Context, el *model.Element, rt Runtime) error {
	vars := rt.Context()
	script := el.StringProp("script", "")

	if err := progress(ctx, rt, el, "executing", "Running script", 0.3); err != nil {
		return err
	}

	bindings, err := expr.ExecScript(script, vars)
	if err != nil {
		rt.Logger().Error("script execution failed",
			zap.String("task_id", el.ID), zap.Error(err))
		if perr := progress(ctx, rt, el, "failed", "Script error: "+err.Error(), 0.5); perr != nil {
			return perr
		}
		return &TaskError{
			Code:    el.StringProp("errorCode", "ScriptError"),
			Message: err.Error(),
		}
	}

	for name, v := range bindings {
		vars.Set(name, v)
	}
	if result, ok := bindings["result"]; ok {
		vars.Set(el.StringProp("resultVariable", "scriptResult"), result)
	}

	return progress(ctx, rt, el, "completed", "Script executed successfully", 1.0)
}
