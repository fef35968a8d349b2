package tasks

import (
	"context"

	"go.uber.org/zap"

	"github.com/fluxbpm/engine/internal/model"
	"github.com/fluxbpm/engine/internal/wfcontext"
)

// CallActivityRunner invokes a reusable subprocess definition. The child runs
// over its own variable scope, seeded per inheritVariables and the input
// mappings; output mappings copy results back into the parent scope.
type CallActivityRunner struct{}

func (r *CallActivityRunner) Execute(ctx context.Context, el *model.Element, rt Runtime) error {
	vars := rt.Context()
	called := el.StringProp("calledElement", "")
	if called == "" {
		return &TaskError{Code: "CallActivityError", Message: "calledElement not specified"}
	}

	var child *wfcontext.Context
	if el.BoolProp("inheritVariables", true) {
		child = wfcontext.New(vars.Snapshot())
	} else {
		child = wfcontext.New(nil)
	}
	if id, ok := vars.Get("workflowInstanceId"); ok {
		child.Set("workflowInstanceId", id)
	}
	child.Set("taskId", el.ID)

	for _, m := range mappings(el, "inputMappings") {
		if v, ok := vars.Get(m.source); ok {
			child.Set(m.target, v)
		} else {
			rt.Logger().Warn("input mapping source not found",
				zap.String("task_id", el.ID), zap.String("source", m.source))
		}
	}

	if err := progress(ctx, rt, el, "running", "Calling subprocess: "+called, 0.1); err != nil {
		return err
	}

	if err := rt.RunSubprocess(ctx, called, child); err != nil {
		return err
	}

	for _, m := range mappings(el, "outputMappings") {
		if v, ok := child.Get(m.source); ok {
			vars.Set(m.target, v)
		} else {
			rt.Logger().Warn("output mapping source not found",
				zap.String("task_id", el.ID), zap.String("source", m.source))
		}
	}

	return progress(ctx, rt, el, "completed", "Subprocess "+called+" completed", 1.0)
}

type mapping struct {
	source, target string
}

func mappings(el *model.Element, key string) []mapping {
	raw, ok := el.Properties[key].([]any)
	if !ok {
		return nil
	}
	var out []mapping
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		src, _ := m["source"].(string)
		dst, _ := m["target"].(string)
		if src == "" || dst == "" {
			continue
		}
		out = append(out, mapping{source: src, target: dst})
	}
	return out
}
