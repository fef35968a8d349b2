package tasks

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/fluxbpm/engine/internal/agui"
	"github.com/fluxbpm/engine/internal/model"
)

// UserTaskRunner publishes a userTask.created event and parks until a human
// submits a decision or the task is cancelled.
type UserTaskRunner struct{}

func (r *UserTaskRunner) Execute(ctx context.Context, el *model.Element, rt Runtime) error {
	vars := rt.Context()
	assignee := el.StringProp("assignee", "")
	priority := el.StringProp("priority", "Medium")
	var candidates []string
	if cg := el.StringProp("candidateGroups", ""); cg != "" {
		candidates = strings.Split(cg, ",")
	}

	// Surface declared form fields from the context, or fall back to any
	// prior task results so the approver has something to look at.
	formData := map[string]any{}
	var formFields []string
	if custom := el.MapProp("custom"); custom != nil {
		if raw, ok := custom["formFields"].([]any); ok {
			for _, f := range raw {
				if s, ok := f.(string); ok {
					formFields = append(formFields, s)
					if v, ok := vars.Get(s); ok {
						formData[s] = v
					}
				}
			}
		}
	}
	if len(formData) == 0 {
		for key, v := range vars.Snapshot() {
			if strings.HasSuffix(key, "_result") {
				formData[strings.TrimSuffix(key, "_result")+" Results"] = v
			}
		}
	}

	if err := rt.Publish(ctx, agui.NewEvent(agui.EventUserTaskCreated, el.ID, map[string]any{
		"taskId":          el.ID,
		"taskName":        el.Name,
		"assignee":        assignee,
		"candidateGroups": candidates,
		"priority":        priority,
		"dueDate":         el.StringProp("dueDate", ""),
		"formFields":      formFields,
		"data":            formData,
	})); err != nil {
		return err
	}

	who := assignee
	if who == "" {
		who = strings.Join(candidates, ", ")
	}
	if err := progress(ctx, rt, el, "waiting", "Waiting for approval from "+who, 0.5); err != nil {
		return err
	}

	decision, err := rt.WaitUserDecision(ctx, el.ID)
	if err != nil {
		return err
	}

	vars.Set(el.ID+"_decision", decision.Decision)
	vars.Set(el.ID+"_comments", decision.Comments)
	vars.Set(el.ID+"_completedBy", decision.CompletedBy)

	rt.Logger().Info("user task completed",
		zap.String("task_id", el.ID),
		zap.String("decision", decision.Decision),
		zap.String("completed_by", decision.CompletedBy))

	return progress(ctx, rt, el, "completed", "User task completed: "+decision.Decision, 1.0)
}
