package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fluxbpm/engine/internal/agui"
	"github.com/fluxbpm/engine/internal/model"
)

// Agent produces the analysis for an agentic task. The default implementation
// streams a simulated response; a real integration plugs in here.
type Agent interface {
	Run(ctx context.Context, el *model.Element, rt Runtime) (map[string]any, error)
}

// AgenticTaskRunner drives an Agent: it registers the task's event category
// preferences, announces cancellability, and retries low-confidence runs up
// to maxRetries.
type AgenticTaskRunner struct {
	Agent Agent
}

func (r *AgenticTaskRunner) Execute(ctx context.Context, el *model.Element, rt Runtime) error {
	agentType := el.StringProp("agentType", "generic-agent")
	threshold := el.FloatProp("confidenceThreshold", 0.8)
	maxRetries := el.IntProp("maxRetries", 3)
	if maxRetries < 1 {
		maxRetries = 1
	}

	if custom := el.MapProp("custom"); custom != nil {
		if raw, ok := custom["aguiEventCategories"].([]any); ok {
			var cats []string
			for _, c := range raw {
				if s, ok := c.(string); ok {
					cats = append(cats, s)
				}
			}
			rt.RegisterCategories(el.ID, cats)
		}
	}

	if el.BoolProp("allowCancellation", true) {
		if err := rt.Publish(ctx, agui.NewEvent(agui.EventTaskCancellable, el.ID, map[string]any{
			"taskName": el.Name,
		})); err != nil {
			return err
		}
	}

	if err := r.thinking(ctx, rt, el, fmt.Sprintf("Initializing %s agent...", agentType)); err != nil {
		return err
	}
	if err := progress(ctx, rt, el, "initializing", "Initializing "+agentType+" agent", 0.1); err != nil {
		return err
	}

	agent := r.Agent
	if agent == nil {
		agent = &SimulatedAgent{}
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.thinking(ctx, rt, el, fmt.Sprintf("Analyzing (attempt %d/%d)...", attempt, maxRetries)); err != nil {
			return err
		}
		if err := progress(ctx, rt, el, "executing", fmt.Sprintf("Agent analyzing (attempt %d/%d)", attempt, maxRetries), 0.3+float64(attempt-1)*0.2); err != nil {
			return err
		}

		result, err := agent.Run(ctx, el, rt)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			lastErr = err
			rt.Logger().Error("agent attempt failed",
				zap.String("task_id", el.ID), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		confidence := 1.0
		if c, ok := result["confidence"].(float64); ok {
			confidence = c
		}
		if confidence >= threshold {
			rt.Context().Set(el.ID+"_result", result)
			return progress(ctx, rt, el, "completed",
				fmt.Sprintf("Analysis complete (confidence: %.0f%%)", confidence*100), 1.0)
		}
		if err := progress(ctx, rt, el, "retry",
			fmt.Sprintf("Low confidence (%.0f%%), retrying", confidence*100), 0.5); err != nil {
			return err
		}
	}

	msg := fmt.Sprintf("agent failed after %d attempts", maxRetries)
	if lastErr != nil {
		msg = fmt.Sprintf("%s: %v", msg, lastErr)
	}
	return &TaskError{Code: "AgentError", Message: msg}
}

func (r *AgenticTaskRunner) thinking(ctx context.Context, rt Runtime, el *model.Element, msg string) error {
	if log := rt.Messages(); log != nil {
		if err := log.StoreThinking(el.ID, msg, time.Now().UTC()); err != nil {
			return err
		}
	}
	return rt.Publish(ctx, agui.NewEvent(agui.EventTaskThinking, el.ID, map[string]any{
		"message": msg,
	}))
}

// SimulatedAgent runs configured tools and streams a canned analysis chunk by
// chunk, persisting each stage so replay reconstructs the conversation. A
// cancellation mid-stream marks the message cancelled and surfaces the cause.
type SimulatedAgent struct {
	ChunkDelay time.Duration
}

func (a *SimulatedAgent) Run(ctx context.Context, el *model.Element, rt Runtime) (map[string]any, error) {
	log := rt.Messages()
	var toolsUsed []string

	if custom := el.MapProp("custom"); custom != nil {
		if raw, ok := custom["mcpTools"].([]any); ok {
			for _, t := range raw {
				name, ok := t.(string)
				if !ok {
					continue
				}
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				if err := a.runTool(ctx, el, rt, name); err != nil {
					return nil, err
				}
				toolsUsed = append(toolsUsed, name)
			}
		}
	}

	messageID := "msg_" + uuid.NewString()
	now := time.Now().UTC()
	if log != nil {
		if _, err := log.EnsureThread(el.ID); err != nil {
			return nil, err
		}
		if err := log.StartMessage(el.ID, messageID, "assistant", now); err != nil {
			return nil, err
		}
	}
	if err := rt.Publish(ctx, agui.NewEvent(agui.EventTextMessageStart, el.ID, map[string]any{
		"messageId": messageID,
		"role":      "assistant",
	})); err != nil {
		return nil, err
	}

	chunks := []string{
		"Analysis started. ",
		fmt.Sprintf("Ran %d tools. ", len(toolsUsed)),
		"No blocking issues found. ",
		"Recommended actions generated.",
	}
	var content strings.Builder
	for _, chunk := range chunks {
		if err := sleep(ctx, a.ChunkDelay); err != nil {
			if log != nil {
				_ = log.CancelMessage(messageID, cancelReason(ctx))
			}
			rt.Context().Set(el.ID+"_result", map[string]any{
				"status":  "cancelled",
				"partial": content.String(),
			})
			return nil, err
		}
		content.WriteString(chunk)
		if log != nil {
			if err := log.UpdateMessageContent(messageID, content.String()); err != nil {
				return nil, err
			}
		}
		if err := rt.Publish(ctx, agui.NewEvent(agui.EventTextMessageChunk, el.ID, map[string]any{
			"messageId": messageID,
			"delta":     chunk,
		})); err != nil {
			return nil, err
		}
	}

	if log != nil {
		if err := log.CompleteMessage(messageID); err != nil {
			return nil, err
		}
	}
	if err := rt.Publish(ctx, agui.NewEvent(agui.EventTextMessageEnd, el.ID, map[string]any{
		"messageId": messageID,
	})); err != nil {
		return nil, err
	}

	return map[string]any{
		"analysis":   content.String(),
		"tools_used": toolsUsed,
		"confidence": 0.95,
	}, nil
}

func (a *SimulatedAgent) runTool(ctx context.Context, el *model.Element, rt Runtime, name string) error {
	args := map[string]any{"task": el.Name}
	var toolID int64
	if log := rt.Messages(); log != nil {
		id, err := log.StartTool(el.ID, name, args, time.Now().UTC())
		if err != nil {
			return err
		}
		toolID = id
	}
	if err := rt.Publish(ctx, agui.NewEvent(agui.EventTaskToolStart, el.ID, map[string]any{
		"tool": name,
		"args": args,
	})); err != nil {
		return err
	}

	if err := sleep(ctx, a.ChunkDelay); err != nil {
		return err
	}

	result := map[string]any{"tool": name, "status": "ok"}
	if log := rt.Messages(); log != nil {
		if err := log.EndTool(toolID, result, time.Now().UTC()); err != nil {
			return err
		}
	}
	return rt.Publish(ctx, agui.NewEvent(agui.EventTaskToolEnd, el.ID, map[string]any{
		"tool":   name,
		"result": result,
	}))
}

func cancelReason(ctx context.Context) string {
	if cause := context.Cause(ctx); cause != nil && cause != ctx.Err() {
		return cause.Error()
	}
	return "task cancelled"
}
