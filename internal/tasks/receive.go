package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fluxbpm/engine/internal/model"
	"github.com/fluxbpm/engine/internal/msgqueue"
)

const defaultReceiveTimeout = 30 * time.Second

// ReceiveTaskRunner parks until a correlated message arrives via the webhook
// queue. A message queued before the task activated is consumed immediately.
// The timeout surfaces as a CorrelationTimeout task error so timer or error
// boundaries can catch it.
type ReceiveTaskRunner struct{}

func (r *ReceiveTaskRunner) Execute(ctx context.Context, el *model.Element, rt Runtime) error {
	vars := rt.Context()
	messageRef := el.StringProp("messageRef", "")
	correlationKey := vars.Interpolate(el.StringProp("correlationKey", ""))

	timeout := defaultReceiveTimeout
	if ms := el.IntProp("timeout", 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	rt.Logger().Info("receive task waiting",
		zap.String("task_id", el.ID),
		zap.String("message_ref", messageRef),
		zap.String("correlation_key", correlationKey),
		zap.Duration("timeout", timeout))

	waitMsg := "Waiting for message: " + messageRef
	if correlationKey != "" {
		waitMsg += " (correlation: " + correlationKey + ")"
	}
	if err := progress(ctx, rt, el, "waiting", waitMsg, 0.3); err != nil {
		return err
	}

	msg, err := rt.Queue().Wait(ctx, el.ID, messageRef, correlationKey, timeout)
	if err != nil {
		if errors.Is(err, msgqueue.ErrCorrelationTimeout) {
			if perr := progress(ctx, rt, el, "failed", "Timeout waiting for message: "+messageRef, 0.5); perr != nil {
				return perr
			}
			return &TaskError{
				Code:    "CorrelationTimeout",
				Message: fmt.Sprintf("timeout waiting for message %q (key %q)", messageRef, correlationKey),
			}
		}
		return err
	}

	vars.Set(el.ID+"_message", map[string]any{
		"messageRef":     msg.MessageRef,
		"correlationKey": msg.CorrelationKey,
		"payload":        msg.Payload,
		"timestamp":      msg.Timestamp.Format(time.RFC3339Nano),
	})
	vars.Set(el.ID+"_payload", msg.Payload)
	for key, v := range msg.Payload {
		vars.Set(key, v)
	}

	return progress(ctx, rt, el, "completed", "Message received via webhook", 1.0)
}
