package tasks

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fluxbpm/engine/internal/model"
)

// Sender delivers an outbound message to an external channel.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) (id string, err error)
}

// OutboundMessage is a fully resolved send-task payload.
type OutboundMessage struct {
	Type    string
	To      string
	From    string
	Subject string
	Body    string
	HTML    bool
}

// SendTaskRunner formats a message with ${var} interpolation and hands it to
// the configured Sender. Without a sender (or when the sender fails) the send
// is simulated so the workflow can still make progress.
type SendTaskRunner struct {
	Sender  Sender
	BaseURL string
}

func (r *SendTaskRunner) Execute(ctx context.Context, el *model.Element, rt Runtime) error {
	vars := rt.Context()
	msgType := el.StringProp("messageType", "Email")

	msg := OutboundMessage{
		Type:    msgType,
		To:      vars.Interpolate(el.StringProp("to", "")),
		From:    el.StringProp("fromEmail", ""),
		Subject: vars.Interpolate(el.StringProp("subject", "")),
		Body:    vars.Interpolate(el.StringProp("messageBody", "")),
		HTML:    el.BoolProp("htmlFormat", false),
	}

	if el.BoolProp("includeApprovalLinks", false) {
		ref := el.StringProp("approvalMessageRef", "approvalRequest")
		key := vars.Interpolate(el.StringProp("approvalCorrelationKey", ""))
		msg.Body = r.appendApprovalLinks(msg.Body, ref, key, msg.HTML)
		rt.Logger().Info("approval links attached",
			zap.String("task_id", el.ID),
			zap.String("message_ref", ref),
			zap.String("correlation_key", key))
	}

	if err := progress(ctx, rt, el, "executing", fmt.Sprintf("Sending %s to %s", msgType, msg.To), 0.3); err != nil {
		return err
	}

	if r.Sender != nil {
		id, err := r.Sender.Send(ctx, msg)
		if err == nil {
			vars.Set(el.StringProp("resultVariable", el.ID+"_send"), map[string]any{
				"to": msg.To, "sent": true, "messageId": id, "method": "sender",
			})
			return progress(ctx, rt, el, "completed", msgType+" sent successfully", 1.0)
		}
		rt.Logger().Warn("sender failed, falling back to simulated send",
			zap.String("task_id", el.ID), zap.Error(err))
	}

	rt.Logger().Info("send simulated",
		zap.String("task_id", el.ID),
		zap.String("type", msgType),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject))
	vars.Set(el.StringProp("resultVariable", el.ID+"_send"), map[string]any{
		"to": msg.To, "sent": true, "method": "simulated",
	})
	return progress(ctx, rt, el, "completed", msgType+" sent successfully (simulated)", 1.0)
}

func (r *SendTaskRunner) appendApprovalLinks(body, messageRef, correlationKey string, html bool) string {
	base := strings.TrimSuffix(r.BaseURL, "/")
	if base == "" {
		base = "http://localhost:8000"
	}
	approveURL := fmt.Sprintf("%s/webhooks/approve/%s/%s", base, messageRef, correlationKey)
	denyURL := fmt.Sprintf("%s/webhooks/deny/%s/%s", base, messageRef, correlationKey)

	if html {
		return body + fmt.Sprintf(`
<div style="margin-top:30px;padding:20px;border-top:2px solid #e0e0e0;">
  <p>Please choose an action:</p>
  <p>
    <a href="%s" style="display:inline-block;padding:12px 30px;background-color:#28a745;color:white;text-decoration:none;border-radius:5px;">Approve</a>
    <a href="%s" style="display:inline-block;padding:12px 30px;background-color:#dc3545;color:white;text-decoration:none;border-radius:5px;">Deny</a>
  </p>
</div>`, approveURL, denyURL)
	}
	return body + fmt.Sprintf("\n\nPlease choose an action:\n\nAPPROVE: %s\n\nDENY: %s\n", approveURL, denyURL)
}
