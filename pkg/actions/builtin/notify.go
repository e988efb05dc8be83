package builtin

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/tidemark/settler/pkg/actions"
	"github.com/tidemark/settler/pkg/models"
	"github.com/tidemark/settler/pkg/repositories"
)

// Notification is an outbound message produced by the notify and escalate
// actions. Delivery transport is pluggable; the stock wiring publishes to
// Kafka.
type Notification struct {
	Template string         `json:"template"`
	Channel  string         `json:"channel,omitempty"`
	Severity string         `json:"severity,omitempty"`
	RuleID   string         `json:"rule_id"`
	RuleName string         `json:"rule_name"`
	Subject  string         `json:"subject"`
	Data     map[string]any `json:"data,omitempty"`
}

// Notifier delivers notifications raised by action pipelines.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifyHandler renders and sends a notification for the processed item.
type NotifyHandler struct {
	notifier Notifier
	logger   ectologger.Logger
}

func NewNotifyHandler(notifier Notifier, logger ectologger.Logger) *NotifyHandler {
	return &NotifyHandler{notifier: notifier, logger: logger}
}

func (h *NotifyHandler) Type() string {
	return models.ActionTypeNotify
}

func (h *NotifyHandler) ValidateParams(params map[string]any) error {
	if _, ok := stringParam(params, "template"); !ok {
		return repositories.Configuration("notify: template is required")
	}
	return nil
}

func (h *NotifyHandler) Execute(ctx context.Context, actx *actions.Context, params map[string]any) (*actions.Result, error) {
	template, ok := stringParam(params, "template")
	if !ok {
		return nil, repositories.Configuration("notify: template is required")
	}
	channel, _ := stringParam(params, "channel")

	n := Notification{
		Template: template,
		Channel:  channel,
		RuleID:   actx.Rule.ID.String(),
		RuleName: actx.Rule.Name,
		Subject:  actx.Candidate.SubjectID,
		Data:     actx.Outputs,
	}

	if err := h.notifier.Notify(ctx, n); err != nil {
		return nil, err
	}

	return &actions.Result{
		Success: true,
		Message: "sent notification " + template,
	}, nil
}
