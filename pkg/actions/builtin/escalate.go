package builtin

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/tidemark/settler/pkg/actions"
	"github.com/tidemark/settler/pkg/models"
	"github.com/tidemark/settler/pkg/repositories"
)

var escalationSeverities = map[string]bool{
	"low":      true,
	"medium":   true,
	"high":     true,
	"critical": true,
}

// EscalateHandler raises an operator escalation for the processed item,
// delivered through the same notifier transport with a severity attached.
type EscalateHandler struct {
	notifier Notifier
	logger   ectologger.Logger
}

func NewEscalateHandler(notifier Notifier, logger ectologger.Logger) *EscalateHandler {
	return &EscalateHandler{notifier: notifier, logger: logger}
}

func (h *EscalateHandler) Type() string {
	return models.ActionTypeEscalate
}

func (h *EscalateHandler) ValidateParams(params map[string]any) error {
	severity, ok := stringParam(params, "severity")
	if !ok {
		return repositories.Configuration("escalate: severity is required")
	}
	if !escalationSeverities[severity] {
		return repositories.Configuration("escalate: unknown severity %q", severity)
	}
	return nil
}

func (h *EscalateHandler) Execute(ctx context.Context, actx *actions.Context, params map[string]any) (*actions.Result, error) {
	severity, ok := stringParam(params, "severity")
	if !ok || !escalationSeverities[severity] {
		return nil, repositories.Configuration("escalate: unknown severity")
	}
	assignee, _ := stringParam(params, "assignee")

	n := Notification{
		Template: "escalation",
		Channel:  assignee,
		Severity: severity,
		RuleID:   actx.Rule.ID.String(),
		RuleName: actx.Rule.Name,
		Subject:  actx.Candidate.SubjectID,
		Data:     actx.Outputs,
	}

	if err := h.notifier.Notify(ctx, n); err != nil {
		return nil, err
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"rule_id":  actx.Rule.ID,
		"severity": severity,
		"subject":  actx.Candidate.SubjectID,
	}).Warnf("Escalated item %s", actx.Candidate.SubjectID)

	return &actions.Result{
		Success: true,
		Message: "escalated with severity " + severity,
	}, nil
}
