package kafka

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tidemark/settler/internal/tracing"
	"github.com/tidemark/settler/pkg/actions/builtin"
	"github.com/tidemark/settler/pkg/models"
)

// Settlement lifecycle event types published for downstream audit.
const (
	EventSettlementCreated   = "settlement.created"
	EventSettlementAmended   = "settlement.amended"
	EventSettlementFinalized = "settlement.finalized"
	EventRuleRunCompleted    = "rule_run.completed"
)

// SettlementEvent announces a change to a settlement chain.
type SettlementEvent struct {
	Type                 string    `json:"type"`
	SettlementID         string    `json:"settlement_id"`
	OriginalSettlementID string    `json:"original_settlement_id"`
	Sequence             int       `json:"sequence"`
	ContractKind         string    `json:"contract_kind"`
	ContractID           string    `json:"contract_id"`
	AmendmentType        string    `json:"amendment_type,omitempty"`
	Timestamp            time.Time `json:"timestamp"`
	TraceID              string    `json:"trace_id,omitempty"`
}

// RuleRunEvent announces a finished rule run.
type RuleRunEvent struct {
	Type                string    `json:"type"`
	ExecutionID         string    `json:"execution_id"`
	RuleID              string    `json:"rule_id"`
	Status              string    `json:"status"`
	SettlementsAffected int       `json:"settlements_affected"`
	ActionsExecuted     int       `json:"actions_executed"`
	DurationMS          int64     `json:"duration_ms"`
	Timestamp           time.Time `json:"timestamp"`
	TraceID             string    `json:"trace_id,omitempty"`
}

// PublishSettlementEvent emits a settlement lifecycle event.
func (p *Producer) PublishSettlementEvent(ctx context.Context, eventType string, settlement *models.Settlement, amendmentType models.AmendmentType) error {
	evt := SettlementEvent{
		Type:                 eventType,
		SettlementID:         settlement.ID.String(),
		OriginalSettlementID: settlement.ChainRootID().String(),
		Sequence:             settlement.Sequence,
		ContractKind:         string(settlement.ContractType),
		ContractID:           settlement.ContractID.String(),
		AmendmentType:        string(amendmentType),
		Timestamp:            time.Now().UTC(),
		TraceID:              tracing.GetTraceID(ctx),
	}

	// Key by chain root so a chain's events stay ordered within a partition
	return p.publish(ctx, p.eventWriter, p.eventsTopic, evt.OriginalSettlementID, eventType, evt)
}

// PublishRuleRunCompleted emits the terminal event for a rule run.
func (p *Producer) PublishRuleRunCompleted(ctx context.Context, record *models.RuleExecutionRecord) error {
	var durationMS int64
	if record.DurationMS != nil {
		durationMS = *record.DurationMS
	}

	evt := RuleRunEvent{
		Type:                EventRuleRunCompleted,
		ExecutionID:         record.ID.String(),
		RuleID:              record.RuleID.String(),
		Status:              string(record.Status),
		SettlementsAffected: record.SettlementsAffected,
		ActionsExecuted:     record.ActionsExecuted,
		DurationMS:          durationMS,
		Timestamp:           time.Now().UTC(),
		TraceID:             tracing.GetTraceID(ctx),
	}

	return p.publish(ctx, p.eventWriter, p.eventsTopic, evt.RuleID, EventRuleRunCompleted, evt)
}

// Notify delivers a pipeline notification onto the notifications topic,
// satisfying the notify/escalate actions' transport contract.
func (p *Producer) Notify(ctx context.Context, n builtin.Notification) error {
	key := n.RuleID
	if key == "" {
		key = uuid.New().String()
	}
	return p.publish(ctx, p.notificationWriter, p.notificationsTopic, key, "notification."+n.Template, n)
}
