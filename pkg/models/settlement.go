package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tidemark/settler/internal/database"
)

// ContractKind discriminates which side of a trade a settlement belongs to
type ContractKind string

const (
	ContractKindPurchase ContractKind = "purchase"
	ContractKindSales    ContractKind = "sales"
)

// ContractRef identifies the one contract a settlement belongs to. A
// settlement references either a purchase or a sales contract, never both,
// so the reference is a tagged pair rather than two nullable foreign keys.
type ContractRef struct {
	Kind ContractKind `json:"kind"`
	ID   uuid.UUID    `json:"id"`
}

func (r ContractRef) Validate() error {
	switch r.Kind {
	case ContractKindPurchase, ContractKindSales:
	default:
		return fmt.Errorf("unknown contract kind %q", r.Kind)
	}
	if r.ID == uuid.Nil {
		return fmt.Errorf("contract id is required")
	}
	return nil
}

// AmendmentType classifies why a settlement version was created
type AmendmentType string

const (
	AmendmentTypeInitial          AmendmentType = "initial"
	AmendmentTypeCorrection       AmendmentType = "correction"
	AmendmentTypePriceRevision    AmendmentType = "price_revision"
	AmendmentTypeQuantityRevision AmendmentType = "quantity_revision"
	AmendmentTypeCancellation     AmendmentType = "cancellation"
)

// SettlementPayload carries the financial content of a settlement version.
// The charge and fee math producing these numbers lives outside this engine.
type SettlementPayload struct {
	Currency        string             `json:"currency"`
	Quantity        float64            `json:"quantity"`
	UnitPrice       float64            `json:"unit_price"`
	TotalAmount     float64            `json:"total_amount"`
	ChargeBreakdown map[string]float64 `json:"charge_breakdown,omitempty"`
	Notes           *string            `json:"notes,omitempty"`
	Extra           map[string]any     `json:"extra,omitempty"`
}

// Settlement is one version in an amendment chain. Versions are append-only;
// exactly one row per chain carries IsLatestVersion at any time, and the
// RowVersion stamp serializes concurrent amendments.
type Settlement struct {
	ID                   uuid.UUID                          `db:"id" json:"id"`
	ContractType         ContractKind                       `db:"contract_type" json:"contract_type"`
	ContractID           uuid.UUID                          `db:"contract_id" json:"contract_id"`
	DealRef              string                             `db:"deal_ref" json:"deal_ref"`
	PreviousSettlementID *uuid.UUID                         `db:"previous_settlement_id" json:"previous_settlement_id,omitempty"`
	OriginalSettlementID *uuid.UUID                         `db:"original_settlement_id" json:"original_settlement_id,omitempty"`
	Sequence             int                                `db:"sequence" json:"sequence"`
	AmendmentType        AmendmentType                      `db:"amendment_type" json:"amendment_type"`
	AmendmentReason      *string                            `db:"amendment_reason" json:"amendment_reason,omitempty"`
	IsLatestVersion      bool                               `db:"is_latest_version" json:"is_latest_version"`
	SupersededAt         *time.Time                         `db:"superseded_at" json:"superseded_at,omitempty"`
	IsFinalized          bool                               `db:"is_finalized" json:"is_finalized"`
	FinalizedAt          *time.Time                         `db:"finalized_at" json:"finalized_at,omitempty"`
	RowVersion           int                                `db:"row_version" json:"row_version"`
	Payload              database.JSONB[SettlementPayload]  `db:"payload" json:"payload"`
	CreatedAt            time.Time                          `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time                          `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Settlement) TableName() string {
	return "settlements"
}

// SettlementPayloadJSONB wraps a payload for the jsonb column
func SettlementPayloadJSONB(p SettlementPayload) database.JSONB[SettlementPayload] {
	return database.NewJSONB(p)
}

// ContractRef returns the tagged contract reference for this settlement.
func (s *Settlement) ContractRef() ContractRef {
	return ContractRef{Kind: s.ContractType, ID: s.ContractID}
}

// ChainRootID returns the ID of the chain root. The root's own
// OriginalSettlementID is null, in which case the root is itself the origin.
func (s *Settlement) ChainRootID() uuid.UUID {
	if s.OriginalSettlementID != nil {
		return *s.OriginalSettlementID
	}
	return s.ID
}
