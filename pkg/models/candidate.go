package models

import (
	"fmt"

	"github.com/google/uuid"
)

// Candidate is one record a rule run considers: a contract or settlement
// snapshot flattened into facts, plus the references actions need to write
// through the amendment chain.
type Candidate struct {
	SubjectID    string         `json:"subject_id"`
	SubjectType  string         `json:"subject_type"`
	Contract     *ContractRef   `json:"contract,omitempty"`
	SettlementID *uuid.UUID     `json:"settlement_id,omitempty"`
	DealRef      string         `json:"deal_ref,omitempty"`
	Facts        map[string]any `json:"facts"`
}

// GroupKey returns the candidate's value for a grouping dimension. Missing
// dimensions collapse into a single unkeyed group.
func (c Candidate) GroupKey(dimension string) string {
	if v, ok := c.Facts[dimension]; ok && v != nil {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
