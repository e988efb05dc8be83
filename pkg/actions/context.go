package actions

import (
	"github.com/google/uuid"

	"github.com/tidemark/settler/pkg/models"
)

// Context carries the state available to the actions of one pipeline run
// for one item. Outputs accumulate as actions succeed, so later actions see
// what earlier ones produced.
type Context struct {
	Rule      models.AutomationRule
	Trigger   models.TriggerEvent
	Candidate models.Candidate
	Outputs   map[string]any

	affected []uuid.UUID
}

// NewContext creates a pipeline context for one candidate
func NewContext(rule models.AutomationRule, trigger models.TriggerEvent, candidate models.Candidate) *Context {
	return &Context{
		Rule:      rule,
		Trigger:   trigger,
		Candidate: candidate,
		Outputs:   make(map[string]any),
	}
}

// MergeOutput folds an action's output data into the shared context
func (c *Context) MergeOutput(output map[string]any) {
	for k, v := range output {
		c.Outputs[k] = v
	}
}

// RecordAffected notes a settlement touched by an action, for the
// execution record's audit trail
func (c *Context) RecordAffected(id uuid.UUID) {
	c.affected = append(c.affected, id)
}

// AffectedSettlements returns the settlements touched so far
func (c *Context) AffectedSettlements() []uuid.UUID {
	return c.affected
}
