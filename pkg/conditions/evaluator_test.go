package conditions

import (
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemark/settler/pkg/facts"
	"github.com/tidemark/settler/pkg/models"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func cond(seq int, field string, op models.ConditionOperator, value string, join models.JoinOperator) models.RuleCondition {
	return models.RuleCondition{
		FieldPath:    field,
		Operator:     op,
		Value:        value,
		Sequence:     seq,
		JoinOperator: join,
	}
}

func grouped(c models.RuleCondition, ref string) models.RuleCondition {
	c.GroupRef = &ref
	return c
}

func TestEvaluate_QuantityAndStatus(t *testing.T) {
	e := NewEvaluator(testLogger())
	conditions := []models.RuleCondition{
		cond(1, "quantity", models.OperatorGreater, "1000", models.JoinAnd),
		cond(2, "status", models.OperatorEquals, "Completed", models.JoinAnd),
	}

	completed := facts.Set{"quantity": 1500.0, "status": "Completed"}
	result := e.Evaluate(conditions, completed)
	assert.True(t, result.Matched)
	assert.Equal(t, 2, result.Evaluated)

	small := facts.Set{"quantity": 500.0, "status": "Completed"}
	result = e.Evaluate(conditions, small)
	assert.False(t, result.Matched)
}

func TestEvaluate_EmptyConditionsMatchEverything(t *testing.T) {
	e := NewEvaluator(testLogger())

	result := e.Evaluate(nil, facts.Set{"anything": "at all"})
	assert.True(t, result.Matched)
	assert.Equal(t, 0, result.Evaluated)
}

func TestEvaluate_FirstJoinOperatorIgnored(t *testing.T) {
	e := NewEvaluator(testLogger())
	fs := facts.Set{"quantity": 1500.0, "status": "Completed"}

	for _, firstJoin := range []models.JoinOperator{models.JoinAnd, models.JoinOr} {
		conditions := []models.RuleCondition{
			grouped(cond(1, "quantity", models.OperatorGreater, "9999", firstJoin), "g1"),
			grouped(cond(2, "status", models.OperatorEquals, "Completed", models.JoinOr), "g1"),
		}

		result := e.Evaluate(conditions, fs)
		assert.True(t, result.Matched, "first operator %s must not change the result", firstJoin)
	}
}

func TestEvaluate_GroupsJoinedByAnd(t *testing.T) {
	e := NewEvaluator(testLogger())

	// group g1 matches via OR, the ungrouped condition does not
	conditions := []models.RuleCondition{
		grouped(cond(1, "product", models.OperatorEquals, "BRENT", models.JoinAnd), "g1"),
		grouped(cond(2, "product", models.OperatorEquals, "WTI", models.JoinOr), "g1"),
		cond(3, "status", models.OperatorEquals, "Completed", models.JoinAnd),
	}

	fs := facts.Set{"product": "WTI", "status": "Draft"}
	result := e.Evaluate(conditions, fs)
	assert.False(t, result.Matched)
	assert.Equal(t, 3, result.Evaluated)

	fs["status"] = "Completed"
	result = e.Evaluate(conditions, fs)
	assert.True(t, result.Matched)
}

func TestEvaluate_MissingFieldIsFalseNotError(t *testing.T) {
	e := NewEvaluator(testLogger())
	conditions := []models.RuleCondition{
		cond(1, "charter_party.laycan", models.OperatorEquals, "anything", models.JoinAnd),
	}

	result := e.Evaluate(conditions, facts.Set{"quantity": 100.0})
	assert.False(t, result.Matched)
	assert.Equal(t, 1, result.Evaluated)
}

func TestEvaluate_UnknownOperatorIsFalse(t *testing.T) {
	e := NewEvaluator(testLogger())
	conditions := []models.RuleCondition{
		cond(1, "status", models.ConditionOperator("matches_regex"), ".*", models.JoinAnd),
	}

	result := e.Evaluate(conditions, facts.Set{"status": "Completed"})
	assert.False(t, result.Matched)
}

func TestEvaluate_NestedFieldPath(t *testing.T) {
	e := NewEvaluator(testLogger())
	conditions := []models.RuleCondition{
		cond(1, "partner.country", models.OperatorEquals, "SG", models.JoinAnd),
	}

	fs := facts.Set{
		"partner": map[string]any{"country": "SG", "name": "Meridian Trading"},
	}
	result := e.Evaluate(conditions, fs)
	assert.True(t, result.Matched)
}

func TestEvaluate_Operators(t *testing.T) {
	e := NewEvaluator(testLogger())
	fs := facts.Set{
		"quantity":      2000.0,
		"product":       "380CST",
		"vessel":        "MT Pacific Harmony",
		"delivery_date": "2026-02-14",
		"finalized":     false,
	}

	tests := []struct {
		name      string
		condition models.RuleCondition
		want      bool
	}{
		{
			name:      "not equals",
			condition: cond(1, "product", models.OperatorNotEquals, "GASOIL", models.JoinAnd),
			want:      true,
		},
		{
			name:      "less or equal boundary",
			condition: cond(1, "quantity", models.OperatorLessEq, "2000", models.JoinAnd),
			want:      true,
		},
		{
			name:      "contains",
			condition: cond(1, "vessel", models.OperatorContains, "Pacific", models.JoinAnd),
			want:      true,
		},
		{
			name:      "starts with",
			condition: cond(1, "vessel", models.OperatorStartsWith, "MT ", models.JoinAnd),
			want:      true,
		},
		{
			name:      "in set",
			condition: cond(1, "product", models.OperatorInSet, "BRENT, 380CST, MF05", models.JoinAnd),
			want:      true,
		},
		{
			name:      "not in set",
			condition: cond(1, "product", models.OperatorInSet, "BRENT, WTI", models.JoinAnd),
			want:      false,
		},
		{
			name:      "date within range",
			condition: cond(1, "delivery_date", models.OperatorDateWithin, "2026-01-01..2026-03-31", models.JoinAnd),
			want:      true,
		},
		{
			name:      "date outside range",
			condition: cond(1, "delivery_date", models.OperatorDateWithin, "2026-03-01..2026-03-31", models.JoinAnd),
			want:      false,
		},
		{
			name:      "bool equality",
			condition: cond(1, "finalized", models.OperatorEquals, "false", models.JoinAnd),
			want:      true,
		},
		{
			name:      "string compared numerically never panics",
			condition: cond(1, "vessel", models.OperatorGreater, "100", models.JoinAnd),
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := e.Evaluate([]models.RuleCondition{tt.condition}, fs)
			assert.Equal(t, tt.want, result.Matched)
		})
	}
}

func TestEvaluate_SequenceOrderRespected(t *testing.T) {
	e := NewEvaluator(testLogger())

	// delivered out of order; sequence decides fold order within the group
	conditions := []models.RuleCondition{
		grouped(cond(3, "status", models.OperatorEquals, "Completed", models.JoinOr), "g"),
		grouped(cond(1, "quantity", models.OperatorGreater, "1000", models.JoinAnd), "g"),
		grouped(cond(2, "quantity", models.OperatorLess, "5000", models.JoinAnd), "g"),
	}

	result := e.Evaluate(conditions, facts.Set{"quantity": 2000.0, "status": "Draft"})
	require.True(t, result.Matched)
	assert.Equal(t, 3, result.Evaluated)
}
