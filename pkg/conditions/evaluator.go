// Package conditions evaluates a rule's condition set against a fact set.
package conditions

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/tidemark/settler/pkg/facts"
	"github.com/tidemark/settler/pkg/models"
)

// Result is the outcome of evaluating one rule against one candidate.
type Result struct {
	Matched   bool
	Evaluated int
}

// Evaluator evaluates ordered rule conditions against fact sets.
//
// Conditions are partitioned by group reference; ungrouped conditions are
// singleton groups. Within a group, each condition's join operator combines
// it with the accumulated result of the conditions before it, so the first
// condition's operator is ignored. Groups are ANDed at the top level. A
// missing field or unknown operator makes that one condition false rather
// than failing the run.
type Evaluator struct {
	fields *facts.Evaluator
	logger ectologger.Logger
}

// NewEvaluator creates a new condition evaluator
func NewEvaluator(logger ectologger.Logger) *Evaluator {
	return &Evaluator{
		fields: facts.NewEvaluator(),
		logger: logger,
	}
}

// Evaluate returns whether the condition set matches the fact set, along
// with the number of conditions evaluated. An empty condition set matches.
func (e *Evaluator) Evaluate(conditions []models.RuleCondition, fs facts.Set) Result {
	if len(conditions) == 0 {
		return Result{Matched: true}
	}

	ordered := make([]models.RuleCondition, len(conditions))
	copy(ordered, conditions)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Sequence < ordered[j].Sequence
	})

	groups := partition(ordered)

	result := Result{Matched: true}
	for _, group := range groups {
		matched := e.evaluateGroup(group, fs)
		result.Evaluated += len(group)
		if !matched {
			result.Matched = false
		}
	}
	return result
}

// partition splits conditions into evaluation groups, preserving sequence
// order. Conditions sharing a group ref form one group; each ungrouped
// condition stands alone.
func partition(conditions []models.RuleCondition) [][]models.RuleCondition {
	var groups [][]models.RuleCondition
	indexByRef := make(map[string]int)

	for _, c := range conditions {
		if c.GroupRef == nil || *c.GroupRef == "" {
			groups = append(groups, []models.RuleCondition{c})
			continue
		}
		idx, ok := indexByRef[*c.GroupRef]
		if !ok {
			groups = append(groups, nil)
			idx = len(groups) - 1
			indexByRef[*c.GroupRef] = idx
		}
		groups[idx] = append(groups[idx], c)
	}
	return groups
}

func (e *Evaluator) evaluateGroup(group []models.RuleCondition, fs facts.Set) bool {
	result := e.evaluateOne(group[0], fs)
	for _, c := range group[1:] {
		matched := e.evaluateOne(c, fs)
		if c.JoinOperator == models.JoinOr {
			result = result || matched
		} else {
			result = result && matched
		}
	}
	return result
}

func (e *Evaluator) evaluateOne(c models.RuleCondition, fs facts.Set) bool {
	value, ok := e.fields.Lookup(fs, c.FieldPath)
	if !ok {
		e.logger.WithFields(map[string]any{
			"field_path": c.FieldPath,
		}).Debugf("condition field not present, treating as no match")
		return false
	}

	switch c.Operator {
	case models.OperatorEquals:
		return compareEqual(value, c.Value)
	case models.OperatorNotEquals:
		return !compareEqual(value, c.Value)
	case models.OperatorGreater:
		cmp, ok := compareOrdered(value, c.Value)
		return ok && cmp > 0
	case models.OperatorGreaterEq:
		cmp, ok := compareOrdered(value, c.Value)
		return ok && cmp >= 0
	case models.OperatorLess:
		cmp, ok := compareOrdered(value, c.Value)
		return ok && cmp < 0
	case models.OperatorLessEq:
		cmp, ok := compareOrdered(value, c.Value)
		return ok && cmp <= 0
	case models.OperatorContains:
		return strings.Contains(facts.AsString(value), c.Value)
	case models.OperatorStartsWith:
		return strings.HasPrefix(facts.AsString(value), c.Value)
	case models.OperatorInSet:
		return inSet(value, c.Value)
	case models.OperatorDateWithin:
		return dateWithin(value, c.Value)
	default:
		e.logger.WithFields(map[string]any{
			"operator": c.Operator,
		}).Warnf("unknown condition operator, treating as no match")
		return false
	}
}

// compareEqual compares numerically when the fact is numeric, otherwise as
// strings. Comparison values are stored as strings and parsed per the
// fact's type.
func compareEqual(factValue any, stored string) bool {
	if f, ok := facts.AsFloat(factValue); ok {
		if s, err := strconv.ParseFloat(stored, 64); err == nil {
			return f == s
		}
	}
	if b, ok := factValue.(bool); ok {
		if s, err := strconv.ParseBool(stored); err == nil {
			return b == s
		}
	}
	return facts.AsString(factValue) == stored
}

// compareOrdered returns -1, 0 or 1 and whether the pair was comparable.
// Numbers compare numerically, times chronologically, anything else is not
// ordered.
func compareOrdered(factValue any, stored string) (int, bool) {
	if _, isStr := factValue.(string); !isStr {
		if f, ok := facts.AsFloat(factValue); ok {
			s, err := strconv.ParseFloat(stored, 64)
			if err != nil {
				return 0, false
			}
			switch {
			case f < s:
				return -1, true
			case f > s:
				return 1, true
			default:
				return 0, true
			}
		}
	}

	if t, ok := facts.AsTime(factValue); ok {
		if s, ok := parseStoredTime(stored); ok {
			switch {
			case t.Before(s):
				return -1, true
			case t.After(s):
				return 1, true
			default:
				return 0, true
			}
		}
	}

	if f, ok := facts.AsFloat(factValue); ok {
		if s, err := strconv.ParseFloat(stored, 64); err == nil {
			switch {
			case f < s:
				return -1, true
			case f > s:
				return 1, true
			default:
				return 0, true
			}
		}
	}

	return 0, false
}

func inSet(factValue any, stored string) bool {
	needle := facts.AsString(factValue)
	for _, member := range strings.Split(stored, ",") {
		if strings.TrimSpace(member) == needle {
			return true
		}
	}
	return false
}

// dateWithin expects the stored value as "start..end" with inclusive
// bounds; either side may be omitted for an open range.
func dateWithin(factValue any, stored string) bool {
	t, ok := facts.AsTime(factValue)
	if !ok {
		return false
	}

	bounds := strings.SplitN(stored, "..", 2)
	if len(bounds) != 2 {
		return false
	}

	if bounds[0] != "" {
		start, ok := parseStoredTime(bounds[0])
		if !ok || t.Before(start) {
			return false
		}
	}
	if bounds[1] != "" {
		end, ok := parseStoredTime(bounds[1])
		if !ok || t.After(end) {
			return false
		}
	}
	return true
}

func parseStoredTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	return time.Time{}, false
}
