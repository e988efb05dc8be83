// Package facts defines the fact set extracted from a contract/settlement
// snapshot and the pull interface the persistence layer implements to
// supply it. Condition evaluation never queries storage directly.
package facts

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jmespath/go-jmespath"
)

// Set maps field paths to typed values for one candidate.
type Set map[string]any

// Provider supplies the fact set for a subject.
type Provider interface {
	GetFacts(ctx context.Context, subjectID string, subjectType string) (Set, error)
}

// Evaluator resolves field paths against fact sets. Paths that are plain
// keys hit the map directly; anything else is treated as a JMESPath
// expression, compiled once and cached.
type Evaluator struct {
	cache map[string]*jmespath.JMESPath
	mu    sync.RWMutex
}

// NewEvaluator creates a new field path evaluator
func NewEvaluator() *Evaluator {
	return &Evaluator{
		cache: make(map[string]*jmespath.JMESPath),
	}
}

// Lookup resolves a field path in the fact set. The second return is false
// when the path does not resolve to a value.
func (e *Evaluator) Lookup(facts Set, path string) (any, bool) {
	if v, ok := facts[path]; ok {
		return v, v != nil
	}

	compiled, err := e.getOrCompile(path)
	if err != nil {
		return nil, false
	}

	result, err := compiled.Search(map[string]any(facts))
	if err != nil || result == nil {
		return nil, false
	}
	return result, true
}

// Validate checks that a field path is a well-formed expression
func (e *Evaluator) Validate(path string) error {
	_, err := e.getOrCompile(path)
	return err
}

func (e *Evaluator) getOrCompile(path string) (*jmespath.JMESPath, error) {
	e.mu.RLock()
	compiled, ok := e.cache[path]
	e.mu.RUnlock()
	if ok {
		return compiled, nil
	}

	compiled, err := jmespath.Compile(path)
	if err != nil {
		return nil, fmt.Errorf("invalid field path %q: %w", path, err)
	}

	e.mu.Lock()
	e.cache[path] = compiled
	e.mu.Unlock()
	return compiled, nil
}

// AsFloat coerces a fact value to a float64
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// AsString coerces a fact value to a string
func AsString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// AsTime coerces a fact value to a time. Strings are parsed as RFC 3339,
// falling back to date-only.
func AsTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, true
		}
		if parsed, err := time.Parse("2006-01-02", t); err == nil {
			return parsed, true
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}
