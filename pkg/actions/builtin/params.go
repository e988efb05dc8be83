// Package builtin provides the stock action handlers: settlement creation
// and amendment through the chain manager, notifications and escalations.
package builtin

import (
	"github.com/tidemark/settler/pkg/facts"
)

func stringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

func floatParam(params map[string]any, key string) (float64, bool) {
	v, ok := params[key]
	if !ok || v == nil {
		return 0, false
	}
	return facts.AsFloat(v)
}
