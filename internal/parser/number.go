// ABOUTME: Builtin number parser accepting numbers, numeric strings and {data: n} objects
// ABOUTME: Enforces optional inclusive min and max bounds

package parser

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Number accepts native numbers, numeric strings or an object whose "data"
// field is numeric. Policy keys "min" and "max" are inclusive bounds. The
// parsed value is a float64.
type Number struct{}

func (Number) Type() string { return "number" }

func (Number) Parse(_ context.Context, param Param, policy Policy) (any, error) {
	value := param.Value
	if obj, ok := value.(map[string]any); ok {
		value = obj["data"]
	}

	n, ok := toFloat(value)
	if !ok || math.IsNaN(n) || math.IsInf(n, 0) {
		return nil, Reject(ReasonShouldBeNumber)
	}

	if lo, ok := policy.Float("min"); ok && n < lo {
		return nil, Reject(ReasonViolatesMin)
	}
	if hi, ok := policy.Float("max"); ok && n > hi {
		return nil, Reject(ReasonViolatesMax)
	}
	return n, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
