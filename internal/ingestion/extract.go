package ingestion

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// valueFieldPriority is the ordered list of well-known field names checked
// when a submission's data payload is an object. The order is part of the
// ingestion contract: producers that emit several numeric fields get the
// highest-priority one as the primary value.
var valueFieldPriority = []string{"value", "price", "amount", "count", "percentage", "ratio"}

// ExtractValue normalizes a loosely-typed data payload to its primary numeric
// value. It is a pure function with an explicit policy, evaluated in order:
//
//  1. A bare number (or numeric string) is used directly.
//  2. For objects, the well-known fields value, price, amount, count,
//     percentage, ratio are checked in that order.
//  3. Failing that, the first numeric field in sorted key order is used,
//     so extraction is deterministic regardless of map iteration order.
//  4. Anything else fails with ErrMalformedValue. There is no silent
//     default-to-zero path.
//
// Non-finite results (NaN, ±Inf) are rejected: the series invariant requires
// finite values.
func ExtractValue(data interface{}) (float64, error) {
	if data == nil {
		return 0, fmt.Errorf("%w: data is nil", ErrMalformedValue)
	}

	if v, ok := coerceNumeric(data); ok {
		return checkFinite(v)
	}

	obj, ok := data.(map[string]interface{})
	if !ok {
		return 0, fmt.Errorf("%w: unsupported data type %T", ErrMalformedValue, data)
	}

	// Well-known fields first, in priority order.
	for _, field := range valueFieldPriority {
		if raw, exists := obj[field]; exists {
			if v, okNum := coerceNumeric(raw); okNum {
				return checkFinite(v)
			}
		}
	}

	// Fallback: first numeric field in sorted key order.
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		if v, okNum := coerceNumeric(obj[k]); okNum {
			return checkFinite(v)
		}
	}

	return 0, fmt.Errorf("%w: no numeric field found among %d fields", ErrMalformedValue, len(obj))
}

// coerceNumeric converts the supported numeric representations to float64.
// JSON decoding produces float64 (or json.Number with UseNumber); the other
// widths show up when submissions are constructed in process.
func coerceNumeric(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}

		return f, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}

		return f, true
	default:
		return 0, false
	}
}

func checkFinite(v float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: value is not finite", ErrMalformedValue)
	}

	return v, nil
}
