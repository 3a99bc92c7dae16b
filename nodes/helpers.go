package nodes

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/petal-labs/petalcanvas/core"
)

// toFloat64 attempts to convert a value to float64. Numeric strings are
// accepted since form inputs are stored as typed.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// numberOr reads key from data as a number, falling back to def.
func numberOr(data core.NodeData, key string, def float64) float64 {
	if f, ok := toFloat64(data[key]); ok {
		return f
	}
	return def
}

// toString renders an upstream value as text. Nil yields "".
func toString(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		if data, err := json.Marshal(v); err == nil {
			return string(data)
		}
		return fmt.Sprintf("%v", v)
	}
}

// firstNonEmpty returns the first argument that is not blank.
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
