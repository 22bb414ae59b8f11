package model

import (
	"encoding/json"
	"math"
	"sort"
)

// SanitizeMetadata keeps only values the pipeline can serialize without
// reflection: string, bool, int64, float64 and []string. Integral JSON numbers
// become int64 and []any of strings becomes []string. Everything else is
// dropped and the dropped keys are returned sorted.
func SanitizeMetadata(in map[string]any) (map[string]any, []string) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(in))
	var dropped []string
	for k, v := range in {
		if k == "" {
			continue
		}
		nv, ok := primitive(v)
		if !ok {
			dropped = append(dropped, k)
			continue
		}
		out[k] = nv
	}
	sort.Strings(dropped)
	if len(out) == 0 {
		out = nil
	}
	return out, dropped
}

func primitive(v any) (any, bool) {
	switch x := v.(type) {
	case nil:
		return nil, false
	case string, bool, int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case uint32:
		return int64(x), true
	case float32:
		return primitive(float64(x))
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, false
		}
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return int64(x), true
		}
		return x, true
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, true
		}
		if f, err := x.Float64(); err == nil {
			return primitive(f)
		}
		return nil, false
	case []string:
		return append([]string(nil), x...), true
	case []any:
		ss := make([]string, 0, len(x))
		for _, e := range x {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			ss = append(ss, s)
		}
		return ss, true
	default:
		return nil, false
	}
}
