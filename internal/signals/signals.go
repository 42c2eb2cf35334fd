// Package signals validates caller-supplied observations and folds them into
// a single integrity score.
package signals

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Known signal names.
const (
	Consistency  = "consistency"
	Accuracy     = "accuracy"
	Normality    = "normality"
	LatencyScore = "latency_score"
)

// ErrInvalidSignal is returned for unknown names, non-numeric values and
// values outside [0,1].
var ErrInvalidSignal = errors.New("invalid signal")

// Defaults are applied to absent keys so omission is not penalised.
var Defaults = map[string]float64{
	Consistency:  0.95,
	Accuracy:     0.95,
	Normality:    0.90,
	LatencyScore: 0.90,
}

// Set maps signal name to a value in [0,1].
type Set map[string]float64

// Parse validates a decoded request map. Values may be float64 or
// json.Number. Absent keys take their default.
func Parse(raw map[string]any) (Set, error) {
	out := make(Set, len(Defaults))
	for name, def := range Defaults {
		out[name] = def
	}

	for name, value := range raw {
		if _, known := Defaults[name]; !known {
			return nil, fmt.Errorf("%w: unknown signal %q", ErrInvalidSignal, name)
		}
		f, err := toFloat(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidSignal, name, err)
		}
		if math.IsNaN(f) || f < 0 || f > 1 {
			return nil, fmt.Errorf("%w: %s=%v outside [0,1]", ErrInvalidSignal, name, f)
		}
		out[name] = f
	}
	return out, nil
}

func toFloat(v any) (float64, error) {
	switch value := v.(type) {
	case float64:
		return value, nil
	case float32:
		return float64(value), nil
	case int:
		return float64(value), nil
	case int64:
		return float64(value), nil
	case json.Number:
		return value.Float64()
	default:
		return 0, fmt.Errorf("non-numeric value of type %T", v)
	}
}

// Names returns the signal names of s in sorted order.
func (s Set) Names() []string {
	out := make([]string, 0, len(s))
	for name := range s {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
