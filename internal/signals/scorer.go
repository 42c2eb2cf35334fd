package signals

import (
	"fmt"
	"math"
)

// Floor keeps a single zero signal from erasing the product.
const Floor = 0.01

// DefaultWeights favour the behavioural signals over the environmental ones.
var DefaultWeights = map[string]float64{
	Consistency:  0.3,
	Accuracy:     0.3,
	Normality:    0.2,
	LatencyScore: 0.2,
}

// Scorer computes a weighted geometric mean.
type Scorer struct {
	weights map[string]float64
}

// NewScorer validates weights: every name must be a known signal, weights
// must be non-negative and sum to 1.
func NewScorer(weights map[string]float64) (*Scorer, error) {
	if len(weights) == 0 {
		weights = DefaultWeights
	}
	total := 0.0
	copied := make(map[string]float64, len(weights))
	for name, w := range weights {
		if _, known := Defaults[name]; !known {
			return nil, fmt.Errorf("weight for unknown signal %q", name)
		}
		if w < 0 || math.IsNaN(w) {
			return nil, fmt.Errorf("weight for %q must be non-negative", name)
		}
		total += w
		copied[name] = w
	}
	if math.Abs(total-1) > 1e-9 {
		return nil, fmt.Errorf("weights must sum to 1, got %v", total)
	}
	return &Scorer{weights: copied}, nil
}

// Score returns Π max(s_i, Floor)^w_i clamped to [0,1]. Signals without a
// weight do not contribute.
func (sc *Scorer) Score(s Set) float64 {
	logSum := 0.0
	for name, w := range sc.weights {
		v, ok := s[name]
		if !ok {
			v = Defaults[name]
		}
		logSum += w * math.Log(math.Max(v, Floor))
	}
	return clamp01(math.Exp(logSum))
}

// Weights returns a copy of the configured weights.
func (sc *Scorer) Weights() map[string]float64 {
	out := make(map[string]float64, len(sc.weights))
	for k, v := range sc.weights {
		out[k] = v
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
