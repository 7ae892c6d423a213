// Package distance provides vector distance metrics and the score
// normalization used at the engine boundary.
package distance

import (
	"fmt"
	"math"
)

// Metric represents the similarity metric of a vector collection.
type Metric string

const (
	// MetricCosine ranks by cosine similarity (higher is better).
	MetricCosine Metric = "cosine"
	// MetricEuclidean ranks by L2 distance (lower is better).
	MetricEuclidean Metric = "euclidean"
	// MetricDot ranks by inner product (higher is better).
	MetricDot Metric = "dot"
)

// ParseMetric validates a metric name received at the engine boundary.
// The empty string selects the default metric (cosine).
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case "":
		return MetricCosine, nil
	case MetricCosine, MetricEuclidean, MetricDot:
		return Metric(s), nil
	default:
		return "", fmt.Errorf("unrecognized metric %q", s)
	}
}

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two vectors.
// Assumes vectors are the same length (caller's responsibility).
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// Cosine calculates the cosine similarity between two vectors.
// Returns 0 for zero-norm inputs.
func Cosine(a, b []float32) float32 {
	dot := Dot(a, b)
	na := Dot(a, a)
	nb := Dot(b, b)
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / float32(math.Sqrt(float64(na))*math.Sqrt(float64(nb)))
}

// NormalizeL2 returns an L2-normalized copy of v.
// Returns false if v has zero norm.
func NormalizeL2(v []float32) ([]float32, bool) {
	norm2 := Dot(v, v)
	if norm2 == 0 {
		return nil, false
	}
	inv := float32(1 / math.Sqrt(float64(norm2)))
	out := make([]float32, len(v))
	for i := range v {
		out[i] = v[i] * inv
	}
	return out, true
}

// ScoreFunc computes the boundary score of a candidate against a query.
// Scores always follow "higher is better" semantics, whatever the metric:
//
//   - cosine: raw cosine similarity in [-1, 1]
//   - dot: raw inner product
//   - euclidean: 1/(1+d2), a monotone transform of squared distance that maps
//     identical vectors to 1 and preserves nearest-first ordering
type ScoreFunc func(query, candidate []float32) float32

// Provider returns the score function for the given metric.
func Provider(m Metric) (ScoreFunc, error) {
	switch m {
	case MetricCosine:
		return Cosine, nil
	case MetricDot:
		return Dot, nil
	case MetricEuclidean:
		return func(q, c []float32) float32 {
			return 1 / (1 + SquaredL2(q, c))
		}, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %q", m)
	}
}

// Validate checks every component of v for NaN or infinity.
// Returns the index of the first non-finite component, or -1.
func Validate(v []float32) int {
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return i
		}
	}
	return -1
}
