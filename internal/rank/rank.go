package rank

import (
	"sort"

	"github.com/kestrel-data/skypath/internal/traj"
)

// Weights scales the score components. EndpointPenalty subtracts, the other
// two add.
type Weights struct {
	Efficiency      float64 `json:"efficiency"`
	Smoothness      float64 `json:"smoothness"`
	EndpointPenalty float64 `json:"endpoint_penalty"`
}

// DefaultWeights favors smoothness over directness with a mild endpoint
// penalty.
func DefaultWeights() Weights {
	return Weights{Efficiency: 0.3, Smoothness: 0.5, EndpointPenalty: 0.2}
}

// Score folds metrics into one comparable number. Endpoint error is in
// meters and divided by 100 so a typical miss competes on the same scale as
// the two unit-bounded terms.
func (w Weights) Score(m Metrics) float64 {
	return w.Efficiency*m.Efficiency + w.Smoothness*m.Smoothness - w.EndpointPenalty*(m.EndpointError/100)
}

// Ranked pairs a candidate's original index with its metrics and score.
type Ranked struct {
	Index   int     `json:"index"`
	Metrics Metrics `json:"metrics"`
	Score   float64 `json:"score"`
}

// Rank evaluates every candidate against the end condition and returns them
// best first. The result is a permutation of the input indices; callers
// keep a prefix. Ties on score break toward lower endpoint error, then
// lower path length, then lower input index, so the order is a
// deterministic total order.
func Rank(trajs []traj.Trajectory, end traj.Waypoint, w Weights, dt float64) []Ranked {
	out := make([]Ranked, len(trajs))
	for i, tr := range trajs {
		m := Evaluate(tr, end, dt)
		out[i] = Ranked{Index: i, Metrics: m, Score: w.Score(m)}
	}
	sort.Slice(out, func(a, b int) bool {
		x, y := &out[a], &out[b]
		if x.Score != y.Score {
			return x.Score > y.Score
		}
		if x.Metrics.EndpointError != y.Metrics.EndpointError {
			return x.Metrics.EndpointError < y.Metrics.EndpointError
		}
		if x.Metrics.PathLength != y.Metrics.PathLength {
			return x.Metrics.PathLength < y.Metrics.PathLength
		}
		return x.Index < y.Index
	})
	return out
}
