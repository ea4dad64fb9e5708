package rank

import (
	"math"
	"sort"

	"github.com/kestrel-data/skypath/internal/traj"
)

// Limits bounds what counts as a flyable trajectory.
type Limits struct {
	MaxCurvature float64 `json:"max_curvature"` // rad/m
	MinAltitude  float64 `json:"min_altitude"`  // m
	MaxAltitude  float64 `json:"max_altitude"`  // m
}

// DefaultLimits matches a small fixed-wing envelope.
func DefaultLimits() Limits {
	return Limits{MaxCurvature: 0.1, MinAltitude: 50, MaxAltitude: 1000}
}

// IsValid reports whether the trajectory stays inside the altitude window
// and never bends harder than the curvature limit. Empty trajectories are
// invalid.
func IsValid(tr traj.Trajectory, lim Limits) bool {
	if len(tr) == 0 {
		return false
	}
	m := Evaluate(tr, tr[len(tr)-1], DefaultDT)
	return m.MaxCurvature <= lim.MaxCurvature &&
		m.MinAltitude >= lim.MinAltitude &&
		m.MaxAltitude <= lim.MaxAltitude
}

// Diversity measures how spread out a candidate set is: the mean over all
// pairs of the mean per-waypoint distance. Zero for fewer than two
// candidates or identical sets.
func Diversity(trajs []traj.Trajectory) float64 {
	if len(trajs) < 2 {
		return 0
	}
	var sum float64
	var pairs int
	for i := 0; i < len(trajs); i++ {
		for j := i + 1; j < len(trajs); j++ {
			sum += meanPointDistance(trajs[i], trajs[j])
			pairs++
		}
	}
	return sum / float64(pairs)
}

func meanPointDistance(a, b traj.Trajectory) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n == 0 {
		return 0
	}
	var s float64
	for i := 0; i < n; i++ {
		s += traj.Distance(a[i], b[i])
	}
	return s / float64(n)
}

// Obstacle is a spherical no-fly region.
type Obstacle struct {
	Center traj.Waypoint `json:"center"`
	Radius float64       `json:"radius"`
}

// Clearance returns the smallest margin between any waypoint and any
// obstacle surface. Negative means the trajectory penetrates an obstacle.
// With no obstacles or no waypoints the clearance is +Inf.
func Clearance(tr traj.Trajectory, obstacles []Obstacle) float64 {
	clear := math.Inf(1)
	for _, o := range obstacles {
		for _, w := range tr {
			if d := traj.Distance(w, o.Center) - o.Radius; d < clear {
				clear = d
			}
		}
	}
	return clear
}

// SafetyRanked pairs a candidate's original index with its obstacle
// clearance.
type SafetyRanked struct {
	Index     int     `json:"index"`
	Clearance float64 `json:"clearance"`
}

// RankBySafety orders candidates widest clearance first; ties keep input
// order.
func RankBySafety(trajs []traj.Trajectory, obstacles []Obstacle) []SafetyRanked {
	out := make([]SafetyRanked, len(trajs))
	for i, tr := range trajs {
		out[i] = SafetyRanked{Index: i, Clearance: Clearance(tr, obstacles)}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Clearance != out[b].Clearance {
			return out[a].Clearance > out[b].Clearance
		}
		return out[a].Index < out[b].Index
	})
	return out
}
