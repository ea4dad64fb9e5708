// Package rank derives quality metrics from candidate trajectories and
// orders them: a weighted composite of path efficiency, smoothness and
// endpoint adherence, with deterministic tie-breaking, plus flight-envelope
// validity, candidate diversity and obstacle-clearance ordering.
package rank

import (
	"math"

	"github.com/kestrel-data/skypath/internal/traj"
)

const (
	// degenerateSegment is the length under which consecutive waypoints are
	// treated as duplicates and skipped by the curvature estimate.
	degenerateSegment = 1e-6
	// minPathLength is the total length under which efficiency is
	// meaningless and reported as zero.
	minPathLength = 1e-6
)

// DefaultDT is the assumed sampling interval between waypoints in seconds,
// used for the velocity estimate.
const DefaultDT = 0.1

// Metrics is the derived, read-only quality record for one trajectory
// against its end condition.
type Metrics struct {
	PathLength    float64 `json:"path_length"`
	StraightLine  float64 `json:"straight_line"`
	Efficiency    float64 `json:"efficiency"`
	AvgCurvature  float64 `json:"avg_curvature"`
	MaxCurvature  float64 `json:"max_curvature"`
	Smoothness    float64 `json:"smoothness"`
	EndpointError float64 `json:"endpoint_error"`
	AvgVelocity   float64 `json:"avg_velocity"`
	MinAltitude   float64 `json:"min_altitude"`
	MaxAltitude   float64 `json:"max_altitude"`
	MeanAltitude  float64 `json:"mean_altitude"`
}

// Evaluate computes all metrics for one trajectory. end is the requested
// end condition; dt is the waypoint sampling interval (DefaultDT when <= 0).
// Degenerate inputs produce defined values, never NaN: fewer than two points
// scores efficiency 1, a near-zero path scores 0, and curvature skips
// duplicate points instead of dividing by their vanishing segment lengths.
func Evaluate(tr traj.Trajectory, end traj.Waypoint, dt float64) Metrics {
	if dt <= 0 {
		dt = DefaultDT
	}
	var m Metrics
	n := len(tr)

	m.PathLength = tr.PathLength()
	if n >= 2 {
		m.StraightLine = traj.Distance(tr[0], tr[n-1])
	}
	switch {
	case n < 2:
		m.Efficiency = 1
	case m.PathLength < minPathLength:
		m.Efficiency = 0
	default:
		m.Efficiency = m.StraightLine / m.PathLength
	}

	var curvSum float64
	var curvN int
	for i := 1; i+1 < n; i++ {
		v1 := tr[i].Sub(tr[i-1])
		v2 := tr[i+1].Sub(tr[i])
		l1, l2 := v1.Norm(), v2.Norm()
		if l1 <= degenerateSegment || l2 <= degenerateSegment {
			continue
		}
		// Rounding can push the cosine a hair outside [-1, 1]; clamp before
		// acos or a straight segment turns into NaN.
		cos := v1.Dot(v2) / (l1 * l2)
		if cos > 1 {
			cos = 1
		} else if cos < -1 {
			cos = -1
		}
		c := math.Acos(cos) / l1
		curvSum += c
		curvN++
		if c > m.MaxCurvature {
			m.MaxCurvature = c
		}
	}
	if curvN > 0 {
		m.AvgCurvature = curvSum / float64(curvN)
	}
	m.Smoothness = 1 / (1 + m.AvgCurvature)

	if n > 0 {
		m.EndpointError = traj.Distance(tr[n-1], end)
	}
	if n >= 2 {
		m.AvgVelocity = m.PathLength / float64(n-1) / dt
	}

	if n > 0 {
		minZ, maxZ, sumZ := tr[0].Z, tr[0].Z, 0.0
		for _, w := range tr {
			if w.Z < minZ {
				minZ = w.Z
			}
			if w.Z > maxZ {
				maxZ = w.Z
			}
			sumZ += w.Z
		}
		m.MinAltitude = minZ
		m.MaxAltitude = maxZ
		m.MeanAltitude = sumZ / float64(n)
	}
	return m
}
