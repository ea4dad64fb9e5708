package traj

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/stat"
)

// MinStd is the floor applied to fitted standard deviations. An axis that is
// constant across the whole corpus would otherwise produce a zero divisor in
// Normalize.
const MinStd = 1e-6

// NormStats holds the per-axis mean and standard deviation fitted once over a
// training corpus and then frozen. The same stats must be used for every
// normalize/denormalize call in both training and inference: a model's
// weights are only meaningful in the coordinate space they were trained in,
// so stats are serialized alongside the model and never recomputed.
type NormStats struct {
	Mean [3]float64 `json:"mean"`
	Std  [3]float64 `json:"std"`
}

// IdentityStats returns stats that leave coordinates unchanged.
func IdentityStats() NormStats {
	return NormStats{Std: [3]float64{1, 1, 1}}
}

// FitNormStats computes per-axis mean and sample standard deviation over
// every trajectory waypoint and every start/end condition point in the
// dataset. Standard deviations are floored at MinStd.
func FitNormStats(ds *Dataset) NormStats {
	n := ds.Len()*ds.SeqLen + 2*ds.Len()
	xs := make([]float64, 0, n)
	ys := make([]float64, 0, n)
	zs := make([]float64, 0, n)

	add := func(w Waypoint) {
		xs = append(xs, w.X)
		ys = append(ys, w.Y)
		zs = append(zs, w.Z)
	}
	for _, t := range ds.Trajectories {
		for _, w := range t {
			add(w)
		}
	}
	for _, w := range ds.Starts {
		add(w)
	}
	for _, w := range ds.Ends {
		add(w)
	}

	var s NormStats
	for i, axis := range [][]float64{xs, ys, zs} {
		mean, std := stat.MeanStdDev(axis, nil)
		if math.IsNaN(std) || std < MinStd {
			std = MinStd
		}
		s.Mean[i] = mean
		s.Std[i] = std
	}
	return s
}

// Validate rejects stats that would corrupt or destabilize normalization:
// non-finite means, or std components that are zero, negative or non-finite.
func (s NormStats) Validate() error {
	for i := 0; i < 3; i++ {
		if math.IsNaN(s.Mean[i]) || math.IsInf(s.Mean[i], 0) {
			return fmt.Errorf("normalization mean[%d] is not finite: %v", i, s.Mean[i])
		}
		if math.IsNaN(s.Std[i]) || math.IsInf(s.Std[i], 0) {
			return fmt.Errorf("normalization std[%d] is not finite: %v", i, s.Std[i])
		}
		if s.Std[i] <= 0 {
			return fmt.Errorf("normalization std[%d] must be strictly positive, got %v", i, s.Std[i])
		}
	}
	return nil
}

// Normalize maps a raw waypoint into model space: (p - mean) / std per axis.
func (s NormStats) Normalize(p Waypoint) Waypoint {
	return Waypoint{
		X: (p.X - s.Mean[0]) / s.Std[0],
		Y: (p.Y - s.Mean[1]) / s.Std[1],
		Z: (p.Z - s.Mean[2]) / s.Std[2],
	}
}

// Denormalize is the exact inverse of Normalize.
func (s NormStats) Denormalize(p Waypoint) Waypoint {
	return Waypoint{
		X: p.X*s.Std[0] + s.Mean[0],
		Y: p.Y*s.Std[1] + s.Mean[1],
		Z: p.Z*s.Std[2] + s.Mean[2],
	}
}

// NormalizeTrajectory returns a normalized copy of t.
func (s NormStats) NormalizeTrajectory(t Trajectory) Trajectory {
	out := make(Trajectory, len(t))
	for i, w := range t {
		out[i] = s.Normalize(w)
	}
	return out
}

// DenormalizeTrajectory returns a denormalized copy of t.
func (s NormStats) DenormalizeTrajectory(t Trajectory) Trajectory {
	out := make(Trajectory, len(t))
	for i, w := range t {
		out[i] = s.Denormalize(w)
	}
	return out
}

// WriteStatsFile writes stats as the small JSON record consumed by the
// inference engine: {"mean":[x,y,z],"std":[x,y,z]}.
func WriteStatsFile(path string, s NormStats) error {
	if err := s.Validate(); err != nil {
		return fmt.Errorf("refusing to write invalid stats: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal normalization stats: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write normalization stats %s: %w", path, err)
	}
	return nil
}

// ReadStatsFile loads and validates a stats record written by WriteStatsFile.
func ReadStatsFile(path string) (NormStats, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return NormStats{}, fmt.Errorf("read normalization stats %s: %w", path, err)
	}
	var s NormStats
	if err := json.Unmarshal(data, &s); err != nil {
		return NormStats{}, fmt.Errorf("parse normalization stats %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return NormStats{}, fmt.Errorf("normalization stats %s: %w", path, err)
	}
	return s, nil
}
