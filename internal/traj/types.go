// Package traj defines the core trajectory domain types shared by the
// training, inference and ranking layers: 3D waypoints, fixed-length
// trajectories, start/end conditions and the frozen per-axis normalization
// statistics that tie a trained model to its coordinate space.
package traj

import (
	"encoding/json"
	"fmt"
	"math"
)

// Waypoint is a single 3D position in meters. Waypoints are value objects:
// produced once, never mutated.
type Waypoint struct {
	X float64
	Y float64
	Z float64
}

// MarshalJSON encodes a waypoint as a compact [x, y, z] triple, the layout
// used by dataset files and exported trajectory sets.
func (w Waypoint) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]float64{w.X, w.Y, w.Z})
}

// UnmarshalJSON decodes a waypoint from a [x, y, z] triple. Arrays of any
// other length are malformed input, not something to pad or truncate.
func (w *Waypoint) UnmarshalJSON(data []byte) error {
	var v []float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("waypoint must be a [x,y,z] triple: %w", err)
	}
	if len(v) != 3 {
		return fmt.Errorf("waypoint must be a [x,y,z] triple, got %d values", len(v))
	}
	w.X, w.Y, w.Z = v[0], v[1], v[2]
	return nil
}

// Sub returns the component-wise difference w - o.
func (w Waypoint) Sub(o Waypoint) Waypoint {
	return Waypoint{X: w.X - o.X, Y: w.Y - o.Y, Z: w.Z - o.Z}
}

// Norm returns the Euclidean length of the waypoint treated as a vector.
func (w Waypoint) Norm() float64 {
	return math.Sqrt(w.X*w.X + w.Y*w.Y + w.Z*w.Z)
}

// Dot returns the dot product of two waypoints treated as vectors.
func (w Waypoint) Dot(o Waypoint) float64 {
	return w.X*o.X + w.Y*o.Y + w.Z*o.Z
}

// IsFinite reports whether all three coordinates are finite.
func (w Waypoint) IsFinite() bool {
	return !math.IsNaN(w.X) && !math.IsInf(w.X, 0) &&
		!math.IsNaN(w.Y) && !math.IsInf(w.Y, 0) &&
		!math.IsNaN(w.Z) && !math.IsInf(w.Z, 0)
}

// Distance returns the Euclidean distance between two waypoints.
func Distance(a, b Waypoint) float64 {
	return a.Sub(b).Norm()
}

// Trajectory is an ordered, fixed-length sequence of waypoints. The decoder
// emits trajectories whose first and last points approach the condition's
// start and end; the match is enforced by the boundary loss during training,
// not hard-constrained at generation time.
type Trajectory []Waypoint

// Clone returns a deep copy of the trajectory.
func (t Trajectory) Clone() Trajectory {
	out := make(Trajectory, len(t))
	copy(out, t)
	return out
}

// PathLength returns the sum of Euclidean distances between consecutive
// waypoints.
func (t Trajectory) PathLength() float64 {
	var total float64
	for i := 1; i < len(t); i++ {
		total += Distance(t[i-1], t[i])
	}
	return total
}

// Condition is the (start, end) waypoint pair a trajectory is generated for.
type Condition struct {
	Start Waypoint `json:"start"`
	End   Waypoint `json:"end"`
}

// StraightLine returns the Euclidean distance from start to end.
func (c Condition) StraightLine() float64 {
	return Distance(c.Start, c.End)
}
