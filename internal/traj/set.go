package traj

import (
	"encoding/json"
	"fmt"
	"os"
)

// TrajectorySet is the exchange record the generation tooling writes and
// the evaluation tooling reads: the requested condition plus the candidate
// trajectories produced for it.
type TrajectorySet struct {
	Condition    Condition    `json:"condition"`
	Trajectories []Trajectory `json:"trajectories"`
}

// WriteSetFile writes a trajectory set as indented JSON.
func WriteSetFile(path string, set TrajectorySet) error {
	if len(set.Trajectories) == 0 {
		return fmt.Errorf("refusing to write empty trajectory set")
	}
	data, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal trajectory set: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("write trajectory set %s: %w", path, err)
	}
	return nil
}

// ReadSetFile loads and validates a trajectory set written by WriteSetFile.
func ReadSetFile(path string) (TrajectorySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TrajectorySet{}, fmt.Errorf("read trajectory set %s: %w", path, err)
	}
	var set TrajectorySet
	if err := json.Unmarshal(data, &set); err != nil {
		return TrajectorySet{}, fmt.Errorf("parse trajectory set %s: %w", path, err)
	}
	if len(set.Trajectories) == 0 {
		return TrajectorySet{}, fmt.Errorf("trajectory set %s contains no trajectories", path)
	}
	for i, t := range set.Trajectories {
		if len(t) == 0 {
			return TrajectorySet{}, fmt.Errorf("trajectory set %s: trajectory %d is empty", path, i)
		}
		for j, w := range t {
			if !w.IsFinite() {
				return TrajectorySet{}, fmt.Errorf("trajectory set %s: trajectory %d waypoint %d is not finite", path, i, j)
			}
		}
	}
	return set, nil
}
