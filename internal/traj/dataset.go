package traj

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
)

// Dataset is a training corpus of (trajectory, start, end) triples loaded
// from an external source. All trajectories share one sequence length.
type Dataset struct {
	Trajectories []Trajectory
	Starts       []Waypoint
	Ends         []Waypoint
	SeqLen       int

	// Normalized is set once ApplyStats has run; a dataset is normalized at
	// most once.
	Normalized bool
}

// datasetFile is the on-disk JSON layout. Start/end points are optional and
// default to each trajectory's first/last waypoint.
type datasetFile struct {
	Trajectories []Trajectory `json:"trajectories"`
	StartPoints  []Waypoint   `json:"start_points,omitempty"`
	EndPoints    []Waypoint   `json:"end_points,omitempty"`
}

// Len returns the number of trajectories in the dataset.
func (ds *Dataset) Len() int { return len(ds.Trajectories) }

// LoadDataset reads and validates a corpus file. Validation failures are
// configuration errors: they fail before any training computation starts.
func LoadDataset(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dataset %s: %w", path, err)
	}
	var f datasetFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse dataset %s: %w", path, err)
	}
	if len(f.Trajectories) == 0 {
		return nil, fmt.Errorf("dataset %s contains no trajectories", path)
	}

	seqLen := len(f.Trajectories[0])
	if seqLen < 2 {
		return nil, fmt.Errorf("dataset %s: trajectories must have at least 2 waypoints, got %d", path, seqLen)
	}
	for i, t := range f.Trajectories {
		if len(t) != seqLen {
			return nil, fmt.Errorf("dataset %s: trajectory %d has %d waypoints, expected %d (uniform sequence length required)",
				path, i, len(t), seqLen)
		}
		for j, w := range t {
			if !w.IsFinite() {
				return nil, fmt.Errorf("dataset %s: trajectory %d waypoint %d is not finite", path, i, j)
			}
		}
	}

	ds := &Dataset{
		Trajectories: f.Trajectories,
		Starts:       f.StartPoints,
		Ends:         f.EndPoints,
		SeqLen:       seqLen,
	}
	if ds.Starts == nil {
		ds.Starts = make([]Waypoint, len(f.Trajectories))
		for i, t := range f.Trajectories {
			ds.Starts[i] = t[0]
		}
	}
	if ds.Ends == nil {
		ds.Ends = make([]Waypoint, len(f.Trajectories))
		for i, t := range f.Trajectories {
			ds.Ends[i] = t[len(t)-1]
		}
	}
	if len(ds.Starts) != ds.Len() || len(ds.Ends) != ds.Len() {
		return nil, fmt.Errorf("dataset %s: %d trajectories but %d start and %d end points",
			path, ds.Len(), len(ds.Starts), len(ds.Ends))
	}
	return ds, nil
}

// SaveDataset writes a corpus in the layout LoadDataset reads. Used by tests
// and tooling; production corpora come from external generators.
func SaveDataset(path string, ds *Dataset) error {
	f := datasetFile{
		Trajectories: ds.Trajectories,
		StartPoints:  ds.Starts,
		EndPoints:    ds.Ends,
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal dataset: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write dataset %s: %w", path, err)
	}
	return nil
}

// ApplyStats normalizes every trajectory and condition point in place.
// Calling it twice is a programming error and panics rather than silently
// double-normalizing the corpus.
func (ds *Dataset) ApplyStats(s NormStats) {
	if ds.Normalized {
		panic("traj: dataset already normalized")
	}
	for i, t := range ds.Trajectories {
		ds.Trajectories[i] = s.NormalizeTrajectory(t)
	}
	for i, w := range ds.Starts {
		ds.Starts[i] = s.Normalize(w)
	}
	for i, w := range ds.Ends {
		ds.Ends[i] = s.Normalize(w)
	}
	ds.Normalized = true
}

// SplitIndices is a deterministic 80/10/10 partition of dataset indices.
type SplitIndices struct {
	Train []int
	Val   []int
	Test  []int
}

// Split shuffles [0, n) with the given seed and partitions it into
// train/val/test slices of sizes floor(0.8n), floor(0.1n) and the remainder.
func Split(n int, seed int64) SplitIndices {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

	nTrain := int(0.8 * float64(n))
	nVal := int(0.1 * float64(n))
	return SplitIndices{
		Train: idx[:nTrain],
		Val:   idx[nTrain : nTrain+nVal],
		Test:  idx[nTrain+nVal:],
	}
}
