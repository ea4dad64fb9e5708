package traj

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTrajectorySetRoundTrip(t *testing.T) {
	set := TrajectorySet{
		Condition: Condition{
			Start: Waypoint{X: 0, Y: 0, Z: 100},
			End:   Waypoint{X: 800, Y: 600, Z: 200},
		},
		Trajectories: []Trajectory{
			{{0, 0, 100}, {400, 300, 150}, {800, 600, 200}},
			{{1, 2, 101}, {410, 290, 148}, {799, 601, 199}},
		},
	}
	path := filepath.Join(t.TempDir(), "set.json")
	if err := WriteSetFile(path, set); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadSetFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if diff := cmp.Diff(set, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteSetFileRejectsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	if err := WriteSetFile(path, TrajectorySet{}); err == nil {
		t.Fatal("expected error for empty set")
	}
}

func TestReadSetFileErrors(t *testing.T) {
	dir := t.TempDir()

	if _, err := ReadSetFile(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadSetFile(bad); err == nil {
		t.Error("expected error for malformed json")
	}

	empty := filepath.Join(dir, "empty_traj.json")
	body := `{"condition":{"start":[0,0,0],"end":[1,1,1]},"trajectories":[[]]}`
	if err := os.WriteFile(empty, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadSetFile(empty); err == nil {
		t.Error("expected error for empty trajectory")
	}
}
