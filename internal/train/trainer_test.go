package train

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-data/skypath/internal/artifact"
	"github.com/kestrel-data/skypath/internal/cvae"
	"github.com/kestrel-data/skypath/internal/monitoring"
	"github.com/kestrel-data/skypath/internal/timeutil"
	"github.com/kestrel-data/skypath/internal/traj"
)

func TestMain(m *testing.M) {
	// Training logs every epoch; mute the stream for the whole package.
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

// makeDataset builds n noisy point-to-point lines. Deterministic, so tests
// can regenerate an identical raw copy after the trainer normalizes one.
func makeDataset(n, seqLen int) *traj.Dataset {
	rng := rand.New(rand.NewSource(7))
	ds := &traj.Dataset{SeqLen: seqLen}
	for i := 0; i < n; i++ {
		start := traj.Waypoint{X: rng.Float64() * 100, Y: rng.Float64() * 100, Z: 100 + rng.Float64()*50}
		end := traj.Waypoint{X: 400 + rng.Float64()*200, Y: 300 + rng.Float64()*200, Z: 150 + rng.Float64()*50}
		tr := make(traj.Trajectory, seqLen)
		for s := 0; s < seqLen; s++ {
			f := float64(s) / float64(seqLen-1)
			tr[s] = traj.Waypoint{
				X: start.X + f*(end.X-start.X) + rng.NormFloat64()*2,
				Y: start.Y + f*(end.Y-start.Y) + rng.NormFloat64()*2,
				Z: start.Z + f*(end.Z-start.Z) + rng.NormFloat64(),
			}
		}
		tr[0] = start
		tr[seqLen-1] = end
		ds.Trajectories = append(ds.Trajectories, tr)
		ds.Starts = append(ds.Starts, start)
		ds.Ends = append(ds.Ends, end)
	}
	return ds
}

func tinyTrainConfig(dir string) Config {
	cfg := DefaultConfig()
	cfg.Model.LatentDim = 4
	cfg.Model.HiddenDim = 8
	cfg.Model.NumLayers = 1
	cfg.Model.SeqLen = 10
	cfg.Model.LSTMDropout = 0
	cfg.Model.HeadDropout = 0
	cfg.Epochs = 4
	cfg.BatchSize = 8
	cfg.LearningRate = 1e-2
	cfg.SaveInterval = 0
	cfg.CheckpointDir = dir
	return cfg
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"zero epochs", func(c *Config) { c.Epochs = 0 }, false},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }, false},
		{"zero lr", func(c *Config) { c.LearningRate = 0 }, false},
		{"negative clip", func(c *Config) { c.GradClip = -1 }, false},
		{"clip disabled", func(c *Config) { c.GradClip = 0 }, true},
		{"tf min above start", func(c *Config) { c.TFMin = 0.9 }, false},
		{"lr factor one", func(c *Config) { c.LRFactor = 1 }, false},
		{"zero bad batches", func(c *Config) { c.MaxBadBatches = 0 }, false},
		{"empty checkpoint dir", func(c *Config) { c.CheckpointDir = "" }, false},
		{"bad model", func(c *Config) { c.Model.HiddenDim = 0 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestLoadConfigOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "train.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"epochs": 7, "loss": {"beta": 0.01}}`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Epochs)
	assert.Equal(t, 0.01, cfg.Loss.Beta)
	assert.Equal(t, 64, cfg.BatchSize)
	assert.Equal(t, cvae.DefaultModelConfig(), cfg.Model)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"epochs": -3}`), 0o644))
	_, err = LoadConfig(bad)
	assert.Error(t, err)
}

func TestNewRejectsUnusableDatasets(t *testing.T) {
	cfg := tinyTrainConfig(t.TempDir())

	_, err := New(cfg, makeDataset(20, 12))
	assert.ErrorContains(t, err, "seq_len")

	_, err = New(cfg, makeDataset(1, 10))
	assert.ErrorContains(t, err, "too small")

	ds := makeDataset(20, 10)
	ds.ApplyStats(traj.FitNormStats(ds))
	_, err = New(cfg, ds)
	assert.ErrorContains(t, err, "normalized")
}

func TestTrainLossDecreases(t *testing.T) {
	cfg := tinyTrainConfig(t.TempDir())
	cfg.Epochs = 10
	cfg.BatchSize = 4

	tr, err := New(cfg, makeDataset(20, 10))
	require.NoError(t, err)

	res, err := tr.Train(context.Background())
	require.NoError(t, err)
	require.False(t, res.Stopped)
	require.Len(t, res.History, 10)

	first := res.History[0]
	last := res.History[len(res.History)-1]
	assert.Less(t, last.Train.Total, first.Train.Total, "training loss should decrease")
	assert.False(t, math.IsInf(res.BestValLoss, 0))
	assert.GreaterOrEqual(t, res.BestValLoss, 0.0)

	_, err = os.Stat(res.BestPath)
	require.NoError(t, err, "best checkpoint should exist")

	// Epoch bookkeeping.
	assert.Equal(t, 0, first.Epoch)
	assert.Equal(t, 9, res.FinalEpoch)
	assert.Equal(t, cfg.TFStart, first.TFRatio)
	assert.Equal(t, cfg.LearningRate, first.LR)
	assert.Zero(t, first.BadBatches)
	assert.Greater(t, first.Duration.Nanoseconds(), int64(0))
}

func TestEpochDurationUsesClock(t *testing.T) {
	cfg := tinyTrainConfig(t.TempDir())
	cfg.Epochs = 2
	cfg.BatchSize = 4

	tr, err := New(cfg, makeDataset(20, 10))
	require.NoError(t, err)
	// One Now call per epoch, so every epoch measures exactly one step.
	tr.Clock = timeutil.NewStepClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), 250*time.Millisecond)

	res, err := tr.Train(context.Background())
	require.NoError(t, err)
	require.Len(t, res.History, 2)
	for _, m := range res.History {
		assert.Equal(t, 250*time.Millisecond, m.Duration)
	}
}

func TestEmptyValidationFallsBackToTrainLoss(t *testing.T) {
	cfg := tinyTrainConfig(t.TempDir())
	cfg.Epochs = 2
	cfg.BatchSize = 4

	// Five trajectories split 4/0/1, so there is no validation data.
	tr, err := New(cfg, makeDataset(5, 10))
	require.NoError(t, err)

	res, err := tr.Train(context.Background())
	require.NoError(t, err)
	require.Len(t, res.History, 2)
	for _, m := range res.History {
		assert.Equal(t, m.Train, m.Val)
	}
}

func TestCheckpointCarriesTrainerConfig(t *testing.T) {
	cfg := tinyTrainConfig(t.TempDir())
	cfg.Epochs = 1

	tr, err := New(cfg, makeDataset(20, 10))
	require.NoError(t, err)
	res, err := tr.Train(context.Background())
	require.NoError(t, err)

	ckpt, err := artifact.LoadCheckpoint(res.BestPath)
	require.NoError(t, err)
	assert.Equal(t, cfg.Model, ckpt.Config)
	assert.Equal(t, tr.Stats(), ckpt.Stats)
	assert.Equal(t, res.BestValLoss, ckpt.BestValLoss)

	var got Config
	require.NoError(t, json.Unmarshal(ckpt.TrainerConfig, &got))
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Fatalf("trainer config round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestResumeContinuesTraining(t *testing.T) {
	dir := t.TempDir()
	cfg := tinyTrainConfig(dir)
	cfg.Epochs = 2
	cfg.SaveInterval = 1

	tr, err := New(cfg, makeDataset(20, 10))
	require.NoError(t, err)
	_, err = tr.Train(context.Background())
	require.NoError(t, err)

	ckptPath := filepath.Join(dir, "checkpoint_epoch_0001.ckpt")
	ckpt, err := artifact.LoadCheckpoint(ckptPath)
	require.NoError(t, err)
	require.Equal(t, 1, ckpt.Epoch)
	// 16 training samples in batches of 8, over two epochs.
	require.Equal(t, 4, ckpt.Optimizer.T)

	cfg2 := cfg
	cfg2.Epochs = 4
	resumed, err := Resume(cfg2, makeDataset(20, 10), ckptPath)
	require.NoError(t, err)
	require.Equal(t, 2, resumed.StartEpoch())

	res, err := resumed.Train(context.Background())
	require.NoError(t, err)
	require.Len(t, res.History, 2)
	assert.Equal(t, 2, res.History[0].Epoch)
	assert.Equal(t, 3, res.History[1].Epoch)
	assert.Equal(t, 3, res.FinalEpoch)

	// Optimizer step count carried across the resume.
	later, err := artifact.LoadCheckpoint(filepath.Join(dir, "checkpoint_epoch_0003.ckpt"))
	require.NoError(t, err)
	assert.Equal(t, 8, later.Optimizer.T)
}

func TestEarlyStopAfterPatience(t *testing.T) {
	dir := t.TempDir()
	cfg := tinyTrainConfig(dir)
	cfg.Epochs = 1

	tr, err := New(cfg, makeDataset(20, 10))
	require.NoError(t, err)
	res, err := tr.Train(context.Background())
	require.NoError(t, err)

	// Plant an unbeatable best value: the composite loss is never negative,
	// so no epoch after the resume can improve on it.
	ckpt, err := artifact.LoadCheckpoint(res.BestPath)
	require.NoError(t, err)
	ckpt.BestValLoss = -1
	planted := filepath.Join(dir, "planted.ckpt")
	require.NoError(t, artifact.SaveCheckpoint(planted, ckpt))

	cfg2 := cfg
	cfg2.Epochs = 100
	cfg2.EarlyStopPatience = 3
	resumed, err := Resume(cfg2, makeDataset(20, 10), planted)
	require.NoError(t, err)

	res2, err := resumed.Train(context.Background())
	require.NoError(t, err)
	assert.False(t, res2.Stopped)
	assert.Len(t, res2.History, 3)
	assert.Equal(t, 3, res2.FinalEpoch)
	assert.Equal(t, -1.0, res2.BestValLoss)
}

func TestCancelStopsCleanly(t *testing.T) {
	cfg := tinyTrainConfig(t.TempDir())
	cfg.Epochs = 50

	tr, err := New(cfg, makeDataset(20, 10))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.OnEpoch = func(m EpochMetrics) error {
		if m.Epoch == 1 {
			cancel()
		}
		return nil
	}

	res, err := tr.Train(ctx)
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	assert.Equal(t, 1, res.FinalEpoch)
	assert.Len(t, res.History, 2)
}

func TestHookErrorDoesNotAbortTraining(t *testing.T) {
	cfg := tinyTrainConfig(t.TempDir())
	cfg.Epochs = 2

	tr, err := New(cfg, makeDataset(20, 10))
	require.NoError(t, err)
	tr.OnEpoch = func(EpochMetrics) error { return errors.New("db down") }

	res, err := tr.Train(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.History, 2)
}

func TestDivergenceAborts(t *testing.T) {
	cfg := tinyTrainConfig(t.TempDir())
	cfg.BatchSize = 4
	cfg.MaxBadBatches = 2

	// Twelve trajectories split 9/1/2: three training batches per epoch,
	// so the streak limit is hit within the first epoch.
	tr, err := New(cfg, makeDataset(12, 10))
	require.NoError(t, err)
	tr.Model().Params()[0].Data[0] = math.NaN()

	_, err = tr.Train(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, cvae.ErrNonFinite)
	assert.ErrorContains(t, err, "consecutive non-finite")
}
