package train

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/kestrel-data/skypath/internal/artifact"
	"github.com/kestrel-data/skypath/internal/cvae"
	"github.com/kestrel-data/skypath/internal/monitoring"
	"github.com/kestrel-data/skypath/internal/nn"
	"github.com/kestrel-data/skypath/internal/timeutil"
	"github.com/kestrel-data/skypath/internal/traj"
)

// BestCheckpointName is the file inside CheckpointDir that always holds the
// lowest-validation-loss model seen so far.
const BestCheckpointName = "best_model.ckpt"

const epochCheckpointFmt = "checkpoint_epoch_%04d.ckpt"

// EpochMetrics records one completed epoch.
type EpochMetrics struct {
	Epoch      int                `json:"epoch"`
	Train      cvae.LossBreakdown `json:"train"`
	Val        cvae.LossBreakdown `json:"val"`
	LR         float64            `json:"lr"`
	TFRatio    float64            `json:"tf_ratio"`
	BadBatches int                `json:"bad_batches"`
	Duration   time.Duration      `json:"duration"`
}

// Result summarizes a finished or interrupted run. Stopped means the
// context was cancelled; everything up to FinalEpoch is still consistent
// and checkpointed as usual.
type Result struct {
	History     []EpochMetrics
	BestValLoss float64
	BestPath    string
	FinalEpoch  int
	Stopped     bool
}

// Trainer owns the model, optimizer, and normalized dataset for one run.
// It is not safe for concurrent use; a run is a single goroutine stepping
// the weights.
type Trainer struct {
	cfg    Config
	model  *cvae.Model
	params []*nn.Param
	opt    *nn.Adam
	sched  *PlateauScheduler
	rng    *rand.Rand
	ds     *traj.Dataset
	stats  traj.NormStats
	split  traj.SplitIndices

	bestVal    float64
	startEpoch int
	history    []EpochMetrics

	// OnEpoch, when set, observes every completed epoch. Errors are
	// logged and training continues; metric persistence must not kill a
	// run.
	OnEpoch func(EpochMetrics) error

	// Clock times epochs. Defaults to the wall clock; tests substitute a
	// deterministic one.
	Clock timeutil.Clock
}

// New builds a trainer over a raw dataset: fits normalization to it,
// splits it by the config seed, and initializes fresh weights.
func New(cfg Config, ds *traj.Dataset) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := checkDataset(cfg, ds); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	model, err := cvae.NewModel(cfg.Model, rng)
	if err != nil {
		return nil, err
	}
	return newTrainer(cfg, ds, traj.FitNormStats(ds), model, rng), nil
}

// Resume restores weights, optimizer moments, normalization, and the best
// validation loss from a checkpoint and continues at the next epoch. The
// checkpoint's model dimensions replace cfg.Model so the restored weights
// always fit. Scheduler and early-stop counters start fresh.
func Resume(cfg Config, ds *traj.Dataset, ckptPath string) (*Trainer, error) {
	ckpt, err := artifact.LoadCheckpoint(ckptPath)
	if err != nil {
		return nil, err
	}
	cfg.Model = ckpt.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := checkDataset(cfg, ds); err != nil {
		return nil, err
	}
	model, err := ckpt.BuildModel()
	if err != nil {
		return nil, err
	}
	t := newTrainer(cfg, ds, ckpt.Stats, model, rand.New(rand.NewSource(cfg.Seed)))
	if err := t.opt.LoadState(ckpt.Optimizer, t.params); err != nil {
		return nil, fmt.Errorf("restore optimizer: %w", err)
	}
	t.startEpoch = ckpt.Epoch + 1
	t.bestVal = ckpt.BestValLoss
	monitoring.Logf("[train] resumed checkpoint=%s epoch=%d best_val=%.6f", ckptPath, ckpt.Epoch, ckpt.BestValLoss)
	return t, nil
}

func newTrainer(cfg Config, ds *traj.Dataset, stats traj.NormStats, model *cvae.Model, rng *rand.Rand) *Trainer {
	ds.ApplyStats(stats)
	return &Trainer{
		cfg:     cfg,
		model:   model,
		params:  model.Params(),
		opt:     nn.NewAdam(cfg.WeightDecay),
		sched:   NewPlateauScheduler(cfg.LearningRate, cfg.LRFactor, cfg.LRPatience),
		rng:     rng,
		ds:      ds,
		stats:   stats,
		split:   traj.Split(ds.Len(), cfg.Seed),
		bestVal: math.Inf(1),
		Clock:   timeutil.RealClock{},
	}
}

func checkDataset(cfg Config, ds *traj.Dataset) error {
	if ds.Normalized {
		return fmt.Errorf("dataset is already normalized; the trainer owns normalization")
	}
	if ds.Len() < 2 {
		return fmt.Errorf("dataset too small to train: %d trajectories", ds.Len())
	}
	if ds.SeqLen != cfg.Model.SeqLen {
		return fmt.Errorf("dataset seq_len %d does not match model seq_len %d", ds.SeqLen, cfg.Model.SeqLen)
	}
	return nil
}

// Model returns the model being trained.
func (t *Trainer) Model() *cvae.Model { return t.model }

// Stats returns the normalization fitted to (or restored for) the dataset.
func (t *Trainer) Stats() traj.NormStats { return t.stats }

// History returns the metrics of every epoch completed so far.
func (t *Trainer) History() []EpochMetrics { return t.history }

// StartEpoch returns the first epoch Train will run, nonzero after Resume.
func (t *Trainer) StartEpoch() int { return t.startEpoch }

// Train runs epochs until the budget is exhausted, validation stops
// improving, the loss diverges, or ctx is cancelled. Cancellation is
// checked at batch and epoch boundaries and returns a Result with Stopped
// set rather than an error; weights reflect every optimizer step taken,
// history only fully completed epochs.
func (t *Trainer) Train(ctx context.Context) (*Result, error) {
	if err := os.MkdirAll(t.cfg.CheckpointDir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	if len(t.split.Val) == 0 {
		monitoring.Logf("[train] warn=empty_validation_split scheduling_on_train_loss")
	}
	monitoring.Logf("[train] start epochs=%d batch_size=%d train=%d val=%d test=%d params=%d lr=%.4g",
		t.cfg.Epochs, t.cfg.BatchSize, len(t.split.Train), len(t.split.Val), len(t.split.Test),
		nn.CountParams(t.params), t.sched.LR())

	res := &Result{
		BestPath:   filepath.Join(t.cfg.CheckpointDir, BestCheckpointName),
		FinalEpoch: t.startEpoch - 1,
	}
	noImprove := 0
	badStreak := 0

	for epoch := t.startEpoch; epoch < t.cfg.Epochs; epoch++ {
		if ctx.Err() != nil {
			return t.finalize(res, true), nil
		}
		begin := t.Clock.Now()
		ratio := t.cfg.TFRatio(epoch)

		trainLoss, bad, err := t.runEpoch(ctx, epoch, ratio, &badStreak)
		if err != nil {
			return nil, err
		}
		if ctx.Err() != nil {
			return t.finalize(res, true), nil
		}

		valLoss := trainLoss
		if len(t.split.Val) > 0 {
			valLoss, err = t.validate()
			if err != nil {
				return nil, err
			}
		}

		if t.sched.Observe(valLoss.Total) {
			monitoring.Logf("[train] lr_reduced epoch=%d lr=%.4g", epoch, t.sched.LR())
		}

		m := EpochMetrics{
			Epoch:      epoch,
			Train:      trainLoss,
			Val:        valLoss,
			LR:         t.sched.LR(),
			TFRatio:    ratio,
			BadBatches: bad,
			Duration:   t.Clock.Since(begin),
		}
		t.history = append(t.history, m)
		res.FinalEpoch = epoch
		if t.OnEpoch != nil {
			if err := t.OnEpoch(m); err != nil {
				monitoring.Logf("[train] warn=epoch_hook_failed epoch=%d err=%v", epoch, err)
			}
		}
		monitoring.Logf("[train] epoch=%d/%d train_loss=%.6f val_loss=%.6f lr=%.4g tf=%.3f dur=%s",
			epoch+1, t.cfg.Epochs, trainLoss.Total, valLoss.Total, t.sched.LR(), ratio,
			m.Duration.Round(time.Millisecond))

		if valLoss.Total < t.bestVal {
			t.bestVal = valLoss.Total
			noImprove = 0
			if err := t.writeCheckpoint(res.BestPath, epoch, trainLoss, valLoss); err != nil {
				return nil, err
			}
		} else {
			noImprove++
		}
		if t.cfg.SaveInterval > 0 && (epoch+1)%t.cfg.SaveInterval == 0 {
			p := filepath.Join(t.cfg.CheckpointDir, fmt.Sprintf(epochCheckpointFmt, epoch))
			if err := t.writeCheckpoint(p, epoch, trainLoss, valLoss); err != nil {
				return nil, err
			}
		}
		if noImprove >= t.cfg.EarlyStopPatience {
			monitoring.Logf("[train] early_stop epoch=%d stale_epochs=%d best_val=%.6f", epoch, noImprove, t.bestVal)
			break
		}
	}
	return t.finalize(res, false), nil
}

func (t *Trainer) finalize(res *Result, stopped bool) *Result {
	res.History = t.history
	res.BestValLoss = t.bestVal
	res.Stopped = stopped
	if stopped {
		monitoring.Logf("[train] stopped epoch=%d best_val=%.6f", res.FinalEpoch+1, t.bestVal)
	}
	return res
}

// runEpoch shuffles the training split and steps the optimizer once per
// batch. Non-finite batches leave the weights untouched and are skipped;
// badStreak persists across epochs so a divergence spanning an epoch
// boundary still aborts.
func (t *Trainer) runEpoch(ctx context.Context, epoch int, tfRatio float64, badStreak *int) (cvae.LossBreakdown, int, error) {
	idx := t.split.Train
	t.rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

	var sum cvae.LossBreakdown
	batches := 0
	bad := 0
	for lo := 0; lo < len(idx); lo += t.cfg.BatchSize {
		if ctx.Err() != nil {
			return cvae.LossBreakdown{}, bad, nil
		}
		hi := lo + t.cfg.BatchSize
		if hi > len(idx) {
			hi = len(idx)
		}
		loss, err := t.model.TrainStep(t.batch(idx[lo:hi]), t.cfg.Loss, tfRatio, t.rng)
		if err != nil {
			if !errors.Is(err, cvae.ErrNonFinite) {
				return sum, bad, err
			}
			bad++
			*badStreak++
			monitoring.Logf("[train] skip_batch epoch=%d batch=%d err=%v", epoch, lo/t.cfg.BatchSize, err)
			if *badStreak >= t.cfg.MaxBadBatches {
				return sum, bad, fmt.Errorf("epoch %d: %d consecutive non-finite batches: %w", epoch, *badStreak, err)
			}
			continue
		}
		*badStreak = 0
		if t.cfg.GradClip > 0 {
			nn.ClipGradNorm(t.params, t.cfg.GradClip)
		}
		t.opt.Step(t.params, t.sched.LR())
		addLoss(&sum, loss)
		batches++
	}
	if batches == 0 {
		return sum, bad, fmt.Errorf("epoch %d produced no finite batches", epoch)
	}
	return scaleLoss(sum, 1/float64(batches)), bad, nil
}

// validate averages the evaluation loss over the validation split, no
// shuffling, no teacher forcing, no weight updates.
func (t *Trainer) validate() (cvae.LossBreakdown, error) {
	var sum cvae.LossBreakdown
	batches := 0
	for lo := 0; lo < len(t.split.Val); lo += t.cfg.BatchSize {
		hi := lo + t.cfg.BatchSize
		if hi > len(t.split.Val) {
			hi = len(t.split.Val)
		}
		loss, err := t.model.Evaluate(t.batch(t.split.Val[lo:hi]), t.cfg.Loss, t.rng)
		if err != nil {
			return sum, fmt.Errorf("validation: %w", err)
		}
		addLoss(&sum, loss)
		batches++
	}
	return scaleLoss(sum, 1/float64(batches)), nil
}

func (t *Trainer) batch(idx []int) cvae.Batch {
	b := cvae.Batch{
		Targets: make([]traj.Trajectory, len(idx)),
		Starts:  make([]traj.Waypoint, len(idx)),
		Ends:    make([]traj.Waypoint, len(idx)),
	}
	for i, j := range idx {
		b.Targets[i] = t.ds.Trajectories[j]
		b.Starts[i] = t.ds.Starts[j]
		b.Ends[i] = t.ds.Ends[j]
	}
	return b
}

func (t *Trainer) writeCheckpoint(path string, epoch int, trainL, valL cvae.LossBreakdown) error {
	cfgJSON, err := json.Marshal(t.cfg)
	if err != nil {
		return fmt.Errorf("encode trainer config: %w", err)
	}
	c := &artifact.Checkpoint{
		Config:        t.cfg.Model,
		Epoch:         epoch,
		TrainLoss:     trainL,
		ValLoss:       valL,
		BestValLoss:   t.bestVal,
		Weights:       artifact.SnapshotWeights(t.params),
		Optimizer:     t.opt.State(),
		Stats:         t.stats,
		TrainerConfig: cfgJSON,
	}
	if err := artifact.SaveCheckpoint(path, c); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func addLoss(sum *cvae.LossBreakdown, l cvae.LossBreakdown) {
	sum.Total += l.Total
	sum.Reconstruction += l.Reconstruction
	sum.KL += l.KL
	sum.Smoothness += l.Smoothness
	sum.Boundary += l.Boundary
}

func scaleLoss(l cvae.LossBreakdown, f float64) cvae.LossBreakdown {
	l.Total *= f
	l.Reconstruction *= f
	l.KL *= f
	l.Smoothness *= f
	l.Boundary *= f
	return l
}
