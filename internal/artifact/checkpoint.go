package artifact

import (
	"fmt"
	"math/rand"

	"github.com/kestrel-data/skypath/internal/cvae"
	"github.com/kestrel-data/skypath/internal/nn"
	"github.com/kestrel-data/skypath/internal/traj"
)

// CheckpointVersion is bumped whenever the checkpoint layout changes in a
// way older builds cannot read.
const CheckpointVersion = 1

// Checkpoint is the full training state at the end of an epoch: every
// weight in Params order, the optimizer moments, the normalization applied
// to the dataset, and enough metadata to resume where training left off.
// TrainerConfig is an opaque JSON snapshot owned by the trainer.
type Checkpoint struct {
	Version       int                `msgpack:"version"`
	Config        cvae.ModelConfig   `msgpack:"config"`
	Epoch         int                `msgpack:"epoch"`
	TrainLoss     cvae.LossBreakdown `msgpack:"train_loss"`
	ValLoss       cvae.LossBreakdown `msgpack:"val_loss"`
	BestValLoss   float64            `msgpack:"best_val_loss"`
	Weights       []Tensor           `msgpack:"weights"`
	Optimizer     nn.AdamState       `msgpack:"optimizer"`
	Stats         traj.NormStats     `msgpack:"stats"`
	TrainerConfig []byte             `msgpack:"trainer_config"`
}

// SaveCheckpoint stamps the current format version and writes the
// checkpoint to path.
func SaveCheckpoint(path string, c *Checkpoint) error {
	c.Version = CheckpointVersion
	if err := writeCompressed(path, c); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint reads and validates a checkpoint. The weights are not
// applied to a model yet; use BuildModel for that.
func LoadCheckpoint(path string) (*Checkpoint, error) {
	var c Checkpoint
	if err := readCompressed(path, &c); err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if c.Version != CheckpointVersion {
		return nil, fmt.Errorf("checkpoint %s has format version %d, this build reads %d", path, c.Version, CheckpointVersion)
	}
	if err := c.Config.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	if err := c.Stats.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", path, err)
	}
	return &c, nil
}

// BuildModel reconstructs the model the checkpoint describes, weights
// included.
func (c *Checkpoint) BuildModel() (*cvae.Model, error) {
	// Initialization is immediately overwritten, so the seed is irrelevant.
	m, err := cvae.NewModel(c.Config, rand.New(rand.NewSource(0)))
	if err != nil {
		return nil, err
	}
	if err := RestoreWeights(c.Weights, m.Params()); err != nil {
		return nil, err
	}
	return m, nil
}
