package artifact

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"

	"github.com/kestrel-data/skypath/internal/cvae"
	"github.com/kestrel-data/skypath/internal/traj"
)

// BundleVersion is the decoder bundle format version.
const BundleVersion = 1

// DecoderBundle is the inference artifact: decoder weights and dimensions
// only. The encoder never ships; generation samples the latent prior
// directly.
type DecoderBundle struct {
	Version int              `msgpack:"version"`
	Config  cvae.ModelConfig `msgpack:"config"`
	Weights []Tensor         `msgpack:"weights"`
}

// StatsPath returns the normalization sidecar for a bundle path:
// model.msgpack -> model_normalization.json. Generated trajectories are
// meaningless without the training-time normalization, so the two files
// travel together.
func StatsPath(bundlePath string) string {
	return strings.TrimSuffix(bundlePath, filepath.Ext(bundlePath)) + "_normalization.json"
}

// ExportDecoder strips a checkpoint down to its decoder and writes the
// bundle to path plus the normalization sidecar next to it.
func ExportDecoder(c *Checkpoint, path string) error {
	m, err := c.BuildModel()
	if err != nil {
		return fmt.Errorf("export decoder: %w", err)
	}
	b := DecoderBundle{
		Version: BundleVersion,
		Config:  c.Config,
		Weights: SnapshotWeights(m.Dec.Params()),
	}
	if err := writeCompressed(path, &b); err != nil {
		return fmt.Errorf("export decoder: %w", err)
	}
	if err := traj.WriteStatsFile(StatsPath(path), c.Stats); err != nil {
		return fmt.Errorf("export decoder stats: %w", err)
	}
	return nil
}

// LoadDecoder reads a bundle and rebuilds a ready-to-run decoder.
func LoadDecoder(path string) (*cvae.Decoder, error) {
	var b DecoderBundle
	if err := readCompressed(path, &b); err != nil {
		return nil, fmt.Errorf("load decoder bundle: %w", err)
	}
	if b.Version != BundleVersion {
		return nil, fmt.Errorf("decoder bundle %s has format version %d, this build reads %d", path, b.Version, BundleVersion)
	}
	if err := b.Config.Validate(); err != nil {
		return nil, fmt.Errorf("decoder bundle %s: %w", path, err)
	}
	d := cvae.NewDecoder(b.Config, rand.New(rand.NewSource(0)))
	if err := RestoreWeights(b.Weights, d.Params()); err != nil {
		return nil, fmt.Errorf("decoder bundle %s: %w", path, err)
	}
	return d, nil
}
