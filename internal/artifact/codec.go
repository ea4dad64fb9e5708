// Package artifact reads and writes the on-disk model formats: full
// training checkpoints and the decoder-only bundles the inference engine
// loads. Both are msgpack records wrapped in DEFLATE. Loads validate format
// versions and tensor shapes up front and fail with descriptive errors; a
// bad artifact never yields a silently misconfigured model.
package artifact

import (
	"compress/flate"
	"fmt"
	"math"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/kestrel-data/skypath/internal/nn"
)

// Tensor is the serialized form of one parameter matrix.
type Tensor struct {
	Rows int       `msgpack:"rows"`
	Cols int       `msgpack:"cols"`
	Data []float64 `msgpack:"data"`
}

// SnapshotWeights copies parameters into serializable tensors, preserving
// order.
func SnapshotWeights(params []*nn.Param) []Tensor {
	ts := make([]Tensor, len(params))
	for i, p := range params {
		ts[i] = Tensor{
			Rows: p.Rows,
			Cols: p.Cols,
			Data: append([]float64(nil), p.Data...),
		}
	}
	return ts
}

// RestoreWeights copies tensors back into parameters. The tensor list must
// match the parameter list exactly; any mismatch means the artifact was
// built for a different architecture.
func RestoreWeights(ts []Tensor, params []*nn.Param) error {
	if len(ts) != len(params) {
		return fmt.Errorf("artifact has %d weight tensors, model needs %d", len(ts), len(params))
	}
	for i, p := range params {
		t := ts[i]
		if t.Rows != p.Rows || t.Cols != p.Cols {
			return fmt.Errorf("weight tensor %d is %dx%d, model needs %dx%d", i, t.Rows, t.Cols, p.Rows, p.Cols)
		}
		if len(t.Data) != p.Size() {
			return fmt.Errorf("weight tensor %d has %d values, want %d", i, len(t.Data), p.Size())
		}
		for j, v := range t.Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("weight tensor %d has a non-finite value at %d", i, j)
			}
		}
		copy(p.Data, t.Data)
	}
	return nil
}

func writeCompressed(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	fw, err := flate.NewWriter(f, flate.BestSpeed)
	if err != nil {
		f.Close()
		return err
	}
	if err := msgpack.NewEncoder(fw).Encode(v); err != nil {
		fw.Close()
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := fw.Close(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func readCompressed(path string, v any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fr := flate.NewReader(f)
	defer fr.Close()
	if err := msgpack.NewDecoder(fr).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
