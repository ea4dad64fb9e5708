// Export CLI: strips a training checkpoint down to the decoder-only
// inference bundle plus its normalization sidecar.
package main

import (
	"flag"
	"log"

	"github.com/kestrel-data/skypath/internal/artifact"
	"github.com/kestrel-data/skypath/internal/version"
)

var (
	checkpointPath = flag.String("checkpoint", "", "Training checkpoint to export (required)")
	outPath        = flag.String("out", "decoder.msgpack", "Decoder bundle output path")
)

func main() {
	flag.Parse()
	log.Printf("[export] skypath %s", version.String())
	if *checkpointPath == "" {
		log.Fatalf("[export] -checkpoint is required")
	}

	ckpt, err := artifact.LoadCheckpoint(*checkpointPath)
	if err != nil {
		log.Fatalf("[export] %v", err)
	}
	log.Printf("[export] checkpoint=%s epoch=%d val_loss=%.6f latent=%d hidden=%d layers=%d seq_len=%d",
		*checkpointPath, ckpt.Epoch, ckpt.ValLoss.Total,
		ckpt.Config.LatentDim, ckpt.Config.HiddenDim, ckpt.Config.NumLayers, ckpt.Config.SeqLen)

	if err := artifact.ExportDecoder(ckpt, *outPath); err != nil {
		log.Fatalf("[export] %v", err)
	}
	log.Printf("[export] bundle=%s stats=%s", *outPath, artifact.StatsPath(*outPath))
}
