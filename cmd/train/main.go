// Training CLI: loads a trajectory dataset, trains the CVAE, keeps the
// best checkpoint, optionally persists the run to SQLite and renders loss
// curves.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/kestrel-data/skypath/internal/runs"
	"github.com/kestrel-data/skypath/internal/traj"
	"github.com/kestrel-data/skypath/internal/train"
	"github.com/kestrel-data/skypath/internal/version"
	"github.com/kestrel-data/skypath/internal/viz"
)

var (
	dataPath    = flag.String("data", "", "Training dataset JSON (required)")
	configPath  = flag.String("config", "", "Training config JSON; defaults apply when omitted")
	checkpoints = flag.String("checkpoints", "checkpoints", "Checkpoint directory")
	dbPath      = flag.String("db", "", "SQLite run database; empty disables run persistence")
	plotsDir    = flag.String("plots", "", "Loss curve output directory; empty disables plots")
	epochs      = flag.Int("epochs", 0, "Override the config epoch count")
	seed        = flag.Int64("seed", 0, "Override the config seed")
	resume      = flag.String("resume", "", "Checkpoint to resume from")
)

func main() {
	flag.Parse()
	log.Printf("[train] skypath %s", version.String())
	if *dataPath == "" {
		log.Fatalf("[train] -data is required")
	}

	cfg := train.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = train.LoadConfig(*configPath); err != nil {
			log.Fatalf("[train] %v", err)
		}
	}
	cfg.CheckpointDir = *checkpoints
	if *epochs > 0 {
		cfg.Epochs = *epochs
	}
	if *seed != 0 {
		cfg.Seed = *seed
	}

	ds, err := traj.LoadDataset(*dataPath)
	if err != nil {
		log.Fatalf("[train] load dataset: %v", err)
	}
	if cfg.Model.SeqLen != ds.SeqLen {
		log.Printf("[train] seq_len=%d adopted_from_dataset config_had=%d", ds.SeqLen, cfg.Model.SeqLen)
		cfg.Model.SeqLen = ds.SeqLen
	}
	log.Printf("[train] dataset=%s trajectories=%d seq_len=%d", *dataPath, ds.Len(), ds.SeqLen)

	var trainer *train.Trainer
	if *resume != "" {
		trainer, err = train.Resume(cfg, ds, *resume)
	} else {
		trainer, err = train.New(cfg, ds)
	}
	if err != nil {
		log.Fatalf("[train] %v", err)
	}

	var store *runs.RunStore
	runID := ""
	if *dbPath != "" {
		db, err := runs.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("[train] open run db: %v", err)
		}
		defer db.Close()
		store = runs.NewRunStore(db.DB)

		cfgJSON, err := json.Marshal(cfg)
		if err != nil {
			log.Fatalf("[train] encode config: %v", err)
		}
		if runID, err = store.CreateRun(cfgJSON, *dataPath, ds.Len()); err != nil {
			log.Fatalf("[train] create run: %v", err)
		}
		log.Printf("[train] run_id=%s db=%s", runID, *dbPath)
		trainer.OnEpoch = func(m train.EpochMetrics) error {
			return store.RecordEpoch(runID, m)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := trainer.Train(ctx)
	if err != nil {
		if store != nil {
			if ferr := store.FailRun(runID, err); ferr != nil {
				log.Printf("[train] warn=run_not_finalized err=%v", ferr)
			}
		}
		log.Fatalf("[train] %v", err)
	}

	if store != nil {
		if res.Stopped {
			err = store.MarkStopped(runID, res.BestValLoss, res.FinalEpoch)
		} else {
			err = store.CompleteRun(runID, res.BestValLoss, res.FinalEpoch)
		}
		if err != nil {
			log.Printf("[train] warn=run_not_finalized err=%v", err)
		}
	}

	if *plotsDir != "" && len(res.History) > 0 {
		if err := viz.RenderLossCurves(res.History, *plotsDir); err != nil {
			log.Printf("[train] warn=plots_failed err=%v", err)
		} else {
			log.Printf("[train] plots=%s", *plotsDir)
		}
	}

	status := "completed"
	if res.Stopped {
		status = "stopped"
	}
	log.Printf("[train] %s epochs=%d best_val=%.6f best=%s", status, len(res.History), res.BestValLoss, res.BestPath)
}
