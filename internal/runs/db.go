// Package runs persists training runs and their per-epoch history in
// SQLite, so finished and interrupted runs stay inspectable after the
// process exits.
package runs

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// DB wraps the run database handle.
type DB struct {
	*sql.DB
}

// NewDB opens the run database at path, creating it and the schema when
// missing. Epoch rows keep the scalar columns queries want plus the full
// metrics record as JSON.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS training_runs (
			run_id         TEXT PRIMARY KEY,
			status         TEXT NOT NULL,
			config         TEXT NOT NULL,
			dataset_path   TEXT,
			dataset_size   BIGINT,
			best_val_loss  DOUBLE,
			final_epoch    BIGINT,
			error          TEXT,
			started_at     TEXT NOT NULL,
			completed_at   TEXT
		);
		CREATE TABLE IF NOT EXISTS training_epochs (
			run_id         TEXT NOT NULL,
			epoch          BIGINT NOT NULL,
			train_loss     DOUBLE NOT NULL,
			val_loss       DOUBLE NOT NULL,
			metrics        TEXT NOT NULL,
			lr             DOUBLE NOT NULL,
			tf_ratio       DOUBLE NOT NULL,
			bad_batches    BIGINT NOT NULL,
			duration_ms    BIGINT NOT NULL,
			PRIMARY KEY (run_id, epoch)
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating run schema: %w", err)
	}
	return &DB{db}, nil
}
