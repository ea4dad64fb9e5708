package runs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kestrel-data/skypath/internal/train"
)

// Run statuses, in lifecycle order. A run is created running and finalized
// exactly once.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusStopped   = "stopped"
	StatusFailed    = "failed"
)

// Run is one training invocation.
type Run struct {
	RunID       string          `json:"run_id"`
	Status      string          `json:"status"`
	Config      json.RawMessage `json:"config"`
	DatasetPath string          `json:"dataset_path,omitempty"`
	DatasetSize int             `json:"dataset_size"`
	BestValLoss *float64        `json:"best_val_loss,omitempty"`
	FinalEpoch  *int            `json:"final_epoch,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// RunStore provides persistence for training runs.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a new RunStore.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// CreateRun inserts a new running run and returns its generated ID. config
// is the trainer's JSON configuration snapshot.
func (s *RunStore) CreateRun(config json.RawMessage, datasetPath string, datasetSize int) (string, error) {
	id := uuid.New().String()
	err := retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO training_runs (run_id, status, config, dataset_path, dataset_size, started_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, StatusRunning, string(config), datasetPath, datasetSize,
			time.Now().UTC().Format(time.RFC3339),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("inserting run: %w", err)
	}
	return id, nil
}

// RecordEpoch appends one epoch row for a run.
func (s *RunStore) RecordEpoch(runID string, m train.EpochMetrics) error {
	metrics, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding epoch metrics: %w", err)
	}
	err = retryOnBusy(func() error {
		_, err := s.db.Exec(`
			INSERT INTO training_epochs (
				run_id, epoch, train_loss, val_loss, metrics,
				lr, tf_ratio, bad_batches, duration_ms
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, m.Epoch, m.Train.Total, m.Val.Total, string(metrics),
			m.LR, m.TFRatio, m.BadBatches, m.Duration.Milliseconds(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("inserting epoch %d for run %s: %w", m.Epoch, runID, err)
	}
	return nil
}

// CompleteRun finalizes a run that reached its natural end.
func (s *RunStore) CompleteRun(runID string, bestValLoss float64, finalEpoch int) error {
	return s.finish(runID, StatusCompleted, bestValLoss, finalEpoch, "")
}

// MarkStopped finalizes a run interrupted by the operator. The recorded
// numbers cover the epochs that completed before the stop.
func (s *RunStore) MarkStopped(runID string, bestValLoss float64, finalEpoch int) error {
	return s.finish(runID, StatusStopped, bestValLoss, finalEpoch, "")
}

// FailRun finalizes a run killed by an error.
func (s *RunStore) FailRun(runID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return s.finish(runID, StatusFailed, math.Inf(1), -1, msg)
}

// finish stamps the terminal status. An infinite best loss or negative
// final epoch means no epoch ever finished and is stored as NULL.
func (s *RunStore) finish(runID, status string, bestValLoss float64, finalEpoch int, errMsg string) error {
	var bv, fe, msg interface{}
	if !math.IsInf(bestValLoss, 0) && !math.IsNaN(bestValLoss) {
		bv = bestValLoss
	}
	if finalEpoch >= 0 {
		fe = finalEpoch
	}
	if errMsg != "" {
		msg = errMsg
	}
	var res sql.Result
	err := retryOnBusy(func() error {
		var err error
		res, err = s.db.Exec(`
			UPDATE training_runs
			SET status = ?, best_val_loss = ?, final_epoch = ?, error = ?, completed_at = ?
			WHERE run_id = ?`,
			status, bv, fe, msg, time.Now().UTC().Format(time.RFC3339), runID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("finalizing run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// GetRun fetches one run, or nil when the ID is unknown.
func (s *RunStore) GetRun(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, status, config, dataset_path, dataset_size,
		       best_val_loss, final_epoch, error, started_at, completed_at
		FROM training_runs
		WHERE run_id = ?`, runID)
	r, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying run %s: %w", runID, err)
	}
	return r, nil
}

// ListRuns returns runs newest first. limit <= 0 returns all of them.
func (s *RunStore) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`
		SELECT run_id, status, config, dataset_path, dataset_size,
		       best_val_loss, final_epoch, error, started_at, completed_at
		FROM training_runs
		ORDER BY started_at DESC, run_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EpochHistory returns a run's epoch metrics in epoch order, rebuilt from
// the stored JSON records.
func (s *RunStore) EpochHistory(runID string) ([]train.EpochMetrics, error) {
	rows, err := s.db.Query(`
		SELECT metrics FROM training_epochs
		WHERE run_id = ?
		ORDER BY epoch`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying epochs for run %s: %w", runID, err)
	}
	defer rows.Close()

	var out []train.EpochMetrics
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var m train.EpochMetrics
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decoding epoch metrics for run %s: %w", runID, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanRun(scan func(...any) error) (*Run, error) {
	var (
		r           Run
		config      string
		datasetPath sql.NullString
		datasetSize sql.NullInt64
		bestVal     sql.NullFloat64
		finalEpoch  sql.NullInt64
		errMsg      sql.NullString
		startedAt   string
		completedAt sql.NullString
	)
	err := scan(&r.RunID, &r.Status, &config, &datasetPath, &datasetSize,
		&bestVal, &finalEpoch, &errMsg, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	r.Config = json.RawMessage(config)
	r.DatasetPath = datasetPath.String
	r.DatasetSize = int(datasetSize.Int64)
	if bestVal.Valid {
		v := bestVal.Float64
		r.BestValLoss = &v
	}
	if finalEpoch.Valid {
		v := int(finalEpoch.Int64)
		r.FinalEpoch = &v
	}
	r.Error = errMsg.String
	if r.StartedAt, err = time.Parse(time.RFC3339, startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at for run %s: %w", r.RunID, err)
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing completed_at for run %s: %w", r.RunID, err)
		}
		r.CompletedAt = &t
	}
	return &r, nil
}

// retryOnBusy retries short writes that lose the SQLite write lock to a
// concurrent connection.
func retryOnBusy(fn func() error) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		if err = fn(); err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return err
}

func isBusy(err error) bool {
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}
