// Package ledger records projection and training runs in SQLite so their
// summaries, validation scores and failures can be traced afterwards.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"load_projection/internal/model"
)

// Run kinds.
const (
	KindTrain   = "train"
	KindProject = "project"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusOK        = "ok"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	kind        TEXT NOT NULL,
	status      TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	note        TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS summaries (
	run_id              TEXT NOT NULL REFERENCES runs(id),
	state               TEXT NOT NULL,
	year                INTEGER NOT NULL,
	scenario            TEXT NOT NULL,
	raw_annual_total    REAL NOT NULL,
	target_annual_total REAL NOT NULL,
	scale_factor        REAL NOT NULL,
	PRIMARY KEY (run_id, state, year, scenario)
);
CREATE TABLE IF NOT EXISTS validations (
	run_id        TEXT NOT NULL REFERENCES runs(id),
	region        TEXT NOT NULL,
	n             INTEGER NOT NULL,
	mean_observed REAL NOT NULL,
	rmse          REAL NOT NULL,
	nrmse         REAL NOT NULL,
	mape          REAL NOT NULL,
	mape_excluded INTEGER NOT NULL,
	r2            REAL NOT NULL,
	PRIMARY KEY (run_id, region)
);
CREATE TABLE IF NOT EXISTS failures (
	run_id TEXT NOT NULL REFERENCES runs(id),
	unit   TEXT NOT NULL,
	entity TEXT NOT NULL,
	stage  TEXT NOT NULL,
	error  TEXT NOT NULL
);
`

// Ledger is a SQLite-backed run log. It is safe for concurrent use.
type Ledger struct {
	db *sql.DB
}

// Run is one recorded invocation.
type Run struct {
	ID         uuid.UUID
	Kind       string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	Note       string
}

// FailureRow is a stored failure. Unit names the (year, scenario) unit of a
// projection run and is empty for training runs.
type FailureRow struct {
	Unit   string
	Entity string
	Stage  model.Stage
	Error  string
}

// Open opens or creates the ledger database at path.
func Open(ctx context.Context, path string) (*Ledger, error) {
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// StartRun records a new running run of kind.
func (l *Ledger) StartRun(ctx context.Context, id uuid.UUID, kind, note string) (*Run, error) {
	run := &Run{
		ID:        id,
		Kind:      kind,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
		Note:      note,
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (id, kind, status, started_at, note) VALUES (?, ?, ?, ?, ?)`,
		run.ID.String(), run.Kind, run.Status, formatTime(run.StartedAt), run.Note,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start run: %w", err)
	}
	return run, nil
}

// FinishRun sets the final status of a run.
func (l *Ledger) FinishRun(ctx context.Context, id uuid.UUID, status string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, formatTime(time.Now()), id.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: run %s", model.ErrNotFound, id)
	}
	return nil
}

// GetRun retrieves a run
func (l *Ledger) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	var run Run
	var rawID, started string
	var finished sql.NullString
	err := l.db.QueryRowContext(ctx,
		`SELECT id, kind, status, started_at, finished_at, note FROM runs WHERE id = ?`,
		id.String(),
	).Scan(&rawID, &run.Kind, &run.Status, &started, &finished, &run.Note)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if run.ID, err = uuid.Parse(rawID); err != nil {
		return nil, fmt.Errorf("corrupt run id %q: %w", rawID, err)
	}
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return nil, fmt.Errorf("corrupt start time %q: %w", started, err)
	}
	if finished.Valid {
		if run.FinishedAt, err = time.Parse(time.RFC3339Nano, finished.String); err != nil {
			return nil, fmt.Errorf("corrupt finish time %q: %w", finished.String, err)
		}
	}
	return &run, nil
}

// inTx runs fn inside a transaction, committing only if fn succeeds.
func (l *Ledger) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// RecordSummaries stores the summary rows of a projection run.
func (l *Ledger) RecordSummaries(ctx context.Context, runID uuid.UUID, rows []model.SummaryRow) error {
	return l.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO summaries (run_id, state, year, scenario, raw_annual_total, target_annual_total, scale_factor)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare summary insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range rows {
			if _, err := stmt.ExecContext(ctx, runID.String(), string(r.State), r.Year, r.Scenario,
				r.RawTotal, r.TargetTotal, r.ScaleFactor); err != nil {
				return fmt.Errorf("failed to record summary %s/%d/%s: %w", r.State, r.Year, r.Scenario, err)
			}
		}
		return nil
	})
}

// RecordValidations stores the validation statistics of a training run.
func (l *Ledger) RecordValidations(ctx context.Context, runID uuid.UUID, recs []model.ValidationRecord) error {
	return l.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO validations (run_id, region, n, mean_observed, rmse, nrmse, mape, mape_excluded, r2)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare validation insert: %w", err)
		}
		defer stmt.Close()

		for _, v := range recs {
			if _, err := stmt.ExecContext(ctx, runID.String(), string(v.Region), v.N, v.MeanObserved,
				v.RMSE, v.NRMSE, v.MAPE, v.MAPEExcluded, v.R2); err != nil {
				return fmt.Errorf("failed to record validation %s: %w", v.Region, err)
			}
		}
		return nil
	})
}

// RecordFailures stores per-entity failures of a run.
func (l *Ledger) RecordFailures(ctx context.Context, runID uuid.UUID, unit string, fs []model.Failure) error {
	if len(fs) == 0 {
		return nil
	}
	return l.inTx(ctx, func(tx *sql.Tx) error {
		for _, f := range fs {
			msg := ""
			if f.Err != nil {
				msg = f.Err.Error()
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO failures (run_id, unit, entity, stage, error) VALUES (?, ?, ?, ?, ?)`,
				runID.String(), unit, f.Entity, string(f.Stage), msg); err != nil {
				return fmt.Errorf("failed to record failure %s: %w", f.Entity, err)
			}
		}
		return nil
	})
}

// Summaries returns the summary rows of a run ordered by year, scenario and state.
func (l *Ledger) Summaries(ctx context.Context, runID uuid.UUID) ([]model.SummaryRow, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT state, year, scenario, raw_annual_total, target_annual_total, scale_factor
		 FROM summaries WHERE run_id = ? ORDER BY year, scenario, state`,
		runID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	var out []model.SummaryRow
	for rows.Next() {
		var r model.SummaryRow
		var state string
		if err := rows.Scan(&state, &r.Year, &r.Scenario, &r.RawTotal, &r.TargetTotal, &r.ScaleFactor); err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		r.State = model.StateID(state)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Validations returns the validation records of a run ordered by region.
func (l *Ledger) Validations(ctx context.Context, runID uuid.UUID) ([]model.ValidationRecord, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT region, n, mean_observed, rmse, nrmse, mape, mape_excluded, r2
		 FROM validations WHERE run_id = ? ORDER BY region`,
		runID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query validations: %w", err)
	}
	defer rows.Close()

	var out []model.ValidationRecord
	for rows.Next() {
		var v model.ValidationRecord
		var region string
		if err := rows.Scan(&region, &v.N, &v.MeanObserved, &v.RMSE, &v.NRMSE, &v.MAPE, &v.MAPEExcluded, &v.R2); err != nil {
			return nil, fmt.Errorf("failed to scan validation: %w", err)
		}
		v.Region = model.RegionID(region)
		out = append(out, v)
	}
	return out, rows.Err()
}

// Failures returns the failures of a run in insertion order.
func (l *Ledger) Failures(ctx context.Context, runID uuid.UUID) ([]FailureRow, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT unit, entity, stage, error FROM failures WHERE run_id = ? ORDER BY rowid`,
		runID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	defer rows.Close()

	var out []FailureRow
	for rows.Next() {
		var f FailureRow
		var stage string
		if err := rows.Scan(&f.Unit, &f.Entity, &stage, &f.Error); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		f.Stage = model.Stage(stage)
		out = append(out, f)
	}
	return out, rows.Err()
}
