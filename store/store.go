// Package store persists evaluator output and training losses in SQLite.
package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Noofbiz/framecast/evaluator"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the metrics database of one experiment.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies pending
// migrations. A nil logger uses slog.Default().
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// pragmas are per connection
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	s := &Store{db: db, logger: logger}
	if err := s.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// m is not closed: that would close the shared *sql.DB
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// Version returns the applied schema version.
func (s *Store) Version() (uint, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, err
	}
	v, dirty, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("migration version: %w", err)
	}
	if dirty {
		return v, fmt.Errorf("schema version %d is dirty", v)
	}
	return v, nil
}

func (s *Store) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logger: s.logger}
	return m, nil
}

// migrateLogger implements migrate.Logger on top of slog.
type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf("[migrate] "+format, v...))
}

func (l *migrateLogger) Verbose() bool { return false }

// Run kinds.
const (
	KindTrain = "train"
	KindTest  = "test"
)

// Run is one training or test run of an experiment.
type Run struct {
	RunID      string          `json:"run_id"`
	Kind       string          `json:"kind"`
	Experiment string          `json:"experiment"`
	Model      string          `json:"model"`
	ParamsJSON json.RawMessage `json:"params_json,omitempty"`
	CreatedAt  int64           `json:"created_at"`
}

// CreateRun persists run. If RunID is empty, a UUID is generated.
func (s *Store) CreateRun(run *Run) error {
	if run.RunID == "" {
		run.RunID = uuid.New().String()
	}
	if run.CreatedAt == 0 {
		run.CreatedAt = time.Now().UnixNano()
	}
	var params interface{}
	if len(run.ParamsJSON) > 0 {
		params = string(run.ParamsJSON)
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (run_id, kind, experiment, model, params_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Kind, run.Experiment, run.Model, params, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Run returns a single run by ID.
func (s *Store) Run(runID string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT run_id, kind, experiment, model, params_json, created_at
		FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return r, err
}

// Runs returns the runs of experiment of the given kind ("" for all), oldest
// first.
func (s *Store) Runs(experiment, kind string) ([]*Run, error) {
	rows, err := s.db.Query(`
		SELECT run_id, kind, experiment, model, params_json, created_at
		FROM runs
		WHERE experiment = ? AND (? = '' OR kind = ?)
		ORDER BY created_at, run_id`, experiment, kind, kind)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc scanner) (*Run, error) {
	var r Run
	var params sql.NullString
	if err := sc.Scan(&r.RunID, &r.Kind, &r.Experiment, &r.Model, &params, &r.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if params.Valid {
		r.ParamsJSON = json.RawMessage(params.String)
	}
	return &r, nil
}

// InsertRecords appends records to runID in one transaction. Records keep
// their order across calls. Non-finite values are rejected before anything
// is written.
func (s *Store) InsertRecords(runID string, records []evaluator.Record) error {
	for i, r := range records {
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			return fmt.Errorf("record %d (%s, offset %d): %w", i, r.Label, r.FrameOffset, evaluator.ErrNonFinite)
		}
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRow(`SELECT COALESCE(MAX(seq) + 1, 0) FROM metric_records WHERE run_id = ?`, runID).Scan(&next); err != nil {
		return fmt.Errorf("next record seq: %w", err)
	}
	stmt, err := tx.Prepare(`
		INSERT INTO metric_records (run_id, seq, frame_offset, label, value)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert record: %w", err)
	}
	defer stmt.Close()
	for i, r := range records {
		if _, err := stmt.Exec(runID, next+int64(i), r.FrameOffset, r.Label, r.Value); err != nil {
			return fmt.Errorf("insert record %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit records: %w", err)
	}
	return nil
}

// Records returns the records of runID in insertion order.
func (s *Store) Records(runID string) ([]evaluator.Record, error) {
	rows, err := s.db.Query(`
		SELECT frame_offset, label, value
		FROM metric_records
		WHERE run_id = ?
		ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []evaluator.Record
	for rows.Next() {
		var r evaluator.Record
		if err := rows.Scan(&r.FrameOffset, &r.Label, &r.Value); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EpochLoss is the summary of one training epoch. Losses that are NaN or
// infinite are stored as NULL and read back as NaN. PreviewRMSE is the RMSE
// of the validation preview, NaN when the epoch had none.
type EpochLoss struct {
	Epoch          int
	TrainLoss      float64
	ValidationLoss float64
	LearningRate   float64
	Elapsed        time.Duration
	PreviewRMSE    float64
}

// RecordEpoch stores e for runID, replacing an earlier entry for the same
// epoch.
func (s *Store) RecordEpoch(runID string, e EpochLoss) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO epoch_losses (run_id, epoch, train_loss, validation_loss, learning_rate, elapsed_ms, preview_rmse)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, e.Epoch, finiteOrNull(e.TrainLoss), finiteOrNull(e.ValidationLoss), e.LearningRate,
		e.Elapsed.Milliseconds(), finiteOrNull(e.PreviewRMSE))
	if err != nil {
		return fmt.Errorf("insert epoch loss: %w", err)
	}
	return nil
}

// Epochs returns the epoch losses of runID ordered by epoch.
func (s *Store) Epochs(runID string) ([]EpochLoss, error) {
	rows, err := s.db.Query(`
		SELECT epoch, train_loss, validation_loss, learning_rate, elapsed_ms, preview_rmse
		FROM epoch_losses
		WHERE run_id = ?
		ORDER BY epoch`, runID)
	if err != nil {
		return nil, fmt.Errorf("query epoch losses: %w", err)
	}
	defer rows.Close()

	var out []EpochLoss
	for rows.Next() {
		var e EpochLoss
		var train, val, preview sql.NullFloat64
		var ms int64
		if err := rows.Scan(&e.Epoch, &train, &val, &e.LearningRate, &ms, &preview); err != nil {
			return nil, fmt.Errorf("scan epoch loss: %w", err)
		}
		e.TrainLoss = floatOrNaN(train)
		e.ValidationLoss = floatOrNaN(val)
		e.PreviewRMSE = floatOrNaN(preview)
		e.Elapsed = time.Duration(ms) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

func finiteOrNull(v float64) interface{} {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func floatOrNaN(v sql.NullFloat64) float64 {
	if !v.Valid {
		return math.NaN()
	}
	return v.Float64
}
