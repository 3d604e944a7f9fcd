package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/wsdeploy/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory ledger.
const MemoryPath = ":memory:"

// SQLiteStore implements Ledger using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

var _ Ledger = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// Every connection to :memory: opens its own database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg, now: time.Now}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, path string) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) dsn() string {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
	}
	if s.cfg.Path != MemoryPath {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)", "_txlock=immediate")
	}
	return s.cfg.Path + "?" + strings.Join(pragmas, "&")
}

// Init opens the database connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *SQLiteStore) migrator() (*migrate.Migrate, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	m, err := s.migrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// SchemaVersion returns the applied migration version.
func (s *SQLiteStore) SchemaVersion() (uint, bool, error) {
	m, err := s.migrator()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// StartRun registers a new running run.
func (s *SQLiteStore) StartRun(ctx context.Context, runID, workspaceName string, startedAt time.Time) error {
	query := `
		INSERT INTO runs (id, workspace_name, status, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, query,
		runID,
		workspaceName,
		engine.RunStatusRunning,
		startedAt.UTC(),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// SetRunWorkspace stores the resolved workspace id of a run.
func (s *SQLiteStore) SetRunWorkspace(ctx context.Context, runID, workspaceID string) error {
	query := `UPDATE runs SET workspace_id = ?, updated_at = ? WHERE id = ?`

	result, err := s.db.ExecContext(ctx, query, workspaceID, s.now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to update run workspace: %w", err)
	}
	return expectRow(result, runID)
}

// FinishRun marks a run terminal. A terminal run cannot be finished twice.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status engine.RunStatus, runErr error) error {
	if !status.IsTerminal() {
		return fmt.Errorf("run status %s is not terminal", status)
	}

	var errMsg, errCode *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
		var ee *engine.EngineError
		if errors.As(runErr, &ee) && ee.Code != "" {
			code := ee.Code
			errCode = &code
		}
	}

	query := `
		UPDATE runs
		SET status = ?, error = ?, error_code = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`

	now := s.now().UTC()
	result, err := s.db.ExecContext(ctx, query, status, errMsg, errCode, now, now, runID, engine.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return expectRow(result, runID)
}

// AppendRecord appends one reported artifact to a run.
func (s *SQLiteStore) AppendRecord(ctx context.Context, runID string, record engine.DeploymentRecord) error {
	query := `
		INSERT INTO deployment_records (
			run_id, seq, artifact_type, artifact_name, location_id,
			artifact_id, action, body_digest, recorded_at
		) VALUES (
			?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM deployment_records WHERE run_id = ?),
			?, ?, ?, ?, ?, ?, ?
		)
	`

	recordedAt := record.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, query,
		runID,
		runID,
		record.ArtifactType,
		record.ArtifactName,
		record.LocationID,
		record.ArtifactID,
		record.Action,
		record.BodyDigest,
		recordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}

	return nil
}

// AppendTransition appends one reconciler state change to a run.
func (s *SQLiteStore) AppendTransition(ctx context.Context, runID string, transition engine.StateTransition) error {
	query := `
		INSERT INTO state_transitions (run_id, from_state, to_state, message, at)
		VALUES (?, ?, ?, ?, ?)
	`

	at := transition.At
	if at.IsZero() {
		at = s.now()
	}

	_, err := s.db.ExecContext(ctx, query, runID, transition.From, transition.To, transition.Message, at.UTC())
	if err != nil {
		return fmt.Errorf("failed to append transition: %w", err)
	}

	return nil
}

const runColumns = `id, workspace_name, workspace_id, status, started_at, completed_at, error, error_code, created_at, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.WorkspaceName,
		&run.WorkspaceID,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.ErrorCode,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError(fmt.Sprintf("run not found: %s", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE (? = '' OR workspace_name = ?)
		  AND (? = '' OR status = ?)
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?
	`

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query,
		filter.WorkspaceName, filter.WorkspaceName,
		string(filter.Status), string(filter.Status),
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// LastSuccessfulRun returns the most recent succeeded run of a workspace.
func (s *SQLiteStore) LastSuccessfulRun(ctx context.Context, workspaceName string) (*Run, error) {
	runs, err := s.ListRuns(ctx, RunFilter{
		WorkspaceName: workspaceName,
		Status:        engine.RunStatusSucceeded,
		Limit:         1,
	})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, engine.NewNotFoundError(fmt.Sprintf("no successful run for workspace %s", workspaceName), nil)
	}
	return runs[0], nil
}

// ListRecords returns the reported output of a run in report order.
func (s *SQLiteStore) ListRecords(ctx context.Context, runID string) ([]*Record, error) {
	query := `
		SELECT id, run_id, seq, artifact_type, artifact_name, location_id,
		       artifact_id, action, body_digest, recorded_at
		FROM deployment_records
		WHERE run_id = ?
		ORDER BY seq
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		r := &Record{}
		err := rows.Scan(
			&r.ID,
			&r.RunID,
			&r.Seq,
			&r.ArtifactType,
			&r.ArtifactName,
			&r.LocationID,
			&r.ArtifactID,
			&r.Action,
			&r.BodyDigest,
			&r.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}

// ListTransitions returns the state changes of a run in order.
func (s *SQLiteStore) ListTransitions(ctx context.Context, runID string) ([]*Transition, error) {
	query := `
		SELECT id, run_id, from_state, to_state, message, at
		FROM state_transitions
		WHERE run_id = ?
		ORDER BY id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	transitions := []*Transition{}
	for rows.Next() {
		tr := &Transition{}
		if err := rows.Scan(&tr.ID, &tr.RunID, &tr.From, &tr.To, &tr.Message, &tr.At); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		transitions = append(transitions, tr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}

	return transitions, nil
}

// DeleteRun deletes a run with its records and transitions.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	return expectRow(result, id)
}

// PruneRuns deletes terminal runs started before the cutoff.
func (s *SQLiteStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM runs WHERE started_at < ? AND status != ?`

	result, err := s.db.ExecContext(ctx, query, before.UTC(), engine.RunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	return result.RowsAffected()
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func expectRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError(fmt.Sprintf("run not found or already finished: %s", id), nil)
	}
	return nil
}
