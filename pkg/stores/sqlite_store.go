package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog/log"

	"github.com/trueup-io/trueup/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// metadata key carrying the enforced-state format version.
const versionKey = "version"

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	upgrade bool

	maxOpenConns    int
	maxIdleConns    int
	connMaxLifetime time.Duration
}

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file; ":memory:" opens a private in-memory
	// database.
	Path string

	// Upgrade permits opening a store stamped with an older format
	// version; after migrations run the store is re-stamped with
	// StoreVersion.
	Upgrade bool

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		path:            cfg.Path,
		upgrade:         cfg.Upgrade,
		maxOpenConns:    cfg.MaxOpenConns,
		maxIdleConns:    cfg.MaxIdleConns,
		connMaxLifetime: cfg.ConnMaxLifetime,
	}, nil
}

// Init opens the database connection, configures the pool and enables WAL
// mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.maxOpenConns)
	db.SetMaxIdleConns(s.maxIdleConns)
	db.SetConnMaxLifetime(s.connMaxLifetime)

	// Every connection to an in-memory database is a fresh empty
	// database, so the pool must stay on a single connection.
	if s.path == ":memory:" || strings.Contains(s.path, "mode=memory") {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate brings the schema up to date and verifies the enforced-state
// format version.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return s.ensureVersion(ctx)
}

// ensureVersion stamps a fresh store with StoreVersion and rejects stores
// written by an incompatible build.
func (s *SQLiteStore) ensureVersion(ctx context.Context) error {
	stored, err := s.getMeta(ctx, versionKey)
	if err != nil {
		return err
	}
	if stored == "" {
		return s.setMeta(ctx, versionKey, StoreVersion)
	}

	have, err := parseVersion(stored)
	if err != nil {
		return engine.NewPermanentError(
			fmt.Sprintf("state store version %q is not recognized", stored), err).
			WithCode(engine.ErrCodeStoreVersion)
	}
	want, err := parseVersion(StoreVersion)
	if err != nil {
		return err
	}

	switch {
	case compareVersions(have, want) > 0:
		return engine.NewPermanentError(
			fmt.Sprintf("state store version %s is not supported by this build of trueup (supports %s), update trueup", stored, StoreVersion), nil).
			WithCode(engine.ErrCodeStoreVersion)
	case compareVersions(have, want) < 0:
		if !s.upgrade {
			return engine.NewPermanentError(
				fmt.Sprintf("state store is out of date: found version %s but version %s is required, re-run with --upgrade-esm", stored, StoreVersion), nil).
				WithCode(engine.ErrCodeStoreVersion)
		}
		log.Info().Str("from", stored).Str("to", StoreVersion).Msg("upgrading state store version")
		return s.setMeta(ctx, versionKey, StoreVersion)
	}
	return nil
}

func (s *SQLiteStore) getMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read metadata %q: %w", key, err)
	}
	return value, nil
}

func (s *SQLiteStore) setMeta(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to write metadata %q: %w", key, err)
	}
	return nil
}

// parseVersion splits a major.minor.patch string into its components.
func parseVersion(v string) ([3]int, error) {
	var out [3]int
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return out, fmt.Errorf("malformed version %q", v)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return out, fmt.Errorf("malformed version %q: %w", v, err)
		}
		out[i] = n
	}
	return out, nil
}

func compareVersions(a, b [3]int) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// GetState returns the enforced state recorded under tag, or nil when no
// state is recorded.
func (s *SQLiteStore) GetState(ctx context.Context, tag string) (map[string]interface{}, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, "SELECT state FROM enforced_state WHERE tag = ?", tag).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}

	var state map[string]interface{}
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return nil, fmt.Errorf("failed to decode state for %q: %w", tag, err)
	}
	return state, nil
}

// SetState records state under tag, replacing any previous entry.
func (s *SQLiteStore) SetState(ctx context.Context, tag string, state map[string]interface{}) error {
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state for %q: %w", tag, err)
	}

	query := `
		INSERT INTO enforced_state (tag, state) VALUES (?, ?)
		ON CONFLICT(tag) DO UPDATE SET
			state = excluded.state,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.ExecContext(ctx, query, tag, string(blob)); err != nil {
		return fmt.Errorf("failed to set state: %w", err)
	}
	return nil
}

// DeleteState removes the entry recorded under tag, if present.
func (s *SQLiteStore) DeleteState(ctx context.Context, tag string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM enforced_state WHERE tag = ?", tag); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}

// ListStates returns every recorded state keyed by tag.
func (s *SQLiteStore) ListStates(ctx context.Context) (map[string]map[string]interface{}, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT tag, state FROM enforced_state")
	if err != nil {
		return nil, fmt.Errorf("failed to list states: %w", err)
	}
	defer rows.Close()

	states := map[string]map[string]interface{}{}
	for rows.Next() {
		var tag, blob string
		if err := rows.Scan(&tag, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}
		var state map[string]interface{}
		if err := json.Unmarshal([]byte(blob), &state); err != nil {
			return nil, fmt.Errorf("failed to decode state for %q: %w", tag, err)
		}
		states[tag] = state
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating states: %w", err)
	}
	return states, nil
}

// SaveRun inserts a run record or replaces the stored record with the
// same ID.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *RunRecord) error {
	query := `
		INSERT INTO runs (id, name, runtime, status, test, re_runs, error, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			re_runs = excluded.re_runs,
			error = excluded.error,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Name,
		run.Runtime,
		string(run.Status),
		run.Test,
		run.ReRuns,
		run.Error,
		run.StartedAt,
		run.CompletedAt,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// GetRun retrieves a run record by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := `
		SELECT id, name, runtime, status, test, re_runs, error, started_at, completed_at, created_at, updated_at
		FROM runs
		WHERE id = ?
	`

	run := &RunRecord{}
	var status string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.Name,
		&run.Runtime,
		&status,
		&run.Test,
		&run.ReRuns,
		&run.Error,
		&run.StartedAt,
		&run.CompletedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	run.Status = engine.RunStatus(status)
	return run, nil
}

// ListRuns lists run records newest first, filtered by run name when name
// is non-empty.
func (s *SQLiteStore) ListRuns(ctx context.Context, name string, limit, offset int) ([]*RunRecord, error) {
	query := `
		SELECT id, name, runtime, status, test, re_runs, error, started_at, completed_at, created_at, updated_at
		FROM runs
		WHERE (? = '' OR name = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, name, name, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run := &RunRecord{}
		var status string
		err := rows.Scan(
			&run.ID,
			&run.Name,
			&run.Runtime,
			&status,
			&run.Test,
			&run.ReRuns,
			&run.Error,
			&run.StartedAt,
			&run.CompletedAt,
			&run.CreatedAt,
			&run.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run.Status = engine.RunStatus(status)
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// SaveResult appends a result record for a run.
func (s *SQLiteStore) SaveResult(ctx context.Context, rec *ResultRecord) error {
	query := `
		INSERT INTO results (run_id, tag, name, run_num, succeeded, comment, changes, old_state, new_state, start_time, total_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		rec.RunID,
		rec.Tag,
		rec.Name,
		rec.RunNum,
		rec.Succeeded,
		rec.Comment,
		rec.Changes,
		rec.OldState,
		rec.NewState,
		rec.StartTime,
		rec.TotalSeconds,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get result ID: %w", err)
	}
	rec.ID = id
	return nil
}

// ListResults lists the result records of a run in insertion order.
func (s *SQLiteStore) ListResults(ctx context.Context, runID string) ([]*ResultRecord, error) {
	query := `
		SELECT id, run_id, tag, name, run_num, succeeded, comment, changes, old_state, new_state, start_time, total_seconds, created_at
		FROM results
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	records := []*ResultRecord{}
	for rows.Next() {
		rec := &ResultRecord{}
		err := rows.Scan(
			&rec.ID,
			&rec.RunID,
			&rec.Tag,
			&rec.Name,
			&rec.RunNum,
			&rec.Succeeded,
			&rec.Comment,
			&rec.Changes,
			&rec.OldState,
			&rec.NewState,
			&rec.StartTime,
			&rec.TotalSeconds,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating results: %w", err)
	}
	return records, nil
}

// AppendEvent appends an event to the log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev *EventRecord) error {
	query := `
		INSERT INTO events (run_id, profile, type, ref, tag, body, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		ev.RunID,
		ev.Profile,
		ev.Type,
		ev.Ref,
		ev.Tag,
		ev.Body,
		ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}
	ev.ID = id
	return nil
}

// ListEvents lists events oldest first, filtered by run ID when runID is
// non-empty.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, limit, offset int) ([]*EventRecord, error) {
	query := `
		SELECT id, run_id, profile, type, ref, tag, body, timestamp
		FROM events
		WHERE (? = '' OR run_id = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		ev := &EventRecord{}
		err := rows.Scan(
			&ev.ID,
			&ev.RunID,
			&ev.Profile,
			&ev.Type,
			&ev.Ref,
			&ev.Tag,
			&ev.Body,
			&ev.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// AcquireLock claims the run lock for runName on behalf of pid. A live
// holder blocks the claim; a holder whose process is gone is replaced.
func (s *SQLiteStore) AcquireLock(ctx context.Context, runName string, pid int) error {
	holder, err := s.lockHolder(ctx, runName)
	if err != nil {
		return err
	}
	if holder != 0 {
		return engine.NewPermanentError(
			fmt.Sprintf("run %q is already active in process: %d", runName, holder), nil).
			WithCode(engine.ErrCodeStoreLocked)
	}

	query := `
		INSERT INTO locks (run_name, pid, acquired_at) VALUES (?, ?, ?)
		ON CONFLICT(run_name) DO UPDATE SET
			pid = excluded.pid,
			acquired_at = excluded.acquired_at
	`
	if _, err := s.db.ExecContext(ctx, query, runName, pid, time.Now()); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	return nil
}

// lockHolder returns the pid of the live lock holder for runName, or zero
// when the lock is free or stale.
func (s *SQLiteStore) lockHolder(ctx context.Context, runName string) (int, error) {
	var pid int
	err := s.db.QueryRowContext(ctx, "SELECT pid FROM locks WHERE run_name = ?", runName).Scan(&pid)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read lock: %w", err)
	}

	if pid <= 0 {
		log.Warn().Str("run_name", runName).Int("pid", pid).Msg("ignoring invalid lock holder")
		return 0, nil
	}
	if !pidAlive(pid) {
		log.Debug().Str("run_name", runName).Int("pid", pid).Msg("replacing stale lock holder")
		return 0, nil
	}
	return pid, nil
}

// ReleaseLock drops the run lock for runName. Releasing a lock that is
// not held is not an error.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, runName string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM locks WHERE run_name = ?", runName); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
