package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var _ Store = (*SQLiteStore)(nil)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

var errNotInitialized = errors.New("store not initialized: call Init first")

// SQLiteStore keeps run history in a single SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// withDefaults fills unset pool limits. An in-memory database lives on one
// connection, so it is pinned there.
func (c Config) withDefaults() Config {
	if c.Path == ":memory:" {
		c.MaxOpenConns, c.MaxIdleConns, c.ConnMaxLifetime = 1, 1, 0
		return c
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 5 * time.Minute
	}
	return c
}

func (c Config) dsn() string {
	return c.Path + "?_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_txlock=immediate"
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type scanner interface {
	Scan(dest ...any) error
}

// NewSQLiteStore validates cfg. The database is not touched until Init.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("store path is required")
	}
	return &SQLiteStore{cfg: cfg.withDefaults()}, nil
}

// Open returns a store that is connected and migrated to the latest schema.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	for _, step := range []func(context.Context) error{s.Init, s.Migrate} {
		if err := step(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Init connects to the database file, creating it if needed.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.cfg.dsn())
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.cfg.Path, err)
	}
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to %s: %w", s.cfg.Path, err)
	}
	s.db = db
	return nil
}

// Close releases the connection pool. Closing an unopened store is a no-op.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate applies the embedded schema migrations that have not run yet.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	target, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("migration target: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", target)
	if err != nil {
		return fmt.Errorf("migration setup: %w", err)
	}

	switch err := m.Up(); {
	case err == nil, errors.Is(err, migrate.ErrNoChange):
		return nil
	default:
		return fmt.Errorf("schema migration failed: %w", err)
	}
}

// withTx runs fn inside a transaction, committing only if fn succeeds.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if s.db == nil {
		return errNotInitialized
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// RecordRun writes a run with its step outcomes, events and audit entry.
// Either all of it is stored or none of it is.
func (s *SQLiteStore) RecordRun(ctx context.Context, rec *RunRecord) error {
	if rec == nil || rec.Run == nil {
		return errors.New("run record is required")
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertRun(ctx, tx, rec.Run); err != nil {
			return err
		}
		for _, step := range rec.Steps {
			step.RunID = rec.Run.ID
			if err := insertStepOutcome(ctx, tx, step); err != nil {
				return err
			}
		}
		for _, ev := range rec.Events {
			if err := insertEvent(ctx, tx, ev); err != nil {
				return err
			}
		}
		if rec.Audit == nil {
			return nil
		}
		return insertAuditEntry(ctx, tx, rec.Audit)
	})
	if err != nil {
		return fmt.Errorf("run %s not recorded: %w", rec.Run.ID, err)
	}
	return nil
}

// CreateRun stores a run without its steps or events.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	return insertRun(ctx, s.db, run)
}

const runColumns = `id, locator, provider, target_kind, attribute_name, attribute_value, status,
		created, name_applied, committed, rolled_back, persisted, session_closed,
		object_id, error_kind, error, summary,
		started_at, completed_at, duration_ms, metadata, created_at`

// runFields returns scan targets for runColumns, in order.
func runFields(run *Run) []any {
	return []any{
		&run.ID, &run.Locator, &run.Provider,
		&run.TargetKind, &run.AttributeName, &run.AttributeValue, &run.Status,
		&run.Created, &run.NameApplied, &run.Committed,
		&run.RolledBack, &run.Persisted, &run.SessionClosed,
		&run.ObjectID, &run.ErrorKind, &run.Error, &run.Summary,
		&run.StartedAt, &run.CompletedAt, &run.DurationMS,
		&run.Metadata, &run.CreatedAt,
	}
}

func insertRun(ctx context.Context, db execer, run *Run) error {
	if run.Metadata == "" {
		run.Metadata = "{}"
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Locator, run.Provider,
		run.TargetKind, run.AttributeName, run.AttributeValue, string(run.Status),
		run.Created, run.NameApplied, run.Committed,
		run.RolledBack, run.Persisted, run.SessionClosed,
		run.ObjectID, run.ErrorKind, run.Error, run.Summary,
		run.StartedAt, run.CompletedAt, run.DurationMS,
		run.Metadata, run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

func scanRun(row scanner) (*Run, error) {
	run := &Run{}
	if err := row.Scan(runFields(run)...); err != nil {
		return nil, err
	}
	return run, nil
}

// queryAll runs query and scans every row with scan.
func queryAll[T any](ctx context.Context, db *sql.DB, what string, scan func(scanner) (*T, error), query string, args ...any) ([]*T, error) {
	if db == nil {
		return nil, errNotInitialized
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", what, err)
	}
	defer rows.Close()

	out := []*T{}
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", what, err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", what, err)
	}
	return out, nil
}

// GetRun returns the run with id, or an error wrapping ErrNotFound.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	if s.db == nil {
		return nil, errNotInitialized
	}
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	case err != nil:
		return nil, fmt.Errorf("failed to load run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns runs matching filter, most recently started first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter, limit, offset int) ([]*Run, error) {
	return queryAll(ctx, s.db, "runs", scanRun, `SELECT `+runColumns+` FROM runs
		WHERE (? IS NULL OR locator = ?) AND (? IS NULL OR status = ?)
		ORDER BY started_at DESC, id
		LIMIT ? OFFSET ?`,
		filter.Locator, filter.Locator, filter.Status, filter.Status, limit, offset)
}

// DeleteRun removes a run. Its steps and events go with it.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	if s.db == nil {
		return errNotInitialized
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// insertReturningID executes an INSERT and returns the new row ID.
func insertReturningID(ctx context.Context, db execer, what, query string, args ...any) (int64, error) {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to insert %s: %w", what, err)
	}
	return res.LastInsertId()
}

// CreateStepOutcome stores one step outcome outside of RecordRun.
func (s *SQLiteStore) CreateStepOutcome(ctx context.Context, step *StepOutcome) error {
	return insertStepOutcome(ctx, s.db, step)
}

func insertStepOutcome(ctx context.Context, db execer, step *StepOutcome) (err error) {
	if step.Attempted == "" {
		step.Attempted = "[]"
	}
	step.ID, err = insertReturningID(ctx, db, "step outcome",
		`INSERT INTO step_outcomes (run_id, seq, step, attempted, succeeded, errors) VALUES (?, ?, ?, ?, ?, ?)`,
		step.RunID, step.Seq, step.Step, step.Attempted, step.Succeeded, step.Errors)
	return err
}

func scanStepOutcome(row scanner) (*StepOutcome, error) {
	o := &StepOutcome{}
	err := row.Scan(&o.ID, &o.RunID, &o.Seq, &o.Step, &o.Attempted, &o.Succeeded, &o.Errors)
	return o, err
}

// ListStepOutcomes returns the steps of a run in the order they ran.
func (s *SQLiteStore) ListStepOutcomes(ctx context.Context, runID string) ([]*StepOutcome, error) {
	return queryAll(ctx, s.db, "step outcomes", scanStepOutcome,
		`SELECT id, run_id, seq, step, attempted, succeeded, errors
		FROM step_outcomes WHERE run_id = ? ORDER BY seq`, runID)
}

// AppendEvent adds an event. Events without a run are allowed.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	return insertEvent(ctx, s.db, event)
}

func insertEvent(ctx context.Context, db execer, ev *Event) (err error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.ID, err = insertReturningID(ctx, db, "event",
		`INSERT INTO events (run_id, step, level, message, details, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.Step, ev.Level, ev.Message, ev.Details, ev.Timestamp)
	return err
}

func scanEvent(row scanner) (*Event, error) {
	ev := &Event{}
	err := row.Scan(&ev.ID, &ev.RunID, &ev.Step, &ev.Level, &ev.Message, &ev.Details, &ev.Timestamp)
	return ev, err
}

// GetEvents returns events in append order. Nil filters match everything.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	return queryAll(ctx, s.db, "events", scanEvent,
		`SELECT id, run_id, step, level, message, details, timestamp FROM events
		WHERE (? IS NULL OR run_id = ?) AND (? IS NULL OR level = ?)
		ORDER BY id
		LIMIT ? OFFSET ?`,
		runID, runID, level, level, limit, offset)
}

// CreateAuditEntry stores an audit entry outside of RecordRun.
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	return insertAuditEntry(ctx, s.db, entry)
}

func insertAuditEntry(ctx context.Context, db execer, e *AuditEntry) (err error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.ID, err = insertReturningID(ctx, db, "audit entry",
		`INSERT INTO audit (action, actor, target_id, details, timestamp) VALUES (?, ?, ?, ?, ?)`,
		e.Action, e.Actor, e.TargetID, e.Details, e.Timestamp)
	return err
}

func scanAuditEntry(row scanner) (*AuditEntry, error) {
	e := &AuditEntry{}
	err := row.Scan(&e.ID, &e.Action, &e.Actor, &e.TargetID, &e.Details, &e.Timestamp)
	return e, err
}

// ListAuditEntries returns audit entries, newest first.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	return queryAll(ctx, s.db, "audit entries", scanAuditEntry,
		`SELECT id, action, actor, target_id, details, timestamp FROM audit
		WHERE (? IS NULL OR action = ?) AND (? IS NULL OR actor = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?`,
		action, action, actor, actor, limit, offset)
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}
	return s.db.PingContext(ctx)
}
