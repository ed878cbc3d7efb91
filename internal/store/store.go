// Package store persists round state: the append-only training set, carved
// batches and the records they check out. SQLite is the default backend;
// Postgres is supported for shared experiments.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/matteoLorenzini/dataset-utils/internal/dataset"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	// advisoryLockKey serialises writers sharing one Postgres database.
	advisoryLockKey = 0x616c5f73746174
)

// Batch is the persisted header of a carved batch.
type Batch struct {
	Index      int
	Seed       uint64
	Size       int
	CarvedAt   time.Time
	ResolvedAt time.Time
}

// Open reports whether the batch still awaits resolution.
func (b Batch) Open() bool {
	return b.ResolvedAt.IsZero()
}

// Snapshot is the full persisted state, loaded at the start of every run.
type Snapshot struct {
	RunID         string
	InitializedAt time.Time
	Training      []dataset.Record
	Batches       []Batch
	// Checkouts maps record ID to the index of the open batch holding it.
	Checkouts map[string]int
}

// Initialized reports whether an initial training set was ever committed.
func (s Snapshot) Initialized() bool {
	return !s.InitializedAt.IsZero()
}

// SQLStore implements round-state persistence over database/sql.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// Open connects to the state database and creates the schema if needed.
// For sqlite the DSN is a file path.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, "":
		return openSQLite(ctx, dsn)
	case DriverPostgres:
		return openPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported state driver %q", driver)
	}
}

func openSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	// One connection keeps transactions strictly sequential.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLStore{db: db, driver: DriverSQLite}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func openPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping state database: %w", err)
	}

	s := &SQLStore{db: db, driver: DriverPostgres}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Driver names the backend in use.
func (s *SQLStore) Driver() string {
	return s.driver
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// withTx runs fn in one transaction. On Postgres the transaction holds an
// advisory lock so concurrent processes observe a consistent snapshot.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if s.driver == DriverPostgres {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
			return fmt.Errorf("failed to acquire state lock: %w", err)
		}
	}

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// copyIn bulk-inserts rows. Postgres uses COPY; SQLite a prepared insert.
func (s *SQLStore) copyIn(ctx context.Context, tx *sql.Tx, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}

	var query string
	if s.driver == DriverPostgres {
		query = pq.CopyIn(table, columns...)
	} else {
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ")
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), marks)
	}

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare insert into %s: %w", table, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("failed to insert into %s: %w", table, err)
		}
	}

	if s.driver == DriverPostgres {
		if _, err := stmt.ExecContext(ctx); err != nil {
			return fmt.Errorf("failed to flush copy into %s: %w", table, err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s.String, err)
	}
	return t, nil
}
