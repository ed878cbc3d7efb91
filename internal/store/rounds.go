package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/matteoLorenzini/dataset-utils/internal/dataset"
)

const (
	metaInitializedAt = "initialized_at"
	metaRunID         = "run_id"
)

var trainingColumns = []string{"seq", "id", "text", "label", "domain", "batch", "added_at"}

// Load reads the complete persisted state.
func (s *SQLStore) Load(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Checkouts: make(map[string]int)}

	meta, err := s.readMeta(ctx, s.db)
	if err != nil {
		return Snapshot{}, err
	}
	snap.RunID = meta[metaRunID]
	if v, ok := meta[metaInitializedAt]; ok {
		if snap.InitializedAt, err = parseTime(sql.NullString{String: v, Valid: true}); err != nil {
			return Snapshot{}, err
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, text, label, domain FROM al_training ORDER BY seq`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to query training set: %w", err)
	}
	for rows.Next() {
		var r dataset.Record
		if err := rows.Scan(&r.ID, &r.Text, &r.Label, &r.Domain); err != nil {
			rows.Close()
			return Snapshot{}, fmt.Errorf("failed to scan training record: %w", err)
		}
		snap.Training = append(snap.Training, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("error reading training set: %w", err)
	}

	if snap.Batches, err = s.readBatches(ctx); err != nil {
		return Snapshot{}, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT id, batch FROM al_checkouts`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to query checkouts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id    string
			batch int
		)
		if err := rows.Scan(&id, &batch); err != nil {
			return Snapshot{}, fmt.Errorf("failed to scan checkout: %w", err)
		}
		snap.Checkouts[id] = batch
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("error reading checkouts: %w", err)
	}
	return snap, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLStore) readMeta(ctx context.Context, q querier) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT key, value FROM al_meta`)
	if err != nil {
		return nil, fmt.Errorf("failed to query metadata: %w", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan metadata: %w", err)
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

func (s *SQLStore) readBatches(ctx context.Context) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT idx, seed, size, carved_at, resolved_at FROM al_batches ORDER BY idx`)
	if err != nil {
		return nil, fmt.Errorf("failed to query batches: %w", err)
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		var (
			b        Batch
			seed     string
			carved   string
			resolved sql.NullString
		)
		if err := rows.Scan(&b.Index, &seed, &b.Size, &carved, &resolved); err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		if b.Seed, err = strconv.ParseUint(seed, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid seed for batch %d: %w", b.Index, err)
		}
		if b.CarvedAt, err = parseTime(sql.NullString{String: carved, Valid: true}); err != nil {
			return nil, err
		}
		if b.ResolvedAt, err = parseTime(resolved); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading batches: %w", err)
	}
	return out, nil
}

func (s *SQLStore) trainingSize(ctx context.Context, tx *sql.Tx) (int, error) {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM al_training`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count training set: %w", err)
	}
	return n, nil
}

// Initialize commits the initial training set and the initialisation
// marker. It fails with an AlreadyInitializedError if the marker exists,
// whatever the current training size.
func (s *SQLStore) Initialize(ctx context.Context, records []dataset.Record, at time.Time) (string, error) {
	runID := uuid.NewString()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		meta, err := s.readMeta(ctx, tx)
		if err != nil {
			return err
		}
		if v, ok := meta[metaInitializedAt]; ok {
			prev, _ := parseTime(sql.NullString{String: v, Valid: true})
			size, err := s.trainingSize(ctx, tx)
			if err != nil {
				return err
			}
			return &dataset.AlreadyInitializedError{InitializedAt: prev, Size: size}
		}

		for _, kv := range [][2]string{{metaInitializedAt, formatTime(at)}, {metaRunID, runID}} {
			if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO al_meta (key, value) VALUES (?, ?)`), kv[0], kv[1]); err != nil {
				return fmt.Errorf("failed to write metadata: %w", err)
			}
		}
		return s.insertTraining(ctx, tx, 0, records, nil, at)
	})
	if err != nil {
		return "", err
	}
	return runID, nil
}

// AppendTraining appends records after the current tail and clears their
// checkouts. origins maps a record ID to the batch it was labelled in.
func (s *SQLStore) AppendTraining(ctx context.Context, records []dataset.Record, origins map[string]int, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := s.trainingSize(ctx, tx)
		if err != nil {
			return err
		}
		if err := s.insertTraining(ctx, tx, n, records, origins, at); err != nil {
			return err
		}

		del := s.rebind(`DELETE FROM al_checkouts WHERE id = ?`)
		for _, r := range records {
			if _, err := tx.ExecContext(ctx, del, r.ID); err != nil {
				return fmt.Errorf("failed to clear checkout of %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) insertTraining(ctx context.Context, tx *sql.Tx, offset int, records []dataset.Record, origins map[string]int, at time.Time) error {
	rows := make([][]any, len(records))
	ts := formatTime(at)
	for i, r := range records {
		var batch sql.NullInt64
		if b, ok := origins[r.ID]; ok {
			batch = sql.NullInt64{Int64: int64(b), Valid: true}
		}
		rows[i] = []any{offset + i, r.ID, r.Text, r.Label, r.Domain, batch, ts}
	}
	return s.copyIn(ctx, tx, "al_training", trainingColumns, rows)
}

// CreateBatch records a carved batch and checks its records out. The index
// must be new and no record may already be checked out.
func (s *SQLStore) CreateBatch(ctx context.Context, b Batch, ids []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM al_batches WHERE idx = ?`), b.Index).Scan(&exists)
		switch {
		case err == nil:
			return fmt.Errorf("batch %d: %w", b.Index, dataset.ErrBatchExists)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("failed to look up batch %d: %w", b.Index, err)
		}

		_, err = tx.ExecContext(ctx,
			s.rebind(`INSERT INTO al_batches (idx, seed, size, carved_at) VALUES (?, ?, ?, ?)`),
			b.Index, strconv.FormatUint(b.Seed, 10), len(ids), formatTime(b.CarvedAt))
		if err != nil {
			return fmt.Errorf("failed to insert batch %d: %w", b.Index, err)
		}

		rows := make([][]any, len(ids))
		for i, id := range ids {
			rows[i] = []any{id, b.Index}
		}
		return s.copyIn(ctx, tx, "al_checkouts", []string{"id", "batch"}, rows)
	})
}

// ResolveBatch closes an open batch and releases its remaining checkouts,
// returning the released IDs.
func (s *SQLStore) ResolveBatch(ctx context.Context, index int, at time.Time) ([]string, error) {
	var released []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var resolved sql.NullString
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT resolved_at FROM al_batches WHERE idx = ?`), index).Scan(&resolved)
		if errors.Is(err, sql.ErrNoRows) || (err == nil && resolved.Valid) {
			return fmt.Errorf("batch %d: %w", index, dataset.ErrBatchNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to look up batch %d: %w", index, err)
		}

		rows, err := tx.QueryContext(ctx, s.rebind(`SELECT id FROM al_checkouts WHERE batch = ? ORDER BY id`), index)
		if err != nil {
			return fmt.Errorf("failed to query checkouts of batch %d: %w", index, err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan checkout: %w", err)
			}
			released = append(released, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("error reading checkouts: %w", err)
		}

		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM al_checkouts WHERE batch = ?`), index); err != nil {
			return fmt.Errorf("failed to release batch %d: %w", index, err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE al_batches SET resolved_at = ? WHERE idx = ?`), formatTime(at), index); err != nil {
			return fmt.Errorf("failed to resolve batch %d: %w", index, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}
