package store

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS al_meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS al_training (
		seq      INTEGER PRIMARY KEY,
		id       TEXT NOT NULL UNIQUE,
		text     TEXT NOT NULL,
		label    TEXT NOT NULL,
		domain   TEXT NOT NULL,
		batch    INTEGER,
		added_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS al_batches (
		idx         INTEGER PRIMARY KEY,
		seed        TEXT NOT NULL,
		size        INTEGER NOT NULL,
		carved_at   TEXT NOT NULL,
		resolved_at TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS al_checkouts (
		id    TEXT PRIMARY KEY,
		batch INTEGER NOT NULL REFERENCES al_batches(idx)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_al_checkouts_batch ON al_checkouts(batch)`,
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}
