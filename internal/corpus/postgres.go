package corpus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/matteoLorenzini/dataset-utils/internal/dataset"
)

var errNoQuery = errors.New("postgres source needs a query")

func isPostgres(src string) bool {
	return strings.HasPrefix(src, "postgres://") || strings.HasPrefix(src, "postgresql://")
}

// loadPostgres runs the configured query and maps result columns by name,
// the same way file headers are mapped.
func (l *Loader) loadPostgres(ctx context.Context, dsn string) ([]dataset.Record, error) {
	if l.opts.Query == "" {
		return nil, errNoQuery
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to corpus database: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping corpus database: %w", err)
	}

	rows, err := pool.Query(ctx, l.opts.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to query corpus: %w", err)
	}
	defer rows.Close()

	var headers []string
	for _, fd := range rows.FieldDescriptions() {
		headers = append(headers, fd.Name)
	}

	var data [][]string
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("failed to read corpus row: %w", err)
		}
		row := make([]string, len(values))
		for i, v := range values {
			if v != nil {
				row[i] = fmt.Sprint(v)
			}
		}
		data = append(data, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading corpus rows: %w", err)
	}

	recs, dropped, err := l.Records(newTable(headers, data), "postgres")
	if err != nil {
		return nil, fmt.Errorf("failed to map corpus query: %w", err)
	}
	l.logger.Info("corpus query loaded", zap.Int("records", len(recs)), zap.Int("dropped", dropped))
	return recs, nil
}
