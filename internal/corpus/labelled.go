package corpus

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/matteoLorenzini/dataset-utils/internal/dataset"
)

// LoadLabelled reads a labelled batch file: the batch artifact with its
// label column filled in. Only the id and label columns are required.
// Rows whose label is still empty are skipped and counted; they stay
// checked out until their batch is resolved.
func (l *Loader) LoadLabelled(ctx context.Context, src string) ([]dataset.Record, int, error) {
	t, err := l.fetchTable(ctx, src)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load labelled batch %s: %w", src, err)
	}

	lookup := func(names ...string) int {
		for _, n := range names {
			if n == "" {
				continue
			}
			if i := t.Column(n); i >= 0 {
				return i
			}
		}
		return -1
	}
	cols := l.opts.Columns
	idIdx := lookup("id", cols.ID)
	labelIdx := lookup("label", cols.Label)
	textIdx := lookup("text", cols.Text)
	domainIdx := lookup("dominio", cols.Domain)
	if idIdx < 0 || labelIdx < 0 {
		return nil, 0, fmt.Errorf("labelled batch %s needs id and label columns (have %s)", src, strings.Join(t.Headers, ", "))
	}

	var (
		out     []dataset.Record
		skipped int
	)
	for _, row := range t.Rows {
		r := dataset.Record{
			ID:    strings.TrimSpace(row[idIdx]),
			Label: strings.TrimSpace(row[labelIdx]),
		}
		if r.ID == "" {
			continue
		}
		if r.Label == "" {
			skipped++
			continue
		}
		if textIdx >= 0 {
			r.Text = strings.TrimSpace(row[textIdx])
		}
		if domainIdx >= 0 {
			r.Domain = strings.TrimSpace(row[domainIdx])
		}
		out = append(out, r)
	}

	l.logger.Info("labelled batch loaded",
		zap.String("source", src),
		zap.Int("labelled", len(out)),
		zap.Int("unlabelled", skipped),
	)
	return out, skipped, nil
}
