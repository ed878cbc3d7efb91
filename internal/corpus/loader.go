// Package corpus loads annotated records from tabular files, object
// storage, HTTP endpoints and Postgres.
package corpus

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/matteoLorenzini/dataset-utils/internal/dataset"
	"github.com/matteoLorenzini/dataset-utils/internal/objstore"
)

const maxDownloadSize = 100 * 1024 * 1024

// Columns maps record fields to source column names. Vector is optional.
type Columns struct {
	ID     string `yaml:"id"`
	Text   string `yaml:"text"`
	Label  string `yaml:"label"`
	Domain string `yaml:"domain"`
	Vector string `yaml:"vector"`
}

// DefaultColumns matches the layout of the annotated corpus exports.
func DefaultColumns() Columns {
	return Columns{ID: "id", Text: "descrizione", Label: "label", Domain: "dominio"}
}

// Options control how sources become records.
type Options struct {
	Columns Columns
	// DomainFromSource sets every record's domain to the stem of the file
	// it came from, for corpora kept as one file per domain.
	DomainFromSource bool
	// Query is the SQL run against postgres:// sources.
	Query string
}

// Loader reads corpus sources.
type Loader struct {
	opts    Options
	s3      *objstore.Client
	http    *http.Client
	retries uint64
	logger  *zap.Logger
}

// NewLoader returns a loader. s3 may be nil when no s3:// source is used.
func NewLoader(opts Options, s3 *objstore.Client, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		opts:    opts,
		s3:      s3,
		http:    &http.Client{Timeout: 2 * time.Minute},
		retries: 3,
		logger:  logger,
	}
}

// WithHTTPClient replaces the client used for http(s) sources.
func (l *Loader) WithHTTPClient(c *http.Client) *Loader {
	l.http = c
	return l
}

// Load reads every source in order and returns the combined corpus. A
// local directory expands to the tabular files it contains. Rows missing
// text, label or domain are dropped; duplicate IDs fail the load.
func (l *Loader) Load(ctx context.Context, sources []string) ([]dataset.Record, error) {
	if len(sources) == 0 {
		return nil, dataset.ErrEmptyCorpus
	}

	var out []dataset.Record
	for _, src := range sources {
		if isPostgres(src) {
			recs, err := l.loadPostgres(ctx, src)
			if err != nil {
				return nil, err
			}
			out = append(out, recs...)
			continue
		}

		expanded, err := expand(src)
		if err != nil {
			return nil, err
		}
		for _, s := range expanded {
			t, err := l.fetchTable(ctx, s)
			if err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", s, err)
			}
			recs, dropped, err := l.Records(t, Stem(s))
			if err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", s, err)
			}
			l.logger.Info("corpus source loaded",
				zap.String("source", s),
				zap.Int("records", len(recs)),
				zap.Int("dropped", dropped),
			)
			out = append(out, recs...)
		}
	}

	if len(out) == 0 {
		return nil, dataset.ErrEmptyCorpus
	}
	if err := dataset.ValidateUnique(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Records maps table rows to records. stem names the source for generated
// IDs and for DomainFromSource. It returns the number of dropped rows.
func (l *Loader) Records(t *Table, stem string) ([]dataset.Record, int, error) {
	cols := l.opts.Columns
	idIdx := t.Column(cols.ID)
	textIdx := t.Column(cols.Text)
	labelIdx := t.Column(cols.Label)
	domainIdx := t.Column(cols.Domain)
	vecIdx := -1
	if cols.Vector != "" {
		vecIdx = t.Column(cols.Vector)
	}

	var missing []string
	if textIdx < 0 {
		missing = append(missing, cols.Text)
	}
	if labelIdx < 0 {
		missing = append(missing, cols.Label)
	}
	if domainIdx < 0 && !l.opts.DomainFromSource {
		missing = append(missing, cols.Domain)
	}
	if cols.Vector != "" && vecIdx < 0 {
		missing = append(missing, cols.Vector)
	}
	if len(missing) > 0 {
		return nil, 0, fmt.Errorf("missing column(s) %s (have %s)", strings.Join(missing, ", "), strings.Join(t.Headers, ", "))
	}

	var (
		out     []dataset.Record
		dropped int
	)
	for i, row := range t.Rows {
		r := dataset.Record{
			Text:  strings.TrimSpace(row[textIdx]),
			Label: strings.TrimSpace(row[labelIdx]),
		}
		if idIdx >= 0 {
			r.ID = strings.TrimSpace(row[idIdx])
		}
		if r.ID == "" {
			r.ID = stem + ":" + strconv.Itoa(i+1)
		}
		if l.opts.DomainFromSource {
			r.Domain = stem
		} else {
			r.Domain = strings.TrimSpace(row[domainIdx])
		}
		if r.Text == "" || r.Label == "" || r.Domain == "" {
			dropped++
			continue
		}
		if vecIdx >= 0 {
			v, err := ParseVector(row[vecIdx])
			if err != nil {
				return nil, 0, fmt.Errorf("row %d: %w", i+1, err)
			}
			r.Vector = v
		}
		out = append(out, r)
	}
	return out, dropped, nil
}

// fetchTable reads and parses one file source.
func (l *Loader) fetchTable(ctx context.Context, src string) (*Table, error) {
	content, err := l.Fetch(ctx, src)
	if err != nil {
		return nil, err
	}
	return ParseTable(nameOf(src), content)
}

// Fetch returns the raw bytes of a local, s3:// or http(s):// source.
func (l *Loader) Fetch(ctx context.Context, src string) ([]byte, error) {
	switch {
	case strings.HasPrefix(src, "s3://"):
		if l.s3 == nil {
			return nil, fmt.Errorf("s3 source %s but no S3 client configured", src)
		}
		bucket, key, err := objstore.ParseURI(src)
		if err != nil {
			return nil, err
		}
		return l.s3.Get(ctx, bucket, key)
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		return l.download(ctx, src)
	default:
		content, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
		return content, nil
	}
}

// download fetches an HTTP(S) source, retrying server errors.
func (l *Loader) download(ctx context.Context, url string) ([]byte, error) {
	var content []byte
	b := retry.WithMaxRetries(l.retries, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		resp, err := l.http.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("failed to download file: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return retry.RetryableError(fmt.Errorf("download failed with status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("download failed with status %d", resp.StatusCode)
		}
		content, err = io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize))
		if err != nil {
			return fmt.Errorf("failed to read file content: %w", err)
		}
		return nil
	})
	return content, err
}

// expand lists the tabular files of a local directory, sorted; any other
// source is returned unchanged.
func expand(src string) ([]string, error) {
	if strings.Contains(src, "://") {
		return []string{src}, nil
	}
	info, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if !info.IsDir() {
		return []string{src}, nil
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", src, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".csv", ".tsv", ".xlsx", ".xlsm":
			out = append(out, filepath.Join(src, e.Name()))
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no tabular files in %s", src)
	}
	sort.Strings(out)
	return out, nil
}

func nameOf(src string) string {
	if i := strings.IndexAny(src, "?#"); i >= 0 && strings.Contains(src, "://") {
		src = src[:i]
	}
	return src
}

// Stem returns the file name of a source without directory or extension.
func Stem(src string) string {
	base := filepath.Base(nameOf(src))
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ParseVector parses a list of floats separated by commas, semicolons or
// spaces, optionally wrapped in brackets. An empty cell yields nil.
func ParseVector(cell string) ([]float64, error) {
	cell = strings.Trim(strings.TrimSpace(cell), "[]")
	if cell == "" {
		return nil, nil
	}
	fields := strings.FieldsFunc(cell, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t'
	})
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid vector component %q: %w", f, err)
		}
		out[i] = v
	}
	return out, nil
}
