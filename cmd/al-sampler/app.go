package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matteoLorenzini/dataset-utils/internal/artifact"
	"github.com/matteoLorenzini/dataset-utils/internal/config"
	"github.com/matteoLorenzini/dataset-utils/internal/corpus"
	"github.com/matteoLorenzini/dataset-utils/internal/dataset"
	"github.com/matteoLorenzini/dataset-utils/internal/labelstudio"
	"github.com/matteoLorenzini/dataset-utils/internal/metrics"
	"github.com/matteoLorenzini/dataset-utils/internal/notify"
	"github.com/matteoLorenzini/dataset-utils/internal/objstore"
	"github.com/matteoLorenzini/dataset-utils/internal/roundstate"
	"github.com/matteoLorenzini/dataset-utils/internal/store"
)

// app carries the state of one CLI invocation.
type app struct {
	cfgPath   string
	logLevel  string
	logFormat string
	sources   []string
	stateDSN  string
	outputDir string

	out     io.Writer
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics

	s3       *objstore.Client
	notifier notify.Notifier
	closers  []func() error
}

func (a *app) close() error {
	if a.cfg == nil {
		return nil
	}
	var errs []error
	if a.cfg.Metrics.Textfile != "" || a.cfg.Metrics.PushURL != "" {
		if err := a.metrics.Flush(a.cfg.Metrics.Textfile, a.cfg.Metrics.PushURL, a.cfg.Metrics.Job); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

// s3Client connects to S3 on first use.
func (a *app) s3Client(ctx context.Context) (*objstore.Client, error) {
	if a.s3 != nil {
		return a.s3, nil
	}
	api, err := objstore.NewS3Client(ctx, objstore.Config{
		Region:   a.cfg.S3.Region,
		Endpoint: a.cfg.S3.Endpoint,
	})
	if err != nil {
		return nil, err
	}
	a.s3 = objstore.New(api, a.cfg.S3.MaxRetries, a.logger)
	return a.s3, nil
}

func (a *app) needsS3(extra ...string) bool {
	if a.cfg.Output.S3.Bucket != "" {
		return true
	}
	for _, s := range append(extra, a.cfg.Corpus.Sources...) {
		if strings.HasPrefix(s, "s3://") {
			return true
		}
	}
	return false
}

func (a *app) loader(ctx context.Context, extra ...string) (*corpus.Loader, error) {
	var s3 *objstore.Client
	if a.needsS3(extra...) {
		c, err := a.s3Client(ctx)
		if err != nil {
			return nil, err
		}
		s3 = c
	}
	return corpus.NewLoader(corpus.Options{
		Columns:          a.cfg.Corpus.Columns,
		DomainFromSource: a.cfg.Corpus.DomainFromSource,
		Query:            a.cfg.Corpus.Query,
	}, s3, a.logger), nil
}

// openState loads the corpus and the persisted round state.
func (a *app) openState(ctx context.Context) (*roundstate.State, error) {
	if len(a.cfg.Corpus.Sources) == 0 {
		return nil, fmt.Errorf("no corpus sources configured (use --source or corpus.sources)")
	}
	l, err := a.loader(ctx)
	if err != nil {
		return nil, err
	}
	records, err := l.Load(ctx, a.cfg.Corpus.Sources)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, a.cfg.State.Driver, a.cfg.State.DSN)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, st.Close)

	state, err := roundstate.Open(ctx, records, st, a.logger)
	if err != nil {
		return nil, err
	}
	a.metrics.ObserveCounts(state.Counts())
	return state, nil
}

// publisher assembles the configured artifact sinks. Training exports and
// explicit re-exports overwrite local files; fresh batches never do.
func (a *app) publisher(ctx context.Context, overwrite bool) (*artifact.Publisher, error) {
	format, err := artifact.ParseFormat(a.cfg.Output.Format)
	if err != nil {
		return nil, err
	}

	var sinks artifact.MultiSink
	if a.cfg.Output.Dir != "" {
		sinks = append(sinks, artifact.DirSink{Dir: a.cfg.Output.Dir, Overwrite: overwrite || a.cfg.Output.Overwrite})
	}
	if out := a.cfg.Output.S3; out.Bucket != "" {
		c, err := a.s3Client(ctx)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, artifact.S3Sink{Client: c, Bucket: out.Bucket, Prefix: out.Prefix})
	}
	if hf := a.cfg.Output.HuggingFace; hf.Repo != "" {
		sinks = append(sinks, artifact.NewHFSink(hf.Repo, hf.Token, hf.Branch, hf.Prefix))
	}
	if len(sinks) == 0 {
		return nil, fmt.Errorf("no artifact output configured (set output.dir, output.s3.bucket or output.huggingface.repo)")
	}
	return artifact.NewPublisher(sinks, format, a.logger), nil
}

// eventSinks returns the configured event sinks, or nil when none is set.
func (a *app) eventSinks() (notify.Notifier, error) {
	if a.notifier != nil {
		return a.notifier, nil
	}
	n := a.cfg.Notify
	var out notify.Multi
	if n.WebhookURL != "" {
		out = append(out, notify.NewWebhook(n.WebhookURL, n.WebhookSecret, a.logger))
	}
	if n.NATSURL != "" {
		pub, conn, err := notify.ConnectNATS(n.NATSURL, n.NATSSubject, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			conn.Close()
			return nil
		})
		out = append(out, pub)
	}
	if len(out) == 0 {
		return nil, nil
	}
	a.notifier = out
	return out, nil
}

// announce delivers e. Delivery failures are logged, never fatal: the
// state change has already been committed.
func (a *app) announce(ctx context.Context, e notify.Event) {
	n, err := a.eventSinks()
	if err != nil {
		a.logger.Warn("notifier unavailable", zap.Error(err))
		return
	}
	if n == nil {
		return
	}
	e.At = time.Now().UTC()
	if err := n.Notify(ctx, e); err != nil {
		a.logger.Warn("event delivery failed", zap.String("type", e.Type), zap.Error(err))
	}
}

func (a *app) labelStudio() (*labelstudio.Client, int, error) {
	ls := a.cfg.LabelStudio
	if ls.URL == "" || ls.PAT == "" {
		return nil, 0, fmt.Errorf("label studio requires LS_URL and LS_PAT")
	}
	if ls.ProjectID <= 0 {
		return nil, 0, fmt.Errorf("label studio requires labelstudio.project_id")
	}
	return labelstudio.NewClient(ls.URL, ls.PAT, a.logger), ls.ProjectID, nil
}

// readLabelled loads a labelled batch: a Label Studio JSON export or a
// CSV/XLSX batch file with its label column filled in.
func (a *app) readLabelled(ctx context.Context, src string) ([]dataset.Record, int, error) {
	l, err := a.loader(ctx, src)
	if err != nil {
		return nil, 0, err
	}
	if isJSON(src) {
		body, err := l.Fetch(ctx, src)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read %s: %w", src, err)
		}
		return labelstudio.ParseExport(body)
	}
	return l.LoadLabelled(ctx, src)
}

func isJSON(src string) bool {
	if i := strings.IndexAny(src, "?#"); i >= 0 {
		src = src[:i]
	}
	return strings.EqualFold(filepath.Ext(src), ".json")
}

// exportTraining rewrites the training set artifact.
func (a *app) exportTraining(ctx context.Context, state *roundstate.State) (string, error) {
	pub, err := a.publisher(ctx, true)
	if err != nil {
		return "", err
	}
	return pub.PublishTraining(ctx, state.RunID(), state.Training())
}
