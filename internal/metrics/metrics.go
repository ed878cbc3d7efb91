// Package metrics records per-run sampling and round metrics on a private
// registry, flushed at exit to a node-exporter textfile or a Pushgateway.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/matteoLorenzini/dataset-utils/internal/dataset"
	"github.com/matteoLorenzini/dataset-utils/internal/roundstate"
	"github.com/matteoLorenzini/dataset-utils/internal/sampling"
)

// Metrics holds the collectors of one CLI run.
type Metrics struct {
	registry *prometheus.Registry

	selected          *prometheus.GaugeVec
	shortfall         *prometheus.GaugeVec
	partition         *prometheus.GaugeVec
	batchesTotal      prometheus.Counter
	batchRecords      *prometheus.CounterVec
	appendedTotal     prometheus.Counter
	releasedTotal     prometheus.Counter
	harvestedTotal    *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		selected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "al_selection_selected",
				Help: "Records selected per group by the last sampler run",
			},
			[]string{"sampler", "label", "domain"},
		),
		shortfall: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "al_selection_shortfall",
				Help: "Records a group could not supply in the last sampler run",
			},
			[]string{"sampler", "label", "domain"},
		),
		partition: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "al_records",
				Help: "Corpus records by round state",
			},
			[]string{"state"},
		),
		batchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "al_batches_carved_total",
				Help: "Number of batches carved",
			},
		),
		batchRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "al_batch_records_total",
				Help: "Records checked out into batches",
			},
			[]string{"domain"},
		),
		appendedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "al_training_appended_total",
				Help: "Labelled records appended to the training set",
			},
		),
		releasedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "al_pool_released_total",
				Help: "Checked-out records returned to the pool",
			},
		),
		harvestedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "al_harvested_records_total",
				Help: "Records downloaded from OAI-PMH sets",
			},
			[]string{"set"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "al_errors_total",
				Help: "Failed operations by command and error kind",
			},
			[]string{"command", "kind"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "al_operation_duration_seconds",
				Help:    "Duration of CLI commands",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"command"},
		),
	}

	m.registry.MustRegister(m.selected)
	m.registry.MustRegister(m.shortfall)
	m.registry.MustRegister(m.partition)
	m.registry.MustRegister(m.batchesTotal)
	m.registry.MustRegister(m.batchRecords)
	m.registry.MustRegister(m.appendedTotal)
	m.registry.MustRegister(m.releasedTotal)
	m.registry.MustRegister(m.harvestedTotal)
	m.registry.MustRegister(m.errorsTotal)
	m.registry.MustRegister(m.operationDuration)
	return m
}

// Registry exposes the registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveSelection records a sampler report.
func (m *Metrics) ObserveSelection(sampler string, r sampling.Report) {
	for _, g := range r.Groups {
		m.selected.WithLabelValues(sampler, g.Key.Label, g.Key.Domain).Set(float64(g.Selected))
		m.shortfall.WithLabelValues(sampler, g.Key.Label, g.Key.Domain).Set(float64(g.Shortfall()))
	}
}

// ObserveCounts records the corpus partition.
func (m *Metrics) ObserveCounts(c roundstate.Counts) {
	m.partition.WithLabelValues("corpus").Set(float64(c.Corpus))
	m.partition.WithLabelValues("training").Set(float64(c.Training))
	m.partition.WithLabelValues("pool").Set(float64(c.Pool))
	m.partition.WithLabelValues("checked_out").Set(float64(c.CheckedOut))
	m.partition.WithLabelValues("open_batches").Set(float64(c.OpenBatches))
}

// BatchCarved counts a carved batch.
func (m *Metrics) BatchCarved(b dataset.Batch) {
	m.batchesTotal.Inc()
	for domain, n := range b.CountByDomain() {
		m.batchRecords.WithLabelValues(domain).Add(float64(n))
	}
}

// Appended counts records added to the training set.
func (m *Metrics) Appended(n int) {
	m.appendedTotal.Add(float64(n))
}

// Released counts records returned to the pool.
func (m *Metrics) Released(n int) {
	m.releasedTotal.Add(float64(n))
}

// Harvested counts records downloaded from set.
func (m *Metrics) Harvested(set string, n int) {
	m.harvestedTotal.WithLabelValues(set).Add(float64(n))
}

// Failed counts a failed command under the kind of err.
func (m *Metrics) Failed(command string, err error) {
	m.errorsTotal.WithLabelValues(command, ErrorKind(err)).Inc()
}

// Time observes the duration of command since start.
func (m *Metrics) Time(command string, start time.Time) {
	m.operationDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
}

// ErrorKind maps an error onto a low-cardinality label.
func ErrorKind(err error) string {
	kinds := []struct {
		target error
		kind   string
	}{
		{dataset.ErrEmptyCorpus, "empty_corpus"},
		{dataset.ErrInsufficientData, "insufficient_data"},
		{dataset.ErrAlreadyInitialized, "already_initialized"},
		{dataset.ErrNotInitialized, "not_initialized"},
		{dataset.ErrDuplicateRecord, "duplicate_record"},
		{dataset.ErrUnknownRecord, "unknown_record"},
		{dataset.ErrPoolExhausted, "pool_exhausted"},
		{dataset.ErrBatchExists, "batch_exists"},
		{dataset.ErrBatchNotFound, "batch_not_found"},
	}
	for _, k := range kinds {
		if errors.Is(err, k.target) {
			return k.kind
		}
	}
	return "other"
}

// Flush writes the registry to textfile and pushes it to pushURL under
// job. Empty destinations are skipped.
func (m *Metrics) Flush(textfile, pushURL, job string) error {
	var errs []error
	if textfile != "" {
		if err := prometheus.WriteToTextfile(textfile, m.registry); err != nil {
			errs = append(errs, fmt.Errorf("failed to write metrics textfile: %w", err))
		}
	}
	if pushURL != "" {
		if err := push.New(pushURL, job).Gatherer(m.registry).Push(); err != nil {
			errs = append(errs, fmt.Errorf("failed to push metrics: %w", err))
		}
	}
	return errors.Join(errs...)
}
