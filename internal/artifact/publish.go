package artifact

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/matteoLorenzini/dataset-utils/internal/dataset"
)

// Publisher encodes batches and training exports and hands them to a sink.
type Publisher struct {
	sink   Sink
	format Format
	logger *zap.Logger
}

func NewPublisher(sink Sink, format Format, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if format == "" {
		format = FormatCSV
	}
	return &Publisher{sink: sink, format: format, logger: logger}
}

// Format returns the artifact format in use.
func (p *Publisher) Format() Format {
	return p.format
}

// PublishBatch writes the unlabelled artifact of b, records in batch order
// with an empty label column.
func (p *Publisher) PublishBatch(ctx context.Context, runID string, b dataset.Batch) (string, error) {
	body, err := Encode(b.Records, p.format, false)
	if err != nil {
		return "", fmt.Errorf("failed to encode batch %d: %w", b.Index, err)
	}
	meta := map[string]string{
		"run_id": runID,
		"batch":  strconv.Itoa(b.Index),
		"seed":   strconv.FormatUint(b.Seed, 10),
	}
	loc, err := p.sink.Put(ctx, BatchName(b.Index, p.format), body, p.format.ContentType(), meta)
	if err != nil {
		return "", fmt.Errorf("failed to publish batch %d: %w", b.Index, err)
	}
	p.logger.Info("batch artifact written",
		zap.Int("batch", b.Index),
		zap.Int("records", len(b.Records)),
		zap.String("location", loc),
	)
	return loc, nil
}

// PublishTraining writes the labelled training set export.
func (p *Publisher) PublishTraining(ctx context.Context, runID string, records []dataset.Record) (string, error) {
	body, err := Encode(records, p.format, true)
	if err != nil {
		return "", fmt.Errorf("failed to encode training set: %w", err)
	}
	meta := map[string]string{
		"run_id":  runID,
		"records": strconv.Itoa(len(records)),
	}
	loc, err := p.sink.Put(ctx, TrainingName(p.format), body, p.format.ContentType(), meta)
	if err != nil {
		return "", fmt.Errorf("failed to publish training set: %w", err)
	}
	p.logger.Info("training set exported",
		zap.Int("records", len(records)),
		zap.String("location", loc),
	)
	return loc, nil
}
