// Package batch carves unlabelled batches out of the current pool.
package batch

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"

	"go.uber.org/zap"

	"github.com/matteoLorenzini/dataset-utils/internal/dataset"
	"github.com/matteoLorenzini/dataset-utils/internal/roundstate"
	"github.com/matteoLorenzini/dataset-utils/internal/sampling"
)

// Options tune batch drawing.
type Options struct {
	// Seed is the experiment seed; each batch index derives its own.
	Seed uint64
	// StratifyByLabel draws perDomain records for every (domain, label)
	// pair instead of every domain.
	StratifyByLabel bool
	// Labels fixes the label strata of each domain. When nil they are
	// taken from the pool.
	Labels map[string][]string
}

type stratum struct {
	domain string
	label  string
}

// Seed derives the seed of batch index from the experiment seed.
func Seed(base uint64, index int) uint64 {
	z := base + uint64(index)*0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func (s stratum) seed(batchSeed uint64) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s.domain))
	h.Write([]byte{0})
	h.Write([]byte(s.label))
	return batchSeed ^ h.Sum64()
}

// Draw selects perDomain records per stratum from pool, uniformly at
// random without replacement. The result depends only on the pool
// contents, the index and opts, not on pool order. It fails with a
// PoolExhaustedError naming every short stratum rather than under-fill.
func Draw(pool []dataset.Record, domains []string, index, perDomain int, opts Options) (dataset.Batch, error) {
	if index <= 0 {
		return dataset.Batch{}, fmt.Errorf("batch index must be positive, got %d", index)
	}
	if perDomain <= 0 {
		return dataset.Batch{}, fmt.Errorf("per-domain size must be positive, got %d", perDomain)
	}
	if len(domains) == 0 {
		domains = dataset.Domains(pool)
	}
	if len(domains) == 0 {
		return dataset.Batch{}, &dataset.PoolExhaustedError{Batch: index}
	}

	strata := make(map[stratum][]dataset.Record)
	for _, r := range pool {
		k := stratum{domain: r.Domain}
		if opts.StratifyByLabel {
			k.label = r.Label
		}
		strata[k] = append(strata[k], r)
	}

	var order []stratum
	for _, d := range sortedCopy(domains) {
		if !opts.StratifyByLabel {
			order = append(order, stratum{domain: d})
			continue
		}
		labels := opts.Labels
		if labels == nil {
			labels = labelsByDomain(pool)
		}
		for _, l := range sortedCopy(labels[d]) {
			order = append(order, stratum{domain: d, label: l})
		}
	}

	b := dataset.Batch{Index: index, Seed: Seed(opts.Seed, index)}
	var short []dataset.Shortfall
	for _, k := range order {
		candidates := append([]dataset.Record(nil), strata[k]...)
		if len(candidates) < perDomain {
			short = append(short, dataset.Shortfall{
				Domain: k.domain, Label: k.label, Requested: perDomain, Available: len(candidates),
			})
			continue
		}
		dataset.SortByID(candidates)
		b.Records = append(b.Records, sampling.Uniform(candidates, perDomain, k.seed(b.Seed))...)
	}
	if len(short) > 0 {
		return dataset.Batch{}, &dataset.PoolExhaustedError{Batch: index, Shortfalls: short}
	}
	return b, nil
}

func labelsByDomain(records []dataset.Record) map[string][]string {
	seen := make(map[stratum]bool)
	out := make(map[string][]string)
	for _, r := range records {
		k := stratum{domain: r.Domain, label: r.Label}
		if !seen[k] {
			seen[k] = true
			out[r.Domain] = append(out[r.Domain], r.Label)
		}
	}
	return out
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

// Carver draws batches from a round state and checks them out.
type Carver struct {
	state  *roundstate.State
	opts   Options
	logger *zap.Logger
}

// NewCarver returns a carver over state. With StratifyByLabel and no fixed
// labels, the corpus (domain, label) pairs are used so exhausted pairs are
// reported.
func NewCarver(state *roundstate.State, opts Options, logger *zap.Logger) *Carver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.StratifyByLabel && opts.Labels == nil {
		opts.Labels = labelsByDomain(state.Corpus())
	}
	return &Carver{state: state, opts: opts, logger: logger}
}

// Carve draws batch index from the current pool over all corpus domains
// and checks it out.
func (c *Carver) Carve(ctx context.Context, index, perDomain int) (dataset.Batch, error) {
	pool := c.state.CurrentPool()
	b, err := Draw(pool, c.state.Domains(), index, perDomain, c.opts)
	if err != nil {
		return dataset.Batch{}, err
	}
	if err := c.state.MarkBatchCarved(ctx, b); err != nil {
		return dataset.Batch{}, fmt.Errorf("failed to check out batch %d: %w", index, err)
	}

	c.logger.Info("batch carved",
		zap.Int("batch", index),
		zap.Int("records", len(b.Records)),
		zap.Int("pool_before", len(pool)),
		zap.Any("per_domain", b.CountByDomain()),
	)
	return b, nil
}
