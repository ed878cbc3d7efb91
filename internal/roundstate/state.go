// Package roundstate owns the authoritative membership of the training set,
// the unlabelled pool and the batches checked out between rounds.
//
// Every record is in exactly one of three places: the training set
// (terminal), an open batch, or the pool. Mutations go through State,
// which serialises them and persists each one in a single store
// transaction before updating its in-memory view.
package roundstate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matteoLorenzini/dataset-utils/internal/dataset"
	"github.com/matteoLorenzini/dataset-utils/internal/store"
)

// Store is the persistence the state needs.
type Store interface {
	Load(ctx context.Context) (store.Snapshot, error)
	Initialize(ctx context.Context, records []dataset.Record, at time.Time) (string, error)
	AppendTraining(ctx context.Context, records []dataset.Record, origins map[string]int, at time.Time) error
	CreateBatch(ctx context.Context, b store.Batch, ids []string) error
	ResolveBatch(ctx context.Context, index int, at time.Time) ([]string, error)
}

// Status is the lifecycle position of a record.
type Status int

const (
	StatusUnknown Status = iota
	StatusInPool
	StatusCheckedOut
	StatusTraining
)

func (s Status) String() string {
	switch s {
	case StatusInPool:
		return "in_pool"
	case StatusCheckedOut:
		return "checked_out"
	case StatusTraining:
		return "training"
	default:
		return "unknown"
	}
}

// Counts summarises the partition of the corpus.
type Counts struct {
	Corpus      int
	Training    int
	Pool        int
	CheckedOut  int
	OpenBatches int
}

// State is the round state of one experiment.
type State struct {
	mu     sync.Mutex
	store  Store
	logger *zap.Logger
	now    func() time.Time

	corpus  []dataset.Record
	byID    map[string]int
	domains []string

	runID         string
	initializedAt time.Time
	training      []dataset.Record
	inTraining    map[string]struct{}
	checkouts     map[string]int
	batches       map[int]store.Batch
}

// Option configures a State.
type Option func(*State)

// WithClock overrides the time source used for persisted timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

// Open loads the persisted state for corpus. The corpus must be non-empty
// and its IDs unique.
func Open(ctx context.Context, corpus []dataset.Record, st Store, logger *zap.Logger, opts ...Option) (*State, error) {
	if len(corpus) == 0 {
		return nil, dataset.ErrEmptyCorpus
	}
	if err := dataset.ValidateUnique(corpus); err != nil {
		return nil, fmt.Errorf("invalid corpus: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &State{
		store:   st,
		logger:  logger,
		now:     time.Now,
		corpus:  corpus,
		byID:    make(map[string]int, len(corpus)),
		domains: dataset.Domains(corpus),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i, r := range corpus {
		s.byID[r.ID] = i
	}

	snap, err := st.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load round state: %w", err)
	}
	s.apply(snap)

	var stray int
	for _, r := range s.training {
		if _, ok := s.byID[r.ID]; !ok {
			stray++
		}
	}
	if stray > 0 {
		logger.Warn("training records missing from corpus", zap.Int("count", stray))
	}

	c := s.counts()
	logger.Info("round state loaded",
		zap.Bool("initialized", snap.Initialized()),
		zap.Int("training", c.Training),
		zap.Int("pool", c.Pool),
		zap.Int("checked_out", c.CheckedOut),
		zap.Int("open_batches", c.OpenBatches),
	)
	return s, nil
}

func (s *State) apply(snap store.Snapshot) {
	s.runID = snap.RunID
	s.initializedAt = snap.InitializedAt
	s.training = snap.Training
	s.inTraining = make(map[string]struct{}, len(snap.Training))
	for _, r := range snap.Training {
		s.inTraining[r.ID] = struct{}{}
	}
	s.checkouts = snap.Checkouts
	if s.checkouts == nil {
		s.checkouts = make(map[string]int)
	}
	s.batches = make(map[int]store.Batch, len(snap.Batches))
	for _, b := range snap.Batches {
		s.batches[b.Index] = b
	}
}

// Initialize commits the initial training set. It fails with an
// AlreadyInitializedError once a training set has ever been committed.
func (s *State) Initialize(ctx context.Context, records []dataset.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initializedAt.IsZero() {
		return &dataset.AlreadyInitializedError{InitializedAt: s.initializedAt, Size: len(s.training)}
	}
	if err := dataset.ValidateUnique(records); err != nil {
		return err
	}
	if err := s.checkKnown(records); err != nil {
		return err
	}

	at := s.now().UTC()
	runID, err := s.store.Initialize(ctx, records, at)
	if err != nil {
		return err
	}

	s.runID = runID
	s.initializedAt = at
	s.training = append([]dataset.Record(nil), records...)
	for _, r := range records {
		s.inTraining[r.ID] = struct{}{}
	}
	s.logger.Info("training set initialized", zap.String("run_id", runID), zap.Int("records", len(records)))
	return nil
}

// AppendLabelled appends labelled records in input order. The whole call
// fails, leaving the training set unchanged, if any ID is already in the
// training set, repeated in the input, or absent from the corpus.
// Appended records leave whatever batch held them.
func (s *State) AppendLabelled(ctx context.Context, records []dataset.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initializedAt.IsZero() {
		return dataset.ErrNotInitialized
	}
	if len(records) == 0 {
		return nil
	}

	var dups []string
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		_, trained := s.inTraining[r.ID]
		_, repeated := seen[r.ID]
		if trained || repeated {
			dups = append(dups, r.ID)
		}
		seen[r.ID] = struct{}{}
	}
	if len(dups) > 0 {
		return &dataset.DuplicateRecordError{IDs: dups}
	}
	if err := s.checkKnown(records); err != nil {
		return err
	}

	out := make([]dataset.Record, len(records))
	origins := make(map[string]int)
	for i, r := range records {
		if r.Label == "" {
			return fmt.Errorf("record %s has no label", r.ID)
		}
		base := s.corpus[s.byID[r.ID]]
		if r.Text == "" {
			r.Text = base.Text
		}
		if r.Domain == "" {
			r.Domain = base.Domain
		}
		r.Vector = nil
		out[i] = r
		if b, ok := s.checkouts[r.ID]; ok {
			origins[r.ID] = b
		}
	}

	if err := s.store.AppendTraining(ctx, out, origins, s.now().UTC()); err != nil {
		return err
	}

	s.training = append(s.training, out...)
	for _, r := range out {
		s.inTraining[r.ID] = struct{}{}
		delete(s.checkouts, r.ID)
	}
	s.logger.Info("labelled records appended",
		zap.Int("records", len(out)),
		zap.Int("from_batches", len(origins)),
		zap.Int("training", len(s.training)),
	)
	return nil
}

// CurrentPool returns the corpus records that are neither in the training
// set nor checked out, in corpus order.
func (s *State) CurrentPool() []dataset.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool()
}

func (s *State) pool() []dataset.Record {
	out := make([]dataset.Record, 0, len(s.corpus))
	for _, r := range s.corpus {
		if s.statusLocked(r.ID) == StatusInPool {
			out = append(out, r)
		}
	}
	return out
}

// MarkBatchCarved checks out the records of b. The batch index must be
// unused, and every record must currently be in the pool.
func (s *State) MarkBatchCarved(ctx context.Context, b dataset.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initializedAt.IsZero() {
		return dataset.ErrNotInitialized
	}
	if b.Index <= 0 {
		return fmt.Errorf("batch index must be positive, got %d", b.Index)
	}
	if len(b.Records) == 0 {
		return fmt.Errorf("batch %d is empty", b.Index)
	}
	if _, ok := s.batches[b.Index]; ok {
		return fmt.Errorf("batch %d: %w", b.Index, dataset.ErrBatchExists)
	}
	if err := dataset.ValidateUnique(b.Records); err != nil {
		return err
	}
	if err := s.checkKnown(b.Records); err != nil {
		return err
	}
	for _, r := range b.Records {
		if st := s.statusLocked(r.ID); st != StatusInPool {
			return fmt.Errorf("batch %d: record %s is %s, not in pool", b.Index, r.ID, st)
		}
	}

	hdr := store.Batch{Index: b.Index, Seed: b.Seed, Size: len(b.Records), CarvedAt: s.now().UTC()}
	ids := b.IDs()
	if err := s.store.CreateBatch(ctx, hdr, ids); err != nil {
		return err
	}

	s.batches[b.Index] = hdr
	for _, id := range ids {
		s.checkouts[id] = b.Index
	}
	s.logger.Info("batch checked out", zap.Int("batch", b.Index), zap.Int("records", len(ids)))
	return nil
}

// MarkBatchResolved closes an open batch. Members already appended stay in
// the training set; the rest return to the pool and their IDs are
// returned.
func (s *State) MarkBatchResolved(ctx context.Context, index int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[index]
	if !ok || !b.Open() {
		return nil, fmt.Errorf("batch %d: %w", index, dataset.ErrBatchNotFound)
	}

	at := s.now().UTC()
	released, err := s.store.ResolveBatch(ctx, index, at)
	if err != nil {
		return nil, err
	}

	b.ResolvedAt = at
	s.batches[index] = b
	for _, id := range released {
		delete(s.checkouts, id)
	}
	s.logger.Info("batch resolved", zap.Int("batch", index), zap.Int("released", len(released)))
	return released, nil
}

// ReleaseBatch abandons a batch, returning its unappended records to the
// pool.
func (s *State) ReleaseBatch(ctx context.Context, index int) ([]string, error) {
	return s.MarkBatchResolved(ctx, index)
}

// Status reports where a record is. The batch index is set for checked
// out records.
func (s *State) Status(id string) (Status, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statusLocked(id)
	if st == StatusCheckedOut {
		return st, s.checkouts[id]
	}
	return st, 0
}

func (s *State) statusLocked(id string) Status {
	if _, ok := s.inTraining[id]; ok {
		return StatusTraining
	}
	if _, ok := s.checkouts[id]; ok {
		return StatusCheckedOut
	}
	if _, ok := s.byID[id]; ok {
		return StatusInPool
	}
	return StatusUnknown
}

// Training returns a copy of the training set in append order.
func (s *State) Training() []dataset.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dataset.Record(nil), s.training...)
}

// Batches returns every carved batch ordered by index.
func (s *State) Batches() []store.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.Batch, 0, len(s.batches))
	for _, b := range s.batches {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// BatchRecords returns the corpus records checked out by an open batch.
func (s *State) BatchRecords(index int) ([]dataset.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[index]
	if !ok || !b.Open() {
		return nil, fmt.Errorf("batch %d: %w", index, dataset.ErrBatchNotFound)
	}
	var out []dataset.Record
	for _, r := range s.corpus {
		if idx, ok := s.checkouts[r.ID]; ok && idx == index {
			out = append(out, r)
		}
	}
	dataset.SortByID(out)
	return out, nil
}

// NextBatchIndex is one past the highest carved index.
func (s *State) NextBatchIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := 1
	for idx := range s.batches {
		if idx >= next {
			next = idx + 1
		}
	}
	return next
}

// Counts reports the size of each partition.
func (s *State) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts()
}

func (s *State) counts() Counts {
	c := Counts{Corpus: len(s.corpus), Training: len(s.training), CheckedOut: len(s.checkouts)}
	c.Pool = len(s.pool())
	for _, b := range s.batches {
		if b.Open() {
			c.OpenBatches++
		}
	}
	return c
}

// Corpus returns the corpus the state was opened with.
func (s *State) Corpus() []dataset.Record {
	return s.corpus
}

// Domains returns the sorted corpus domains.
func (s *State) Domains() []string {
	return s.domains
}

// Initialized reports whether an initial training set was committed.
func (s *State) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.initializedAt.IsZero()
}

// RunID identifies the experiment; empty before initialisation.
func (s *State) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

func (s *State) checkKnown(records []dataset.Record) error {
	var unknown []string
	for _, r := range records {
		if _, ok := s.byID[r.ID]; !ok {
			unknown = append(unknown, r.ID)
		}
	}
	if len(unknown) > 0 {
		return &dataset.UnknownRecordError{IDs: unknown}
	}
	return nil
}
