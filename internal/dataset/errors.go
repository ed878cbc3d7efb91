package dataset

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrEmptyCorpus        = errors.New("empty corpus")
	ErrInsufficientData   = errors.New("insufficient data")
	ErrAlreadyInitialized = errors.New("training set already initialized")
	ErrDuplicateRecord    = errors.New("duplicate record")
	ErrPoolExhausted      = errors.New("pool exhausted")
	ErrUnknownRecord      = errors.New("unknown record")
	ErrBatchExists        = errors.New("batch already exists")
	ErrBatchNotFound      = errors.New("batch not found")
	ErrNotInitialized     = errors.New("training set not initialized")
)

// InsufficientDataError is returned by the diverse sampler when a group
// has no record with a usable vector.
type InsufficientDataError struct {
	Group GroupKey
	Size  int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: group %s has %d records and no usable vectors", e.Group, e.Size)
}

func (e *InsufficientDataError) Is(target error) bool { return target == ErrInsufficientData }

// AlreadyInitializedError guards the initial training set against overwrite.
type AlreadyInitializedError struct {
	InitializedAt time.Time
	Size          int
}

func (e *AlreadyInitializedError) Error() string {
	return fmt.Sprintf("training set already initialized at %s (%d records); refusing to overwrite",
		e.InitializedAt.UTC().Format(time.RFC3339), e.Size)
}

func (e *AlreadyInitializedError) Is(target error) bool { return target == ErrAlreadyInitialized }

// DuplicateRecordError lists every offending ID of a rejected append.
type DuplicateRecordError struct {
	IDs []string
}

func (e *DuplicateRecordError) Error() string {
	return fmt.Sprintf("duplicate record: %d id(s) already present: %s", len(e.IDs), preview(e.IDs, 10))
}

func (e *DuplicateRecordError) Is(target error) bool { return target == ErrDuplicateRecord }

// UnknownRecordError lists IDs that are not part of the corpus.
type UnknownRecordError struct {
	IDs []string
}

func (e *UnknownRecordError) Error() string {
	return fmt.Sprintf("unknown record: %d id(s) not in corpus: %s", len(e.IDs), preview(e.IDs, 10))
}

func (e *UnknownRecordError) Is(target error) bool { return target == ErrUnknownRecord }

// Shortfall describes one stratum of a batch request that the pool cannot
// fill. Label is empty when batches are stratified by domain only.
type Shortfall struct {
	Domain    string
	Label     string
	Requested int
	Available int
}

func (s Shortfall) String() string {
	name := s.Domain
	if s.Label != "" {
		name = s.Label + "/" + s.Domain
	}
	return fmt.Sprintf("%s (requested %d, available %d)", name, s.Requested, s.Available)
}

// PoolExhaustedError is returned instead of carving an under-filled batch.
type PoolExhaustedError struct {
	Batch      int
	Shortfalls []Shortfall
}

func (e *PoolExhaustedError) Error() string {
	parts := make([]string, len(e.Shortfalls))
	for i, s := range e.Shortfalls {
		parts[i] = s.String()
	}
	return fmt.Sprintf("pool exhausted for batch %d: %s", e.Batch, strings.Join(parts, ", "))
}

func (e *PoolExhaustedError) Is(target error) bool { return target == ErrPoolExhausted }

// Domains names the domains with insufficient remaining records.
func (e *PoolExhaustedError) Domains() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range e.Shortfalls {
		if !seen[s.Domain] {
			seen[s.Domain] = true
			out = append(out, s.Domain)
		}
	}
	return out
}

func preview(ids []string, max int) string {
	if len(ids) <= max {
		return strings.Join(ids, ", ")
	}
	return strings.Join(ids[:max], ", ") + fmt.Sprintf(", ... (+%d)", len(ids)-max)
}
