package metrics

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteoLorenzini/dataset-utils/internal/dataset"
	"github.com/matteoLorenzini/dataset-utils/internal/roundstate"
	"github.com/matteoLorenzini/dataset-utils/internal/sampling"
)

func TestObserve(t *testing.T) {
	m := New()
	key := dataset.GroupKey{Label: "positivo", Domain: "archeologia"}
	m.ObserveSelection("balanced", sampling.Report{Groups: []sampling.GroupReport{{Key: key, Size: 3, Requested: 5, Selected: 3}}})
	m.ObserveCounts(roundstate.Counts{Corpus: 100, Training: 40, Pool: 40, CheckedOut: 20, OpenBatches: 1})
	m.BatchCarved(dataset.Batch{Index: 1, Records: []dataset.Record{{ID: "a", Domain: "archeologia"}, {ID: "b", Domain: "archeologia"}, {ID: "c", Domain: "architettura"}}})
	m.Appended(7)
	m.Released(2)
	m.Harvested("beni_archeologici", 30)
	m.Harvested("beni_archeologici", 12)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.selected.WithLabelValues("balanced", "positivo", "archeologia")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.shortfall.WithLabelValues("balanced", "positivo", "archeologia")))
	assert.Equal(t, 20.0, testutil.ToFloat64(m.partition.WithLabelValues("checked_out")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batchesTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.batchRecords.WithLabelValues("archeologia")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.appendedTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.releasedTotal))
	assert.Equal(t, 42.0, testutil.ToFloat64(m.harvestedTotal.WithLabelValues("beni_archeologici")))
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{dataset.ErrEmptyCorpus, "empty_corpus"},
		{fmt.Errorf("carve: %w", &dataset.PoolExhaustedError{}), "pool_exhausted"},
		{&dataset.DuplicateRecordError{IDs: []string{"x"}}, "duplicate_record"},
		{&dataset.AlreadyInitializedError{}, "already_initialized"},
		{fmt.Errorf("wrapped: %w", dataset.ErrBatchNotFound), "batch_not_found"},
		{io.EOF, "other"},
	}
	for _, tt := range tests {
		assert.Equalf(t, tt.want, ErrorKind(tt.err), "error %v", tt.err)
	}

	m := New()
	m.Failed("carve", dataset.ErrPoolExhausted)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsTotal.WithLabelValues("carve", "pool_exhausted")))
}

func TestFlush(t *testing.T) {
	m := New()
	m.Appended(3)

	var pushed string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pushed = r.Method + " " + r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "al.prom")
	require.NoError(t, m.Flush(path, srv.URL, "al_sampler"))

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(body), "al_training_appended_total 3")
	assert.Equal(t, "PUT /metrics/job/al_sampler", pushed)

	require.NoError(t, m.Flush("", "", ""))
}
