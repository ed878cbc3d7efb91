package sampling_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteoLorenzini/dataset-utils/internal/dataset"
	"github.com/matteoLorenzini/dataset-utils/internal/dataset/datasettest"
	"github.com/matteoLorenzini/dataset-utils/internal/sampling"
)

func index(t *testing.T, records []dataset.Record) *dataset.Groups {
	t.Helper()
	groups, err := dataset.Index(records)
	require.NoError(t, err)
	return groups
}

func countByGroup(records []dataset.Record) map[dataset.GroupKey]int {
	out := make(map[dataset.GroupKey]int)
	for _, r := range records {
		out[r.Key()]++
	}
	return out
}

func TestSelectBalancedScenario(t *testing.T) {
	groups := index(t, datasettest.Scenario())

	picked, report, err := sampling.SelectBalanced(groups, 10, 42)
	require.NoError(t, err)
	require.Len(t, picked, 40)
	assert.Equal(t, 40, report.Total())
	assert.Empty(t, report.Shortfalls())

	for k, n := range countByGroup(picked) {
		assert.Equalf(t, 10, n, "group %s", k)
	}
	require.NoError(t, dataset.ValidateUnique(picked))
}

func TestSelectBalancedCounts(t *testing.T) {
	records := datasettest.Grid([]string{"pos"}, []string{"a"}, 12)
	records = append(records, datasettest.Grid([]string{"neg"}, []string{"a"}, 3)...)
	groups := index(t, records)

	tests := []struct {
		k    int
		want map[string]int
	}{
		{k: 1, want: map[string]int{"pos": 1, "neg": 1}},
		{k: 3, want: map[string]int{"pos": 3, "neg": 3}},
		{k: 5, want: map[string]int{"pos": 5, "neg": 3}},
		{k: 50, want: map[string]int{"pos": 12, "neg": 3}},
	}
	for _, tt := range tests {
		picked, report, err := sampling.SelectBalanced(groups, tt.k, 1)
		require.NoError(t, err)

		got := make(map[string]int)
		for _, r := range picked {
			got[r.Label]++
		}
		assert.Equalf(t, tt.want, got, "k=%d", tt.k)

		for _, g := range report.Groups {
			assert.Equal(t, tt.k, g.Requested)
			assert.Equal(t, tt.want[g.Key.Label], g.Selected)
		}
	}
}

func TestSelectBalancedReportsShortfall(t *testing.T) {
	records := datasettest.Grid([]string{"pos"}, []string{"a"}, 2)
	records = append(records, datasettest.Grid([]string{"neg"}, []string{"a"}, 8)...)
	_, report, err := sampling.SelectBalanced(index(t, records), 5, 1)
	require.NoError(t, err)

	short := report.Shortfalls()
	require.Len(t, short, 1)
	assert.Equal(t, "pos", short[0].Key.Label)
	assert.Equal(t, 3, short[0].Shortfall())
}

func TestSelectBalancedDeterministicOrder(t *testing.T) {
	groups := index(t, datasettest.Scenario())

	first, _, err := sampling.SelectBalanced(groups, 7, 99)
	require.NoError(t, err)
	again, _, err := sampling.SelectBalanced(groups, 7, 99)
	require.NoError(t, err)
	other, _, err := sampling.SelectBalanced(groups, 7, 100)
	require.NoError(t, err)

	assert.Equal(t, dataset.IDs(first), dataset.IDs(again))
	assert.NotEqual(t, dataset.IDs(first), dataset.IDs(other))

	// Concatenated in sorted key order.
	var keys []dataset.GroupKey
	for _, r := range first {
		if len(keys) == 0 || keys[len(keys)-1] != r.Key() {
			keys = append(keys, r.Key())
		}
	}
	assert.Equal(t, groups.Keys(), keys)
}

func TestSelectBalancedRejectsBadInput(t *testing.T) {
	_, _, err := sampling.SelectBalanced(nil, 3, 1)
	assert.ErrorIs(t, err, dataset.ErrEmptyCorpus)

	_, _, err = sampling.SelectBalanced(index(t, datasettest.Scenario()), 0, 1)
	assert.Error(t, err)
}

func TestResolveQuota(t *testing.T) {
	records := datasettest.Grid([]string{"pos"}, []string{"a"}, 20)
	records = append(records, datasettest.Grid([]string{"neg"}, []string{"a"}, 6)...)
	groups := index(t, records)

	tests := []struct {
		name                string
		requested, minGroup int
		want                int
	}{
		{"smallest group", 0, 0, 6},
		{"requested below smallest", 4, 0, 4},
		{"requested above smallest", 10, 0, 10},
		{"requested ignores minimum", 4, 5, 4},
		{"minimum above smallest", 0, 9, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sampling.ResolveQuota(groups, tt.requested, tt.minGroup))
		})
	}
}

func TestSelectBalancedUnevenGroupsKeepRequestedQuota(t *testing.T) {
	records := datasettest.Grid([]string{"a", "b"}, []string{"d1"}, 25)
	records = append(records, datasettest.Grid([]string{"a"}, []string{"d2"}, 25)...)
	records = append(records, datasettest.Grid([]string{"b"}, []string{"d2"}, 3)...)
	groups := index(t, records)

	quota := sampling.ResolveQuota(groups, 10, 5)
	require.Equal(t, 10, quota)

	picked, report, err := sampling.SelectBalanced(groups, quota, 42)
	require.NoError(t, err)
	assert.Len(t, picked, 33)

	counts := countByGroup(picked)
	assert.Equal(t, 10, counts[dataset.GroupKey{Label: "a", Domain: "d1"}])
	assert.Equal(t, 10, counts[dataset.GroupKey{Label: "a", Domain: "d2"}])
	assert.Equal(t, 10, counts[dataset.GroupKey{Label: "b", Domain: "d1"}])
	assert.Equal(t, 3, counts[dataset.GroupKey{Label: "b", Domain: "d2"}])

	short := report.Shortfalls()
	require.Len(t, short, 1)
	assert.Equal(t, dataset.GroupKey{Label: "b", Domain: "d2"}, short[0].Key)
	assert.Equal(t, 10, short[0].Requested)
	assert.Equal(t, 7, short[0].Shortfall())
}

func TestSelectDiverseCaps(t *testing.T) {
	records := datasettest.Grid([]string{"pos", "neg"}, []string{"archeologia"}, 15)
	records = append(records, datasettest.Grid([]string{"pos"}, []string{"architettura"}, 3)...)
	groups := index(t, records)

	picked, report, err := sampling.SelectDiverse(context.Background(), groups, 5, 3, sampling.DiverseOptions{Seed: 42})
	require.NoError(t, err)
	require.NoError(t, dataset.ValidateUnique(picked))

	counts := countByGroup(picked)
	for _, k := range groups.Keys() {
		assert.LessOrEqual(t, counts[k], 5)
	}
	assert.Equal(t, 5, counts[dataset.GroupKey{Label: "pos", Domain: "archeologia"}])

	small := groups.Members(dataset.GroupKey{Label: "pos", Domain: "architettura"})
	assert.Equal(t, 3, counts[dataset.GroupKey{Label: "pos", Domain: "architettura"}])
	var smallPicked []dataset.Record
	for _, r := range picked {
		if r.Domain == "architettura" {
			smallPicked = append(smallPicked, r)
		}
	}
	assert.Equal(t, dataset.IDs(small), dataset.IDs(smallPicked))
	assert.Equal(t, len(picked), report.Total())
}

func TestSelectDiverseDeterministic(t *testing.T) {
	groups := index(t, datasettest.Scenario())
	opts := sampling.DiverseOptions{Seed: 7, Concurrency: 2}

	first, _, err := sampling.SelectDiverse(context.Background(), groups, 6, 3, opts)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, _, err := sampling.SelectDiverse(context.Background(), groups, 6, 3, opts)
		require.NoError(t, err)
		assert.Equal(t, dataset.IDs(first), dataset.IDs(again))
	}
}

func TestSelectDiverseRoundRobinAcrossClusters(t *testing.T) {
	var records []dataset.Record
	for i, v := range [][]float64{{1, 0}, {0.98, 0.02}, {0.97, 0.03}, {0, 1}, {0.02, 0.98}, {0.03, 0.97}} {
		blob := "a"
		if i >= 3 {
			blob = "b"
		}
		records = append(records, dataset.Record{
			ID: blob + string(rune('0'+i)), Label: "pos", Domain: "d", Vector: v,
		})
	}

	picked, _, err := sampling.SelectDiverse(context.Background(), index(t, records), 2, 2, sampling.DiverseOptions{Seed: 3})
	require.NoError(t, err)
	require.Len(t, picked, 2)
	assert.NotEqual(t, picked[0].ID[:1], picked[1].ID[:1])
}

func TestSelectDiverseTiesBrokenByID(t *testing.T) {
	records := []dataset.Record{
		{ID: "d", Label: "pos", Domain: "x", Vector: []float64{1, 1}},
		{ID: "b", Label: "pos", Domain: "x", Vector: []float64{1, 1}},
		{ID: "c", Label: "pos", Domain: "x", Vector: []float64{1, 1}},
		{ID: "a", Label: "pos", Domain: "x", Vector: []float64{1, 1}},
	}
	picked, _, err := sampling.SelectDiverse(context.Background(), index(t, records), 2, 1, sampling.DiverseOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, dataset.IDs(picked))
}

func TestSelectDiverseInsufficientData(t *testing.T) {
	records := []dataset.Record{
		{ID: "1", Text: "", Label: "pos", Domain: "x"},
		{ID: "2", Text: "12 34 !!", Label: "pos", Domain: "x"},
		{ID: "3", Text: "chiesa romanica", Label: "neg", Domain: "x"},
	}
	_, _, err := sampling.SelectDiverse(context.Background(), index(t, records), 1, 1, sampling.DiverseOptions{})
	require.ErrorIs(t, err, dataset.ErrInsufficientData)

	var ide *dataset.InsufficientDataError
	require.True(t, errors.As(err, &ide))
	assert.Equal(t, dataset.GroupKey{Label: "pos", Domain: "x"}, ide.Group)
	assert.True(t, strings.Contains(err.Error(), "pos/x"))
}

func TestSelectDiverseSkipsUnusableText(t *testing.T) {
	records := []dataset.Record{
		{ID: "1", Text: "", Label: "pos", Domain: "x"},
		{ID: "2", Text: "anfora romana", Label: "pos", Domain: "x"},
		{ID: "3", Text: "", Label: "pos", Domain: "x"},
	}
	picked, report, err := sampling.SelectDiverse(context.Background(), index(t, records), 2, 2, sampling.DiverseOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, dataset.IDs(picked))
	assert.Equal(t, 1, report.Shortfalls()[0].Shortfall())
}

func TestSelectDiverseHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := sampling.SelectDiverse(ctx, index(t, datasettest.Scenario()), 5, 2, sampling.DiverseOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}
