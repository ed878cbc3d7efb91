package sampling

import (
	"fmt"

	"github.com/matteoLorenzini/dataset-utils/internal/dataset"
)

// SelectBalanced draws min(k, |group|) records per group uniformly at
// random without replacement. Groups are concatenated in key order. Small
// groups are not an error; their shortfall shows up in the report.
func SelectBalanced(groups *dataset.Groups, k int, seed uint64) ([]dataset.Record, Report, error) {
	if groups == nil || groups.Size() == 0 {
		return nil, Report{}, dataset.ErrEmptyCorpus
	}
	if k <= 0 {
		return nil, Report{}, fmt.Errorf("per-group size must be positive, got %d", k)
	}

	var (
		out    []dataset.Record
		report Report
	)
	for _, key := range groups.Keys() {
		members := groups.Members(key)
		picked := Uniform(members, k, groupSeed(seed, key))
		out = append(out, picked...)
		report.Groups = append(report.Groups, GroupReport{
			Key:       key,
			Size:      len(members),
			Requested: k,
			Selected:  len(picked),
		})
	}
	return out, report, nil
}

// Uniform returns the first n positions of a seeded partial
// Fisher-Yates shuffle of records. All records are returned, in input
// order, when n covers them.
func Uniform(records []dataset.Record, n int, seed uint64) []dataset.Record {
	if n >= len(records) {
		out := make([]dataset.Record, len(records))
		copy(out, records)
		return out
	}

	rng := newRand(seed)
	idx := make([]int, len(records))
	for i := range idx {
		idx[i] = i
	}
	for i := 0; i < n; i++ {
		j := i + rng.IntN(len(idx)-i)
		idx[i], idx[j] = idx[j], idx[i]
	}

	out := make([]dataset.Record, n)
	for i := 0; i < n; i++ {
		out[i] = records[idx[i]]
	}
	return out
}
