// Package sampling selects per-group subsets of an indexed corpus, either
// uniformly at random or by cluster representatives.
package sampling

import (
	"hash/fnv"
	"math/rand/v2"

	"github.com/matteoLorenzini/dataset-utils/internal/dataset"
)

// GroupReport is the requested/actual count of one group.
type GroupReport struct {
	Key       dataset.GroupKey
	Size      int
	Requested int
	Selected  int
}

// Shortfall is how many records the group could not supply.
func (g GroupReport) Shortfall() int {
	if g.Selected >= g.Requested {
		return 0
	}
	return g.Requested - g.Selected
}

// Report describes a selection, one entry per group in key order.
type Report struct {
	Groups []GroupReport
}

// Total is the number of selected records.
func (r Report) Total() int {
	n := 0
	for _, g := range r.Groups {
		n += g.Selected
	}
	return n
}

// Shortfalls returns the groups that supplied fewer than requested.
func (r Report) Shortfalls() []GroupReport {
	var out []GroupReport
	for _, g := range r.Groups {
		if g.Shortfall() > 0 {
			out = append(out, g)
		}
	}
	return out
}

// ResolveQuota returns the per-group quota used by the initial selection.
// A positive requested quota is used as is; groups smaller than it report
// a shortfall. Otherwise the quota is the smallest group size, raised to
// minPerGroup.
func ResolveQuota(groups *dataset.Groups, requested, minPerGroup int) int {
	if requested > 0 {
		return requested
	}
	q := groups.MinSize()
	if q < minPerGroup {
		q = minPerGroup
	}
	return q
}

// groupSeed mixes the run seed with the group key so every group draws
// from its own stream regardless of processing order.
func groupSeed(seed uint64, k dataset.GroupKey) uint64 {
	h := fnv.New64a()
	h.Write([]byte(k.Label))
	h.Write([]byte{0})
	h.Write([]byte(k.Domain))
	return seed ^ h.Sum64()
}

func newRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed>>1|1))
}
