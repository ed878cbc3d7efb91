package dataset

import (
	"sort"
)

// GroupKey identifies a (label, domain) stratum.
type GroupKey struct {
	Label  string
	Domain string
}

func (k GroupKey) String() string {
	return k.Label + "/" + k.Domain
}

// Less orders keys lexicographically by label, then domain.
func (k GroupKey) Less(o GroupKey) bool {
	if k.Label != o.Label {
		return k.Label < o.Label
	}
	return k.Domain < o.Domain
}

// Groups partitions a corpus by (label, domain). Members keep input order.
type Groups struct {
	keys    []GroupKey
	members map[GroupKey][]Record
	size    int
}

// Index partitions records into disjoint (label, domain) groups. IDs must
// be unique.
func Index(records []Record) (*Groups, error) {
	if len(records) == 0 {
		return nil, ErrEmptyCorpus
	}
	if err := ValidateUnique(records); err != nil {
		return nil, err
	}

	g := &Groups{members: make(map[GroupKey][]Record)}
	for _, r := range records {
		k := r.Key()
		if _, ok := g.members[k]; !ok {
			g.keys = append(g.keys, k)
		}
		g.members[k] = append(g.members[k], r)
	}
	g.size = len(records)

	sort.Slice(g.keys, func(i, j int) bool { return g.keys[i].Less(g.keys[j]) })
	return g, nil
}

// Keys returns the group keys in lexicographic order.
func (g *Groups) Keys() []GroupKey {
	out := make([]GroupKey, len(g.keys))
	copy(out, g.keys)
	return out
}

// Members returns the records of a group in input order.
func (g *Groups) Members(k GroupKey) []Record {
	return g.members[k]
}

// Len is the number of groups.
func (g *Groups) Len() int {
	return len(g.keys)
}

// Size is the number of indexed records.
func (g *Groups) Size() int {
	return g.size
}

// MinSize returns the size of the smallest group.
func (g *Groups) MinSize() int {
	min := -1
	for _, k := range g.keys {
		if n := len(g.members[k]); min < 0 || n < min {
			min = n
		}
	}
	return min
}

// Counts returns the size of each group.
func (g *Groups) Counts() map[GroupKey]int {
	out := make(map[GroupKey]int, len(g.keys))
	for _, k := range g.keys {
		out[k] = len(g.members[k])
	}
	return out
}
