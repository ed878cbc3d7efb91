// Package dataset holds the corpus record model, the (label, domain) group
// index and the error taxonomy shared by the samplers, the batch carver and
// round state.
package dataset

import (
	"sort"
)

// Record is one annotated corpus row. Records are passed by value and never
// mutated once loaded.
type Record struct {
	ID     string
	Text   string
	Label  string
	Domain string

	// Vector is an optional pre-computed representation of Text.
	Vector []float64
}

// Key returns the stratification key of the record.
func (r Record) Key() GroupKey {
	return GroupKey{Label: r.Label, Domain: r.Domain}
}

// HasVector reports whether the record carries a pre-supplied vector.
func (r Record) HasVector() bool {
	return len(r.Vector) > 0
}

// IDs returns the record IDs in input order.
func IDs(records []Record) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}

// ValidateUnique fails with a DuplicateRecordError listing every ID that
// occurs more than once.
func ValidateUnique(records []Record) error {
	seen := make(map[string]int, len(records))
	var dups []string
	for _, r := range records {
		seen[r.ID]++
		if seen[r.ID] == 2 {
			dups = append(dups, r.ID)
		}
	}
	if len(dups) > 0 {
		return &DuplicateRecordError{IDs: dups}
	}
	return nil
}

// Domains returns the distinct domains of records, sorted.
func Domains(records []Record) []string {
	set := make(map[string]struct{})
	for _, r := range records {
		set[r.Domain] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// Labels returns the distinct labels of records, sorted.
func Labels(records []Record) []string {
	set := make(map[string]struct{})
	for _, r := range records {
		set[r.Label] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// SortByID sorts records by ID ascending in place.
func SortByID(records []Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
}
