package dataset

// Batch is an ordered set of pool records carved for one round.
type Batch struct {
	Index   int
	Seed    uint64
	Records []Record
}

// IDs returns the IDs of the batch records in order.
func (b Batch) IDs() []string {
	return IDs(b.Records)
}

// CountByDomain returns the number of batch records per domain.
func (b Batch) CountByDomain() map[string]int {
	out := make(map[string]int)
	for _, r := range b.Records {
		out[r.Domain]++
	}
	return out
}
