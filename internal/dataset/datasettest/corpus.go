// Package datasettest builds synthetic corpora for tests.
package datasettest

import (
	"fmt"

	"github.com/matteoLorenzini/dataset-utils/internal/dataset"
)

// Grid returns perGroup records for every (label, domain) pair. IDs are
// "<label>-<domain>-<nn>" so they sort deterministically; texts share a
// per-group vocabulary with a few distinct words per record.
func Grid(labels, domains []string, perGroup int) []dataset.Record {
	var out []dataset.Record
	for _, l := range labels {
		for _, d := range domains {
			for i := 0; i < perGroup; i++ {
				out = append(out, dataset.Record{
					ID:     fmt.Sprintf("%s-%s-%02d", l, d, i),
					Text:   fmt.Sprintf("%s %s descrizione oggetto%d variante%d", l, d, i%5, i%3),
					Label:  l,
					Domain: d,
				})
			}
		}
	}
	return out
}

// Scenario is the reference corpus: 2 labels x 2 domains, 25 records each.
func Scenario() []dataset.Record {
	return Grid([]string{"positivo", "negativo"}, []string{"archeologia", "architettura"}, 25)
}
