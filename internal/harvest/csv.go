package harvest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
)

// Columns is the header of a harvested set file.
var Columns = []string{"identifier", "title", "description", "type", "subject"}

const multiValueSep = "; "

// EncodeCSV renders records with Columns as header. Repeated type and
// subject values are joined with "; ".
func EncodeCSV(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Columns); err != nil {
		return nil, err
	}
	for _, r := range records {
		row := []string{
			r.Identifier,
			r.Title,
			r.Description,
			strings.Join(r.Types, multiValueSep),
			strings.Join(r.Subjects, multiValueSep),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write record %s: %w", r.Identifier, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FileName is the file a set is written to. Its stem is the domain the
// loader assigns with domain_from_source.
func FileName(set string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, strings.TrimSpace(set))
	if name == "" {
		name = "all"
	}
	return name + ".csv"
}
