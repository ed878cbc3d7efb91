package corpus

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Table is a parsed tabular file with normalised headers.
type Table struct {
	Headers []string
	Rows    [][]string
}

// Column returns the position of a header, or -1.
func (t *Table) Column(name string) int {
	name = NormalizeColumnName(name)
	for i, h := range t.Headers {
		if h == name {
			return i
		}
	}
	return -1
}

// ParseTable parses CSV, TSV or Excel content, choosing the format by file
// extension.
func ParseTable(filename string, content []byte) (*Table, error) {
	switch strings.ToLower(path.Ext(filename)) {
	case ".csv":
		return parseCSV(content, ',')
	case ".tsv":
		return parseCSV(content, '\t')
	case ".xlsx", ".xlsm":
		return parseExcel(content)
	default:
		return nil, fmt.Errorf("unsupported file type: %s", filename)
	}
}

func parseCSV(content []byte, comma rune) (*Table, error) {
	content = bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))

	reader := csv.NewReader(bytes.NewReader(content))
	reader.Comma = comma
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	all, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse CSV: %w", err)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("empty CSV file")
	}
	return newTable(all[0], all[1:]), nil
}

// metadataSheets are skipped when looking for the data sheet.
var metadataSheets = map[string]bool{
	"info":     true,
	"metadata": true,
	"about":    true,
	"readme":   true,
	"notes":    true,
}

func parseExcel(content []byte) (*Table, error) {
	f, err := excelize.OpenReader(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to open Excel file: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets in Excel file")
	}

	var sheet string
	for _, s := range sheets {
		if !metadataSheets[strings.ToLower(s)] {
			sheet = s
			break
		}
	}
	// All metadata: the last sheet most likely holds the data.
	if sheet == "" {
		sheet = sheets[len(sheets)-1]
	}

	all, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read Excel rows: %w", err)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("empty Excel sheet %q", sheet)
	}
	return newTable(all[0], all[1:]), nil
}

// newTable normalises headers and pads or trims rows to the header width.
func newTable(headers []string, rows [][]string) *Table {
	t := &Table{Headers: make([]string, len(headers))}
	for i, h := range headers {
		t.Headers[i] = NormalizeColumnName(h)
	}
	for _, row := range rows {
		if isBlank(row) {
			continue
		}
		switch {
		case len(row) < len(headers):
			padded := make([]string, len(headers))
			copy(padded, row)
			row = padded
		case len(row) > len(headers):
			row = row[:len(headers)]
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

func isBlank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// columnAliases collapse common synonyms to canonical names.
var columnAliases = map[string]string{
	"testo":     "text",
	"etichetta": "label",
	"classe":    "label",
	"domain":    "dominio",
	"record_id": "id",
}

// NormalizeColumnName lowercases a header and collapses runs of
// non-alphanumeric characters to a single underscore.
func NormalizeColumnName(name string) string {
	n := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
	n = strings.Trim(nonAlnum.ReplaceAllString(n, "_"), "_")
	if v, ok := columnAliases[n]; ok {
		n = v
	}
	return n
}
