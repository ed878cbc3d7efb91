// Package artifact renders batches and the training set as tabular files
// and publishes them to a local directory, S3 or a Hugging Face dataset.
package artifact

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/matteoLorenzini/dataset-utils/internal/dataset"
	"github.com/matteoLorenzini/dataset-utils/internal/labelstudio"
)

// Format is an artifact file format.
type Format string

const (
	FormatCSV         Format = "csv"
	FormatXLSX        Format = "xlsx"
	FormatLabelStudio Format = "labelstudio"
)

// Columns is the header of every tabular artifact.
var Columns = []string{"id", "text", "domain", "label"}

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatXLSX, FormatLabelStudio:
		return f, nil
	case "":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unknown artifact format %q (want csv, xlsx or labelstudio)", s)
	}
}

// Ext is the file extension of the format.
func (f Format) Ext() string {
	if f == FormatLabelStudio {
		return "json"
	}
	return string(f)
}

// ContentType is the MIME type of the format.
func (f Format) ContentType() string {
	switch f {
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatLabelStudio:
		return "application/json"
	default:
		return "text/csv"
	}
}

// BatchName is the artifact name of batch index.
func BatchName(index int, f Format) string {
	return fmt.Sprintf("unlabelled_batch_%d.%s", index, f.Ext())
}

// TrainingName is the artifact name of the training set export.
func TrainingName(f Format) string {
	return "dataset_active_learning." + f.Ext()
}

// Encode renders records. Labels are written only when withLabels is set,
// so batch artifacts ship with an empty label column.
func Encode(records []dataset.Record, f Format, withLabels bool) ([]byte, error) {
	switch f {
	case FormatCSV:
		return encodeCSV(records, withLabels)
	case FormatXLSX:
		return encodeXLSX(records, withLabels)
	case FormatLabelStudio:
		return labelstudio.EncodeTasks(records, withLabels)
	default:
		return nil, fmt.Errorf("unknown artifact format %q", f)
	}
}

func row(r dataset.Record, withLabels bool) []string {
	label := ""
	if withLabels {
		label = r.Label
	}
	return []string{r.ID, r.Text, r.Domain, label}
}

func encodeCSV(records []dataset.Record, withLabels bool) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Columns); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, r := range records {
		if err := w.Write(row(r, withLabels)); err != nil {
			return nil, fmt.Errorf("failed to write CSV row %s: %w", r.ID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}
	return buf.Bytes(), nil
}

const xlsxSheet = "dati"

func encodeXLSX(records []dataset.Record, withLabels bool) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), xlsxSheet); err != nil {
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}

	header := make([]any, len(Columns))
	for i, c := range Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(xlsxSheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	for i, r := range records {
		cells := row(r, withLabels)
		values := make([]any, len(cells))
		for j, c := range cells {
			values[j] = c
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(xlsxSheet, cell, &values); err != nil {
			return nil, fmt.Errorf("failed to write row %s: %w", r.ID, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to encode workbook: %w", err)
	}
	return buf.Bytes(), nil
}
