package importer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// csvRow reads named columns of one row.
type csvRow struct {
	cols   map[string]int
	values []string
	decode func(string) string
}

func (r csvRow) get(col string) string {
	idx, ok := r.cols[col]
	if !ok || idx >= len(r.values) {
		return ""
	}
	v := strings.TrimSpace(r.values[idx])
	if r.decode != nil {
		v = r.decode(v)
	}
	return v
}

// readCSV parses a header-based CSV export and calls row for each record.
// Column names are matched with fold applied. Malformed rows become warnings.
func readCSV(data []byte, required string, fold func(string) string, c *collector, row func(where string, r csvRow)) error {
	// Strip UTF-8 BOM if present
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})

	reader := csv.NewReader(bytes.NewReader(data))
	reader.LazyQuotes = true // Handle malformed exports
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}
	cols := make(map[string]int)
	for i, col := range header {
		cols[fold(strings.TrimSpace(col))] = i
	}
	if _, ok := cols[required]; !ok {
		return fmt.Errorf("missing required column: %s", required)
	}

	rowNum := 1 // header is row 1
	for {
		rowNum++
		where := fmt.Sprintf("row %d", rowNum)
		values, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			c.warn(where, fmt.Sprintf("failed to parse: %v", err))
			continue
		}
		if len(values) != len(header) {
			c.warn(where, fmt.Sprintf("column count mismatch (expected %d, got %d)", len(header), len(values)))
			continue
		}
		row(where, csvRow{cols: cols, values: values})
	}
	return nil
}

func identity(s string) string { return s }

// splitTags splits a comma separated tag list.
func splitTags(s string) []string {
	var tags []string
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
