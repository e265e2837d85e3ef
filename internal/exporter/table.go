package exporter

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ErrColumnNotFound is returned when a header lookup fails.
var ErrColumnNotFound = errors.New("column not found")

// Table is a header plus string rows. Every row has len(Header) cells.
type Table struct {
	Header []string
	Rows   [][]string
}

// ColumnIndex finds a header by name, ignoring case and surrounding space.
func (t *Table) ColumnIndex(name string) (int, error) {
	want := strings.TrimSpace(name)
	for i, h := range t.Header {
		if strings.EqualFold(strings.TrimSpace(h), want) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q in %v", ErrColumnNotFound, name, t.Header)
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	out := &Table{Header: append([]string(nil), t.Header...), Rows: make([][]string, len(t.Rows))}
	for i, r := range t.Rows {
		out.Rows[i] = append([]string(nil), r...)
	}
	return out
}

// ReadCSV loads a CSV file. A UTF-8 BOM is dropped, header names are
// trimmed, and ragged rows are padded or cut to the header width.
func ReadCSV(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	t, err := ParseCSV(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return t, nil
}

// ParseCSV reads a table from r.
func ParseCSV(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return &Table{}, nil
	}
	if err != nil {
		return nil, err
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	t := &Table{Header: header}
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(rec) == 1 && rec[0] == "" {
			continue
		}
		row := make([]string, len(header))
		copy(row, rec)
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}
