package reconcile

import (
	"dsdreports/internal/config"
	"dsdreports/internal/exporter"
)

// TotalLabel replaces the product name on boundary rows.
const TotalLabel = "Total"

// SalesColumns names the columns used for Total-row labeling.
type SalesColumns struct {
	Location string
	Product  string
}

// SalesColumnsFromConfig reads the configured column names.
func SalesColumnsFromConfig(cfg config.SalesConfig) SalesColumns {
	return SalesColumns{Location: cfg.LocationColumn, Product: cfg.ProductColumn}
}

// Boundaries returns the indexes whose location differs from the previous
// one. The first row is always a boundary.
func Boundaries(locations []string) []int {
	var out []int
	var prev string
	for i, loc := range locations {
		if i == 0 || loc != prev {
			out = append(out, i)
		}
		prev = loc
	}
	return out
}

// LabelTotals overwrites the product of every boundary row with "Total",
// in the table's own row order, and returns the boundary indexes.
func LabelTotals(t *exporter.Table, cols SalesColumns) ([]int, error) {
	li, err := t.ColumnIndex(cols.Location)
	if err != nil {
		return nil, err
	}
	pi, err := t.ColumnIndex(cols.Product)
	if err != nil {
		return nil, err
	}

	locations := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		locations[i] = row[li]
	}
	boundaries := Boundaries(locations)
	for _, i := range boundaries {
		t.Rows[i][pi] = TotalLabel
	}
	return boundaries, nil
}
