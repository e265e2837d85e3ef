// Package reconcile turns the three period-scoped store-count extracts into
// one cross-period table and labels Total rows of sales extracts.
package reconcile

import (
	"fmt"
	"sort"

	"dsdreports/internal/config"
	"dsdreports/internal/exporter"
)

// Key identifies a product at a distributor location.
type Key struct {
	Distributor string
	Product     string
}

func (k Key) less(o Key) bool {
	if k.Distributor != o.Distributor {
		return k.Distributor < o.Distributor
	}
	return k.Product < o.Product
}

// Columns names the extract columns used for counting.
type Columns struct {
	Distributor string
	Product     string
	Store       string
}

// ColumnsFromConfig reads the configured column names.
func ColumnsFromConfig(cfg config.StoreCountsConfig) Columns {
	return Columns{Distributor: cfg.DistributorColumn, Product: cfg.ProductColumn, Store: cfg.StoreColumn}
}

// PeriodCountTable holds the distinct store count per key for one period.
type PeriodCountTable struct {
	Period int
	Counts map[Key]int
}

// Keys returns the table's keys in sorted order.
func (p *PeriodCountTable) Keys() []Key {
	keys := make([]Key, 0, len(p.Counts))
	for k := range p.Counts {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}

// CountStores groups rows by (distributor, product) and counts distinct
// non-empty store values. Cells are compared as read, so "X " and "X" are
// different keys. Rows with an empty distributor or product are dropped.
func CountStores(t *exporter.Table, period int, cols Columns) (*PeriodCountTable, error) {
	di, err := t.ColumnIndex(cols.Distributor)
	if err != nil {
		return nil, err
	}
	pi, err := t.ColumnIndex(cols.Product)
	if err != nil {
		return nil, err
	}
	si, err := t.ColumnIndex(cols.Store)
	if err != nil {
		return nil, err
	}

	distinct := make(map[Key]map[string]struct{})
	for _, row := range t.Rows {
		k := Key{Distributor: row[di], Product: row[pi]}
		if k.Distributor == "" || k.Product == "" {
			continue
		}
		stores, ok := distinct[k]
		if !ok {
			stores = make(map[string]struct{})
			distinct[k] = stores
		}
		if store := row[si]; store != "" {
			stores[store] = struct{}{}
		}
	}

	out := &PeriodCountTable{Period: period, Counts: make(map[Key]int, len(distinct))}
	for k, stores := range distinct {
		out.Counts[k] = len(stores)
	}
	return out, nil
}

// MergedRow is one key with a count per period; nil means the key was
// absent from that period's extract.
type MergedRow struct {
	Key
	Counts []*int
}

// MergedCountTable is the outer join of period tables. Rows are sorted by
// key and Counts are parallel to Periods.
type MergedCountTable struct {
	Periods []int
	Rows    []MergedRow
}

// ColumnName is the header of a period's count column.
func ColumnName(period int) string {
	return fmt.Sprintf("storeCount_%ddays", period)
}

// FromPeriod lifts a single period table into merged form.
func FromPeriod(p *PeriodCountTable) *MergedCountTable {
	m := &MergedCountTable{Periods: []int{p.Period}}
	for _, k := range p.Keys() {
		n := p.Counts[k]
		m.Rows = append(m.Rows, MergedRow{Key: k, Counts: []*int{&n}})
	}
	return m
}

// Merge outer-joins p onto m. Every key of either side appears exactly once.
func Merge(m *MergedCountTable, p *PeriodCountTable) *MergedCountTable {
	out := &MergedCountTable{Periods: append(append([]int(nil), m.Periods...), p.Period)}
	width := len(out.Periods)

	seen := make(map[Key]bool, len(m.Rows))
	for _, r := range m.Rows {
		counts := make([]*int, width)
		copy(counts, r.Counts)
		if n, ok := p.Counts[r.Key]; ok {
			counts[width-1] = &n
		}
		out.Rows = append(out.Rows, MergedRow{Key: r.Key, Counts: counts})
		seen[r.Key] = true
	}
	for k, n := range p.Counts {
		if seen[k] {
			continue
		}
		n := n
		counts := make([]*int, width)
		counts[width-1] = &n
		out.Rows = append(out.Rows, MergedRow{Key: k, Counts: counts})
	}

	sort.Slice(out.Rows, func(i, j int) bool { return out.Rows[i].Key.less(out.Rows[j].Key) })
	return out
}

// MergePeriods joins the tables left to right: ((first ⋈ second) ⋈ third)...
func MergePeriods(first *PeriodCountTable, rest ...*PeriodCountTable) *MergedCountTable {
	m := FromPeriod(first)
	for _, p := range rest {
		m = Merge(m, p)
	}
	return m
}

// Table renders the merged counts with the given key column headers.
func (m *MergedCountTable) Table(distributorCol, productCol string) *exporter.Table {
	t := &exporter.Table{Header: []string{distributorCol, productCol}}
	for _, p := range m.Periods {
		t.Header = append(t.Header, ColumnName(p))
	}
	for _, r := range m.Rows {
		row := []string{r.Distributor, r.Product}
		for _, c := range r.Counts {
			row = append(row, exporter.FormatCount(c))
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// Keys returns the merged key set in row order.
func (m *MergedCountTable) Keys() []Key {
	keys := make([]Key, len(m.Rows))
	for i, r := range m.Rows {
		keys[i] = r.Key
	}
	return keys
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
}
