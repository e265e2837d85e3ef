// Package exporter reads and writes the tabular extracts handled by a run.
//
// Table is the in-memory form shared by the reconciler, the Total-row
// labeler and the renderers. ReadCSV loads dashboard extracts (tolerating a
// UTF-8 BOM and ragged rows); CSVWriter writes tables back under the run's
// download or report directories.
//
// Example usage:
//
//	t, err := exporter.ReadCSV(paths.GetDownloadPath("5_2024-03-09.csv"))
//	w := exporter.NewCSVWriter(paths, logger)
//	path, err := w.WriteTable("downloads/combined_storecounts.csv", t)
package exporter
