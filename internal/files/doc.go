// Package files lists download directories and moves retrieved files into
// place without ever replacing an existing one.
//
//	m := files.NewManager(paths, logger)
//	dst, err := m.MoveToFreeName(src, paths.DownloadsDir, "5_2024-03-09", ".csv")
package files
