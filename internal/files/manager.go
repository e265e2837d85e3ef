package files

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dsdreports/internal/config"
)

const maxNameSuffix = 1000

// Manager moves files between the download and report directories.
type Manager struct {
	paths  *config.Paths
	logger *slog.Logger
}

// NewManager returns a Manager resolving relative paths against paths.
// paths may be nil, in which case paths are used as given.
func NewManager(paths *config.Paths, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{paths: paths, logger: logger}
}

// MoveFile moves src to dst, replacing dst. A rename is tried first; across
// filesystems the content is copied and src removed.
func (m *Manager) MoveFile(src, dst string) error {
	src, dst = m.resolvePath(src), m.resolvePath(dst)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	if err := os.Rename(src, dst); err == nil {
		m.logger.Debug("Moved file", slog.String("src_path", src), slog.String("dst_path", dst))
		return nil
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	m.logger.Debug("Copied file across filesystems", slog.String("src_path", src), slog.String("dst_path", dst))
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// FreeName returns the first of dir/base+ext, dir/base-1+ext, dir/base-2+ext
// and so on that does not exist yet.
func (m *Manager) FreeName(dir, base, ext string) (string, error) {
	dir = m.resolvePath(dir)
	for n := 0; n < maxNameSuffix; n++ {
		name := base + ext
		if n > 0 {
			name = fmt.Sprintf("%s-%d%s", base, n, ext)
		}
		candidate := filepath.Join(dir, name)
		_, err := os.Stat(candidate)
		if errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no free name for %s%s in %s", base, ext, dir)
}

// MoveToFreeName moves src into dir under the name FreeName picks and
// returns the new path.
func (m *Manager) MoveToFreeName(src, dir, base, ext string) (string, error) {
	dst, err := m.FreeName(dir, base, ext)
	if err != nil {
		return "", err
	}
	if err := m.MoveFile(src, dst); err != nil {
		return "", err
	}
	m.logger.Info("Stored file", slog.String("path", dst))
	return dst, nil
}

// ExistingFiles keeps the entries of paths that are regular files, in
// order. Empty entries are skipped silently, missing ones with a warning.
func (m *Manager) ExistingFiles(paths []string) []string {
	var out []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		p = m.resolvePath(p)
		info, err := os.Stat(p)
		if err != nil || !info.Mode().IsRegular() {
			m.logger.Warn("Skipping missing file", slog.String("path", p))
			continue
		}
		out = append(out, p)
	}
	return out
}

// resolvePath maps "downloads/…" and "reports/…" onto their directories
// and anything else relative onto the data directory.
func (m *Manager) resolvePath(path string) string {
	if filepath.IsAbs(path) || m.paths == nil {
		return path
	}
	if rest, ok := strings.CutPrefix(path, "downloads/"); ok {
		return m.paths.GetDownloadPath(rest)
	}
	if rest, ok := strings.CutPrefix(path, "reports/"); ok {
		return m.paths.GetReportPath(rest)
	}
	return filepath.Join(m.paths.DataDir, path)
}
