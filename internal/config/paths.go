package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Paths contains all the application paths
// This is the single source of truth for every file path a run touches
type Paths struct {
	BaseDir      string
	DataDir      string
	DownloadsDir string
	ReportsDir   string
	StateDir     string
	LogsDir      string

	// Well-known files
	LedgerFile       string
	MetricsTextfile  string
	CombinedCountCSV string
}

// GetPaths resolves the application paths below baseDir.
// An empty baseDir means the directory containing the executable, never the
// current working directory.
func GetPaths(baseDir string) (*Paths, error) {
	if baseDir == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to get executable path: %w", err)
		}

		// Resolve symlinks to get the actual executable location
		exe, err = filepath.EvalSymlinks(exe)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve executable symlinks: %w", err)
		}
		baseDir = filepath.Dir(exe)
	}

	baseDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base dir: %w", err)
	}

	// Directory structure:
	// <base>/
	//   ├── data/
	//   │   ├── downloads/     (exports materialized by the browser)
	//   │   ├── reports/       (rendered documents)
	//   │   └── state/         (run ledger, metrics textfile)
	//   └── logs/
	dataDir := filepath.Join(baseDir, "data")
	stateDir := filepath.Join(dataDir, "state")
	downloadsDir := filepath.Join(dataDir, "downloads")

	return &Paths{
		BaseDir:      baseDir,
		DataDir:      dataDir,
		DownloadsDir: downloadsDir,
		ReportsDir:   filepath.Join(dataDir, "reports"),
		StateDir:     stateDir,
		LogsDir:      filepath.Join(baseDir, "logs"),

		LedgerFile:       filepath.Join(stateDir, "dsdreports.db"),
		MetricsTextfile:  filepath.Join(stateDir, "dsdreports.prom"),
		CombinedCountCSV: filepath.Join(downloadsDir, CombinedCountFile),
	}, nil
}

// applyOverrides replaces resolved directories with explicitly configured ones.
func (p *Paths) applyOverrides(c PathsConfig) {
	if c.DownloadsDir != "" {
		p.DownloadsDir = absOrJoin(p.BaseDir, c.DownloadsDir)
		p.CombinedCountCSV = filepath.Join(p.DownloadsDir, CombinedCountFile)
	}
	if c.ReportsDir != "" {
		p.ReportsDir = absOrJoin(p.BaseDir, c.ReportsDir)
	}
	if c.LogsDir != "" {
		p.LogsDir = absOrJoin(p.BaseDir, c.LogsDir)
	}
	if c.StateDir != "" {
		p.StateDir = absOrJoin(p.BaseDir, c.StateDir)
		p.LedgerFile = filepath.Join(p.StateDir, "dsdreports.db")
		p.MetricsTextfile = filepath.Join(p.StateDir, "dsdreports.prom")
	}
}

func absOrJoin(base, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// EnsureDirectories creates all required directories if they don't exist
func (p *Paths) EnsureDirectories() error {
	directories := []string{
		p.DataDir,
		p.DownloadsDir,
		p.ReportsDir,
		p.StateDir,
		p.LogsDir,
	}

	for _, dir := range directories {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		slog.Debug("Ensured directory exists", slog.String("directory", dir))
	}

	return nil
}

// GetDownloadPath returns the path for a downloaded file
func (p *Paths) GetDownloadPath(filename string) string {
	return filepath.Join(p.DownloadsDir, filename)
}

// GetReportPath returns the path for a rendered document
func (p *Paths) GetReportPath(filename string) string {
	return filepath.Join(p.ReportsDir, filename)
}

// GetEDAReportPath returns the target path of the analysis document for date.
func (p *Paths) GetEDAReportPath(date time.Time) string {
	return filepath.Join(p.DownloadsDir, fmt.Sprintf("Report_%s_EDA.pdf", date.Format("2006-01-02")))
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// LogPathResolution logs path resolution information for debugging
func (p *Paths) LogPathResolution(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("Path resolution summary",
		slog.Group("directories",
			slog.String("base", p.BaseDir),
			slog.String("downloads", p.DownloadsDir),
			slog.String("reports", p.ReportsDir),
			slog.String("state", p.StateDir),
			slog.String("logs", p.LogsDir),
		),
		slog.Group("files",
			slog.String("ledger", p.LedgerFile),
			slog.String("metrics_textfile", p.MetricsTextfile),
			slog.String("combined_storecounts", p.CombinedCountCSV),
		))
}
