// Package validation checks the filesystem before a run starts.
package validation

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dsdreports/internal/config"
	"dsdreports/internal/exporter"
	"dsdreports/internal/infrastructure"
)

// FileValidator provides file checks shared by the commands
type FileValidator struct {
	logger *slog.Logger
}

// NewFileValidator creates a new file validator
func NewFileValidator(logger *slog.Logger) *FileValidator {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &FileValidator{logger: infrastructure.WithComponent(logger, "validation")}
}

// ValidateOutputDirectory ensures dir exists, or can be created, and is writable.
func (v *FileValidator) ValidateOutputDirectory(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", dir, err)
	}

	testFile, err := os.CreateTemp(dir, ".write_test")
	if err != nil {
		return fmt.Errorf("output directory %s is not writable: %w", dir, err)
	}
	testFile.Close()
	os.Remove(testFile.Name())

	v.logger.Debug("Output directory validated", slog.String("directory", dir))
	return nil
}

// ValidateFile checks that path is a readable regular file.
func (v *FileValidator) ValidateFile(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("file %s does not exist", path)
	}
	if err != nil {
		return fmt.Errorf("failed to stat file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, not a file", path)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("file %s is not readable: %w", path, err)
	}
	file.Close()

	v.logger.Debug("File validated",
		slog.String("file", path),
		slog.Int64("size", info.Size()))
	return nil
}

// ValidateCSVFile checks the extension and that the header carries every
// column in required.
func (v *FileValidator) ValidateCSVFile(path string, required ...string) error {
	if err := v.ValidateFile(path); err != nil {
		return err
	}
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".csv" {
		return fmt.Errorf("file %s is not a CSV file (extension: %s)", path, ext)
	}
	if len(required) == 0 {
		return nil
	}

	t, err := exporter.ReadCSV(path)
	if err != nil {
		return err
	}
	var missing []string
	for _, col := range required {
		if _, err := t.ColumnIndex(col); err != nil {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("file %s lacks columns %s", path, strings.Join(missing, ", "))
	}
	return nil
}

// Preflight checks everything a run writes to or reads before the browser
// starts. All problems are reported together.
func (v *FileValidator) Preflight(cfg *config.Config, paths *config.Paths) error {
	var errs []error
	for _, dir := range []string{paths.DownloadsDir, paths.ReportsDir, paths.StateDir, paths.LogsDir} {
		errs = append(errs, v.ValidateOutputDirectory(dir))
	}
	if cfg.Mail.Mode == "gmail" {
		errs = append(errs, v.ValidateFile(cfg.Mail.CredentialsFile))
	}
	if cfg.Dashboard.Username == "" || cfg.Dashboard.Password == "" {
		errs = append(errs, errors.New("dashboard credentials are not set (DSD_DASHBOARD_USERNAME, DSD_DASHBOARD_PASSWORD)"))
	}

	err := errors.Join(errs...)
	if err != nil {
		v.logger.Error("Preflight failed", slog.String("error", err.Error()))
		return err
	}
	v.logger.Info("Preflight passed")
	return nil
}
