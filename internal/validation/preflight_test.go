package validation

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsdreports/internal/config"
)

func newValidator() *FileValidator {
	return NewFileValidator(slog.New(slog.NewJSONHandler(io.Discard, nil)))
}

func TestValidateOutputDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "reports")
	require.NoError(t, newValidator().ValidateOutputDirectory(dir))
	assert.DirExists(t, dir)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "probe file is removed")
}

func TestValidateFile(t *testing.T) {
	dir := t.TempDir()
	v := newValidator()

	assert.ErrorContains(t, v.ValidateFile(filepath.Join(dir, "missing.json")), "does not exist")
	assert.ErrorContains(t, v.ValidateFile(dir), "is a directory")

	p := filepath.Join(dir, "credentials.json")
	require.NoError(t, os.WriteFile(p, []byte("{}"), 0600))
	assert.NoError(t, v.ValidateFile(p))
}

func TestValidateCSVFile(t *testing.T) {
	dir := t.TempDir()
	v := newValidator()

	csv := filepath.Join(dir, "5_2024-03-09.csv")
	require.NoError(t, os.WriteFile(csv, []byte("Distributor Location,Product Name,Retailer\nNorth,Lager,Shop A\n"), 0644))
	assert.NoError(t, v.ValidateCSVFile(csv))
	assert.NoError(t, v.ValidateCSVFile(csv, "Distributor Location", "Retailer"))
	assert.ErrorContains(t, v.ValidateCSVFile(csv, "Retailer", "Store"), "lacks columns Store")

	txt := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("x"), 0644))
	assert.ErrorContains(t, v.ValidateCSVFile(txt), "not a CSV file")
}

func TestPreflight(t *testing.T) {
	paths, err := config.GetPaths(t.TempDir())
	require.NoError(t, err)
	v := newValidator()

	cfg := config.Default()
	cfg.Dashboard.Username = "alice"
	cfg.Dashboard.Password = "s3cret"
	require.NoError(t, v.Preflight(cfg, paths))
	assert.DirExists(t, paths.DownloadsDir)

	cfg.Dashboard.Password = ""
	cfg.Mail.Mode = "gmail"
	cfg.Mail.CredentialsFile = filepath.Join(t.TempDir(), "absent.json")
	err = v.Preflight(cfg, paths)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials are not set")
	assert.Contains(t, err.Error(), "absent.json")
}
