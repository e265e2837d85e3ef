package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dsdreports/internal/infrastructure"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	defer rootCmd.SetArgs(nil)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func isolate(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	t.Setenv("DSD_PATHS_BASE_DIR", base)
	t.Setenv("DSD_TELEMETRY_METRICS_ENABLED", "false")
	t.Cleanup(infrastructure.ResetLoggerForTesting)
	return base
}

func TestPeriodPaths(t *testing.T) {
	assert.Equal(t, map[int]string{30: "a.csv", 60: "b.csv", 90: "c.csv"}, periodPaths([]string{"a.csv", "b.csv", "c.csv"}))
	assert.Equal(t, map[int]string{30: "a.csv"}, periodPaths([]string{"a.csv"}))
}

func TestReconcileCommand_ArgCount(t *testing.T) {
	_, err := execute(t, "reconcile", "a.csv", "b.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 3 arg(s)")
}

func TestRunCommand_RejectsArgs(t *testing.T) {
	_, err := execute(t, "run", "extra")
	require.Error(t, err)
}

func TestHistoryCommand_InvalidLimit(t *testing.T) {
	_, err := execute(t, "history", "-n", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "positive")
}

func TestReconcileCommand_WritesMergedCSV(t *testing.T) {
	base := isolate(t)
	header := "Distributor Location,Product Name,Retailer\n"
	files := []string{
		header + "North,Lager,Shop A\n",
		header + "North,Lager,Shop A\nNorth,Lager,Shop B\n",
		header + "South,Stout,Shop C\n",
	}
	var args []string
	for i, content := range files {
		p := filepath.Join(base, []string{"30.csv", "60.csv", "90.csv"}[i])
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
		args = append(args, p)
	}
	merged := filepath.Join(base, "merged.csv")

	out, err := execute(t, append([]string{"reconcile", "--out", merged}, args...)...)
	require.NoError(t, err)
	assert.Equal(t, merged, strings.TrimSpace(out))

	data, err := os.ReadFile(merged)
	require.NoError(t, err)
	assert.Contains(t, string(data), "North,Lager,1,2,")
	assert.Contains(t, string(data), "South,Stout,,,1")
}

func TestHistoryCommand_EmptyLedger(t *testing.T) {
	isolate(t)

	out, err := execute(t, "history", "-n", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "RUN")
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 1)
}
