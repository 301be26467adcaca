package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	dir := t.TempDir()
	metricsFile := filepath.Join(dir, "metrics.prom")
	rootCmd.SetArgs([]string{
		"run",
		"--parties", "4",
		"--threshold", "3",
		"--shuffle", "7",
		"--store-dir", filepath.Join(dir, "stores"),
		"--passphrase", "correct horse",
		"--metrics-file", metricsFile,
		"--log-level", "warn",
	})
	require.NoError(t, rootCmd.Execute())

	entries, err := os.ReadDir(filepath.Join(dir, "stores"))
	require.NoError(t, err)
	assert.Len(t, entries, 4)

	data, err := os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `tss_sessions_total{party="node-1",purpose="keygen",result="success"} 1`)
	assert.Contains(t, string(data), `tss_signatures_total{party="node-1",result="signed"} 1`)
}

func TestRun_InvalidThreshold(t *testing.T) {
	rootCmd.SetArgs([]string{"run", "--parties", "2", "--threshold", "3"})
	assert.Error(t, rootCmd.Execute())
}
