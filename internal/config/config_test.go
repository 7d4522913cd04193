package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileDefaults(t *testing.T) {
	cfg, err := LoadFile("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 0.88, cfg.Linker.SimilarityThreshold)
	assert.Equal(t, 25000, cfg.Analysis.MaxContentChars)
	assert.Equal(t, "critical", cfg.Severity.Categories["default-bankruptcy"])
	require.NotEmpty(t, cfg.Sources)
	assert.Equal(t, "edgar-atom", cfg.Sources[0].Scanner)
	assert.Equal(t, time.UTC.String(), cfg.Scheduler.Location().String())
}

func TestLoadFileOverlaysYAML(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: postgres
  dsn: postgres://u:p@localhost/filings
scheduler:
  interval: 90s
  timezone: America/New_York
poller:
  overlap: 30m
severity:
  categories:
    product-launch: medium
sources:
  - name: apple
    scanner: edgar-atom
    recheckAmendments: true
    options:
      ciks: "0000320193"
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 30*time.Minute, cfg.Poller.Overlap)
	assert.Equal(t, 24*time.Hour, cfg.Poller.InitialLookback, "unset fields keep defaults")
	assert.Equal(t, "medium", cfg.Severity.Categories["product-launch"])
	assert.Equal(t, "critical", cfg.Severity.Categories["default-bankruptcy"])
	require.Len(t, cfg.Sources, 1)
	assert.True(t, cfg.Sources[0].RecheckAmendments)
	assert.Equal(t, "0000320193", cfg.Sources[0].Options["ciks"])
}

func TestLoadFileEnvOverrides(t *testing.T) {
	t.Setenv(databaseDSNEnv, "file:override.db")
	t.Setenv(chatGPTAPIKeyEnv, "sk-test")
	t.Setenv(userAgentEnv, "Tester test@example.com")

	cfg, err := LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, "file:override.db", cfg.Database.DSN)
	assert.Equal(t, "sk-test", cfg.ChatGPT.APIKey)
	assert.Equal(t, "Tester test@example.com", cfg.Fetcher.UserAgent)
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
database:
  driver: mysql
linker:
  similarityThreshold: 1.5
sources:
  - name: a
    scanner: edgar-atom
  - name: a
    scanner: edgar-index
`)
	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver")
	assert.Contains(t, err.Error(), "similarityThreshold")
	assert.Contains(t, err.Error(), `source "a" is declared twice`)
}

func TestLoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Sources[0].RecheckAmendments)
}
