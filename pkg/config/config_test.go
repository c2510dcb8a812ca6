package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, 0.6, cfg.Fusion.AudioConfidenceThreshold)
	assert.Equal(t, 0.0, cfg.Fusion.FaceLookupMarginSeconds)
	assert.False(t, cfg.Orchestrator.RequireAllBranches)
	assert.Equal(t, 3, cfg.Branch.MaxAttempts)
	assert.Equal(t, "uploads/", cfg.Ingest.UploadPrefix)
	assert.Equal(t, ".mp4", cfg.Ingest.MediaSuffix)
	assert.Equal(t, 5, cfg.Recognizers.MaxSpeakers)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gorggles.yaml")
	content := []byte(`
listen_addr: ":9090"
store:
  type: sqlite
  path: /tmp/test.db
fusion:
  audio_confidence_threshold: 0.75
orchestrator:
  require_all_branches: true
branch:
  max_attempts: 5
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, "sqlite", cfg.Store.Type)
	assert.Equal(t, "/tmp/test.db", cfg.Store.Path)
	assert.Equal(t, 0.75, cfg.Fusion.AudioConfidenceThreshold)
	assert.True(t, cfg.Orchestrator.RequireAllBranches)
	assert.Equal(t, 5, cfg.Branch.MaxAttempts)
	// Untouched keys keep defaults
	assert.Equal(t, 2.0, cfg.Branch.BackoffRate)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"threshold above one", func(c *Config) { c.Fusion.AudioConfidenceThreshold = 1.5 }},
		{"negative margin", func(c *Config) { c.Fusion.FaceLookupMarginSeconds = -1 }},
		{"zero workers", func(c *Config) { c.Orchestrator.Workers = 0 }},
		{"zero attempts", func(c *Config) { c.Branch.MaxAttempts = 0 }},
		{"bad store type", func(c *Config) { c.Store.Type = "dynamo" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
