// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 0.4, cfg.Search.TFIDFWeight)
	assert.Equal(t, 0.6, cfg.Search.BM25Weight)
	assert.Equal(t, time.Hour, cfg.CacheTTL())
	assert.Equal(t, 0.1, cfg.Feedback.LearningRate)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Port, cfg.Port)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
corpus_dir: /srv/docs
port: 9191
search:
  max_features: 1000
  tfidf_weight: 0.5
  bm25_weight: 0.5
cache:
  ttl_seconds: 120
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/docs", cfg.CorpusDir)
	assert.Equal(t, 9191, cfg.Port)
	assert.Equal(t, 1000, cfg.Search.MaxFeatures)
	assert.Equal(t, 120*time.Second, cfg.CacheTTL())
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9191\n"), 0o644))

	t.Setenv(EnvPort, "7777")
	t.Setenv(EnvCorpusDir, "/env/docs")
	t.Setenv(EnvCacheOff, "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Port)
	assert.Equal(t, "/env/docs", cfg.CorpusDir)
	assert.True(t, cfg.Cache.Disabled)
}

func TestLoad_InvalidYAMLFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [not a number\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty corpus dir", func(c *Config) { c.CorpusDir = "" }},
		{"zero port", func(c *Config) { c.Port = 0 }},
		{"negative weight", func(c *Config) { c.Search.TFIDFWeight = -1 }},
		{"all-zero weights", func(c *Config) { c.Search.TFIDFWeight = 0; c.Search.BM25Weight = 0 }},
		{"learning rate 1", func(c *Config) { c.Feedback.LearningRate = 1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
