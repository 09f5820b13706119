// Copyright (C) 2025 Errata Labs (oss@erratalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the classifier service configuration: a YAML
// file with environment-variable overrides. Flags in cmd/ take final
// precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable overrides. Each, when set, wins over the YAML
// value.
const (
	EnvCorpusDir = "CLASSIFIER_CORPUS_DIR"
	EnvDataDir   = "CLASSIFIER_DATA_DIR"
	EnvPort      = "CLASSIFIER_PORT"
	EnvCacheTTL  = "CLASSIFIER_CACHE_TTL_SECONDS"
	EnvCacheOff  = "CLASSIFIER_CACHE_DISABLED"
)

// Config is the full service configuration.
type Config struct {
	// CorpusDir is the root of the documentation tree. Required.
	CorpusDir string `yaml:"corpus_dir"`

	// DataDir is the BadgerDB directory for vectors, feedback, and the
	// hot-query cache. Empty runs the service without persistence.
	DataDir string `yaml:"data_dir"`

	// Port is the HTTP listen port.
	Port int `yaml:"port"`

	Search   SearchConfig   `yaml:"search"`
	Cache    CacheConfig    `yaml:"cache"`
	Feedback FeedbackConfig `yaml:"feedback"`
}

// SearchConfig tunes the retrieval engine.
type SearchConfig struct {
	MaxFeatures int     `yaml:"max_features"`
	TFIDFWeight float64 `yaml:"tfidf_weight"`
	BM25Weight  float64 `yaml:"bm25_weight"`
	BM25K1      float64 `yaml:"bm25_k1"`
	BM25B       float64 `yaml:"bm25_b"`
}

// CacheConfig tunes the hot-query cache.
type CacheConfig struct {
	Disabled   bool `yaml:"disabled"`
	TTLSeconds int  `yaml:"ttl_seconds"`
}

// FeedbackConfig tunes the feedback loop.
type FeedbackConfig struct {
	LearningRate      float64 `yaml:"learning_rate"`
	ConfidenceBoost   float64 `yaml:"confidence_boost"`
	ConfidencePenalty float64 `yaml:"confidence_penalty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		CorpusDir: "docs",
		Port:      8080,
		Search: SearchConfig{
			MaxFeatures: 5000,
			TFIDFWeight: 0.4,
			BM25Weight:  0.6,
			BM25K1:      1.5,
			BM25B:       0.75,
		},
		Cache: CacheConfig{
			TTLSeconds: 3600,
		},
		Feedback: FeedbackConfig{
			LearningRate:      0.1,
			ConfidenceBoost:   5.0,
			ConfidencePenalty: 10.0,
		},
	}
}

// Load reads the configuration: defaults, then the YAML file at path
// (skipped when path is empty or the file does not exist), then
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// No config file is fine; defaults + env apply.
		case err != nil:
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		default:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %q: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c Config) Validate() error {
	if c.CorpusDir == "" {
		return fmt.Errorf("config: corpus_dir must not be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.Search.TFIDFWeight < 0 || c.Search.BM25Weight < 0 {
		return fmt.Errorf("config: search weights must not be negative")
	}
	if c.Search.TFIDFWeight+c.Search.BM25Weight == 0 {
		return fmt.Errorf("config: at least one search weight must be positive")
	}
	if lr := c.Feedback.LearningRate; lr <= 0 || lr >= 1 {
		return fmt.Errorf("config: feedback learning_rate %v outside (0,1)", lr)
	}
	return nil
}

// CacheTTL returns the cache TTL as a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvCorpusDir); v != "" {
		cfg.CorpusDir = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv(EnvCacheTTL); v != "" {
		if ttl, err := strconv.Atoi(v); err == nil {
			cfg.Cache.TTLSeconds = ttl
		}
	}
	if v := os.Getenv(EnvCacheOff); v != "" {
		if off, err := strconv.ParseBool(v); err == nil {
			cfg.Cache.Disabled = off
		}
	}
}
