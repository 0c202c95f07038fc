// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the YAML configuration for the codehealth pipeline.
package config

import "time"

// Config is the root of codehealth.yaml.
type Config struct {
	// Watch controls change delivery: debounce window, queue size, file policy.
	Watch WatchConfig `yaml:"watch"`

	// Throttle controls how often a single path may be updated.
	Throttle ThrottleConfig `yaml:"throttle"`

	// Backup controls file snapshots taken before an update is applied.
	Backup BackupConfig `yaml:"backup"`

	// Risk holds classifier thresholds.
	Risk RiskConfig `yaml:"risk"`

	// Health holds scorer thresholds and weights.
	Health HealthConfig `yaml:"health"`

	// Embedding selects and tunes the embedding collaborator.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Server configures the optional HTTP surface.
	Server ServerConfig `yaml:"server"`

	// Logging configures pkg/logging.
	Logging LoggingConfig `yaml:"logging"`

	// Telemetry selects the otel exporters.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type WatchConfig struct {
	Debounce     time.Duration `yaml:"debounce" validate:"gt=0"`
	QueueSize    int           `yaml:"queue_size" validate:"gte=1"`
	Include      []string      `yaml:"include" validate:"min=1"`
	Exclude      []string      `yaml:"exclude"`
	MaxFileBytes int64         `yaml:"max_file_bytes" validate:"gt=0"`
}

type ThrottleConfig struct {
	// Interval is the minimum spacing between accepted updates to one path.
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
}

type BackupConfig struct {
	// Dir is resolved against the watched root when relative.
	Dir             string `yaml:"dir" validate:"required"`
	MaxPerPath      int    `yaml:"max_per_path" validate:"gte=1"`
	RetainOnSuccess bool   `yaml:"retain_on_success"`
}

type RiskConfig struct {
	PerformanceThreshold  float64 `yaml:"performance_threshold" validate:"gte=0,lte=1"`
	HealthDelta           float64 `yaml:"health_delta" validate:"gte=0,lte=1"`
	SemanticThreshold     float64 `yaml:"semantic_threshold" validate:"gte=0,lte=1"`
	RelationshipThreshold float64 `yaml:"relationship_threshold" validate:"gte=0,lte=1"`
	LargeCollectionSize   int     `yaml:"large_collection_size" validate:"gte=1"`
	MaxCycles             int     `yaml:"max_cycles" validate:"gte=1"`
}

type HealthConfig struct {
	DuplicationThreshold float64       `yaml:"duplication_threshold" validate:"gte=0,lte=1"`
	OrphanThreshold      float64       `yaml:"orphan_threshold" validate:"gte=0,lte=1"`
	LinkThreshold        float64       `yaml:"link_threshold" validate:"gte=0,lte=1"`
	Weights              HealthWeights `yaml:"weights"`
}

// HealthWeights must not all be zero.
type HealthWeights struct {
	Duplication float64 `yaml:"duplication" validate:"gte=0"`
	Orphan      float64 `yaml:"orphan" validate:"gte=0"`
	Divergence  float64 `yaml:"divergence" validate:"gte=0"`
}

type EmbeddingConfig struct {
	// Provider is one of "hashing" (local, deterministic), "http" or "openai".
	Provider   string        `yaml:"provider" validate:"oneof=hashing http openai"`
	BaseURL    string        `yaml:"base_url" validate:"required_if=Provider http"`
	Model      string        `yaml:"model"`
	APIKeyEnv  string        `yaml:"api_key_env"`
	TokenEnv   string        `yaml:"token_env"`
	Dimensions int           `yaml:"dimensions" validate:"gte=8"`
	BatchSize  int           `yaml:"batch_size" validate:"gte=1"`
	Workers    int           `yaml:"workers" validate:"gte=0"`
	CacheSize  int           `yaml:"cache_size" validate:"gte=0"`
	MaxChars   int           `yaml:"max_chars" validate:"gte=1"`
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`
}

type ServerConfig struct {
	// Addr is empty to disable the HTTP surface.
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
	JSON  bool   `yaml:"json"`
	Dir   string `yaml:"dir"`
}

type TelemetryConfig struct {
	Traces       string `yaml:"traces" validate:"oneof=none stdout otlp"`
	Metrics      string `yaml:"metrics" validate:"oneof=none prometheus stdout"`
	OTLPEndpoint string `yaml:"otlp_endpoint" validate:"required_if=Traces otlp"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	return Config{
		Watch: WatchConfig{
			Debounce:  500 * time.Millisecond,
			QueueSize: 1024,
			Include:   []string{"*.go", "*.py"},
			Exclude: []string{
				".git", ".codehealth", "node_modules", "vendor",
				"__pycache__", ".venv", "*.bak", "*.tmp", "*~",
			},
			MaxFileBytes: 1 << 20,
		},
		Throttle: ThrottleConfig{Interval: 5 * time.Second},
		Backup: BackupConfig{
			Dir:        ".codehealth/backups",
			MaxPerPath: 5,
		},
		Risk: RiskConfig{
			PerformanceThreshold:  0.5,
			HealthDelta:           0.1,
			SemanticThreshold:     0.1,
			RelationshipThreshold: 0.7,
			LargeCollectionSize:   1000,
			MaxCycles:             100,
		},
		Health: HealthConfig{
			DuplicationThreshold: 0.85,
			OrphanThreshold:      0.5,
			LinkThreshold:        0.5,
			Weights: HealthWeights{
				Duplication: 0.4,
				Orphan:      0.3,
				Divergence:  0.3,
			},
		},
		Embedding: EmbeddingConfig{
			Provider:   "hashing",
			Model:      "text-embedding-3-small",
			APIKeyEnv:  "OPENAI_API_KEY",
			Dimensions: 256,
			BatchSize:  32,
			CacheSize:  4096,
			MaxChars:   8000,
			Timeout:    30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
		Telemetry: TelemetryConfig{
			Traces:       "none",
			Metrics:      "prometheus",
			OTLPEndpoint: "localhost:4317",
			OTLPInsecure: true,
		},
	}
}
