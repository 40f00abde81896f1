// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the daemon configuration from a YAML file with
// environment variable overlays. Secrets come from the environment only
// and are never written back to disk or logged.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete maestrod configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	Storage       StorageConfig       `yaml:"storage"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	Observability ObservabilityConfig `yaml:"observability"`

	// MaxConcurrentRuns limits concurrently executing runs.
	// Environment: MAESTRO_MAX_CONCURRENT_RUNS. Default: 8.
	MaxConcurrentRuns int `yaml:"max_concurrent_runs,omitempty"`

	// DrainTimeout bounds the wait for active runs during shutdown.
	// Environment: MAESTRO_DRAIN_TIMEOUT. Default: 30s.
	DrainTimeout time.Duration `yaml:"-"`
}

// UnmarshalYAML decodes the config, accepting durations in Go syntax
// ("30s", "5m") since YAML has no duration scalar. Absent fields keep
// their current values.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	type plain Config
	aux := struct {
		*plain       `yaml:",inline"`
		DrainTimeout string `yaml:"drain_timeout"`
	}{plain: (*plain)(c)}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	if aux.DrainTimeout != "" {
		d, err := time.ParseDuration(aux.DrainTimeout)
		if err != nil {
			return fmt.Errorf("invalid drain_timeout: %w", err)
		}
		c.DrainTimeout = d
	}
	return nil
}

// ListenConfig configures the HTTP listener.
type ListenConfig struct {
	// Addr is the host:port to bind. Environment: MAESTRO_LISTEN_ADDR.
	// Default: 127.0.0.1:8700.
	Addr string `yaml:"addr,omitempty"`
}

// StorageConfig configures durable state.
type StorageConfig struct {
	// DBPath is the SQLite database file. Environment: MAESTRO_DB_PATH.
	// Default: <data_dir>/maestro.db.
	DBPath string `yaml:"db_path,omitempty"`

	// BlobDir holds transcripts and other artifacts.
	// Environment: MAESTRO_BLOB_DIR. Default: <data_dir>/blobs.
	BlobDir string `yaml:"blob_dir,omitempty"`

	// DataDir is the base directory for all daemon data.
	// Environment: MAESTRO_DATA_DIR. Default: ~/.maestro.
	DataDir string `yaml:"data_dir,omitempty"`
}

// GatewayConfig configures LLM inference.
type GatewayConfig struct {
	// BaseURL of the OpenAI-compatible endpoint. Empty selects the static
	// development gateway. Environment: MAESTRO_GATEWAY_URL.
	BaseURL string `yaml:"base_url,omitempty"`

	// Model identifier. Environment: MAESTRO_GATEWAY_MODEL.
	Model string `yaml:"model,omitempty"`

	// APIKey is read from MAESTRO_GATEWAY_API_KEY only; a value in the
	// YAML file is rejected so keys cannot end up in version control.
	APIKey string `yaml:"-"`

	// MaxTokens bounds each completion when > 0.
	MaxTokens int `yaml:"max_tokens,omitempty"`
}

// SandboxConfig configures sandbox sessions.
type SandboxConfig struct {
	// WorkDir is the root for local sandbox working directories.
	// Default: <data_dir>/sandbox.
	WorkDir string `yaml:"work_dir,omitempty"`

	// CommandTimeout bounds each sandbox command. Default: 10m.
	CommandTimeout time.Duration `yaml:"-"`

	// TranscriptCap bounds the in-memory transcript per session, in
	// characters. Zero uses the built-in default.
	TranscriptCap int `yaml:"transcript_cap,omitempty"`
}

// UnmarshalYAML decodes the sandbox section, accepting command_timeout in
// Go duration syntax.
func (s *SandboxConfig) UnmarshalYAML(value *yaml.Node) error {
	type plain SandboxConfig
	aux := struct {
		*plain         `yaml:",inline"`
		CommandTimeout string `yaml:"command_timeout"`
	}{plain: (*plain)(s)}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	if aux.CommandTimeout != "" {
		d, err := time.ParseDuration(aux.CommandTimeout)
		if err != nil {
			return fmt.Errorf("invalid command_timeout: %w", err)
		}
		s.CommandTimeout = d
	}
	return nil
}

// ObservabilityConfig configures tracing.
type ObservabilityConfig struct {
	// TracingEnabled turns on span export to stderr.
	// Environment: MAESTRO_TRACING. Default: false.
	TracingEnabled bool `yaml:"tracing_enabled,omitempty"`
}

// Default returns the configuration defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := home + "/.maestro"
	return &Config{
		Listen:  ListenConfig{Addr: "127.0.0.1:8700"},
		Storage: StorageConfig{DataDir: dataDir},
		Sandbox: SandboxConfig{CommandTimeout: 10 * time.Minute},

		MaxConcurrentRuns: 8,
		DrainTimeout:      30 * time.Second,
	}
}

// Load reads path (optional) and applies environment overlays.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(cfg)
	cfg.applyDerivedDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MAESTRO_LISTEN_ADDR"); v != "" {
		cfg.Listen.Addr = v
	}
	if v := os.Getenv("MAESTRO_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("MAESTRO_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("MAESTRO_BLOB_DIR"); v != "" {
		cfg.Storage.BlobDir = v
	}
	if v := os.Getenv("MAESTRO_GATEWAY_URL"); v != "" {
		cfg.Gateway.BaseURL = v
	}
	if v := os.Getenv("MAESTRO_GATEWAY_MODEL"); v != "" {
		cfg.Gateway.Model = v
	}
	cfg.Gateway.APIKey = os.Getenv("MAESTRO_GATEWAY_API_KEY")
	if v := os.Getenv("MAESTRO_MAX_CONCURRENT_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentRuns = n
		}
	}
	if v := os.Getenv("MAESTRO_DRAIN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.DrainTimeout = d
		}
	}
	if v := os.Getenv("MAESTRO_TRACING"); v == "1" || v == "true" {
		cfg.Observability.TracingEnabled = true
	}
}

func (c *Config) applyDerivedDefaults() {
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = c.Storage.DataDir + "/maestro.db"
	}
	if c.Storage.BlobDir == "" {
		c.Storage.BlobDir = c.Storage.DataDir + "/blobs"
	}
	if c.Sandbox.WorkDir == "" {
		c.Sandbox.WorkDir = c.Storage.DataDir + "/sandbox"
	}
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	if c.Listen.Addr == "" {
		return fmt.Errorf("listen.addr is required")
	}
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if c.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("max_concurrent_runs must be > 0, got %d", c.MaxConcurrentRuns)
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("drain_timeout must be > 0, got %v", c.DrainTimeout)
	}
	return nil
}
