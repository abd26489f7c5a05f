// Copyright 2025 AxonMesh
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

// Package config loads and validates the orchestrator's typed YAML
// configuration, covering every key referenced in spec.md §6: budgets,
// refinement policy, fusion weights, model-class tiers, provider
// credentials/endpoints, and the response cache.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Address           string   `yaml:"address"`
	AllowedCORSOrigins []string `yaml:"allowed_cors_origins"`
}

// BudgetModeConfig mirrors budget.ModeBudget for YAML loading.
type BudgetModeConfig struct {
	TotalMs       int `yaml:"total_ms"`
	RefinementMs  int `yaml:"refinement_ms"`
	RetrievalMs   int `yaml:"retrieval_ms"`
	SynthesisMs   int `yaml:"synthesis_ms"`
	PerLaneMs     int `yaml:"per_lane_ms"`
	PerProviderMs int `yaml:"per_provider_ms"`
}

// BudgetConfig optionally overrides budget.DefaultTable per mode. A mode
// absent from Modes falls back to the package default.
type BudgetConfig struct {
	Modes map[string]BudgetModeConfig `yaml:"modes"`
}

// RefineConfig mirrors refine.Policy for YAML loading.
type RefineConfig struct {
	Enabled       bool `yaml:"enabled"`
	SuggestionCap int  `yaml:"suggestion_cap"`
	RedactPII     bool `yaml:"redact_pii"`
}

// FusionConfig optionally overrides fusion's defaults.
type FusionConfig struct {
	DomainCap   int                          `yaml:"domain_cap"`
	CitableSize int                          `yaml:"citable_size"`
	Weights     map[string]map[string]float64 `yaml:"weights"` // mode -> lane -> weight
}

// ModelRouterConfig configures internal/llmrouter's tier table.
type ModelRouterConfig struct {
	// ClassTiers maps a provider's ModelClass to "standard"/"code"/"premium".
	ClassTiers map[string]string `yaml:"class_tiers"`
}

// AnthropicConfig configures the anthropic LLM adapter.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
	Model  string `yaml:"model"`
}

// OpenAIConfig configures the openai LLM adapter.
type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// BedrockConfig configures the bedrock LLM adapter.
type BedrockConfig struct {
	Region string `yaml:"region"`
	Model  string `yaml:"model"`
}

// ProvidersConfig groups every LLM adapter's credentials/endpoints.
type ProvidersConfig struct {
	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Bedrock   BedrockConfig   `yaml:"bedrock"`
}

// HTTPLaneConfig configures one of the web/news/markets HTTP backends.
type HTTPLaneConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// VectorLaneConfig configures the Qdrant-backed vector lane.
type VectorLaneConfig struct {
	Address    string `yaml:"address"`
	Collection string `yaml:"collection"`
	TopK       uint64 `yaml:"top_k"`
}

// GraphLaneConfig configures the MongoDB-backed graph lane.
type GraphLaneConfig struct {
	URI        string `yaml:"uri"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`
	Limit      int64  `yaml:"limit"`
}

// LanesConfig groups every retrieval backend's connection settings.
type LanesConfig struct {
	Web     HTTPLaneConfig   `yaml:"web"`
	News    HTTPLaneConfig   `yaml:"news"`
	Markets HTTPLaneConfig   `yaml:"markets"`
	Vector  VectorLaneConfig `yaml:"vector"`
	Graph   GraphLaneConfig  `yaml:"graph"`
}

// CacheConfig configures the Redis-backed Response Cache.
type CacheConfig struct {
	RedisAddress string           `yaml:"redis_address"`
	KeyPrefix    string           `yaml:"key_prefix"`
	TTLByModeMs  map[string]int64 `yaml:"ttl_by_mode_ms"`
}

// TelemetryConfig configures structured logging and the metrics endpoint.
type TelemetryConfig struct {
	MetricsAddress string `yaml:"metrics_address"`
	SinkBufferSize int    `yaml:"sink_buffer_size"`
}

// Config is the full typed configuration for cmd/orchestrator.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Budget      BudgetConfig      `yaml:"budget"`
	Refine      RefineConfig      `yaml:"refine"`
	Fusion      FusionConfig      `yaml:"fusion"`
	ModelRouter ModelRouterConfig `yaml:"model_router"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Lanes       LanesConfig       `yaml:"lanes"`
	Cache       CacheConfig       `yaml:"cache"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// Default returns a Config with every ambient-concern default populated;
// Load starts from this before applying the YAML file's overrides.
func Default() Config {
	return Config{
		Server: ServerConfig{Address: ":8080"},
		Refine: RefineConfig{Enabled: true, SuggestionCap: 3, RedactPII: true},
		Fusion: FusionConfig{DomainCap: 2, CitableSize: 8},
		Cache: CacheConfig{
			RedisAddress: "localhost:6379",
			KeyPrefix:    "queryorch:answer:",
			TTLByModeMs: map[string]int64{
				"simple": 600000, "technical": 600000, "research": 180000, "multimedia": 120000,
			},
		},
		Telemetry: TelemetryConfig{MetricsAddress: ":9090", SinkBufferSize: 256},
	}
}

// Load reads path, merges it over Default(), and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every field required for the orchestrator to start, per
// spec.md §6's external-interface list. It does not attempt to dial any
// backend — that happens at composition-root wiring time, where a dial
// failure becomes a provider marked unhealthy, not a fatal startup error.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("config: server.address must not be empty")
	}
	if c.Refine.SuggestionCap < 0 {
		return fmt.Errorf("config: refine.suggestion_cap must be non-negative")
	}
	if c.Fusion.DomainCap <= 0 {
		return fmt.Errorf("config: fusion.domain_cap must be positive")
	}
	if c.Fusion.CitableSize <= 0 {
		return fmt.Errorf("config: fusion.citable_size must be positive")
	}
	if c.Cache.RedisAddress == "" {
		return fmt.Errorf("config: cache.redis_address must not be empty")
	}
	for mode, ms := range c.Cache.TTLByModeMs {
		if ms <= 0 {
			return fmt.Errorf("config: cache.ttl_by_mode_ms[%s] must be positive", mode)
		}
	}
	return nil
}

// TTLByMode converts the config's millisecond map to cache.TTLByMode-shaped
// durations keyed by mode string, for the composition root to pass through.
func (c *Config) TTLByMode() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Cache.TTLByModeMs))
	for mode, ms := range c.Cache.TTLByModeMs {
		out[mode] = time.Duration(ms) * time.Millisecond
	}
	return out
}
