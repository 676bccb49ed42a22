// Copyright 2025 Atlas Authors
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

// Package config defines the Atlas configuration model and YAML loader.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Mode selects the auth behavior of the deployment.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

// Config is the root configuration.
type Config struct {
	Mode Mode `yaml:"mode"`

	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	LLM          LLMConfig          `yaml:"llm"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Conversation ConversationConfig `yaml:"conversation"`
	Metrics      MetricsConfig      `yaml:"metrics"`

	// Capabilities maps capability name to its endpoint configuration.
	// Loaded once at startup and never mutated.
	Capabilities map[string]CapabilityConfig `yaml:"capabilities"`

	// RolesToCapabilities maps a role name to the capabilities it may reach.
	RolesToCapabilities map[string][]string `yaml:"roles_to_capabilities"`

	// AdminRoles lists roles that short-circuit to the full capability set.
	// The bypass is explicit; the string "admin" carries no special meaning
	// unless listed here.
	AdminRoles []string `yaml:"admin_roles"`
}

// ServerConfig configures the public HTTP endpoint.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// LLMConfig configures the chat completion client.
type LLMConfig struct {
	Host        string   `yaml:"host"`
	APIKey      string   `yaml:"api_key"`
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
	Timeout     Duration `yaml:"timeout"`
	MaxRetries  int      `yaml:"max_retries"`
	RetryDelay  Duration `yaml:"retry_delay"`
}

// CapabilityConfig describes one capability server endpoint.
type CapabilityConfig struct {
	URL string `yaml:"url"`

	// CredentialSource names where the bearer credential comes from:
	// "env:VAR_NAME" reads an environment variable, anything else is used
	// literally. The credential identifies the orchestrator, not the end user.
	CredentialSource string `yaml:"credential_source"`
}

// OrchestratorConfig bounds the tool-calling loop.
type OrchestratorConfig struct {
	MaxRounds            int      `yaml:"max_rounds"`
	MaxParallelToolCalls int      `yaml:"max_parallel_tool_calls"`
	HistoryTurns         int      `yaml:"history_turns_in_context"`
	LLMTimeout           Duration `yaml:"llm_timeout"`
	ToolTimeout          Duration `yaml:"tool_timeout"`
	RequestDeadline      Duration `yaml:"request_deadline"`
	TokenBudgetChars     int      `yaml:"token_budget_chars"`
	DangerousPatterns    []string `yaml:"dangerous_patterns"`
	SampleRowLimit       int      `yaml:"sample_row_limit"`
	SystemPrompt         string   `yaml:"system_prompt"`
}

// ConversationConfig configures the conversation store.
type ConversationConfig struct {
	// Backend is "memory" or "mongo".
	Backend string `yaml:"backend"`

	// URI and Database apply to the mongo backend.
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`

	// CacheScope is "caller" or "caller+roles". With "caller+roles", the
	// cache key includes the sorted role list, so role changes miss.
	CacheScope string `yaml:"cache_scope"`

	MaxTurnsRetained int      `yaml:"max_turns_retained"`
	CacheTTL         Duration `yaml:"cache_ttl"`
}

// MetricsConfig enables the prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SetDefaults fills in zero values with documented defaults.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "simple"
	}
	if c.LLM.Host == "" {
		c.LLM.Host = "https://api.openai.com/v1"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 4096
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = Duration(60 * secondNS)
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 3
	}
	if c.LLM.RetryDelay == 0 {
		c.LLM.RetryDelay = Duration(2 * secondNS)
	}
	if c.Orchestrator.MaxRounds == 0 {
		c.Orchestrator.MaxRounds = 8
	}
	if c.Orchestrator.MaxParallelToolCalls == 0 {
		c.Orchestrator.MaxParallelToolCalls = 4
	}
	if c.Orchestrator.HistoryTurns == 0 {
		c.Orchestrator.HistoryTurns = 5
	}
	if c.Orchestrator.LLMTimeout == 0 {
		c.Orchestrator.LLMTimeout = Duration(60 * secondNS)
	}
	if c.Orchestrator.ToolTimeout == 0 {
		c.Orchestrator.ToolTimeout = Duration(30 * secondNS)
	}
	if c.Orchestrator.RequestDeadline == 0 {
		c.Orchestrator.RequestDeadline = Duration(180 * secondNS)
	}
	if c.Orchestrator.TokenBudgetChars == 0 {
		c.Orchestrator.TokenBudgetChars = 16000
	}
	if c.Orchestrator.SampleRowLimit == 0 {
		c.Orchestrator.SampleRowLimit = 5
	}
	if len(c.Orchestrator.DangerousPatterns) == 0 {
		c.Orchestrator.DangerousPatterns = []string{
			"drop table", "drop database", "truncate table",
			"delete from", "alter table", "update ", "insert into",
			"grant ", "revoke ",
		}
	}
	if c.Conversation.Backend == "" {
		c.Conversation.Backend = "memory"
	}
	if c.Conversation.CacheScope == "" {
		c.Conversation.CacheScope = "caller+roles"
	}
	if c.Conversation.MaxTurnsRetained == 0 {
		c.Conversation.MaxTurnsRetained = 200
	}
	if c.Conversation.CacheTTL == 0 {
		c.Conversation.CacheTTL = Duration(15 * 60 * secondNS)
	}
}

const secondNS = int64(1e9)

// Validate checks the configuration for fatal problems.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeDevelopment, ModeProduction:
	case "":
		return fmt.Errorf("mode is required (development or production)")
	default:
		return fmt.Errorf("invalid mode %q (must be development or production)", c.Mode)
	}

	for name, cap := range c.Capabilities {
		if cap.URL == "" {
			return fmt.Errorf("capability %q: url is required", name)
		}
	}

	for role, caps := range c.RolesToCapabilities {
		for _, name := range caps {
			if _, ok := c.Capabilities[name]; !ok {
				return fmt.Errorf("role %q references unknown capability %q", role, name)
			}
		}
	}

	switch c.Conversation.Backend {
	case "memory":
	case "mongo":
		if c.Conversation.URI == "" {
			return fmt.Errorf("conversation backend mongo requires uri")
		}
	default:
		return fmt.Errorf("invalid conversation backend %q", c.Conversation.Backend)
	}

	switch c.Conversation.CacheScope {
	case "caller", "caller+roles":
	default:
		return fmt.Errorf("invalid cache_scope %q (caller or caller+roles)", c.Conversation.CacheScope)
	}

	return nil
}

// Credential resolves the capability's bearer credential from its source.
func (c CapabilityConfig) Credential() string {
	const envPrefix = "env:"
	if len(c.CredentialSource) > len(envPrefix) && c.CredentialSource[:len(envPrefix)] == envPrefix {
		return os.Getenv(c.CredentialSource[len(envPrefix):])
	}
	return c.CredentialSource
}

// LoadFromFile reads, env-expands, and validates a YAML configuration file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Load(data)
}

// Load parses YAML configuration bytes with environment expansion.
func Load(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	expanded := ExpandEnvVarsInData(raw)

	normalized, err := yaml.Marshal(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(normalized, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
