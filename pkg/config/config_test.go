package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestSetDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()

	if cfg.Orchestrator.MaxRounds != 8 {
		t.Errorf("max rounds = %d", cfg.Orchestrator.MaxRounds)
	}
	if cfg.Orchestrator.MaxParallelToolCalls != 4 {
		t.Errorf("parallel tool calls = %d", cfg.Orchestrator.MaxParallelToolCalls)
	}
	if cfg.Orchestrator.HistoryTurns != 5 {
		t.Errorf("history turns = %d", cfg.Orchestrator.HistoryTurns)
	}
	if cfg.Orchestrator.TokenBudgetChars != 16000 {
		t.Errorf("token budget = %d", cfg.Orchestrator.TokenBudgetChars)
	}
	if cfg.Orchestrator.LLMTimeout.Duration() != 60*time.Second {
		t.Errorf("llm timeout = %v", cfg.Orchestrator.LLMTimeout.Duration())
	}
	if cfg.Orchestrator.ToolTimeout.Duration() != 30*time.Second {
		t.Errorf("tool timeout = %v", cfg.Orchestrator.ToolTimeout.Duration())
	}
	if cfg.Orchestrator.RequestDeadline.Duration() != 180*time.Second {
		t.Errorf("request deadline = %v", cfg.Orchestrator.RequestDeadline.Duration())
	}
	if len(cfg.Orchestrator.DangerousPatterns) == 0 {
		t.Error("dangerous patterns not defaulted")
	}
	if cfg.Conversation.Backend != "memory" || cfg.Conversation.CacheScope != "caller+roles" {
		t.Errorf("conversation = %+v", cfg.Conversation)
	}
	if cfg.Conversation.CacheTTL.Duration() != 15*time.Minute {
		t.Errorf("cache ttl = %v", cfg.Conversation.CacheTTL.Duration())
	}
	if cfg.Server.Port != 8080 || cfg.LLM.Model != "gpt-4o" {
		t.Errorf("server/llm defaults = %+v / %+v", cfg.Server, cfg.LLM)
	}
}

func validConfig() *Config {
	cfg := &Config{
		Mode: ModeDevelopment,
		Capabilities: map[string]CapabilityConfig{
			"sales": {URL: "http://localhost:9090"},
		},
		RolesToCapabilities: map[string][]string{
			"analyst": {"sales"},
		},
	}
	cfg.SetDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing mode", func(c *Config) { c.Mode = "" }, "mode is required"},
		{"bad mode", func(c *Config) { c.Mode = "staging" }, "invalid mode"},
		{"capability without url", func(c *Config) {
			c.Capabilities["sales"] = CapabilityConfig{}
		}, "url is required"},
		{"role references unknown capability", func(c *Config) {
			c.RolesToCapabilities["analyst"] = []string{"ghost"}
		}, "unknown capability"},
		{"bad backend", func(c *Config) { c.Conversation.Backend = "redis" }, "invalid conversation backend"},
		{"mongo without uri", func(c *Config) { c.Conversation.Backend = "mongo" }, "requires uri"},
		{"bad cache scope", func(c *Config) { c.Conversation.CacheScope = "global" }, "invalid cache_scope"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("ATLAS_TEST_CAP_URL", "http://sales.internal:9090")
	t.Setenv("ATLAS_TEST_PORT", "9999")

	raw := `
mode: production
server:
  port: ${ATLAS_TEST_PORT}
capabilities:
  sales:
    url: ${ATLAS_TEST_CAP_URL}
    credential_source: ${ATLAS_TEST_MISSING:-literal-token}
roles_to_capabilities:
  analyst: [sales]
`
	cfg, err := Load([]byte(raw))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, env expansion must preserve the integer type", cfg.Server.Port)
	}
	if cfg.Capabilities["sales"].URL != "http://sales.internal:9090" {
		t.Errorf("url = %q", cfg.Capabilities["sales"].URL)
	}
	if cfg.Capabilities["sales"].CredentialSource != "literal-token" {
		t.Errorf("credential source = %q, want the ${VAR:-default} fallback", cfg.Capabilities["sales"].CredentialSource)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	raw := `
mode: development
orchestrator:
  llm_timeout: 45s
  request_deadline: 2m
conversation:
  cache_ttl: 90s
`
	cfg, err := Load([]byte(raw))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Orchestrator.LLMTimeout.Duration() != 45*time.Second {
		t.Errorf("llm timeout = %v", cfg.Orchestrator.LLMTimeout.Duration())
	}
	if cfg.Orchestrator.RequestDeadline.Duration() != 2*time.Minute {
		t.Errorf("request deadline = %v", cfg.Orchestrator.RequestDeadline.Duration())
	}
	if cfg.Conversation.CacheTTL.Duration() != 90*time.Second {
		t.Errorf("cache ttl = %v", cfg.Conversation.CacheTTL.Duration())
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	if _, err := Load([]byte("mode: staging")); err == nil {
		t.Error("invalid mode accepted")
	}
	if _, err := Load([]byte("mode: [")); err == nil {
		t.Error("broken yaml accepted")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "mode: development\nserver:\n  port: 8181\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Server.Port != 8181 {
		t.Errorf("port = %d", cfg.Server.Port)
	}

	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestCredentialResolution(t *testing.T) {
	t.Setenv("ATLAS_TEST_TOKEN", "secret-token")

	env := CapabilityConfig{CredentialSource: "env:ATLAS_TEST_TOKEN"}
	if got := env.Credential(); got != "secret-token" {
		t.Errorf("env credential = %q", got)
	}

	literal := CapabilityConfig{CredentialSource: "plain-token"}
	if got := literal.Credential(); got != "plain-token" {
		t.Errorf("literal credential = %q", got)
	}

	none := CapabilityConfig{}
	if got := none.Credential(); got != "" {
		t.Errorf("empty credential = %q", got)
	}
}

func TestDurationYAMLForms(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
	}{
		{"llm_timeout: 30s", 30 * time.Second},
		{"llm_timeout: 1500ms", 1500 * time.Millisecond},
		{"llm_timeout: 1h30m", 90 * time.Minute},
		{"llm_timeout: 1000000000", time.Second},
	}

	for _, tc := range cases {
		var cfg OrchestratorConfig
		if err := yaml.Unmarshal([]byte(tc.raw), &cfg); err != nil {
			t.Errorf("%q: %v", tc.raw, err)
			continue
		}
		if cfg.LLMTimeout.Duration() != tc.want {
			t.Errorf("%q = %v, want %v", tc.raw, cfg.LLMTimeout.Duration(), tc.want)
		}
	}

	var cfg OrchestratorConfig
	if err := yaml.Unmarshal([]byte("llm_timeout: never"), &cfg); err == nil {
		t.Error("garbage duration accepted")
	}
}
