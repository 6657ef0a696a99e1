// Package config loads bridge configuration from the environment, with an
// optional bridge.yaml file layered underneath. Environment always wins.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig describes one configured ACP agent binary.
type AgentConfig struct {
	Name    string `yaml:"name" json:"name"`
	Command string `yaml:"command" json:"command"`
	Default bool   `yaml:"default" json:"default"`
}

// OtelConfig controls trace/metric export.
type OtelConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp" or "stdout"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// Config is the immutable application configuration. It is built once at
// boot and passed down; nothing reads the environment after Load returns.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	BindAddr string `yaml:"bind_addr"`
	BaseURL  string `yaml:"base_url"`
	LogLevel string `yaml:"log_level"`

	EnabledServices []string      `yaml:"enabled_services"`
	DebounceWindow  time.Duration `yaml:"-"`

	CleanupSchedule    string `yaml:"cleanup_schedule"`
	WorktreeMaxAgeDays int    `yaml:"worktree_max_age_days"`

	Otel OtelConfig `yaml:"otel"`

	GitHubRepo           string `yaml:"-"`
	GitHubAppID          string `yaml:"-"`
	GitHubPrivateKey     string `yaml:"-"`
	GitHubWebhookSecret  string `yaml:"-"`
	GitHubInstallationID int64  `yaml:"-"`
	GitHubBotLogin       string `yaml:"-"`

	// Agents is the registry parsed from AGENTS_JSON (or the single-agent
	// fallback from ACP_AGENT_COMMAND). Keyed by agent name.
	Agents map[string]AgentConfig `yaml:"-"`

	// env is the raw environment snapshot used by Credential.
	env map[string]string
}

const (
	defaultAgentCommand = "claude-code-acp"
	defaultBindAddr     = ":8080"
	defaultDataDir      = "/var/lib/acp-bridge"
	defaultDebounce     = 2 * time.Second
)

// Load builds a Config from the given environment (os.Environ() form).
func Load(environ []string) (*Config, error) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}

	cfg := &Config{
		DataDir:            defaultDataDir,
		BindAddr:           defaultBindAddr,
		LogLevel:           "info",
		EnabledServices:    []string{"linear"},
		DebounceWindow:     defaultDebounce,
		CleanupSchedule:    "17 3 * * *",
		WorktreeMaxAgeDays: 7,
		env:                env,
	}

	if v := env["BRIDGE_DATA_DIR"]; v != "" {
		cfg.DataDir = v
	}

	// Optional yaml layer under the data dir; env still wins below.
	if err := cfg.loadYAML(filepath.Join(cfg.DataDir, "bridge.yaml")); err != nil {
		return nil, err
	}

	if v := env["BRIDGE_BIND_ADDR"]; v != "" {
		cfg.BindAddr = v
	}
	if v := env["BRIDGE_BASE_URL"]; v != "" {
		cfg.BaseURL = strings.TrimRight(v, "/")
	}
	if v := env["BRIDGE_LOG_LEVEL"]; v != "" {
		cfg.LogLevel = v
	}
	if v := env["ENABLED_SERVICES"]; v != "" {
		cfg.EnabledServices = splitCSV(v)
	}
	if v := env["BRIDGE_DEBOUNCE_MS"]; v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("config: invalid BRIDGE_DEBOUNCE_MS %q", v)
		}
		cfg.DebounceWindow = time.Duration(ms) * time.Millisecond
	}
	if v := env["BRIDGE_CLEANUP_SCHEDULE"]; v != "" {
		cfg.CleanupSchedule = v
	}
	if v := env["BRIDGE_WORKTREE_MAX_AGE_DAYS"]; v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days < 0 {
			return nil, fmt.Errorf("config: invalid BRIDGE_WORKTREE_MAX_AGE_DAYS %q", v)
		}
		cfg.WorktreeMaxAgeDays = days
	}

	if v := env["BRIDGE_OTEL_ENABLED"]; v == "1" || strings.EqualFold(v, "true") {
		cfg.Otel.Enabled = true
	}
	if v := env["BRIDGE_OTEL_EXPORTER"]; v != "" {
		cfg.Otel.Exporter = v
	}
	if v := env["BRIDGE_OTEL_ENDPOINT"]; v != "" {
		cfg.Otel.Endpoint = v
	}
	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = "acp-bridge"
	}

	cfg.GitHubRepo = env["GITHUB_REPO"]
	cfg.GitHubAppID = env["GITHUB_APP_ID"]
	cfg.GitHubPrivateKey = env["GITHUB_PRIVATE_KEY"]
	cfg.GitHubWebhookSecret = env["GITHUB_WEBHOOK_SECRET"]
	cfg.GitHubBotLogin = env["GITHUB_BOT_LOGIN"]
	if v := env["GITHUB_INSTALLATION_ID"]; v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("config: invalid GITHUB_INSTALLATION_ID %q", v)
		}
		cfg.GitHubInstallationID = id
	}

	agents, err := loadAgents(env)
	if err != nil {
		return nil, err
	}
	cfg.Agents = agents

	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Credential resolves a service credential for a specific agent. Non-default
// agents may override any variable with <VAR>__<AGENT> (agent name
// uppercased, dashes mapped to underscores).
func (c *Config) Credential(name, agent string) string {
	if agent != "" {
		suffix := strings.ToUpper(strings.ReplaceAll(agent, "-", "_"))
		if v, ok := c.env[name+"__"+suffix]; ok && v != "" {
			return v
		}
	}
	return c.env[name]
}

// Env returns a raw environment value. Used for service secrets the core
// does not model (adapter-specific tokens).
func (c *Config) Env(name string) string {
	return c.env[name]
}

// DefaultAgent returns the registry's default agent.
func (c *Config) DefaultAgent() AgentConfig {
	for _, a := range c.Agents {
		if a.Default {
			return a
		}
	}
	// Registry validation guarantees at least one agent.
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return c.Agents[names[0]]
}

// Agent looks up an agent by name; empty name resolves the default.
func (c *Config) Agent(name string) (AgentConfig, error) {
	if name == "" {
		return c.DefaultAgent(), nil
	}
	a, ok := c.Agents[name]
	if !ok {
		return AgentConfig{}, fmt.Errorf("config: unknown agent %q", name)
	}
	return a, nil
}

// ServiceEnabled reports whether the named service was selected.
func (c *Config) ServiceEnabled(name string) bool {
	for _, s := range c.EnabledServices {
		if s == name {
			return true
		}
	}
	return false
}

func loadAgents(env map[string]string) (map[string]AgentConfig, error) {
	if raw := env["AGENTS_JSON"]; raw != "" {
		return parseAgentsJSON(raw)
	}

	command := env["ACP_AGENT_COMMAND"]
	if command == "" {
		command = defaultAgentCommand
	}
	return map[string]AgentConfig{
		"default": {Name: "default", Command: command, Default: true},
	}, nil
}

func parseAgentsJSON(raw string) (map[string]AgentConfig, error) {
	if err := validateAgentsJSON(raw); err != nil {
		return nil, err
	}

	var entries map[string]struct {
		Command string `json:"command"`
		Default bool   `json:"default"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("config: parse AGENTS_JSON: %w", err)
	}

	agents := make(map[string]AgentConfig, len(entries))
	defaults := 0
	for name, e := range entries {
		agents[name] = AgentConfig{Name: name, Command: e.Command, Default: e.Default}
		if e.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return nil, fmt.Errorf("config: AGENTS_JSON declares %d default agents, want at most 1", defaults)
	}
	if defaults == 0 {
		// Promote the lexically-first agent so DefaultAgent is deterministic.
		names := make([]string, 0, len(agents))
		for name := range agents {
			names = append(names, name)
		}
		sort.Strings(names)
		first := agents[names[0]]
		first.Default = true
		agents[names[0]] = first
	}
	return agents, nil
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
