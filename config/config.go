// Package config loads blenderagent settings from a YAML file overlaid with
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/blenderagent/agentloop"
	"github.com/martinemde/blenderagent/knowledge"
	"github.com/martinemde/blenderagent/unifiedllm"
)

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendBridge = "bridge"
)

// Config is the full application configuration.
type Config struct {
	LLM     LLMConfig     `yaml:"llm" json:"llm"`
	Bridge  BridgeConfig  `yaml:"bridge" json:"bridge"`
	Qdrant  QdrantConfig  `yaml:"qdrant" json:"qdrant"`
	Storage StorageConfig `yaml:"storage" json:"storage"`
	Server  ServerConfig  `yaml:"server" json:"server"`
	Log     LogConfig     `yaml:"log" json:"log"`
}

type LLMConfig struct {
	Provider       string `yaml:"provider" json:"provider" env:"BLENDERAGENT_LLM_PROVIDER" jsonschema:"enum=gemini,enum=openai,enum=anthropic"`
	Model          string `yaml:"model" json:"model" env:"BLENDERAGENT_LLM_MODEL"`
	APIKey         string `yaml:"api_key" json:"api_key" env:"GEMINI_API_KEY"`
	ThinkingBudget int    `yaml:"thinking_budget" json:"thinking_budget" env:"BLENDERAGENT_LLM_THINKING_BUDGET" jsonschema:"minimum=0"`
	ToolsEnabled   bool   `yaml:"tools_enabled" json:"tools_enabled" env:"BLENDERAGENT_LLM_TOOLS_ENABLED"`
	Verbosity      string `yaml:"verbosity" json:"verbosity" env:"BLENDERAGENT_LLM_VERBOSITY" jsonschema:"enum=concise,enum=normal,enum=detailed"`
	EmbeddingModel string `yaml:"embedding_model" json:"embedding_model" env:"BLENDERAGENT_LLM_EMBEDDING_MODEL"`
}

type BridgeConfig struct {
	URL            string        `yaml:"url" json:"url" env:"BLENDERAGENT_BRIDGE_URL"`
	Token          string        `yaml:"token" json:"token" env:"BLENDER_BRIDGE_TOKEN"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout" env:"BLENDERAGENT_BRIDGE_TIMEOUT"`
	HealthInterval time.Duration `yaml:"health_interval" json:"health_interval" env:"BLENDERAGENT_BRIDGE_HEALTH_INTERVAL"`
}

type QdrantConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled" env:"BLENDERAGENT_QDRANT_ENABLED"`
	Host       string `yaml:"host" json:"host" env:"BLENDERAGENT_QDRANT_HOST"`
	Port       int    `yaml:"port" json:"port" env:"BLENDERAGENT_QDRANT_PORT"`
	APIKey     string `yaml:"api_key" json:"api_key" env:"QDRANT_API_KEY"`
	UseTLS     bool   `yaml:"use_tls" json:"use_tls" env:"BLENDERAGENT_QDRANT_USE_TLS"`
	Collection string `yaml:"collection" json:"collection" env:"BLENDERAGENT_QDRANT_COLLECTION"`
	VectorSize uint64 `yaml:"vector_size" json:"vector_size" env:"BLENDERAGENT_QDRANT_VECTOR_SIZE"`
}

type StorageConfig struct {
	Backend string `yaml:"backend" json:"backend" env:"BLENDERAGENT_STORAGE_BACKEND" jsonschema:"enum=sqlite,enum=bridge"`
	Path    string `yaml:"path" json:"path" env:"BLENDERAGENT_STORAGE_PATH"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr" env:"BLENDERAGENT_SERVER_ADDR"`
}

type LogConfig struct {
	Level string `yaml:"level" json:"level" env:"BLENDERAGENT_LOG_LEVEL" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:       "gemini",
			Model:          unifiedllm.DefaultModel,
			ToolsEnabled:   true,
			Verbosity:      agentloop.VerbosityNormal,
			EmbeddingModel: unifiedllm.DefaultEmbeddingModel,
		},
		Bridge: BridgeConfig{
			URL:            "http://127.0.0.1:8081",
			Timeout:        30 * time.Second,
			HealthInterval: 5 * time.Second,
		},
		Qdrant: QdrantConfig{
			Host:       "localhost",
			Port:       6334,
			Collection: "blender_api",
			VectorSize: unifiedllm.EmbeddingDimensions,
		},
		Storage: StorageConfig{
			Backend: BackendSQLite,
			Path:    "~/.blenderagent/sessions.db",
		},
		Server: ServerConfig{Addr: "127.0.0.1:8090"},
		Log:    LogConfig{Level: "info"},
	}
}

// DefaultPath is where the config file lives unless --config says
// otherwise.
func DefaultPath() string {
	return "~/.blenderagent/config.yaml"
}

// Load reads path, applies the process environment and normalizes the
// result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	return load(path, nil)
}

// load uses environ instead of the process environment when it is non-nil.
func load(path string, environ map[string]string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(ExpandHome(path))
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	opts := env.Options{Environment: environ}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = lookup(environ, "API_KEY")
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func lookup(environ map[string]string, key string) string {
	if environ != nil {
		return environ[key]
	}
	return os.Getenv(key)
}

// Save writes cfg as YAML, creating the parent directory.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	path = ExpandHome(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Normalize replaces values the agent cannot use with their defaults.
func (c *Config) Normalize() {
	def := DefaultConfig()
	c.LLM.Provider = strings.ToLower(strings.TrimSpace(c.LLM.Provider))
	if c.LLM.Provider == "" {
		c.LLM.Provider = def.LLM.Provider
	}
	c.LLM.Model = unifiedllm.ResolveModel(c.LLM.Provider, c.LLM.Model)
	switch c.LLM.Verbosity {
	case agentloop.VerbosityConcise, agentloop.VerbosityNormal, agentloop.VerbosityDetailed:
	default:
		c.LLM.Verbosity = def.LLM.Verbosity
	}
	if c.LLM.ThinkingBudget < 0 {
		c.LLM.ThinkingBudget = 0
	}
	if c.LLM.EmbeddingModel == "" {
		c.LLM.EmbeddingModel = def.LLM.EmbeddingModel
	}
	if c.Bridge.URL == "" {
		c.Bridge.URL = def.Bridge.URL
	}
	if c.Bridge.Timeout <= 0 {
		c.Bridge.Timeout = def.Bridge.Timeout
	}
	if c.Bridge.HealthInterval <= 0 {
		c.Bridge.HealthInterval = def.Bridge.HealthInterval
	}
	if c.Qdrant.Collection == "" {
		c.Qdrant.Collection = def.Qdrant.Collection
	}
	if c.Qdrant.VectorSize == 0 {
		c.Qdrant.VectorSize = def.Qdrant.VectorSize
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.Backend == "" {
		c.Storage.Backend = def.Storage.Backend
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
}

// Validate reports settings that have no sensible fallback.
func (c *Config) Validate() error {
	var errs []error
	switch c.LLM.Provider {
	case "gemini", "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("llm.provider: unknown provider %q", c.LLM.Provider))
	}
	switch c.Storage.Backend {
	case BackendSQLite, BackendBridge:
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unknown backend %q", c.Storage.Backend))
	}
	if c.Storage.Backend == BackendSQLite && c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path: required for the sqlite backend"))
	}
	if c.Qdrant.Port <= 0 || c.Qdrant.Port > 65535 {
		errs = append(errs, fmt.Errorf("qdrant.port: %d out of range", c.Qdrant.Port))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

// AgentSettings converts the LLM and Qdrant sections into per-request
// agent settings.
func (c *Config) AgentSettings() agentloop.Settings {
	return agentloop.Settings{
		APIKey:         c.LLM.APIKey,
		Provider:       c.LLM.Provider,
		Model:          c.LLM.Model,
		ThinkingBudget: c.LLM.ThinkingBudget,
		ToolsEnabled:   c.LLM.ToolsEnabled,
		Verbosity:      c.LLM.Verbosity,
		KnowledgeBase: agentloop.KnowledgeBaseSettings{
			Enabled:    c.Qdrant.Enabled,
			Collection: c.Qdrant.Collection,
		},
	}.Normalize()
}

// KnowledgeConfig returns the Qdrant connection settings.
func (c *Config) KnowledgeConfig() knowledge.Config {
	return knowledge.Config{
		Host:   c.Qdrant.Host,
		Port:   c.Qdrant.Port,
		APIKey: c.Qdrant.APIKey,
		UseTLS: c.Qdrant.UseTLS,
	}
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.LLM.APIKey = mask(c.LLM.APIKey)
	out.Bridge.Token = mask(c.Bridge.Token)
	out.Qdrant.APIKey = mask(c.Qdrant.APIKey)
	return &out
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
