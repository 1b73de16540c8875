// Package config loads the server configuration from the environment.
// Everything has a default except provider credentials: the server needs
// at least one configured provider to do useful work.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultConversationTTL  = 3 * time.Hour
	DefaultMaxConversations = 1000
)

// Config is the resolved server configuration.
type Config struct {
	// Provider credentials. Empty means that provider is not registered.
	AnthropicAPIKey  string
	OpenAIAPIKey     string
	OpenRouterAPIKey string

	// CustomAPIURL points at an OpenAI-compatible local endpoint
	// (Ollama, vLLM, LM Studio). CustomAPIKey is optional for those.
	CustomAPIURL string
	CustomAPIKey string

	// DefaultModel is used when a step names no model. "auto" lets the
	// registry pick the first available provider's default.
	DefaultModel string

	// StorageDir holds per-conversation transcripts and the history
	// ledger database.
	StorageDir string

	ConversationTTL  time.Duration
	MaxConversations int

	// AllowedModels / DisabledModels restrict the catalog. An empty
	// allow list permits everything not disabled.
	AllowedModels  []string
	DisabledModels []string

	// CatalogPath optionally overlays extra model specs from a YAML file.
	CatalogPath string

	// InputTokenLimit caps the literal size of a single incoming step
	// payload. Zero selects the built-in default.
	InputTokenLimit int
}

// FromEnv builds a Config from the process environment.
func FromEnv() *Config {
	cfg := &Config{
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenRouterAPIKey: os.Getenv("OPENROUTER_API_KEY"),
		CustomAPIURL:     os.Getenv("CUSTOM_API_URL"),
		CustomAPIKey:     os.Getenv("CUSTOM_API_KEY"),
		DefaultModel:     envOr("DEFAULT_MODEL", "auto"),
		StorageDir:       os.Getenv("ZEN_STORAGE_DIR"),
		ConversationTTL:  DefaultConversationTTL,
		MaxConversations: DefaultMaxConversations,
		AllowedModels:    envList("ALLOWED_MODELS"),
		DisabledModels:   envList("DISABLED_MODELS"),
		CatalogPath:      os.Getenv("CUSTOM_MODELS_PATH"),
	}

	if hours := envInt("CONVERSATION_TIMEOUT_HOURS", 0); hours > 0 {
		cfg.ConversationTTL = time.Duration(hours) * time.Hour
	}
	if n := envInt("MAX_CONVERSATIONS", 0); n > 0 {
		cfg.MaxConversations = n
	}
	cfg.InputTokenLimit = envInt("ZEN_INPUT_TOKEN_LIMIT", 0)

	if cfg.StorageDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.StorageDir = filepath.Join(home, ".zen")
		}
	}
	return cfg
}

// Validate checks that the configuration can actually serve requests.
func (c *Config) Validate() error {
	if !c.HasAnyProvider() {
		return fmt.Errorf("no provider configured: set at least one of " +
			"ANTHROPIC_API_KEY, OPENAI_API_KEY, OPENROUTER_API_KEY, or CUSTOM_API_URL")
	}
	if c.ConversationTTL <= 0 {
		return fmt.Errorf("conversation TTL must be positive, got %s", c.ConversationTTL)
	}
	if c.MaxConversations <= 0 {
		return fmt.Errorf("max conversations must be positive, got %d", c.MaxConversations)
	}
	if c.StorageDir == "" {
		return fmt.Errorf("no storage directory: set ZEN_STORAGE_DIR")
	}
	if c.CatalogPath != "" {
		if _, err := os.Stat(c.CatalogPath); err != nil {
			return fmt.Errorf("model catalog %s: %w", c.CatalogPath, err)
		}
	}
	return nil
}

// HasAnyProvider reports whether at least one provider can be registered.
func (c *Config) HasAnyProvider() bool {
	return c.AnthropicAPIKey != "" || c.OpenAIAPIKey != "" ||
		c.OpenRouterAPIKey != "" || c.CustomAPIURL != ""
}

// ThreadsDir is where conversation transcripts live.
func (c *Config) ThreadsDir() string { return filepath.Join(c.StorageDir, "threads") }

// HistoryDir is where the outcome ledger database lives.
func (c *Config) HistoryDir() string { return c.StorageDir }

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envList(key string) []string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
