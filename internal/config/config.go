// Package config provides application configuration with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (RELAY_ prefix)
//  2. Config file (~/.relay/config.yaml)
//  3. Default values
//
// Security: sensitive fields (passwords) are masked in MarshalJSON.
// Validation lives in validation.go and uses sentinel errors so callers
// can branch with errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderOpenAI   = "openai"
	ProviderGoogleAI = "googleai"
)

// Defaults applied when neither file nor environment sets a value.
const (
	// DefaultModel matches the cheapest hosted default; bots may override it.
	DefaultModel = "gpt-4o-mini"

	// DefaultSystemPrompt is used for sessions with no bot attached.
	DefaultSystemPrompt = "You are a helpful AI assistant."

	// DefaultEmbedderModel produces 1536-dim vectors; the document_chunks
	// schema is created with the dimension configured here.
	DefaultEmbedderModel = "text-embedding-3-small"

	// DefaultMaxIterations caps the tool-use agent loop per request.
	DefaultMaxIterations = 3

	// DefaultToolWorkers bounds concurrently executing tool invocations.
	DefaultToolWorkers = 4
)

// ModelPrice is a per-1K-token price entry.
type ModelPrice struct {
	PromptPerK     float64 `mapstructure:"prompt_per_k" json:"prompt_per_k"`
	CompletionPerK float64 `mapstructure:"completion_per_k" json:"completion_per_k"`
}

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
type Config struct {
	// AI provider and model configuration
	Provider      string `mapstructure:"provider" json:"provider"`   // "openai" (default) or "googleai"
	ModelName     string `mapstructure:"model_name" json:"model_name"`
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`
	SystemPrompt  string `mapstructure:"system_prompt" json:"system_prompt"`

	// Agent loop configuration
	MaxIterations int `mapstructure:"max_iterations" json:"max_iterations"`
	ToolWorkers   int `mapstructure:"tool_workers" json:"tool_workers"`

	// Pricing overrides. Keys are model names; DefaultPriceModel names the
	// entry used for unknown models. Empty map keeps the built-in table.
	Pricing           map[string]ModelPrice `mapstructure:"pricing" json:"pricing"`
	DefaultPriceModel string                `mapstructure:"default_price_model" json:"default_price_model"`

	// Storage configuration
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Server configuration (serve mode only)
	ListenAddr  string   `mapstructure:"listen_addr" json:"listen_addr"`
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"`
	RateBurst   int      `mapstructure:"rate_burst" json:"rate_burst"`

	// Observability configuration: traces are exported to a local OTLP
	// agent; empty ServiceName disables export.
	OTLP OTLPConfig `mapstructure:"otlp" json:"otlp"`
}

// OTLPConfig configures trace export via OTLP HTTP.
type OTLPConfig struct {
	AgentHost   string `mapstructure:"agent_host" json:"agent_host"` // default "localhost:4318"
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	Environment string `mapstructure:"environment" json:"environment"`
}

// MarshalJSON masks sensitive fields so configs can be logged safely.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config // avoid recursion
	masked := alias(c)
	if masked.PostgresPassword != "" {
		masked.PostgresPassword = "***"
	}
	return json.Marshal(masked)
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("provider", ProviderOpenAI)
	v.SetDefault("model_name", DefaultModel)
	v.SetDefault("embedder_model", DefaultEmbedderModel)
	v.SetDefault("system_prompt", DefaultSystemPrompt)
	v.SetDefault("max_iterations", DefaultMaxIterations)
	v.SetDefault("tool_workers", DefaultToolWorkers)
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "relay")
	v.SetDefault("postgres_db_name", "relay")
	v.SetDefault("postgres_ssl_mode", "disable")
	v.SetDefault("listen_addr", "127.0.0.1:3500")
	v.SetDefault("rate_burst", 60)
	v.SetDefault("otlp.agent_host", "localhost:4318")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".relay"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No config file is fine: defaults + environment apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// PostgresURL returns the postgres:// URL form used by golang-migrate.
func (c *Config) PostgresURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:   fmt.Sprintf("%s:%d", c.PostgresHost, c.PostgresPort),
		Path:   c.PostgresDBName,
	}
	q := url.Values{}
	q.Set("sslmode", c.PostgresSSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// PostgresConnectionString returns the keyword/value form used by pgxpool.
func (c *Config) PostgresConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.PostgresHost, c.PostgresPort, c.PostgresUser, c.PostgresPassword,
		c.PostgresDBName, c.PostgresSSLMode)
}
