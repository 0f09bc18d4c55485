package config

import (
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	Port               int      `mapstructure:"port"`
	DatabaseURL        string   `mapstructure:"database_url"`  // Postgres DSN; empty = use sqlite at database_path
	DatabasePath       string   `mapstructure:"database_path"` // sqlite fallback for single-node / dev
	LogLevel           string   `mapstructure:"log_level"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`
	RedisAddr          string   `mapstructure:"redis_addr"`
	RedisPassword      string   `mapstructure:"redis_password"`
	SessionTTLSec      int      `mapstructure:"session_ttl_sec"` // Session + log retention in Redis
	ShutdownTimeoutSec int      `mapstructure:"shutdown_timeout_sec"`
	RequestTimeoutSec  int      `mapstructure:"request_timeout_sec"` // HTTP read/write; 0 = server default

	// Oracle (reasoning model)
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	OracleModel     string `mapstructure:"oracle_model"`
	OracleMaxTokens int    `mapstructure:"oracle_max_tokens"`

	// Edge agent
	ServerURL       string `mapstructure:"server_url"`    // Control plane base URL for the agent
	ClusterToken    string `mapstructure:"cluster_token"` // Empty = poller disabled
	PollIntervalSec int    `mapstructure:"poll_interval_sec"`
	HTTPTimeoutSec  int    `mapstructure:"http_timeout_sec"`

	// Investigation engine
	MaxInvestigations   int    `mapstructure:"max_investigations"`    // Re-investigation bound
	VerificationWaitSec int    `mapstructure:"verification_wait_sec"` // Settle time before re-querying metrics
	PrometheusURL       string `mapstructure:"prometheus_url"`
	LokiURL             string `mapstructure:"loki_url"`
	MemoryURL           string `mapstructure:"memory_url"` // Runbook search + incident recall service
	GithubToken         string `mapstructure:"github_token"`
	GithubRepo          string `mapstructure:"github_repo"` // owner/name for revert PRs
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/arbiter/")
	viper.AddConfigPath("$HOME/.arbiter")
	viper.AddConfigPath(".")

	// Defaults
	viper.SetDefault("port", 8080)
	viper.SetDefault("database_url", "")
	viper.SetDefault("database_path", "./arbiter.db")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("allowed_origins", []string{"*"})
	viper.SetDefault("redis_addr", "localhost:6379")
	viper.SetDefault("redis_password", "")
	viper.SetDefault("session_ttl_sec", 3600)
	viper.SetDefault("shutdown_timeout_sec", 15)
	viper.SetDefault("request_timeout_sec", 30)
	viper.SetDefault("anthropic_api_key", "")
	viper.SetDefault("oracle_model", "claude-sonnet-4-20250514")
	viper.SetDefault("oracle_max_tokens", 4096)
	viper.SetDefault("server_url", "http://localhost:8080")
	viper.SetDefault("cluster_token", "")
	viper.SetDefault("poll_interval_sec", 5)
	viper.SetDefault("http_timeout_sec", 10)
	viper.SetDefault("max_investigations", 3)
	viper.SetDefault("verification_wait_sec", 60)
	viper.SetDefault("prometheus_url", "http://localhost:9090")
	viper.SetDefault("loki_url", "http://localhost:3100")
	viper.SetDefault("memory_url", "")
	viper.SetDefault("github_token", "")
	viper.SetDefault("github_repo", "")

	// Environment variables
	viper.SetEnvPrefix("ARBITER")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; using defaults and env vars
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
