// Package config loads runtime settings from the environment. In
// development a .env file is read first; production requires every secret
// to come from the real environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type (
	// Settings is the full runtime configuration.
	Settings struct {
		// Env is dev, staging or production.
		Env string
		// HTTPAddr is the API listen address.
		HTTPAddr string

		// DatabaseURL is the postgres DSN. Empty selects the in-memory
		// store.
		DatabaseURL string
		// RedisURL configures the shared Redis instance. Empty selects
		// in-memory bus and router variants.
		RedisURL string
		// MongoURL configures the audit store. Empty selects the
		// in-memory trail.
		MongoURL string

		// UseRedisBus forces the Redis bus even when other subsystems run
		// in memory.
		UseRedisBus bool
		// WebSocketManager is "redis" or "memory".
		WebSocketManager string

		// SecretKey signs API tokens. Required in production.
		SecretKey string
		// TokenTTL bounds token lifetime.
		TokenTTL time.Duration

		// QdrantAddr is the vector store gRPC address. Empty disables
		// semantic recall.
		QdrantAddr string
		// EmbedEndpoint is the embedding service URL.
		EmbedEndpoint string
		// RerankEndpoint is the cross-encoder service URL. Empty keeps
		// fused order.
		RerankEndpoint string

		// RateLimitEnabled toggles the request limiter.
		RateLimitEnabled bool
		// RateLimit and RateLimitWindow size the sliding window.
		RateLimit       int
		RateLimitWindow time.Duration

		// AuditLogStrict aborts requests on audit write failure.
		AuditLogStrict bool

		// ComplianceRulesPath points at an optional YAML rules file.
		ComplianceRulesPath string
	}

	// ComplianceRules is the YAML shape of the optional rules file.
	ComplianceRules struct {
		SensitiveWords        []string `yaml:"sensitive_words"`
		InjectionPatterns     []string `yaml:"injection_patterns"`
		GuaranteedReturnWords []string `yaml:"guaranteed_return_words"`
		BlockFallback         string   `yaml:"block_fallback"`
		WarnMessage           string   `yaml:"warn_message"`
	}
)

// EnvProduction is the production environment name.
const EnvProduction = "production"

// Load reads the environment, preceded by .env outside production, and
// validates the result.
func Load() (Settings, error) {
	if os.Getenv("ENV_STATE") != EnvProduction {
		_ = godotenv.Load()
	}
	s := Settings{
		Env:                 envOr("ENV_STATE", "dev"),
		HTTPAddr:            envOr("HTTP_ADDR", ":8000"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		RedisURL:            os.Getenv("REDIS_URL"),
		MongoURL:            os.Getenv("MONGO_URL"),
		UseRedisBus:         envBool("USE_REDIS_BUS", false),
		WebSocketManager:    envOr("WEBSOCKET_MANAGER_TYPE", "memory"),
		SecretKey:           os.Getenv("SECRET_KEY"),
		TokenTTL:            envDuration("TOKEN_TTL", 24*time.Hour),
		QdrantAddr:          os.Getenv("RAG_QDRANT_ADDR"),
		EmbedEndpoint:       os.Getenv("RAG_EMBED_ENDPOINT"),
		RerankEndpoint:      os.Getenv("RAG_RERANK_ENDPOINT"),
		RateLimitEnabled:    envBool("RATE_LIMIT_ENABLED", false),
		RateLimit:           envInt("RATE_LIMIT", 120),
		RateLimitWindow:     envDuration("RATE_LIMIT_WINDOW", time.Minute),
		AuditLogStrict:      envBool("AUDIT_LOG_STRICT", false),
		ComplianceRulesPath: os.Getenv("COMPLIANCE_RULES_PATH"),
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate enforces cross-field constraints.
func (s Settings) Validate() error {
	if s.Production() && s.SecretKey == "" {
		return errors.New("config: SECRET_KEY is required in production")
	}
	if s.WebSocketManager != "redis" && s.WebSocketManager != "memory" {
		return fmt.Errorf("config: unknown websocket manager %q", s.WebSocketManager)
	}
	if s.WebSocketManager == "redis" && s.RedisURL == "" {
		return errors.New("config: redis websocket manager requires REDIS_URL")
	}
	if s.UseRedisBus && s.RedisURL == "" {
		return errors.New("config: redis bus requires REDIS_URL")
	}
	if s.RateLimitEnabled && s.RateLimit <= 0 {
		return errors.New("config: RATE_LIMIT must be positive")
	}
	return nil
}

// Production reports whether the process runs in production.
func (s Settings) Production() bool { return s.Env == EnvProduction }

// LoadComplianceRules reads the YAML rules file named by the settings. An
// empty path returns zero rules so the built-in defaults apply.
func (s Settings) LoadComplianceRules() (ComplianceRules, error) {
	if s.ComplianceRulesPath == "" {
		return ComplianceRules{}, nil
	}
	raw, err := os.ReadFile(s.ComplianceRulesPath)
	if err != nil {
		return ComplianceRules{}, fmt.Errorf("config: read compliance rules: %w", err)
	}
	var rules ComplianceRules
	if err := yaml.Unmarshal(raw, &rules); err != nil {
		return ComplianceRules{}, fmt.Errorf("config: parse compliance rules: %w", err)
	}
	return rules, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
