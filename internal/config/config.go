// Package config loads and stores tagrouter configuration in the XDG config dir.
// Only non-secret settings are kept here; secrets go to OS keychain or env.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"tagrouter/cli/internal/xdg"
)

// Config holds non-sensitive router settings.
type Config struct {
	LogLevel  string          `toml:"log_level"`
	LogFormat string          `toml:"log_format"`
	DB        DBConfig        `toml:"db"`
	Cache     CacheConfig     `toml:"cache"`
	Classify  ClassifyConfig  `toml:"classifier"`
	Retrieval RetrievalConfig `toml:"retrieval"`
	SQL       SQLConfig       `toml:"sql"`
	LLM       LLMConfig       `toml:"llm"`
	Timeouts  TimeoutConfig   `toml:"timeouts"`
	Sanitize  SanitizeConfig  `toml:"sanitize"`
	Server    ServerConfig    `toml:"server"`
	Session   SessionConfig   `toml:"session"`
}

// DBConfig holds database connection settings.
// DSN is never written to disk; it is resolved from env or keychain.
type DBConfig struct {
	DSN string `toml:"-"`
}

// CacheConfig controls the semantic answer cache.
type CacheConfig struct {
	Enabled bool `toml:"enabled"`
	// Backend is "memory" or "redis".
	Backend    string        `toml:"backend"`
	RedisURL   string        `toml:"redis_url"`
	Threshold  float64       `toml:"threshold"`
	TTL        time.Duration `toml:"ttl"`
	MaxEntries int           `toml:"max_entries"`
	Shards     int           `toml:"shards"`
	// ContextTurns is how many prior turns are folded into the lookup key.
	ContextTurns int `toml:"context_turns"`
}

// ClassifyConfig controls the intent classifier.
type ClassifyConfig struct {
	MinConfidence float64 `toml:"min_confidence"`
}

// RetrievalConfig controls the knowledge-retrieval agent.
type RetrievalConfig struct {
	TopK               int     `toml:"top_k"`
	RelevanceThreshold float64 `toml:"relevance_threshold"`
	IndexPath          string  `toml:"index_path"`
	ChunkSize          int     `toml:"chunk_size"`
}

// SQLConfig controls the structured-query agent.
type SQLConfig struct {
	MaxRows          int           `toml:"max_rows"`
	PreviewRows      int           `toml:"preview_rows"`
	StatementTimeout time.Duration `toml:"statement_timeout"`
	PoolMaxConns     int32         `toml:"pool_max_conns"`
	SchemaTTL        time.Duration `toml:"schema_ttl"`
	Schemas          []string      `toml:"schemas"`
}

// LLMConfig controls the language-model client. The API key is not stored here.
type LLMConfig struct {
	Model          string  `toml:"model"`
	EmbeddingModel string  `toml:"embedding_model"`
	BaseURL        string  `toml:"base_url"`
	RatePerSecond  float64 `toml:"rate_per_second"`
	MaxRetries     int     `toml:"max_retries"`
	APIKey         string  `toml:"-"`
}

// TimeoutConfig bounds every external call made while answering a query.
type TimeoutConfig struct {
	LLM     time.Duration `toml:"llm"`
	DB      time.Duration `toml:"db"`
	Search  time.Duration `toml:"search"`
	Cache   time.Duration `toml:"cache"`
	Request time.Duration `toml:"request"`
}

// SanitizeConfig adds site-specific identifier patterns to the PII redactor.
type SanitizeConfig struct {
	Patterns []PatternConfig `toml:"patterns"`
}

// PatternConfig is one named redaction regex; matches become <NAME>.
type PatternConfig struct {
	Name  string `toml:"name"`
	Regex string `toml:"regex"`
}

// ServerConfig controls the gRPC listener.
type ServerConfig struct {
	Listen string `toml:"listen"`
}

// SessionConfig controls the conversation store.
type SessionConfig struct {
	// Store is "memory" or "redis"; redis reuses cache.redis_url.
	Store    string        `toml:"store"`
	MaxTurns int           `toml:"max_turns"`
	TTL      time.Duration `toml:"ttl"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		LogLevel:  "info",
		LogFormat: "console",
		Cache: CacheConfig{
			Enabled:      true,
			Backend:      "memory",
			Threshold:    0.92,
			TTL:          time.Hour,
			MaxEntries:   10000,
			Shards:       16,
			ContextTurns: 0,
		},
		Classify: ClassifyConfig{MinConfidence: 0.6},
		Retrieval: RetrievalConfig{
			TopK:               3,
			RelevanceThreshold: 0.35,
			ChunkSize:          800,
		},
		SQL: SQLConfig{
			MaxRows:          100,
			PreviewRows:      15,
			StatementTimeout: 5 * time.Second,
			PoolMaxConns:     4,
			SchemaTTL:        5 * time.Minute,
			Schemas:          []string{"public"},
		},
		LLM: LLMConfig{
			Model:          "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
			RatePerSecond:  5,
			MaxRetries:     2,
		},
		Timeouts: TimeoutConfig{
			LLM:     30 * time.Second,
			DB:      10 * time.Second,
			Search:  5 * time.Second,
			Cache:   500 * time.Millisecond,
			Request: 90 * time.Second,
		},
		Server:  ServerConfig{Listen: "127.0.0.1:7443"},
		Session: SessionConfig{Store: "memory", MaxTurns: 50, TTL: 24 * time.Hour},
	}
}

// Path returns the path to the config file.
func Path() (string, error) {
	dir, err := xdg.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// Load reads configuration; missing file returns defaults.
// Environment overrides are applied in both cases.
func Load() (Config, error) {
	p, err := Path()
	if err != nil {
		return Config{}, err
	}
	return LoadFrom(p)
}

// LoadFrom reads configuration from an explicit path.
func LoadFrom(p string) (Config, error) {
	c := Default()
	if _, err := toml.DecodeFile(p, &c); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return c, fmt.Errorf("failed to decode %s: %w", p, err)
		}
	}
	c.ApplyEnv()
	if c.Retrieval.IndexPath == "" {
		if dir, err := xdg.DataDir(); err == nil {
			c.Retrieval.IndexPath = filepath.Join(dir, "knowledge.db")
		}
	}
	return c, nil
}

// ApplyEnv overlays environment variables onto c.
func (c *Config) ApplyEnv() {
	if v := firstEnv("TAGROUTER_DSN", "DATABASE_URL"); v != "" {
		c.DB.DSN = v
	}
	if v := firstEnv("TAGROUTER_LLM_KEY", "OPENAI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := firstEnv("OPENAI_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := firstEnv("REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
	if v := firstEnv("TAGROUTER_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

// Save writes configuration to Path with 0600 permissions.
func Save(c Config) error {
	p, err := Path()
	if err != nil {
		return err
	}
	return SaveTo(p, c)
}

// SaveTo writes configuration to p with 0600 permissions.
func SaveTo(p string, c Config) error {
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(c); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return f.Close()
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, v := range e {
		msgs = append(msgs, v.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks ranges and enumerations. It returns nil or ValidationErrors.
func (c Config) Validate() error {
	var errs ValidationErrors
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	if c.Cache.Threshold <= 0 || c.Cache.Threshold > 1 {
		add("cache.threshold", fmt.Sprintf("must be in (0, 1], got %v", c.Cache.Threshold))
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			add("cache.redis_url", "required when cache.backend is redis")
		}
	default:
		add("cache.backend", fmt.Sprintf("invalid backend '%s', must be one of: memory, redis", c.Cache.Backend))
	}
	if c.Cache.MaxEntries <= 0 {
		add("cache.max_entries", "must be positive")
	}
	if c.Cache.Shards <= 0 {
		add("cache.shards", "must be positive")
	}
	if c.Cache.ContextTurns < 0 {
		add("cache.context_turns", "cannot be negative")
	}
	if c.Classify.MinConfidence < 0 || c.Classify.MinConfidence > 1 {
		add("classifier.min_confidence", "must be in [0, 1]")
	}
	if c.Retrieval.TopK <= 0 {
		add("retrieval.top_k", "must be positive")
	}
	if c.Retrieval.RelevanceThreshold < 0 || c.Retrieval.RelevanceThreshold > 1 {
		add("retrieval.relevance_threshold", "must be in [0, 1]")
	}
	if c.SQL.MaxRows <= 0 {
		add("sql.max_rows", "must be positive")
	}
	if c.SQL.PreviewRows <= 0 || c.SQL.PreviewRows > c.SQL.MaxRows {
		add("sql.preview_rows", "must be positive and not exceed sql.max_rows")
	}
	if c.SQL.PoolMaxConns <= 0 {
		add("sql.pool_max_conns", "must be positive")
	}
	if c.SQL.StatementTimeout <= 0 {
		add("sql.statement_timeout", "must be positive")
	}
	if c.Session.Store != "memory" && c.Session.Store != "redis" {
		add("session.store", fmt.Sprintf("invalid store '%s', must be one of: memory, redis", c.Session.Store))
	}
	for _, d := range []struct {
		field string
		v     time.Duration
	}{
		{"timeouts.llm", c.Timeouts.LLM},
		{"timeouts.db", c.Timeouts.DB},
		{"timeouts.search", c.Timeouts.Search},
		{"timeouts.cache", c.Timeouts.Cache},
	} {
		if d.v <= 0 {
			add(d.field, "must be positive")
		}
	}
	for i, p := range c.Sanitize.Patterns {
		field := fmt.Sprintf("sanitize.patterns[%d]", i)
		if strings.TrimSpace(p.Name) == "" {
			add(field+".name", "required")
		}
		if _, err := regexp.Compile(p.Regex); err != nil {
			add(field+".regex", err.Error())
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}
