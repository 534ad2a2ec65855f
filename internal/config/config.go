package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/free-radical/zeroveil/internal/sanitize"
)

// Scope store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreBolt   = "bolt"
)

// Cfg holds all runtime configuration loaded from environment variables.
type Cfg struct {
	// Relay
	Endpoints  []string      // ZEROVEIL_ENDPOINT, comma separated
	APIKey     string        // ZEROVEIL_API_KEY; only needed to send
	Timeout    time.Duration // ZEROVEIL_TIMEOUT, seconds or a Go duration
	MaxRetries int           // ZEROVEIL_MAX_RETRIES
	ZDROnly    bool          // ZEROVEIL_ZDR_ONLY, default true

	// Tokenization
	Mode     sanitize.Mode       // SANITIZE_MODE=deterministic|nondeterministic
	MinScore float64             // SANITIZE_MIN_SCORE, floor for every detector
	Priority []sanitize.Category // SANITIZE_PRIORITY, comma separated categories

	// Rule-based layer
	SanitizeRules     bool   // SANITIZE_RULES, default true
	SanitizeRulesFile string // SANITIZE_RULES_FILE, extra recognizer YAML

	// NER sidecar layer
	SanitizeNER    bool   // SANITIZE_NER=true enables NER sidecar
	SanitizeNERURL string // SANITIZE_NER_URL=http://sanitize-ner:8001

	// LLM semantic classifier layer
	SanitizeLLM          bool    // SANITIZE_LLM=true enables LLM classifier
	SanitizeLLMURL       string  // SANITIZE_LLM_URL=http://ollama:11434
	SanitizeLLMModel     string  // SANITIZE_LLM_MODEL=qwen3:4b-instruct-2507-q4_K_M
	SanitizeLLMThreshold float64 // SANITIZE_LLM_THRESHOLD, confidence of LLM spans

	// Scope store
	ScopeTTL      time.Duration // SCOPE_TTL
	ScopeStore    string        // SCOPE_STORE=memory|redis|bolt
	ScopeBoltPath string        // SCOPE_BOLT_PATH
	RedisAddr     string        // REDIS_ADDR
	RedisPassword string        // REDIS_PASSWORD
	ScopeKey      string        // ZEROVEIL_SCOPE_KEY, seals persisted mappings

	// Server
	ListenAddr string     // PORT
	LogLevel   slog.Level // LOG_LEVEL
}

// Load reads .env (if present) then environment variables and returns Cfg.
func Load() (*Cfg, error) {
	// Best-effort: load .env from current directory
	_ = godotenv.Load()

	var (
		cfg = &Cfg{}
		err error
	)

	for _, ep := range strings.Split(env("ZEROVEIL_ENDPOINT", "https://api.zeroveil.io/v1"), ",") {
		if ep = strings.TrimRight(strings.TrimSpace(ep), "/"); ep != "" {
			cfg.Endpoints = append(cfg.Endpoints, ep)
		}
	}
	cfg.APIKey = env("ZEROVEIL_API_KEY", "")
	if cfg.Timeout, err = envDuration("ZEROVEIL_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = envInt("ZEROVEIL_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.ZDROnly, err = envBool("ZEROVEIL_ZDR_ONLY", true); err != nil {
		return nil, err
	}

	if cfg.Mode, err = sanitize.ParseMode(env("SANITIZE_MODE", "deterministic")); err != nil {
		return nil, fmt.Errorf("config: SANITIZE_MODE: %w", err)
	}
	if cfg.MinScore, err = envFloat("SANITIZE_MIN_SCORE", 0.5); err != nil {
		return nil, err
	}
	if cfg.MinScore < 0 || cfg.MinScore > 1 {
		return nil, fmt.Errorf("config: SANITIZE_MIN_SCORE must be within [0,1], got %v", cfg.MinScore)
	}
	if raw := env("SANITIZE_PRIORITY", ""); raw != "" {
		for _, c := range strings.Split(raw, ",") {
			if c = strings.TrimSpace(c); c != "" {
				cfg.Priority = append(cfg.Priority, sanitize.NormalizeCategory(c))
			}
		}
	}

	if cfg.SanitizeRules, err = envBool("SANITIZE_RULES", true); err != nil {
		return nil, err
	}
	cfg.SanitizeRulesFile = env("SANITIZE_RULES_FILE", "")

	if cfg.SanitizeNER, err = envBool("SANITIZE_NER", false); err != nil {
		return nil, err
	}
	cfg.SanitizeNERURL = env("SANITIZE_NER_URL", "http://sanitize-ner:8001")

	if cfg.SanitizeLLM, err = envBool("SANITIZE_LLM", false); err != nil {
		return nil, err
	}
	cfg.SanitizeLLMURL = env("SANITIZE_LLM_URL", "http://ollama:11434")
	cfg.SanitizeLLMModel = env("SANITIZE_LLM_MODEL", "qwen2.5:0.5b")
	if cfg.SanitizeLLMThreshold, err = envFloat("SANITIZE_LLM_THRESHOLD", 0.8); err != nil {
		return nil, err
	}

	if cfg.ScopeTTL, err = envDuration("SCOPE_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	cfg.ScopeStore = strings.ToLower(env("SCOPE_STORE", ""))
	switch cfg.ScopeStore {
	case "", StoreMemory, StoreRedis, StoreBolt:
	default:
		return nil, fmt.Errorf("config: SCOPE_STORE must be memory, redis or bolt, got %q", cfg.ScopeStore)
	}
	cfg.ScopeBoltPath = env("SCOPE_BOLT_PATH", defaultBoltPath())
	cfg.RedisAddr = env("REDIS_ADDR", "localhost:6379")
	cfg.RedisPassword = env("REDIS_PASSWORD", "")
	cfg.ScopeKey = env("ZEROVEIL_SCOPE_KEY", "")

	cfg.ListenAddr = ":" + env("PORT", "8080")
	if err := cfg.LogLevel.UnmarshalText([]byte(env("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	return cfg, nil
}

// RelayConfigured reports whether an API key is available for sending.
func (c *Cfg) RelayConfigured() bool { return c.APIKey != "" }

func env(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) (bool, error) {
	raw := env(key, "")
	if raw == "" {
		return def, nil
	}
	switch strings.ToLower(raw) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("config: %s must be a boolean, got %q", key, raw)
}

func envInt(key string, def int) (int, error) {
	raw := env(key, "")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("config: %s must be a non-negative integer, got %q", key, raw)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	raw := env(key, "")
	if raw == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a number, got %q", key, raw)
	}
	return f, nil
}

// envDuration accepts a Go duration ("90s", "15m") or a bare number of
// seconds.
func envDuration(key string, def time.Duration) (time.Duration, error) {
	raw := env(key, "")
	if raw == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a duration, got %q", key, raw)
	}
	return d, nil
}

func defaultBoltPath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "zeroveil", "scopes.db")
}
