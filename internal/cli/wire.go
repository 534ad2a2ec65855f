package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/free-radical/zeroveil/internal/config"
	"github.com/free-radical/zeroveil/internal/metrics"
	"github.com/free-radical/zeroveil/internal/relay"
	"github.com/free-radical/zeroveil/internal/sanitize"
	"github.com/free-radical/zeroveil/internal/sanitize/llmclassifier"
	"github.com/free-radical/zeroveil/internal/sanitize/ner"
	"github.com/free-radical/zeroveil/internal/sanitize/rules"
	"github.com/free-radical/zeroveil/internal/scope"
)

// deps is everything a command needs, built from Cfg. close releases
// the engine and the scope store in that order.
type deps struct {
	engine *sanitize.Engine
	store  scope.Store
	bolt   *scope.Bolt // set when the bolt backend is in use, for purging

	closers []func() error
}

func (rt *deps) close() {
	rt.engine.Close()
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			slog.Warn("close failed", "err", err)
		}
	}
}

// buildDeps wires detectors, the scope store and the engine.
// defaultStore is used when SCOPE_STORE is unset: one-shot commands keep
// scopes on disk so a later restore in another process can find them.
func buildDeps(ctx context.Context, cfg *config.Cfg, defaultStore string, m *metrics.Metrics) (*deps, error) {
	det, err := buildDetector(cfg)
	if err != nil {
		return nil, err
	}

	rt := &deps{}
	kind := cfg.ScopeStore
	if kind == "" {
		kind = defaultStore
	}

	// Mappings hold original values, so every store outside the process is
	// sealed. Bolt falls back to a key file next to the database.
	var secret []byte
	if cfg.ScopeKey != "" {
		secret = []byte(cfg.ScopeKey)
	}
	switch kind {
	case config.StoreRedis:
		if secret == nil {
			return nil, errors.New("redis scope store requires ZEROVEIL_SCOPE_KEY to seal mappings")
		}
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rc.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = rc.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		rt.store = scope.NewRedis(rc, nil)
		rt.closers = append(rt.closers, rc.Close)
	case config.StoreBolt:
		if err := os.MkdirAll(filepath.Dir(cfg.ScopeBoltPath), 0o700); err != nil {
			return nil, fmt.Errorf("scope store dir: %w", err)
		}
		if secret == nil {
			if secret, err = scope.LoadOrCreateKey(cfg.ScopeBoltPath + ".key"); err != nil {
				return nil, err
			}
			defer clear(secret)
		}
		b, err := scope.OpenBolt(cfg.ScopeBoltPath)
		if err != nil {
			return nil, err
		}
		rt.store, rt.bolt = b, b
	default:
		rt.store = scope.NewMemory()
	}
	rt.closers = append(rt.closers, rt.store.Close)

	if secret != nil {
		sealed, err := scope.NewSealed(rt.store, secret)
		if err != nil {
			for _, c := range rt.closers {
				_ = c()
			}
			return nil, err
		}
		rt.store = sealed
		rt.closers = append(rt.closers, sealed.Close)
	}

	rt.engine = sanitize.New(sanitize.Config{
		Detector:      det,
		Priority:      cfg.Priority,
		MinConfidence: cfg.MinScore,
		TTL:           cfg.ScopeTTL,
		Store:         rt.store,
		Metrics:       m,
	})
	slog.Debug("scope store ready", "store", kind, "sealed", secret != nil)
	return rt, nil
}

// buildDetector assembles the enabled recognizer layers.
func buildDetector(cfg *config.Cfg) (*sanitize.MultiDetector, error) {
	var detectors []sanitize.Detector

	if cfg.SanitizeRules {
		opts := []rules.Option{rules.WithMinScore(cfg.MinScore)}
		if cfg.SanitizeRulesFile != "" {
			opts = append(opts, rules.WithRecognizerFile(cfg.SanitizeRulesFile))
		}
		d, err := rules.New(opts...)
		if err != nil {
			return nil, err
		}
		detectors = append(detectors, d)
	}
	if cfg.SanitizeNER {
		detectors = append(detectors, ner.New(cfg.SanitizeNERURL))
		slog.Debug("sanitize: NER layer enabled", "url", cfg.SanitizeNERURL)
	}
	if cfg.SanitizeLLM {
		detectors = append(detectors, llmclassifier.New(cfg.SanitizeLLMURL, cfg.SanitizeLLMModel, cfg.SanitizeLLMThreshold))
		slog.Debug("sanitize: LLM layer enabled", "url", cfg.SanitizeLLMURL, "model", cfg.SanitizeLLMModel)
	}
	if len(detectors) == 0 {
		slog.Warn("sanitize: every detector is disabled; text passes through unchanged")
	}
	return sanitize.NewMultiDetector(detectors...), nil
}

func buildRelay(cfg *config.Cfg, m *metrics.Metrics) (*relay.Client, error) {
	return relay.New(relay.Config{
		Endpoints:  cfg.Endpoints,
		APIKey:     cfg.APIKey,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
		ZDROnly:    cfg.ZDROnly,
		Metrics:    m,
	})
}
