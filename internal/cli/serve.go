package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/free-radical/zeroveil/internal/api"
	"github.com/free-radical/zeroveil/internal/config"
	"github.com/free-radical/zeroveil/internal/metrics"
)

const sweepInterval = time.Minute

func (a *app) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP scrub/restore API and chat completions proxy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.ListenAddr = addr
			}
			return serve(cmd.Context(), a.cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default :$PORT)")
	return cmd
}

// serve runs until ctx is done, then drains in-flight requests.
func serve(ctx context.Context, cfg *config.Cfg) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	rt, err := buildDeps(ctx, cfg, config.StoreMemory, m)
	if err != nil {
		return err
	}
	defer rt.close()

	var rl api.Relay
	if cfg.RelayConfigured() {
		c, err := buildRelay(cfg, m)
		if err != nil {
			return err
		}
		rl = c
	} else {
		slog.Warn("ZEROVEIL_API_KEY not set; chat completions disabled")
	}

	handler := api.New(rt.engine, rl, api.Options{
		Mode:     cfg.Mode,
		ZDROnly:  cfg.ZDROnly,
		Gatherer: reg,
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	bg, stop := context.WithCancel(ctx)
	defer stop()
	go rt.engine.RunJanitor(bg, sweepInterval)
	if rt.bolt != nil {
		go purgeLoop(bg, rt)
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting down")

		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()

		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
	}()

	slog.Info("starting zeroveil server",
		"addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"store", cfg.ScopeStore,
		"relay", rl != nil,
		"ner", cfg.SanitizeNER,
		"llm", cfg.SanitizeLLM,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// purgeLoop removes expired payloads and old tombstones from the bolt
// store, which has no native expiry.
func purgeLoop(ctx context.Context, rt *deps) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := rt.bolt.Purge(now)
			if err != nil {
				slog.Warn("scope store purge failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Debug("scope store purged", "records", n)
			}
		}
	}
}
