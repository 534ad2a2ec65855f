package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/free-radical/zeroveil/internal/config"
	"github.com/free-radical/zeroveil/internal/relay"
	"github.com/free-radical/zeroveil/internal/sanitize"
)

func (a *app) sendCmd() *cobra.Command {
	var (
		model     string
		system    string
		mode      string
		keepScope bool
		showScrub bool
		noZDR     bool
	)
	cmd := &cobra.Command{
		Use:   "send [prompt...]",
		Short: "Scrub a prompt, send it through the relay and restore the reply",
		Long: `Joins the arguments into a prompt (or reads stdin when none are given),
scrubs it, sends it to the relay and prints the restored reply.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			prompt := strings.Join(args, " ")
			if len(args) == 0 {
				var err error
				if prompt, err = a.readAll(nil); err != nil {
					return err
				}
			}
			if strings.TrimSpace(prompt) == "" {
				return errors.New("empty prompt")
			}
			opts := sanitize.ScrubOptions{Mode: a.cfg.Mode, Persist: keepScope}
			if mode != "" {
				m, err := sanitize.ParseMode(mode)
				if err != nil {
					return err
				}
				opts.Mode = m
			}

			client, err := buildRelay(a.cfg, nil)
			if err != nil {
				return err
			}
			rt, err := buildDeps(ctx, a.cfg, config.StoreBolt, nil)
			if err != nil {
				return err
			}
			defer rt.close()

			msgs := []sanitize.Message{{Role: "user", Content: prompt}}
			if system != "" {
				msgs = append([]sanitize.Message{{Role: "system", Content: system}}, msgs...)
			}
			scrubbed, scopeID, err := rt.engine.ScrubMessages(ctx, msgs, opts)
			if err != nil {
				return err
			}
			if !keepScope {
				defer func() {
					if err := rt.engine.ReleaseScope(context.WithoutCancel(ctx), scopeID); err != nil {
						slog.Warn("release scope", "scope", scopeID, "err", err)
					}
				}()
			}
			if showScrub {
				for _, m := range scrubbed {
					fmt.Fprintf(a.stderr, "[%s] %s\n", m.Role, m.Content)
				}
			}

			sendOpts := relay.SendOptions{Model: model}
			if noZDR {
				off := false
				sendOpts.ZDROnly = &off
			}
			resp, err := client.SendMessages(ctx, scrubbed, sendOpts)
			if err != nil {
				return err
			}
			restored, err := rt.engine.Restore(ctx, resp.Content, scopeID)
			if err != nil {
				return err
			}
			for _, w := range restored.Warnings {
				fmt.Fprintf(a.stderr, "warning: unmatched token %s at offset %d\n", w.Token, w.Offset)
			}
			fmt.Fprintln(a.stdout, restored.Text)
			if keepScope {
				fmt.Fprintf(a.stderr, "scope: %s\n", scopeID)
			}
			if resp.Usage != nil {
				slog.Debug("relay usage", "model", resp.Model, "prompt_tokens", resp.Usage.PromptTokens, "completion_tokens", resp.Usage.CompletionTokens)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&model, "model", "", "model to request (default: relay choice)")
	f.StringVar(&system, "system", "", "system prompt, scrubbed like the prompt")
	f.StringVarP(&mode, "mode", "m", "", "deterministic or nondeterministic (default from SANITIZE_MODE)")
	f.BoolVar(&keepScope, "keep-scope", false, "persist the scope and print its ID instead of releasing it")
	f.BoolVar(&showScrub, "show-scrubbed", false, "print the scrubbed messages to stderr")
	f.BoolVar(&noZDR, "allow-retention", false, "also route to providers that retain data")
	return cmd
}

func (a *app) modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models offered by the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := buildRelay(a.cfg, nil)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			models, err := client.Models(ctx)
			if err != nil {
				return err
			}
			for _, raw := range models {
				var m struct {
					ID string `json:"id"`
				}
				if err := json.Unmarshal(raw, &m); err != nil || m.ID == "" {
					continue
				}
				fmt.Fprintln(a.stdout, m.ID)
			}
			return nil
		},
	}
}

// parseTTL accepts a Go duration or a number of seconds.
func parseTTL(s string) (time.Duration, error) {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d, nil
	}
	var secs int
	if _, err := fmt.Sscanf(s, "%d", &secs); err == nil && secs > 0 && fmt.Sprint(secs) == s {
		return time.Duration(secs) * time.Second, nil
	}
	return 0, fmt.Errorf("invalid ttl %q", s)
}
