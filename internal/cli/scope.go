package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/free-radical/zeroveil/internal/config"
	"github.com/free-radical/zeroveil/internal/sanitize"
)

func (a *app) scrubCmd() *cobra.Command {
	var (
		mode    string
		scopeID string
		persist bool
		ttl     string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "scrub [file]",
		Short: "Replace sensitive values with tokens",
		Long: `Reads text from file (or stdin when omitted or "-"), writes the scrubbed
text to stdout and the scope ID to stderr. Pass the scope ID to restore.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			opts := sanitize.ScrubOptions{Mode: a.cfg.Mode, Scope: scopeID, Persist: persist}
			if mode != "" {
				m, err := sanitize.ParseMode(mode)
				if err != nil {
					return err
				}
				opts.Mode = m
			}
			if ttl != "" {
				d, err := parseTTL(ttl)
				if err != nil {
					return err
				}
				opts.TTL = d
			}

			text, err := a.readAll(args)
			if err != nil {
				return err
			}

			rt, err := buildDeps(ctx, a.cfg, config.StoreBolt, nil)
			if err != nil {
				return err
			}
			defer rt.close()

			res, err := rt.engine.Scrub(ctx, text, opts)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"text":   res.Text,
					"scope":  res.Scope,
					"tokens": res.Tokens,
				})
			}
			if _, err := io.WriteString(a.stdout, res.Text); err != nil {
				return err
			}
			fmt.Fprintf(a.stderr, "scope: %s (%d tokens)\n", res.Scope, len(res.Tokens))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&mode, "mode", "m", "", "deterministic or nondeterministic (default from SANITIZE_MODE)")
	f.StringVarP(&scopeID, "scope", "s", "", "append to an existing scope")
	f.BoolVar(&persist, "persist", true, "keep the mapping in the scope store for a later restore")
	f.StringVar(&ttl, "ttl", "", "scope lifetime, e.g. 30m (default SCOPE_TTL)")
	f.BoolVar(&asJSON, "json", false, "print text, scope and tokens as JSON")
	return cmd
}

func (a *app) restoreCmd() *cobra.Command {
	var scopeID string
	cmd := &cobra.Command{
		Use:   "restore [file]",
		Short: "Put original values back in place of tokens",
		Long: `Streams text from file (or stdin) to stdout, replacing every token of the
scope with its original value. Unknown tokens are left as they are and
reported on stderr.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			in, closeIn, err := a.open(args)
			if err != nil {
				return err
			}
			defer closeIn()

			rt, err := buildDeps(ctx, a.cfg, config.StoreBolt, nil)
			if err != nil {
				return err
			}
			defer rt.close()

			sess, err := rt.engine.Session(ctx, scopeID)
			if err != nil {
				return err
			}
			r := sanitize.NewRestoringReader(in, sess)
			if _, err := io.Copy(a.stdout, r); err != nil {
				return err
			}
			for _, w := range r.Warnings() {
				fmt.Fprintf(a.stderr, "warning: unmatched token %s at offset %d\n", w.Token, w.Offset)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&scopeID, "scope", "s", "", "scope ID printed by scrub")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func (a *app) releaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <scope>",
		Short: "Destroy a scope's mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := buildDeps(ctx, a.cfg, config.StoreBolt, nil)
			if err != nil {
				return err
			}
			defer rt.close()

			if err := rt.engine.ReleaseScope(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.stderr, "released %s\n", args[0])
			return nil
		},
	}
}

// open returns the input named by args, or stdin.
func (a *app) open(args []string) (io.Reader, func(), error) {
	if len(args) == 0 || args[0] == "-" {
		return a.stdin, func() {}, nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

func (a *app) readAll(args []string) (string, error) {
	in, closeIn, err := a.open(args)
	if err != nil {
		return "", err
	}
	defer closeIn()
	b, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(b), nil
}
