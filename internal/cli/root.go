// Package cli implements the zeroveil command line: one-shot scrub and
// restore over files or stdin, sending a scrubbed prompt through the
// relay, and the HTTP server.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/free-radical/zeroveil/internal/config"
	"github.com/free-radical/zeroveil/internal/sanitize"
)

// Version is set at build time via -ldflags.
var Version = "dev"

type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	verbose bool
	cfg     *config.Cfg
}

// Run executes the command line in args and returns the process exit
// code: 0 success, 1 detection failure, 2 unknown or expired scope,
// 3 internal consistency failure, 4 anything else.
func Run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := &app{stdin: stdin, stdout: stdout, stderr: stderr}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "zeroveil: %v\n", err)
		return sanitize.ExitCode(err)
	}
	return sanitize.ExitOK
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "zeroveil",
		Short:         "Scrub PII from LLM prompts and restore it in replies",
		Long:          "zeroveil replaces sensitive values with placeholder tokens before text leaves the machine and puts them back in the reply.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			level := cfg.LogLevel
			if a.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level})))
			a.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		a.scrubCmd(),
		a.restoreCmd(),
		a.releaseCmd(),
		a.sendCmd(),
		a.modelsCmd(),
		a.serveCmd(),
		a.versionCmd(),
	)
	return root
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print zeroveil version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(a.stdout, "zeroveil version %s\n", Version)
		},
	}
}
