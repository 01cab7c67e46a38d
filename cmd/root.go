// Package cmd defines the policy-crawler command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Exit codes reported by Execute.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

var cfgFile string

// newRootCmd creates and configures the root command. Running it executes the
// pipeline named in the configuration.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy-crawler",
		Short: "A resumable, browser-driven crawler for sites and their privacy policies.",
		Long: `policy-crawler runs a fixed pipeline of stages. Each stage reads and rewrites
a line-delimited record store in committed chunks, fetching pages through a pool
of headless Chrome sessions. An interrupted run resumes where it stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runPipeline,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "config file (YAML or JSON)")
	cmd.AddCommand(newPipelinesCmd())
	return cmd
}

// Execute runs the CLI until it finishes or SIGINT/SIGTERM arrives and returns
// the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return exitCode(newRootCmd().ExecuteContext(ctx), os.Stderr)
}

func exitCode(err error, stderr io.Writer) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(stderr, "interrupted; run again to resume")
		return ExitInterrupted
	default:
		fmt.Fprintf(stderr, "error: %v\n", err)
		return ExitFailure
	}
}
