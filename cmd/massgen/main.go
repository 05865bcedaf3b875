// Command massgen runs multi-agent coordination sessions. The run subcommand
// answers one query through the orchestrator with events rendered to stdout;
// the serve subcommand exposes the OpenAI-compatible HTTP adapter.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"goa.design/clue/log"
)

func main() {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "massgen",
		Short:         "Multi-agent coordination runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildRunCmd(), buildServeCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		log.Errorf(ctx, err, "command failed")
		os.Exit(1)
	}
}

// debugContext layers debug logging onto the command context when asked.
func debugContext(ctx context.Context, debug bool) context.Context {
	if debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}
