package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"massgen.dev/massgen/config"
	"massgen.dev/massgen/features/display/console"
	"massgen.dev/massgen/runtime/agent/telemetry"
)

func buildRunCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		showChunks bool
	)
	cmd := &cobra.Command{
		Use:   "run <query>",
		Short: "Answer one query through the coordination session",
		Args:  cobra.ExactArgs(1),
		Example: `  # Two-agent session defined in team.yaml
  massgen run --config team.yaml "design a rate limiter"

  # Stream every agent's raw output
  massgen run --config team.yaml --show-chunks "design a rate limiter"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(debugContext(cmd.Context(), debug), configPath, args[0], showChunks)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "massgen.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	cmd.Flags().BoolVar(&showChunks, "show-chunks", false, "Stream raw per-agent output as it arrives")
	return cmd
}

func runQuery(ctx context.Context, configPath, query string, showChunks bool) error {
	f, err := config.Load(configPath)
	if err != nil {
		return err
	}
	o, err := f.Session(ctx, config.SessionOptions{
		Display: console.New(console.Options{Writer: os.Stdout, ShowChunks: showChunks}),
		Logger:  telemetry.NewClueLogger(),
		Metrics: telemetry.NewClueMetrics(),
		Tracer:  telemetry.NewClueTracer(),
	})
	if err != nil {
		return err
	}
	log.Print(ctx, log.KV{K: "session", V: o.SessionID()})

	res, err := o.Run(ctx, query)
	if err != nil {
		return err
	}
	if !res.Converged {
		fmt.Fprintln(os.Stdout, "(vote did not converge; selected the most recent answer)")
	}
	return nil
}
