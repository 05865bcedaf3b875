package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"massgen.dev/massgen/runtime/agent/telemetry"
	"massgen.dev/massgen/server"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the OpenAI-compatible HTTP adapter",
		Long: `Serve POST /v1/chat/completions backed by the coordination runtime.

Requests select their configuration through the model string:
"massgen/path:<yaml_path>" loads that file, "massgen/model:<model>"
overrides every agent's model in the default configuration.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(debugContext(cmd.Context(), debug), configPath, addr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "massgen.yaml", "Path to the default YAML configuration file")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath, addr string) error {
	srv, err := server.New(server.Options{
		ConfigPath: configPath,
		Logger:     telemetry.NewClueLogger(),
	})
	if err != nil {
		return err
	}
	hs := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()
	log.Print(ctx, log.KV{K: "listening", V: addr}, log.KV{K: "config", V: configPath})

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Print(ctx, log.KV{K: "msg", V: "shutting down"})
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hs.Shutdown(sctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
