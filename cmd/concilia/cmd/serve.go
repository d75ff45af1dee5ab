package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/concilia-dev/concilia/internal/metrics"
	"github.com/concilia-dev/concilia/internal/server"
	"github.com/concilia-dev/concilia/pkg/logger"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Serve exposes the reconciliation engine over HTTP: statement
import, reconciliation runs, suggestion review, decision evidence, audit
export and weight recalibration, plus /healthz and /metrics.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.GetGlobalLogger()

	store, err := buildStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	m := metrics.New()
	engine, publisher, err := buildEngine(cfg, store, m, log)
	if err != nil {
		return err
	}
	defer closeQuietly(publisher, log)

	serverConfig := &server.Config{
		Addr:            cfg.Server.Addr,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}
	if serveAddr != "" {
		serverConfig.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(store, engine, m, serverConfig, log)
	return srv.Start(ctx)
}
