package main

import (
	"fmt"

	"ragchat/internal/channel"
	"ragchat/internal/metrics"

	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		Long:  "Serves /api/llm, /api/fetch and /status until interrupted, then shuts down gracefully.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Server.Host = host
			}
			if port != 0 {
				cfg.Server.Port = port
			}

			ctx, stop := signalContext()
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.provider.Healthy(ctx); err != nil {
				logger.Warn("llm provider unhealthy at startup", "provider", a.provider.Name(), "err", err)
			} else {
				logger.Info("llm provider healthy", "provider", a.provider.Name())
			}

			wc := channel.WebConfig{
				Host:    cfg.Server.Host,
				Port:    cfg.Server.Port,
				Logger:  logger,
				Config:  cfg,
				Version: version,
				Chat:    a.chat,
				Ingest:  a.ingest,
				Health:  a.healthChecks(),
			}
			if ollama, err := a.factory.Ollama(); err == nil {
				wc.Puller = ollama
			}
			if cfg.Metrics.Enabled {
				wc.Metrics = metrics.Collector.Handler()
				wc.MetricsPath = cfg.Metrics.Endpoint
			}

			web := channel.NewWeb(wc)
			if err := web.Start(ctx); err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (overrides server.host)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides server.port)")
	return cmd
}
