package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/czembower/loki-mcp/internal/config"
	"github.com/czembower/loki-mcp/internal/httpserver"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the loki-mcp server over streamable HTTP",
		RunE:  runServe,
	}
	addCommonFlags(cmd)
	return cmd
}

// addCommonFlags registers the config-resolution flags shared by serve and
// stdio: both build the same set of components from the same layered
// configuration, they differ only in which transport they expose it on.
func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "c", "", "config file path")
	cmd.Flags().String("log-format", "json", "log output format: json or text")
	cmd.Flags().String("listen", "", "HTTP listen address (overrides config)")
	cmd.Flags().String("timezone", "", "server timezone for relative time parsing (overrides config)")
	cmd.Flags().String("identity-header", "", "HTTP header carrying caller identity (overrides config)")
	cmd.Flags().String("loki-url", "", "Loki base URL (overrides config)")
	cmd.Flags().String("loki-tenant-id", "", "Loki tenant id / X-Scope-OrgID (overrides config)")
	cmd.Flags().String("loki-auth-type", "", "Loki auth type: none, basic, or bearer (overrides config)")
	cmd.Flags().Bool("cache-enabled", true, "enable the fingerprint cache (overrides config)")
	cmd.Flags().Bool("rate-limit-enabled", true, "enable per-tool rate limiting (overrides config)")
	cmd.Flags().Float64("rate-limit-rps", 0, "rate limit requests per second (overrides config)")
	cmd.Flags().Int("rate-limit-burst", 0, "rate limit burst size (overrides config)")
	cmd.Flags().String("metrics-prefix", "", "Prometheus metric name prefix (overrides config)")
}

func loadConfigFromFlags(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	configPath, _ := flags.GetString("config")
	overrides := configOverridesFromFlags(flags)
	return config.Load(configPath, overrides)
}

func runServe(cmd *cobra.Command, _ []string) error {
	logFormat, _ := cmd.Flags().GetString("log-format")

	cfg, err := loadConfigFromFlags(cmd)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := newLogger(logFormat, cfg.Server.LogLevel)
	logger.Info("starting loki-mcp", "version", version, "listen", cfg.Server.Listen, "loki_url", cfg.Loki.URL)

	comp, err := build(cfg, logger)
	if err != nil {
		return err
	}

	srv := httpserver.New(cfg.Server.IdentityHeader, cfg.Loki.TenantID, comp.client, comp.metrics, comp.recentActions, comp.mcpServer)

	httpSrv := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Server.Listen)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("server stopped")
	return nil
}
