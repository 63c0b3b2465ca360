package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/mirage/internal/config"
	"github.com/ehrlich-b/mirage/internal/logger"
	"github.com/ehrlich-b/mirage/internal/relay"
)

func main() {
	root := &cobra.Command{
		Use:   "miraged",
		Short: "mirage relay server",
		Long:  "Serves https://<id>.<base-domain> for every connected mirage agent and carries visitor feedback back to it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = config.DefaultPath()
			}

			overrides := flagOverrides(cmd)
			cfg, err := config.Load(cfgPath, overrides...)
			if err != nil {
				return err
			}
			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			if cfg.WidgetFile == "" && cfg.WidgetURL == relay.WidgetPath {
				logger.Warn("widget_file not set; the feedback widget will not load", "widget_url", cfg.WidgetURL)
			}
			srv := relay.NewServer(serverConfig(cfg))
			httpSrv := &http.Server{
				Addr:              cfg.Addr,
				Handler:           srv,
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go func() {
				err := config.Watch(ctx, cfgPath, func(c *config.RelayConfig) {
					srv.Apply(serverConfig(c))
				}, overrides...)
				if err != nil {
					logger.Warn("config watch disabled", "path", cfgPath, "err", err)
				}
			}()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("miraged listening", "addr", cfg.Addr, "base_domain", cfg.BaseDomain)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				srv.Shutdown()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return httpSrv.Shutdown(shutdownCtx)
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			}
		},
	}

	root.Flags().StringP("config", "c", "", "config file (default relay.yaml or ~/.mirage/relay.yaml)")
	root.Flags().String("addr", "", "listen address, overrides config")
	root.Flags().String("base-domain", "", "base domain, overrides config")
	root.Flags().String("log-level", "", "log level, overrides config")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// flagOverrides turns explicitly set flags into config overrides.
func flagOverrides(cmd *cobra.Command) []config.Override {
	var out []config.Override
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		out = append(out, func(c *config.RelayConfig) { c.Addr = addr })
	}
	if domain, _ := cmd.Flags().GetString("base-domain"); domain != "" {
		out = append(out, func(c *config.RelayConfig) { c.BaseDomain = domain })
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		out = append(out, func(c *config.RelayConfig) { c.Logging.Level = level })
	}
	return out
}

func serverConfig(c *config.RelayConfig) relay.ServerConfig {
	return relay.ServerConfig{
		BaseDomain:       c.BaseDomain,
		WidgetURL:        c.WidgetURL,
		WidgetFile:       c.WidgetFile,
		RequestTimeout:   c.RequestTimeout.Std(),
		MaxBodyBytes:     c.MaxBodyBytes,
		HandshakeTimeout: c.HandshakeTimeout.Std(),
		IdleTimeout:      c.IdleTimeout.Std(),
		RateLimit:        c.RateLimit,
		RateBurst:        c.RateBurst,
	}
}
