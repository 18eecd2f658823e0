package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/david/fixture-finder/internal/api"
	"github.com/david/fixture-finder/internal/app"
	"github.com/david/fixture-finder/internal/config"
	"github.com/david/fixture-finder/internal/ingest"
)

func main() {
	configPath := flag.String("config", os.Getenv("FIXTURE_CONFIG"), "YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
	logger := app.NewLogger(cfg)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(2)
	}
	defer a.Close()

	opts := api.Options{
		AdminSecret: strings.TrimSpace(os.Getenv("ADMIN_SECRET")),
		Location:    cfg.Location(),
		Logger:      logger,
		Trigger: func(ctx context.Context) (ingest.RunReport, error) {
			report, err := a.Pipeline.IngestAll(ctx)
			if err == nil && !report.KeptPrevious {
				if _, err := a.WriteMonths(ctx); err != nil {
					logger.Warn("failed to write month files", "error", err)
				}
			}
			return report, err
		},
	}
	if a.Runs != nil {
		opts.Runs = a.Runs
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				opts.AllowOrigins = append(opts.AllowOrigins, o)
			}
		}
	}
	if opts.AdminSecret == "" {
		logger.Info("ADMIN_SECRET not set, ingest routes disabled")
	}

	srv := api.NewServer(a.Backend, opts)
	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr)
		if err := srv.Start(cfg.Server.Addr); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}
