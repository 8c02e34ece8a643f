package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mattjoyce/procpool/internal/api"
	"github.com/mattjoyce/procpool/internal/auth"
	"github.com/mattjoyce/procpool/internal/config"
	"github.com/mattjoyce/procpool/internal/events"
	"github.com/mattjoyce/procpool/internal/lock"
	"github.com/mattjoyce/procpool/internal/log"
	"github.com/mattjoyce/procpool/internal/service"
	"github.com/mattjoyce/procpool/internal/storage"
	"github.com/mattjoyce/procpool/internal/telemetry"
	"github.com/mattjoyce/procpool/internal/webhook"
)

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path := resolveConfigFlag(*configPath)
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, prometheus.DefaultRegisterer, log.WithComponent("main")); err != nil {
		log.Error("procpool exited", "error", err)
		return 1
	}
	return 0
}

// serve runs the service until ctx is cancelled or a pool fails for good.
// It returns nil on a clean signal-driven shutdown.
func serve(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *slog.Logger) error {
	logger.Info("procpool starting", "version", version, "name", cfg.Service.Name, "broker", cfg.Broker.Type)

	if cfg.Service.PIDFile != "" {
		pidLock, err := lock.AcquirePIDLock(cfg.Service.PIDFile)
		if err != nil {
			return fmt.Errorf("pid lock %s: %w", cfg.Service.PIDFile, err)
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", pidLock.Path())
	}

	hub := events.NewHub(256)
	sinks := []telemetry.Telemetry{
		telemetry.NewPrometheus(reg),
		telemetry.NewHubSink(hub),
	}

	var journal *storage.Journal
	if cfg.Journal.Enabled {
		j, err := storage.OpenJournal(ctx, cfg.Journal.Path, log.WithComponent("journal"))
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		journal = j
		defer func() {
			if err := journal.Close(); err != nil {
				logger.Warn("journal close failed", "error", err)
			}
			if n := journal.Dropped(); n > 0 {
				logger.Warn("journal dropped entries", "count", n)
			}
		}()
		sinks = append(sinks, journal)
		logger.Info("task journal enabled", "path", cfg.Journal.Path)
	}

	svcCfg, err := service.FromConfig(cfg, nil)
	if err != nil {
		return err
	}
	svc := service.New(svcCfg, nil, telemetry.NewMulti(log.WithComponent("telemetry"), sinks...), log.WithComponent("service"))

	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = svc.Shutdown(0) }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 3)
	if cfg.API.Enabled {
		opts := []api.Option{api.WithPublisher(svc)}
		if journal != nil {
			opts = append(opts, api.WithTaskLog(journal))
		}
		if g, ok := reg.(prometheus.Gatherer); ok {
			opts = append(opts, api.WithGatherer(g))
		}
		server := api.New(apiConfig(cfg.API), svc, hub, log.WithComponent("api"), opts...)
		go func() {
			if err := server.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if len(cfg.Webhooks.Endpoints) > 0 {
		wcfg, err := webhook.FromConfig(cfg.Webhooks)
		if err != nil {
			return err
		}
		hooks := webhook.New(wcfg, svc, log.WithComponent("webhook"))
		go func() {
			if err := hooks.Start(runCtx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("webhook: %w", err)
			}
		}()
		logger.Info("webhook server enabled", "listen", wcfg.Listen, "endpoints", len(wcfg.Endpoints))
	}

	go func() {
		if err := svc.Run(runCtx); err != nil {
			errCh <- err
		}
	}()

	logger.Info("procpool running (press Ctrl+C to stop)")

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		hub.Publish(events.TypeServiceFatal, map[string]any{"error": err.Error()})
		cancel()
		if serr := svc.Shutdown(0); serr != nil {
			return errors.Join(err, serr)
		}
		return err
	}

	cancel()
	if err := svc.Shutdown(0); err != nil {
		return err
	}
	logger.Info("procpool stopped")
	return nil
}

func apiConfig(c config.APIConfig) api.Config {
	out := api.Config{Listen: c.Listen, APIKey: c.APIKey}
	for _, t := range c.Tokens {
		out.Tokens = append(out.Tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return out
}
