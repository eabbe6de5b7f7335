// Package main is the entry point for the fwagent binary.
// fwagent hosts module frameworks and lets remote supervisors reconcile,
// inspect and drive them over the link protocol.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/fwagent/internal/common/config"
	"github.com/kandev/fwagent/internal/common/logger"
	"github.com/kandev/fwagent/internal/events/bus"
	"github.com/kandev/fwagent/internal/framework"
	_ "github.com/kandev/fwagent/internal/framework/local"
	"github.com/kandev/fwagent/internal/remote/api"
	"github.com/kandev/fwagent/internal/remote/dispatcher"
	_ "github.com/kandev/fwagent/internal/remote/shell"
	"github.com/kandev/fwagent/internal/tracing"
)

var (
	configFlag = flag.String("config", "", "Directory holding config.yaml")
	listenFlag = flag.String("listen", "", "Agent endpoint, [<host>:]<port>; overrides server.listen")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadWithPath(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *listenFlag != "" {
		cfg.Server.Listen = *listenFlag
	}

	log, err := logger.NewLogger(cfg.Logging.Logger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Error("fwagent failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := tracing.Init(ctx, cfg.Tracing.Tracing()); err != nil {
		log.Warn("tracing disabled", zap.Error(err))
	} else if cfg.Tracing.Endpoint != "" {
		log.Info("exporting traces", zap.String("endpoint", cfg.Tracing.Endpoint))
	}

	eventBus, err := bus.New(cfg.NATS, log)
	if err != nil {
		return fmt.Errorf("failed to connect event bus: %w", err)
	}
	defer eventBus.Close()

	d := dispatcher.New(dispatcher.Config{
		DefaultFramework: cfg.Agent.DefaultFramework,
		StorageRoot:      cfg.Agent.StorageDir,
		CacheDir:         cfg.Agent.CacheDir,
		ShutdownTimeout:  cfg.Agent.ShutdownTimeoutDuration(),
		ShellSettle:      cfg.Agent.ShellSettleDuration(),
		SocketHost:       cfg.Redirect.SocketHost,
		LocalOnly:        cfg.Server.LocalOnly,
	}, framework.DefaultRegistry, eventBus, log)

	for _, fc := range cfg.Frameworks {
		props := make(map[string]string, len(fc.Properties)+1)
		for k, v := range fc.Properties {
			props[k] = v
		}
		if fc.Factory != "" {
			props[framework.PropFactory] = fc.Factory
		}
		if _, err := d.CreateFramework(ctx, fc.Name, props, fc.StorageDir, fc.CacheDir); err != nil {
			d.ShutdownAll(context.Background())
			return fmt.Errorf("failed to create framework %s: %w", fc.Name, err)
		}
	}

	addr, err := d.Listen(ctx, cfg.Server.Listen)
	if err != nil {
		d.ShutdownAll(context.Background())
		return err
	}
	log.Info("fwagent started",
		zap.String("listen", addr.String()),
		zap.String("default_framework", cfg.Agent.DefaultFramework),
		zap.Int("frameworks", len(cfg.Frameworks)))

	var httpServer *http.Server
	if cfg.Server.HTTP != "" {
		httpServer = &http.Server{
			Addr:              cfg.Server.HTTP,
			Handler:           api.NewRouter(d, log),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("HTTP server starting", zap.String("address", cfg.Server.HTTP))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("HTTP server error", zap.Error(err))
				cancel()
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info("received signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	log.Info("shutting down fwagent...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Agent.ShutdownTimeoutDuration()+5*time.Second)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("error shutting down HTTP server", zap.Error(err))
		}
	}
	d.ShutdownAll(shutdownCtx)
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Warn("failed to flush traces", zap.Error(err))
	}

	log.Info("fwagent stopped")
	return nil
}
