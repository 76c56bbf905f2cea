package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/botshelf/botshelf/admin"
	"github.com/botshelf/botshelf/core/bootstrap"
	coreconfig "github.com/botshelf/botshelf/core/config"
	"github.com/botshelf/botshelf/core/logger"
	"github.com/botshelf/botshelf/core/telegram/helpers"
	"github.com/botshelf/botshelf/core/telegram/sender"
	"github.com/botshelf/botshelf/events"
	"github.com/botshelf/botshelf/fleet"
	"github.com/botshelf/botshelf/journal"
	"github.com/botshelf/botshelf/lifecycle"

	"golang.org/x/sync/errgroup"
)

// Options describe how the orchestrator process is started.
type Options struct {
	ConfigEnvVar      string
	DefaultConfigPath string
}

// Run loads configuration, bootstraps infrastructure, and runs the
// orchestrator until SIGINT or SIGTERM.
func Run(opts Options) error {
	env := opts.ConfigEnvVar
	if env == "" {
		env = "CONFIG_PATH"
	}
	cfgPath := os.Getenv(env)
	if cfgPath == "" {
		cfgPath = opts.DefaultConfigPath
	}
	if cfgPath == "" {
		return fmt.Errorf("cmd: config path not provided via %s or DefaultConfigPath", env)
	}

	log.Printf("loading config: %s", cfgPath)
	cfg, err := coreconfig.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("cmd: failed to load config: %w", err)
	}

	infra, err := bootstrap.Run(bootstrap.Options{Config: cfg})
	if err != nil {
		return fmt.Errorf("cmd: bootstrap failed: %w", err)
	}
	defer func() {
		if err := logger.Shutdown(); err != nil {
			log.Printf("logger shutdown error: %v", err)
		}
	}()
	if infra.DB != nil {
		defer func() { _ = infra.DB.Close() }()
	}

	dispatcher := sender.NewDispatcher(sender.Options{})
	helpers.SetDispatcher(dispatcher)
	defer dispatcher.Close()

	bus := events.NewBus()
	defer bus.Close()

	registry := fleet.NewRegistry(cfg, infra.Store)
	controller := lifecycle.NewController(infra.Store, registry, bus)
	service := admin.NewService(infra.Store, controller, registry)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if infra.DB != nil {
		jrnl := journal.New(infra.DB)
		ch, unsubscribe := bus.Subscribe(256)
		g.Go(func() error {
			defer unsubscribe()
			jrnl.Run(gctx, ch)
			return nil
		})
	}

	g.Go(func() error {
		controller.RunReconciler(gctx, time.Duration(cfg.Fleet.ReconcileIntervalSeconds)*time.Second)
		return nil
	})

	if cfg.Admin.Listen != "" {
		srv := admin.NewServer(cfg.Admin.Listen, cfg.Admin.APIKey, service)
		g.Go(func() error {
			return srv.Run(gctx)
		})
		logger.ADM.Info("admin api listening",
			slog.String("event", "admin.listen"),
			slog.String("addr", cfg.Admin.Listen),
		)
	}

	logger.L.With("component", "app").Info("orchestrator ready",
		slog.String("event", "ready"),
	)

	err = g.Wait()

	logger.L.With("component", "app").Info("shutting down...",
		slog.String("event", "shutdown"),
	)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if stopErr := registry.StopAll(stopCtx); stopErr != nil {
		logger.FLEET.Warn("fleet shutdown incomplete",
			slog.String("event", "shutdown"),
			slog.String("err", stopErr.Error()),
		)
	}

	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
