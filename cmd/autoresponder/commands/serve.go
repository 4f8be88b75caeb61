package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/autoresponder/pkg/autoresponder/activity"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/automation"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/bridge"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/config"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/delivery"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/engine"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/gateway"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/guard"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/learning"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/notice"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/notify"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/notify/discord"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/notify/whatsapp"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/reply"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/scheduler"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/stage"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/store"
	"github.com/jholhewres/autoresponder/pkg/autoresponder/textgen"
)

const shutdownTimeout = 10 * time.Second

// newServeCmd creates the `autoresponder serve` command that starts the daemon.
func newServeCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon",
		Long: `Start the autoresponder as a daemon: connect the enabled notification
sources, process every notification, serve the operator API and run the
maintenance jobs until SIGINT or SIGTERM.

Examples:
  autoresponder serve
  autoresponder serve --source bridge
  autoresponder serve --config ./config.yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, version)
		},
	}

	cmd.Flags().StringSlice("source", nil, "sources to enable (bridge, whatsapp, discord)")
	return cmd
}

func runServe(cmd *cobra.Command, version string) error {
	// ── Load config ──
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if path == "" {
		return errors.New("no configuration file found; run 'autoresponder setup' first")
	}
	logger := newLogger(cmd, cfg.Logging)
	logger.Info("config loaded", "path", path)

	// ── Resolve secrets ──
	config.AuditSecrets(cfg, logger)
	src := config.ResolveAPIKey(cfg, logger)
	if cfg.AutoReply.AIEnabled && src == config.SourceNone {
		logger.Warn("AI replies enabled without an API key; templates will be used",
			"hint", "autoresponder credential set")
	}
	holder := config.NewHolder(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Storage ──
	st, err := store.Open(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	// ── Notices ──
	notices, err := notice.New(cfg.Notices, logger)
	if err != nil {
		return fmt.Errorf("configuring notices: %w", err)
	}
	notices.Start(ctx)
	defer notices.Close()

	// ── Engine components ──
	memory := learning.NewAdapter(st, cfg.Learning, logger)
	generator := reply.NewGenerator(textgen.New(cfg.API.Config, logger), memory, logger)
	coordinator := delivery.NewCoordinator(cfg.Delivery, nil, logger)

	// Cycles and the automation driver outlive the signal so that in-flight
	// replies can finish. The driver also stops when the bridge closes.
	engineCtx, cancelEngine := detached(ctx)
	defer cancelEngine()

	// ── Sources ──
	filter, _ := cmd.Flags().GetStringSlice("source")
	hub := notify.NewHub(logger)

	var br *bridge.Bridge
	driverDone := make(chan struct{})
	if shouldEnable("bridge", filter, cfg.Channels.Bridge.Enabled) {
		br = bridge.New(cfg.Channels.Bridge, logger)
		if err := hub.Register(br); err != nil {
			return err
		}
		driver := automation.NewDriver(br, cfg.Automation, logger)
		coordinator.SetAutomator(driver)
		go func() {
			defer close(driverDone)
			driver.Run(engineCtx)
		}()
		if !cfg.Gateway.Enabled {
			logger.Warn("bridge enabled but gateway disabled; devices cannot connect")
		}
	} else {
		close(driverDone)
	}
	if shouldEnable("whatsapp", filter, cfg.Channels.WhatsApp.Enabled) {
		if err := hub.Register(whatsapp.New(cfg.Channels.WhatsApp, logger)); err != nil {
			return err
		}
	}
	if shouldEnable("discord", filter, cfg.Channels.Discord.Enabled) {
		if err := hub.Register(discord.New(cfg.Channels.Discord, logger)); err != nil {
			return err
		}
	}

	eng, err := engine.New(engine.Deps{
		Config:    holder,
		Guard:     guard.New(),
		Stages:    stage.NewTracker(st, logger),
		Generator: generator,
		Delivery:  coordinator,
		Journal:   activity.NewJournal(st, logger),
		Notices:   notices,
	}, logger)
	if err != nil {
		return err
	}

	// ── Start ──
	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("starting sources: %w", err)
	}

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		eng.Run(engineCtx, hub.Events(), cfg.Workers)
	}()

	sched := scheduler.New(logger)
	if err := scheduler.AddMaintenance(sched, scheduler.Maintenance{
		PurgeMarks:        cfg.Maintenance.PurgeMarks,
		PruneActivity:     cfg.Maintenance.PruneActivity,
		ActivityRetention: cfg.Maintenance.ActivityRetention,
	}, memory, st); err != nil {
		return fmt.Errorf("configuring maintenance: %w", err)
	}
	sched.Start(ctx)

	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		deps := gateway.Deps{
			Engine:  eng,
			Store:   st,
			Sources: hub,
			Config:  holder,
			Version: version,
		}
		if br != nil {
			deps.Bridge = http.Handler(br)
		}
		gw = gateway.New(cfg.Gateway, deps, logger)
		if err := gw.Start(ctx); err != nil {
			return fmt.Errorf("starting gateway: %w", err)
		}
	}

	watcher := config.NewWatcher(path, 0, func(next *config.Config) {
		config.ResolveAPIKey(next, logger)
		holder.Store(next)
		logger.Info("config reloaded", "path", path)
	}, logger)
	go func() {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config hot reload unavailable", "error", err)
		}
	}()

	// ── Wait for shutdown ──
	logger.Info("autoresponder running. Press Ctrl+C to stop.",
		"workers", cfg.Workers,
		"ai", cfg.AutoReply.AIEnabled,
		"sources", len(hub.HealthAll()),
	)
	<-ctx.Done()
	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		shutdown(logger, gw, sched, hub)
		<-engineDone
		<-driverDone
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		cancelEngine()
		logger.Warn("shutdown timed out, cancelling in-flight cycles", "timeout", shutdownTimeout)
	}
	return nil
}

// shutdown stops the outer surfaces first so that no new work arrives,
// then closes the event stream, which drains the engine.
func shutdown(logger *slog.Logger, gw *gateway.Gateway, sched *scheduler.Scheduler, hub *notify.Hub) {
	if gw != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := gw.Stop(ctx); err != nil {
			logger.Warn("gateway shutdown failed", "error", err)
		}
		cancel()
	}
	sched.Stop()
	hub.Stop()
}

// detached returns a context that keeps the values of parent but is only
// cancelled by the returned func.
func detached(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithCancel(context.WithoutCancel(parent))
}

// shouldEnable checks if a source should be enabled.
func shouldEnable(name string, filter []string, defaultEnabled bool) bool {
	if len(filter) == 0 {
		return defaultEnabled
	}
	for _, f := range filter {
		if f == name {
			return true
		}
	}
	return false
}
