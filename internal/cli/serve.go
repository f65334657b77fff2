package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cellagent/cellagent/internal/bus"
	"github.com/cellagent/cellagent/internal/config"
	"github.com/cellagent/cellagent/internal/events"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway, scheduler and event consumer",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("host", "", "Override the gateway bind host")
	serveCmd.Flags().Int("port", 0, "Override the gateway port")
	serveCmd.Flags().Bool("no-scheduler", false, "Do not run the task scheduler")
}

func setupLogging(cfg *config.Config) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Gateway.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Gateway.Port = port
	}
	if off, _ := cmd.Flags().GetBool("no-scheduler"); off {
		cfg.Scheduler.Enabled = false
	}
	setupLogging(cfg)
	printHeader(cmd.OutOrStdout(), "🧬 cellagent serve")

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.serve(ctx)
}

// serve runs every long-lived loop until ctx is cancelled or one of them fails.
func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	if cfg.Broadcast.Enabled {
		sink := bus.NewKafkaSink(cfg.Broadcast.Brokers, cfg.Broadcast.Topic)
		defer sink.Close()
		a.hub.AddSink(sink)
		slog.Info("Broadcast mirror enabled", "brokers", cfg.Broadcast.Brokers, "topic", cfg.Broadcast.Topic)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.hub.Run(gctx) })
	g.Go(func() error {
		a.indexer.Run(gctx)
		return nil
	})

	if cfg.Scheduler.Enabled {
		g.Go(func() error {
			if err := a.scheduler.RestoreScheduledTasks(gctx); err != nil {
				slog.Warn("Restore scheduled tasks failed", "error", err)
			}
			if err := a.scheduler.SyncHeartbeats(gctx); err != nil {
				slog.Warn("Heartbeat sync failed", "error", err)
			}
			if err := a.scheduler.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("scheduler: %w", err)
			}
			return nil
		})
	} else {
		slog.Info("Scheduler disabled")
	}

	if cfg.Events.Enabled && len(cfg.Events.Topics) > 0 {
		consumer := events.NewKafkaConsumer(cfg.Events.Brokers, cfg.Events.GroupID, cfg.Events.Topics)
		g.Go(func() error {
			defer consumer.Close()
			slog.Info("Event consumer enabled", "brokers", cfg.Events.Brokers, "topics", strings.Join(cfg.Events.Topics, ","))
			if err := a.router.Run(gctx, consumer); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("event consumer: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error { return a.gateway.ListenAndServe(gctx) })

	err := g.Wait()
	a.indexer.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("Shutdown complete")
	return nil
}
