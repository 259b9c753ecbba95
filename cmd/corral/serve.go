package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/corral/pkg/api"
	"github.com/cuemby/corral/pkg/config"
	"github.com/cuemby/corral/pkg/controlplane"
	"github.com/cuemby/corral/pkg/document"
	"github.com/cuemby/corral/pkg/events"
	"github.com/cuemby/corral/pkg/log"
	"github.com/cuemby/corral/pkg/metrics"
	"github.com/cuemby/corral/pkg/pool"
	"github.com/cuemby/corral/pkg/router"
	"github.com/cuemby/corral/pkg/storage"
	"github.com/cuemby/corral/pkg/watch"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane, worker pool and router",
	Long: `Run the corral daemon in the foreground.

The last active configuration version is restored on start. New versions
are submitted through the control socket or, with --watch, by editing a
document file.

Examples:
  # Serve with state in ./corral-data and a watched document
  corral serve --data-dir ./corral-data --watch ./corral.yaml

  # Also expose the control API on TCP
  corral serve --admin-addr 127.0.0.1:7070`,
	RunE: runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("data-dir", "/var/lib/corral", "Directory for version history")
	flags.String("admin-addr", "", "Also serve the control API on this TCP address")
	flags.String("watch", "", "Submit and apply this document file whenever it changes")
	flags.Duration("shutdown-grace", 0, "How long in-flight requests may finish on shutdown")

	_ = settings.BindPFlag("store.data_dir", flags.Lookup("data-dir"))
	_ = settings.BindPFlag("control.admin_addr", flags.Lookup("admin-addr"))
	_ = settings.BindPFlag("watch.file", flags.Lookup("watch"))
	_ = settings.BindPFlag("shutdown.grace", flags.Lookup("shutdown-grace"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	logger := log.WithComponent("serve")

	store, err := storage.NewBoltStore(cfg.Store.DataDir)
	if err != nil {
		metrics.UpdateComponent(metrics.ComponentStore, false, err.Error())
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()
	metrics.UpdateComponent(metrics.ComponentStore, true, cfg.Store.DataDir)

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	spawner, err := newSpawner()
	if err != nil {
		return err
	}
	pm := pool.NewManager(pool.Options{
		Spawner: spawner,
		Events:  broker,
	})
	rt := router.New(router.Options{ShutdownGrace: cfg.Shutdown.Grace})
	cp := controlplane.New(controlplane.Options{
		Store:           store,
		Pool:            pm,
		Router:          rt,
		Events:          broker,
		Defaults:        documentDefaults(cfg.Pool),
		ConvergeTimeout: cfg.ControlPlane.ConvergeTimeout,
		HistoryLimit:    cfg.Store.HistoryLimit,
	})
	if err := cp.Restore(); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cp.Run(gctx)
		return nil
	})

	collector := metrics.NewCollector(cp, pm, cfg.ControlPlane.CollectInterval)
	collector.Start()
	defer collector.Stop()

	apiServer := api.NewServer(cp, broker)
	ln, err := api.ListenUnix(cfg.Control.Socket)
	if err != nil {
		stop()
		_ = g.Wait()
		return err
	}
	apiServer.Serve(ln)

	if cfg.Control.AdminAddr != "" {
		tcp, err := net.Listen("tcp", cfg.Control.AdminAddr)
		if err != nil {
			logger.Error().Err(err).Str("addr", cfg.Control.AdminAddr).Msg("Failed to listen on admin address")
			stop()
		} else {
			apiServer.Serve(tcp)
		}
	}

	if cfg.Watch.File != "" {
		w := watch.New(cfg.Watch.File, cfg.Watch.Debounce, cp)
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	logger.Info().
		Str("socket", cfg.Control.Socket).
		Str("data_dir", cfg.Store.DataDir).
		Str("version", Version).
		Msg("corral is running")

	<-gctx.Done()
	logger.Info().Dur("grace", cfg.Shutdown.Grace).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Shutdown.Grace)
	defer cancel()

	var errs []error
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("api: %w", err))
	}
	if err := cp.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	stop()
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	_ = os.Remove(cfg.Control.Socket)

	if err := errors.Join(errs...); err != nil {
		logger.Error().Err(err).Msg("Shutdown incomplete")
		return err
	}
	logger.Info().Msg("Shutdown complete")
	return nil
}

func documentDefaults(p config.PoolConfig) document.Defaults {
	return document.Defaults{
		StartTimeout:   p.StartTimeout,
		DrainTimeout:   p.DrainTimeout,
		StopTimeout:    p.StopTimeout,
		HealthInterval: p.HealthInterval,
		HealthTimeout:  p.HealthTimeout,
		HealthRetries:  p.HealthRetries,
		RestartBudget:  p.RestartBudget,
		RestartWindow:  p.RestartWindow,
	}
}
