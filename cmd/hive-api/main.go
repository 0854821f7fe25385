// hive-api serves the stored telemetry over HTTP and watches the fleet for
// alert transitions.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/powerhive/hivelog/pkg/api"
	"github.com/powerhive/hivelog/pkg/config"
	"github.com/powerhive/hivelog/pkg/database"
	"github.com/powerhive/hivelog/pkg/health"
	"github.com/powerhive/hivelog/pkg/logging"
	"github.com/powerhive/hivelog/pkg/provider"
	"github.com/powerhive/hivelog/pkg/schedule"
)

const usage = `hive-api - Bitaxe telemetry API and fleet watcher

Usage:
  hive-api <command>

Commands:
  serve                Serve the read-only JSON API on api.addr
  watch                Check fleet health every alerts.check_interval and
                       log the fleet report on report.schedule

watch reads through the API at api.remote_url when set, otherwise straight
from the database. Configuration follows the same rules as hivelog.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Print(usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	if cmd == "help" || cmd == "-h" || cmd == "--help" {
		fmt.Print(usage)
		return
	}

	cfg, err := config.Load(os.Getenv("HIVELOG_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log, closer, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, File: cfg.Log.File})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("Received shutdown signal...")
		cancel()
	}()

	switch cmd {
	case "serve":
		err = runServe(ctx, cfg, log)
	case "watch":
		err = runWatch(ctx, cfg, log)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		fmt.Print(usage)
		os.Exit(1)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("%s failed: %v", cmd, err)
		os.Exit(1)
	}
}

func deviceRefs(cfg *config.Config) []provider.DeviceRef {
	var refs []provider.DeviceRef
	for _, d := range cfg.EnabledDevices() {
		refs = append(refs, provider.DeviceRef{Name: d.Name, Group: d.Group})
	}
	return refs
}

// openLocal opens the database read-only; the collector owns writes.
func openLocal(cfg *config.Config, log *logrus.Logger) (*provider.Local, func() error, error) {
	store, err := database.OpenReadOnly(cfg.Database.Path, database.WithLogger(log))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	p := provider.NewLocal(store, deviceRefs(cfg), provider.WithOfflineThreshold(cfg.Alerts.OfflineThreshold))
	return p, store.Close, nil
}

func runServe(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	p, closeStore, err := openLocal(cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := api.New(cfg.API.Addr, p,
		api.WithLogger(log),
		api.WithRegistry(reg),
		api.WithOfflineThreshold(cfg.Alerts.OfflineThreshold),
	)
	return srv.Start(ctx)
}

// watchSource is everything watch reads.
type watchSource interface {
	health.Source
	health.ReportSource
}

func runWatch(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	var src watchSource
	if cfg.API.RemoteURL != "" {
		log.Infof("Reading from %s", cfg.API.RemoteURL)
		src = provider.NewRemote(cfg.API.RemoteURL, provider.WithRemoteTimeout(cfg.API.Timeout))
	} else {
		p, closeStore, err := openLocal(cfg, log)
		if err != nil {
			return err
		}
		defer closeStore()
		src = p
	}

	ids := cfg.DeviceIDs()
	if len(ids) == 0 {
		return fmt.Errorf("no enabled devices configured")
	}
	var cron *schedule.Cron
	if cfg.Report.Enabled {
		var err error
		if cron, err = schedule.ParseCron(cfg.Report.Schedule, time.Local); err != nil {
			return fmt.Errorf("report.schedule: %w", err)
		}
	}

	tracker := health.NewTracker(
		health.WithOfflineThreshold(cfg.Alerts.OfflineThreshold),
		health.WithTempThreshold(cfg.Alerts.TempThreshold),
		health.WithBlockThreshold(cfg.Alerts.BlockThreshold),
	)
	if err := tracker.Seed(ctx, src, ids); err != nil {
		log.WithError(err).Warn("could not seed difficulty watermark")
	}
	notifier := health.NewLogNotifier(log)

	check := func(ctx context.Context) error {
		events, err := tracker.Check(ctx, src, ids)
		if err != nil {
			return fmt.Errorf("health check: %w", err)
		}
		return notifier.Notify(ctx, events)
	}
	onError := func(err error) { log.WithError(err).Error("scheduled job failed") }

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := check(ctx); err != nil {
			onError(err)
		}
		return schedule.Run(ctx, schedule.Every(cfg.Alerts.CheckInterval), check, onError)
	})

	if cron != nil {
		log.Infof("Fleet report scheduled %q, next at %s", cron, cron.Next(time.Now()).Format(time.RFC3339))
		g.Go(func() error {
			return schedule.Run(ctx, cron, func(ctx context.Context) error {
				rows, err := health.BuildReport(ctx, src, ids, cfg.Report.Lookback)
				if err != nil {
					return err
				}
				health.LogReport(log, rows, cfg.Report.Lookback)
				return nil
			}, onError)
		})
	}

	log.WithFields(logrus.Fields{
		"devices":  len(ids),
		"interval": cfg.Alerts.CheckInterval,
	}).Info("Watching fleet")
	return g.Wait()
}
