// hivelog polls the configured Bitaxe devices and stores their telemetry in SQLite.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/powerhive/hivelog/pkg/analysis"
	"github.com/powerhive/hivelog/pkg/bitaxe"
	"github.com/powerhive/hivelog/pkg/config"
	"github.com/powerhive/hivelog/pkg/database"
	"github.com/powerhive/hivelog/pkg/discovery"
	"github.com/powerhive/hivelog/pkg/logging"
	"github.com/powerhive/hivelog/pkg/poller"
	"github.com/powerhive/hivelog/pkg/provider"
)

const usage = `hivelog - Bitaxe telemetry collector

Usage:
  hivelog <command> [arguments]

Commands:
  run                  Poll every enabled device until interrupted
  poll                 Run a single poll cycle and exit
  scan [target...]     Find AxeOS devices and print config entries for new ones
                       Example: hivelog scan 192.168.1.0/24
  count [device]       Print the number of stored samples
  compare <device> [hours]
                       Compare clock configs, optionally over the last hours
  export <device> [file]
                       Write every sample of a device to CSV
                       (default <device>_export.csv)

Configuration is read from config.yaml (./, ./config, /etc/hivelog) or the
file named by HIVELOG_CONFIG. Any key can be overridden with HIVELOG_<KEY>,
e.g. HIVELOG_DATABASE_PATH or HIVELOG_POLL_INTERVAL.
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
	case "run":
		err = runDaemon(ctx, cfg, log)
	case "poll":
		err = runPoll(ctx, cfg, log)
	case "scan":
		err = runScan(ctx, cfg, log, os.Stdout)
	case "count":
		err = runCount(ctx, cfg, log, os.Stdout)
	case "compare":
		err = runCompare(ctx, cfg, log, os.Args[2:], os.Stdout)
	case "export":
		err = runExport(ctx, cfg, log, os.Args[2:])
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

func newPoller(cfg *config.Config, log *logrus.Logger, store database.Writer, metrics *poller.Metrics) *poller.Poller {
	var targets []poller.Target
	for _, d := range cfg.EnabledDevices() {
		targets = append(targets, poller.Target{ID: d.Name, Host: d.IP})
	}
	factory := bitaxe.NewClientFactory(bitaxe.WithFactoryTimeout(cfg.Poll.Timeout))
	return poller.New(store, factory, targets,
		poller.WithInterval(cfg.Poll.Interval),
		poller.WithTimeout(cfg.Poll.Timeout),
		poller.WithConcurrency(cfg.Poll.Concurrency),
		poller.WithCooldown(cfg.Poll.Cooldown),
		poller.WithSafety(poller.Safety{
			TempWarning:  cfg.Safety.MaxTempWarning,
			TempCritical: cfg.Safety.MaxTempShutdown,
			MinHashrate:  cfg.Safety.MinHashrateWarning,
		}),
		poller.WithLogger(log),
		poller.WithMetrics(metrics),
	)
}

func runDaemon(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	if len(cfg.EnabledDevices()) == 0 {
		return fmt.Errorf("no enabled devices configured")
	}
	store, err := database.Open(cfg.Database.Path, database.WithLogger(log))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	p := newPoller(cfg, log, store, poller.NewMetrics(reg))

	if cfg.Metrics.Addr != "" {
		go serveMetrics(ctx, cfg.Metrics.Addr, reg, log)
	}

	log.Infof("Database: %s", cfg.Database.Path)
	return p.Run(ctx)
}

// serveMetrics exposes reg until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log logrus.FieldLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 15 * time.Second, WriteTimeout: 15 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("Metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Error("metrics server failed")
	}
}

func runPoll(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	store, err := database.Open(cfg.Database.Path, database.WithLogger(log))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	res := newPoller(cfg, log, store, nil).PollOnce(ctx)
	if res.Succeeded == 0 && res.Failed > 0 {
		return fmt.Errorf("all %d devices failed", res.Failed)
	}
	return nil
}

func runScan(ctx context.Context, cfg *config.Config, log *logrus.Logger, out io.Writer) error {
	targets := os.Args[2:]
	if len(targets) == 0 {
		targets = cfg.Scan.Networks
	}
	if len(targets) == 0 {
		return fmt.Errorf("network required: hivelog scan <cidr>")
	}

	prober := bitaxe.NewProber(bitaxe.WithProberTimeout(cfg.Scan.Timeout))
	scanner := discovery.NewScanner(prober,
		discovery.WithTimeout(cfg.Scan.Timeout),
		discovery.WithConcurrency(cfg.Scan.Concurrency),
		discovery.WithLogger(log),
	)

	var found []discovery.DiscoveredDevice
	for _, target := range targets {
		log.Infof("Scanning %s...", target)
		res, err := scanner.ScanNetwork(ctx, target)
		if err != nil {
			return fmt.Errorf("scan %s: %w", target, err)
		}
		log.Infof("Scan complete: %d devices found, %d responsive hosts, %d addresses in %s",
			len(res.Devices), res.ResponsiveHosts, res.ScannedIPs, res.Duration.Round(time.Millisecond))
		for _, d := range res.Devices {
			log.Infof("  - %s %s (%s %s) %.1f GH/s", d.IP, d.Hostname, d.Model, d.FirmwareVersion, d.Hashrate)
		}
		found = append(found, res.Devices...)
	}

	candidates := discovery.Candidates(found, cfg.Devices)
	if len(candidates) == 0 {
		fmt.Fprintln(out, "# no new devices")
		return nil
	}
	fmt.Fprintln(out, "# add to config.yaml")
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(map[string][]config.Device{"devices": candidates})
}

func runCount(ctx context.Context, cfg *config.Config, log *logrus.Logger, out io.Writer) error {
	store, err := database.OpenReadOnly(cfg.Database.Path, database.WithLogger(log))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	device := ""
	if len(os.Args) >= 3 {
		device = os.Args[2]
	}
	n, err := store.MetricCount(ctx, device)
	if err != nil {
		return err
	}
	if device == "" {
		fmt.Fprintf(out, "%d samples\n", n)
	} else {
		fmt.Fprintf(out, "%s: %d samples\n", device, n)
	}
	return nil
}

func runCompare(ctx context.Context, cfg *config.Config, log *logrus.Logger, args []string, out io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("device required: hivelog compare <device> [hours]")
	}
	device, hours := args[0], 0
	if len(args) >= 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid hours: %q", args[1])
		}
		hours = n
	}

	store, err := database.OpenReadOnly(cfg.Database.Path, database.WithLogger(log))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	reports, err := provider.NewLocal(store, nil).ConfigSummary(ctx, device, hours)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		fmt.Fprintf(out, "No data found for %s\n", device)
		return nil
	}

	summaries := make([]database.ConfigSummary, len(reports))
	for i, r := range reports {
		summaries[i] = r.ConfigSummary
		fmt.Fprintf(out, "[%d] %dMHz @ %dmV  %.1f GH/s  %.1f J/TH  %.1fW  %.1fC  %d samples over %.1fh\n",
			i+1, r.Frequency, r.CoreVoltage, r.AvgHashrate, r.AvgEfficiencyJTH, r.AvgPower,
			r.AvgAsicTemp, r.Samples, r.RuntimeHours)
		for _, b := range r.Bottlenecks {
			fmt.Fprintf(out, "    %s: %s\n", b.Severity, b.Message)
		}
	}

	picks := analysis.CompareConfigs(summaries)
	if c := picks.BestEfficiency; c != nil {
		fmt.Fprintf(out, "Best efficiency: %dMHz @ %dmV (%.1f J/TH, %.1f GH/s)\n", c.Frequency, c.CoreVoltage, c.AvgEfficiencyJTH, c.AvgHashrate)
	}
	if c := picks.BestHashrate; c != nil {
		fmt.Fprintf(out, "Best hashrate:   %dMHz @ %dmV (%.1f GH/s, %.1f J/TH)\n", c.Frequency, c.CoreVoltage, c.AvgHashrate, c.AvgEfficiencyJTH)
	}
	return nil
}

func runExport(ctx context.Context, cfg *config.Config, log *logrus.Logger, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("device required: hivelog export <device> [file]")
	}
	device := args[0]
	path := device + "_export.csv"
	if len(args) >= 2 {
		path = args[1]
	}

	store, err := database.OpenReadOnly(cfg.Database.Path, database.WithLogger(log))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	n, err := store.ExportCSV(ctx, file, device)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("export %s: %w", device, err)
	}
	log.Infof("Exported %d samples for %s to %s", n, device, path)
	return nil
}
