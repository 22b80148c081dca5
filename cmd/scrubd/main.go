// Command scrubd is the long-running scrub daemon: it indexes an operator
// manifest into device resources, wires an Engine over a checkpoint store,
// Prometheus telemetry and bounded worker pools, serves the operator HTTP
// surface (§6 entry points), and — when -schedule is set — kicks off a
// full-device scrub on every configured device on a cron schedule. It is
// the daemon counterpart of the teacher's cmd/ublk-mem example.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/valyala/fasthttp"

	scrub "github.com/behrlich/btrfs-scrub"
	"github.com/behrlich/btrfs-scrub/internal/checkpoint"
	"github.com/behrlich/btrfs-scrub/internal/config"
	"github.com/behrlich/btrfs-scrub/internal/logging"
	"github.com/behrlich/btrfs-scrub/internal/manifest"
	"github.com/behrlich/btrfs-scrub/internal/telemetry"
	"github.com/behrlich/btrfs-scrub/internal/workerpool"
)

func main() {
	var (
		configPath     = flag.String("config", "", "path to the scrub config YAML (required)")
		manifestPath   = flag.String("manifest", "", "path to the device manifest YAML (required)")
		checkpointPath = flag.String("checkpoint-db", "scrubd-checkpoints.db", "buntdb checkpoint file path")
		listenAddr     = flag.String("listen", ":8090", "HTTP listen address")
		schedule       = flag.String("schedule", "", "cron expression for periodic full-device scrubs (empty disables scheduling)")
		verbose        = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	if *configPath == "" || *manifestPath == "" {
		fmt.Fprintln(os.Stderr, "scrubd: -config and -manifest are required")
		os.Exit(2)
	}

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	man, err := manifest.Load(*manifestPath)
	if err != nil {
		logger.Error("load manifest", "error", err)
		os.Exit(1)
	}
	built, err := manifest.Index(man, [16]byte{}, [16]byte{})
	if err != nil {
		logger.Error("index manifest", "error", err)
		os.Exit(1)
	}
	defer closeDevices(built)

	store, err := checkpoint.Open(*checkpointPath)
	if err != nil {
		logger.Error("open checkpoint store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	collector := telemetry.NewCollector(nil)
	pools := workerpool.NewPools(4, 2, 1)
	engine := scrub.NewEngine(built.Provider, cfg, store, collector, pools)
	engine.Log = logger

	var scheduler *cron.Cron
	if *schedule != "" {
		scheduler = startScheduler(*schedule, cfg, engine, logger)
		defer scheduler.Stop()
	}

	srv := &server{engine: engine}
	go func() {
		logger.Info("listening", "addr", *listenAddr)
		if err := fasthttp.ListenAndServe(*listenAddr, srv.handle); err != nil {
			logger.Error("http server exited", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")
}

// startScheduler registers one cron job per configured device that starts
// a scrub of its configured [start_logical, end_logical) range with its
// configured read-only setting and deadline (ScrubStart adds the device's
// configured bg flags), the
// systemd-timer-driven scrub cycle's daemon-native equivalent.
func startScheduler(spec string, cfg *config.Config, engine *scrub.Engine, logger *logging.Logger) *cron.Cron {
	c := cron.New()
	for _, dc := range cfg.Devices {
		dc := dc
		_, err := c.AddFunc(spec, func() {
			handle, err := engine.ScrubStart(context.Background(), scrub.StartRequest{
				DeviceID:     dc.DeviceID,
				StartLogical: dc.StartLogical,
				EndLogical:   dc.EndLogical,
				ReadOnly:     dc.ReadOnly,
				DeadlineSecs: dc.DeadlineSeconds,
			})
			if err != nil {
				logger.Warn("scheduled scrub failed to start", "device", dc.DeviceID, "error", err)
				return
			}
			logger.Info("scheduled scrub started", "device", dc.DeviceID, "handle", handle)
		})
		if err != nil {
			logger.Error("invalid cron schedule", "schedule", spec, "error", err)
			os.Exit(1)
		}
	}
	c.Start()
	return c
}

func closeDevices(built *manifest.Built) {
	for _, d := range built.Devices {
		_ = d.Close()
	}
}
