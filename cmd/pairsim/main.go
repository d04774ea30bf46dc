// Command pairsim drives simulated devices against a pairing server and
// reports how quickly and how often they pair.
//
// Usage:
//
//	pairsim [options]
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/proxipair/pairing-server/internal/devicesim"
	"github.com/proxipair/pairing-server/internal/logger"
)

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	devices := flag.Int("devices", 10, "Number of simulated devices")
	mode := flag.String("mode", "convoy", "Placement: convoy (single file) or scatter (random disc)")
	interval := flag.Duration("interval", time.Second, "Time between reports per device")
	duration := flag.Duration("duration", 30*time.Second, "Total run time")
	lat := flag.Float64("lat", 45.0, "Start latitude")
	lon := flag.Float64("lon", -93.0, "Start longitude")
	spacing := flag.Float64("spacing", 15, "Convoy spacing in meters, or scatter radius")
	bearing := flag.Float64("bearing", 0, "Convoy direction of travel in degrees")
	speed := flag.Float64("speed", 1.4, "Walking speed in m/s")
	jitter := flag.Float64("jitter", 0, "Max bearing wobble per step in degrees")
	concurrency := flag.Int("concurrency", 50, "Maximum simultaneous connection attempts")
	seed := flag.Int64("seed", time.Now().UnixNano(), "Random seed")
	trace := flag.Float64("trace", 0, "Print each device path as WKT, simplified to this tolerance in degrees (0 disables)")
	metricsURL := flag.String("metrics-url", "", "Prometheus endpoint to scrape during the run")
	logLevel := flag.String("log-level", "info", "Log level")
	flag.Parse()

	log, err := logger.New(*logLevel, "console", "pairsim")
	if err != nil {
		fmt.Fprintf(os.Stderr, "pairsim: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prefix := "sim-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
	origin := orb.Point{*lon, *lat}

	var walkers []*devicesim.Walker
	switch *mode {
	case "convoy":
		walkers = devicesim.Convoy(prefix, origin, *devices, *spacing, *bearing, *speed)
	case "scatter":
		walkers = devicesim.Scatter(prefix, origin, *devices, *spacing, *speed, rand.New(rand.NewSource(*seed)))
	default:
		log.Fatal("unknown mode", zap.String("mode", *mode))
	}

	log.Info("simulation starting",
		zap.String("url", *url),
		zap.String("mode", *mode),
		zap.Int("devices", len(walkers)),
		zap.String("device_prefix", prefix),
		zap.Duration("interval", *interval),
		zap.Duration("duration", *duration))

	collector := devicesim.NewCollector()
	var scraper *devicesim.Scraper
	if *metricsURL != "" {
		scraper = devicesim.NewScraper(*metricsURL, 2*time.Second)
		collector.SetScraper(scraper)
		scraper.Start(ctx)
	}

	devicesim.Run(ctx, walkers, devicesim.Options{
		URL:         *url,
		Interval:    *interval,
		Duration:    *duration,
		Jitter:      *jitter,
		Concurrency: *concurrency,
		Seed:        *seed,
	}, collector, log)

	if scraper != nil {
		scraper.Stop()
	}
	if *trace > 0 {
		for _, w := range walkers {
			fmt.Printf("%s\t%s\n", w.DeviceID, w.TraceWKT(*trace))
		}
	}
	collector.Report(os.Stdout)
}
