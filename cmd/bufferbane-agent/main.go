// Command bufferbane-agent runs the client side of bufferbane: ICMP and
// authenticated server-echo probers, fanned into a local SQLite store, plus
// the lifecycle commands layered on top of that store (spec.md §6).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bufferbane/bufferbane/internal/config"
	"github.com/bufferbane/bufferbane/internal/measurement"
	"github.com/bufferbane/bufferbane/internal/scheduler"
	"github.com/bufferbane/bufferbane/internal/storage"
	"github.com/bufferbane/bufferbane/internal/wire"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

const (
	exitOK         = 0
	exitConfigErr  = 1
	exitStorageErr = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: bufferbane-agent <monitor|export|cleanup> [flags]")
		return exitConfigErr
	}
	cmd, rest := args[0], args[1:]

	fs := flag.NewFlagSet("bufferbane-agent "+cmd, flag.ExitOnError)
	configPath := fs.String("config", "/etc/bufferbane/agent.yaml", "path to client config YAML")
	dbPath := fs.String("db", "/var/lib/bufferbane/bufferbane.db", "path to the SQLite store")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	metricsAddr := fs.String("metrics-addr", "", "address to serve Prometheus /metrics on (empty disables)")
	from := fs.Int64("from", 0, "export: range start, unix seconds")
	to := fs.Int64("to", 0, "export: range end, unix seconds")
	kindFlag := fs.String("kind", "", "export: filter by kind (icmp|server_echo)")
	targetFlag := fs.String("target", "", "export: filter by target")
	if err := fs.Parse(rest); err != nil {
		return exitConfigErr
	}

	log := newLogger(*verbose)

	cfg, err := config.LoadClientConfig(*configPath)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		return exitConfigErr
	}

	db, err := storage.Open(*dbPath)
	if err != nil {
		log.Error("failed to open storage", "error", err)
		return exitStorageErr
	}
	defer db.Close()
	ctx := context.Background()
	if err := db.MigrateToLatest(ctx); err != nil {
		log.Error("failed to migrate storage schema", "error", err)
		return exitStorageErr
	}

	switch cmd {
	case "monitor":
		return runMonitor(log, cfg, db, *metricsAddr)
	case "cleanup":
		return runCleanup(log, cfg, db)
	case "export":
		return runExport(log, db, *from, *to, *kindFlag, *targetFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		return exitConfigErr
	}
}

func runMonitor(log *slog.Logger, cfg *config.ClientConfig, db *storage.DB, metricsAddr string) int {
	reg := prometheus.NewRegistry()
	if metricsAddr != "" {
		go serveMetrics(log, metricsAddr, reg)
	}

	var serverKey wire.Key
	var clientID uint64
	if cfg.Server != nil && cfg.Server.Enabled {
		key, err := cfg.Server.Key()
		if err != nil {
			log.Error("invalid server shared secret", "error", err)
			return exitConfigErr
		}
		serverKey = key
		clientID = cfg.Server.ClientID
	}

	sched, err := scheduler.New(scheduler.Config{
		Specs:     cfg.ProbeSpecs(),
		ServerKey: serverKey,
		ClientID:  clientID,
		Sink:      db,
		Clock:     clockwork.NewRealClock(),
		Log:       log,
		Registry:  reg,
	})
	if err != nil {
		log.Error("failed to build scheduler", "error", err)
		return exitConfigErr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go runDailyAggregation(ctx, log, cfg, db)

	if err := sched.Run(ctx); err != nil {
		log.Error("scheduler exited with error", "error", err)
		return exitStorageErr
	}
	return exitOK
}

// runDailyAggregation fires AggregateAndPrune once per day at the configured
// aggregation_time, until ctx is cancelled (spec.md §4.10).
func runDailyAggregation(ctx context.Context, log *slog.Logger, cfg *config.ClientConfig, db *storage.DB) {
	hour, minute, err := cfg.Retention.AggregationHourMinute()
	if err != nil {
		log.Error("invalid aggregation_time, daily aggregation disabled", "error", err)
		return
	}

	for {
		next := nextOccurrence(time.Now(), hour, minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		if err := db.AggregateAndPruneWithRetention(ctx, time.Now(), cfg.Retention.ToStorage()); err != nil {
			log.Error("daily aggregation failed", "error", err)
		} else {
			log.Info("daily aggregation complete")
		}
	}
}

func nextOccurrence(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func runCleanup(log *slog.Logger, cfg *config.ClientConfig, db *storage.DB) int {
	if err := db.AggregateAndPruneWithRetention(context.Background(), time.Now(), cfg.Retention.ToStorage()); err != nil {
		log.Error("cleanup failed", "error", err)
		return exitStorageErr
	}
	log.Info("cleanup complete")
	return exitOK
}

func runExport(log *slog.Logger, db *storage.DB, from, to int64, kind, target string) int {
	if to == 0 {
		to = time.Now().Unix()
	}
	rows, err := db.QueryRange(context.Background(), from, to, storage.Filters{
		Kind:   measurement.Kind(kind),
		Target: target,
	})
	if err != nil {
		log.Error("export query failed", "error", err)
		return exitStorageErr
	}
	if err := storage.WriteCSV(os.Stdout, rows); err != nil {
		log.Error("export write failed", "error", err)
		return exitStorageErr
	}
	return exitOK
}

func serveMetrics(log *slog.Logger, addr string, reg *prometheus.Registry) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to start metrics listener", "error", err)
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Info("metrics server listening", "address", listener.Addr().String())
	if err := http.Serve(listener, mux); err != nil {
		log.Error("metrics server stopped", "error", err)
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
}
