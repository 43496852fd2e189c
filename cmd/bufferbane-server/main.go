// Command bufferbane-server runs the bufferbane echo server standalone: a
// single authenticated UDP reflector serving every configured client
// (spec.md §4.4, §6).
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

	"github.com/bufferbane/bufferbane/internal/config"
	"github.com/bufferbane/bufferbane/internal/server"
	"github.com/bufferbane/bufferbane/internal/wire"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

const (
	exitOK        = 0
	exitConfigErr = 1
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) > 0 && args[0] == "genkey" {
		return runGenkey()
	}

	fs := flag.NewFlagSet("bufferbane-server", flag.ExitOnError)
	configPath := fs.String("config", "/etc/bufferbane/server.yaml", "path to server config YAML")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	metricsAddr := fs.String("metrics-addr", "", "address to serve Prometheus /metrics on (empty disables)")
	if err := fs.Parse(args); err != nil {
		return exitConfigErr
	}

	log := newLogger(*verbose)

	cfg, err := config.LoadServerConfig(*configPath)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		return exitConfigErr
	}

	srvCfg, err := cfg.ToServerConfig()
	if err != nil {
		log.Error("invalid configuration", "error", err)
		return exitConfigErr
	}
	srvCfg.Log = log

	reg := prometheus.NewRegistry()
	srvCfg.Registry = reg
	if *metricsAddr != "" {
		go serveMetrics(log, *metricsAddr, reg)
	}

	srv, err := server.New(srvCfg)
	if err != nil {
		log.Error("failed to start echo server", "error", err)
		return exitConfigErr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := srv.Run(ctx); err != nil {
		log.Error("echo server exited with error", "error", err)
		return exitConfigErr
	}
	return exitOK
}

func runGenkey() int {
	key, err := wire.NewKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to generate key:", err)
		return exitConfigErr
	}
	fmt.Printf("%x\n", key[:])
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
