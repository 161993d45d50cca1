package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/assessd/crewrelay/internal/api"
	"github.com/assessd/crewrelay/internal/config"
	"github.com/assessd/crewrelay/internal/history"
	"github.com/assessd/crewrelay/internal/relay"
	"github.com/assessd/crewrelay/internal/source"
	"github.com/assessd/crewrelay/internal/stats"
	"github.com/assessd/crewrelay/internal/web"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := cfg.EnsureDirs(); err != nil {
		logger.Error("prepare directories", "error", err)
		os.Exit(1)
	}

	db, err := history.Open(cfg.DBPath)
	if err != nil {
		logger.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store := history.NewStore(db)
	statsStore := stats.NewSQLStore(db)
	rly := relay.New(logger.With("component", "relay"), relay.WithRegistry(registry))
	defer rly.Close()
	runner := source.NewRunner(store, rly, logger.With("component", "source"))

	apiServer := &api.Server{
		Runner:        runner,
		History:       store,
		Relay:         rly,
		Stats:         statsStore,
		StatsInterval: cfg.StatsInterval,
		Log:           logger.With("component", "api"),
		StartedAt:     time.Now().UTC(),
		Info: api.DiagnosticsInfo{
			HTTPAddr: cfg.HTTPAddr,
			DataDir:  cfg.DataDir,
			DBPath:   cfg.DBPath,
			WebDir:   cfg.WebDir,
		},
	}
	webServer := &web.Server{Dir: cfg.WebDir}

	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/", webServer.Handler())

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		logger.Error("listen", "addr", cfg.HTTPAddr, "error", err)
		os.Exit(1)
	}

	serverCtx, serverCancel := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Handler:           api.LoggingMiddleware(logger)(mux),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		logger.Info("relayd listening", "addr", listener.Addr().String())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	serverCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown", "error", err)
	}
	_ = httpServer.Close()
}
