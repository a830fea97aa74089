package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/prism-data/pattern-launcher/pkg/control"
	"github.com/prism-data/pattern-launcher/pkg/isolation"
	"github.com/prism-data/pattern-launcher/pkg/launcher"
)

var version = "dev"

var (
	natsURL      = flag.String("nats-url", "", "NATS server URL (empty starts an embedded server)")
	natsPort     = flag.Int("nats-port", 4222, "Port for the embedded NATS server")
	metricsPort  = flag.Int("metrics-port", 9092, "Metrics server port")
	healthPort   = flag.Int("health-port", 9093, "Health server port")
	patternsDir  = flag.String("patterns-dir", "./patterns", "Patterns directory")
	isolationStr = flag.String("isolation", "namespace", "Default isolation level (none, namespace, session)")
	resyncEvery  = flag.Duration("resync-interval", 30*time.Second, "Process health resync interval")
	backOff      = flag.Duration("backoff-period", 5*time.Second, "Base retry backoff for failed syncs")
	gracePeriod  = flag.Duration("grace-period", 10*time.Second, "Default termination grace period")
	logLevel     = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()

	logger := newLogger(*logLevel)
	slog.SetDefault(logger)

	logger.Info("starting pattern launcher",
		"version", version,
		"patterns_dir", *patternsDir,
		"isolation", *isolationStr,
		"nats_url", *natsURL)

	level, err := isolation.ParseLevel(*isolationStr)
	if err != nil {
		logger.Error("invalid isolation level", "value", *isolationStr, "error", err)
		os.Exit(1)
	}

	// Broker first: standalone mode embeds one.
	var embedded *control.EmbeddedServer
	url := *natsURL
	if url == "" {
		embedded, err = control.StartEmbeddedServer(*natsPort)
		if err != nil {
			logger.Error("failed to start embedded nats server", "error", err)
			os.Exit(1)
		}
		defer embedded.Shutdown()
		url = embedded.ClientURL()
		logger.Info("embedded nats server started", "url", url)
	}

	nc, err := nats.Connect(url, nats.Name("pattern-launcherd"))
	if err != nil {
		logger.Error("failed to connect to nats", "url", url, "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	config := launcher.DefaultConfig()
	config.PatternsDir = *patternsDir
	config.DefaultIsolation = level
	config.ResyncInterval = *resyncEvery
	config.BackOffPeriod = *backOff
	config.GracePeriod = *gracePeriod
	config.Logger = logger

	// The event publisher needs the launcher ID before the service
	// exists, so mint it here.
	config.LauncherID = fmt.Sprintf("launcher-%d", os.Getpid())
	config.Events = control.NewEventPublisher(nc, config.LauncherID)

	service, err := launcher.NewService(config)
	if err != nil {
		logger.Error("failed to create launcher service", "error", err)
		os.Exit(1)
	}

	controlServer, err := control.NewServer(nc, service, version,
		control.WithServerLogger(logger.With("component", "control")))
	if err != nil {
		logger.Error("failed to start control API", "error", err)
		os.Exit(1)
	}

	metricsSrv := serveHTTP(*metricsPort, func(mux *http.ServeMux) {
		mux.Handle("/metrics", promhttp.HandlerFor(service.MetricsGatherer(), promhttp.HandlerOpts{}))
		mux.HandleFunc("/metrics.json", metricsJSONHandler(service))
	}, logger.With("server", "metrics"))

	healthSrv := serveHTTP(*healthPort, func(mux *http.ServeMux) {
		mux.HandleFunc("/health", healthHandler(service))
		mux.HandleFunc("/ready", readyHandler)
	}, logger.With("server", "health"))

	logger.Info("pattern launcher started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := controlServer.Stop(); err != nil {
		logger.Warn("control API stop error", "error", err)
	}
	metricsSrv.Shutdown(ctx)
	healthSrv.Shutdown(ctx)

	if err := service.Shutdown(ctx); err != nil {
		logger.Error("service shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("pattern launcher stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func serveHTTP(port int, register func(*http.ServeMux), logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	register(mux)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()
	return srv
}

func metricsJSONHandler(service *launcher.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data, err := service.MetricsJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	}
}

func healthHandler(service *launcher.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := service.Health(false)
		if !health.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "unhealthy: %d failed processes", health.Failed)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "healthy: %d processes running", health.Running)
	}
}

func readyHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "ready")
}
