// Command cmdbusd is the bundled worker runner: it loads configuration from
// the environment, opens the database pool, applies
// pending migrations, starts one dispatch Worker and one reply Router per
// configured domain, and waits on a shutdown signal.
//
// Callers embedding real command handlers and process managers should
// import internal/worker and internal/router directly rather than running
// this binary unmodified; cmdbusd on its own dispatches no business logic,
// it only proves the runtime starts, drains, and shuts down cleanly.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaybus/cmdbus/internal/bus"
	"github.com/relaybus/cmdbus/internal/migrate"
	"github.com/relaybus/cmdbus/internal/pgqueue"
	"github.com/relaybus/cmdbus/internal/router"
	"github.com/relaybus/cmdbus/internal/telemetry"
	"github.com/relaybus/cmdbus/internal/worker"
)

// shutdownTimeout bounds both a graceful process shutdown and a single
// worker's restart-on-CRITICAL cycle.
const shutdownTimeout = 30 * time.Second

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting cmdbusd")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	domains := splitNonEmpty(os.Getenv("CMDBUS_DOMAINS"), ",")
	if len(domains) == 0 {
		logger.Error("CMDBUS_DOMAINS must list at least one domain (comma-separated)")
		os.Exit(1)
	}

	if err := migrate.Up(dsn); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("migrations applied")

	maxConns := int32(envInt("CMDBUS_POOL_SIZE", 20))
	pool, err := pgqueue.NewPool(ctx, dsn, maxConns)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected", "pool_size", maxConns)

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	concurrency := int64(envInt("CMDBUS_CONCURRENCY", 10))
	visibilityTimeout := time.Duration(envInt("CMDBUS_VISIBILITY_TIMEOUT_SECONDS", 30)) * time.Second
	defaultMaxAttempts := envInt("CMDBUS_DEFAULT_MAX_ATTEMPTS", 5)

	var routers []*router.Router

	var workersMu sync.Mutex
	workersByDomain := make(map[string]*worker.Worker)

	// buildWorker wires each domain's Watchdog so a CRITICAL detection
	// restarts that domain's worker in place rather than just logging it.
	var restartWorker func(dom string)
	buildWorker := func(dom string, domLogger *slog.Logger) (*worker.Worker, error) {
		watchdog := worker.NewWatchdog(dom, worker.WatchdogConfig{
			OnCritical: func(d string) {
				logger.Error("worker health critical, restarting", "domain", d)
				go restartWorker(d)
			},
		}, domLogger)

		return worker.New(worker.Config{
			Domain:            dom,
			Pool:              pool,
			Registry:          worker.NewRegistry(),
			VisibilityTimeout: visibilityTimeout,
			Concurrency:       concurrency,
			Metrics:           metrics,
			Watchdog:          watchdog,
			Logger:            domLogger,
		})
	}

	restartWorker = func(dom string) {
		workersMu.Lock()
		old := workersByDomain[dom]
		workersMu.Unlock()
		if old != nil {
			old.Stop(shutdownTimeout)
		}

		domLogger := logger.With("domain", dom)
		nw, err := buildWorker(dom, domLogger)
		if err != nil {
			logger.Error("failed to restart worker", "domain", dom, "error", err)
			return
		}
		nw.Start(ctx)

		workersMu.Lock()
		workersByDomain[dom] = nw
		workersMu.Unlock()
		logger.Info("worker restarted", "domain", dom)
	}

	for _, dom := range domains {
		domLogger := logger.With("domain", dom)

		commandBus := bus.New(pool, defaultMaxAttempts, domLogger)
		if err := commandBus.EnsureQueue(ctx, dom); err != nil {
			logger.Error("failed to ensure command queue", "domain", dom, "error", err)
			os.Exit(1)
		}

		w, err := buildWorker(dom, domLogger)
		if err != nil {
			logger.Error("failed to build worker", "domain", dom, "error", err)
			os.Exit(1)
		}

		rt, err := router.New(router.Config{
			Domain:      dom,
			Pool:        pool,
			Registry:    router.NewManagerRegistry(),
			Concurrency: concurrency,
			Metrics:     metrics,
			Logger:      domLogger,
		})
		if err != nil {
			logger.Error("failed to build router", "domain", dom, "error", err)
			os.Exit(1)
		}
		if err := rt.EnsureQueue(ctx); err != nil {
			logger.Error("failed to ensure reply queue", "domain", dom, "error", err)
			os.Exit(1)
		}

		w.Start(ctx)
		rt.Start(ctx)
		workersByDomain[dom] = w
		routers = append(routers, rt)
		logger.Info("domain runtime started", "domain", dom)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	port := os.Getenv("CMDBUS_PORT")
	if port == "" {
		port = "8090"
	}
	server := &http.Server{Addr: ":" + port, Handler: mux}
	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	for _, rt := range routers {
		rt.Stop(shutdownTimeout)
	}
	workersMu.Lock()
	for _, w := range workersByDomain {
		w.Stop(shutdownTimeout)
	}
	workersMu.Unlock()

	logger.Info("cmdbusd stopped")
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
