// VoltageEMS daemon
//
// Hosts the full real-time routing core: the protocol engine, routing
// cache and dispatcher, instance manager, rule engine, reload watcher,
// and the admin/health HTTP surfaces.
//
// Usage:
//
//	voltageemsd --config /etc/voltageems/config.yaml
//	voltageemsd --log-level debug
//
// Environment: VOLTAGE_DB_PATH, VOLTAGE_ENV, REDIS_URL, SERVICE_PORT,
// SKIP_VALIDATION.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voltageems/voltageemsd/internal/api"
	"github.com/voltageems/voltageemsd/internal/apprt"
	"github.com/voltageems/voltageemsd/internal/comengine"
	"github.com/voltageems/voltageemsd/internal/dispatcher"
	"github.com/voltageems/voltageemsd/internal/instancemgr"
	"github.com/voltageems/voltageemsd/internal/model"
	"github.com/voltageems/voltageemsd/internal/reload"
	"github.com/voltageems/voltageemsd/internal/routecache"
	"github.com/voltageems/voltageemsd/internal/rtdb"
	"github.com/voltageems/voltageemsd/internal/ruleengine"
	"github.com/voltageems/voltageemsd/internal/store"
	"github.com/voltageems/voltageemsd/internal/validate"
)

const (
	serviceName    = "voltageemsd"
	serviceVersion = "1.0.0"

	exitOK          = 0
	exitRuntime     = 1
	exitConfigFatal = 2
	exitValidation  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to YAML config file")
	logLevel := flag.String("log-level", "", "trace|debug|info|warn|error")
	flag.Parse()

	cfg, err := apprt.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return exitConfigFatal
	}
	if *logLevel != "" {
		cfg.LogLevel = apprt.ParseLevel(*logLevel)
	}

	logger := apprt.NewLogger(cfg.LogLevel)
	rt := apprt.New(cfg, logger, nil)
	logger.Info("voltageemsd starting", "version", serviceVersion, "env", cfg.Env, "db", cfg.DBPath)

	shutdownTracer, err := apprt.InitTracer(serviceName, serviceVersion, cfg.Env, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
		shutdownTracer = func(context.Context) error { return nil }
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("mapping store open failed", "error", err)
		return exitConfigFatal
	}
	defer st.Close()

	var db rtdb.RTDB
	if cfg.RedisURL != "" {
		db = rtdb.NewNet(cfg.RedisURL)
	} else {
		logger.Warn("no REDIS_URL configured, using in-process RTDB")
		db = rtdb.NewMemory()
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// startup validation: schema/semantic/business over the snapshot,
	// then the runtime level (RTDB round-trip, store probe)
	snap, err := validate.LoadSnapshot(ctx, st)
	if err != nil {
		logger.Error("configuration load failed", "error", err)
		return exitConfigFatal
	}
	if !cfg.SkipValidation {
		if vr := validate.Validate(snap); !vr.IsValid {
			logger.Error("configuration rejected", "level", vr.Level, "errors", fmt.Sprintf("%v", vr.Errors))
			return exitValidation
		}
		if vr := validate.CheckRuntime(ctx, db, st); !vr.IsValid {
			logger.Error("runtime checks failed", "errors", fmt.Sprintf("%v", vr.Errors))
			return exitRuntime
		}
	}

	routes := routecache.NewStore()
	version, _ := st.SchemaVersion(ctx)
	routes.Swap(routecache.Build(snap.Routing, version))

	disp := dispatcher.New(rt, db, routes)
	engine := comengine.NewEngine(rt, db, disp, nil, comengine.Options{})
	instances := instancemgr.New(rt, st, db, routes)
	rules := ruleengine.NewEngine(rt, db, ruleengine.ActionSinkFunc(
		func(ctx context.Context, id model.InstanceID, p model.PointID, v float64) error {
			_, err := instances.SetActionPoint(ctx, id, p, v)
			return err
		},
	), ruleengine.Options{})

	for _, ch := range snap.Channels {
		if err := engine.StartChannel(ctx, ch); err != nil {
			logger.Error("channel start failed", "channel", ch.Name, "error", err)
		}
	}
	for _, r := range snap.Rules {
		if err := rules.UpsertRule(r); err != nil {
			logger.Error("rule load failed", "rule", r.Name, "error", err)
		}
	}

	stopRules := rules.Start(ctx)
	reloader := reload.New(rt, st, routes, engine, rules, cfg.ReloadInterval, cfg.SkipValidation)
	stopReload := reloader.Start(ctx)

	apiServer := api.New(rt, db, st, engine, instances, rules, routes, serviceName, serviceVersion)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ServicePort),
		Handler: apiServer.Handler(),
	}
	httpErr := make(chan error, 1)
	go func() {
		logger.Info("http surfaces listening", "addr", httpServer.Addr)
		httpErr <- httpServer.ListenAndServe()
	}()

	exit := exitOK
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-httpErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			exit = exitRuntime
		}
	}

	// drain within the grace window, then force-exit
	graceCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	httpServer.Shutdown(graceCtx)
	stopReload()
	stopRules()
	engine.StopAll(cfg.ShutdownGrace)
	shutdownTracer(graceCtx)
	time.Sleep(10 * time.Millisecond) // let final log lines flush
	logger.Info("voltageemsd stopped")
	return exit
}
