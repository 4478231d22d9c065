// Command roboserve runs the fleet orchestration backend: the task queue,
// assignment engine, workflow executor, and the periodic tick that drives
// them, behind a thin HTTP/WebSocket event feed.
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

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/roboserve/internal/assignment"
	"github.com/basket/roboserve/internal/autoconfirm"
	"github.com/basket/roboserve/internal/bus"
	"github.com/basket/roboserve/internal/clockutil"
	"github.com/basket/roboserve/internal/config"
	"github.com/basket/roboserve/internal/logging"
	"github.com/basket/roboserve/internal/notify"
	"github.com/basket/roboserve/internal/orchestrator"
	"github.com/basket/roboserve/internal/otelinst"
	"github.com/basket/roboserve/internal/queue"
	"github.com/basket/roboserve/internal/robotstate"
	"github.com/basket/roboserve/internal/store"
	"github.com/basket/roboserve/internal/transport"
	"github.com/basket/roboserve/internal/vendor"
	"github.com/basket/roboserve/internal/workflow"
)

var Version = "v0-dev"

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	logger, closer, err := logging.New(cfg.HomeDir, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer closer.Close()
	logger.Info("starting", "version", Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otelinst.Init(ctx, otelinst.Config{Enabled: false})
	if err != nil {
		logger.Error("init telemetry", "error", err)
		os.Exit(1)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelinst.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Error("init metrics", "error", err)
		os.Exit(1)
	}

	clock := clockutil.Real{}
	eventBus := bus.New(logger)

	hub := transport.NewHub(nil, logger)
	eventBus.Subscribe("", hub)

	if cfg.Telegram.Enabled {
		sink, err := notify.NewTelegramSink(cfg.Telegram.Token, cfg.Telegram.ChatID, logger)
		if err != nil {
			logger.Error("init telegram notify sink", "error", err)
		} else {
			eventBus.Subscribe(bus.TopicWorkflowFailed, sink)
			eventBus.Subscribe(bus.TopicSystemUpdated, sink)
		}
	}

	st, err := store.Open(cfg.DBPath, eventBus, clock)
	if err != nil {
		logger.Error("open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	queueMgr := queue.NewManager(st, clock)
	robotSvc := robotstate.NewService(st, cfg.RobotIDs)
	planner := workflow.NewPlanner(workflow.StoreMapper{Store: st})

	inner := vendor.NewHTTPClient(cfg.Vendor.BaseURL)
	safeMode := func() bool { return cfg.SafeMode }
	resilientVendor := vendor.NewResilient(inner, vendor.RetryConfig{
		Retries:     cfg.Vendor.Retries,
		Timeout:     cfg.VendorTimeout(),
		BackoffBase: cfg.VendorBackoffBase(),
		BackoffMax:  cfg.VendorBackoffMax(),
		Jitter:      cfg.Vendor.JitterEnabled,
	}, logger, safeMode)
	resilientVendor.Metrics = metrics
	resilientVendor.Tracer = otelProvider.Tracer

	executor := &workflow.Executor{Store: st, Vendor: resilientVendor, Clock: clock, Logger: logger}
	assignEngine := &assignment.Engine{Store: st, Queue: queueMgr, RobotState: robotSvc, Planner: planner, Logger: logger}
	orch := &orchestrator.Orchestrator{
		Store: st, Queue: queueMgr, Assignment: assignEngine, Executor: executor, Logger: logger,
		Metrics: metrics, Tracer: otelProvider.Tracer,
	}

	c := cronlib.New()
	if cfg.AutoTick.Enabled {
		spec := fmt.Sprintf("@every %ds", cfg.AutoTick.IntervalSeconds)
		if _, err := c.AddFunc(spec, func() {
			summary, err := orch.Tick(ctx, cfg.AutoTick.MaxAssignments, cfg.AutoTick.PreferredRobot)
			if err != nil {
				logger.Error("auto tick failed", "error", err)
				return
			}
			logger.Debug("auto tick completed", "summary", summary)
		}); err != nil {
			logger.Error("schedule auto tick", "error", err)
			os.Exit(1)
		}
	}
	c.Start()
	defer c.Stop()

	var confirmDriver *autoconfirm.Driver
	if cfg.AutoConfirm.Enabled {
		confirmDriver = autoconfirm.NewDriver(st, executor, logger, time.Duration(cfg.AutoConfirm.IntervalSeconds)*time.Second)
		confirmDriver.Start(ctx)
		defer confirmDriver.Stop()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/ws", hub)

	server := &http.Server{Addr: cfg.BindAddr, Handler: mux}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.BindAddr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", "error", err)
	}
	logger.Info("shutdown complete")
}
