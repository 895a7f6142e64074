package main

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/ble-orchestrator/internal/adapter"
	"github.com/srg/ble-orchestrator/internal/config"
	"github.com/srg/ble-orchestrator/internal/coordinator"
	"github.com/srg/ble-orchestrator/internal/groutine"
	"github.com/srg/ble-orchestrator/internal/handler"
	"github.com/srg/ble-orchestrator/internal/ipc"
	"github.com/srg/ble-orchestrator/internal/model"
	"github.com/srg/ble-orchestrator/internal/notifier"
	"github.com/srg/ble-orchestrator/internal/scancache"
	"github.com/srg/ble-orchestrator/internal/scanner"
	"github.com/srg/ble-orchestrator/internal/scheduler"
	"github.com/srg/ble-orchestrator/internal/watchdog"
)

// orchestrator owns every long-running component and the order they
// start and stop in, mirroring the original's service.py start/stop
// sequence: adapter facade first, then cache/coordinator, then
// scanner+watchdog, then scheduler+handler+notifier, then the IPC
// server last so it never accepts a request before its dependencies
// exist.
type orchestrator struct {
	logger *logrus.Logger
	cfg    *config.Config

	facade      adapter.Facade
	cache       *scancache.ScanCache
	coord       *coordinator.Coordinator
	ledger      *model.FailureLedger
	scannerSvc  *scanner.Scanner
	watchdogSvc *watchdog.Watchdog
	notifierSvc *notifier.Manager
	sched       *scheduler.Scheduler
	handlerSvc  *handler.Handler
	ipcSrv      *ipc.Server

	startedAt time.Time
}

func newOrchestrator(cfg *config.Config, logger *logrus.Logger) (*orchestrator, error) {
	o := &orchestrator{cfg: cfg, logger: logger, startedAt: time.Now()}

	o.facade = newFacade(cfg, logger)
	o.cache = scancache.New(cfg.ScanCacheTTL, logger)
	o.coord = coordinator.New(cfg.ExclusiveControl, cfg.ExclusiveControlTTL, logger)
	o.ledger = model.NewFailureLedger()

	o.watchdogSvc = watchdog.New(o.facade, o.coord, o.ledger, cfg.WatchdogInterval, cfg.FailureThreshold, 0, logger)
	o.scannerSvc = scanner.New(o.facade, o.cache, o.coord, o.watchdogSvc, logger)
	o.watchdogSvc.SetScanner(o.scannerSvc)

	o.sched = scheduler.New(nil, o.cache, cfg.RequestMaxAge, cfg.SkipOldRequests, softWatermarkFor(cfg), cfg.ParallelLaneWorkers, logger)

	o.ipcSrv = ipc.New(o.sched, o, cfg.MaxSessions, logger)

	o.notifierSvc = notifier.New(o.facade, o.coord, o.ipcSrv, cfg.BLEConnectTimeout, logger)
	o.ipcSrv.SetSweeper(o.notifierSvc)
	o.handlerSvc = handler.New(o.facade, o.coord, o.cache, o.ledger, o.notifierSvc, o.watchdogSvc, cfg.BLEConnectTimeout, cfg.BLERetryCount, cfg.BLERetryInterval, logger)
	o.sched.SetExecutor(o.handlerSvc)

	if cfg.UseTCP {
		if err := o.ipcSrv.ListenTCP(cfg.Host, cfg.Port); err != nil {
			return nil, err
		}
	} else {
		if err := o.ipcSrv.ListenUnix(cfg.Socket); err != nil {
			return nil, err
		}
	}

	return o, nil
}

func newFacade(cfg *config.Config, logger *logrus.Logger) adapter.Facade {
	if runtime.GOOS != "linux" {
		logger.Warn("ble-orchestrator: non-linux host, running against an in-memory fake adapter")
		return adapter.NewFakeFacade()
	}
	return adapter.NewBLEFacade(cfg.ScanAdapter, cfg.ConnectAdapter, logger)
}

// softWatermarkFor derives the serial lane's soft watermark from
// MaxSessions, matching the original's "queue grows with client count"
// intuition without a dedicated environment variable (spec §9 open
// question resolved: watermark = 4x max sessions, never below 8).
func softWatermarkFor(cfg *config.Config) int {
	w := cfg.MaxSessions * 4
	if w < 8 {
		w = 8
	}
	return w
}

// Run starts every component and blocks until ctx is cancelled. All
// components stop on that same ctx; Run returns once the scanner,
// watchdog, scheduler and notifier loops have returned.
func (o *orchestrator) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	groutine.Go(ctx, "orchestrator-scanner", func(ctx context.Context) {
		defer wg.Done()
		o.scannerSvc.Run(ctx)
	})

	wg.Add(1)
	groutine.Go(ctx, "orchestrator-watchdog", func(ctx context.Context) {
		defer wg.Done()
		o.watchdogSvc.Run(ctx)
	})

	wg.Add(1)
	groutine.Go(ctx, "orchestrator-scheduler", func(ctx context.Context) {
		defer wg.Done()
		o.sched.Run(ctx)
	})

	wg.Add(1)
	groutine.Go(ctx, "orchestrator-notifier", func(ctx context.Context) {
		defer wg.Done()
		o.notifierSvc.Run(ctx)
	})

	ipcErr := make(chan error, 1)
	groutine.Go(ctx, "orchestrator-ipc", func(ctx context.Context) {
		ipcErr <- o.ipcSrv.Run(ctx)
	})

	select {
	case <-ctx.Done():
	case err := <-ipcErr:
		if err != nil {
			o.logger.WithError(err).Error("ble-orchestrator: IPC server exited unexpectedly")
		}
	}

	wg.Wait()
	return ctx.Err()
}

// ServiceStatus implements ipc.StatusProvider (spec §6 get_service_status,
// SUPPLEMENTED FEATURES: detailed status payload). adapter_status and
// the flat exclusive_control_enabled field are read directly at the
// top level, matching the original's types.ServiceStatus shape that
// test_exclusive_control.py and test_service.py assert against.
func (o *orchestrator) ServiceStatus() map[string]any {
	stats := o.sched.Stats()
	snapshot := o.coord.Snapshot()

	adapterStatus := "ok"
	if o.ledger.ConsecutiveFailures() > 0 {
		adapterStatus = "degraded"
	}

	status := map[string]any{
		"is_running":            true,
		"uptime_sec":            time.Since(o.startedAt).Seconds(),
		"active_devices":        o.cache.ActiveCount(time.Now()),
		"queue_size":            o.sched.QueueSize(),
		"active_subscriptions":  o.notifierSvc.ActiveSubscriptionCount(),
		"consecutive_failures":  o.ledger.ConsecutiveFailures(),
		"adapter_status":        adapterStatus,
		"exclusive_control_enabled": snapshot.Enabled,
		"coordinator":           snapshot,
		"requests_total":        stats.Total,
		"requests_completed":    stats.Completed,
		"requests_failed":       stats.Failed,
		"requests_timeout":      stats.Timeout,
		"requests_skipped":      stats.Skipped,
		"requests_processing":   stats.Processing,
	}

	if inProgress, step := o.watchdogSvc.RecoveryStatus(); inProgress {
		status["recovery_in_progress"] = true
		status["recovery_step"] = step
	} else {
		status["recovery_in_progress"] = false
	}

	return status
}
