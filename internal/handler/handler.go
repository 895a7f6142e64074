// Package handler implements the Request Handler (spec §4.5, component
// F): the single-operation-at-a-time executor behind the serial
// scheduler lane. Grounded on the original's BLERequestHandler
// (ble_orchestrator/orchestrator/handler.py) for the connect-retry loop
// and consecutive-failure bookkeeping, and on the teacher's
// internal/device connect/error idiom for how a connection attempt is
// wrapped and logged.
package handler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/ble-orchestrator/internal/adapter"
	"github.com/srg/ble-orchestrator/internal/coordinator"
	"github.com/srg/ble-orchestrator/internal/model"
	"github.com/srg/ble-orchestrator/internal/scancache"
	"github.com/srg/ble-orchestrator/internal/scheduler"
)

// NotifySink is the narrow slice of the Notification Manager the
// Handler needs to dispatch Subscribe/Unsubscribe requests, defined
// here rather than imported concretely so internal/handler and
// internal/notifier never need to see each other's package (spec §9
// "global mutable state -> owned coordinator object" applies equally
// to avoiding import cycles between sibling components).
type NotifySink interface {
	Subscribe(ctx context.Context, req *model.Request) scheduler.Outcome
	Unsubscribe(ctx context.Context, req *model.Request) scheduler.Outcome
}

// WatchdogSink is the failure-signalling half of the Watchdog the
// Handler depends on.
type WatchdogSink interface {
	NotifyComponentIssue(component, detail string)
}

// Handler implements scheduler.SerialExecutor against the connect-side
// adapter. One Handler instance serves the whole serial lane; the
// scheduler never calls Execute concurrently with itself, so the only
// concurrency Handler needs to guard is access shared with the
// Notification Manager's own connect attempts, which it does not share -
// each keeps its own adapter connection.
type Handler struct {
	logger      *logrus.Logger
	facade      adapter.Facade
	coordinator *coordinator.Coordinator
	cache       *scancache.ScanCache
	ledger      *model.FailureLedger
	notify      NotifySink
	watchdog    WatchdogSink

	connectTimeout time.Duration
	retryCount     int
	retryInterval  time.Duration

	mu sync.Mutex
}

func New(facade adapter.Facade, coord *coordinator.Coordinator, cache *scancache.ScanCache, ledger *model.FailureLedger, notify NotifySink, watchdog WatchdogSink, connectTimeout time.Duration, retryCount int, retryInterval time.Duration, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	if retryCount <= 0 {
		retryCount = 2
	}
	return &Handler{
		logger:         logger,
		facade:         facade,
		coordinator:    coord,
		cache:          cache,
		ledger:         ledger,
		notify:         notify,
		watchdog:       watchdog,
		connectTimeout: connectTimeout,
		retryCount:     retryCount,
		retryInterval:  retryInterval,
	}
}

// Execute dispatches by Kind, resolving Read/Write's mac against the
// Scan Cache before ever touching the Coordinator or connecting (spec
// §4.5 step 1: an unseen MAC fails immediately with DeviceNotFound,
// the way the original's _get_device guard does in handler.py), and
// guarantees the Coordinator epoch it opens is always closed, on every
// exit path (spec §4.3 contract, "NotifyDone guaranteed on every exit").
func (h *Handler) Execute(ctx context.Context, req *model.Request) scheduler.Outcome {
	if req.Kind == model.KindSubscribe {
		return h.notify.Subscribe(ctx, req)
	}
	if req.Kind == model.KindUnsubscribe {
		return h.notify.Unsubscribe(ctx, req)
	}

	if _, ok := h.cache.Lookup(req.MAC, time.Now()); !ok {
		return scheduler.Outcome{
			Status: model.StatusFailed,
			Reason: model.ReasonDeviceNotFound,
			ErrMsg: "device " + req.MAC + " not in scan cache",
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	stopped := h.coordinator.RequestPause()
	h.coordinator.WaitForStop(stopped)
	defer h.coordinator.NotifyDone()

	conn, err := h.connectWithRetry(ctx, req.MAC)
	if err != nil {
		h.recordFailure()
		// Exhausted connect retries are always ConnectionFailed on the
		// wire (spec §4.5/§7), regardless of what the adapter's
		// underlying error looks like.
		return scheduler.Outcome{
			Status: model.StatusFailed,
			Reason: model.ReasonConnectionFailed,
			ErrMsg: err.Error(),
		}
	}
	defer conn.Disconnect()

	h.ledger.RecordSuccess()

	switch req.Kind {
	case model.KindRead:
		return h.doRead(ctx, conn, req)
	case model.KindWrite:
		return h.doWrite(ctx, conn, req)
	default:
		return scheduler.Outcome{
			Status: model.StatusFailed,
			Reason: model.ReasonInvalidRequest,
			ErrMsg: "handler: unsupported request kind",
		}
	}
}

func (h *Handler) doRead(ctx context.Context, conn adapter.Connection, req *model.Request) scheduler.Outcome {
	value, err := conn.Read(ctx, req.ServiceUUID, req.CharUUID)
	if err != nil {
		return scheduler.Outcome{Status: model.StatusFailed, Reason: model.ReasonOperationFailed, ErrMsg: err.Error()}
	}
	h.logger.WithFields(logrus.Fields{"mac": req.MAC, "char": req.CharUUID}).Debug("handler: read completed")
	return scheduler.Outcome{Status: model.StatusCompleted, Data: value}
}

func (h *Handler) doWrite(ctx context.Context, conn adapter.Connection, req *model.Request) scheduler.Outcome {
	if err := conn.Write(ctx, req.ServiceUUID, req.CharUUID, req.WritePayload, req.ResponseRequired); err != nil {
		return scheduler.Outcome{Status: model.StatusFailed, Reason: model.ReasonOperationFailed, ErrMsg: err.Error()}
	}

	if !req.ResponseRequired {
		return scheduler.Outcome{Status: model.StatusCompleted}
	}

	value, err := conn.Read(ctx, req.ServiceUUID, req.CharUUID)
	if err != nil {
		return scheduler.Outcome{Status: model.StatusFailed, Reason: model.ReasonOperationFailed, ErrMsg: err.Error()}
	}
	h.logger.WithFields(logrus.Fields{"mac": req.MAC, "char": req.CharUUID}).Debug("handler: write completed")
	return scheduler.Outcome{Status: model.StatusCompleted, Data: value}
}

// connectWithRetry mirrors the original's per-request retry loop
// (BLE_RETRY_COUNT attempts, BLE_RETRY_INTERVAL_SEC apart), but aborts
// immediately without sleeping once ctx is past its deadline - a
// TIMEOUT must not retry (spec §4.5 "cancellation-on-TIMEOUT").
func (h *Handler) connectWithRetry(ctx context.Context, mac string) (adapter.Connection, error) {
	var lastErr error
	for attempt := 1; attempt <= h.retryCount; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		conn, err := h.facade.Connect(ctx, mac, h.connectTimeout)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		h.logger.WithFields(logrus.Fields{"mac": mac, "attempt": attempt}).Warn("handler: connect attempt failed")

		if attempt < h.retryCount {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(h.retryInterval):
			}
		}
	}
	return nil, lastErr
}

func (h *Handler) recordFailure() {
	n := h.ledger.RecordFailure(time.Now())
	h.logger.WithField("consecutive_failures", n).Warn("handler: connect failed after retries")
	if h.watchdog != nil {
		h.watchdog.NotifyComponentIssue("handler", "connect failed after retries")
	}
}
