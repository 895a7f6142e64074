package handler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/ble-orchestrator/internal/adapter"
	"github.com/srg/ble-orchestrator/internal/coordinator"
	"github.com/srg/ble-orchestrator/internal/model"
	"github.com/srg/ble-orchestrator/internal/scancache"
)

type fakeWatchdog struct {
	issues []string
}

func (w *fakeWatchdog) NotifyComponentIssue(component, detail string) {
	w.issues = append(w.issues, component+": "+detail)
}

// newTestHandler wires a Handler whose cache already knows about every
// MAC in knownMACs, mirroring a device the Scanner has already observed.
func newTestHandler(facade adapter.Facade, wd WatchdogSink, knownMACs ...string) (*Handler, *coordinator.Coordinator, *model.FailureLedger) {
	coord := coordinator.New(true, 0, nil)
	ledger := model.NewFailureLedger()
	cache := scancache.New(time.Minute, nil)
	for _, mac := range knownMACs {
		cache.Ingest(model.AdvertisementRecord{MAC: mac, ObservedAt: time.Now()})
	}
	h := New(facade, coord, cache, ledger, nil, wd, time.Second, 2, 10*time.Millisecond, nil)
	return h, coord, ledger
}

func TestReadRequestSucceedsAndResetsFailureLedger(t *testing.T) {
	facade := adapter.NewFakeFacade()
	conn := adapter.NewFakeConnection()
	conn.ReadFn = func(ctx context.Context, serviceUUID, charUUID string) ([]byte, error) {
		return []byte{0x01, 0x02}, nil
	}
	facade.SetConnectFunc(func(ctx context.Context, mac string, timeout time.Duration) (adapter.Connection, error) {
		return conn, nil
	})

	h, coord, ledger := newTestHandler(facade, nil, "AA:BB:CC:DD:EE:01")
	ledger.RecordFailure(time.Now())

	req := model.NewRequest(model.KindRead, "r1", time.Now(), model.PriorityNormal, time.Second)
	req.MAC = "AA:BB:CC:DD:EE:01"
	req.ServiceUUID = "180d"
	req.CharUUID = "2a37"

	outcome := h.Execute(context.Background(), req)

	assert.Equal(t, model.StatusCompleted, outcome.Status)
	assert.Equal(t, []byte{0x01, 0x02}, outcome.Data)
	assert.Equal(t, 0, ledger.ConsecutiveFailures())
	assert.Equal(t, coordinator.StateIdle, coord.State(), "handler must close the epoch on every exit path")
}

func TestConnectRetriesThenSucceeds(t *testing.T) {
	facade := adapter.NewFakeFacade()
	attempts := 0
	facade.SetConnectFunc(func(ctx context.Context, mac string, timeout time.Duration) (adapter.Connection, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("connect refused")
		}
		return adapter.NewFakeConnection(), nil
	})

	h, _, ledger := newTestHandler(facade, nil, "AA:BB:CC:DD:EE:02")
	req := model.NewRequest(model.KindRead, "r2", time.Now(), model.PriorityNormal, time.Second)
	req.MAC = "AA:BB:CC:DD:EE:02"

	outcome := h.Execute(context.Background(), req)

	assert.Equal(t, model.StatusCompleted, outcome.Status)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 0, ledger.ConsecutiveFailures())
}

func TestConnectFailsAfterRetriesNotifiesWatchdog(t *testing.T) {
	facade := adapter.NewFakeFacade()
	facade.SetConnectFunc(func(ctx context.Context, mac string, timeout time.Duration) (adapter.Connection, error) {
		return nil, errors.New("no route to device")
	})
	wd := &fakeWatchdog{}

	h, coord, ledger := newTestHandler(facade, wd, "AA:BB:CC:DD:EE:03")
	req := model.NewRequest(model.KindRead, "r3", time.Now(), model.PriorityNormal, time.Second)
	req.MAC = "AA:BB:CC:DD:EE:03"

	outcome := h.Execute(context.Background(), req)

	assert.Equal(t, model.StatusFailed, outcome.Status)
	assert.Equal(t, model.ReasonConnectionFailed, outcome.Reason)
	assert.Equal(t, 1, ledger.ConsecutiveFailures())
	require.Len(t, wd.issues, 1)
	assert.Equal(t, coordinator.StateIdle, coord.State())
}

func TestCancelledContextAbortsWithoutRetry(t *testing.T) {
	facade := adapter.NewFakeFacade()
	attempts := 0
	facade.SetConnectFunc(func(ctx context.Context, mac string, timeout time.Duration) (adapter.Connection, error) {
		attempts++
		return nil, errors.New("unreachable")
	})

	h, _, _ := newTestHandler(facade, nil, "AA:BB:CC:DD:EE:04")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := model.NewRequest(model.KindRead, "r4", time.Now(), model.PriorityNormal, time.Second)
	req.MAC = "AA:BB:CC:DD:EE:04"

	outcome := h.Execute(ctx, req)

	assert.Equal(t, model.StatusFailed, outcome.Status)
	assert.Equal(t, 0, attempts, "a cancelled context must not be retried")
}

func TestReadOfUnknownMACFailsWithoutConnecting(t *testing.T) {
	facade := adapter.NewFakeFacade()
	connectAttempted := false
	facade.SetConnectFunc(func(ctx context.Context, mac string, timeout time.Duration) (adapter.Connection, error) {
		connectAttempted = true
		return adapter.NewFakeConnection(), nil
	})

	h, coord, _ := newTestHandler(facade, nil)
	req := model.NewRequest(model.KindRead, "r6", time.Now(), model.PriorityNormal, time.Second)
	req.MAC = "AA:BB:CC:DD:EE:06"

	outcome := h.Execute(context.Background(), req)

	assert.Equal(t, model.StatusFailed, outcome.Status)
	assert.Equal(t, model.ReasonDeviceNotFound, outcome.Reason)
	assert.False(t, connectAttempted, "an unseen MAC must fail before ever opening a connection")
	assert.Equal(t, coordinator.StateIdle, coord.State(), "the coordinator epoch must never open for an unresolved MAC")
}

func TestWriteWithoutResponseRequiredSkipsReadback(t *testing.T) {
	facade := adapter.NewFakeFacade()
	conn := adapter.NewFakeConnection()
	readCalled := false
	conn.ReadFn = func(ctx context.Context, serviceUUID, charUUID string) ([]byte, error) {
		readCalled = true
		return nil, nil
	}
	facade.SetConnectFunc(func(ctx context.Context, mac string, timeout time.Duration) (adapter.Connection, error) {
		return conn, nil
	})

	h, _, _ := newTestHandler(facade, nil, "AA:BB:CC:DD:EE:05")
	req := model.NewRequest(model.KindWrite, "r5", time.Now(), model.PriorityNormal, time.Second)
	req.MAC = "AA:BB:CC:DD:EE:05"
	req.WritePayload = []byte{0xAA}
	req.ResponseRequired = false

	outcome := h.Execute(context.Background(), req)

	assert.Equal(t, model.StatusCompleted, outcome.Status)
	assert.False(t, readCalled)
}
