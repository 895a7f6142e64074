package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/ble-orchestrator/internal/adapter"
	"github.com/srg/ble-orchestrator/internal/coordinator"
	"github.com/srg/ble-orchestrator/internal/model"
)

type fakeScanner struct {
	paused    bool
	recreated int
}

func (s *fakeScanner) Pause()       { s.paused = true }
func (s *fakeScanner) RecreateNow() { s.recreated++; s.paused = false }

func TestNoRecoveryBelowThreshold(t *testing.T) {
	facade := adapter.NewFakeFacade()
	coord := coordinator.New(true, 0, nil)
	ledger := model.NewFailureLedger()

	w := New(facade, coord, ledger, time.Hour, 3, time.Minute, nil)
	ctx := context.Background()
	w.check(ctx)

	assert.Empty(t, facade.ResetCalls)
}

func TestLightweightResetOnThresholdBreach(t *testing.T) {
	facade := adapter.NewFakeFacade()
	coord := coordinator.New(true, 0, nil)
	ledger := model.NewFailureLedger()
	fs := &fakeScanner{}

	w := New(facade, coord, ledger, time.Hour, 3, time.Millisecond, nil)
	w.SetScanner(fs)

	now := time.Now()
	ledger.RecordFailure(now)
	ledger.RecordFailure(now)
	ledger.RecordFailure(now)

	w.check(context.Background())

	require.Len(t, facade.ResetCalls, 1)
	assert.Equal(t, adapter.ResetLightweight, facade.ResetCalls[0])
	assert.Equal(t, 1, fs.recreated)
	// A bare lightweight reset never touches the ledger - only a real
	// connect success (Handler) or a stack restart clears it.
	assert.Equal(t, 3, ledger.ConsecutiveFailures())
}

func TestRecoveryLadderEscalatesWhileFailuresStayElevated(t *testing.T) {
	facade := adapter.NewFakeFacade()
	coord := coordinator.New(true, 0, nil)
	ledger := model.NewFailureLedger()
	fs := &fakeScanner{}

	w := New(facade, coord, ledger, time.Hour, 3, time.Millisecond, nil)
	w.SetScanner(fs)

	now := time.Now()
	for i := 0; i < 3; i++ {
		ledger.RecordFailure(now)
	}

	w.check(context.Background())
	require.Len(t, facade.ResetCalls, 1)
	assert.Equal(t, adapter.ResetLightweight, facade.ResetCalls[0])

	// Failures are still at threshold (nothing reset the ledger), so
	// the next check must climb to the next rung instead of repeating
	// lightweight.
	w.check(context.Background())
	require.Len(t, facade.ResetCalls, 2)
	assert.Equal(t, adapter.ResetFull, facade.ResetCalls[1])

	w.check(context.Background())
	require.Len(t, facade.ResetCalls, 3)
	assert.Equal(t, adapter.ResetStackRestart, facade.ResetCalls[2])

	// Stack restart is the one step that clears the counter.
	assert.Equal(t, 0, ledger.ConsecutiveFailures())
}

func TestPrivilegeDeniedDegradesToWarningAndRespectsCooldown(t *testing.T) {
	facade := adapter.NewFakeFacade()
	facade.SetResetFunc(func(level adapter.ResetLevel) error {
		return adapter.ErrPrivilegeDenied
	})
	coord := coordinator.New(true, 0, nil)
	ledger := model.NewFailureLedger()

	w := New(facade, coord, ledger, time.Hour, 3, time.Hour, nil)

	now := time.Now()
	for i := 0; i < 3; i++ {
		ledger.RecordFailure(now)
	}

	w.check(context.Background())
	require.Len(t, facade.ResetCalls, 1)

	// Within cooldown, a second check must not run any step, neither
	// the denied one again nor the next rung.
	ledger.RecordFailure(now)
	w.check(context.Background())
	assert.Len(t, facade.ResetCalls, 1)
}

func TestNotifyComponentIssueWakesLoop(t *testing.T) {
	facade := adapter.NewFakeFacade()
	coord := coordinator.New(true, 0, nil)
	ledger := model.NewFailureLedger()

	w := New(facade, coord, ledger, time.Hour, 3, time.Millisecond, nil)
	w.NotifyComponentIssue("scanner", "test stall")

	select {
	case <-w.wake:
	default:
		t.Fatal("expected wake channel to be signalled")
	}
}

func TestAwaitRecoveryCompletionReturnsImmediatelyWhenIdle(t *testing.T) {
	facade := adapter.NewFakeFacade()
	coord := coordinator.New(true, 0, nil)
	ledger := model.NewFailureLedger()
	w := New(facade, coord, ledger, time.Hour, 3, time.Millisecond, nil)

	assert.True(t, w.AwaitRecoveryCompletion(10*time.Millisecond))
}
