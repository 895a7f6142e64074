package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHappyPathEpoch(t *testing.T) {
	c := New(true, 0, nil)
	assert.Equal(t, StateIdle, c.State())

	stopped := c.RequestPause()
	assert.Equal(t, StateStopRequested, c.State())

	done := make(chan struct{})
	go func() {
		c.WaitForStop(stopped)
		close(done)
	}()

	c.SignalStopped()
	assert.Equal(t, StateClientActive, c.State())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never observed scan_stopped")
	}

	c.NotifyDone()
	assert.Equal(t, StateIdle, c.State())
	snap := c.Snapshot()
	assert.True(t, snap.ScanReady)
	assert.False(t, snap.ClientConnecting)
}

func TestRequestPauseIsIdempotentWithinEpoch(t *testing.T) {
	c := New(true, 0, nil)
	s1 := c.RequestPause()
	s2 := c.RequestPause()
	assert.Equal(t, s1, s2, "second RequestPause within the same epoch must return the same signal")
}

func TestDisabledCoordinatorIsNoOp(t *testing.T) {
	c := New(false, 0, nil)
	stopped := c.RequestPause()
	select {
	case <-stopped:
	default:
		t.Fatal("disabled coordinator must hand back an already-closed channel")
	}
	assert.Equal(t, StateIdle, c.State())
	c.NotifyDone()
	assert.False(t, c.ProbeDeadlock())
}

func TestProbeDeadlockAndForceReset(t *testing.T) {
	c := New(true, 0, nil)
	c.RequestPause()
	c.mu.Lock()
	c.epochStartAt = time.Now().Add(-91 * time.Second)
	c.mu.Unlock()

	require.True(t, c.ProbeDeadlock())
	c.ForceReset()
	assert.Equal(t, StateIdle, c.State())
	assert.False(t, c.ProbeDeadlock())
}

func TestWaitForStopTimesOutAndLogsWarning(t *testing.T) {
	c := New(true, 0, nil)
	neverClosed := make(chan struct{})

	start := time.Now()
	done := make(chan struct{})
	go func() {
		c.WaitForStop(neverClosed)
		close(done)
	}()

	select {
	case <-done:
		elapsed := time.Since(start)
		assert.GreaterOrEqual(t, elapsed, 9*time.Second)
	case <-time.After(11 * time.Second):
		t.Fatal("WaitForStop did not return within its bounded timeout")
	}
}
