// Package coordinator implements the exclusive-control handoff between
// the Scanner and the Request Handler (spec §4.3, component C): the
// state the original kept as module-scope flags and events is re-owned
// here as a single value threaded into both components by construction
// (spec §9 "global mutable state -> owned coordinator object").
package coordinator

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State names the three-state machine IDLE -> STOP_REQUESTED ->
// CLIENT_ACTIVE -> IDLE.
type State int

const (
	StateIdle State = iota
	StateStopRequested
	StateClientActive
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStopRequested:
		return "STOP_REQUESTED"
	case StateClientActive:
		return "CLIENT_ACTIVE"
	default:
		return "UNKNOWN"
	}
}

const (
	handlerWaitTimeout          = 10 * time.Second
	scannerWaitTimeout          = 60 * time.Second
	defaultDeadlockProbeTimeout = 90 * time.Second
)

// Coordinator mediates Scanner-vs-Handler access to the shared adapter.
// Handler-side callers call RequestPause then NotifyDone; the Scanner
// calls WaitForStop, SignalStopped, and WaitForDone in its tick loop.
// When Enabled is false every operation is a no-op and the Scanner runs
// unmodified (spec §4.3 "disabled-mode").
type Coordinator struct {
	logger  *logrus.Logger
	enabled bool

	mu    sync.Mutex
	state State

	scannerStopping  bool
	clientConnecting bool
	scanReady        bool
	scanStopped      chan struct{}
	clientCompleted  chan struct{}

	epochStartAt        time.Time
	deadlockProbeTimeout time.Duration
}

// New builds a Coordinator. deadlockProbeTimeout bounds how long a
// single handler/scanner handoff epoch may run before ProbeDeadlock
// reports it stuck; a value <= 0 falls back to defaultDeadlockProbeTimeout.
func New(enabled bool, deadlockProbeTimeout time.Duration, logger *logrus.Logger) *Coordinator {
	if logger == nil {
		logger = logrus.New()
	}
	if deadlockProbeTimeout <= 0 {
		deadlockProbeTimeout = defaultDeadlockProbeTimeout
	}
	c := &Coordinator{
		logger:               logger,
		enabled:              enabled,
		state:                StateIdle,
		scanReady:            true,
		deadlockProbeTimeout: deadlockProbeTimeout,
	}
	return c
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Enabled() bool {
	return c.enabled
}

// RequestPause opens a new epoch if one isn't already open, idempotent
// within the epoch (spec §4.3 contract 1). Returns the channel the
// caller should wait on for the Scanner's scan_stopped signal.
func (c *Coordinator) RequestPause() <-chan struct{} {
	if !c.enabled {
		closed := make(chan struct{})
		close(closed)
		return closed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		// Already mid-epoch; funnel concurrent callers onto the same
		// scan_stopped signal rather than starting a second one.
		return c.scanStopped
	}

	c.state = StateStopRequested
	c.scannerStopping = true
	c.clientConnecting = true
	c.scanReady = false
	c.scanStopped = make(chan struct{})
	c.clientCompleted = make(chan struct{})
	c.epochStartAt = time.Now()

	c.logger.WithField("epoch_start", c.epochStartAt).Debug("coordinator: epoch opened")
	return c.scanStopped
}

// WaitForStop blocks the Handler up to 10s for the Scanner's
// scan_stopped signal. Elapsing is logged as a warning and the Handler
// proceeds anyway - exclusive control is advisory, not a correctness
// gate (spec §4.3 contract 2).
func (c *Coordinator) WaitForStop(stopped <-chan struct{}) {
	if !c.enabled {
		return
	}
	select {
	case <-stopped:
	case <-time.After(handlerWaitTimeout):
		c.logger.Warn("coordinator: timed out waiting for scanner to stop, proceeding anyway")
	}
}

// SignalStopped is called by the Scanner once it has actually stopped
// scanning, transitioning STOP_REQUESTED -> CLIENT_ACTIVE.
func (c *Coordinator) SignalStopped() {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStopRequested {
		return
	}
	c.state = StateClientActive
	close(c.scanStopped)
}

// WaitForDone blocks the Scanner up to 60s for the Handler's
// client_completed signal. Elapsing forces the Scanner to resume and
// leaves the epoch open for the Watchdog's deadlock probe (spec §4.3
// contract 3).
func (c *Coordinator) WaitForDone() {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	done := c.clientCompleted
	c.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(scannerWaitTimeout):
		c.logger.Warn("coordinator: timed out waiting for client completion, resuming scanner")
	}
}

// NotifyDone closes the current epoch: sets client_completed, clears
// the flags, and sets scan_ready, returning the Coordinator to IDLE
// (spec §4.3 state table, row CLIENT_ACTIVE).
func (c *Coordinator) NotifyDone() {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle {
		return
	}
	c.state = StateIdle
	c.scannerStopping = false
	c.clientConnecting = false
	c.scanReady = true
	c.epochStartAt = time.Time{}
	if c.clientCompleted != nil {
		select {
		case <-c.clientCompleted:
		default:
			close(c.clientCompleted)
		}
	}
}

// ProbeDeadlock reports whether the current epoch (if any) has been
// open for longer than the deadlock-probe timeout (spec §4.3 contract 4).
func (c *Coordinator) ProbeDeadlock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateIdle || c.epochStartAt.IsZero() {
		return false
	}
	return time.Since(c.epochStartAt) > c.deadlockProbeTimeout
}

// ForceReset clears all flags and sets both terminal events, returning
// the Coordinator to IDLE unconditionally. It is a Watchdog recovery
// action, not a routine one - callers must log it at error level.
func (c *Coordinator) ForceReset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Error("coordinator: force reset invoked, epoch discarded")

	c.state = StateIdle
	c.scannerStopping = false
	c.clientConnecting = false
	c.scanReady = true
	c.epochStartAt = time.Time{}

	if c.scanStopped != nil {
		select {
		case <-c.scanStopped:
		default:
			close(c.scanStopped)
		}
	}
	if c.clientCompleted != nil {
		select {
		case <-c.clientCompleted:
		default:
			close(c.clientCompleted)
		}
	}
}

// Snapshot is a read-only view of the coordinator's state for status
// reporting (SUPPLEMENTED FEATURES: service status detail).
type Snapshot struct {
	Enabled          bool
	State            string
	ScannerStopping  bool
	ClientConnecting bool
	ScanReady        bool
	EpochAgeSec      float64
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	age := 0.0
	if !c.epochStartAt.IsZero() {
		age = time.Since(c.epochStartAt).Seconds()
	}
	return Snapshot{
		Enabled:          c.enabled,
		State:            c.state.String(),
		ScannerStopping:  c.scannerStopping,
		ClientConnecting: c.clientConnecting,
		ScanReady:        c.scanReady,
		EpochAgeSec:      age,
	}
}
