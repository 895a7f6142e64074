// Package scanner implements the Scanner (spec §4.2, component D): a
// background task that continuously drives the adapter in scan mode,
// pausing on the Coordinator's signal and rebuilding itself on stall.
// The event-channel and hashmap-backed device-tracking idiom is carried
// over from the teacher's scanner/scanner.go, generalized to push
// observations into the Scan Cache instead of a local device map.
package scanner

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/ble-orchestrator/internal/adapter"
	"github.com/srg/ble-orchestrator/internal/coordinator"
	"github.com/srg/ble-orchestrator/internal/groutine"
	"github.com/srg/ble-orchestrator/internal/model"
	"github.com/srg/ble-orchestrator/internal/scancache"
)

const (
	tickPeriod          = 500 * time.Millisecond
	stallIngestTimeout  = 90 * time.Second
	minRecreateInterval = 180 * time.Second

	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
)

// IssueReporter is the narrow view of the Watchdog the Scanner needs:
// report a named issue without depending on the full Watchdog type
// (avoids a scanner<->watchdog import cycle, since the Watchdog drives
// the Scanner back via the ScannerController interface it defines).
type IssueReporter interface {
	NotifyComponentIssue(component, detail string)
}

// Scanner drives adapter.Facade.ScanStart/ScanStop, feeding observed
// advertisements into the Scan Cache and yielding to the Coordinator
// when a client wants exclusive access.
type Scanner struct {
	facade      adapter.Facade
	cache       *scancache.ScanCache
	coordinator *coordinator.Coordinator
	watchdog    IssueReporter
	logger      *logrus.Logger

	ctx context.Context

	mu              sync.Mutex
	lastIngestAt    time.Time
	lastRecreatedAt time.Time
	paused          bool
}

func New(facade adapter.Facade, cache *scancache.ScanCache, coord *coordinator.Coordinator, wd IssueReporter, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		facade:      facade,
		cache:       cache,
		coordinator: coord,
		watchdog:    wd,
		logger:      logger,
	}
}

// Run drives the scan/pause/resume/stall-detection loop until ctx is
// cancelled. It is launched via groutine.Go by the service wiring.
func (s *Scanner) Run(ctx context.Context) {
	s.ctx = ctx
	s.mu.Lock()
	s.lastRecreatedAt = time.Now()
	s.mu.Unlock()
	s.startScanWithBackoff(ctx)

	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = s.facade.ScanStop()
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scanner) tick(ctx context.Context) {
	if s.isPaused() {
		return
	}

	if s.coordinator.Enabled() && s.coordinatorWantsStop() {
		s.handlePauseRequest(ctx)
		return
	}

	if s.stalled() {
		s.logger.Warn("scanner: stall detected, recreating underlying scan")
		s.watchdog.NotifyComponentIssue("scanner", "scan stalled: no advertisements ingested in over 90s")
		s.recreate(ctx)
	}
}

// coordinatorWantsStop reports whether the Coordinator has an open
// epoch that the Scanner has not yet acknowledged with SignalStopped.
func (s *Scanner) coordinatorWantsStop() bool {
	return s.coordinator.State() == coordinator.StateStopRequested
}

func (s *Scanner) handlePauseRequest(ctx context.Context) {
	_ = s.facade.ScanStop()
	s.coordinator.SignalStopped()
	s.coordinator.WaitForDone()
	s.startScanWithBackoff(ctx)
}

func (s *Scanner) stalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastIngestAt.IsZero() {
		return false
	}
	return time.Since(s.lastIngestAt) > stallIngestTimeout &&
		time.Since(s.lastRecreatedAt) > minRecreateInterval
}

func (s *Scanner) recreate(ctx context.Context) {
	_ = s.facade.ScanStop()
	s.mu.Lock()
	s.lastRecreatedAt = time.Now()
	s.mu.Unlock()
	s.startScanWithBackoff(ctx)
}

// Pause stops the underlying scan without tearing down the Run loop;
// used by the Watchdog while an adapter reset is in flight (spec §4.6
// "Scanner is paused during resets"). The tick loop skips all work
// while paused.
func (s *Scanner) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	_ = s.facade.ScanStop()
}

// RecreateNow unpauses and forces an immediate scan restart, used by
// the Watchdog after a reset step completes (spec §4.6 "it recreates
// the Scanner").
func (s *Scanner) RecreateNow() {
	s.mu.Lock()
	s.paused = false
	s.lastRecreatedAt = time.Now()
	s.mu.Unlock()
	if s.ctx != nil {
		s.startScanWithBackoff(s.ctx)
	}
}

func (s *Scanner) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// startScanWithBackoff launches ScanStart in its own goroutine,
// retrying transient start failures with exponential backoff
// (1s -> 2s -> 4s, capped at 30s) and escalating to the Watchdog on
// repeated failure, from the second consecutive failure on (spec §4.2
// failure semantics).
func (s *Scanner) startScanWithBackoff(ctx context.Context) {
	groutine.Go(ctx, "scanner-loop", func(ctx context.Context) {
		backoff := backoffInitial
		for {
			if ctx.Err() != nil || s.isPaused() {
				return
			}
			err := s.facade.ScanStart(ctx, true, s.handleAdvertisement)
			if err == nil || ctx.Err() != nil {
				return
			}

			s.logger.WithError(err).WithField("backoff", backoff).Warn("scanner: scan-start failed, retrying")
			if backoff > backoffInitial {
				s.watchdog.NotifyComponentIssue("scanner", "scan-start failed: "+err.Error())
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}

			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
		}
	})
}

func (s *Scanner) handleAdvertisement(adv adapter.Advertisement) {
	now := time.Now()
	s.mu.Lock()
	s.lastIngestAt = now
	s.mu.Unlock()

	s.cache.Ingest(model.AdvertisementRecord{
		MAC:              model.CanonicalMAC(adv.MAC),
		LocalName:        adv.LocalName,
		RSSI:             adv.RSSI,
		Payload:          adv.Payload,
		ManufacturerData: adv.ManufacturerData,
		ObservedAt:       now,
	})
}
