// Package scheduler implements the Priority Scheduler (spec §4.4,
// component E): two execution lanes, a priority/insertion-order serial
// queue for connect-based requests and a fixed parallel pool for cache
// lookups. Per-priority FIFO ordering is kept with
// wk8/go-ordered-map/v2, the same ordered-map the teacher's Lua API
// suite uses to preserve insertion order (internal/lua/lua_api_suite.go).
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/sirupsen/logrus"

	"github.com/srg/ble-orchestrator/internal/groutine"
	"github.com/srg/ble-orchestrator/internal/model"
	"github.com/srg/ble-orchestrator/internal/scancache"
)

const (
	parallelDeadline = 5 * time.Second
	deadlineSlack    = 1 * time.Second
)

// Outcome is the result of one Execute call. The Scheduler - not the
// executor - calls req.Complete, so that a request ending up both
// TIMEOUT (scheduler's deadline watchdog) and, moments later, COMPLETED
// (the executor's goroutine finishing late) can never race on the same
// Request (spec §8 invariant 1, "terminal states are never mutated").
type Outcome struct {
	Status model.Status
	Reason model.Reason
	ErrMsg string
	Data   []byte
}

// SerialExecutor performs one Read/Write/Subscribe/Unsubscribe request
// and reports its Outcome without itself calling req.Complete.
// Implementations must honor ctx's deadline for best-effort cancellation
// (spec §4.4, §9 "ambient task cancellation -> explicit deadlines").
type SerialExecutor interface {
	Execute(ctx context.Context, req *model.Request) Outcome
}

// Stats mirrors the original's queue_manager._stats counters
// (SUPPLEMENTED FEATURES: queue status introspection).
type Stats struct {
	Total      int64
	Completed  int64
	Failed     int64
	Timeout    int64
	Skipped    int64
	Processing int64
}

// Scheduler owns the serial and parallel lanes (spec §4.4, §5).
type Scheduler struct {
	logger   *logrus.Logger
	executor SerialExecutor
	cache    *scancache.ScanCache

	maxAge          time.Duration
	skipOldRequests atomic.Bool
	softWatermark   int
	parallelWorkers int

	serialMu     sync.Mutex
	serialQueues [3]*orderedmap.OrderedMap[string, *model.Request]
	serialSize   int
	wake         chan struct{}

	parallelQueue chan *model.Request

	statsMu sync.Mutex
	stats   Stats

	activeMu sync.Mutex
	active   map[string]*model.Request
}

func New(executor SerialExecutor, cache *scancache.ScanCache, maxAge time.Duration, skipOldRequests bool, softWatermark, parallelWorkers int, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}
	if parallelWorkers <= 0 {
		parallelWorkers = 3
	}

	s := &Scheduler{
		logger:          logger,
		executor:        executor,
		cache:           cache,
		maxAge:          maxAge,
		softWatermark:   softWatermark,
		parallelWorkers: parallelWorkers,
		wake:            make(chan struct{}, 1),
		parallelQueue:   make(chan *model.Request, 256),
		active:          make(map[string]*model.Request),
	}
	s.skipOldRequests.Store(skipOldRequests)
	for i := range s.serialQueues {
		s.serialQueues[i] = orderedmap.New[string, *model.Request]()
	}
	return s
}

// SetSkipOldRequests toggles the age-skip policy at runtime
// (SUPPLEMENTED FEATURES: queue config introspection).
func (s *Scheduler) SetSkipOldRequests(enabled bool) {
	s.skipOldRequests.Store(enabled)
}

func (s *Scheduler) SkipOldRequests() bool {
	return s.skipOldRequests.Load()
}

// Run launches the single serial-lane worker and the fixed parallel
// pool; blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	groutine.Go(ctx, "scheduler-serial", func(ctx context.Context) {
		defer wg.Done()
		s.serialLoop(ctx)
	})

	for i := 0; i < s.parallelWorkers; i++ {
		wg.Add(1)
		groutine.Go(ctx, "scheduler-parallel", func(ctx context.Context) {
			defer wg.Done()
			s.parallelLoop(ctx)
		})
	}

	wg.Wait()
}

// Enqueue admits a request into the appropriate lane (spec §4.4, §5
// backpressure). LOW-priority serial requests are rejected with
// QueueFull once the number of waiting serial requests has reached the
// soft watermark; HIGH/NORMAL always
// admitted. CacheLookup requests go straight to the parallel queue.
func (s *Scheduler) Enqueue(req *model.Request) error {
	s.statsMu.Lock()
	s.stats.Total++
	s.statsMu.Unlock()

	if req.Kind == model.KindCacheLookup {
		select {
		case s.parallelQueue <- req:
			s.trackActive(req)
			return nil
		default:
			req.Complete(model.StatusFailed, model.ReasonQueueFull, "parallel lane saturated", nil)
			return nil
		}
	}

	s.serialMu.Lock()
	if s.softWatermark > 0 && s.serialSize >= s.softWatermark && req.Priority == model.PriorityLow {
		s.serialMu.Unlock()
		req.Complete(model.StatusFailed, model.ReasonQueueFull, "serial lane at capacity", nil)
		return nil
	}
	s.serialQueues[req.Priority].Set(req.RequestID, req)
	s.serialSize++
	s.serialMu.Unlock()

	s.trackActive(req)

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *Scheduler) trackActive(req *model.Request) {
	s.activeMu.Lock()
	s.active[req.RequestID] = req
	s.activeMu.Unlock()
}

func (s *Scheduler) untrackActive(req *model.Request) {
	s.activeMu.Lock()
	delete(s.active, req.RequestID)
	s.activeMu.Unlock()
}

// ActiveRequests returns a snapshot of every non-terminal request for
// status reporting (SUPPLEMENTED FEATURES: get_queue_status).
func (s *Scheduler) ActiveRequests() []*model.Request {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	out := make([]*model.Request, 0, len(s.active))
	for _, r := range s.active {
		out = append(out, r)
	}
	return out
}

func (s *Scheduler) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// SetExecutor binds the serial-lane executor after construction, for
// callers whose executor itself depends on the scheduler (e.g. an IPC
// notification dispatcher that needs to exist before the handler does).
func (s *Scheduler) SetExecutor(executor SerialExecutor) {
	s.serialMu.Lock()
	defer s.serialMu.Unlock()
	s.executor = executor
}

func (s *Scheduler) QueueSize() int {
	s.serialMu.Lock()
	defer s.serialMu.Unlock()
	return s.serialSize
}

// serialLoop implements the one-worker serial lane: priority order
// first, FIFO within a priority (spec §4.4 ordering guarantee).
func (s *Scheduler) serialLoop(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-ticker.C:
		}

		for {
			req := s.dequeueSerial()
			if req == nil {
				break
			}
			s.runSerial(ctx, req)
		}
	}
}

func (s *Scheduler) dequeueSerial() *model.Request {
	s.serialMu.Lock()
	defer s.serialMu.Unlock()

	for p := model.PriorityHigh; p <= model.PriorityLow; p++ {
		q := s.serialQueues[p]
		pair := q.Oldest()
		if pair == nil {
			continue
		}
		q.Delete(pair.Key)
		s.serialSize--
		return pair.Value
	}
	return nil
}

func (s *Scheduler) runSerial(ctx context.Context, req *model.Request) {
	defer s.untrackActive(req)

	now := time.Now()
	if s.skipOldRequests.Load() && req.Age(now) > s.maxAge {
		req.Complete(model.StatusFailed, model.ReasonSkippedDueToAge, "request exceeded max age before dispatch", nil)
		s.statsMu.Lock()
		s.stats.Skipped++
		s.statsMu.Unlock()
		return
	}

	req.Status = model.StatusProcessing
	s.statsMu.Lock()
	s.stats.Processing++
	s.statsMu.Unlock()

	deadline := req.Deadline()
	opCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	outcomes := make(chan Outcome, 1)
	go func() {
		outcomes <- s.executor.Execute(opCtx, req)
	}()

	select {
	case o := <-outcomes:
		req.Complete(o.Status, o.Reason, o.ErrMsg, o.Data)
	case <-time.After(time.Until(deadline) + deadlineSlack):
		req.Complete(model.StatusTimeout, model.ReasonTimeout, "request deadline exceeded", nil)
	}

	s.statsMu.Lock()
	s.stats.Processing--
	switch req.Status {
	case model.StatusCompleted:
		s.stats.Completed++
	case model.StatusFailed:
		s.stats.Failed++
	case model.StatusTimeout:
		s.stats.Timeout++
	}
	s.statsMu.Unlock()
}

func (s *Scheduler) parallelLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.parallelQueue:
			s.runCacheLookup(req)
		}
	}
}

func (s *Scheduler) runCacheLookup(req *model.Request) {
	defer s.untrackActive(req)

	req.Status = model.StatusProcessing
	s.statsMu.Lock()
	s.stats.Processing++
	s.statsMu.Unlock()

	if req.Age(time.Now()) > parallelDeadline {
		req.Complete(model.StatusTimeout, model.ReasonTimeout, "cache lookup exceeded parallel-lane deadline", nil)
	} else if rec, ok := s.cache.Lookup(req.MAC, time.Now()); ok {
		req.CacheResult = &rec
		req.Complete(model.StatusCompleted, "", "", nil)
	} else {
		req.Complete(model.StatusFailed, model.ReasonDeviceNotFound, "device not present in scan cache", nil)
	}

	s.statsMu.Lock()
	s.stats.Processing--
	switch req.Status {
	case model.StatusCompleted:
		s.stats.Completed++
	case model.StatusFailed:
		s.stats.Failed++
	case model.StatusTimeout:
		s.stats.Timeout++
	}
	s.statsMu.Unlock()
}
