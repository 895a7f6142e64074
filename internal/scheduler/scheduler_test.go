package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/ble-orchestrator/internal/model"
	"github.com/srg/ble-orchestrator/internal/scancache"
)

type recordingExecutor struct {
	mu    sync.Mutex
	order []string
	delay time.Duration
	hang  bool
}

func (e *recordingExecutor) Execute(ctx context.Context, req *model.Request) Outcome {
	e.mu.Lock()
	e.order = append(e.order, req.RequestID)
	e.mu.Unlock()

	if e.hang {
		<-ctx.Done()
		return Outcome{Status: model.StatusTimeout, Reason: model.ReasonTimeout}
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	return Outcome{Status: model.StatusCompleted, Data: []byte("ok")}
}

func newTestRequest(id string, priority model.Priority, createdAt time.Time) *model.Request {
	return model.NewRequest(model.KindRead, id, createdAt, priority, 2*time.Second)
}

func TestPriorityOrderingDispatch(t *testing.T) {
	exec := &recordingExecutor{}
	cache := scancache.New(time.Minute, nil)
	s := New(exec, cache, 30*time.Second, true, 0, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	now := time.Now()
	r1 := newTestRequest("r1", model.PriorityNormal, now)
	r2 := newTestRequest("r2", model.PriorityHigh, now)
	r3 := newTestRequest("r3", model.PriorityNormal, now)

	require.NoError(t, s.Enqueue(r1))
	require.NoError(t, s.Enqueue(r2))
	require.NoError(t, s.Enqueue(r3))

	for _, r := range []*model.Request{r1, r2, r3} {
		select {
		case <-r.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("request %s never completed", r.RequestID)
		}
	}

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Equal(t, []string{"r2", "r1", "r3"}, exec.order)
}

func TestAgeSkipPolicy(t *testing.T) {
	exec := &recordingExecutor{}
	cache := scancache.New(time.Minute, nil)
	s := New(exec, cache, 30*time.Second, true, 0, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	old := newTestRequest("old", model.PriorityNormal, time.Now().Add(-40*time.Second))
	old.Timeout = time.Minute // keep deadline in the future despite old CreatedAt
	require.NoError(t, s.Enqueue(old))

	select {
	case <-old.Done():
	case <-time.After(time.Second):
		t.Fatal("aged request never completed")
	}

	assert.Equal(t, model.StatusFailed, old.Status)
	assert.Equal(t, model.ReasonSkippedDueToAge, old.Reason)

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Empty(t, exec.order, "skipped request must never reach the executor")
}

func TestDeadlineEnforcedAsTimeout(t *testing.T) {
	exec := &recordingExecutor{hang: true}
	cache := scancache.New(time.Minute, nil)
	s := New(exec, cache, time.Minute, false, 0, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	r := model.NewRequest(model.KindRead, "stuck", time.Now(), model.PriorityNormal, 200*time.Millisecond)
	require.NoError(t, s.Enqueue(r))

	select {
	case <-r.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("request never reached a terminal state")
	}
	assert.Equal(t, model.StatusTimeout, r.Status)
}

func TestCacheLookupHitsParallelLane(t *testing.T) {
	exec := &recordingExecutor{}
	cache := scancache.New(time.Minute, nil)
	cache.Ingest(model.AdvertisementRecord{MAC: "AA:BB:CC:DD:EE:01", RSSI: -42, ObservedAt: time.Now()})

	s := New(exec, cache, 30*time.Second, true, 0, 2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	r := model.NewRequest(model.KindCacheLookup, "lookup1", time.Now(), model.PriorityNormal, 5*time.Second)
	r.MAC = "AA:BB:CC:DD:EE:01"
	require.NoError(t, s.Enqueue(r))

	select {
	case <-r.Done():
	case <-time.After(time.Second):
		t.Fatal("cache lookup never completed")
	}

	require.Equal(t, model.StatusCompleted, r.Status)
	require.NotNil(t, r.CacheResult)
	assert.Equal(t, -42, r.CacheResult.RSSI)
}

func TestQueueFullRejectsLowPriorityOnly(t *testing.T) {
	exec := &recordingExecutor{hang: true}
	cache := scancache.New(time.Minute, nil)
	s := New(exec, cache, time.Minute, false, 1, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	first := model.NewRequest(model.KindRead, "first", time.Now(), model.PriorityNormal, time.Minute)
	require.NoError(t, s.Enqueue(first))

	// The single serial worker takes "first" off the queue and hangs on
	// it, so "queued" is the one left waiting and fills the watermark.
	require.Eventually(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return len(exec.order) == 1
	}, time.Second, time.Millisecond)
	queued := model.NewRequest(model.KindRead, "queued", time.Now(), model.PriorityNormal, time.Minute)
	require.NoError(t, s.Enqueue(queued))

	require.Eventually(t, func() bool { return s.QueueSize() >= 1 }, time.Second, time.Millisecond)

	low := model.NewRequest(model.KindRead, "low", time.Now(), model.PriorityLow, time.Minute)
	require.NoError(t, s.Enqueue(low))

	select {
	case <-low.Done():
	case <-time.After(time.Second):
		t.Fatal("low priority request should be rejected immediately")
	}
	assert.Equal(t, model.ReasonQueueFull, low.Reason)

	normal := model.NewRequest(model.KindRead, "normal", time.Now(), model.PriorityNormal, time.Minute)
	require.NoError(t, s.Enqueue(normal))
	assert.Equal(t, 2, s.QueueSize(), "NORMAL requests are still admitted at the watermark")
}
