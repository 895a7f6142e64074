// Package notifier implements the Notification Manager (spec §4.5,
// component H): a per-MAC connection kept alive for as long as any
// caller holds a subscription against it, reconnecting with backoff on
// an unexpected drop. Grounded on the original's NotificationManager
// (ble_orchestrator/orchestrator/notification_manager.py) for the
// subscribe/unsubscribe/reconnect lifecycle, and on the teacher's
// pkg/connection.Connection for the connect-then-discover-then-subscribe
// idiom this package follows per MAC instead of per serial link.
package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/ble-orchestrator/internal/adapter"
	"github.com/srg/ble-orchestrator/internal/coordinator"
	"github.com/srg/ble-orchestrator/internal/groutine"
	"github.com/srg/ble-orchestrator/internal/model"
	"github.com/srg/ble-orchestrator/internal/scheduler"
)

const (
	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second

	subscriptionSweepInterval = 30 * time.Second
)

// Dispatcher delivers one notification frame to whatever session owns
// callbackID. Defined narrowly so this package never needs to import
// internal/ipc.
type Dispatcher interface {
	DispatchNotification(callbackID, mac, charUUID string, value []byte, observedAt time.Time)
}

// deviceLink is the one live connection kept open for a MAC as long as
// subs is non-empty.
type deviceLink struct {
	mu          sync.Mutex
	mac         string
	conn        adapter.Connection
	subs        map[string]*model.Subscription // charUUID -> subscription
	unsubscribe map[string]func() error         // charUUID -> stack unsubscribe
	cancel      context.CancelFunc
}

// callbackRef locates the (mac, charUUID) a callback ID was registered
// against, since unsubscribe_notifications on the wire carries only the
// callback ID (spec.md's callback_id-only tagged variant) - never MAC or
// characteristic.
type callbackRef struct {
	mac      string
	charUUID string
}

// Manager owns every deviceLink and implements handler.NotifySink so
// the scheduler's serial lane can route Subscribe/Unsubscribe requests
// here without the Handler knowing anything about connection lifetime.
type Manager struct {
	logger         *logrus.Logger
	facade         adapter.Facade
	coordinator    *coordinator.Coordinator
	dispatcher     Dispatcher
	connectTimeout time.Duration

	mu            sync.Mutex
	links         map[string]*deviceLink // mac -> link
	callbackIndex map[string]callbackRef // callback ID -> (mac, charUUID)
}

func New(facade adapter.Facade, coord *coordinator.Coordinator, dispatcher Dispatcher, connectTimeout time.Duration, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		logger:         logger,
		facade:         facade,
		coordinator:    coord,
		dispatcher:     dispatcher,
		connectTimeout: connectTimeout,
		links:          make(map[string]*deviceLink),
		callbackIndex:  make(map[string]callbackRef),
	}
}

// Run periodically tears down subscriptions whose notification_timeout
// has elapsed with nothing delivered (spec §3 Subscription lifecycle:
// inactivity timeout), the same way an explicit unsubscribe would.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(subscriptionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepExpired(time.Now())
		}
	}
}

// connect acquires the Coordinator's exclusive-control epoch around a
// single connect attempt, so a notify-link connect or reconnect first
// waits for the Scanner to stop its scan (spec §4.7, §5 "the adapter ...
// is mutated by Scanner or Handler/Notification Manager, never both").
// The wait is bounded by the Coordinator; once it elapses the connect
// proceeds anyway.
func (m *Manager) connect(ctx context.Context, mac string) (adapter.Connection, error) {
	stopped := m.coordinator.RequestPause()
	m.coordinator.WaitForStop(stopped)
	defer m.coordinator.NotifyDone()
	return m.facade.Connect(ctx, mac, m.connectTimeout)
}

// Subscribe implements handler.NotifySink. It registers the
// subscription and, if this is the MAC's first, starts the
// connection-management goroutine.
func (m *Manager) Subscribe(ctx context.Context, req *model.Request) scheduler.Outcome {
	mac := model.CanonicalMAC(req.MAC)
	sub := model.NewSubscription(req.CallbackID, mac, req.ServiceUUID, req.CharUUID, req.SessionID, req.NotificationTimeout)

	m.mu.Lock()
	link, exists := m.links[mac]
	if !exists {
		linkCtx, cancel := context.WithCancel(context.Background())
		link = &deviceLink{
			mac:         mac,
			subs:        make(map[string]*model.Subscription),
			unsubscribe: make(map[string]func() error),
			cancel:      cancel,
		}
		m.links[mac] = link
		groutine.Go(linkCtx, "notifier-link-"+mac, func(ctx context.Context) {
			m.manageLink(ctx, link)
		})
	}
	m.callbackIndex[req.CallbackID] = callbackRef{mac: mac, charUUID: req.CharUUID}
	m.mu.Unlock()

	link.mu.Lock()
	link.subs[req.CharUUID] = sub
	conn := link.conn
	link.mu.Unlock()

	if conn != nil {
		if err := m.installSubscription(link, conn, req.ServiceUUID, req.CharUUID); err != nil {
			return scheduler.Outcome{Status: model.StatusFailed, Reason: model.ReasonOperationFailed, ErrMsg: err.Error()}
		}
	}

	m.logger.WithFields(logrus.Fields{"mac": mac, "char": req.CharUUID, "callback": req.CallbackID}).Info("notifier: subscribed")
	return scheduler.Outcome{Status: model.StatusCompleted}
}

// Unsubscribe implements handler.NotifySink. The wire protocol's
// unsubscribe_notifications carries only a callback ID (spec.md's
// tagged variant), so the MAC/characteristic it targets is resolved
// through callbackIndex rather than req.MAC/req.CharUUID, which
// buildRequest never populates for this command. Removing the last
// subscription for a MAC tears the connection down.
func (m *Manager) Unsubscribe(ctx context.Context, req *model.Request) scheduler.Outcome {
	m.mu.Lock()
	ref, known := m.callbackIndex[req.CallbackID]
	if known {
		delete(m.callbackIndex, req.CallbackID)
	}
	m.mu.Unlock()
	if !known {
		return scheduler.Outcome{Status: model.StatusCompleted}
	}

	m.mu.Lock()
	link, exists := m.links[ref.mac]
	m.mu.Unlock()
	if !exists {
		return scheduler.Outcome{Status: model.StatusCompleted}
	}

	link.mu.Lock()
	delete(link.subs, ref.charUUID)
	if unsub, ok := link.unsubscribe[ref.charUUID]; ok {
		delete(link.unsubscribe, ref.charUUID)
		_ = unsub()
	}
	empty := len(link.subs) == 0
	link.mu.Unlock()

	if empty {
		m.mu.Lock()
		if m.links[ref.mac] == link {
			delete(m.links, ref.mac)
		}
		m.mu.Unlock()
		link.cancel()
	}

	m.logger.WithFields(logrus.Fields{"mac": ref.mac, "char": ref.charUUID, "callback": req.CallbackID}).Info("notifier: unsubscribed")
	return scheduler.Outcome{Status: model.StatusCompleted}
}

// manageLink keeps one MAC connected for as long as it has
// subscriptions, reconnecting with exponential backoff on drop (spec
// §4.5 reconnect policy).
func (m *Manager) manageLink(ctx context.Context, link *deviceLink) {
	backoff := minBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		link.mu.Lock()
		hasSubs := len(link.subs) > 0
		link.mu.Unlock()
		if !hasSubs {
			return
		}

		conn, err := m.connect(ctx, link.mac)
		if err != nil {
			m.logger.WithFields(logrus.Fields{"mac": link.mac, "err": err}).Warn("notifier: connect failed, retrying")
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = minBackoff

		link.mu.Lock()
		link.conn = conn
		subs := make([]*model.Subscription, 0, len(link.subs))
		for _, sub := range link.subs {
			subs = append(subs, sub)
		}
		link.mu.Unlock()

		for _, sub := range subs {
			if err := m.installSubscription(link, conn, sub.ServiceUUID, sub.CharUUID); err != nil {
				m.logger.WithFields(logrus.Fields{"mac": link.mac, "char": sub.CharUUID, "err": err}).Error("notifier: failed to install subscription")
			}
		}

		select {
		case <-ctx.Done():
			conn.Disconnect()
			return
		case <-conn.Disconnected():
			m.logger.WithField("mac", link.mac).Warn("notifier: connection dropped, reconnecting")
		}

		link.mu.Lock()
		link.conn = nil
		link.unsubscribe = make(map[string]func() error)
		link.mu.Unlock()
	}
}

func (m *Manager) installSubscription(link *deviceLink, conn adapter.Connection, serviceUUID, charUUID string) error {
	unsub, err := conn.Subscribe(context.Background(), serviceUUID, charUUID, func(value []byte) {
		m.handleNotification(link, charUUID, value)
	})
	if err != nil {
		return err
	}
	link.mu.Lock()
	link.unsubscribe[charUUID] = unsub
	link.mu.Unlock()
	return nil
}

func (m *Manager) handleNotification(link *deviceLink, charUUID string, value []byte) {
	link.mu.Lock()
	sub, ok := link.subs[charUUID]
	link.mu.Unlock()
	if !ok {
		m.logger.WithFields(logrus.Fields{"mac": link.mac, "char": charUUID}).Warn("notifier: notification with no registered subscription")
		return
	}

	now := time.Now()
	sub.Touch(now)
	m.dispatcher.DispatchNotification(sub.CallbackID, link.mac, charUUID, value, now)
}

// ActiveSubscriptionCount reports the number of live subscriptions
// across every MAC (SUPPLEMENTED FEATURES: service status detail).
func (m *Manager) ActiveSubscriptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, link := range m.links {
		link.mu.Lock()
		count += len(link.subs)
		link.mu.Unlock()
	}
	return count
}

// SweepSession removes every subscription belonging to sessionID,
// tearing down links left with none (spec §4.5 "session-disconnect
// sweep").
func (m *Manager) SweepSession(sessionID string) {
	m.mu.Lock()
	links := make([]*deviceLink, 0, len(m.links))
	for _, link := range m.links {
		links = append(links, link)
	}
	m.mu.Unlock()

	for _, link := range links {
		var droppedCallbacks []string
		link.mu.Lock()
		for charUUID, sub := range link.subs {
			if sub.SessionID == sessionID {
				droppedCallbacks = append(droppedCallbacks, sub.CallbackID)
				delete(link.subs, charUUID)
				if unsub, ok := link.unsubscribe[charUUID]; ok {
					delete(link.unsubscribe, charUUID)
					_ = unsub()
				}
			}
		}
		empty := len(link.subs) == 0
		link.mu.Unlock()

		if len(droppedCallbacks) > 0 {
			m.mu.Lock()
			for _, cb := range droppedCallbacks {
				delete(m.callbackIndex, cb)
			}
			m.mu.Unlock()
		}

		if empty {
			m.mu.Lock()
			if m.links[link.mac] == link {
				delete(m.links, link.mac)
			}
			m.mu.Unlock()
			link.cancel()
		}
	}
}

// sweepExpired tears down every subscription whose inactivity timeout
// has elapsed, same teardown as Unsubscribe/SweepSession.
func (m *Manager) sweepExpired(now time.Time) {
	m.mu.Lock()
	links := make([]*deviceLink, 0, len(m.links))
	for _, link := range m.links {
		links = append(links, link)
	}
	m.mu.Unlock()

	for _, link := range links {
		var expiredCallbacks []string
		link.mu.Lock()
		for charUUID, sub := range link.subs {
			if sub.Expired(now) {
				expiredCallbacks = append(expiredCallbacks, sub.CallbackID)
				delete(link.subs, charUUID)
				if unsub, ok := link.unsubscribe[charUUID]; ok {
					delete(link.unsubscribe, charUUID)
					_ = unsub()
				}
			}
		}
		empty := len(link.subs) == 0
		link.mu.Unlock()

		if len(expiredCallbacks) > 0 {
			m.mu.Lock()
			for _, cb := range expiredCallbacks {
				delete(m.callbackIndex, cb)
			}
			m.mu.Unlock()
			m.logger.WithField("mac", link.mac).Info("notifier: swept expired subscription(s)")
		}

		if empty {
			m.mu.Lock()
			if m.links[link.mac] == link {
				delete(m.links, link.mac)
			}
			m.mu.Unlock()
			link.cancel()
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
