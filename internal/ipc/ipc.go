// Package ipc implements the IPC Server (spec §4.8, component I):
// line-delimited JSON over a Unix domain socket or loopback TCP, one
// goroutine per session, each request frame turned into a
// model.Request and handed to the Scheduler. Grounded on the
// original's IPCServer (ble_orchestrator/orchestrator/ipc_server.py)
// for the frame shapes and command table, and on the teacher's
// groutine-per-connection idiom for the accept loop.
package ipc

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/ble-orchestrator/internal/groutine"
	"github.com/srg/ble-orchestrator/internal/model"
	"github.com/srg/ble-orchestrator/internal/scheduler"
)

const (
	outboundRingCap  = 64 * 1024
	writeDrainPeriod = 20 * time.Millisecond
	defaultReqTimeout = model.DefaultTimeout
	cacheLookupTimeout = 5 * time.Second
)

// Enqueuer is the Scheduler surface the IPC layer depends on.
type Enqueuer interface {
	Enqueue(req *model.Request) error
}

// QueueStatusProvider widens Enqueuer with the introspection/config
// surface behind get_queue_status and update_skip_old_requests_config
// (SUPPLEMENTED FEATURES, queue_manager.py get_queue_status /
// update_skip_old_requests_config). Implemented by *scheduler.Scheduler.
type QueueStatusProvider interface {
	Enqueuer
	ActiveRequests() []*model.Request
	QueueSize() int
	Stats() scheduler.Stats
	SkipOldRequests() bool
	SetSkipOldRequests(enabled bool)
}

// StatusProvider supplies the fields of a get_service_status response.
// Implemented by the orchestrator's top-level wiring (cmd/ble-orchestrator)
// so this package never imports coordinator/watchdog/scancache directly.
type StatusProvider interface {
	ServiceStatus() map[string]any
}

// SessionSweeper tears down any state a session leaves behind when its
// connection drops. Implemented by notifier.Manager so a disconnecting
// client's notify subscriptions don't outlive it (spec §4.5
// session-disconnect sweep).
type SessionSweeper interface {
	SweepSession(sessionID string)
}

// Server accepts IPC sessions and dispatches their requests to the
// Scheduler (spec §4.8). MaxSessions bounds concurrent connections;
// beyond that, new connections are accepted and immediately closed
// with an error frame.
type Server struct {
	logger      *logrus.Logger
	scheduler   QueueStatusProvider
	status      StatusProvider
	sweeper     SessionSweeper
	maxSessions int

	listener net.Listener
	network  string
	address  string

	mu             sync.Mutex
	sessions       *orderedmap.OrderedMap[string, *session]
	callbackOwners map[string]*session
}

func New(sched QueueStatusProvider, status StatusProvider, maxSessions int, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	if maxSessions <= 0 {
		maxSessions = 10
	}
	return &Server{
		logger:         logger,
		scheduler:      sched,
		status:         status,
		maxSessions:    maxSessions,
		sessions:       orderedmap.New[string, *session](),
		callbackOwners: make(map[string]*session),
	}
}

// SetSweeper wires the session-teardown sweeper after construction,
// breaking the IPC<->Notifier construction cycle (the Notifier needs
// the Server as its Dispatcher; the Server needs the Notifier as its
// SessionSweeper).
func (s *Server) SetSweeper(sweeper SessionSweeper) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweeper = sweeper
}

// ListenUnix binds a Unix domain socket at path, removing a stale
// socket file first (spec §6 IPC transport).
func (s *Server) ListenUnix(path string) error {
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("ipc: remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("ipc: listen unix %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		s.logger.WithError(err).Warn("ipc: failed to relax socket permissions")
	}
	s.listener = ln
	s.network, s.address = "unix", path
	return nil
}

// ListenTCP binds a loopback TCP listener (spec §6 IPC transport).
func (s *Server) ListenTCP(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ipc: listen tcp %s: %w", addr, err)
	}
	s.listener = ln
	s.network, s.address = "tcp", addr
	return nil
}

// Run accepts connections until ctx is cancelled or the listener is
// closed.
func (s *Server) Run(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{"network": s.network, "address": s.address}).Info("ipc: server listening")

	groutine.Go(ctx, "ipc-close-on-cancel", func(ctx context.Context) {
		<-ctx.Done()
		_ = s.listener.Close()
	})

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ipc: accept: %w", err)
		}
		s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	full := s.sessions.Len() >= s.maxSessions
	s.mu.Unlock()

	if full {
		s.logger.Warn("ipc: max sessions reached, rejecting connection")
		enc := json.NewEncoder(conn)
		_ = enc.Encode(map[string]string{"status": "error", "error": string(model.ReasonUnavailable)})
		_ = conn.Close()
		return
	}

	sess := newSession(conn, s.logger)

	s.mu.Lock()
	s.sessions.Set(sess.id, sess)
	s.mu.Unlock()

	groutine.Go(ctx, "ipc-session-"+sess.id, func(ctx context.Context) {
		s.serveSession(ctx, sess)
	})
}

func (s *Server) serveSession(ctx context.Context, sess *session) {
	defer s.closeSession(sess)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		sess.drainWrites(ctx)
	}()

	scanner := bufio.NewScanner(sess.conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !s.handleFrame(ctx, sess, line) {
			break
		}
	}

	sess.closeWrites()
	wg.Wait()
}

func (s *Server) closeSession(sess *session) {
	s.mu.Lock()
	s.sessions.Delete(sess.id)
	for cb, owner := range s.callbackOwners {
		if owner == sess {
			delete(s.callbackOwners, cb)
		}
	}
	sweeper := s.sweeper
	s.mu.Unlock()
	_ = sess.conn.Close()
	if sweeper != nil {
		sweeper.SweepSession(sess.id)
	}
	s.logger.WithField("session", sess.id).Info("ipc: session closed")
}

// handleFrame decodes and dispatches one line. Returns false when the
// session must be closed (malformed frame with no request_id to bind
// the error to, per spec §4.8).
func (s *Server) handleFrame(ctx context.Context, sess *session, line []byte) bool {
	var raw map[string]any
	if err := json.Unmarshal(line, &raw); err != nil {
		sess.writeFrame(map[string]any{"status": "error", "error": string(model.ReasonInvalidRequest), "detail": "invalid JSON"})
		return false
	}

	requestID, _ := raw["request_id"].(string)
	command, _ := raw["command"].(string)

	req, err := s.buildRequest(sess, command, raw)
	if err != nil {
		// Every buildRequest validation failure is InvalidRequest on
		// the wire (spec §7 "malformed frame, missing field,
		// unsupported command"); the free-text detail rides alongside
		// for operators, never in place of the taxonomy value.
		resp := map[string]any{"status": "error", "error": string(model.ReasonOf(err)), "detail": err.Error()}
		if requestID != "" {
			resp["request_id"] = requestID
		}
		sess.writeFrame(resp)
		return requestID != ""
	}

	if command == "get_service_status" {
		sess.writeFrame(map[string]any{
			"status":     "success",
			"request_id": requestID,
			"result":     s.status.ServiceStatus(),
		})
		return true
	}

	if command == "get_queue_status" {
		sess.writeFrame(map[string]any{
			"status":     "success",
			"request_id": requestID,
			"result":     s.queueStatus(),
		})
		return true
	}

	if command == "update_skip_old_requests_config" {
		enabled, _ := raw["skip_old_requests"].(bool)
		s.scheduler.SetSkipOldRequests(enabled)
		sess.writeFrame(map[string]any{
			"status":     "success",
			"request_id": requestID,
			"result":     map[string]any{"skip_old_requests": s.scheduler.SkipOldRequests()},
		})
		return true
	}

	if req.Kind == model.KindSubscribe {
		s.mu.Lock()
		s.callbackOwners[req.CallbackID] = sess
		s.mu.Unlock()
	}

	if err := s.scheduler.Enqueue(req); err != nil {
		sess.writeFrame(map[string]any{"status": "error", "request_id": requestID, "error": err.Error()})
		return true
	}

	groutine.Go(ctx, "ipc-await-"+req.RequestID, func(ctx context.Context) {
		s.awaitAndRespond(sess, req)
	})
	return true
}

func (s *Server) awaitAndRespond(sess *session, req *model.Request) {
	<-req.Done()

	if req.Status == model.StatusCompleted {
		sess.writeFrame(map[string]any{
			"status":     "success",
			"request_id": req.RequestID,
			"result":     resultFor(req),
		})
		return
	}

	sess.writeFrame(map[string]any{
		"status":     "error",
		"request_id": req.RequestID,
		"error":      string(req.Reason),
	})
}

func resultFor(req *model.Request) any {
	switch req.Kind {
	case model.KindCacheLookup:
		if req.CacheResult == nil {
			return map[string]any{}
		}
		return map[string]any{
			"address":           req.CacheResult.MAC,
			"name":              req.CacheResult.LocalName,
			"rssi":              req.CacheResult.RSSI,
			"advertisement_data": manufacturerDataToJSON(req.CacheResult.ManufacturerData),
			"timestamp":         float64(req.CacheResult.ObservedAt.UnixNano()) / 1e9,
		}
	case model.KindRead, model.KindWrite:
		return map[string]any{"value": bytesToInts(req.ResultBytes)}
	case model.KindSubscribe:
		return map[string]any{"callback_id": req.CallbackID}
	default:
		return map[string]any{}
	}
}

func manufacturerDataToJSON(m map[uint16][]byte) map[string]any {
	out := make(map[string]any, len(m))
	for company, data := range m {
		out[fmt.Sprintf("%04x", company)] = bytesToInts(data)
	}
	return out
}

func bytesToInts(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

// buildRequest validates raw against the command table (spec §6) and
// constructs the corresponding tagged-variant Request.
func (s *Server) buildRequest(sess *session, command string, raw map[string]any) (*model.Request, error) {
	requestID, _ := raw["request_id"].(string)
	if requestID == "" {
		return nil, model.NewRequestError(model.ReasonInvalidRequest, errors.New("missing request_id"))
	}

	priority := model.PriorityNormal
	if p, ok := raw["priority"].(string); ok {
		if parsed, ok := model.ParsePriority(p); ok {
			priority = parsed
		}
	}

	timeout := defaultReqTimeout
	if t, ok := raw["timeout"].(float64); ok && t > 0 {
		timeout = time.Duration(t * float64(time.Second))
	}

	now := time.Now()

	switch command {
	case "scan_command":
		mac, ok := raw["mac_address"].(string)
		if !ok || mac == "" {
			return nil, model.NewRequestError(model.ReasonInvalidRequest, errors.New("missing mac_address parameter"))
		}
		req := model.NewRequest(model.KindCacheLookup, requestID, now, priority, cacheLookupTimeout)
		req.MAC = mac
		return req, nil

	case "read_command":
		mac, _ := raw["mac_address"].(string)
		svc, _ := raw["service_uuid"].(string)
		char, _ := raw["characteristic_uuid"].(string)
		if mac == "" || svc == "" || char == "" {
			return nil, model.NewRequestError(model.ReasonInvalidRequest, errors.New("missing required parameters (mac_address, service_uuid, characteristic_uuid)"))
		}
		req := model.NewRequest(model.KindRead, requestID, now, priority, timeout)
		req.MAC, req.ServiceUUID, req.CharUUID = mac, svc, char
		return req, nil

	case "send_command":
		mac, _ := raw["mac_address"].(string)
		svc, _ := raw["service_uuid"].(string)
		char, _ := raw["characteristic_uuid"].(string)
		if mac == "" || svc == "" || char == "" || raw["data"] == nil {
			return nil, model.NewRequestError(model.ReasonInvalidRequest, errors.New("missing required parameters (mac_address, service_uuid, characteristic_uuid, data)"))
		}
		data, err := decodeData(raw["data"])
		if err != nil {
			return nil, model.NewRequestError(model.ReasonInvalidRequest, err)
		}
		responseRequired, _ := raw["response_required"].(bool)
		req := model.NewRequest(model.KindWrite, requestID, now, priority, timeout)
		req.MAC, req.ServiceUUID, req.CharUUID = mac, svc, char
		req.WritePayload = data
		req.ResponseRequired = responseRequired
		return req, nil

	case "subscribe_notifications":
		mac, _ := raw["mac_address"].(string)
		svc, _ := raw["service_uuid"].(string)
		char, _ := raw["characteristic_uuid"].(string)
		if mac == "" || svc == "" || char == "" {
			return nil, model.NewRequestError(model.ReasonInvalidRequest, errors.New("missing required parameters (mac_address, service_uuid, characteristic_uuid)"))
		}
		callbackID, _ := raw["callback_id"].(string)
		if callbackID == "" {
			callbackID = requestID
		}
		notifTimeout := time.Duration(0)
		if t, ok := raw["notification_timeout"].(float64); ok && t > 0 {
			notifTimeout = time.Duration(t * float64(time.Second))
		}
		req := model.NewRequest(model.KindSubscribe, requestID, now, priority, timeout)
		req.MAC, req.ServiceUUID, req.CharUUID = mac, svc, char
		req.CallbackID = callbackID
		req.SessionID = sess.id
		req.NotificationTimeout = notifTimeout
		return req, nil

	case "unsubscribe_notifications":
		callbackID, _ := raw["callback_id"].(string)
		if callbackID == "" {
			return nil, model.NewRequestError(model.ReasonInvalidRequest, errors.New("missing callback_id parameter"))
		}
		req := model.NewRequest(model.KindUnsubscribe, requestID, now, priority, timeout)
		req.CallbackID = callbackID
		req.SessionID = sess.id
		return req, nil

	case "get_service_status", "get_queue_status", "update_skip_old_requests_config":
		return nil, nil

	default:
		return nil, model.NewRequestError(model.ReasonInvalidRequest, fmt.Errorf("unknown command: %s", command))
	}
}

// queueStatus mirrors the original's queue_manager.get_queue_status
// (SUPPLEMENTED FEATURES): the active-request list plus aggregate
// stats and the current age-skip config.
func (s *Server) queueStatus() map[string]any {
	active := s.scheduler.ActiveRequests()
	activeInfo := make([]map[string]any, 0, len(active))
	now := time.Now()
	for _, r := range active {
		activeInfo = append(activeInfo, map[string]any{
			"request_id":  r.RequestID,
			"mac_address": r.MAC,
			"request_type": requestTypeName(r.Kind),
			"priority":    r.Priority.String(),
			"status":      r.Status.String(),
			"age_seconds": now.Sub(r.CreatedAt).Seconds(),
			"timeout":     r.Timeout.Seconds(),
			"created_at":  float64(r.CreatedAt.UnixNano()) / 1e9,
		})
	}

	stats := s.scheduler.Stats()
	return map[string]any{
		"queue_size":           s.scheduler.QueueSize(),
		"active_requests_count": len(activeInfo),
		"active_requests":      activeInfo,
		"stats": map[string]any{
			"total":      stats.Total,
			"completed":  stats.Completed,
			"failed":     stats.Failed,
			"timeout":    stats.Timeout,
			"skipped":    stats.Skipped,
			"processing": stats.Processing,
		},
		"config": map[string]any{
			"skip_old_requests": s.scheduler.SkipOldRequests(),
		},
	}
}

func requestTypeName(k model.Kind) string {
	switch k {
	case model.KindCacheLookup:
		return "scan_command"
	case model.KindRead:
		return "read_command"
	case model.KindWrite:
		return "send_command"
	case model.KindSubscribe, model.KindUnsubscribe:
		return "notification"
	default:
		return "unknown"
	}
}

// decodeData accepts a hex string or an array of 0-255 integers (spec
// §6 "data for writes").
func decodeData(v any) ([]byte, error) {
	switch t := v.(type) {
	case string:
		b, err := hex.DecodeString(t)
		if err != nil {
			return nil, errors.New("invalid hex data format")
		}
		return b, nil
	case []any:
		out := make([]byte, len(t))
		for i, elem := range t {
			f, ok := elem.(float64)
			if !ok || f < 0 || f > 255 {
				return nil, errors.New("invalid byte value in data array")
			}
			out[i] = byte(f)
		}
		return out, nil
	default:
		return nil, errors.New("invalid data format")
	}
}

// DispatchNotification implements notifier.Dispatcher, routing a
// pushed notification frame to whichever session owns callbackID
// (spec §6 notification frame shape).
func (s *Server) DispatchNotification(callbackID, mac, charUUID string, value []byte, observedAt time.Time) {
	s.mu.Lock()
	sess, ok := s.callbackOwners[callbackID]
	s.mu.Unlock()
	if !ok {
		s.logger.WithField("callback_id", callbackID).Warn("ipc: notification for unknown callback")
		return
	}
	sess.writeFrame(map[string]any{
		"type":                 "notification",
		"callback_id":          callbackID,
		"mac_address":          mac,
		"characteristic_uuid":  charUUID,
		"value":                bytesToInts(value),
		"timestamp":            float64(observedAt.UnixNano()) / 1e9,
	})
}

// session is one connected client: a reader goroutine feeding
// handleFrame and a writer goroutine draining outbound frames from a
// smallnest/ringbuffer so a slow client never blocks the request
// pipeline (spec §5 "no operation holds a lock across a blocking
// socket I/O").
type session struct {
	id     string
	conn   net.Conn
	logger *logrus.Logger

	mu     sync.Mutex
	out    *ringbuffer.RingBuffer
	closed bool
}

func newSession(conn net.Conn, logger *logrus.Logger) *session {
	return &session{
		id:     fmt.Sprintf("%p", conn),
		conn:   conn,
		logger: logger,
		out:    ringbuffer.New(outboundRingCap),
	}
}

func (s *session) writeFrame(frame map[string]any) {
	encoded, err := json.Marshal(frame)
	if err != nil {
		s.logger.WithError(err).Error("ipc: failed to marshal frame")
		return
	}
	encoded = append(encoded, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	written, err := s.out.Write(encoded)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		s.logger.WithError(err).Warn("ipc: outbound buffer write error")
		return
	}
	if written < len(encoded) {
		s.logger.WithField("dropped", len(encoded)-written).Warn("ipc: outbound buffer full, dropped part of a frame")
	}
}

func (s *session) closeWrites() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *session) drainWrites(ctx context.Context) {
	ticker := time.NewTicker(writeDrainPeriod)
	defer ticker.Stop()
	buf := make([]byte, 8192)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		closed := s.closed
		n, err := s.out.TryRead(buf)
		s.mu.Unlock()

		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			s.logger.WithError(err).Warn("ipc: outbound buffer read error")
			return
		}
		if n > 0 {
			if _, werr := s.conn.Write(buf[:n]); werr != nil {
				return
			}
		}
		if closed && n == 0 {
			return
		}
	}
}
