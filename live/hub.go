// Package live implements the real-time distribution channel: a
// WebSocket hub that pushes a snapshot to new sessions, fans freshly
// ingested readings out to every connected session, and answers
// on-demand refresh requests.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/jyjeanne/arduibeescale/errors"
	"github.com/jyjeanne/arduibeescale/metric"
	"github.com/jyjeanne/arduibeescale/store"
)

// Envelope wraps every message sent to a session.
// Types: "initial_data", "new_reading", "data_update", "error".
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// clientRequest is the inbound message format. Only "request_update"
// is recognized; anything else is ignored.
type clientRequest struct {
	Type   string `json:"type"`
	HiveID string `json:"hive_id"`
}

// Querier is the read-side store surface the hub needs for snapshots
// and refresh requests.
type Querier interface {
	ListHives(ctx context.Context) ([]store.Hive, error)
	LatestReading(ctx context.Context, hiveID string) (*store.Reading, error)
	HiveStats(ctx context.Context, hiveID string, hours int) (*store.Stats, error)
}

// session is one connected WebSocket client
type session struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time
	lastPong    atomic.Value // stores time.Time
	closed      atomic.Bool
	closeOnce   sync.Once
	writeMu     sync.Mutex // Protects concurrent writes to the same connection
}

// HubDeps holds runtime dependencies for the hub
type HubDeps struct {
	Store   Querier
	Metrics *metric.Metrics
	Logger  *slog.Logger
}

// Hub owns all live sessions. Broadcast is best-effort: a write failure
// removes the session, it never propagates to the caller.
type Hub struct {
	store   Querier
	metrics *metric.Metrics
	logger  *slog.Logger

	upgrader   websocket.Upgrader
	sessions   map[*websocket.Conn]*session
	sessionsMu sync.RWMutex

	// Lifecycle management
	shutdown chan struct{}
	done     chan struct{}
	running  atomic.Bool
	mu       sync.Mutex
	wg       sync.WaitGroup
}

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	pongDeadline = 90 * time.Second
)

// NewHub creates a hub from its dependencies
func NewHub(deps HubDeps) *Hub {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "live-hub")
	}

	return &Hub{
		store:   deps.Store,
		metrics: deps.Metrics,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
		sessions: make(map[*websocket.Conn]*session),
	}
}

// Initialize validates the hub dependencies
func (h *Hub) Initialize() error {
	if h.store == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Hub", "Initialize", "store validation")
	}
	return nil
}

// Start launches the session maintenance loop
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Hub", "Start", "start maintenance loop")
	}

	h.shutdown = make(chan struct{})
	h.done = make(chan struct{})
	h.running.Store(true)

	go func() {
		defer close(h.done)
		h.maintainSessions(ctx)
	}()

	return nil
}

// Stop closes all sessions and waits for session goroutines to exit
func (h *Hub) Stop(timeout time.Duration) error {
	h.mu.Lock()
	if !h.running.Load() {
		h.mu.Unlock()
		return nil
	}
	h.running.Store(false)
	select {
	case <-h.shutdown:
	default:
		close(h.shutdown)
	}
	done := h.done
	h.mu.Unlock()

	h.closeAllSessions()

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		<-done
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Hub", "Stop", "graceful shutdown")
	}
}

// SessionCount returns the number of connected sessions
func (h *Hub) SessionCount() int {
	h.sessionsMu.RLock()
	defer h.sessionsMu.RUnlock()
	return len(h.sessions)
}

// ServeHTTP upgrades the request to a WebSocket session, pushes the
// initial snapshot, and hands the connection to a read loop goroutine.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess := &session{
		id:          uuid.NewString(),
		conn:        conn,
		connectedAt: time.Now(),
	}
	sess.lastPong.Store(time.Now())

	h.sessionsMu.Lock()
	h.sessions[conn] = sess
	count := len(h.sessions)
	h.sessionsMu.Unlock()

	if h.metrics != nil {
		h.metrics.SessionsConnected.Set(float64(count))
	}
	h.logger.Info("Session connected", "session_id", sess.id, "sessions", count)

	h.sendInitialData(r.Context(), sess)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.readLoop(sess)
	}()
}

// sendInitialData pushes the full hive list to a newly connected session
func (h *Hub) sendInitialData(ctx context.Context, sess *session) {
	hives, err := h.store.ListHives(ctx)
	if err != nil {
		h.logger.Error("Failed to build initial snapshot",
			"session_id", sess.id, "error", err)
		h.sendError(sess, "failed to load hive list")
		return
	}
	if hives == nil {
		hives = []store.Hive{}
	}

	h.send(sess, "initial_data", map[string]any{
		"hives": hives,
		"count": len(hives),
	})
}

// BroadcastReading fans one reading out to a snapshot of the current
// sessions. With zero sessions the event is dropped. Write failures
// remove the offending session and never affect other sessions.
func (h *Hub) BroadcastReading(reading *store.Reading) {
	sessions := h.sessionSnapshot()
	if len(sessions) == 0 {
		return
	}

	payload, err := json.Marshal(map[string]any{
		"hive_id":         reading.HiveID,
		"temperature":     reading.Temperature,
		"humidity":        reading.Humidity,
		"weight":          reading.Weight,
		"battery_voltage": reading.BatteryVoltage,
		"timestamp":       reading.Timestamp,
	})
	if err != nil {
		h.logger.Error("Failed to marshal broadcast payload", "error", err)
		return
	}

	data, err := json.Marshal(Envelope{
		Type:      "new_reading",
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	})
	if err != nil {
		return
	}

	if h.metrics != nil {
		h.metrics.BroadcastsTotal.Inc()
	}

	for _, sess := range sessions {
		if sess.closed.Load() {
			continue
		}
		if err := h.write(sess, data); err != nil {
			h.logger.Warn("Broadcast write failed, removing session",
				"session_id", sess.id, "error", err)
			if h.metrics != nil {
				h.metrics.BroadcastErrors.Inc()
			}
			h.removeSession(sess)
		}
	}
}

// sessionSnapshot copies the current session set so broadcasts never
// hold the lock during network writes.
func (h *Hub) sessionSnapshot() []*session {
	h.sessionsMu.RLock()
	defer h.sessionsMu.RUnlock()

	sessions := make([]*session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// readLoop consumes inbound messages from one session until the
// connection drops or the hub shuts down.
func (h *Hub) readLoop(sess *session) {
	defer h.removeSession(sess)

	sess.conn.SetPongHandler(func(string) error {
		sess.lastPong.Store(time.Now())
		_ = sess.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	_ = sess.conn.SetReadDeadline(time.Now().Add(readTimeout))

	for {
		select {
		case <-h.shutdown:
			return
		default:
		}

		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}

		var req clientRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}

		if req.Type == "request_update" {
			h.handleRequestUpdate(sess, req)
		}
	}
}

// handleRequestUpdate answers an on-demand refresh for one hive. A
// request without a hive id gets an error envelope; an unknown hive
// gets a data_update with null latest and stats.
func (h *Hub) handleRequestUpdate(sess *session, req clientRequest) {
	if req.HiveID == "" {
		h.sendError(sess, "hive_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var latest *store.Reading
	reading, err := h.store.LatestReading(ctx, req.HiveID)
	switch {
	case err == nil:
		latest = reading
	case errors.IsNotFound(err):
		// Unknown hive answers with null fields rather than an error.
	default:
		h.logger.Error("Refresh query failed", "hive_id", req.HiveID, "error", err)
		h.sendError(sess, "failed to load hive data")
		return
	}

	var stats *store.Stats
	if s, err := h.store.HiveStats(ctx, req.HiveID, store.DefaultWindowHours); err == nil {
		stats = s
	}

	h.send(sess, "data_update", map[string]any{
		"hive_id": req.HiveID,
		"latest":  latest,
		"stats":   stats,
	})
}

// maintainSessions pings every session periodically, dropping sessions
// that fail the write or have not answered a ping within the pong
// deadline.
func (h *Hub) maintainSessions(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.shutdown:
			return
		case <-ticker.C:
			h.pruneStaleSessions(pongDeadline)
			for _, sess := range h.sessionSnapshot() {
				sess.writeMu.Lock()
				err := sess.conn.WriteControl(websocket.PingMessage, nil,
					time.Now().Add(writeTimeout))
				sess.writeMu.Unlock()
				if err != nil {
					h.removeSession(sess)
				}
			}
		}
	}
}

// pruneStaleSessions drops every session whose last pong is older than
// the given age.
func (h *Hub) pruneStaleSessions(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	for _, sess := range h.sessionSnapshot() {
		lastPong, _ := sess.lastPong.Load().(time.Time)
		if lastPong.Before(cutoff) {
			h.logger.Info("Dropping stale session",
				"session_id", sess.id, "last_pong", lastPong)
			h.removeSession(sess)
		}
	}
}

// send marshals an envelope and writes it to one session
func (h *Hub) send(sess *session, msgType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("Failed to marshal payload", "type", msgType, "error", err)
		return
	}

	data, err := json.Marshal(Envelope{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	})
	if err != nil {
		return
	}

	if err := h.write(sess, data); err != nil {
		h.removeSession(sess)
	}
}

// sendError writes an error envelope to one session
func (h *Hub) sendError(sess *session, message string) {
	h.send(sess, "error", map[string]string{"message": message})
}

func (h *Hub) write(sess *session, data []byte) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()

	_ = sess.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return sess.conn.WriteMessage(websocket.TextMessage, data)
}

// removeSession drops a session from the map and closes the connection.
// Safe to call multiple times for the same session.
func (h *Hub) removeSession(sess *session) {
	sess.closeOnce.Do(func() {
		sess.closed.Store(true)

		h.sessionsMu.Lock()
		delete(h.sessions, sess.conn)
		count := len(h.sessions)
		h.sessionsMu.Unlock()

		if h.metrics != nil {
			h.metrics.SessionsConnected.Set(float64(count))
		}
		h.logger.Info("Session disconnected", "session_id", sess.id, "sessions", count)

		_ = sess.conn.Close()
	})
}

// closeAllSessions closes every connection during shutdown
func (h *Hub) closeAllSessions() {
	for _, sess := range h.sessionSnapshot() {
		h.removeSession(sess)
	}
}
