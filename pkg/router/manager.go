package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ai-village/village/pkg/metrics"
	"github.com/ai-village/village/pkg/store"
)

// catchupLimit is the maximum number of events returned in one catchup
// response. If more events are missed, a catchup.overflow message tells the
// client to do a full REST reload instead of paginating.
const catchupLimit = 200

// CatchupSource queries journaled events for catchup. Implemented by the
// metadata store.
type CatchupSource interface {
	CatchupEvents(ctx context.Context, subject string, afterID int64, limit int) ([]store.JournalEntry, error)
}

// subscriberConn is the connection surface the manager needs; production
// wraps a coder/websocket connection.
type subscriberConn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// ConnectionManager tracks websocket subscribers and their subject
// subscriptions. One instance per control plane process.
type ConnectionManager struct {
	connections map[string]*connection
	mu          sync.RWMutex

	// subjects maps a fan-out subject to the set of subscribed connection ids.
	subjects  map[string]map[string]bool
	subjectMu sync.RWMutex

	source       CatchupSource
	writeTimeout time.Duration
	mets         *metrics.Metrics
}

// connection is one websocket subscriber.
//
// subscriptions is accessed without a lock: all reads and writes happen on
// the goroutine that owns the connection (the read loop in HandleConnection
// and its deferred cleanup).
type connection struct {
	id            string
	conn          subscriberConn
	subscriptions map[string]bool
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager creates a manager. mets may be nil.
func NewConnectionManager(source CatchupSource, writeTimeout time.Duration, mets *metrics.Metrics) *ConnectionManager {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &ConnectionManager{
		connections:  make(map[string]*connection),
		subjects:     make(map[string]map[string]bool),
		source:       source,
		writeTimeout: writeTimeout,
		mets:         mets,
	}
}

// HandleConnection manages the lifecycle of one subscriber websocket.
// Called by the HTTP handler after upgrade; blocks until the connection
// closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	m.handle(parentCtx, wsSubscriberConn{conn: conn})
}

func (m *ConnectionManager) handle(parentCtx context.Context, conn subscriberConn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &connection{
		id:            uuid.New().String(),
		conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.id,
	})

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid subscriber message", "connection_id", c.id, "error", err)
			continue
		}
		m.handleClientMessage(ctx, c, &msg)
	}
}

// Broadcast sends a routed event payload to every connection subscribed to
// the subject.
func (m *ConnectionManager) Broadcast(subject string, payload []byte) {
	m.subjectMu.RLock()
	ids := make([]string, 0, len(m.subjects[subject]))
	for id := range m.subjects[subject] {
		ids = append(ids, id)
	}
	m.subjectMu.RUnlock()
	if len(ids) == 0 {
		return
	}

	// Snapshot connection pointers before sending so a slow subscriber
	// (up to writeTimeout) cannot stall register/unregister.
	m.mu.RLock()
	conns := make([]*connection, 0, len(ids))
	for _, id := range ids {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		if err := m.sendRaw(c, payload); err != nil {
			slog.Warn("Failed to send to subscriber",
				"connection_id", c.id, "subject", subject, "error", err)
		}
	}
}

// ActiveConnections returns the number of connected subscribers.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount is used by tests to poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(subject string) int {
	m.subjectMu.RLock()
	defer m.subjectMu.RUnlock()
	return len(m.subjects[subject])
}

func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.Subject == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "subject is required for subscribe"})
			return
		}
		m.subscribe(c, msg.Subject)
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"subject": msg.Subject,
		})
		// Auto catch-up so late subscribers see everything already journaled.
		m.handleCatchup(ctx, c, msg.Subject, 0)

	case "unsubscribe":
		if msg.Subject == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "subject is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Subject)

	case "catchup":
		if msg.Subject == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "subject is required for catchup"})
			return
		}
		if msg.AfterID != nil {
			m.handleCatchup(ctx, c, msg.Subject, *msg.AfterID)
		}

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

func (m *ConnectionManager) subscribe(c *connection, subject string) {
	m.subjectMu.Lock()
	if _, exists := m.subjects[subject]; !exists {
		m.subjects[subject] = make(map[string]bool)
	}
	m.subjects[subject][c.id] = true
	m.subjectMu.Unlock()

	c.subscriptions[subject] = true
}

func (m *ConnectionManager) unsubscribe(c *connection, subject string) {
	m.subjectMu.Lock()
	if subs, exists := m.subjects[subject]; exists {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(m.subjects, subject)
		}
	}
	m.subjectMu.Unlock()

	delete(c.subscriptions, subject)
}

// handleCatchup replays journaled events after the cursor to the client.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *connection, subject string, afterID int64) {
	if m.source == nil {
		return
	}
	entries, err := m.source.CatchupEvents(ctx, subject, afterID, catchupLimit+1)
	if err != nil {
		slog.Error("Catchup query failed", "subject", subject, "error", err)
		m.sendJSON(c, map[string]string{
			"type":    "error",
			"message": "catchup failed",
		})
		return
	}

	hasMore := len(entries) > catchupLimit
	if hasMore {
		entries = entries[:catchupLimit]
	}

	for i := range entries {
		msg := EventMessage{
			Type:      "event",
			Subject:   subject,
			JournalID: entries[i].ID,
			Event:     &entries[i].Event,
		}
		payload, err := json.Marshal(&msg)
		if err != nil {
			continue
		}
		if err := m.sendRaw(c, payload); err != nil {
			slog.Warn("Failed to send catchup event",
				"connection_id", c.id, "error", err)
			return
		}
	}

	if hasMore {
		m.sendJSON(c, map[string]any{
			"type":     "catchup.overflow",
			"subject":  subject,
			"has_more": true,
		})
	}
}

func (m *ConnectionManager) register(c *connection) {
	m.mu.Lock()
	m.connections[c.id] = c
	m.mu.Unlock()
	if m.mets != nil {
		m.mets.Subscribers.Inc()
	}
}

func (m *ConnectionManager) unregister(c *connection) {
	for subject := range c.subscriptions {
		m.unsubscribe(c, subject)
	}

	m.mu.Lock()
	delete(m.connections, c.id)
	m.mu.Unlock()
	if m.mets != nil {
		m.mets.Subscribers.Dec()
	}

	c.cancel()
	_ = c.conn.Close()
}

func (m *ConnectionManager) sendJSON(c *connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal subscriber message",
			"connection_id", c.id, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send subscriber message",
			"connection_id", c.id, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, data)
}

type wsSubscriberConn struct {
	conn *websocket.Conn
}

func (c wsSubscriberConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c wsSubscriberConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c wsSubscriberConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
