package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ai-village/village/pkg/events"
	"github.com/ai-village/village/pkg/metrics"
)

const (
	ackWriteTimeout = 10 * time.Second
	maxFrameBytes   = 1 << 20
)

// Journal persists routed events with (session_id, seq) deduplication.
// Implemented by the metadata store.
type Journal interface {
	AppendEvent(ctx context.Context, ev events.Event) (id int64, duplicate bool, err error)
}

// Listener observes every newly routed event, before fan-out. Listeners run
// on the ingesting goroutine and must not block.
type Listener func(ev events.Event)

// runnerConn is the connection surface for one runner's event stream.
type runnerConn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Router receives sequenced events from runner connections, journals them,
// acknowledges durable receipt, and fans new events out to subscribers.
// Delivery from runners is at-least-once; the journal's (session_id, seq)
// dedup makes routing effectively once per event.
type Router struct {
	journal Journal
	conns   *ConnectionManager
	mets    *metrics.Metrics

	mu        sync.RWMutex
	listeners []Listener
}

// NewRouter creates a router. mets may be nil.
func NewRouter(journal Journal, conns *ConnectionManager, mets *metrics.Metrics) *Router {
	return &Router{
		journal: journal,
		conns:   conns,
		mets:    mets,
	}
}

// AddListener registers a listener for newly routed events.
func (r *Router) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// HandleRunnerStream serves one runner's event websocket. Called by the
// HTTP handler after upgrade; blocks until the connection closes.
func (r *Router) HandleRunnerStream(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameBytes)
	r.serveRunner(ctx, wsRunnerConn{conn: conn})
}

func (r *Router) serveRunner(ctx context.Context, conn runnerConn) {
	defer conn.Close()

	runnerID := ""
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if runnerID != "" {
				slog.Info("Runner event stream disconnected", "runner_id", runnerID)
			}
			return
		}

		var frame events.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("Malformed frame from runner, ignoring",
				"runner_id", runnerID, "error", err)
			continue
		}

		switch frame.Kind {
		case events.FrameHello:
			runnerID = frame.RunnerID
			slog.Info("Runner event stream connected", "runner_id", runnerID)

		case events.FrameEvent:
			if frame.Event == nil {
				continue
			}
			if !r.ingest(ctx, *frame.Event) {
				// Journal failure: withhold the ack so the runner replays.
				continue
			}
			ack, err := json.Marshal(events.Frame{
				Kind:      events.FrameAck,
				SessionID: frame.Event.SessionID,
				Seq:       frame.Event.Seq,
			})
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, ackWriteTimeout)
			err = conn.Write(writeCtx, ack)
			cancel()
			if err != nil {
				slog.Warn("Failed to ack runner event",
					"runner_id", runnerID,
					"session_id", frame.Event.SessionID,
					"seq", frame.Event.Seq,
					"error", err)
				return
			}
		}
	}
}

// ingest journals one event and fans it out. Returns false only when the
// journal append failed and the event must be redelivered.
func (r *Router) ingest(ctx context.Context, ev events.Event) bool {
	id, duplicate, err := r.journal.AppendEvent(ctx, ev)
	if err != nil {
		slog.Error("Failed to journal runner event",
			"session_id", ev.SessionID, "seq", ev.Seq, "error", err)
		return false
	}
	if duplicate {
		if r.mets != nil {
			r.mets.EventsDuplicate.Inc()
		}
		return true
	}

	r.mu.RLock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}

	if r.conns != nil {
		for _, subject := range ev.Subjects() {
			msg := EventMessage{
				Type:      "event",
				Subject:   subject,
				JournalID: id,
				Event:     &ev,
			}
			payload, err := json.Marshal(&msg)
			if err != nil {
				slog.Warn("Failed to marshal routed event",
					"session_id", ev.SessionID, "seq", ev.Seq, "error", err)
				break
			}
			r.conns.Broadcast(subject, payload)
		}
	}

	if r.mets != nil {
		r.mets.EventsRouted.Inc()
	}
	return true
}

type wsRunnerConn struct {
	conn *websocket.Conn
}

func (c wsRunnerConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c wsRunnerConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c wsRunnerConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
