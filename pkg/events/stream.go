package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
)

// FrameKind discriminates frames on the runner event stream.
type FrameKind string

const (
	// FrameHello identifies the runner after dial; first frame on every connection.
	FrameHello FrameKind = "hello"
	// FrameEvent carries one sequenced event, runner to control plane.
	FrameEvent FrameKind = "event"
	// FrameAck acknowledges durable receipt of one event, control plane to runner.
	FrameAck FrameKind = "ack"
)

// Frame is the wire envelope on the runner event stream. Both planes share
// this type so ingest and emit cannot drift.
type Frame struct {
	Kind      FrameKind `json:"kind"`
	RunnerID  string    `json:"runner_id,omitempty"`
	Event     *Event    `json:"event,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Seq       uint64    `json:"seq,omitempty"`
}

// streamConn is the minimal connection surface the stream needs; the
// production implementation wraps a coder/websocket connection.
type streamConn interface {
	Write(ctx context.Context, data []byte) error
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

const (
	defaultMaxPending   = 100_000
	defaultWriteTimeout = 10 * time.Second
	maxFrameBytes       = 1 << 20
)

// StreamConfig configures the outbound event stream of one runner.
type StreamConfig struct {
	// URL is the control plane's runner ingest websocket endpoint.
	URL      string
	RunnerID string
	// MaxPending bounds the unacked outbox; beyond it the oldest events are
	// dropped with a warning. Zero means the default.
	MaxPending   int
	WriteTimeout time.Duration
}

// Stream delivers sequenced events to the control plane at least once.
// Events stay in a pending outbox until the control plane acks them by
// (session_id, seq); every fresh connection replays the whole outbox, so a
// reconnect can duplicate delivery but never lose it. Implements Sink.
type Stream struct {
	cfg  StreamConfig
	dial func(ctx context.Context) (streamConn, error)

	mu      sync.Mutex
	pending []Event
	sent    int // prefix of pending already written on the current connection

	notify chan struct{}
}

// NewStream creates a stream; call Run to start delivering.
func NewStream(cfg StreamConfig) *Stream {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = defaultMaxPending
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	s := &Stream{
		cfg:    cfg,
		notify: make(chan struct{}, 1),
	}
	s.dial = s.dialWebsocket
	return s
}

// Publish queues an event for delivery. Never blocks; when the outbox is
// full the oldest unacked event is dropped so the session lanes keep moving.
func (s *Stream) Publish(event Event) {
	s.mu.Lock()
	if len(s.pending) >= s.cfg.MaxPending {
		dropped := s.pending[0]
		s.pending = s.pending[1:]
		if s.sent > 0 {
			s.sent--
		}
		slog.Warn("Event outbox full, dropping oldest unacked event",
			"session_id", dropped.SessionID, "seq", dropped.Seq)
	}
	s.pending = append(s.pending, event)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// PendingCount returns the number of unacked events in the outbox.
func (s *Stream) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Run dials the control plane and delivers events until the context is
// cancelled, reconnecting with exponential backoff after any failure.
func (s *Stream) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := s.dial(ctx)
		if err != nil {
			slog.Warn("Failed to dial control plane event stream",
				"url", s.cfg.URL, "error", err)
		} else {
			bo.Reset()
			err = s.serve(ctx, conn)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("Event stream disconnected, reconnecting",
				"runner_id", s.cfg.RunnerID, "pending", s.PendingCount(), "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// serve drives one connection: hello, full outbox replay, then new events as
// they arrive, with acks consumed concurrently.
func (s *Stream) serve(ctx context.Context, conn streamConn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer conn.Close()

	hello, err := json.Marshal(Frame{Kind: FrameHello, RunnerID: s.cfg.RunnerID})
	if err != nil {
		return fmt.Errorf("marshal hello frame: %w", err)
	}
	if err := s.write(ctx, conn, hello); err != nil {
		return fmt.Errorf("send hello frame: %w", err)
	}

	s.mu.Lock()
	s.sent = 0 // fresh connection replays everything unacked
	s.mu.Unlock()

	readErr := make(chan error, 1)
	go func() { readErr <- s.readAcks(ctx, conn) }()

	for {
		for {
			event, ok := s.nextUnsent()
			if !ok {
				break
			}
			data, err := json.Marshal(Frame{Kind: FrameEvent, Event: &event})
			if err != nil {
				return fmt.Errorf("marshal event frame: %w", err)
			}
			if err := s.write(ctx, conn, data); err != nil {
				return fmt.Errorf("send event session=%s seq=%d: %w",
					event.SessionID, event.Seq, err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-s.notify:
		}
	}
}

func (s *Stream) write(ctx context.Context, conn streamConn, data []byte) error {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return conn.Write(wctx, data)
}

func (s *Stream) nextUnsent() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sent >= len(s.pending) {
		return Event{}, false
	}
	event := s.pending[s.sent]
	s.sent++
	return event, true
}

func (s *Stream) readAcks(ctx context.Context, conn streamConn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("Malformed frame from control plane, ignoring", "error", err)
			continue
		}
		if frame.Kind == FrameAck {
			s.ack(frame.SessionID, frame.Seq)
		}
	}
}

// ack removes one event from the outbox. Acks for unknown events are
// ignored; a reconnect replay can produce duplicate acks.
func (s *Stream) ack(sessionID string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, event := range s.pending {
		if event.SessionID == sessionID && event.Seq == seq {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			if i < s.sent {
				s.sent--
			}
			return
		}
	}
}

type wsStreamConn struct {
	conn *websocket.Conn
}

func (c wsStreamConn) Write(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c wsStreamConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c wsStreamConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Stream) dialWebsocket(ctx context.Context) (streamConn, error) {
	conn, _, err := websocket.Dial(ctx, s.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameBytes)
	return wsStreamConn{conn: conn}, nil
}
