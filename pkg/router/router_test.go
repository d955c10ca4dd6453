package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-village/village/pkg/events"
	"github.com/ai-village/village/pkg/metrics"
	"github.com/ai-village/village/pkg/store"
)

// fakeConn is an in-memory connection shared by runner and subscriber
// tests. Writes land on written; Read blocks until deliver or close.
type fakeConn struct {
	written chan []byte
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		written: make(chan []byte, 256),
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	case <-ctx.Done():
		return ctx.Err()
	case c.written <- data:
		return nil
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-c.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	case data := <-c.inbound:
		return data, nil
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) deliverJSON(t *testing.T, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	c.inbound <- data
}

func (c *fakeConn) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-c.written:
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func (c *fakeConn) nextFrame(t *testing.T) events.Frame {
	t.Helper()
	select {
	case data := <-c.written:
		var frame events.Frame
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return events.Frame{}
	}
}

func routedEvent(sessionID string, seq uint64) events.Event {
	return events.Event{
		Type:      events.TypeTerminalChunk,
		SessionID: sessionID,
		AgentID:   "a1",
		VillageID: "v1",
		Seq:       seq,
		TS:        events.Millis(time.Now()),
	}
}

// failingJournal rejects every append.
type failingJournal struct{}

func (failingJournal) AppendEvent(context.Context, events.Event) (int64, bool, error) {
	return 0, false, errors.New("database down")
}

func TestRouter_IngestJournalsAndAcks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := store.NewMemoryStore()
	mets := metrics.New()
	conns := NewConnectionManager(db, time.Second, mets)
	r := NewRouter(db, conns, mets)

	var mu sync.Mutex
	var seen []events.Event
	r.AddListener(func(ev events.Event) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	})

	conn := newFakeConn()
	done := make(chan struct{})
	go func() { defer close(done); r.serveRunner(ctx, conn) }()

	conn.deliverJSON(t, events.Frame{Kind: events.FrameHello, RunnerID: "runner-1"})
	conn.deliverJSON(t, events.Frame{Kind: events.FrameEvent, Event: ptr(routedEvent("s1", 1))})

	ack := conn.nextFrame(t)
	assert.Equal(t, events.FrameAck, ack.Kind)
	assert.Equal(t, "s1", ack.SessionID)
	assert.Equal(t, uint64(1), ack.Seq)

	mu.Lock()
	require.Len(t, seen, 1)
	assert.Equal(t, uint64(1), seen[0].Seq)
	mu.Unlock()

	journaled, err := db.CatchupEvents(ctx, events.SessionSubject("s1"), 0, 0)
	require.NoError(t, err)
	assert.Len(t, journaled, 1)

	conn.Close()
	<-done
}

func TestRouter_DuplicateIsAckedButNotRerouted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := store.NewMemoryStore()
	r := NewRouter(db, NewConnectionManager(db, time.Second, nil), nil)

	var count int
	var mu sync.Mutex
	r.AddListener(func(events.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	conn := newFakeConn()
	done := make(chan struct{})
	go func() { defer close(done); r.serveRunner(ctx, conn) }()

	ev := routedEvent("s1", 1)
	conn.deliverJSON(t, events.Frame{Kind: events.FrameEvent, Event: &ev})
	conn.nextFrame(t)

	// Reconnect replay delivers the same event again.
	conn.deliverJSON(t, events.Frame{Kind: events.FrameEvent, Event: &ev})
	ack := conn.nextFrame(t)
	assert.Equal(t, events.FrameAck, ack.Kind)

	mu.Lock()
	assert.Equal(t, 1, count, "duplicates must not reach listeners twice")
	mu.Unlock()

	conn.Close()
	<-done
}

func TestRouter_JournalFailureWithholdsAck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := NewRouter(failingJournal{}, nil, nil)

	conn := newFakeConn()
	done := make(chan struct{})
	go func() { defer close(done); r.serveRunner(ctx, conn) }()

	conn.deliverJSON(t, events.Frame{Kind: events.FrameEvent, Event: ptr(routedEvent("s1", 1))})

	select {
	case data := <-conn.written:
		t.Fatalf("expected no ack, got %s", data)
	case <-time.After(100 * time.Millisecond):
	}

	conn.Close()
	<-done
}

func TestRouter_FansOutToAllSubjects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := store.NewMemoryStore()
	conns := NewConnectionManager(db, time.Second, nil)
	r := NewRouter(db, conns, nil)

	sub := newFakeConn()
	subDone := make(chan struct{})
	go func() { defer close(subDone); conns.handle(ctx, sub) }()

	assert.Equal(t, "connection.established", sub.next(t)["type"])

	for _, subject := range []string{
		events.AgentSubject("a1"),
		events.SessionSubject("s1"),
		events.VillageSubject("v1"),
	} {
		sub.deliverJSON(t, ClientMessage{Action: "subscribe", Subject: subject})
		assert.Equal(t, "subscription.confirmed", sub.next(t)["type"])
	}

	require.True(t, r.ingest(ctx, routedEvent("s1", 1)))

	// One copy per matching subject, each tagged with its routing subject.
	subjects := map[string]bool{}
	for range 3 {
		msg := sub.next(t)
		require.Equal(t, "event", msg["type"])
		subjects[msg["subject"].(string)] = true
		assert.NotZero(t, msg["journal_id"])
		event := msg["event"].(map[string]any)
		assert.Equal(t, "s1", event["session_id"])
	}
	assert.Len(t, subjects, 3)

	sub.Close()
	<-subDone
}

func ptr[T any](v T) *T { return &v }
