package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ai-village/village/pkg/events"
	"github.com/ai-village/village/pkg/store"
)

type managerHarness struct {
	db    *store.MemoryStore
	conns *ConnectionManager
	conn  *fakeConn
	done  chan struct{}
}

// startSubscriber connects one fake subscriber and consumes the
// connection.established message.
func startSubscriber(t *testing.T, db *store.MemoryStore) *managerHarness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h := &managerHarness{
		db:    db,
		conns: NewConnectionManager(db, time.Second, nil),
		conn:  newFakeConn(),
		done:  make(chan struct{}),
	}
	go func() { defer close(h.done); h.conns.handle(ctx, h.conn) }()
	t.Cleanup(func() {
		h.conn.Close()
		<-h.done
		cancel()
	})

	established := h.conn.next(t)
	require.Equal(t, "connection.established", established["type"])
	require.NotEmpty(t, established["connection_id"])
	return h
}

func TestConnectionManager_SubscribeConfirmsAndCatchesUp(t *testing.T) {
	db := store.NewMemoryStore()
	for seq := uint64(1); seq <= 3; seq++ {
		_, _, err := db.AppendEvent(context.Background(), routedEvent("s1", seq))
		require.NoError(t, err)
	}
	h := startSubscriber(t, db)

	h.conn.deliverJSON(t, ClientMessage{Action: "subscribe", Subject: events.SessionSubject("s1")})

	confirmed := h.conn.next(t)
	assert.Equal(t, "subscription.confirmed", confirmed["type"])
	assert.Equal(t, "session:s1", confirmed["subject"])

	// Everything already journaled replays in order, oldest first.
	var lastJournalID float64
	for seq := 1; seq <= 3; seq++ {
		msg := h.conn.next(t)
		require.Equal(t, "event", msg["type"])
		event := msg["event"].(map[string]any)
		assert.Equal(t, float64(seq), event["seq"])
		assert.Greater(t, msg["journal_id"].(float64), lastJournalID)
		lastJournalID = msg["journal_id"].(float64)
	}

	assert.Equal(t, 1, h.conns.subscriberCount("session:s1"))
}

func TestConnectionManager_SubscribeRequiresSubject(t *testing.T) {
	h := startSubscriber(t, store.NewMemoryStore())

	h.conn.deliverJSON(t, ClientMessage{Action: "subscribe"})
	assert.Equal(t, "error", h.conn.next(t)["type"])

	h.conn.deliverJSON(t, ClientMessage{Action: "catchup"})
	assert.Equal(t, "error", h.conn.next(t)["type"])
}

func TestConnectionManager_CatchupFromCursor(t *testing.T) {
	db := store.NewMemoryStore()
	var ids []int64
	for seq := uint64(1); seq <= 3; seq++ {
		id, _, err := db.AppendEvent(context.Background(), routedEvent("s1", seq))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	h := startSubscriber(t, db)

	h.conn.deliverJSON(t, ClientMessage{
		Action:  "catchup",
		Subject: events.SessionSubject("s1"),
		AfterID: &ids[1],
	})

	msg := h.conn.next(t)
	require.Equal(t, "event", msg["type"])
	event := msg["event"].(map[string]any)
	assert.Equal(t, float64(3), event["seq"], "only events past the cursor replay")

	// Catchup without a cursor is ignored.
	h.conn.deliverJSON(t, ClientMessage{Action: "catchup", Subject: events.SessionSubject("s1")})
	h.conn.deliverJSON(t, ClientMessage{Action: "ping"})
	assert.Equal(t, "pong", h.conn.next(t)["type"])
}

func TestConnectionManager_CatchupOverflow(t *testing.T) {
	db := store.NewMemoryStore()
	for seq := uint64(1); seq <= catchupLimit+5; seq++ {
		_, _, err := db.AppendEvent(context.Background(), routedEvent("s1", seq))
		require.NoError(t, err)
	}
	h := startSubscriber(t, db)

	h.conn.deliverJSON(t, ClientMessage{Action: "subscribe", Subject: events.SessionSubject("s1")})
	require.Equal(t, "subscription.confirmed", h.conn.next(t)["type"])

	for seq := 1; seq <= catchupLimit; seq++ {
		msg := h.conn.next(t)
		require.Equal(t, "event", msg["type"], "message %d", seq)
	}

	overflow := h.conn.next(t)
	assert.Equal(t, "catchup.overflow", overflow["type"])
	assert.Equal(t, true, overflow["has_more"])
}

func TestConnectionManager_UnsubscribeStopsDelivery(t *testing.T) {
	db := store.NewMemoryStore()
	h := startSubscriber(t, db)
	subject := events.SessionSubject("s1")

	h.conn.deliverJSON(t, ClientMessage{Action: "subscribe", Subject: subject})
	require.Equal(t, "subscription.confirmed", h.conn.next(t)["type"])
	require.Equal(t, 1, h.conns.subscriberCount(subject))

	h.conn.deliverJSON(t, ClientMessage{Action: "unsubscribe", Subject: subject})
	require.Eventually(t, func() bool {
		return h.conns.subscriberCount(subject) == 0
	}, 2*time.Second, 10*time.Millisecond)

	h.conns.Broadcast(subject, []byte(`{"type":"event"}`))
	select {
	case data := <-h.conn.written:
		t.Fatalf("expected no delivery after unsubscribe, got %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectionManager_DisconnectCleansSubscriptions(t *testing.T) {
	db := store.NewMemoryStore()
	h := startSubscriber(t, db)
	subject := events.VillageSubject("v1")

	h.conn.deliverJSON(t, ClientMessage{Action: "subscribe", Subject: subject})
	require.Equal(t, "subscription.confirmed", h.conn.next(t)["type"])

	h.conn.Close()
	<-h.done

	assert.Equal(t, 0, h.conns.subscriberCount(subject))
	assert.Equal(t, 0, h.conns.ActiveConnections())
}

type failingSource struct{}

func (failingSource) CatchupEvents(context.Context, string, int64, int) ([]store.JournalEntry, error) {
	return nil, errors.New("query failed")
}

func TestConnectionManager_CatchupFailureReportsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conns := NewConnectionManager(failingSource{}, time.Second, nil)
	conn := newFakeConn()
	done := make(chan struct{})
	go func() { defer close(done); conns.handle(ctx, conn) }()
	defer func() { conn.Close(); <-done }()

	require.Equal(t, "connection.established", conn.next(t)["type"])

	conn.deliverJSON(t, ClientMessage{Action: "subscribe", Subject: events.SessionSubject("s1")})
	require.Equal(t, "subscription.confirmed", conn.next(t)["type"])
	assert.Equal(t, "error", conn.next(t)["type"], "catchup failure surfaces to the client")
}

func TestConnectionManager_BroadcastOnlyToSubscribed(t *testing.T) {
	db := store.NewMemoryStore()
	conns := NewConnectionManager(db, time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscribed := newFakeConn()
	other := newFakeConn()
	for _, c := range []*fakeConn{subscribed, other} {
		done := make(chan struct{})
		go func() { defer close(done); conns.handle(ctx, c) }()
		defer func() { c.Close(); <-done }()
		require.Equal(t, "connection.established", c.next(t)["type"])
	}

	subscribed.deliverJSON(t, ClientMessage{Action: "subscribe", Subject: events.AgentSubject("a1")})
	require.Equal(t, "subscription.confirmed", subscribed.next(t)["type"])

	conns.Broadcast(events.AgentSubject("a1"), []byte(`{"type":"event","subject":"agent:a1"}`))

	msg := subscribed.next(t)
	assert.Equal(t, "event", msg["type"])

	select {
	case data := <-other.written:
		t.Fatalf("unsubscribed connection received %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}
