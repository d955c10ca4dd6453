package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ai-village/village/pkg/models"
)

// Sink receives fully sequenced events. Implemented by the Stream (runner →
// control plane) and by in-process fakes in tests.
type Sink interface {
	Publish(event Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Publish implements Sink.
func (f SinkFunc) Publish(event Event) { f(event) }

// Emitter stamps events for a single session: routing ids, ms timestamp,
// and a gapless sequence starting at 1. Emit must only be called from the
// session's lane goroutine, which is what makes the sequence gapless
// without a lock.
type Emitter struct {
	sessionID string
	orgID     string
	agentID   string
	villageID string
	repo      models.RepoRef
	sink      Sink
	seq       uint64
	now       func() time.Time
}

// NewEmitter creates an emitter bound to a session's routing identity.
func NewEmitter(cfg *models.SessionConfig, sink Sink) *Emitter {
	return &Emitter{
		sessionID: cfg.SessionID,
		orgID:     cfg.OrgID,
		agentID:   cfg.AgentID,
		villageID: cfg.VillageID,
		repo:      cfg.Repo,
		sink:      sink,
		now:       time.Now,
	}
}

// Emit marshals the payload, assigns the next sequence number, and hands
// the event to the sink. Marshal failures are logged and consume no
// sequence number, so the stream stays gapless.
func (e *Emitter) Emit(t Type, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal event payload, dropping event",
			"session_id", e.sessionID, "type", t, "error", err)
		return
	}
	e.seq++
	e.sink.Publish(Event{
		Type:      t,
		SessionID: e.sessionID,
		OrgID:     e.orgID,
		AgentID:   e.agentID,
		VillageID: e.villageID,
		Repo:      e.repo,
		TS:        Millis(e.now()),
		Seq:       e.seq,
		Payload:   raw,
	})
}

// LastSeq returns the sequence number of the most recently emitted event.
func (e *Emitter) LastSeq() uint64 { return e.seq }

// DedupKey is the identity consumers deduplicate on.
func DedupKey(sessionID string, seq uint64) string {
	return fmt.Sprintf("%s:%d", sessionID, seq)
}
