// Package router ingests sequenced events from runner connections,
// journals them, and fans them out to websocket subscribers by subject.
package router

import (
	"github.com/ai-village/village/pkg/events"
)

// ClientMessage is a message from a websocket subscriber.
type ClientMessage struct {
	Action  string `json:"action"`  // subscribe | unsubscribe | catchup | ping
	Subject string `json:"subject"` // agent:{id} | session:{id} | village:{id}
	// AfterID is the journal cursor for catchup; events with a greater
	// journal id are replayed.
	AfterID *int64 `json:"after_id,omitempty"`
}

// EventMessage is the wire shape of one routed event as subscribers see
// it: the exact runner event plus the routing subject and the journal id
// the client can resume catchup from.
type EventMessage struct {
	Type      string        `json:"type"` // always "event"
	Subject   string        `json:"subject"`
	JournalID int64         `json:"journal_id"`
	Event     *events.Event `json:"event"`
}
