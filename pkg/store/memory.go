package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ai-village/village/pkg/events"
	"github.com/ai-village/village/pkg/models"
)

// MemoryStore is an in-process MetadataStore. The journal is bounded only
// by memory; deployments that need durability or more than one control
// plane replica use the Postgres store instead.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
	journal  []JournalEntry
	seen     map[string]struct{} // DedupKey(session, seq) of journaled events
	nextID   int64
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*SessionRecord),
		seen:     make(map[string]struct{}),
		nextID:   1,
		now:      time.Now,
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, rec *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := rec.Config.SessionID
	if _, exists := s.sessions[id]; exists {
		return ErrDuplicateSession
	}
	stored := *rec
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.UpdatedAt = stored.CreatedAt
	s.sessions[id] = &stored
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := *rec
	return &out, nil
}

func (s *MemoryStore) UpdateSessionState(_ context.Context, sessionID string, state models.SessionState, errorMessage string, exitCode *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	rec.State = state
	rec.ErrorMessage = errorMessage
	rec.ExitCode = exitCode
	rec.UpdatedAt = s.now()
	if state.Terminal() && rec.EndedAt == nil {
		ended := rec.UpdatedAt
		rec.EndedAt = &ended
	}
	return nil
}

func (s *MemoryStore) ListSessions(_ context.Context, filter SessionFilter) ([]*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		if filter.RunnerID != "" && rec.RunnerID != filter.RunnerID {
			continue
		}
		if filter.State != "" && rec.State != filter.State {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Config.SessionID > out[j].Config.SessionID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, ev events.Event) (int64, bool, error) {
	key := events.DedupKey(ev.SessionID, ev.Seq)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[key]; dup {
		return 0, true, nil
	}
	id := s.nextID
	s.nextID++
	s.seen[key] = struct{}{}
	s.journal = append(s.journal, JournalEntry{ID: id, Event: ev})
	return id, false, nil
}

func (s *MemoryStore) CatchupEvents(_ context.Context, subject string, afterID int64, limit int) ([]JournalEntry, error) {
	kind, id, err := parseSubject(subject)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []JournalEntry
	for _, entry := range s.journal {
		if entry.ID <= afterID {
			continue
		}
		if !matchesSubject(&entry.Event, kind, id) {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() {}
