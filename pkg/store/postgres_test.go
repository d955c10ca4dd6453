package store

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ai-village/village/pkg/events"
	"github.com/ai-village/village/pkg/models"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// setupPostgresStore returns a store backed by a real PostgreSQL. In CI an
// external database is used via CI_DATABASE_URL; locally a testcontainer is
// started once per package. Short mode skips these tests entirely.
func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres store tests in short mode")
	}

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		containerOnce.Do(func() {
			ctx := context.Background()
			pgContainer, err := postgres.Run(ctx,
				"postgres:17-alpine",
				postgres.WithDatabase("test"),
				postgres.WithUsername("test"),
				postgres.WithPassword("test"),
				testcontainers.WithWaitStrategy(
					wait.ForLog("database system is ready to accept connections").
						WithOccurrence(2).
						WithStartupTimeout(30*time.Second)),
			)
			if err != nil {
				containerErr = err
				return
			}
			sharedConnStr, containerErr = pgContainer.ConnectionString(ctx, "sslmode=disable")
		})
		require.NoError(t, containerErr, "failed to start postgres test container")
		connStr = sharedConnStr
	}

	s, err := NewPostgresStore(context.Background(), connStr)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		_, _ = s.pool.Exec(ctx, "TRUNCATE sessions, session_events RESTART IDENTITY")
		s.Close()
	})
	return s
}

func TestPostgresStore_SessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := setupPostgresStore(t)

	require.NoError(t, s.CreateSession(ctx, testRecord("pg-s1", "r1")))
	assert.ErrorIs(t, s.CreateSession(ctx, testRecord("pg-s1", "r2")), ErrDuplicateSession)

	rec, err := s.GetSession(ctx, "pg-s1")
	require.NoError(t, err)
	assert.Equal(t, "r1", rec.RunnerID)
	assert.Equal(t, models.StateCreated, rec.State)
	assert.Equal(t, models.ProviderCodex, rec.Config.ProviderID)
	assert.Nil(t, rec.EndedAt)

	_, err = s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	code := 0
	require.NoError(t, s.UpdateSessionState(ctx, "pg-s1", models.StateCompleted, "", &code))
	rec, err = s.GetSession(ctx, "pg-s1")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, rec.State)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 0, *rec.ExitCode)
	require.NotNil(t, rec.EndedAt)

	assert.ErrorIs(t, s.UpdateSessionState(ctx, "missing", models.StateRunning, "", nil), ErrSessionNotFound)
}

func TestPostgresStore_ListSessions(t *testing.T) {
	ctx := context.Background()
	s := setupPostgresStore(t)

	for _, rec := range []*SessionRecord{
		testRecord("pg-l1", "r1"),
		testRecord("pg-l2", "r1"),
		testRecord("pg-l3", "r2"),
	} {
		require.NoError(t, s.CreateSession(ctx, rec))
	}
	require.NoError(t, s.UpdateSessionState(ctx, "pg-l2", models.StateRunning, "", nil))

	all, err := s.ListSessions(ctx, SessionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byRunner, err := s.ListSessions(ctx, SessionFilter{RunnerID: "r1"})
	require.NoError(t, err)
	assert.Len(t, byRunner, 2)

	running, err := s.ListSessions(ctx, SessionFilter{RunnerID: "r1", State: models.StateRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "pg-l2", running[0].Config.SessionID)
}

func TestPostgresStore_JournalAndCatchup(t *testing.T) {
	ctx := context.Background()
	s := setupPostgresStore(t)

	var ids []int64
	for seq := uint64(1); seq <= 3; seq++ {
		id, dup, err := s.AppendEvent(ctx, testEvent("pg-j1", seq, "a1", "v1"))
		require.NoError(t, err)
		assert.False(t, dup)
		ids = append(ids, id)
	}
	assert.Less(t, ids[0], ids[1])

	// Redelivery of an already-journaled event is a duplicate.
	id, dup, err := s.AppendEvent(ctx, testEvent("pg-j1", 2, "a1", "v1"))
	require.NoError(t, err)
	assert.True(t, dup)
	assert.Zero(t, id)

	_, dup, err = s.AppendEvent(ctx, testEvent("pg-j2", 1, "a2", "v1"))
	require.NoError(t, err)
	assert.False(t, dup)

	bySession, err := s.CatchupEvents(ctx, events.SessionSubject("pg-j1"), 0, 0)
	require.NoError(t, err)
	require.Len(t, bySession, 3)
	assert.Equal(t, uint64(1), bySession[0].Event.Seq)
	assert.Equal(t, events.TypeTerminalChunk, bySession[0].Event.Type)

	byVillage, err := s.CatchupEvents(ctx, events.VillageSubject("v1"), 0, 0)
	require.NoError(t, err)
	assert.Len(t, byVillage, 4)

	resumed, err := s.CatchupEvents(ctx, events.SessionSubject("pg-j1"), ids[1], 0)
	require.NoError(t, err)
	require.Len(t, resumed, 1)
	assert.Equal(t, uint64(3), resumed[0].Event.Seq)

	_, err = s.CatchupEvents(ctx, "bogus", 0, 0)
	assert.Error(t, err)
}
