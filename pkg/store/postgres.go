package store

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql (migrations)

	"github.com/ai-village/village/pkg/events"
	"github.com/ai-village/village/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// uniqueViolation is the Postgres error code for unique constraint violations.
const uniqueViolation = "23505"

// PostgresStore is the durable MetadataStore, backed by pgx. Migrations are
// embedded into the binary and applied on startup.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database, applies pending migrations and
// returns a ready store.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := runMigrations(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// runMigrations applies embedded migrations through database/sql. The
// migration connection is separate from the query pool and closed once the
// schema is current.
func runMigrations(dsn string) error {
	db, err := stdsql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open migration connection: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create postgres migration driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	// Close only the source. m.Close() would also close the database driver,
	// and with it the *sql.DB we are about to defer-close anyway.
	if err := source.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, rec *SessionRecord) error {
	cfg, err := json.Marshal(rec.Config)
	if err != nil {
		return fmt.Errorf("marshal session config: %w", err)
	}
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, runner_id, state, config, error_message, exit_code, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		rec.Config.SessionID, rec.RunnerID, string(rec.State), cfg,
		rec.ErrorMessage, rec.ExitCode, createdAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateSession
		}
		return fmt.Errorf("insert session %s: %w", rec.Config.SessionID, err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, runner_id, state, config, error_message, exit_code, created_at, updated_at, ended_at
		FROM sessions WHERE session_id = $1`, sessionID)
	rec, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("query session %s: %w", sessionID, err)
	}
	return rec, nil
}

func (s *PostgresStore) UpdateSessionState(ctx context.Context, sessionID string, state models.SessionState, errorMessage string, exitCode *int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET state = $2, error_message = $3, exit_code = $4, updated_at = now(),
		    ended_at = CASE WHEN $5 AND ended_at IS NULL THEN now() ELSE ended_at END
		WHERE session_id = $1`,
		sessionID, string(state), errorMessage, exitCode, state.Terminal())
	if err != nil {
		return fmt.Errorf("update session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*SessionRecord, error) {
	query := `
		SELECT session_id, runner_id, state, config, error_message, exit_code, created_at, updated_at, ended_at
		FROM sessions`
	var conds []string
	var args []any
	if filter.RunnerID != "" {
		args = append(args, filter.RunnerID)
		conds = append(conds, fmt.Sprintf("runner_id = $%d", len(args)))
	}
	if filter.State != "" {
		args = append(args, string(filter.State))
		conds = append(conds, fmt.Sprintf("state = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, session_id DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AppendEvent(ctx context.Context, ev events.Event) (int64, bool, error) {
	payload, err := json.Marshal(&ev)
	if err != nil {
		return 0, false, fmt.Errorf("marshal event %s seq=%d: %w", ev.SessionID, ev.Seq, err)
	}
	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO session_events (session_id, seq, agent_id, village_id, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ON CONSTRAINT session_events_session_seq DO NOTHING
		RETURNING id`,
		ev.SessionID, ev.Seq, ev.AgentID, ev.VillageID, payload).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, true, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("journal event %s seq=%d: %w", ev.SessionID, ev.Seq, err)
	}
	return id, false, nil
}

func (s *PostgresStore) CatchupEvents(ctx context.Context, subject string, afterID int64, limit int) ([]JournalEntry, error) {
	column, id, err := subjectColumn(subject)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, payload FROM session_events
		WHERE %s = $1 AND id > $2
		ORDER BY id ASC LIMIT $3`, column),
		id, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("catchup query for %s: %w", subject, err)
	}
	defer rows.Close()

	var out []JournalEntry
	for rows.Next() {
		var entry JournalEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &payload); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		if err := json.Unmarshal(payload, &entry.Event); err != nil {
			return nil, fmt.Errorf("decode journaled event id=%d: %w", entry.ID, err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catchup rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

// subjectColumn maps a fan-out subject to its journal column. The column
// name comes from this fixed mapping, never from input.
func subjectColumn(subject string) (column, id string, err error) {
	kind, id, err := parseSubject(subject)
	if err != nil {
		return "", "", err
	}
	return kind + "_id", id, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*SessionRecord, error) {
	var rec SessionRecord
	var sessionID, state string
	var cfg []byte
	if err := row.Scan(&sessionID, &rec.RunnerID, &state, &cfg,
		&rec.ErrorMessage, &rec.ExitCode, &rec.CreatedAt, &rec.UpdatedAt, &rec.EndedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfg, &rec.Config); err != nil {
		return nil, fmt.Errorf("decode config for session %s: %w", sessionID, err)
	}
	rec.State = models.SessionState(state)
	return &rec, nil
}
