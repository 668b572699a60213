package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/utkarshayachit/simplified-batch/internal/session"
)

const (
	queueSize    = 1024
	writeTimeout = 5 * time.Second
)

// Execer is the subset of pgxpool.Pool the store writes through.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type event struct {
	summary session.Summary
	change  session.Change
	at      time.Time
}

// Store records session state transitions in Postgres. Writes happen on a
// background worker so observers never block the orchestrator.
type Store struct {
	db     Execer
	logger zerolog.Logger
	queue  chan event
	wg     sync.WaitGroup
	close  func()

	mu     sync.RWMutex
	closed bool
}

// Open connects to dsn, runs migrations and starts the writer.
func Open(ctx context.Context, dsn string, logger zerolog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	s := NewStore(pool, logger)
	s.close = pool.Close
	return s, nil
}

func NewStore(db Execer, logger zerolog.Logger) *Store {
	s := &Store{
		db:     db,
		logger: logger,
		queue:  make(chan event, queueSize),
		close:  func() {},
	}
	s.wg.Add(1)
	go s.worker()
	return s
}

func Migrate(ctx context.Context, db Execer) error {
	const stmt = `
        CREATE TABLE IF NOT EXISTS sessions (
            id UUID PRIMARY KEY,
            job_id TEXT UNIQUE NOT NULL,
            pool_id TEXT NOT NULL,
            port INTEGER NOT NULL,
            dataset TEXT NOT NULL DEFAULT '',
            container TEXT NOT NULL DEFAULT '',
            state TEXT NOT NULL,
            seq BIGINT NOT NULL DEFAULT 0,
            error TEXT NOT NULL DEFAULT '',
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
        );
        CREATE TABLE IF NOT EXISTS session_events (
            id UUID PRIMARY KEY,
            job_id TEXT NOT NULL,
            from_state TEXT NOT NULL,
            to_state TEXT NOT NULL,
            seq BIGINT NOT NULL DEFAULT 0,
            at TIMESTAMPTZ NOT NULL
        );
        ALTER TABLE sessions ADD COLUMN IF NOT EXISTS seq BIGINT NOT NULL DEFAULT 0;
        ALTER TABLE session_events ADD COLUMN IF NOT EXISTS seq BIGINT NOT NULL DEFAULT 0;
        CREATE INDEX IF NOT EXISTS session_events_job_id ON session_events (job_id);`
	_, err := db.Exec(ctx, stmt)
	return err
}

// Transition implements session.Observer. Changes may arrive out of order;
// the session row only moves forward in Seq.
func (s *Store) Transition(h *session.Handle, c session.Change) {
	ev := event{summary: h.Summary(), change: c, at: time.Now().UTC()}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- ev:
	default:
		s.logger.Warn().Str("job_id", ev.summary.JobID).Str("state", string(c.To)).Msg("audit queue saturated, dropping event")
	}
}

// Close drains queued events and releases the connection pool.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	s.wg.Wait()
	s.close()
}

func (s *Store) worker() {
	defer s.wg.Done()
	for ev := range s.queue {
		if err := s.write(ev); err != nil {
			s.logger.Error().Err(err).Str("job_id", ev.summary.JobID).Str("state", string(ev.change.To)).Msg("audit write failed")
		}
	}
}

func (s *Store) write(ev event) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.upsertSession(ctx, ev); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	if err := s.insertEvent(ctx, ev); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) upsertSession(ctx context.Context, ev event) error {
	const query = `
        INSERT INTO sessions (id, job_id, pool_id, port, dataset, container, state, seq, error, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (job_id)
        DO UPDATE SET state = EXCLUDED.state, seq = EXCLUDED.seq, error = EXCLUDED.error, updated_at = EXCLUDED.updated_at
        WHERE sessions.seq < EXCLUDED.seq;`
	sum := ev.summary
	var errText string
	if ev.change.Err != nil {
		errText = ev.change.Err.Error()
	}
	_, err := s.db.Exec(ctx, query, uuid.New(), sum.JobID, sum.PoolID, sum.Port, sum.Dataset, sum.Container,
		string(ev.change.To), int64(ev.change.Seq), errText, sum.Created, ev.at)
	return err
}

func (s *Store) insertEvent(ctx context.Context, ev event) error {
	const query = `
        INSERT INTO session_events (id, job_id, from_state, to_state, seq, at)
        VALUES ($1, $2, $3, $4, $5, $6);`
	_, err := s.db.Exec(ctx, query, uuid.New(), ev.summary.JobID, string(ev.change.From), string(ev.change.To),
		int64(ev.change.Seq), ev.at)
	return err
}
