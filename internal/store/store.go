// Package store mediates all persistence for the worker against Postgres.
// The worker owns the gap_analyses summary table; papers and their extracted
// content are read from tables owned by the extraction service, and the
// per-gap detail tables are populated downstream.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Sentinel errors callers branch on.
var (
	ErrPaperNotFound    = errors.New("paper not found")
	ErrAnalysisNotFound = errors.New("analysis not found")
	ErrGapNotFound      = errors.New("gap not found")
)

// Store wraps the shared connection pool.
type Store struct {
	pool *pgxpool.Pool

	// sleep is overridable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// Open connects the pool and verifies it with a ping, retrying transient
// startup failures (3 attempts, exponential from 2s).
func Open(ctx context.Context, dsn string) (*Store, error) {
	var pool *pgxpool.Pool
	delay := 2 * time.Second
	const maxAttempts = 3
	for attempt := 1; ; attempt++ {
		var err error
		pool, err = pgxpool.New(ctx, dsn)
		if err == nil {
			err = pool.Ping(ctx)
			if err == nil {
				log.Info().Msg("database connection established")
				return &Store{pool: pool}, nil
			}
			pool.Close()
		}
		if attempt >= maxAttempts {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("database connection failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// Close disposes the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) doSleep(ctx context.Context, d time.Duration) error {
	if s.sleep != nil {
		return s.sleep(ctx, d)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
	}
	return nil
}

// IsDuplicateCorrelation recognizes a unique violation on the correlation id.
// The upsert makes this unreachable in normal operation; the consumer keeps a
// defensive path for it regardless.
func IsDuplicateCorrelation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && strings.Contains(pgErr.ConstraintName, "correlation")
	}
	return false
}

// isDNSFailure recognizes resolver errors in the driver's error text; these
// are worth a fresh acquisition attempt.
func isDNSFailure(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "no such host") ||
		strings.Contains(s, "Name or service not known") ||
		strings.Contains(s, "getaddrinfo failed") ||
		strings.Contains(s, "server misbehaving")
}

// Session is a per-message scoped connection.
type Session struct {
	conn *pgxpool.Conn
}

// AcquireSession checks a connection out of the pool, retrying DNS failures
// with exponential backoff: three attempts, waiting 1s and then 2s between
// them.
func (s *Store) AcquireSession(ctx context.Context) (*Session, error) {
	delay := time.Second
	const maxAttempts = 3
	for attempt := 1; ; attempt++ {
		conn, err := s.pool.Acquire(ctx)
		if err == nil {
			return &Session{conn: conn}, nil
		}
		if !isDNSFailure(err) || attempt >= maxAttempts {
			return nil, fmt.Errorf("acquire session: %w", err)
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("dns failure acquiring session, retrying")
		if serr := s.doSleep(ctx, delay); serr != nil {
			return nil, serr
		}
		delay *= 2
	}
}

// Close releases the session's connection back to the pool.
func (sess *Session) Close() {
	if sess.conn != nil {
		sess.conn.Release()
		sess.conn = nil
	}
}

// UpsertAnalysis is the idempotency gate: re-delivery of a correlation id
// reuses the existing row, resetting it to PROCESSING.
func (sess *Session) UpsertAnalysis(ctx context.Context, req UpsertRequest) (uuid.UUID, error) {
	const q = `
INSERT INTO gap_analyses (
  id, paper_id, paper_extraction_id, correlation_id, request_id,
  status, started_at, error_message, config,
  total_gaps_identified, valid_gaps_count, invalid_gaps_count, modified_gaps_count
) VALUES ($1, $2, $3, $4, $5, $6, now(), NULL, $7, 0, 0, 0, 0)
ON CONFLICT (correlation_id) DO UPDATE SET
  paper_id = EXCLUDED.paper_id,
  paper_extraction_id = EXCLUDED.paper_extraction_id,
  request_id = EXCLUDED.request_id,
  status = EXCLUDED.status,
  started_at = now(),
  error_message = NULL,
  config = EXCLUDED.config
RETURNING id`

	var id uuid.UUID
	err := sess.conn.QueryRow(ctx, q,
		uuid.New(), req.PaperID, req.PaperExtractionID, req.CorrelationID, req.RequestID,
		StatusProcessing, req.Config,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert analysis: %w", err)
	}
	return id, nil
}

// GetAnalysis loads one analysis row by id.
func (sess *Session) GetAnalysis(ctx context.Context, id uuid.UUID) (*Analysis, error) {
	return scanAnalysis(sess.conn.QueryRow(ctx, selectAnalysis+` WHERE id = $1`, id))
}

// GetAnalysisByCorrelationID loads one analysis row by its idempotency key.
func (sess *Session) GetAnalysisByCorrelationID(ctx context.Context, correlationID string) (*Analysis, error) {
	return scanAnalysis(sess.conn.QueryRow(ctx, selectAnalysis+` WHERE correlation_id = $1`, correlationID))
}

const selectAnalysis = `
SELECT id, paper_id, paper_extraction_id, correlation_id, request_id,
       status, started_at, completed_at, error_message,
       total_gaps_identified, valid_gaps_count, invalid_gaps_count, modified_gaps_count
FROM gap_analyses`

func scanAnalysis(row pgx.Row) (*Analysis, error) {
	var a Analysis
	err := row.Scan(&a.ID, &a.PaperID, &a.PaperExtractionID, &a.CorrelationID, &a.RequestID,
		&a.Status, &a.StartedAt, &a.CompletedAt, &a.ErrorMessage,
		&a.TotalGapsIdentified, &a.ValidGapsCount, &a.InvalidGapsCount, &a.ModifiedGapsCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAnalysisNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan analysis: %w", err)
	}
	return &a, nil
}

// Finalize writes terminal state in a single transaction.
func (sess *Session) Finalize(ctx context.Context, id uuid.UUID, counts Counts, status string, errMsg string) error {
	tx, err := sess.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback(ctx)

	var errVal *string
	if status == StatusFailed {
		errVal = &errMsg
	}
	_, err = tx.Exec(ctx, `
UPDATE gap_analyses SET
  status = $2,
  completed_at = now(),
  error_message = $3,
  total_gaps_identified = $4,
  valid_gaps_count = $5,
  invalid_gaps_count = $6,
  modified_gaps_count = $7
WHERE id = $1`,
		id, status, errVal, counts.Total, counts.Valid, counts.Invalid, counts.Modified)
	if err != nil {
		return fmt.Errorf("finalize analysis: %w", err)
	}
	return tx.Commit(ctx)
}

// ResetForRetry moves a FAILED analysis back to PENDING and clears its error
// and timestamps. Re-publishing to the bus is the orchestrator's job.
func (s *Store) ResetForRetry(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE gap_analyses SET
  status = $2, error_message = NULL, started_at = NULL, completed_at = NULL
WHERE id = $1 AND status = $3`,
		id, StatusPending, StatusFailed)
	if err != nil {
		return fmt.Errorf("reset analysis: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAnalysisNotFound
	}
	return nil
}
