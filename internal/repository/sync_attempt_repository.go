package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsdesk/tracker-sync/internal/domain"
)

// SyncAttemptRepository tracks outbound failures per row.
type SyncAttemptRepository interface {
	// RecordFailure increments the attempt counter and returns the new count.
	RecordFailure(ctx context.Context, entityType domain.EntityType, entityID, kind, message string) (int, error)
	Get(ctx context.Context, entityType domain.EntityType, entityID string) (*domain.SyncAttempt, error)
	Clear(ctx context.Context, entityType domain.EntityType, entityID string) error
	// ListFailed returns tickets and comments parked in a failure state.
	ListFailed(ctx context.Context, limit int) ([]domain.FailedSync, error)
}

type syncAttemptRepository struct {
	pool *pgxpool.Pool
}

// NewSyncAttemptRepository creates repository.
func NewSyncAttemptRepository(pool *pgxpool.Pool) SyncAttemptRepository {
	return &syncAttemptRepository{pool: pool}
}

func (r *syncAttemptRepository) RecordFailure(ctx context.Context, entityType domain.EntityType, entityID, kind, message string) (int, error) {
	const query = `
        INSERT INTO sync_attempts (entity_type, entity_id, attempts, last_attempt_at, last_error_kind, last_error)
        VALUES ($1,$2,1,NOW(),$3,$4)
        ON CONFLICT (entity_type, entity_id) DO UPDATE
            SET attempts=sync_attempts.attempts+1, last_attempt_at=NOW(),
                last_error_kind=EXCLUDED.last_error_kind, last_error=EXCLUDED.last_error
        RETURNING attempts`
	var attempts int
	err := r.pool.QueryRow(ctx, query, entityType, entityID, kind, message).Scan(&attempts)
	return attempts, err
}

func (r *syncAttemptRepository) Get(ctx context.Context, entityType domain.EntityType, entityID string) (*domain.SyncAttempt, error) {
	const query = `
        SELECT entity_type, entity_id, attempts, last_attempt_at, last_error_kind, last_error
        FROM sync_attempts WHERE entity_type=$1 AND entity_id=$2`
	var a domain.SyncAttempt
	if err := r.pool.QueryRow(ctx, query, entityType, entityID).Scan(
		&a.EntityType,
		&a.EntityID,
		&a.Attempts,
		&a.LastAttemptAt,
		&a.LastErrorKind,
		&a.LastError,
	); err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

func (r *syncAttemptRepository) Clear(ctx context.Context, entityType domain.EntityType, entityID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM sync_attempts WHERE entity_type=$1 AND entity_id=$2`, entityType, entityID)
	return err
}

func (r *syncAttemptRepository) ListFailed(ctx context.Context, limit int) ([]domain.FailedSync, error) {
	const query = `
        SELECT f.entity_type, f.entity_id, f.ticket_id, f.sync_state, f.sync_error, COALESCE(a.attempts, 0), f.updated_at
        FROM (
            SELECT 'ticket' AS entity_type, id AS entity_id, id AS ticket_id, sync_state, sync_error, updated_at
            FROM tickets WHERE sync_state IN ('FAILED_RETRYABLE','FAILED_FATAL')
            UNION ALL
            SELECT 'comment', id, ticket_id, sync_state, sync_error, updated_at
            FROM comments WHERE sync_state IN ('FAILED_RETRYABLE','FAILED_FATAL')
        ) f
        LEFT JOIN sync_attempts a ON a.entity_type=f.entity_type AND a.entity_id=f.entity_id
        ORDER BY f.updated_at DESC
        LIMIT $1`
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.FailedSync
	for rows.Next() {
		var f domain.FailedSync
		if err := rows.Scan(&f.EntityType, &f.EntityID, &f.TicketID, &f.State, &f.Error, &f.Attempts, &f.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
