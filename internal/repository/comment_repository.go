package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsdesk/tracker-sync/internal/domain"
)

// CommentRepository persists ticket comments.
type CommentRepository interface {
	Create(ctx context.Context, comment *domain.Comment) error
	// CreateExternal inserts a tracker comment. It returns false when the
	// external id is already known for the ticket.
	CreateExternal(ctx context.Context, comment *domain.Comment) (bool, error)
	GetByID(ctx context.Context, id string) (*domain.Comment, error)
	GetByExternalID(ctx context.Context, ticketID, externalID string) (*domain.Comment, error)
	UpdateContent(ctx context.Context, id, content string) error
	// ApplyExternalUpdate stores new content only when updatedAt is newer
	// than the stored external timestamp.
	ApplyExternalUpdate(ctx context.Context, id, content string, updatedAt int64) (bool, error)
	Delete(ctx context.Context, id string) error
	BindExternalID(ctx context.Context, id, externalID string) error
	MarkPushing(ctx context.Context, id string) error
	MarkSynced(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, state domain.SyncState, message string) error
	ResetForRetry(ctx context.Context, id string) error
	ListByTicket(ctx context.Context, ticketID string) ([]domain.Comment, error)
	// ListPendingByTicket returns local comments not yet created remotely,
	// oldest first. Rows parked as fatal are skipped.
	ListPendingByTicket(ctx context.Context, ticketID string) ([]domain.Comment, error)
	ListBySyncState(ctx context.Context, states []domain.SyncState, limit int) ([]domain.Comment, error)
}

type commentRepository struct {
	pool *pgxpool.Pool
}

// NewCommentRepository creates repository.
func NewCommentRepository(pool *pgxpool.Pool) CommentRepository {
	return &commentRepository{pool: pool}
}

const commentColumns = `id, ticket_id, external_id, content, comment_type, origin, author, external_updated_at,
               sync_state, sync_error, created_at, updated_at`

const insertComment = `
        INSERT INTO comments (id, ticket_id, external_id, content, comment_type, origin, author, external_updated_at, sync_state)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

func (r *commentRepository) Create(ctx context.Context, comment *domain.Comment) error {
	prepareComment(comment)
	err := r.pool.QueryRow(ctx, insertComment+` RETURNING created_at, updated_at`,
		commentArgs(comment)...,
	).Scan(&comment.CreatedAt, &comment.UpdatedAt)
	return mapCommentWriteError(err)
}

func (r *commentRepository) CreateExternal(ctx context.Context, comment *domain.Comment) (bool, error) {
	prepareComment(comment)
	err := r.pool.QueryRow(ctx, insertComment+`
        ON CONFLICT (ticket_id, external_id) DO NOTHING
        RETURNING created_at, updated_at`,
		commentArgs(comment)...,
	).Scan(&comment.CreatedAt, &comment.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *commentRepository) GetByID(ctx context.Context, id string) (*domain.Comment, error) {
	return r.fetchSingle(ctx, `SELECT `+commentColumns+` FROM comments WHERE id=$1`, id)
}

func (r *commentRepository) GetByExternalID(ctx context.Context, ticketID, externalID string) (*domain.Comment, error) {
	return r.fetchSingle(ctx, `SELECT `+commentColumns+` FROM comments WHERE ticket_id=$1 AND external_id=$2`, ticketID, externalID)
}

func (r *commentRepository) UpdateContent(ctx context.Context, id, content string) error {
	return r.exec(ctx, `UPDATE comments SET content=$2, updated_at=NOW() WHERE id=$1`, id, content)
}

func (r *commentRepository) ApplyExternalUpdate(ctx context.Context, id, content string, updatedAt int64) (bool, error) {
	const query = `
        UPDATE comments SET content=$2, external_updated_at=$3, updated_at=NOW()
        WHERE id=$1 AND external_updated_at < $3`
	cmd, err := r.pool.Exec(ctx, query, id, content, updatedAt)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *commentRepository) Delete(ctx context.Context, id string) error {
	return r.exec(ctx, `DELETE FROM comments WHERE id=$1`, id)
}

func (r *commentRepository) BindExternalID(ctx context.Context, id, externalID string) error {
	const query = `
        UPDATE comments SET external_id=$2, updated_at=NOW()
        WHERE id=$1 AND (external_id IS NULL OR external_id=$2)`
	cmd, err := r.pool.Exec(ctx, query, id, externalID)
	if err != nil {
		return mapCommentWriteError(err)
	}
	if cmd.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrExternalIDConflict
	}
	return nil
}

func (r *commentRepository) MarkPushing(ctx context.Context, id string) error {
	return r.exec(ctx, `UPDATE comments SET sync_state='PUSHING' WHERE id=$1`, id)
}

func (r *commentRepository) MarkSynced(ctx context.Context, id string) error {
	return r.exec(ctx, `UPDATE comments SET sync_state='SYNCED', sync_error=NULL WHERE id=$1`, id)
}

func (r *commentRepository) MarkFailed(ctx context.Context, id string, state domain.SyncState, message string) error {
	return r.exec(ctx, `UPDATE comments SET sync_state=$2, sync_error=$3 WHERE id=$1`, id, state, message)
}

func (r *commentRepository) ResetForRetry(ctx context.Context, id string) error {
	return r.exec(ctx, `UPDATE comments SET sync_state='UNSYNCED', sync_error=NULL WHERE id=$1`, id)
}

func (r *commentRepository) ListByTicket(ctx context.Context, ticketID string) ([]domain.Comment, error) {
	return r.list(ctx, `SELECT `+commentColumns+` FROM comments WHERE ticket_id=$1 ORDER BY created_at ASC`, ticketID)
}

func (r *commentRepository) ListPendingByTicket(ctx context.Context, ticketID string) ([]domain.Comment, error) {
	query := `SELECT ` + commentColumns + ` FROM comments
        WHERE ticket_id=$1 AND origin='local' AND external_id IS NULL AND sync_state <> 'FAILED_FATAL'
        ORDER BY created_at ASC`
	return r.list(ctx, query, ticketID)
}

func (r *commentRepository) ListBySyncState(ctx context.Context, states []domain.SyncState, limit int) ([]domain.Comment, error) {
	args := []any{}
	placeholders := make([]string, len(states))
	for i, state := range states {
		args = append(args, state)
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}
	query := `SELECT ` + commentColumns + ` FROM comments`
	if len(states) > 0 {
		query += fmt.Sprintf(" WHERE sync_state IN (%s)", strings.Join(placeholders, ","))
	}
	query += " ORDER BY updated_at ASC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return r.list(ctx, query, args...)
}

func (r *commentRepository) exec(ctx context.Context, query string, args ...any) error {
	cmd, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *commentRepository) list(ctx context.Context, query string, args ...any) ([]domain.Comment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []domain.Comment
	for rows.Next() {
		comment, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		comments = append(comments, *comment)
	}
	return comments, rows.Err()
}

func (r *commentRepository) fetchSingle(ctx context.Context, query string, args ...any) (*domain.Comment, error) {
	comment, err := scanComment(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, notFound(err)
	}
	return comment, nil
}

func scanComment(row pgx.Row) (*domain.Comment, error) {
	var c domain.Comment
	if err := row.Scan(
		&c.ID,
		&c.TicketID,
		&c.ExternalID,
		&c.Content,
		&c.CommentType,
		&c.Origin,
		&c.Author,
		&c.ExternalUpdatedAt,
		&c.SyncState,
		&c.SyncError,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

func prepareComment(comment *domain.Comment) {
	if comment.ID == "" {
		comment.ID = uuid.NewString()
	}
	if comment.Origin == "" {
		comment.Origin = domain.OriginLocal
	}
	if comment.CommentType == "" {
		comment.CommentType = domain.CommentTypeComment
	}
	if comment.SyncState == "" {
		comment.SyncState = domain.SyncStateUnsynced
	}
}

func commentArgs(c *domain.Comment) []any {
	return []any{c.ID, c.TicketID, c.ExternalID, c.Content, c.CommentType, c.Origin, c.Author, c.ExternalUpdatedAt, c.SyncState}
}

func mapCommentWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23503":
			return ErrNotFound
		case pgErr.Code == "23505" && pgErr.ConstraintName == "comments_ticket_external_id_key":
			return ErrExternalIDConflict
		}
	}
	return err
}
