package repository

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

	"github.com/opsdesk/tracker-sync/internal/domain"
)

// ExternalWrite describes a write of tracker-side state onto a ticket.
type ExternalWrite struct {
	// Revision is stored as the new external revision. Without Force the
	// write only happens when it is greater than the stored one.
	Revision int64
	Force    bool
	// ExpectedVersion is the local version the merged row was computed from.
	// A concurrent local edit makes the write a no-op.
	ExpectedVersion int64
}

// TicketRepository encapsulates ticket persistence.
type TicketRepository interface {
	Create(ctx context.Context, ticket *domain.Ticket) error
	// CreateExternal inserts a ticket seeded by the tracker. It returns false
	// when a row with the same external key already exists.
	CreateExternal(ctx context.Context, ticket *domain.Ticket) (bool, error)
	// UpdateLocal stores a local edit. A non-empty changed list is added to
	// the pending fields, bumps the local version and resets the sync state;
	// an empty one leaves all sync bookkeeping untouched.
	UpdateLocal(ctx context.Context, ticket *domain.Ticket, changed []string) error
	ApplyExternal(ctx context.Context, ticket *domain.Ticket, write ExternalWrite) (bool, error)
	GetByID(ctx context.Context, id string) (*domain.Ticket, error)
	GetByExternalKey(ctx context.Context, key string) (*domain.Ticket, error)
	// BindExternalKey is idempotent for the same key and fails with
	// ErrExternalKeyConflict for a different one.
	BindExternalKey(ctx context.Context, id, key string) error
	MarkPushing(ctx context.Context, id string) error
	// MarkSynced clears pending fields only when no local edit happened since
	// localVersion was read. It reports whether the row was marked.
	MarkSynced(ctx context.Context, id string, localVersion int64) (bool, error)
	MarkFailed(ctx context.Context, id string, state domain.SyncState, message string) error
	ResetForRetry(ctx context.Context, id string) error
	ListBySyncState(ctx context.Context, states []domain.SyncState, limit int) ([]domain.Ticket, error)
	// ListUnsynced returns rows waiting for a push that were last touched
	// before the cutoff, typically because a trigger was lost.
	ListUnsynced(ctx context.Context, before time.Time, limit int) ([]domain.Ticket, error)
}

type ticketRepository struct {
	pool *pgxpool.Pool
}

// NewTicketRepository instantiates repository.
func NewTicketRepository(pool *pgxpool.Pool) TicketRepository {
	return &ticketRepository{pool: pool}
}

const ticketColumns = `id, external_key, title, description, type, status, priority, channel, target_date,
               created_by, assigned_to, external_assignee, contact_id, company_id, product_id, module_id, feature_id,
               origin, external_revision, local_version, sync_state, sync_error, pending_fields, created_at, updated_at`

const insertTicket = `
        INSERT INTO tickets (id, external_key, title, description, type, status, priority, channel, target_date,
            created_by, assigned_to, external_assignee, contact_id, company_id, product_id, module_id, feature_id,
            origin, external_revision, sync_state, pending_fields)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`

func (r *ticketRepository) Create(ctx context.Context, ticket *domain.Ticket) error {
	prepareInsert(ticket)
	err := r.pool.QueryRow(ctx, insertTicket+` RETURNING local_version, created_at, updated_at`,
		insertArgs(ticket)...,
	).Scan(&ticket.LocalVersion, &ticket.CreatedAt, &ticket.UpdatedAt)
	return mapTicketWriteError(err)
}

func (r *ticketRepository) CreateExternal(ctx context.Context, ticket *domain.Ticket) (bool, error) {
	prepareInsert(ticket)
	err := r.pool.QueryRow(ctx, insertTicket+`
        ON CONFLICT (external_key) DO NOTHING
        RETURNING local_version, created_at, updated_at`,
		insertArgs(ticket)...,
	).Scan(&ticket.LocalVersion, &ticket.CreatedAt, &ticket.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *ticketRepository) UpdateLocal(ctx context.Context, ticket *domain.Ticket, changed []string) error {
	const query = `
        UPDATE tickets SET title=$1, description=$2, type=$3, status=$4, priority=$5, channel=$6, target_date=$7,
            assigned_to=$8, contact_id=$9, company_id=$10, product_id=$11, module_id=$12, feature_id=$13,
            origin='local',
            pending_fields=ARRAY(SELECT DISTINCT f FROM unnest(pending_fields || $14::text[]) AS f ORDER BY f),
            local_version=CASE WHEN cardinality($14::text[]) > 0 THEN local_version+1 ELSE local_version END,
            sync_state=CASE WHEN cardinality($14::text[]) > 0 THEN 'UNSYNCED' ELSE sync_state END,
            sync_error=CASE WHEN cardinality($14::text[]) > 0 THEN NULL ELSE sync_error END,
            updated_at=NOW()
        WHERE id=$15
        RETURNING origin, local_version, sync_state, pending_fields, updated_at`
	err := r.pool.QueryRow(ctx, query,
		ticket.Title,
		ticket.Description,
		ticket.Type,
		ticket.Status,
		ticket.Priority,
		ticket.Channel,
		ticket.TargetDate,
		ticket.AssignedTo,
		ticket.ContactID,
		ticket.CompanyID,
		ticket.ProductID,
		ticket.ModuleID,
		ticket.FeatureID,
		nonNilStrings(changed),
		ticket.ID,
	).Scan(&ticket.Origin, &ticket.LocalVersion, &ticket.SyncState, &ticket.PendingFields, &ticket.UpdatedAt)
	return notFound(err)
}

func (r *ticketRepository) ApplyExternal(ctx context.Context, ticket *domain.Ticket, write ExternalWrite) (bool, error) {
	const query = `
        UPDATE tickets SET title=$1, description=$2, type=$3, status=$4, priority=$5, channel=$6, target_date=$7,
            external_assignee=$8, pending_fields=$9,
            origin='external',
            external_revision=GREATEST(external_revision, $10),
            updated_at=NOW()
        WHERE id=$11 AND local_version=$12 AND ($13 OR external_revision < $10)
        RETURNING external_revision, origin, updated_at`
	err := r.pool.QueryRow(ctx, query,
		ticket.Title,
		ticket.Description,
		ticket.Type,
		ticket.Status,
		ticket.Priority,
		ticket.Channel,
		ticket.TargetDate,
		ticket.ExternalAssignee,
		nonNilStrings(ticket.PendingFields),
		write.Revision,
		ticket.ID,
		write.ExpectedVersion,
		write.Force,
	).Scan(&ticket.ExternalRevision, &ticket.Origin, &ticket.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *ticketRepository) GetByID(ctx context.Context, id string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE id=$1`
	return r.fetchSingle(ctx, query, id)
}

func (r *ticketRepository) GetByExternalKey(ctx context.Context, key string) (*domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE external_key=$1`
	return r.fetchSingle(ctx, query, key)
}

func (r *ticketRepository) BindExternalKey(ctx context.Context, id, key string) error {
	const query = `
        UPDATE tickets SET external_key=$2, updated_at=NOW()
        WHERE id=$1 AND (external_key IS NULL OR external_key=$2)`
	cmd, err := r.pool.Exec(ctx, query, id, key)
	if err != nil {
		return mapTicketWriteError(err)
	}
	if cmd.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrExternalKeyConflict
	}
	return nil
}

func (r *ticketRepository) MarkPushing(ctx context.Context, id string) error {
	return r.exec(ctx, `UPDATE tickets SET sync_state='PUSHING' WHERE id=$1`, id)
}

func (r *ticketRepository) MarkSynced(ctx context.Context, id string, localVersion int64) (bool, error) {
	const query = `
        UPDATE tickets SET sync_state='SYNCED', sync_error=NULL, pending_fields='{}'
        WHERE id=$1 AND local_version=$2`
	cmd, err := r.pool.Exec(ctx, query, id, localVersion)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}

func (r *ticketRepository) MarkFailed(ctx context.Context, id string, state domain.SyncState, message string) error {
	return r.exec(ctx, `UPDATE tickets SET sync_state=$2, sync_error=$3 WHERE id=$1`, id, state, message)
}

func (r *ticketRepository) ResetForRetry(ctx context.Context, id string) error {
	return r.exec(ctx, `UPDATE tickets SET sync_state='UNSYNCED', sync_error=NULL WHERE id=$1`, id)
}

func (r *ticketRepository) ListBySyncState(ctx context.Context, states []domain.SyncState, limit int) ([]domain.Ticket, error) {
	args := []any{}
	placeholders := make([]string, len(states))
	for i, state := range states {
		args = append(args, state)
		placeholders[i] = fmt.Sprintf("$%d", len(args))
	}
	query := `SELECT ` + ticketColumns + ` FROM tickets`
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

func (r *ticketRepository) ListUnsynced(ctx context.Context, before time.Time, limit int) ([]domain.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets
        WHERE sync_state IN ('UNSYNCED','PUSHING') AND updated_at < $1
          AND ((external_key IS NULL AND origin='local') OR cardinality(pending_fields) > 0)
        ORDER BY updated_at ASC LIMIT $2`
	if limit <= 0 {
		limit = 50
	}
	return r.list(ctx, query, before, limit)
}

func (r *ticketRepository) exec(ctx context.Context, query string, args ...any) error {
	cmd, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *ticketRepository) list(ctx context.Context, query string, args ...any) ([]domain.Ticket, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []domain.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, *ticket)
	}
	return tickets, rows.Err()
}

func (r *ticketRepository) fetchSingle(ctx context.Context, query string, arg any) (*domain.Ticket, error) {
	ticket, err := scanTicket(r.pool.QueryRow(ctx, query, arg))
	if err != nil {
		return nil, notFound(err)
	}
	return ticket, nil
}

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var ticket domain.Ticket
	if err := row.Scan(
		&ticket.ID,
		&ticket.ExternalKey,
		&ticket.Title,
		&ticket.Description,
		&ticket.Type,
		&ticket.Status,
		&ticket.Priority,
		&ticket.Channel,
		&ticket.TargetDate,
		&ticket.CreatedBy,
		&ticket.AssignedTo,
		&ticket.ExternalAssignee,
		&ticket.ContactID,
		&ticket.CompanyID,
		&ticket.ProductID,
		&ticket.ModuleID,
		&ticket.FeatureID,
		&ticket.Origin,
		&ticket.ExternalRevision,
		&ticket.LocalVersion,
		&ticket.SyncState,
		&ticket.SyncError,
		&ticket.PendingFields,
		&ticket.CreatedAt,
		&ticket.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &ticket, nil
}

func prepareInsert(ticket *domain.Ticket) {
	if ticket.ID == "" {
		ticket.ID = uuid.NewString()
	}
	if ticket.Origin == "" {
		ticket.Origin = domain.OriginLocal
	}
	if ticket.SyncState == "" {
		ticket.SyncState = domain.SyncStateUnsynced
	}
}

func insertArgs(ticket *domain.Ticket) []any {
	return []any{
		ticket.ID,
		ticket.ExternalKey,
		ticket.Title,
		ticket.Description,
		ticket.Type,
		ticket.Status,
		ticket.Priority,
		ticket.Channel,
		ticket.TargetDate,
		ticket.CreatedBy,
		ticket.AssignedTo,
		ticket.ExternalAssignee,
		ticket.ContactID,
		ticket.CompanyID,
		ticket.ProductID,
		ticket.ModuleID,
		ticket.FeatureID,
		ticket.Origin,
		ticket.ExternalRevision,
		ticket.SyncState,
		nonNilStrings(ticket.PendingFields),
	}
}

func mapTicketWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "tickets_external_key_key" {
		return ErrExternalKeyConflict
	}
	return err
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
