package repository

import (
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/opsdesk/tracker-sync/internal/retry"
)

// Sentinel errors are permanent: retrying the same write cannot succeed.
var (
	ErrNotFound            = retry.Permanent(errors.New("record not found"))
	ErrExternalKeyConflict = retry.Permanent(errors.New("ticket is already bound to a different external key"))
	ErrExternalIDConflict  = retry.Permanent(errors.New("comment is already bound to a different external id"))
)

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
