package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/socialpulse/trackerd/internal/trackererrors"
)

// postgresUniqueViolation is the SQLSTATE code for a unique constraint
// collision; the gateway must be safe against the platform's uniqueness
// constraints (tracking-id, (profile, shortcode), (profile, date)).
const postgresUniqueViolation = "23505"

// classify wraps a raw gorm/postgres error into the tracker's error
// taxonomy so callers can branch on Kind rather than driver error types.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return trackererrors.New(op, trackererrors.NotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == postgresUniqueViolation {
		return trackererrors.New(op, trackererrors.Conflict, err)
	}
	return trackererrors.New(op, trackererrors.Fatal, err)
}
