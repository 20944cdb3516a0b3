package postgres

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mattyhall/rexml/internal/apperrors"
)

const uniqueViolation = "23505"

// mapError converts a pgx error into an apperrors kind.
func mapError(err error, operation string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return apperrors.Wrap(err, apperrors.KindConflict, operation+": already exists")
	}
	return apperrors.Wrap(err, apperrors.KindStorage, operation)
}
