package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
)

var (
	ErrNotFound       = eris.New("not found")
	ErrDecisionExists = eris.New("routing decision already recorded")
)

const uniqueViolation = "23505"

// isUniqueViolation reports whether err is a Postgres unique constraint
// failure, and on which constraint.
func isUniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}
