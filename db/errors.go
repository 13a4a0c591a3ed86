package db

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/migadu/mailflow/consts"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// notFound maps pgx.ErrNoRows to the given sentinel and wraps unique
// violations in consts.ErrDBUniqueViolation.
func notFound(err, sentinel error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return sentinel
	case isUniqueViolation(err):
		return errors.Join(consts.ErrDBUniqueViolation, err)
	}
	return err
}
