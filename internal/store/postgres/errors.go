package postgres

import (
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/biscbot/dashboard/internal/store"
)

// translateError maps database errors to the store's sentinel errors. The
// guild_configs CHECK constraint is the last line of defense for the
// enabled/fields invariant; a violation surfaces as ErrInvalidConfig.
func translateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.CheckViolation:
			return store.ErrInvalidConfig
		case pgerrcode.NotNullViolation:
			return store.ErrInvalidConfig
		}
	}
	return err
}
