package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/id"
)

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isDuplicateKey reports a unique_violation (23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// unavailable marks err as an infrastructure failure.
func unavailable(op string, err error) error {
	return fmt.Errorf("flowbridge/postgres: %s: %w: %w", op, flowbridge.ErrStorageUnavailable, err)
}

// parseID returns id.Nil for an empty or malformed column.
func parseID(s string) id.ID {
	if s == "" {
		return id.Nil
	}
	v, err := id.Parse(s)
	if err != nil {
		return id.Nil
	}
	return v
}
