// Package persistence implements the C9 adapters: one sqlx-backed
// repository per relational table, following the row-struct/toDomain
// mapping convention used throughout this codebase's persistence layer.
package persistence

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// pgUniqueViolation is the Postgres SQLSTATE for a unique-constraint
// violation (23505). Callers map it to apperr.Duplicate at the
// UNIQUE(emailId, endpointId) lock on endpoint_deliveries.
const pgUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return false
}
