package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/odyssey-erp/pharmacore/internal/shared"
)

// SQLSTATE codes the engine reacts to.
const (
	CodeUniqueViolation      = "23505"
	CodeSerializationFailure = "40001"
	CodeDeadlockDetected     = "40P01"
	CodeLockNotAvailable     = "55P03"
	CodeQueryCanceled        = "57014"
)

var transientCodes = map[string]struct{}{
	CodeSerializationFailure: {},
	CodeDeadlockDetected:     {},
	CodeLockNotAvailable:     {},
	CodeQueryCanceled:        {},
}

// Classify wraps retryable driver errors in shared.TransientError. Other errors,
// including ones already classified, are returned unchanged.
func Classify(err error) error {
	if err == nil || errors.Is(err, shared.ErrTransient) {
		return err
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	if _, ok := transientCodes[pgErr.Code]; ok {
		return &shared.TransientError{Code: pgErr.Code, Err: err}
	}
	return err
}

// IsUniqueViolation reports a 23505 and the violated constraint name.
func IsUniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == CodeUniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}
