package repository

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	domainerrors "github.com/davidleathers/carebill-backend/internal/domain/errors"
)

// IsDuplicateKeyViolation checks if the error is a unique constraint violation
func IsDuplicateKeyViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	// Fallback for wrapped errors
	return strings.Contains(err.Error(), "duplicate key") ||
		strings.Contains(err.Error(), "violates unique constraint")
}

// IsForeignKeyViolation checks if the error is a foreign key constraint violation
func IsForeignKeyViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}

	return strings.Contains(err.Error(), "violates foreign key constraint")
}

// IsNotFound checks if the error indicates a row was not found
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) ||
		domainerrors.IsType(err, domainerrors.ErrorTypeNotFound)
}

// wrapError maps database errors onto the application error model. Resource
// names the entity for not-found messages.
func wrapError(err error, resource string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domainerrors.NewNotFoundError(resource)
	}
	if IsDuplicateKeyViolation(err) {
		return domainerrors.NewConflictError(resource + " already exists").WithCause(err)
	}
	return domainerrors.NewInternalError("database operation failed").WithCause(err)
}
