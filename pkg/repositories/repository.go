// Package repositories persists the control plane and the replicated rows in Postgres.
package repositories

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
)

// NotFound returns a 404 HTTP error with a descriptive message
func NotFound(format string, args ...any) error {
	return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf(format, args...))
}

// BadRequest returns a 400 HTTP error
func BadRequest(message string) error {
	return httperror.NewHTTPError(http.StatusBadRequest, message)
}

// Internal returns a 500 HTTP error
func Internal(message string) error {
	return httperror.NewHTTPError(http.StatusInternalServerError, message)
}

// Repository provides common database operations
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new base repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// DB returns the database instance
func (r *Repository) DB() database.DB {
	return r.db
}

// inTx runs fn in the transaction on ctx, or a new one it commits when fn succeeds.
func (r *Repository) inTx(ctx context.Context, fn func(ctx context.Context, tx database.Tx) error) error {
	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
