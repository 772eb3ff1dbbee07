package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const rowPropagationsTable = "row_propagations"

// PropagationRepository is the ledger of row images that reached subscribers and dependents.
type PropagationRepository struct {
	*Repository
}

func NewPropagationRepository(db database.DB, logger ectologger.Logger) *PropagationRepository {
	return &PropagationRepository{Repository: NewRepository(db, logger)}
}

func (r *PropagationRepository) LastPropagated(ctx context.Context, integrationID uuid.UUID, remoteKey string) (string, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "PropagationRepository.LastPropagated")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("fingerprint").
		From(rowPropagationsTable).
		Where(
			sb.Equal("service_integration_id", integrationID),
			sb.Equal("remote_key", remoteKey),
		)

	query, args := sb.Build()
	var fingerprint string
	err := r.DB().GetContext(ctx, &fingerprint, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"service_integration_id": integrationID,
			"remote_key":             remoteKey,
		}).Error("failed to read propagation ledger")
		return "", false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read propagation ledger")
	}
	return fingerprint, true, nil
}

func (r *PropagationRepository) MarkPropagated(ctx context.Context, integrationID uuid.UUID, remoteKey, fingerprint string) error {
	ctx, span := tracing.StartSpan(ctx, "PropagationRepository.MarkPropagated")
	defer span.End()

	query, args := markPropagatedStatement(integrationID, remoteKey, fingerprint)
	if _, err := r.DB().ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"service_integration_id": integrationID,
			"remote_key":             remoteKey,
		}).Error("failed to record propagation")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to record propagation")
	}
	return nil
}

func markPropagatedStatement(integrationID uuid.UUID, remoteKey, fingerprint string) (string, []any) {
	ib := database.NewInsertBuilder()
	ib.InsertInto(rowPropagationsTable).
		Cols("service_integration_id", "remote_key", "fingerprint").
		Values(integrationID, remoteKey, fingerprint)

	ub := ib.OnConflict("service_integration_id", "remote_key")
	ub.Set(
		ub.Assign("fingerprint", database.Excluded("fingerprint")),
		ub.Assign("propagated_at", database.Now()),
	)
	return ib.Build()
}
