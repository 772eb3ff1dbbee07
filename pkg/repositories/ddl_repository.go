package repositories

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// DDLRepository applies generated DDL to the database.
type DDLRepository struct {
	*Repository
}

func NewDDLRepository(db database.DB, logger ectologger.Logger) *DDLRepository {
	return &DDLRepository{Repository: NewRepository(db, logger)}
}

// ExecDDL runs statements in order inside one transaction. Either every table and index exists
// afterwards or none of them do.
func (r *DDLRepository) ExecDDL(ctx context.Context, statements []string) error {
	ctx, span := tracing.StartSpan(ctx, "DDLRepository.ExecDDL")
	defer span.End()

	err := r.inTx(ctx, func(ctx context.Context, tx database.Tx) error {
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
					"statement": stmt,
				}).Error("failed to execute DDL")
				return err
			}
		}
		return nil
	})
	if err != nil {
		tracing.RecordError(span, err)
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create replication tables")
	}

	r.logger.WithContext(ctx).Debugf("Executed %d DDL statements", len(statements))
	return nil
}
