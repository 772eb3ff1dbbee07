package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/secrets"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const serviceIntegrationsTable = "service_integrations"

var serviceIntegrationColumns = []string{
	"id", "opaque_id", "organization_id", "service_name", "table_name", "depends_on_id", "api_url",
	"webhook_secret", "backfill_key", "backfill_secret", "last_backfilled_at", "table_created_at",
	"created_at", "updated_at",
}

// serviceIntegrationRow is the stored shape; credentials are sealed blobs.
type serviceIntegrationRow struct {
	ID               uuid.UUID  `db:"id"`
	OpaqueID         string     `db:"opaque_id"`
	OrganizationID   uuid.UUID  `db:"organization_id"`
	ServiceName      string     `db:"service_name"`
	TableName        string     `db:"table_name"`
	DependsOnID      *uuid.UUID `db:"depends_on_id"`
	APIURL           string     `db:"api_url"`
	WebhookSecret    []byte     `db:"webhook_secret"`
	BackfillKey      []byte     `db:"backfill_key"`
	BackfillSecret   []byte     `db:"backfill_secret"`
	LastBackfilledAt *time.Time `db:"last_backfilled_at"`
	TableCreatedAt   *time.Time `db:"table_created_at"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

// ServiceIntegrationRepository stores integrations with their credentials sealed at rest.
type ServiceIntegrationRepository struct {
	*Repository
	sealer secrets.Sealer
}

func NewServiceIntegrationRepository(db database.DB, sealer secrets.Sealer, logger ectologger.Logger) *ServiceIntegrationRepository {
	return &ServiceIntegrationRepository{
		Repository: NewRepository(db, logger),
		sealer:     sealer,
	}
}

type sealedCredentials struct {
	webhookSecret, backfillKey, backfillSecret []byte
}

func (r *ServiceIntegrationRepository) seal(si *models.ServiceIntegration) (sealedCredentials, error) {
	var (
		out sealedCredentials
		err error
	)
	if out.webhookSecret, err = r.sealer.Seal(si.WebhookSecret); err != nil {
		return out, err
	}
	if out.backfillKey, err = r.sealer.Seal(si.BackfillKey); err != nil {
		return out, err
	}
	if out.backfillSecret, err = r.sealer.Seal(si.BackfillSecret); err != nil {
		return out, err
	}
	return out, nil
}

func (r *ServiceIntegrationRepository) open(row serviceIntegrationRow) (*models.ServiceIntegration, error) {
	si := &models.ServiceIntegration{
		ID:               row.ID,
		OpaqueID:         row.OpaqueID,
		OrganizationID:   row.OrganizationID,
		ServiceName:      row.ServiceName,
		TableName:        row.TableName,
		DependsOnID:      row.DependsOnID,
		APIURL:           row.APIURL,
		LastBackfilledAt: row.LastBackfilledAt,
		TableCreatedAt:   row.TableCreatedAt,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
	var err error
	if si.WebhookSecret, err = r.sealer.Open(row.WebhookSecret); err != nil {
		return nil, err
	}
	if si.BackfillKey, err = r.sealer.Open(row.BackfillKey); err != nil {
		return nil, err
	}
	if si.BackfillSecret, err = r.sealer.Open(row.BackfillSecret); err != nil {
		return nil, err
	}
	return si, nil
}

func (r *ServiceIntegrationRepository) Create(ctx context.Context, si *models.ServiceIntegration) error {
	ctx, span := tracing.StartSpan(ctx, "ServiceIntegrationRepository.Create")
	defer span.End()

	if si.ID == uuid.Nil {
		si.ID = uuid.New()
	}
	if si.OpaqueID == "" {
		si.OpaqueID = models.NewOpaqueID()
	}
	sealed, err := r.seal(si)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to seal integration credentials")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create service integration")
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(serviceIntegrationsTable).
		Cols(serviceIntegrationColumns[:12]...).
		Cols("created_at", "updated_at").
		Values(si.ID, si.OpaqueID, si.OrganizationID, si.ServiceName, si.TableName, si.DependsOnID, si.APIURL,
			sealed.webhookSecret, sealed.backfillKey, sealed.backfillSecret, si.LastBackfilledAt, si.TableCreatedAt,
			database.Now(), database.Now()).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err = r.DB().QueryRowxContext(ctx, query, args...).Scan(&si.CreatedAt, &si.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": si.OpaqueID,
		}).Error("failed to create service integration")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create service integration")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_id": si.OpaqueID,
		"service_name":   si.ServiceName,
	}).Debugf("Created %s", serviceIntegrationsTable)
	return nil
}

func (r *ServiceIntegrationRepository) getOne(ctx context.Context, column string, value any) (*models.ServiceIntegration, error) {
	sb := database.NewSelectBuilder()
	sb.Select(serviceIntegrationColumns...).From(serviceIntegrationsTable).Where(sb.Equal(column, value))

	query, args := sb.Build()
	var row serviceIntegrationRow
	err := r.DB().GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "service integration %v does not exist", value)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			column: value,
		}).Error("failed to get service integration")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get service integration")
	}

	si, err := r.open(row)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": row.OpaqueID,
		}).Error("failed to open integration credentials")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read service integration credentials")
	}
	return si, nil
}

func (r *ServiceIntegrationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ServiceIntegration, error) {
	ctx, span := tracing.StartSpan(ctx, "ServiceIntegrationRepository.GetByID")
	defer span.End()
	return r.getOne(ctx, "id", id)
}

func (r *ServiceIntegrationRepository) GetByOpaqueID(ctx context.Context, opaqueID string) (*models.ServiceIntegration, error) {
	ctx, span := tracing.StartSpan(ctx, "ServiceIntegrationRepository.GetByOpaqueID")
	defer span.End()
	return r.getOne(ctx, "opaque_id", opaqueID)
}

// ListByOrganization returns every integration of one organization ordered by opaque id.
func (r *ServiceIntegrationRepository) ListByOrganization(ctx context.Context, organizationID uuid.UUID) ([]*models.ServiceIntegration, error) {
	ctx, span := tracing.StartSpan(ctx, "ServiceIntegrationRepository.ListByOrganization")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(serviceIntegrationColumns...).From(serviceIntegrationsTable).
		Where(sb.Equal("organization_id", organizationID)).
		OrderBy("opaque_id")

	query, args := sb.Build()
	var rows []serviceIntegrationRow
	if err := r.DB().SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"organization_id": organizationID,
		}).Error("failed to list service integrations")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list service integrations")
	}

	out := make([]*models.ServiceIntegration, 0, len(rows))
	for _, row := range rows {
		si, err := r.open(row)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"integration_id": row.OpaqueID,
			}).Error("failed to open integration credentials")
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read service integration credentials")
		}
		out = append(out, si)
	}
	return out, nil
}

// Update writes every mutable field of si.
func (r *ServiceIntegrationRepository) Update(ctx context.Context, si *models.ServiceIntegration) error {
	ctx, span := tracing.StartSpan(ctx, "ServiceIntegrationRepository.Update")
	defer span.End()

	sealed, err := r.seal(si)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to seal integration credentials")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update service integration")
	}

	ub := database.NewUpdateBuilder()
	ub.Update(serviceIntegrationsTable).
		Set(
			ub.Assign("table_name", si.TableName),
			ub.Assign("depends_on_id", si.DependsOnID),
			ub.Assign("api_url", si.APIURL),
			ub.Assign("webhook_secret", sealed.webhookSecret),
			ub.Assign("backfill_key", sealed.backfillKey),
			ub.Assign("backfill_secret", sealed.backfillSecret),
			ub.Assign("last_backfilled_at", si.LastBackfilledAt),
			ub.Assign("table_created_at", si.TableCreatedAt),
			ub.Assign("updated_at", database.Now()),
		).
		Where(ub.Equal("id", si.ID))
	ub.SQL("RETURNING updated_at")

	query, args := ub.Build()
	err = r.DB().QueryRowxContext(ctx, query, args...).Scan(&si.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "service integration %s does not exist", si.OpaqueID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": si.OpaqueID,
		}).Error("failed to update service integration")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update service integration")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_id": si.OpaqueID,
	}).Debugf("Updated %s", serviceIntegrationsTable)
	return nil
}

// Delete removes si. Dependents keep existing with depends_on cleared by the foreign key.
func (r *ServiceIntegrationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "ServiceIntegrationRepository.Delete")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(serviceIntegrationsTable).Where(db.Equal("id", id))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": id,
		}).Error("failed to delete service integration")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete service integration")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "service integration %s does not exist", id)
	}
	return nil
}
