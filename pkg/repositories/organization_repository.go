package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"regexp"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/ddl"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	organizationsTable      = "organizations"
	replicationSchemaPrefix = "fern_"
)

var (
	organizationStruct = database.NewStruct(new(models.Organization))
	organizationKey    = regexp.MustCompile(`^[a-z][a-z0-9_]{0,57}$`)
)

// OrganizationRepository stores tenants and owns their replication schemas.
type OrganizationRepository struct {
	*Repository
}

func NewOrganizationRepository(db database.DB, logger ectologger.Logger) *OrganizationRepository {
	return &OrganizationRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create inserts org and creates its replication schema in the same transaction.
func (r *OrganizationRepository) Create(ctx context.Context, org *models.Organization) error {
	ctx, span := tracing.StartSpan(ctx, "OrganizationRepository.Create")
	defer span.End()

	if !organizationKey.MatchString(org.Key) {
		return BadRequest("organization key must be lower-case letters, digits and underscores")
	}
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	if org.ReplicationSchema == "" {
		org.ReplicationSchema = replicationSchemaPrefix + org.Key
	}

	return r.inTx(ctx, func(ctx context.Context, tx database.Tx) error {
		ib := database.NewInsertBuilder()
		ib.InsertInto(organizationsTable).
			Cols("id", "key", "name", "replication_schema", "created_at", "updated_at").
			Values(org.ID, org.Key, org.Name, org.ReplicationSchema, database.Now(), database.Now()).
			Returning("created_at", "updated_at")

		query, args := ib.Build()
		if err := tx.QueryRowxContext(ctx, query, args...).Scan(&org.CreatedAt, &org.UpdatedAt); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"organization_key": org.Key,
			}).Error("failed to create organization")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create organization")
		}

		if _, err := tx.ExecContext(ctx, ddl.CreateSchemaSQL(org.ReplicationSchema)); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"schema": org.ReplicationSchema,
			}).Error("failed to create replication schema")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create replication schema")
		}

		r.logger.WithContext(ctx).WithFields(map[string]any{
			"organization_id": org.ID,
			"schema":          org.ReplicationSchema,
		}).Infof("Created %s", organizationsTable)
		return nil
	})
}

func (r *OrganizationRepository) get(ctx context.Context, column string, value any) (*models.Organization, error) {
	sb := organizationStruct.SelectFrom(organizationsTable)
	sb.Where(sb.Equal(column, value))

	query, args := sb.Build()
	var org models.Organization
	err := r.DB().GetContext(ctx, &org, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "organization %v does not exist", value)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			column: value,
		}).Error("failed to get organization")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get organization")
	}
	return &org, nil
}

func (r *OrganizationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	ctx, span := tracing.StartSpan(ctx, "OrganizationRepository.GetByID")
	defer span.End()
	return r.get(ctx, "id", id)
}

func (r *OrganizationRepository) GetByKey(ctx context.Context, key string) (*models.Organization, error) {
	ctx, span := tracing.StartSpan(ctx, "OrganizationRepository.GetByKey")
	defer span.End()
	return r.get(ctx, "key", key)
}

func (r *OrganizationRepository) List(ctx context.Context) ([]models.Organization, error) {
	ctx, span := tracing.StartSpan(ctx, "OrganizationRepository.List")
	defer span.End()

	sb := organizationStruct.SelectFrom(organizationsTable)
	sb.OrderBy("key")

	query, args := sb.Build()
	var orgs []models.Organization
	if err := r.DB().SelectContext(ctx, &orgs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list organizations")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list organizations")
	}
	return orgs, nil
}

// Delete drops the organization's replication schema and its control-plane rows.
func (r *OrganizationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "OrganizationRepository.Delete")
	defer span.End()

	org, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	return r.inTx(ctx, func(ctx context.Context, tx database.Tx) error {
		if _, err := tx.ExecContext(ctx, ddl.DropSchemaSQL(org.ReplicationSchema)); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"schema": org.ReplicationSchema,
			}).Error("failed to drop replication schema")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to drop replication schema")
		}

		db := database.NewDeleteBuilder()
		db.DeleteFrom(organizationsTable).Where(db.Equal("id", id))
		query, args := db.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"organization_id": id,
			}).Error("failed to delete organization")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete organization")
		}

		r.logger.WithContext(ctx).WithFields(map[string]any{
			"organization_id": id,
		}).Infof("Deleted %s", organizationsTable)
		return nil
	})
}
