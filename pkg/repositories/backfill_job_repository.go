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
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var backfillJobStruct = database.NewStruct(new(models.BackfillJob))

type BackfillJobRepository struct {
	*Repository
}

func NewBackfillJobRepository(db database.DB, logger ectologger.Logger) *BackfillJobRepository {
	return &BackfillJobRepository{Repository: NewRepository(db, logger)}
}

func (r *BackfillJobRepository) Create(ctx context.Context, job *models.BackfillJob) error {
	ctx, span := tracing.StartSpan(ctx, "BackfillJobRepository.Create")
	defer span.End()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Status == "" {
		job.Status = models.BackfillJobPending
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(job.TableName()).
		Cols("id", "organization_id", "service_integration_id", "parent_job_id", "is_cascade", "status", "resume_cursor").
		Values(job.ID, job.OrganizationID, job.ServiceIntegrationID, job.ParentJobID, job.IsCascade, job.Status, job.ResumeCursor).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	if err := r.DB().QueryRowxContext(ctx, query, args...).Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"job_id":                 job.ID,
			"service_integration_id": job.ServiceIntegrationID,
		}).Error("failed to create backfill job")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create backfill job")
	}
	return nil
}

func (r *BackfillJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.BackfillJob, error) {
	ctx, span := tracing.StartSpan(ctx, "BackfillJobRepository.GetByID")
	defer span.End()

	sb := backfillJobStruct.SelectFrom(models.BackfillJob{}.TableName())
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var job models.BackfillJob
	err := r.DB().GetContext(ctx, &job, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "backfill job %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"job_id": id,
		}).Error("failed to get backfill job")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get backfill job")
	}
	return &job, nil
}

// ListByIntegration returns the most recent jobs of one integration, newest first.
func (r *BackfillJobRepository) ListByIntegration(ctx context.Context, integrationID uuid.UUID, limit int) ([]models.BackfillJob, error) {
	ctx, span := tracing.StartSpan(ctx, "BackfillJobRepository.ListByIntegration")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}

	sb := backfillJobStruct.SelectFrom(models.BackfillJob{}.TableName())
	sb.Where(sb.Equal("service_integration_id", integrationID)).
		OrderBy("created_at").Desc().
		Limit(limit)

	query, args := sb.Build()
	jobs := []models.BackfillJob{}
	if err := r.DB().SelectContext(ctx, &jobs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"service_integration_id": integrationID,
		}).Error("failed to list backfill jobs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list backfill jobs")
	}
	return jobs, nil
}

// Update checkpoints the job's progress and status.
func (r *BackfillJobRepository) Update(ctx context.Context, job *models.BackfillJob) error {
	ctx, span := tracing.StartSpan(ctx, "BackfillJobRepository.Update")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(job.TableName()).
		Set(
			ub.Assign("status", job.Status),
			ub.Assign("resume_cursor", job.ResumeCursor),
			ub.Assign("pages", job.Pages),
			ub.Assign("items", job.Items),
			ub.Assign("error", job.Error),
			ub.Assign("started_at", job.StartedAt),
			ub.Assign("finished_at", job.FinishedAt),
			ub.Assign("updated_at", database.Now()),
		).
		Where(ub.Equal("id", job.ID))
	ub.SQL("RETURNING updated_at")

	query, args := ub.Build()
	err := r.DB().QueryRowxContext(ctx, query, args...).Scan(&job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "backfill job %s does not exist", job.ID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"job_id": job.ID,
			"status": job.Status,
		}).Error("failed to update backfill job")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update backfill job")
	}
	return nil
}

// HasActive reports whether the integration has a pending or running job.
func (r *BackfillJobRepository) HasActive(ctx context.Context, integrationID uuid.UUID) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "BackfillJobRepository.HasActive")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("COUNT(*)").
		From(models.BackfillJob{}.TableName()).
		Where(
			sb.Equal("service_integration_id", integrationID),
			sb.In("status", models.BackfillJobPending, models.BackfillJobRunning),
		)

	query, args := sb.Build()
	var count int
	if err := r.DB().GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"service_integration_id": integrationID,
		}).Error("failed to count active backfill jobs")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count active backfill jobs")
	}
	return count > 0, nil
}
