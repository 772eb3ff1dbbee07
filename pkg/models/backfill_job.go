package models

import (
	"time"

	"github.com/google/uuid"
)

type BackfillJobStatus string

const (
	BackfillJobPending   BackfillJobStatus = "pending"
	BackfillJobRunning   BackfillJobStatus = "running"
	BackfillJobSucceeded BackfillJobStatus = "succeeded"
	BackfillJobFailed    BackfillJobStatus = "failed"
	BackfillJobCancelled BackfillJobStatus = "cancelled"
)

// BackfillJob tracks one backfill run. ResumeCursor is checkpointed after each page.
type BackfillJob struct {
	ID                   uuid.UUID         `db:"id" json:"id"`
	OrganizationID       uuid.UUID         `db:"organization_id" json:"organization_id"`
	ServiceIntegrationID uuid.UUID         `db:"service_integration_id" json:"service_integration_id"`
	ParentJobID          *uuid.UUID        `db:"parent_job_id" json:"parent_job_id,omitempty"`
	IsCascade            bool              `db:"is_cascade" json:"is_cascade"`
	Status               BackfillJobStatus `db:"status" json:"status"`
	ResumeCursor         string            `db:"resume_cursor" json:"resume_cursor"`
	Pages                int               `db:"pages" json:"pages"`
	Items                int               `db:"items" json:"items"`
	Error                *string           `db:"error" json:"error,omitempty"`
	StartedAt            *time.Time        `db:"started_at" json:"started_at,omitempty"`
	FinishedAt           *time.Time        `db:"finished_at" json:"finished_at,omitempty"`
	CreatedAt            time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time         `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (BackfillJob) TableName() string {
	return "backfill_jobs"
}

func (j *BackfillJob) Finished() bool {
	switch j.Status {
	case BackfillJobSucceeded, BackfillJobFailed, BackfillJobCancelled:
		return true
	}
	return false
}
