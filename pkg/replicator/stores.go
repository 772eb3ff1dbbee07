package replicator

import (
	"context"
	"time"

	"github.com/Ramsey-B/fern/pkg/document"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/google/uuid"
)

type OrganizationStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Organization, error)
}

type IntegrationStore interface {
	Create(ctx context.Context, si *models.ServiceIntegration) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.ServiceIntegration, error)
	GetByOpaqueID(ctx context.Context, opaqueID string) (*models.ServiceIntegration, error)
	ListByOrganization(ctx context.Context, organizationID uuid.UUID) ([]*models.ServiceIntegration, error)
	Update(ctx context.Context, si *models.ServiceIntegration) error
}

type JobStore interface {
	Create(ctx context.Context, job *models.BackfillJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.BackfillJob, error)
	Update(ctx context.Context, job *models.BackfillJob) error
	// HasActive reports whether the integration has a pending or running job.
	HasActive(ctx context.Context, integrationID uuid.UUID) (bool, error)
}

// PropagationLedger remembers the fingerprint of the last row image that was published and
// cascaded for each row. A missing or stale entry means downstream never saw the current row.
type PropagationLedger interface {
	LastPropagated(ctx context.Context, integrationID uuid.UUID, remoteKey string) (fingerprint string, found bool, err error)
	MarkPropagated(ctx context.Context, integrationID uuid.UUID, remoteKey, fingerprint string) error
}

// JobEnqueuer hands a backfill job to the job system.
type JobEnqueuer interface {
	EnqueueBackfill(ctx context.Context, job *models.BackfillJob) error
}

// Locker serializes backfills of one integration across workers.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// RowChange is the fan-out message for one row change. DependentID is set when the
// message is addressed to a dependent integration and empty for subscriber fan-out.
// SourceUpdatedAt is the row's recency column value when the table has one.
type RowChange struct {
	OrganizationID  uuid.UUID         `json:"organization_id"`
	IntegrationID   string            `json:"integration_id"`
	ServiceName     string            `json:"service_name"`
	Table           string            `json:"table"`
	Action          string            `json:"action"`
	RemoteKey       string            `json:"remote_key"`
	ChangedFields   []string          `json:"changed_fields,omitempty"`
	Row             document.Document `json:"row,omitempty"`
	DependentID     string            `json:"dependent_id,omitempty"`
	SourceUpdatedAt *time.Time        `json:"source_updated_at,omitempty"`
	OccurredAt      time.Time         `json:"occurred_at"`
}

type RowChangePublisher interface {
	PublishRowChanges(ctx context.Context, changes ...RowChange) error
}
