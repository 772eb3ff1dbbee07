package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const OpaqueIDPrefix = "svi_"

// ServiceIntegration binds one external service to a tenant's replicated table.
// Credential fields hold plaintext in memory; the repository seals them at rest.
type ServiceIntegration struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	OpaqueID         string     `db:"opaque_id" json:"opaque_id"`
	OrganizationID   uuid.UUID  `db:"organization_id" json:"organization_id"`
	ServiceName      string     `db:"service_name" json:"service_name"`
	TableName        string     `db:"table_name" json:"table_name"`
	DependsOnID      *uuid.UUID `db:"depends_on_id" json:"depends_on_id,omitempty"`
	APIURL           string     `db:"api_url" json:"api_url"`
	WebhookSecret    string     `db:"-" json:"-"`
	BackfillKey      string     `db:"-" json:"-"`
	BackfillSecret   string     `db:"-" json:"-"`
	LastBackfilledAt *time.Time `db:"last_backfilled_at" json:"last_backfilled_at,omitempty"`
	TableCreatedAt   *time.Time `db:"table_created_at" json:"table_created_at,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

// NewOpaqueID returns a fresh external identifier such as svi_3f2a9c...
func NewOpaqueID() string {
	return OpaqueIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ShortID is the index-name prefix for this integration's tables.
func (s *ServiceIntegration) ShortID() string {
	id := strings.TrimPrefix(s.OpaqueID, OpaqueIDPrefix)
	if len(id) > 8 {
		id = id[:8]
	}
	return "svi_" + strings.ToLower(id)
}

func (s *ServiceIntegration) HasDependency() bool {
	return s.DependsOnID != nil
}

// HasBackfillCredentials reports whether this integration itself owns credentials for its source API.
func (s *ServiceIntegration) HasBackfillCredentials() bool {
	return s.BackfillKey != "" || s.BackfillSecret != ""
}

// Clone returns a copy that shares no pointers with s.
func (s *ServiceIntegration) Clone() *ServiceIntegration {
	out := *s
	if s.DependsOnID != nil {
		id := *s.DependsOnID
		out.DependsOnID = &id
	}
	if s.LastBackfilledAt != nil {
		t := *s.LastBackfilledAt
		out.LastBackfilledAt = &t
	}
	if s.TableCreatedAt != nil {
		t := *s.TableCreatedAt
		out.TableCreatedAt = &t
	}
	return &out
}
