package models

import (
	"time"

	"github.com/google/uuid"
)

// Organization is a tenant. Its replicated tables live in ReplicationSchema.
type Organization struct {
	ID                uuid.UUID `db:"id" json:"id"`
	Key               string    `db:"key" json:"key" validate:"required,max=63"`
	Name              string    `db:"name" json:"name" validate:"required"`
	ReplicationSchema string    `db:"replication_schema" json:"replication_schema"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Organization) TableName() string {
	return "organizations"
}
