package replicator_test

import (
	"testing"

	"github.com/Ramsey-B/fern/pkg/integrations"
	"github.com/Ramsey-B/fern/pkg/replicator"
	"github.com/Ramsey-B/fern/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// badKey is a listing type whose remote key has no type.
type badKey struct {
	integrations.RentalsListing
}

func (badKey) Descriptor() replicator.Descriptor {
	return replicator.Descriptor{Name: "bad_key_v1"}
}

func (badKey) RemoteKeyColumn() schema.Column {
	return schema.Column{Name: "id"}
}

func TestRegistry(t *testing.T) {
	reg, err := replicator.NewRegistry(integrations.RentalsListing{})
	require.NoError(t, err)

	_, ok := reg.Get(integrations.RentalsListingName)
	assert.True(t, ok)
	_, ok = reg.Get("missing_v1")
	assert.False(t, ok)

	assert.ErrorContains(t, reg.Register(integrations.RentalsListing{}), "already registered")
	assert.Error(t, reg.Register(badKey{}))
	assert.Len(t, reg.List(), 1)
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	_, err := replicator.NewRegistry(integrations.StatusPoll{}, integrations.StatusPoll{})
	assert.Error(t, err)
}
