package graph_test

import (
	"context"
	"errors"
	"testing"

	"github.com/Ramsey-B/fern/pkg/faults"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func node(opaqueID, service string, parent *models.ServiceIntegration) *models.ServiceIntegration {
	n := &models.ServiceIntegration{ID: uuid.New(), OpaqueID: opaqueID, ServiceName: service}
	if parent != nil {
		id := parent.ID
		n.DependsOnID = &id
	}
	return n
}

func opaqueIDs(nodes []*models.ServiceIntegration) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.OpaqueID
	}
	return out
}

func TestOrderAndLevels(t *testing.T) {
	listing := node("svi_b", "rentals_listing_v1", nil)
	other := node("svi_a", "status_poll_v1", nil)
	photoZ := node("svi_z", "rentals_listing_photo_v1", listing)
	photoC := node("svi_c", "rentals_listing_photo_v1", listing)
	grandchild := node("svi_d", "custom", photoC)

	g, err := graph.New([]*models.ServiceIntegration{grandchild, photoZ, other, listing, photoC})
	require.NoError(t, err)

	assert.Equal(t, []string{"svi_a", "svi_b", "svi_c", "svi_z", "svi_d"}, opaqueIDs(g.Order()))

	levels := g.Levels()
	require.Len(t, levels, 3)
	assert.Equal(t, []string{"svi_a", "svi_b"}, opaqueIDs(levels[0]))
	assert.Equal(t, []string{"svi_c", "svi_z"}, opaqueIDs(levels[1]))

	assert.Equal(t, []string{"svi_c", "svi_z"}, opaqueIDs(g.Dependents(listing.ID)))
	assert.Equal(t, []string{"svi_c", "svi_b"}, opaqueIDs(g.Ancestors(grandchild.ID)))
	assert.Equal(t, listing, g.Parent(photoZ.ID))
	assert.Nil(t, g.Parent(listing.ID))
}

func TestNewRejectsInvalidGraphs(t *testing.T) {
	t.Run("dangling dependency", func(t *testing.T) {
		missing := node("svi_x", "rentals_listing_v1", nil)
		_, err := graph.New([]*models.ServiceIntegration{node("svi_y", "photo", missing)})
		assert.True(t, faults.IsKind(err, faults.KindInvalidPostcondition))
	})

	t.Run("cycle", func(t *testing.T) {
		a := node("svi_a", "x", nil)
		b := node("svi_b", "x", a)
		a.DependsOnID = &b.ID
		_, err := graph.New([]*models.ServiceIntegration{a, b})
		assert.True(t, faults.IsKind(err, faults.KindInvalidPostcondition))
	})
}

func TestFindAncestor(t *testing.T) {
	root := node("svi_root", "rentals_listing_v1", nil)
	root.BackfillKey = "key"
	middle := node("svi_mid", "rentals_listing_photo_v1", root)
	leaf := node("svi_leaf", "custom", middle)

	g, err := graph.New([]*models.ServiceIntegration{root, middle, leaf})
	require.NoError(t, err)

	owner, err := g.FindAncestor(leaf.ID, (*models.ServiceIntegration).HasBackfillCredentials)
	require.NoError(t, err)
	assert.Equal(t, root, owner)

	root.BackfillKey = ""
	_, err = g.FindAncestor(leaf.ID, (*models.ServiceIntegration).HasBackfillCredentials)
	assert.True(t, faults.IsKind(err, faults.KindInvalidPostcondition))
	assert.False(t, faults.IsRetryable(err))
}

func TestValidateDependency(t *testing.T) {
	org := uuid.New()
	listing := node("svi_l", "rentals_listing_v1", nil)
	listing.OrganizationID = org
	photo := node("svi_p", "rentals_listing_photo_v1", nil)
	photo.OrganizationID = org

	assert.NoError(t, graph.ValidateDependency(photo, listing, "rentals_listing_v1"))
	assert.Error(t, graph.ValidateDependency(photo, nil, "rentals_listing_v1"))
	assert.Error(t, graph.ValidateDependency(photo, listing, "helpdesk_event_v1"))

	listing.OrganizationID = uuid.New()
	assert.Error(t, graph.ValidateDependency(photo, listing, ""))
}

func TestValidateDependencyChange(t *testing.T) {
	a := node("svi_a", "x", nil)
	b := node("svi_b", "x", a)
	g, err := graph.New([]*models.ServiceIntegration{a, b})
	require.NoError(t, err)

	assert.Error(t, g.ValidateDependencyChange(a, b))
	assert.Error(t, g.ValidateDependencyChange(a, a))
	assert.NoError(t, g.ValidateDependencyChange(b, a))
}

func TestCascade(t *testing.T) {
	listing := node("svi_l", "rentals_listing_v1", nil)
	first := node("svi_1", "photo", listing)
	second := node("svi_2", "photo", listing)
	g, err := graph.New([]*models.ServiceIntegration{listing, second, first})
	require.NoError(t, err)

	var invoked []string
	err = g.Cascade(context.Background(), graph.Change{Parent: listing, RemoteKey: "10"},
		func(_ context.Context, dependent *models.ServiceIntegration, change graph.Change) error {
			invoked = append(invoked, dependent.OpaqueID)
			assert.Equal(t, "10", change.RemoteKey)
			if dependent == first {
				return errors.New("boom")
			}
			return nil
		})

	// a failing dependent does not stop the others from being notified
	assert.Equal(t, []string{"svi_1", "svi_2"}, invoked)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "svi_1")
}
