// Package graph orders service integrations by depends_on and propagates row changes to dependents.
package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Gobusters/ectolinq"
	"github.com/Ramsey-B/fern/pkg/document"
	"github.com/Ramsey-B/fern/pkg/faults"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/google/uuid"
)

// Graph is an immutable DAG of one tenant's integrations.
type Graph struct {
	nodes    map[uuid.UUID]*models.ServiceIntegration
	children map[uuid.UUID][]*models.ServiceIntegration
}

// New builds the graph. A depends_on that points outside nodes or a cycle is an InvalidPostcondition.
func New(nodes []*models.ServiceIntegration) (*Graph, error) {
	g := &Graph{
		nodes:    make(map[uuid.UUID]*models.ServiceIntegration, len(nodes)),
		children: make(map[uuid.UUID][]*models.ServiceIntegration),
	}
	for _, n := range nodes {
		if _, dup := g.nodes[n.ID]; dup {
			return nil, faults.InvalidPostcondition("integration %s appears twice", n.OpaqueID)
		}
		g.nodes[n.ID] = n
	}

	for _, n := range nodes {
		if n.DependsOnID == nil {
			continue
		}
		if _, ok := g.nodes[*n.DependsOnID]; !ok {
			return nil, faults.InvalidPostcondition("integration %s depends on unknown integration %s", n.OpaqueID, *n.DependsOnID)
		}
		g.children[*n.DependsOnID] = append(g.children[*n.DependsOnID], n)
	}
	for id := range g.children {
		sortByOpaqueID(g.children[id])
	}

	if len(g.Order()) != len(g.nodes) {
		return nil, faults.InvalidPostcondition("integration dependencies contain a cycle")
	}
	return g, nil
}

func sortByOpaqueID(s []*models.ServiceIntegration) {
	sort.Slice(s, func(i, j int) bool { return s[i].OpaqueID < s[j].OpaqueID })
}

func (g *Graph) Len() int {
	return len(g.nodes)
}

func (g *Graph) Get(id uuid.UUID) (*models.ServiceIntegration, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Parent returns the integration id depends on, or nil.
func (g *Graph) Parent(id uuid.UUID) *models.ServiceIntegration {
	n, ok := g.nodes[id]
	if !ok || n.DependsOnID == nil {
		return nil
	}
	return g.nodes[*n.DependsOnID]
}

// Dependents returns the direct dependents of id ordered by opaque id.
func (g *Graph) Dependents(id uuid.UUID) []*models.ServiceIntegration {
	return append([]*models.ServiceIntegration(nil), g.children[id]...)
}

// Ancestors returns the depends_on chain above id, nearest first.
func (g *Graph) Ancestors(id uuid.UUID) []*models.ServiceIntegration {
	var out []*models.ServiceIntegration
	for p := g.Parent(id); p != nil; p = g.Parent(p.ID) {
		out = append(out, p)
	}
	return out
}

// FindAncestor returns the nearest ancestor of id satisfying match. It fails with
// InvalidPostcondition when no ancestor does.
func (g *Graph) FindAncestor(id uuid.UUID, match func(*models.ServiceIntegration) bool) (*models.ServiceIntegration, error) {
	ancestors := g.Ancestors(id)
	found := ectolinq.Filter(ancestors, match)
	if len(found) == 0 {
		name := id.String()
		if n, ok := g.nodes[id]; ok {
			name = n.OpaqueID
		}
		return nil, faults.InvalidPostcondition("no ancestor of %s satisfies the requirement", name)
	}
	return found[0], nil
}

// Order returns every integration with each parent before its dependents. Ties break by opaque id.
// Nodes on a cycle are omitted.
func (g *Graph) Order() []*models.ServiceIntegration {
	var out []*models.ServiceIntegration
	for _, level := range g.Levels() {
		out = append(out, level...)
	}
	return out
}

// Levels groups integrations by depth: roots first, then their dependents, and so on.
func (g *Graph) Levels() [][]*models.ServiceIntegration {
	indegree := make(map[uuid.UUID]int, len(g.nodes))
	var current []*models.ServiceIntegration
	for id, n := range g.nodes {
		if n.DependsOnID != nil {
			indegree[id] = 1
			continue
		}
		current = append(current, n)
	}

	var levels [][]*models.ServiceIntegration
	for len(current) > 0 {
		sortByOpaqueID(current)
		levels = append(levels, current)

		var next []*models.ServiceIntegration
		for _, n := range current {
			for _, child := range g.children[n.ID] {
				indegree[child.ID]--
				if indegree[child.ID] == 0 {
					next = append(next, child)
				}
			}
		}
		current = next
	}
	return levels
}

// ValidateDependency checks that child may depend on parent.
func ValidateDependency(child, parent *models.ServiceIntegration, requiredType string) error {
	if parent == nil {
		return faults.InvalidPostcondition("integration %s requires a dependency", child.OpaqueID)
	}
	if child.ID == parent.ID {
		return faults.InvalidPostcondition("integration %s cannot depend on itself", child.OpaqueID)
	}
	if child.OrganizationID != parent.OrganizationID {
		return faults.InvalidPostcondition("integration %s cannot depend on another organization's integration", child.OpaqueID)
	}
	if requiredType != "" && parent.ServiceName != requiredType {
		return faults.InvalidPostcondition("integration %s must depend on a %s integration, not %s",
			child.OpaqueID, requiredType, parent.ServiceName)
	}
	return nil
}

// ValidateDependencyChange checks that pointing child at parent keeps g acyclic.
func (g *Graph) ValidateDependencyChange(child, parent *models.ServiceIntegration) error {
	if parent == nil {
		return nil
	}
	if parent.ID == child.ID {
		return faults.InvalidPostcondition("integration %s cannot depend on itself", child.OpaqueID)
	}
	chain := append([]*models.ServiceIntegration{parent}, g.Ancestors(parent.ID)...)
	if ectolinq.Contains(ectolinq.Map(chain, nodeID), child.ID) {
		return faults.InvalidPostcondition("integration %s would depend on itself through %s", child.OpaqueID, parent.OpaqueID)
	}
	return nil
}

func nodeID(n *models.ServiceIntegration) uuid.UUID {
	return n.ID
}

// Change describes a row change in a parent integration's table.
type Change struct {
	Parent           *models.ServiceIntegration
	Action           string
	RemoteKey        string
	ExternalIDColumn string
	Row              document.Document
}

// InvokeFunc applies change to one dependent.
type InvokeFunc func(ctx context.Context, dependent *models.ServiceIntegration, change Change) error

// Cascade invokes fn for every direct dependent of change.Parent in order. Every dependent is
// attempted; failures are joined so the caller can surface them and have the change redelivered.
func (g *Graph) Cascade(ctx context.Context, change Change, fn InvokeFunc) error {
	var errs []error
	for _, dependent := range g.Dependents(change.Parent.ID) {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := fn(ctx, dependent, change); err != nil {
			errs = append(errs, fmt.Errorf("cascade to %s: %w", dependent.OpaqueID, err))
		}
	}
	return errors.Join(errs...)
}
