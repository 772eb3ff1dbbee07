// Package replicatortest provides in-memory stores for exercising the replicator service.
package replicatortest

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/replicator"
	"github.com/google/uuid"
)

func notFound(kind, id string) error {
	return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("%s %s not found", kind, id))
}

type Organizations struct {
	mu   sync.Mutex
	orgs map[uuid.UUID]*models.Organization
}

func NewOrganizations(orgs ...*models.Organization) *Organizations {
	s := &Organizations{orgs: map[uuid.UUID]*models.Organization{}}
	for _, o := range orgs {
		s.orgs[o.ID] = o
	}
	return s
}

func (s *Organizations) GetByID(_ context.Context, id uuid.UUID) (*models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orgs[id]
	if !ok {
		return nil, notFound("organization", id.String())
	}
	return o, nil
}

func (s *Organizations) GetByKey(_ context.Context, key string) (*models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orgs {
		if o.Key == key {
			return o, nil
		}
	}
	return nil, notFound("organization", key)
}

func (s *Organizations) Create(_ context.Context, org *models.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orgs {
		if o.Key == org.Key {
			return httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("organization %s already exists", org.Key))
		}
	}
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	if org.ReplicationSchema == "" {
		org.ReplicationSchema = "fern_" + org.Key
	}
	org.CreatedAt = time.Now().UTC()
	org.UpdatedAt = org.CreatedAt
	s.orgs[org.ID] = org
	return nil
}

// List returns organizations ordered by key.
func (s *Organizations) List(_ context.Context) ([]models.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Organization, 0, len(s.orgs))
	for _, o := range s.orgs {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Organizations) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orgs[id]; !ok {
		return notFound("organization", id.String())
	}
	delete(s.orgs, id)
	return nil
}

type Integrations struct {
	mu    sync.Mutex
	items map[uuid.UUID]*models.ServiceIntegration
}

func NewIntegrations(items ...*models.ServiceIntegration) *Integrations {
	s := &Integrations{items: map[uuid.UUID]*models.ServiceIntegration{}}
	for _, si := range items {
		s.items[si.ID] = si
	}
	return s
}

func (s *Integrations) Create(_ context.Context, si *models.ServiceIntegration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	si.CreatedAt, si.UpdatedAt = now, now
	s.items[si.ID] = si
	return nil
}

func (s *Integrations) GetByID(_ context.Context, id uuid.UUID) (*models.ServiceIntegration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	si, ok := s.items[id]
	if !ok {
		return nil, notFound("service integration", id.String())
	}
	return si, nil
}

func (s *Integrations) GetByOpaqueID(_ context.Context, opaqueID string) (*models.ServiceIntegration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, si := range s.items {
		if si.OpaqueID == opaqueID {
			return si, nil
		}
	}
	return nil, notFound("service integration", opaqueID)
}

func (s *Integrations) ListByOrganization(_ context.Context, organizationID uuid.UUID) ([]*models.ServiceIntegration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ServiceIntegration
	for _, si := range s.items {
		if si.OrganizationID == organizationID {
			out = append(out, si)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpaqueID < out[j].OpaqueID })
	return out, nil
}

func (s *Integrations) Update(_ context.Context, si *models.ServiceIntegration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[si.ID]; !ok {
		return notFound("service integration", si.OpaqueID)
	}
	si.UpdatedAt = time.Now().UTC()
	s.items[si.ID] = si
	return nil
}

// Delete removes the integration and unlinks its dependents.
func (s *Integrations) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return notFound("service integration", id.String())
	}
	delete(s.items, id)
	for _, si := range s.items {
		if si.DependsOnID != nil && *si.DependsOnID == id {
			si.DependsOnID = nil
		}
	}
	return nil
}

type Jobs struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.BackfillJob
}

func NewJobs() *Jobs {
	return &Jobs{jobs: map[uuid.UUID]*models.BackfillJob{}}
}

func (s *Jobs) Create(_ context.Context, job *models.BackfillJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.CreatedAt = time.Now().UTC()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Jobs) GetByID(_ context.Context, id uuid.UUID) (*models.BackfillJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, notFound("backfill job", id.String())
	}
	cp := *job
	return &cp, nil
}

func (s *Jobs) Update(_ context.Context, job *models.BackfillJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return notFound("backfill job", job.ID.String())
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

// ListByIntegration returns the integration's jobs, newest first.
func (s *Jobs) ListByIntegration(_ context.Context, integrationID uuid.UUID, limit int) ([]models.BackfillJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.BackfillJob{}
	for _, job := range s.jobs {
		if job.ServiceIntegrationID == integrationID {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Jobs) HasActive(_ context.Context, integrationID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.ServiceIntegrationID == integrationID && !job.Finished() {
			return true, nil
		}
	}
	return false, nil
}

// Enqueuer records enqueued jobs instead of sending them anywhere.
type Enqueuer struct {
	mu   sync.Mutex
	Jobs []*models.BackfillJob
}

func (e *Enqueuer) EnqueueBackfill(_ context.Context, job *models.BackfillJob) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Jobs = append(e.Jobs, job)
	return nil
}

// Publisher records published row changes.
type Publisher struct {
	mu      sync.Mutex
	Changes []replicator.RowChange
	Err     error
}

func (p *Publisher) PublishRowChanges(_ context.Context, changes ...replicator.RowChange) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return p.Err
	}
	p.Changes = append(p.Changes, changes...)
	return nil
}

// Ledger keeps propagation fingerprints in memory.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]string
}

func NewLedger() *Ledger {
	return &Ledger{entries: map[string]string{}}
}

func (l *Ledger) LastPropagated(_ context.Context, integrationID uuid.UUID, remoteKey string) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fp, ok := l.entries[integrationID.String()+"/"+remoteKey]
	return fp, ok, nil
}

func (l *Ledger) MarkPropagated(_ context.Context, integrationID uuid.UUID, remoteKey, fingerprint string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[integrationID.String()+"/"+remoteKey] = fingerprint
	return nil
}

// DDL records executed statements.
type DDL struct {
	mu         sync.Mutex
	Statements []string
}

func (d *DDL) ExecDDL(_ context.Context, statements []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Statements = append(d.Statements, statements...)
	return nil
}
