package replicator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/backfill"
	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/document"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/faults"
	"github.com/Ramsey-B/fern/pkg/graph"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/onboarding"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/webhook"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// ErrBackfillInProgress means another worker holds this integration's backfill lock.
var ErrBackfillInProgress = errors.New("a backfill is already running for this integration")

const defaultLockTTL = 30 * time.Minute

type ServiceConfig struct {
	Registry      *Registry
	Resolver      *resolver.Resolver
	Engine        *backfill.Engine
	Evaluator     *expressions.Evaluator
	Organizations OrganizationStore
	Integrations  IntegrationStore
	Jobs          JobStore
	Enqueuer      JobEnqueuer
	// Publisher, Locker and Ledger are optional. Without a ledger only writes that changed a row
	// are propagated, so a failed publish or cascade is not repeated on redelivery.
	Publisher RowChangePublisher
	Locker    Locker
	Ledger    PropagationLedger
	DDL       DDLExecutor
	LockTTL   time.Duration
	Logger    ectologger.Logger
}

// Service runs webhooks, backfills, cascades and onboarding transitions.
type Service struct {
	cfg ServiceConfig
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaultLockTTL
	}
	if cfg.Evaluator == nil {
		cfg.Evaluator = expressions.NewEvaluator()
	}
	return &Service{cfg: cfg}
}

func (s *Service) Registry() *Registry {
	return s.cfg.Registry
}

// Replicator binds si to its type.
func (s *Service) Replicator(ctx context.Context, si *models.ServiceIntegration) (*Replicator, error) {
	typ, ok := s.cfg.Registry.Get(si.ServiceName)
	if !ok {
		return nil, httperror.NewHTTPError(400, fmt.Sprintf("unknown service type %s", si.ServiceName))
	}
	org, err := s.cfg.Organizations.GetByID(ctx, si.OrganizationID)
	if err != nil {
		return nil, err
	}
	return s.bind(typ, si, org), nil
}

func (s *Service) bind(typ Type, si *models.ServiceIntegration, org *models.Organization) *Replicator {
	return New(typ, si, org, Options{
		Resolver:  s.cfg.Resolver,
		Engine:    s.cfg.Engine,
		Evaluator: s.cfg.Evaluator,
		OnChange:  s.propagate,
		Logger:    s.cfg.Logger,
	})
}

func (s *Service) graph(ctx context.Context, organizationID uuid.UUID) (*graph.Graph, error) {
	nodes, err := s.cfg.Integrations.ListByOrganization(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	return graph.New(nodes)
}

// withCredentials points r at the integration that owns its backfill credentials.
func (s *Service) withCredentials(ctx context.Context, r *Replicator) error {
	if !r.Descriptor().DelegatesCredentials || r.Integration().HasBackfillCredentials() {
		return nil
	}
	g, err := s.graph(ctx, r.Integration().OrganizationID)
	if err != nil {
		return err
	}
	owner, err := g.FindAncestor(r.Integration().ID, (*models.ServiceIntegration).HasBackfillCredentials)
	if err != nil {
		return faults.InvalidPostcondition("%s has no ancestor with backfill credentials", r.Integration().OpaqueID)
	}
	r.WithCredentialOwner(owner)
	return nil
}

// HandleWebhook authenticates and applies one delivery. Rejections come back as responses.
// An error means the write failed and the source should redeliver.
func (s *Service) HandleWebhook(ctx context.Context, opaqueID string, req webhook.Request) (webhook.Response, error) {
	ctx = appctx.SetIntegrationID(ctx, opaqueID)
	ctx, span := tracing.StartSpan(ctx, "Service.HandleWebhook", attribute.String("integration_id", opaqueID))
	defer span.End()

	si, err := s.cfg.Integrations.GetByOpaqueID(ctx, opaqueID)
	if err != nil {
		return webhook.Response{}, err
	}
	r, err := s.Replicator(ctx, si)
	if err != nil {
		return webhook.Response{}, err
	}
	name := r.Descriptor().Name
	ctx = appctx.SetTenantID(ctx, si.OrganizationID.String())

	resp := r.WebhookResponse(req)
	if !resp.Accepted() {
		metrics.RecordWebhook(name, "rejected")
		s.cfg.Logger.WithContext(ctx).Infof("rejected webhook for %s with %d", opaqueID, resp.Status)
		return resp, nil
	}

	result, err := r.UpsertWebhook(ctx, req)
	if err != nil {
		metrics.RecordWebhook(name, "error")
		tracing.RecordError(span, err)
		return webhook.Response{}, err
	}
	metrics.RecordWebhook(name, "accepted")

	if r.Descriptor().WebhookTriggersBackfill {
		if err := s.backfillOnWebhook(ctx, r); err != nil {
			return webhook.Response{}, err
		}
	}

	if result == nil {
		return resp, nil
	}
	body, ok, err := r.SynchronousProcessingResponseBody(result, req)
	if err != nil {
		return webhook.Response{}, err
	}
	if ok {
		resp = resp.WithBody(body)
	}
	return resp, nil
}

// tombstone is the ledger fingerprint of a row that no longer exists.
const tombstone = "deleted"

// backfillOnWebhook enqueues a cascading backfill for types whose webhooks only signal that
// something changed. Integrations that have not finished onboarding, or already have a job
// queued or running, are left alone.
func (s *Service) backfillOnWebhook(ctx context.Context, r *Replicator) error {
	if !r.CalculateStep("").Complete {
		return nil
	}
	active, err := s.cfg.Jobs.HasActive(ctx, r.Integration().ID)
	if err != nil {
		return err
	}
	if active {
		r.log(ctx).Debug("backfill already queued, skipping webhook trigger")
		return nil
	}
	_, err = s.EnqueueBackfill(ctx, r.Integration(), EnqueueOptions{Cascade: true})
	return err
}

// propagate publishes a row change and cascades it to direct dependents inline. The cascade
// runs even when the publish fails. The ledger is only advanced once both succeeded, so a
// redelivery of the same write propagates it again.
func (s *Service) propagate(ctx context.Context, source *Replicator, result *resolver.Result) error {
	parent := source.Integration()
	target := source.Target()
	fingerprint := tombstone
	if result.Row != nil {
		fingerprint = document.Fingerprint(result.Row.Data, target.IgnoreFields...)
	}

	action, changedFields := result.Action, result.ChangedFields
	if !result.Changed() {
		changedFields = nil
		pending, err := s.pendingAction(ctx, parent.ID, result.Key, fingerprint)
		if err != nil || pending == "" {
			return err
		}
		action = pending
	}

	g, err := s.graph(ctx, parent.OrganizationID)
	if err != nil {
		return err
	}

	row := result.Prior
	if result.Row != nil {
		row = result.Row
	}
	change := graph.Change{
		Parent:           parent,
		Action:           string(action),
		RemoteKey:        result.Key,
		ExternalIDColumn: source.RemoteKeyColumn().Name,
	}
	if row != nil {
		change.Row = row.Data
	}

	var errs []error
	dependents := g.Dependents(parent.ID)
	if s.cfg.Publisher != nil {
		base := RowChange{
			OrganizationID: parent.OrganizationID,
			IntegrationID:  parent.OpaqueID,
			ServiceName:    parent.ServiceName,
			Table:          parent.TableName,
			Action:         change.Action,
			RemoteKey:      change.RemoteKey,
			ChangedFields:  changedFields,
			Row:            change.Row,
			OccurredAt:     time.Now().UTC(),
		}
		if at, ok := resolver.Recency(target, row); ok {
			base.SourceUpdatedAt = &at
		}
		msgs := []RowChange{base}
		for _, d := range dependents {
			msg := base
			msg.DependentID = d.OpaqueID
			msgs = append(msgs, msg)
		}
		if err := s.cfg.Publisher.PublishRowChanges(ctx, msgs...); err != nil {
			errs = append(errs, faults.RetryableTransport(0, err, "failed to publish row change"))
		}
	}

	if len(dependents) > 0 {
		org := source.Organization()
		err := g.Cascade(ctx, change, func(ctx context.Context, dependent *models.ServiceIntegration, change graph.Change) error {
			return s.applyDependencyChange(ctx, dependent, org, change)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if s.cfg.Ledger == nil {
		return nil
	}
	return s.cfg.Ledger.MarkPropagated(ctx, parent.ID, result.Key, fingerprint)
}

// pendingAction decides what a write that changed nothing still owes downstream. An empty
// action means the current row image was already propagated.
func (s *Service) pendingAction(ctx context.Context, integrationID uuid.UUID, key, fingerprint string) (resolver.Action, error) {
	if s.cfg.Ledger == nil {
		return "", nil
	}
	last, found, err := s.cfg.Ledger.LastPropagated(ctx, integrationID, key)
	if err != nil {
		return "", err
	}
	switch {
	case found && last == fingerprint:
		return "", nil
	case fingerprint == tombstone:
		if !found {
			return "", nil
		}
		return resolver.ActionDeleted, nil
	case !found:
		return resolver.ActionInserted, nil
	default:
		return resolver.ActionUpdated, nil
	}
}

// ApplyDependencyChange lets dependent incorporate a change from its parent's table.
func (s *Service) ApplyDependencyChange(ctx context.Context, dependent *models.ServiceIntegration, change graph.Change) error {
	org, err := s.cfg.Organizations.GetByID(ctx, dependent.OrganizationID)
	if err != nil {
		return err
	}
	return s.applyDependencyChange(ctx, dependent, org, change)
}

func (s *Service) applyDependencyChange(ctx context.Context, dependent *models.ServiceIntegration, org *models.Organization, change graph.Change) error {
	typ, ok := s.cfg.Registry.Get(dependent.ServiceName)
	if !ok {
		return fmt.Errorf("unknown service type %s", dependent.ServiceName)
	}
	capable, ok := typ.(DependentCapable)
	if !ok {
		return nil
	}
	events, err := capable.OnDependencyChange(ctx, change)
	if err != nil {
		return err
	}

	r := s.bind(typ, dependent, org)
	for _, ev := range events {
		if _, err := r.Apply(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

type EnqueueOptions struct {
	// Cascade enqueues dependents' backfills when this one succeeds.
	Cascade     bool
	ParentJobID *uuid.UUID
}

// EnqueueBackfill records a pending job and hands it to the job system.
func (s *Service) EnqueueBackfill(ctx context.Context, si *models.ServiceIntegration, opts EnqueueOptions) (*models.BackfillJob, error) {
	typ, ok := s.cfg.Registry.Get(si.ServiceName)
	if !ok {
		return nil, fmt.Errorf("unknown service type %s", si.ServiceName)
	}
	if _, ok := typ.(BackfillCapable); !ok {
		return nil, ErrBackfillUnsupported
	}

	job := &models.BackfillJob{
		ID:                   uuid.New(),
		OrganizationID:       si.OrganizationID,
		ServiceIntegrationID: si.ID,
		ParentJobID:          opts.ParentJobID,
		IsCascade:            opts.Cascade,
		Status:               models.BackfillJobPending,
	}
	if err := s.cfg.Jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := s.cfg.Enqueuer.EnqueueBackfill(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue backfill: %w", err)
	}
	s.cfg.Logger.WithContext(ctx).WithFields(map[string]any{
		"job_id":         job.ID.String(),
		"integration_id": si.OpaqueID,
		"cascade":        opts.Cascade,
	}).Info("enqueued backfill")
	return job, nil
}

// CascadeBackfill enqueues a cascading backfill for every backfill-capable direct dependent.
// Each runs as its own job rather than inside this call.
func (s *Service) CascadeBackfill(ctx context.Context, si *models.ServiceIntegration, parent *models.BackfillJob) ([]*models.BackfillJob, error) {
	g, err := s.graph(ctx, si.OrganizationID)
	if err != nil {
		return nil, err
	}

	var (
		jobs []*models.BackfillJob
		errs []error
	)
	for _, dependent := range g.Dependents(si.ID) {
		typ, ok := s.cfg.Registry.Get(dependent.ServiceName)
		if !ok {
			continue
		}
		if _, ok := typ.(BackfillCapable); !ok {
			continue
		}
		opts := EnqueueOptions{Cascade: true}
		if parent != nil {
			opts.ParentJobID = &parent.ID
		}
		job, err := s.EnqueueBackfill(ctx, dependent, opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dependent.OpaqueID, err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, errors.Join(errs...)
}

// RunBackfill executes one job. A finished job is a no-op so redelivery is safe. Retryable
// failures leave the job pending with its cursor so the next attempt resumes.
func (s *Service) RunBackfill(ctx context.Context, jobID uuid.UUID) (*backfill.Summary, error) {
	ctx = appctx.SetJobID(ctx, jobID.String())
	ctx, span := tracing.StartSpan(ctx, "Service.RunBackfill", attribute.String("job_id", jobID.String()))
	defer span.End()

	job, err := s.cfg.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Finished() {
		return nil, nil
	}

	si, err := s.cfg.Integrations.GetByID(ctx, job.ServiceIntegrationID)
	if err != nil {
		return nil, err
	}
	ctx = appctx.SetIntegrationID(ctx, si.OpaqueID)
	ctx = appctx.SetTenantID(ctx, si.OrganizationID.String())
	log := s.cfg.Logger.WithContext(ctx)

	r, err := s.Replicator(ctx, si)
	if err != nil {
		return nil, err
	}
	if err := s.withCredentials(ctx, r); err != nil {
		s.finishJob(ctx, job, models.BackfillJobFailed, err)
		return nil, err
	}

	if s.cfg.Locker != nil {
		release, err := s.cfg.Locker.Lock(ctx, "backfill:"+si.OpaqueID, s.cfg.LockTTL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBackfillInProgress, err)
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				log.WithError(err).Warn("failed to release backfill lock")
			}
		}()
	}

	now := time.Now().UTC()
	job.Status = models.BackfillJobRunning
	job.StartedAt = &now
	job.Error = nil
	if err := s.cfg.Jobs.Update(ctx, job); err != nil {
		return nil, err
	}

	basePages, baseItems := job.Pages, job.Items
	summary, runErr := r.Backfill(ctx, job.ResumeCursor, func(ctx context.Context, cursor string, progress backfill.Summary) error {
		job.ResumeCursor = cursor
		job.Pages = basePages + progress.Pages
		job.Items = baseItems + progress.Items
		return s.cfg.Jobs.Update(ctx, job)
	})

	if runErr != nil {
		tracing.RecordError(span, runErr)
		switch {
		case errors.Is(runErr, context.Canceled):
			s.finishJob(ctx, job, models.BackfillJobCancelled, runErr)
		case faults.IsRetryable(runErr):
			s.finishJob(ctx, job, models.BackfillJobPending, runErr)
		default:
			s.finishJob(ctx, job, models.BackfillJobFailed, runErr)
		}
		log.WithError(runErr).Errorf("backfill failed after %d items", job.Items)
		return summary, runErr
	}

	s.finishJob(ctx, job, models.BackfillJobSucceeded, nil)
	finished := time.Now().UTC()
	si.LastBackfilledAt = &finished
	if err := s.cfg.Integrations.Update(ctx, si); err != nil {
		return summary, err
	}

	if job.IsCascade {
		if _, err := s.CascadeBackfill(ctx, si, job); err != nil {
			return summary, fmt.Errorf("failed to cascade backfill: %w", err)
		}
	}
	return summary, nil
}

func (s *Service) finishJob(ctx context.Context, job *models.BackfillJob, status models.BackfillJobStatus, cause error) {
	job.Status = status
	if cause != nil {
		msg := cause.Error()
		job.Error = &msg
	}
	if job.Finished() {
		now := time.Now().UTC()
		job.FinishedAt = &now
	}
	if err := s.cfg.Jobs.Update(context.WithoutCancel(ctx), job); err != nil {
		s.cfg.Logger.WithContext(ctx).WithError(err).Errorf("failed to record backfill job status %s", status)
	}
}

// CreateIntegration adds a new integration of serviceName to org. tableName defaults to the
// service name plus a short suffix of the opaque id.
func (s *Service) CreateIntegration(ctx context.Context, org *models.Organization, serviceName, tableName string) (*models.ServiceIntegration, error) {
	if _, ok := s.cfg.Registry.Get(serviceName); !ok {
		return nil, httperror.NewHTTPError(400, fmt.Sprintf("unknown service type %s", serviceName))
	}
	si := &models.ServiceIntegration{
		ID:             uuid.New(),
		OpaqueID:       models.NewOpaqueID(),
		OrganizationID: org.ID,
		ServiceName:    serviceName,
		TableName:      tableName,
	}
	if si.TableName == "" {
		si.TableName = serviceName + "_" + strings.TrimPrefix(si.ShortID(), "svi_")
	}
	if err := s.cfg.Integrations.Create(ctx, si); err != nil {
		return nil, err
	}
	return si, nil
}

// Transition submits value for field and returns the next onboarding step. Completing the
// flow creates the table and, for backfill-capable types, enqueues the first cascading backfill.
func (s *Service) Transition(ctx context.Context, si *models.ServiceIntegration, field onboarding.Field, value, postURL string) (onboarding.Step, error) {
	r, err := s.Replicator(ctx, si)
	if err != nil {
		return onboarding.Step{}, err
	}
	flow := r.Type().Flow()
	wasComplete := r.CalculateStep(postURL).Complete

	if field == onboarding.FieldDependency {
		value, err = s.resolveDependency(ctx, r, value)
		if err != nil {
			return onboarding.Step{}, err
		}
	}
	if err := onboarding.Submit(flow, si, field, value); err != nil {
		return onboarding.Step{}, httperror.NewHTTPError(400, err.Error())
	}

	var notice string
	if isBackfillField(field) && r.Descriptor().SupportsBackfill && backfillFieldsSet(flow, si) {
		if err := s.withCredentials(ctx, r); err != nil {
			return onboarding.Step{}, err
		}
		v, err := r.VerifyBackfillCredentials(ctx)
		if err != nil && !faults.IsKind(err, faults.KindFatalTransport) && !faults.IsRetryable(err) {
			return onboarding.Step{}, err
		}
		if err != nil || !v.Valid {
			msg := "the source could not be reached"
			if v != nil {
				msg = v.Message
			}
			notice = fmt.Sprintf("Something is wrong with your configuration: %s. Please check your credentials and try again.", msg)
			r.ClearBackfillInformation()
		}
	}

	if err := s.cfg.Integrations.Update(ctx, si); err != nil {
		return onboarding.Step{}, err
	}

	step := r.CalculateStep(postURL)
	if step.Complete && !wasComplete {
		if si.TableCreatedAt == nil && s.cfg.DDL != nil {
			if err := r.CreateTable(ctx, s.cfg.DDL); err != nil {
				return onboarding.Step{}, err
			}
			if err := s.cfg.Integrations.Update(ctx, si); err != nil {
				return onboarding.Step{}, err
			}
		}
		if _, ok := r.Type().(BackfillCapable); ok && si.LastBackfilledAt == nil {
			if _, err := s.EnqueueBackfill(ctx, si, EnqueueOptions{Cascade: true}); err != nil {
				return onboarding.Step{}, err
			}
		}
	}
	if notice != "" {
		step.Output = strings.TrimSpace(notice + "\n\n" + step.Output)
	}
	return step, nil
}

func (s *Service) resolveDependency(ctx context.Context, r *Replicator, opaqueID string) (string, error) {
	if strings.TrimSpace(opaqueID) == "" {
		return "", nil
	}
	parent, err := s.cfg.Integrations.GetByOpaqueID(ctx, strings.TrimSpace(opaqueID))
	if err != nil {
		return "", err
	}
	if err := graph.ValidateDependency(r.Integration(), parent, r.Descriptor().DependsOn); err != nil {
		return "", err
	}
	g, err := s.graph(ctx, parent.OrganizationID)
	if err != nil {
		return "", err
	}
	if err := g.ValidateDependencyChange(r.Integration(), parent); err != nil {
		return "", err
	}
	return parent.ID.String(), nil
}

func isBackfillField(f onboarding.Field) bool {
	return f == onboarding.FieldAPIURL || f == onboarding.FieldBackfillKey || f == onboarding.FieldBackfillSecret
}

// backfillFieldsSet reports whether every backfill field the flow asks for has a value.
func backfillFieldsSet(flow onboarding.Flow, si *models.ServiceIntegration) bool {
	asked := false
	for _, req := range flow.Requirements {
		if !isBackfillField(req.Field) {
			continue
		}
		asked = true
		if onboarding.Value(si, req.Field) == "" {
			return false
		}
	}
	return asked
}

// CreateTable creates si's replicated tables and records when that happened.
func (s *Service) CreateTable(ctx context.Context, si *models.ServiceIntegration) error {
	if s.cfg.DDL == nil {
		return errors.New("no DDL executor configured")
	}
	r, err := s.Replicator(ctx, si)
	if err != nil {
		return err
	}
	if err := r.CreateTable(ctx, s.cfg.DDL); err != nil {
		return err
	}
	return s.cfg.Integrations.Update(ctx, si)
}
