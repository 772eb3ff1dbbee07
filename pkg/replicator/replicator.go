package replicator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/backfill"
	"github.com/Ramsey-B/fern/pkg/ddl"
	"github.com/Ramsey-B/fern/pkg/document"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/faults"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/onboarding"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/schema"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/Ramsey-B/fern/pkg/webhook"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrTableAlreadyCreated = errors.New("table has already been created for this integration")
	ErrBackfillUnsupported = errors.New("service type does not support backfill")
)

// DDLExecutor runs DDL statements in one transaction.
type DDLExecutor interface {
	ExecDDL(ctx context.Context, statements []string) error
}

// ChangeHandler hears about every resolved write, including redeliveries that changed nothing,
// so it can repeat a propagation that failed earlier. Result.Changed tells the two apart.
type ChangeHandler func(ctx context.Context, source *Replicator, result *resolver.Result) error

// Replicator binds a Type to one configured integration.
type Replicator struct {
	typ          Type
	integration  *models.ServiceIntegration
	organization *models.Organization

	resolver  *resolver.Resolver
	engine    *backfill.Engine
	evaluator *expressions.Evaluator
	onChange  ChangeHandler
	logger    ectologger.Logger

	// credentialOwner is the integration whose backfill credentials this one uses.
	credentialOwner *models.ServiceIntegration
}

type Options struct {
	Resolver  *resolver.Resolver
	Engine    *backfill.Engine
	Evaluator *expressions.Evaluator
	OnChange  ChangeHandler
	Logger    ectologger.Logger
}

func New(typ Type, integration *models.ServiceIntegration, organization *models.Organization, opts Options) *Replicator {
	evaluator := opts.Evaluator
	if evaluator == nil {
		evaluator = expressions.NewEvaluator()
	}
	return &Replicator{
		typ:             typ,
		integration:     integration,
		organization:    organization,
		resolver:        opts.Resolver,
		engine:          opts.Engine,
		evaluator:       evaluator,
		onChange:        opts.OnChange,
		logger:          opts.Logger,
		credentialOwner: integration,
	}
}

func (r *Replicator) Type() Type {
	return r.typ
}

func (r *Replicator) Descriptor() Descriptor {
	return r.typ.Descriptor()
}

func (r *Replicator) Integration() *models.ServiceIntegration {
	return r.integration
}

func (r *Replicator) Organization() *models.Organization {
	return r.organization
}

// WithCredentialOwner makes backfills authenticate with owner's credentials.
func (r *Replicator) WithCredentialOwner(owner *models.ServiceIntegration) *Replicator {
	r.credentialOwner = owner
	return r
}

func (r *Replicator) RemoteKeyColumn() schema.Column {
	return r.typ.RemoteKeyColumn()
}

func (r *Replicator) DenormalizedColumns() []schema.Column {
	return r.typ.DenormalizedColumns()
}

func (r *Replicator) EnrichmentTablesDescriptors() []schema.TableDescriptor {
	return r.typ.EnrichmentTables(r.integration.TableName)
}

// Target is the replicated table this integration writes to.
func (r *Replicator) Target() resolver.Target {
	d := r.typ.Descriptor()
	return resolver.Target{
		Schema:          r.organization.ReplicationSchema,
		Table:           r.integration.TableName,
		RemoteKey:       r.typ.RemoteKeyColumn(),
		Columns:         r.typ.DenormalizedColumns(),
		RecencyColumn:   d.RecencyColumn,
		SupportsRowDiff: d.SupportsRowDiff,
		IgnoreFields:    d.IgnoreFields,
	}
}

func (r *Replicator) log(ctx context.Context) ectologger.Logger {
	return r.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_id": r.integration.OpaqueID,
		"service_name":   r.typ.Descriptor().Name,
	})
}

// WebhookResponse authenticates req against this integration's webhook secret.
func (r *Replicator) WebhookResponse(req webhook.Request) webhook.Response {
	return r.typ.Authenticator().Authenticate(req, r.integration.WebhookSecret)
}

// UpsertWebhook applies one authenticated delivery. A malformed body is logged and stores
// nothing; the returned result is nil in that case and for ignored deliveries.
func (r *Replicator) UpsertWebhook(ctx context.Context, req webhook.Request) (*resolver.Result, error) {
	ev, err := r.typ.ParseEvent(req)
	if err != nil {
		if faults.IsKind(err, faults.KindMalformedPayload) {
			r.log(ctx).WithError(err).Warn("dropping malformed webhook payload")
			metrics.RecordWebhook(r.typ.Descriptor().Name, "malformed")
			return nil, nil
		}
		return nil, err
	}

	result, err := r.Apply(ctx, ev)
	if faults.IsKind(err, faults.KindMalformedPayload) {
		r.log(ctx).WithError(err).Warn("webhook payload has no usable key")
		metrics.RecordWebhook(r.typ.Descriptor().Name, "malformed")
		return nil, nil
	}
	return result, err
}

// Apply performs ev against the replicated table and reports the result to the change handler.
// A change handler failure is returned so the write is retried rather than the notification lost.
func (r *Replicator) Apply(ctx context.Context, ev Event) (*resolver.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "Replicator.Apply",
		attribute.String("integration_id", r.integration.OpaqueID),
		attribute.String("op", string(ev.Op)))
	defer span.End()

	var (
		result *resolver.Result
		err    error
	)
	target := r.Target()
	switch ev.Op {
	case OpIgnore:
		return nil, nil
	case OpDelete:
		result, err = r.resolver.Delete(ctx, target, ev.Key)
	case OpUpsert:
		result, err = r.resolver.Upsert(ctx, target, ev.Document)
	default:
		err = fmt.Errorf("unknown event op %q", ev.Op)
	}
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	metrics.RecordRow(r.typ.Descriptor().Name, string(result.Action))
	if r.onChange != nil {
		if err := r.onChange(ctx, r, result); err != nil {
			tracing.RecordError(span, err)
			return result, fmt.Errorf("failed to propagate change to %s: %w", result.Key, err)
		}
	}
	return result, nil
}

// SynchronousProcessingResponseBody renders the caller-visible body for synchronous types.
// ok is false for types that only acknowledge.
func (r *Replicator) SynchronousProcessingResponseBody(result *resolver.Result, req webhook.Request) (body any, ok bool, err error) {
	sync, isSync := r.typ.(SynchronousResponder)
	if !isSync {
		return nil, false, nil
	}
	body, err = sync.SynchronousProcessingResponseBody(result, req)
	if err != nil {
		return nil, false, err
	}
	return body, true, nil
}

func (r *Replicator) ClearCreateInformation() {
	onboarding.ClearCreateInformation(r.integration)
}

func (r *Replicator) ClearBackfillInformation() {
	onboarding.ClearBackfillInformation(r.integration)
}

func (r *Replicator) ddlInput() ddl.Input {
	return ddl.Input{
		Schema:       r.organization.ReplicationSchema,
		ShortID:      r.integration.ShortID(),
		Table:        r.integration.TableName,
		RemoteKey:    r.typ.RemoteKeyColumn(),
		Denormalized: r.typ.DenormalizedColumns(),
		Enrichment:   r.typ.EnrichmentTables(r.integration.TableName),
	}
}

func (r *Replicator) CreateTableSQL() (string, error) {
	return ddl.NewGenerator().SQL(r.ddlInput())
}

// CreateTable runs the DDL once. A second call fails with ErrTableAlreadyCreated.
// On success the integration's TableCreatedAt is set; the caller persists it.
func (r *Replicator) CreateTable(ctx context.Context, exec DDLExecutor) error {
	if r.integration.TableCreatedAt != nil {
		return ErrTableAlreadyCreated
	}
	stmts, err := ddl.NewGenerator().Statements(r.ddlInput())
	if err != nil {
		return err
	}
	if err := exec.ExecDDL(ctx, stmts); err != nil {
		return fmt.Errorf("failed to create table %s: %w", r.integration.TableName, err)
	}
	now := time.Now().UTC()
	r.integration.TableCreatedAt = &now
	r.log(ctx).Infof("created table %s.%s", r.organization.ReplicationSchema, r.integration.TableName)
	return nil
}

// CalculateStep evaluates onboarding. postURL is the integration's transition endpoint.
func (r *Replicator) CalculateStep(postURL string) onboarding.Step {
	return onboarding.Evaluate(r.typ.Flow(), r.integration, postURL)
}

func (r *Replicator) backfillContext() BackfillContext {
	owner := r.credentialOwner
	return BackfillContext{
		Integration: IntegrationView{OpaqueID: r.integration.OpaqueID, TableName: r.integration.TableName},
		Credentials: Credentials{APIURL: owner.APIURL, Key: owner.BackfillKey, Secret: owner.BackfillSecret},
		Evaluator:   r.evaluator,
	}
}

// Backfill pages through the source and applies every item. checkpoint may be nil.
func (r *Replicator) Backfill(ctx context.Context, cursor string, checkpoint backfill.CheckpointFunc) (*backfill.Summary, error) {
	capable, ok := r.typ.(BackfillCapable)
	if !ok {
		return nil, ErrBackfillUnsupported
	}
	bc := r.backfillContext()
	source, err := capable.BackfillSource(bc)
	if err != nil {
		return nil, err
	}

	run := backfill.Run{
		Key:    r.credentialOwner.OpaqueID,
		Source: source,
		Apply: func(ctx context.Context, item document.Document) error {
			_, err := r.Apply(ctx, Upsert(item))
			return err
		},
		Cursor:     cursor,
		Checkpoint: checkpoint,
	}
	if enrichable, ok := r.typ.(EnrichmentCapable); ok {
		enricher, err := enrichable.Enricher(bc)
		if err != nil {
			return nil, err
		}
		run.Enricher = enricher
	}

	start := time.Now()
	summary, err := r.engine.Run(ctx, run)
	status := "succeeded"
	if err != nil {
		status = string(faults.KindOf(err))
		if status == "" {
			status = "failed"
		}
	}
	metrics.RecordBackfill(r.typ.Descriptor().Name, status, time.Since(start))
	return summary, err
}

// VerifyBackfillCredentials probes the source once with the current credentials.
func (r *Replicator) VerifyBackfillCredentials(ctx context.Context) (*backfill.Verification, error) {
	bc := r.backfillContext()

	var prober backfill.Prober
	switch t := r.typ.(type) {
	case CredentialProbeCapable:
		p, err := t.Prober(bc)
		if err != nil {
			return nil, err
		}
		prober = p
	case BackfillCapable:
		source, err := t.BackfillSource(bc)
		if err != nil {
			return nil, err
		}
		p, ok := source.(backfill.Prober)
		if !ok {
			return &backfill.Verification{Valid: true, Message: "credentials cannot be verified for this service"}, nil
		}
		prober = p
	default:
		return nil, ErrBackfillUnsupported
	}
	return r.engine.Verify(ctx, prober)
}
