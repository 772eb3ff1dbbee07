package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/backfill"
	"github.com/Ramsey-B/fern/pkg/document"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/onboarding"
	"github.com/Ramsey-B/fern/pkg/replicator"
	"github.com/Ramsey-B/fern/pkg/resolver"
	"github.com/Ramsey-B/fern/pkg/schema"
	"github.com/Ramsey-B/fern/pkg/webhook"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Type is a compiled Definition.
type Type struct {
	def       Definition
	evaluator *expressions.Evaluator
	payload   *jsonschema.Schema
	logger    ectologger.Logger
}

// BackfillType is a Type whose definition declares a backfill endpoint.
type BackfillType struct {
	*Type
}

func compile(def Definition, evaluator *expressions.Evaluator, logger ectologger.Logger) (replicator.Type, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	for _, expr := range []string{def.Events.Document, def.Events.DeleteWhen, def.Events.DeleteKey, def.Events.IgnoreWhen} {
		if expr == "" {
			continue
		}
		if err := evaluator.Validate(expr); err != nil {
			return nil, fmt.Errorf("service type %q: %w", def.Name, err)
		}
	}

	t := &Type{def: def, evaluator: evaluator, logger: logger}
	if len(def.PayloadSchema) > 0 {
		sch, err := compileSchema(def.Name, def.PayloadSchema)
		if err != nil {
			return nil, err
		}
		t.payload = sch
	}
	if def.Backfill != nil {
		return BackfillType{Type: t}, nil
	}
	return t, nil
}

// compileSchema round-trips the YAML-decoded schema through JSON so numbers take the form the compiler expects.
func compileSchema(name string, raw map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("service type %q payload schema: %w", name, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("service type %q payload schema: %w", name, err)
	}

	url := "https://schemas.fern.dev/catalog/" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("service type %q payload schema: %w", name, err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("service type %q payload schema: %w", name, err)
	}
	return sch, nil
}

func (t *Type) Definition() Definition {
	return t.def
}

func (t *Type) Descriptor() replicator.Descriptor {
	d := replicator.Descriptor{
		Name:                 t.def.Name,
		ResourceName:         t.def.ResourceName,
		Description:          t.def.Description,
		DependsOn:            t.def.DependsOn,
		DelegatesCredentials: t.def.DelegatesCredentials,
		SupportsWebhooks:     t.def.Auth.Strategy != "",
		SupportsBackfill:     t.def.Backfill != nil,
	}
	if t.def.RowDiff != nil {
		d.SupportsRowDiff = true
		d.RecencyColumn = t.def.RowDiff.RecencyColumn
		d.IgnoreFields = t.def.RowDiff.IgnoreFields
	}
	return d
}

func (t *Type) RemoteKeyColumn() schema.Column {
	return t.def.RemoteKey
}

func (t *Type) DenormalizedColumns() []schema.Column {
	return t.def.Columns
}

func (t *Type) EnrichmentTables(table string) []schema.TableDescriptor {
	out := make([]schema.TableDescriptor, 0, len(t.def.Enrichment))
	for _, e := range t.def.Enrichment {
		td := schema.TableDescriptor{Name: table + "_" + e.Suffix, Columns: e.Columns}
		for _, idx := range e.Indices {
			td.Indices = append(td.Indices, schema.Index{
				Name:    td.Name + "_" + idx.Suffix,
				Columns: idx.Columns,
				Unique:  idx.Unique,
			})
		}
		out = append(out, td)
	}
	return out
}

func (t *Type) Authenticator() webhook.Authenticator {
	a := t.def.Auth
	switch a.Strategy {
	case "header":
		return webhook.HeaderMatch{Header: a.Header, SuccessStatus: a.SuccessStatus}
	case "hmac":
		return webhook.HMAC{
			Header:        a.Header,
			Prefix:        a.Prefix,
			Hash:          webhook.HashAlgorithm(a.Hash),
			Encoding:      webhook.Encoding(a.Encoding),
			SuccessStatus: a.SuccessStatus,
		}
	default:
		return webhook.AlwaysAccept{}
	}
}

func (t *Type) truthy(expr string, body document.Document) (bool, error) {
	if expr == "" {
		return false, nil
	}
	v, err := t.evaluator.Evaluate(expr, body)
	if err != nil {
		return false, err
	}
	switch b := v.(type) {
	case nil:
		return false, nil
	case bool:
		return b, nil
	case string:
		return b != "", nil
	default:
		return true, nil
	}
}

func (t *Type) ParseEvent(req webhook.Request) (replicator.Event, error) {
	body, err := document.ParseLenient(req.Body)
	if err != nil {
		return replicator.Event{}, err
	}
	t.checkPayload(req.Body)

	ignore, err := t.truthy(t.def.Events.IgnoreWhen, body)
	if err != nil {
		return replicator.Event{}, err
	}
	if ignore {
		return replicator.Ignore(), nil
	}

	del, err := t.truthy(t.def.Events.DeleteWhen, body)
	if err != nil {
		return replicator.Event{}, err
	}
	if del {
		key, err := t.evaluator.EvaluateString(t.def.Events.DeleteKey, body)
		if err != nil {
			return replicator.Event{}, err
		}
		return replicator.Delete(key), nil
	}

	if t.def.Events.Document == "" {
		return replicator.Upsert(body), nil
	}
	selected, err := t.evaluator.Evaluate(t.def.Events.Document, body)
	if err != nil {
		return replicator.Event{}, err
	}
	doc, err := document.FromValue(selected)
	if err != nil {
		return replicator.Event{}, err
	}
	return replicator.Upsert(doc), nil
}

// checkPayload logs schema violations. Deliveries are stored regardless.
func (t *Type) checkPayload(raw []byte) {
	if t.payload == nil {
		return
	}
	v, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return
	}
	if err := t.payload.Validate(v); err != nil {
		t.logger.WithError(err).WithFields(map[string]any{"service_name": t.def.Name}).
			Warn("webhook payload does not match its declared schema")
	}
}

func (t *Type) Flow() onboarding.Flow {
	flow := onboarding.Flow{CompleteOutput: t.def.Flow.CompleteOutput}
	if dep := t.def.Flow.Dependency; dep != nil {
		flow.Dependency = &onboarding.Dependency{ServiceType: t.def.DependsOn, Name: dep.Name, Help: dep.Help}
	}
	for _, r := range t.def.Flow.Requirements {
		field, _ := onboarding.ParseField(r.Field)
		flow.Requirements = append(flow.Requirements, onboarding.Requirement{
			Field:  field,
			Prompt: r.Prompt,
			Secret: r.Secret,
			Output: r.Output,
			Rule:   r.Rule,
		})
	}
	return flow
}

// SynchronousProcessingResponseBody is only consulted when the definition lists synchronous fields.
func (t *Type) SynchronousProcessingResponseBody(result *resolver.Result, _ webhook.Request) (any, error) {
	if len(t.def.Synchronous) == 0 {
		return map[string]string{"o": "k"}, nil
	}
	row := result.Row
	if row == nil {
		row = result.Prior
	}
	body := make(map[string]any, len(t.def.Synchronous))
	for _, field := range t.def.Synchronous {
		body[field] = nil
		if row != nil {
			body[field] = row.Data[field]
		}
	}
	return body, nil
}

func (t BackfillType) source(bc replicator.BackfillContext) *backfill.HTTPSource {
	b := t.def.Backfill
	creds := httpclient.Credentials{Kind: httpclient.AuthKind(b.Auth.Kind), Token: bc.Credentials.Key, Name: b.Auth.Name, InQuery: b.Auth.InQuery}
	if creds.Kind == httpclient.AuthBasic {
		creds = httpclient.Credentials{Kind: httpclient.AuthBasic, Username: bc.Credentials.Key, Password: bc.Credentials.Secret}
	}

	source := backfill.NewHTTPSource(bc.Evaluator, backfill.Listing{
		Request: httpclient.RequestSpec{
			Method:  http.MethodGet,
			BaseURL: bc.Credentials.APIURL,
			Path:    b.Path,
			Query:   b.Query,
		},
		CursorParam: b.CursorParam,
		ItemsPath:   b.ItemsPath,
		CursorPath:  b.CursorPath,
	}, creds, nil)
	if b.Detail != nil {
		source.Detail = &backfill.Detail{
			Request:    httpclient.RequestSpec{Method: http.MethodGet, BaseURL: bc.Credentials.APIURL, Path: b.Detail.Path},
			ResultPath: b.Detail.ResultPath,
			KeyField:   b.Detail.KeyField,
		}
	}
	if b.ProbePath != "" {
		source.Probe = &httpclient.RequestSpec{Method: http.MethodGet, BaseURL: bc.Credentials.APIURL, Path: b.ProbePath}
	}
	return source
}

func (t BackfillType) BackfillSource(bc replicator.BackfillContext) (backfill.Source, error) {
	return t.source(bc), nil
}

func (t BackfillType) Enricher(bc replicator.BackfillContext) (backfill.Enricher, error) {
	return t.source(bc), nil
}

func (t BackfillType) Prober(bc replicator.BackfillContext) (backfill.Prober, error) {
	return t.source(bc), nil
}

var (
	_ replicator.BackfillCapable        = BackfillType{}
	_ replicator.EnrichmentCapable      = BackfillType{}
	_ replicator.CredentialProbeCapable = BackfillType{}
	_ replicator.SynchronousResponder   = (*Type)(nil)
)
