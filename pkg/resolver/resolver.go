// Package resolver decides how an inbound payload lands on an existing row.
package resolver

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/document"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/faults"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
)

type Action string

const (
	ActionInserted  Action = "inserted"
	ActionUpdated   Action = "updated"
	ActionUnchanged Action = "unchanged"
	ActionStale     Action = "stale"
	ActionDeleted   Action = "deleted"
	ActionAbsent    Action = "absent"
)

// Result describes one resolved write.
type Result struct {
	Action Action
	Key    string
	// Row is the stored row after the write; nil for deletes and absent keys.
	Row *Row
	// Prior is the row before the write; nil when the key was new or absent.
	Prior         *Row
	ChangedFields []string
}

// Changed reports whether downstream consumers should hear about this write.
func (r *Result) Changed() bool {
	switch r.Action {
	case ActionInserted, ActionUpdated, ActionDeleted:
		return true
	default:
		return false
	}
}

type Resolver struct {
	store     Store
	evaluator *expressions.Evaluator
	logger    ectologger.Logger
}

func New(store Store, evaluator *expressions.Evaluator, logger ectologger.Logger) *Resolver {
	return &Resolver{store: store, evaluator: evaluator, logger: logger}
}

// Key extracts the remote key from doc.
func (r *Resolver) Key(target Target, doc document.Document) (string, error) {
	key, err := r.evaluator.RemoteKey(doc, target.RemoteKey)
	if err != nil {
		return "", faults.MalformedPayload(err, "cannot read remote key %q", target.RemoteKey.Name)
	}
	if key == "" {
		return "", faults.MalformedPayload(nil, "payload has no remote key %q", target.RemoteKey.Name)
	}
	return key, nil
}

// Projector returns the column projection for target.
func (r *Resolver) Projector(target Target) Projector {
	return func(doc document.Document) (map[string]any, error) {
		return r.evaluator.Extract(doc, target.Columns)
	}
}

// Upsert inserts doc or merges it into the row with the same remote key.
func (r *Resolver) Upsert(ctx context.Context, target Target, doc document.Document) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "Resolver.Upsert", attribute.String("table", target.Table))
	defer span.End()

	key, err := r.Key(target, doc)
	if err != nil {
		return nil, err
	}

	res, err := r.store.Upsert(ctx, target, key, doc, r.Projector(target))
	if err != nil {
		tracing.RecordError(span, err)
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"table": target.Table,
			"key":   key,
		}).Error("failed to upsert row")
		return nil, err
	}

	result := &Result{Key: key, Row: res.Row, Prior: res.Prior}
	switch {
	case res.Prior == nil:
		result.Action = ActionInserted
		result.ChangedFields = document.Diff(document.Document{}, res.Row.Data, target.IgnoreFields...)
	case !res.Applied:
		result.Action = ActionStale
	default:
		result.ChangedFields = document.Diff(res.Prior.Data, res.Row.Data, target.IgnoreFields...)
		if len(result.ChangedFields) == 0 {
			result.Action = ActionUnchanged
		} else {
			result.Action = ActionUpdated
		}
	}

	span.SetAttributes(attribute.String("action", string(result.Action)))
	r.logger.WithContext(ctx).WithFields(map[string]any{
		"table":  target.Table,
		"key":    key,
		"action": result.Action,
	}).Debug("resolved upsert")

	return result, nil
}

// Delete removes the row for key. Deleting an absent key is not an error.
func (r *Resolver) Delete(ctx context.Context, target Target, key string) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "Resolver.Delete", attribute.String("table", target.Table))
	defer span.End()

	if key == "" {
		return nil, faults.MalformedPayload(nil, "delete has no remote key %q", target.RemoteKey.Name)
	}

	prior, err := r.store.Delete(ctx, target, key)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	if prior == nil {
		return &Result{Action: ActionAbsent, Key: key}, nil
	}
	return &Result{Action: ActionDeleted, Key: key, Prior: prior}, nil
}

// Find returns the current row for key, or nil.
func (r *Resolver) Find(ctx context.Context, target Target, key string) (*Row, error) {
	return r.store.Find(ctx, target, key)
}
