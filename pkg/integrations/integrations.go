// Package integrations holds the hand-coded service types.
package integrations

import (
	"strconv"

	"github.com/Ramsey-B/fern/pkg/document"
	"github.com/Ramsey-B/fern/pkg/expressions"
	"github.com/Ramsey-B/fern/pkg/replicator"
	"github.com/Ramsey-B/fern/pkg/webhook"
)

// All returns one instance of every hand-coded type.
func All() []replicator.Type {
	return []replicator.Type{
		RentalsListing{},
		RentalsListingPhoto{},
		HelpdeskEvent{},
		StatusPoll{},
	}
}

// parseBody decodes a delivery. A body that is not a JSON object is a MalformedPayload fault.
func parseBody(req webhook.Request) (document.Document, error) {
	doc, err := document.ParseLenient(req.Body)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// numericKey renders a remote key as a number when it is one, so response bodies echo ids
// in the type the source sent them.
func numericKey(key string) any {
	if n, err := strconv.ParseInt(key, 10, 64); err == nil {
		return n
	}
	return key
}

func stringValue(doc document.Document, field string) string {
	return expressions.Stringify(doc[field])
}
