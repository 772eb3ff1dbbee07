// Package document is the schema-less JSON payload stored in every replicated row.
package document

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/Ramsey-B/fern/pkg/faults"
)

// Document is a decoded JSON object.
type Document map[string]any

// Parse decodes raw as a JSON object. An empty body is an empty document.
func Parse(raw []byte) (Document, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Document{}, nil
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Document{}, faults.MalformedPayload(err, "payload is not a JSON object")
	}
	if doc == nil {
		// literal null
		return Document{}, nil
	}
	return doc, nil
}

// ParseLenient is Parse for the webhook path: a malformed body yields an empty document and the error
// so the caller can log it and still acknowledge delivery.
func ParseLenient(raw []byte) (Document, error) {
	doc, err := Parse(raw)
	if err != nil {
		return Document{}, err
	}
	return doc, nil
}

// FromValue converts a decoded JSON value, such as one item of a backfill page, into a Document.
func FromValue(v any) (Document, error) {
	switch t := v.(type) {
	case Document:
		return t, nil
	case map[string]any:
		return Document(t), nil
	case nil:
		return Document{}, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, faults.MalformedPayload(err, "value is not JSON encodable")
		}
		return Parse(b)
	}
}

func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

func (d Document) Bytes() []byte {
	if d == nil {
		return []byte("{}")
	}
	b, err := json.Marshal(map[string]any(d))
	if err != nil {
		return []byte("{}")
	}
	return b
}

// Merge applies incoming over stored as a top-level merge patch. Keys in incoming win, an explicit
// null is stored as null and keys absent from incoming keep their stored value. This is the
// semantics of Postgres jsonb || jsonb.
func Merge(stored, incoming Document) Document {
	out := make(Document, len(stored)+len(incoming))
	for k, v := range stored {
		out[k] = v
	}
	for k, v := range incoming {
		out[k] = v
	}
	return out
}

// Diff returns the sorted top-level keys whose presence or value differs between a and b,
// skipping ignored keys.
func Diff(a, b Document, ignore ...string) []string {
	skip := make(map[string]bool, len(ignore))
	for _, k := range ignore {
		skip[k] = true
	}

	changed := []string{}
	for k, av := range a {
		if skip[k] {
			continue
		}
		bv, ok := b[k]
		if !ok || canonical(av) != canonical(bv) {
			changed = append(changed, k)
		}
	}
	for k := range b {
		if skip[k] {
			continue
		}
		if _, ok := a[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// Fingerprint is the SHA-256 of the canonical JSON of d without the excluded top-level keys.
func Fingerprint(d Document, exclude ...string) string {
	trimmed := d
	if len(exclude) > 0 {
		trimmed = d.Clone()
		for _, k := range exclude {
			delete(trimmed, k)
		}
	}
	sum := sha256.Sum256([]byte(canonical(map[string]any(trimmed))))
	return hex.EncodeToString(sum[:])
}

func canonical(v any) string {
	var b strings.Builder
	writeCanonical(&b, v)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case Document:
		writeCanonical(b, map[string]any(t))
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			b.Write(kb)
			b.WriteByte(':')
			writeCanonical(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	default:
		enc, err := json.Marshal(t)
		if err != nil {
			b.WriteString("null")
			return
		}
		b.Write(enc)
	}
}
