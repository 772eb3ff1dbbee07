// Package webhook authenticates inbound webhook deliveries and shapes their responses.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
)

// Request is an immutable copy of one inbound delivery.
type Request struct {
	Method  string
	Path    string
	Headers http.Header
	Body    []byte
}

func NewRequest(method, path string, headers http.Header, body []byte) Request {
	return Request{
		Method:  method,
		Path:    path,
		Headers: headers.Clone(),
		Body:    bytes.Clone(body),
	}
}

// FromHTTP reads r's body, up to maxBytes when positive, into a Request.
func FromHTTP(r *http.Request, maxBytes int64) (Request, error) {
	var reader io.Reader = r.Body
	if maxBytes > 0 {
		reader = io.LimitReader(r.Body, maxBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return Request{}, fmt.Errorf("failed to read webhook body: %w", err)
	}
	if maxBytes > 0 && int64(len(body)) > maxBytes {
		return Request{}, fmt.Errorf("webhook body exceeds %d bytes", maxBytes)
	}
	return Request{
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: r.Header.Clone(),
		Body:    body,
	}, nil
}

// Header returns the first value of the canonicalized header name.
func (r Request) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}

// HasHeader distinguishes an absent header from an empty one.
func (r Request) HasHeader(name string) bool {
	if r.Headers == nil {
		return false
	}
	_, ok := r.Headers[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}

// Response is what the HTTP boundary writes back to the source.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Accepted reports whether the delivery passed authentication.
func (r Response) Accepted() bool {
	return r.Status >= 200 && r.Status < 300
}

// JSON builds a response with a JSON body. Encoding failures fall back to an empty object.
func JSON(status int, v any) Response {
	body, err := json.Marshal(v)
	if err != nil {
		body = []byte("{}")
	}
	return Response{
		Status:  status,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	}
}

// Text builds a plain-text response.
func Text(status int, body string) Response {
	return Response{
		Status:  status,
		Headers: map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		Body:    []byte(body),
	}
}

// Ack is the standard acknowledgment body.
func Ack(status int) Response {
	return JSON(status, map[string]string{"o": "k"})
}

// Reject is a 401 with a message explaining why.
func Reject(message string) Response {
	return JSON(http.StatusUnauthorized, map[string]string{"message": message})
}

// WithBody replaces the body with v as JSON, keeping the status.
func (r Response) WithBody(v any) Response {
	out := JSON(r.Status, v)
	for k, val := range r.Headers {
		if _, ok := out.Headers[k]; !ok {
			out.Headers[k] = val
		}
	}
	return out
}
