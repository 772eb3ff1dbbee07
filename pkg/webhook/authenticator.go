package webhook

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"hash"
	"net/http"
	"strings"
)

const (
	MessageSecretNotConfigured = "webhook secret not configured"
	MessageMissingAuthHeader   = "missing auth header"
	MessageInvalidAuthHeader   = "invalid auth header"
	MessageInvalidHMAC         = "invalid hmac"
)

// Authenticator decides whether a delivery is genuine. Rejections are responses, never errors.
type Authenticator interface {
	Authenticate(req Request, secret string) Response
}

// AlwaysAccept acknowledges every delivery with 202.
type AlwaysAccept struct{}

func (AlwaysAccept) Authenticate(Request, string) Response {
	return Ack(http.StatusAccepted)
}

// HeaderMatch accepts when Header equals the stored secret exactly.
type HeaderMatch struct {
	Header string
	// SuccessStatus defaults to 202.
	SuccessStatus int
}

func (h HeaderMatch) Authenticate(req Request, secret string) Response {
	if secret == "" {
		return Reject(MessageSecretNotConfigured)
	}
	if !req.HasHeader(h.Header) {
		return Reject(MessageMissingAuthHeader)
	}
	if subtle.ConstantTimeCompare([]byte(req.Header(h.Header)), []byte(secret)) != 1 {
		return Reject(MessageInvalidAuthHeader)
	}
	return Ack(statusOr(h.SuccessStatus, http.StatusAccepted))
}

type HashAlgorithm string

const (
	SHA256 HashAlgorithm = "sha256"
	SHA1   HashAlgorithm = "sha1"
)

type Encoding string

const (
	Hex    Encoding = "hex"
	Base64 Encoding = "base64"
)

// HMAC accepts when Header carries the HMAC of the raw body keyed by the stored secret.
type HMAC struct {
	Header string
	// Prefix is stripped from the header value before decoding, e.g. "sha256=".
	Prefix   string
	Hash     HashAlgorithm
	Encoding Encoding
	// SuccessStatus defaults to 200.
	SuccessStatus int
}

func (h HMAC) Authenticate(req Request, secret string) Response {
	if secret == "" {
		return Reject(MessageSecretNotConfigured)
	}
	if !req.HasHeader(h.Header) {
		return Reject(MessageMissingAuthHeader)
	}

	got, ok := h.decode(req.Header(h.Header))
	if !ok {
		return Reject(MessageInvalidHMAC)
	}
	if !hmac.Equal(got, h.Sign(secret, req.Body)) {
		return Reject(MessageInvalidHMAC)
	}
	return Ack(statusOr(h.SuccessStatus, http.StatusOK))
}

// Sign computes the raw MAC of body.
func (h HMAC) Sign(secret string, body []byte) []byte {
	mac := hmac.New(h.hashFunc(), []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

// Signature renders the header value a source would send for body.
func (h HMAC) Signature(secret string, body []byte) string {
	sum := h.Sign(secret, body)
	if h.Encoding == Base64 {
		return h.Prefix + base64.StdEncoding.EncodeToString(sum)
	}
	return h.Prefix + hex.EncodeToString(sum)
}

func (h HMAC) hashFunc() func() hash.Hash {
	if h.Hash == SHA1 {
		return sha1.New
	}
	return sha256.New
}

func (h HMAC) decode(value string) ([]byte, bool) {
	value = strings.TrimSpace(value)
	if h.Prefix != "" {
		if !strings.HasPrefix(value, h.Prefix) {
			return nil, false
		}
		value = strings.TrimPrefix(value, h.Prefix)
	}
	var (
		decoded []byte
		err     error
	)
	if h.Encoding == Base64 {
		decoded, err = base64.StdEncoding.DecodeString(value)
	} else {
		decoded, err = hex.DecodeString(strings.ToLower(value))
	}
	return decoded, err == nil
}

// CustomFunc delegates to provider-specific logic.
type CustomFunc func(req Request, secret string) Response

func (f CustomFunc) Authenticate(req Request, secret string) Response {
	return f(req, secret)
}

func statusOr(status, fallback int) int {
	if status == 0 {
		return fallback
	}
	return status
}
