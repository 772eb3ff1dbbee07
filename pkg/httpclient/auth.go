package httpclient

import (
	"net/http"
)

type AuthKind string

const (
	AuthNone   AuthKind = ""
	AuthBearer AuthKind = "bearer"
	AuthAPIKey AuthKind = "api_key"
	AuthBasic  AuthKind = "basic"
	AuthCookie AuthKind = "cookie"
)

// Credentials authenticate outbound requests to a source API.
type Credentials struct {
	Kind AuthKind
	// Token is the bearer token, API key or session cookie value.
	Token string
	// Name is the API key header or query parameter, or the cookie name.
	Name string
	// InQuery sends an API key as a query parameter instead of a header.
	InQuery  bool
	Username string
	Password string
}

// Apply sets the credentials on req.
func (c Credentials) Apply(req *http.Request) {
	switch c.Kind {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+c.Token)
	case AuthAPIKey:
		name := c.Name
		if name == "" {
			name = "X-Api-Key"
		}
		if c.InQuery {
			q := req.URL.Query()
			q.Set(name, c.Token)
			req.URL.RawQuery = q.Encode()
			return
		}
		req.Header.Set(name, c.Token)
	case AuthBasic:
		req.SetBasicAuth(c.Username, c.Password)
	case AuthCookie:
		name := c.Name
		if name == "" {
			name = "session"
		}
		req.AddCookie(&http.Cookie{Name: name, Value: c.Token})
	}
}
