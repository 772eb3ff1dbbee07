package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	fernctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/labstack/echo/v4"
)

// UserClaims are the token claims the API reads. The organization key travels in a custom claim.
type UserClaims struct {
	Sub          string `json:"sub"`
	Email        string `json:"email"`
	Organization string `json:"fern_org"`
	RealmAccess  struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

// TokenVerifier is satisfied by *oidc.IDTokenVerifier.
type TokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// NewOIDCVerifier discovers issuer and returns a verifier for tokens minted for clientID.
func NewOIDCVerifier(ctx context.Context, issuer, clientID string) (*oidc.IDTokenVerifier, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, err
	}
	return provider.Verifier(&oidc.Config{ClientID: clientID}), nil
}

// Authentication guards the management API. Webhook routes are not mounted behind it;
// they authenticate with the integration's own strategy.
func Authentication(logger ectologger.Logger, verifier TokenVerifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			ctx, span := tracing.StartSpan(ctx, "middleware.Authentication")
			defer span.End()

			auth := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				logger.WithContext(ctx).Warn("request is missing bearer token")
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer")
			}

			raw := strings.TrimPrefix(auth, "Bearer ")
			verifyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			idToken, err := verifier.Verify(verifyCtx, raw)
			if err != nil {
				logger.WithContext(ctx).WithError(err).Warn("token is invalid")
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			var claims UserClaims
			if err := idToken.Claims(&claims); err != nil {
				logger.WithContext(ctx).WithError(err).Warn("failed to parse claims")
				return echo.NewHTTPError(http.StatusUnauthorized, "cannot parse claims")
			}

			ctx = fernctx.SetUserID(ctx, claims.Sub)
			if claims.Organization != "" {
				ctx = fernctx.SetTenantID(ctx, claims.Organization)
			} else if len(claims.RealmAccess.Roles) > 0 {
				ctx = fernctx.SetTenantID(ctx, claims.RealmAccess.Roles[0])
			}

			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}
