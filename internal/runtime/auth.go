// Package runtime carries the cross-cutting pieces every recall process
// needs: JWT validation, session sealing, telemetry bootstrap, and DSN
// assembly.
package runtime

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/recall/config"
)

// LoadJWTSecret resolves the shared JWT secret from config.
// Preference order: server.jwt_secret, general.jwt_secret, else an error;
// either can arrive through RECALL_SERVER_JWT_SECRET / RECALL_GENERAL_JWT_SECRET.
func LoadJWTSecret(cfg *config.Config) ([]byte, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if cfg.Server.JWTSecret != "" {
		return []byte(cfg.Server.JWTSecret), nil
	}
	if cfg.General.JWTSecret != "" {
		return []byte(cfg.General.JWTSecret), nil
	}
	return nil, errors.New("jwt secret not configured (server.jwt_secret or general.jwt_secret)")
}

// SignJWT issues a signed HS256 token. The subject is the tenant's Telegram
// user id; an optional display name travels in the "name" claim.
func SignJWT(subject string, secret []byte, ttl time.Duration, displayName string) (string, error) {
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject is required")
	}
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(ttl).Unix(),
	}
	if displayName != "" {
		claims["name"] = displayName
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// Identity is the authenticated caller extracted from a token. Subject is
// the tenant's external id; Name may be empty.
type Identity struct {
	Subject string
	Name    string
}

// EchoAuthMiddleware validates JWT tokens from the Authorization header or
// the auth cookie and stores the caller identity on the request context.
func EchoAuthMiddleware(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tok := extractToken(c)
			if tok == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}
			parsed, err := jwt.Parse(tok, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, errors.New("unexpected signing method")
				}
				return secret, nil
			})
			if err != nil || !parsed.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			claims, ok := parsed.Claims.(jwt.MapClaims)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			sub, ok := claims["sub"].(string)
			if !ok || strings.TrimSpace(sub) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			ident := Identity{Subject: sub}
			if name, ok := claims["name"].(string); ok {
				ident.Name = name
			}
			c.Set("identity", ident)
			c.SetRequest(c.Request().WithContext(ContextWithIdentity(c.Request().Context(), ident)))
			return next(c)
		}
	}
}

func extractToken(c echo.Context) string {
	if h := c.Request().Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	if ck, err := c.Cookie("auth"); err == nil {
		return ck.Value
	}
	return ""
}

type identityKey struct{}

// ContextWithIdentity attaches the caller identity to a context.
func ContextWithIdentity(ctx context.Context, ident Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, ident)
}

// IdentityFromContext returns the identity stored by the auth middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	if v := ctx.Value(identityKey{}); v != nil {
		if ident, ok := v.(Identity); ok {
			return ident, true
		}
	}
	return Identity{}, false
}
