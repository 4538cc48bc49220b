// Package secctx carries the per-request security context: the
// (user_id, app_id, domain) triple stamped on creation and checked on
// read/write for non-system classes.
package secctx

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Context is the authenticated caller identity for one request.
type Context struct {
	UserID string
	AppID  string
	Domain string

	// DisableOwnership suppresses owner-based filtering (administrative
	// mode, X-Disable-Ownership header).
	DisableOwnership bool

	// AllowCustomIDs permits creating records with caller-supplied ids
	// (seeding, X-Allow-Custom-Ids header).
	AllowCustomIDs bool
}

// Active reports whether any security stamp is present.
func (c *Context) Active() bool {
	if c == nil || c.DisableOwnership {
		return false
	}
	return c.UserID != "" || c.AppID != "" || c.Domain != ""
}

type ctxKeyType string

const ctxKey ctxKeyType = "reflectdb_security_context"

// With attaches a security context to a request context.
func With(ctx context.Context, sc *Context) context.Context {
	return context.WithValue(ctx, ctxKey, sc)
}

// From retrieves the security context, or an empty one when unset.
func From(ctx context.Context) *Context {
	if v := ctx.Value(ctxKey); v != nil {
		if sc, ok := v.(*Context); ok && sc != nil {
			return sc
		}
	}
	return &Context{}
}

// Claims are the JWT claims the engine recognizes.
type Claims struct {
	UserID string `json:"user_id"`
	AppID  string `json:"app_id"`
	Domain string `json:"domain"`
	jwt.RegisteredClaims
}

// FromToken verifies an HMAC-signed bearer token and extracts the security
// triple. Subject is used when user_id is absent.
func FromToken(tokenStr, secret string) (*Context, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	userID := claims.UserID
	if userID == "" {
		userID = claims.Subject
	}
	return &Context{
		UserID: userID,
		AppID:  claims.AppID,
		Domain: claims.Domain,
	}, nil
}

// UserIDFromToken extracts only the user id, without signature verification,
// for transports that merely need the sender identity (the fan-out service
// trusts its deployment boundary, not the token).
func UserIDFromToken(tokenStr string) string {
	parser := jwt.NewParser()
	claims := &Claims{}
	if _, _, err := parser.ParseUnverified(tokenStr, claims); err != nil {
		return ""
	}
	if claims.UserID != "" {
		return claims.UserID
	}
	return claims.Subject
}

// BearerToken extracts a bearer token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}
