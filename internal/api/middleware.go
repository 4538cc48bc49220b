package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/reflectdb/reflectdb/internal/secctx"
)

// Engine-recognized request headers.
const (
	HeaderUserID           = "X-User-Id"
	HeaderAppID            = "X-App-Id"
	HeaderDomain           = "X-Domain"
	HeaderDisableOwnership = "X-Disable-Ownership"
	HeaderAllowCustomIDs   = "X-Allow-Custom-Ids"
)

// securityContext extracts the caller identity into a secctx.Context. A
// verified bearer token wins when a JWT secret is configured; otherwise the
// plain identity headers are trusted as-is (the deployment boundary fronts
// authentication).
func (s *Server) securityContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sc := &secctx.Context{
			UserID: r.Header.Get(HeaderUserID),
			AppID:  r.Header.Get(HeaderAppID),
			Domain: r.Header.Get(HeaderDomain),
		}

		if token := secctx.BearerToken(r.Header.Get("Authorization")); token != "" {
			if s.config.Security.JWTSecret != "" {
				fromToken, err := secctx.FromToken(token, s.config.Security.JWTSecret)
				if err != nil {
					s.logger.Warn("rejected bearer token", slog.String("error", err.Error()))
					writeError(w, http.StatusUnauthorized, "invalid_params", "invalid bearer token")
					return
				}
				sc = fromToken
			} else if id := secctx.UserIDFromToken(token); id != "" && sc.UserID == "" {
				sc.UserID = id
			}
		}

		sc.DisableOwnership = headerFlag(r, HeaderDisableOwnership)
		sc.AllowCustomIDs = headerFlag(r, HeaderAllowCustomIDs)

		next.ServeHTTP(w, r.WithContext(secctx.With(r.Context(), sc)))
	})
}

func headerFlag(r *http.Request, name string) bool {
	v := strings.ToLower(r.Header.Get(name))
	return v == "true" || v == "1"
}
