package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"qazna.org/console/internal/audit"
	"qazna.org/console/internal/auth"
	"qazna.org/console/internal/backend"
	"qazna.org/console/internal/obs"
	"qazna.org/console/internal/rbac"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth resolves the bearer token to a principal and stores it, the token and the
// audit request metadata in the request context.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, auth.CodeSessionExpired, err.Error())
			return
		}

		principal, err := a.auth.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, auth.CodeSessionExpired, "invalid token")
				return
			}
			respondError(w, r, err)
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		ctx = audit.WithRequestMeta(ctx, audit.RequestMeta{
			RequestID:   RequestIDFromContext(ctx),
			OperationID: r.Header.Get(backend.HeaderOperationID),
			IPAddress:   clientIP(r),
		})
		ctx = obs.ContextWithLogger(ctx, obs.LoggerFrom(ctx).With(zap.Int64("user_id", principal.ID)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePermission rejects principals lacking code with 403.
func (a *API) requirePermission(code string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, r, http.StatusUnauthorized, auth.CodeSessionExpired, "authentication required")
				return
			}
			if !rbac.HasPermission(principal, code) {
				writeError(w, r, http.StatusForbidden, auth.CodeInsufficientPermission, "missing permission "+code)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
