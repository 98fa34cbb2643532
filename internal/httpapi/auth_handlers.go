package httpapi

import (
	"net/http"
	"strings"

	"qazna.org/console/internal/audit"
	"qazna.org/console/internal/auth"
	"qazna.org/console/internal/backend"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (a *API) grant(pair auth.TokenPair) backend.TokenGrant {
	return backend.TokenGrant{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    strings.TrimSpace(bearer),
		ExpiresIn:    pair.ExpiresIn(a.auth.Now()),
	}
}

func publicMeta(r *http.Request) *http.Request {
	return r.WithContext(audit.WithRequestMeta(r.Context(), audit.RequestMeta{
		RequestID: RequestIDFromContext(r.Context()),
		IPAddress: clientIP(r),
	}))
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	r = publicMeta(r)
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	pair, principal, err := a.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		_ = audit.LogEvent(r.Context(), "auth.login.rejected", map[string]any{
			"username": strings.TrimSpace(req.Username),
			"reason":   auth.Code(err),
		})
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(auth.ContextWithPrincipal(r.Context(), principal), "auth.login", nil)
	writeData(w, http.StatusOK, a.grant(pair))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	r = publicMeta(r)
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		respondError(w, r, auth.Invalid(auth.ErrInvalidInput, "refreshToken is required"))
		return
	}
	pair, err := a.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.refresh", nil)
	writeData(w, http.StatusOK, a.grant(pair))
}

// handleLogout accepts expired access tokens so a late logout still revokes the session.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	r = publicMeta(r)
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, auth.CodeSessionExpired, err.Error())
		return
	}
	if err := a.auth.Revoke(r.Context(), token); err != nil {
		respondError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.logout", nil)
	writeData[any](w, http.StatusOK, nil)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	writeData(w, http.StatusOK, principal)
}
