package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"payguard.org/internal/session"
)

const (
	sessionCookie = "payguard_session"
	csrfCookie    = "payguard_csrf"
	csrfHeader    = "X-CSRF-Token"
)

type contextKey string

const claimsKey contextKey = "session-claims"

var publicPaths = []string{
	"/v1/login",
	"/v1/info",
	"/metrics",
	"/healthz",
	"/readyz",
	"/openapi.yaml",
	"/",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// withSession authenticates every non-public request from the session cookie.
// Invalid sessions answer 401 with a reason tag; the client redirects to
// login. Mutating methods additionally require the double-submit anti-forgery
// header. Tokens close to idle expiry are reissued on the response.
func (a *API) withSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		c, err := r.Cookie(sessionCookie)
		if err != nil || c.Value == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error":  "authentication required",
				"reason": session.ReasonMalformed,
			})
			return
		}

		st := a.sessions.Read(c.Value, a.now().UTC())
		if !st.Valid {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error":  "session invalid",
				"reason": st.Reason,
			})
			return
		}

		if isMutating(r.Method) && !a.csrfOK(r) {
			writeError(w, http.StatusForbidden, "anti-forgery token missing or mismatched")
			return
		}

		if st.NeedsRenewal {
			if token, err := a.sessions.Renew(st.Claims, a.now().UTC()); err == nil {
				setCookie(w, sessionCookie, token, st.Claims.AbsoluteExpiry(), true)
			}
		}

		ctx := context.WithValue(r.Context(), claimsKey, st.Claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// csrfOK implements the double-submit check: the header must repeat the
// anti-forgery cookie exactly.
func (a *API) csrfOK(r *http.Request) bool {
	c, err := r.Cookie(csrfCookie)
	if err != nil || c.Value == "" {
		return false
	}
	header := r.Header.Get(csrfHeader)
	if header == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Value), []byte(header)) == 1
}

func claimsFromContext(ctx context.Context) (*session.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*session.Claims)
	return claims, ok
}

// setSessionCookies attaches a full session: the token cookie is HttpOnly,
// the anti-forgery cookie is script-readable so the client can echo it in the
// header.
func setSessionCookies(w http.ResponseWriter, m session.Material) {
	setCookie(w, sessionCookie, m.Token, m.AbsoluteExpiry, true)
	setCookie(w, csrfCookie, m.AntiForgeryToken, m.AbsoluteExpiry, false)
}

func setCookie(w http.ResponseWriter, name, value string, expires time.Time, httpOnly bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Expires:  expires,
		HttpOnly: httpOnly,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func clearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{sessionCookie, csrfCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: name == sessionCookie,
			Secure:   true,
			SameSite: http.SameSiteStrictMode,
		})
	}
}
