package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"payguard.org/internal/audit"
	"payguard.org/internal/credential"
	"payguard.org/internal/stepup"
)

type loginRequest struct {
	HumanID string `json:"human_id"`
	Secret  string `json:"secret"`
}

type loginResponse struct {
	SessionExpiresAt time.Time `json:"session_expires_at"`
	AntiForgeryToken string    `json:"anti_forgery_token"`
}

type reauthRequest struct {
	// Optional payment the operator is about to act on; recorded in the
	// audit trail, not used to scope the watermark.
	TargetPaymentID  string `json:"target_payment_id"`
	Secret           string `json:"secret"`
	SecondFactorCode string `json:"second_factor_code"`
}

type reauthResponse struct {
	LastSuccessfulReauthAt time.Time `json:"last_successful_reauth_at"`
	ReauthWindowSeconds    int       `json:"reauth_window_seconds"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !a.admit(w, r, "login") {
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.HumanID) == "" || req.Secret == "" {
		writeError(w, http.StatusBadRequest, "human_id and secret are required")
		return
	}

	// Every failure collapses to the same response: no username oracle.
	act, err := a.actors.FindByHumanID(r.Context(), req.HumanID)
	if err != nil || !credential.VerifySecret(req.Secret, act.PasswordDigest) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	mat, err := a.sessions.Create(act.ID, act.Role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	setSessionCookies(w, mat)

	a.recorder.Write(r.Context(), audit.Event{
		ActorID:      act.ID,
		ActorHumanID: act.HumanID,
		Action:       audit.ActionLogin,
		Details:      audit.LoginDetails{Method: "password"},
	})

	writeJSON(w, http.StatusOK, loginResponse{
		SessionExpiresAt: mat.AbsoluteExpiry,
		AntiForgeryToken: mat.AntiForgeryToken,
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	// Logout clears the step-up watermark so the next session starts clean.
	if err := a.guard.ClearWatermark(r.Context(), claims.Subject); err != nil {
		handleDomainError(w, err)
		return
	}
	clearSessionCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleReauth refreshes the step-up watermark outside any payment action, so
// an operator can pre-authorize a batch of verifications.
func (a *API) handleReauth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if !a.admit(w, r, "reauth") {
		return
	}

	var req reauthRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	act, err := a.guard.Ensure(r.Context(), claims.Subject, decimal.Zero, req.Secret, req.SecondFactorCode)
	if err != nil {
		a.recorder.Write(r.Context(), audit.Event{
			ActorID:   claims.Subject,
			Action:    audit.ActionReauthFailure,
			PaymentID: req.TargetPaymentID,
			Details: audit.ReauthDetails{
				Method:       "password",
				TOTPProvided: req.SecondFactorCode != "",
				Reason:       reauthReason(err),
			},
		})
		handleDomainError(w, err)
		return
	}

	method := "password"
	if req.Secret == "" {
		method = "window"
	}
	a.recorder.Write(r.Context(), audit.Event{
		ActorID:      act.ID,
		ActorHumanID: act.HumanID,
		Action:       audit.ActionReauthSuccess,
		PaymentID:    req.TargetPaymentID,
		Details:      audit.ReauthDetails{Method: method, TOTPProvided: req.SecondFactorCode != ""},
	})

	resp := reauthResponse{ReauthWindowSeconds: int(a.guard.Window().Seconds())}
	if act.LastReauthAt != nil {
		resp.LastSuccessfulReauthAt = act.LastReauthAt.UTC()
	}
	writeJSON(w, http.StatusOK, resp)
}

// admit applies the credential-endpoint rate limit, keyed by client IP.
func (a *API) admit(w http.ResponseWriter, r *http.Request, scope string) bool {
	if a.limiter == nil {
		return true
	}
	d, err := a.limiter.CheckAndRecord(r.Context(), scope+":"+clientIP(r))
	if err != nil || d.Allowed {
		return true
	}
	if d.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds()+1)))
	}
	writeError(w, http.StatusTooManyRequests, "too many attempts")
	return false
}

func reauthReason(err error) string {
	switch {
	case errors.Is(err, stepup.ErrReauthRequired):
		return "required"
	case errors.Is(err, stepup.ErrTooManyAttempts):
		return "locked_out"
	case errors.Is(err, stepup.ErrInvalidSecondFactor):
		return "invalid_second_factor"
	case errors.Is(err, stepup.ErrInvalidCredentials):
		return "invalid_credentials"
	default:
		return "error"
	}
}
