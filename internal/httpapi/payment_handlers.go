package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"payguard.org/internal/actor"
	"payguard.org/internal/payment"
	"payguard.org/internal/session"
)

type submitRequest struct {
	Amount      string              `json:"amount"`
	Currency    string              `json:"currency"`
	Beneficiary payment.Beneficiary `json:"beneficiary"`
}

type verifyRequest struct {
	Confirmation     string `json:"confirmation"`
	Secret           string `json:"secret"`
	SecondFactorCode string `json:"second_factor_code"`
}

type sendRequest struct {
	Secret           string `json:"secret"`
	SecondFactorCode string `json:"second_factor_code"`
}

type listResponse struct {
	Items []payment.Payment `json:"items"`
	AsOf  time.Time         `json:"as_of"`
}

func (a *API) handlePaymentsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.submitPayment(w, r)
	case http.MethodGet:
		a.listPayments(w, r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handlePaymentResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/payments/")
	if path == "" {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}

	id, action, hasAction := strings.Cut(path, "/")
	if id == "" || strings.Contains(action, "/") {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}

	if !hasAction {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		a.getPayment(w, r, id)
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	switch action {
	case "verify":
		a.verifyPayment(w, r, id)
	case "send":
		a.sendPayment(w, r, id)
	case "cancel":
		a.cancelPayment(w, r, id)
	case "ack":
		a.acknowledgePayment(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "resource not found")
	}
}

func (a *API) submitPayment(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req submitRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a decimal string")
		return
	}
	if strings.TrimSpace(req.Beneficiary.SwiftCode) == "" {
		writeError(w, http.StatusBadRequest, "beneficiary swift_code is required")
		return
	}

	p, err := a.payments.Submit(r.Context(), claims.Subject, payment.Draft{
		Amount:      amount,
		Currency:    payment.Currency(strings.ToUpper(strings.TrimSpace(req.Currency))),
		Beneficiary: req.Beneficiary,
	})
	if err != nil {
		handleDomainError(w, err)
		return
	}

	w.Header().Set("Location", "/v1/payments/"+p.ID)
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) listPayments(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	f := payment.Filter{}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, payment.Status(strings.TrimSpace(s)))
		}
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("sent")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "sent must be a boolean")
			return
		}
		f.SentToSwift = &v
	}
	// Non-employees only ever see their own instructions.
	if claims.Role != actor.RoleEmployee || r.URL.Query().Get("mine") == "true" {
		f.OwnerID = claims.Subject
	}

	limit := 100
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = v
	}

	items, err := a.payments.List(r.Context(), f, limit)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, AsOf: a.now().UTC()})
}

func (a *API) getPayment(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	p, err := a.payments.Get(r.Context(), id)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	if claims.Role != actor.RoleEmployee && p.OwnerID != claims.Subject {
		// Hide other customers' instructions entirely.
		writeError(w, http.StatusNotFound, payment.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) verifyPayment(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := a.requireEmployee(w, r)
	if !ok {
		return
	}
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := a.payments.Verify(r.Context(), claims.Subject, payment.VerifyInput{
		PaymentID:        id,
		Confirmation:     req.Confirmation,
		Secret:           req.Secret,
		SecondFactorCode: req.SecondFactorCode,
	})
	if err != nil {
		handleDomainError(w, err)
		return
	}

	a.rotateSession(w, claims)
	writeJSON(w, http.StatusOK, p)
}

func (a *API) sendPayment(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := a.requireEmployee(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p, err := a.payments.Send(r.Context(), claims.Subject, payment.SendInput{
		PaymentID:        id,
		Secret:           req.Secret,
		SecondFactorCode: req.SecondFactorCode,
	})
	if err != nil {
		handleDomainError(w, err)
		return
	}

	a.rotateSession(w, claims)
	writeJSON(w, http.StatusOK, p)
}

func (a *API) cancelPayment(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	p, err := a.payments.Cancel(r.Context(), claims.Subject, id)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) acknowledgePayment(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	p, err := a.payments.Acknowledge(r.Context(), claims.Subject, id)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) requireEmployee(w http.ResponseWriter, r *http.Request) (*session.Claims, bool) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return nil, false
	}
	if claims.Role != actor.RoleEmployee {
		writeError(w, http.StatusForbidden, "employee role required")
		return nil, false
	}
	return claims, true
}

// rotateSession issues a fresh session identity after a state-changing
// financial action. Failure to rotate is logged upstream; the action itself
// has already committed.
func (a *API) rotateSession(w http.ResponseWriter, claims *session.Claims) {
	mat, err := a.sessions.Rotate(claims.Subject, claims.Role)
	if err != nil {
		return
	}
	setSessionCookies(w, mat)
}
