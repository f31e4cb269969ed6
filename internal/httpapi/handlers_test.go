package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"payguard.org/internal/actor"
	"payguard.org/internal/audit"
	"payguard.org/internal/credential"
	"payguard.org/internal/payment"
	"payguard.org/internal/ratelimit"
	"payguard.org/internal/session"
	"payguard.org/internal/stepup"
)

const testPassword = "operator-pass-1"

type testEnv struct {
	api     *API
	handler http.Handler
	sink    *audit.MemorySink
	actors  *actor.InMemory

	cookies map[string]*http.Cookie
	csrf    string
}

func newTestEnv(t *testing.T, limiter ratelimit.Limiter) *testEnv {
	t.Helper()

	actors := actor.NewInMemory()
	digest, err := credential.HashSecret(testPassword)
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	if err := actors.Create(context.Background(), &actor.Actor{
		HumanID: "op.one", PasswordDigest: digest,
	}); err != nil {
		t.Fatalf("Create actor: %v", err)
	}

	codec, err := session.NewCodec("test-session-secret")
	if err != nil {
		t.Fatalf("NewCodec: %v", err)
	}
	sessions := session.NewManager(codec)

	guard := stepup.NewGuard(actors, nil)
	sink := audit.NewMemorySink()
	recorder := audit.NewRecorder(sink, audit.NewMemoryCounter(), "audit-test-key")
	payments := payment.NewService(payment.NewInMemory(), actors, guard, recorder,
		decimal.RequireFromString("10000.00"))

	api := New(Config{
		Sessions: sessions,
		Payments: payments,
		Actors:   actors,
		Guard:    guard,
		Recorder: recorder,
		Limiter:  limiter,
		Version:  "test",
	})

	return &testEnv{
		api:     api,
		handler: api.Handler(),
		sink:    sink,
		actors:  actors,
		cookies: make(map[string]*http.Cookie),
	}
}

// do performs a request carrying the tracked session cookies and anti-forgery
// header, then absorbs any Set-Cookie rotation from the response.
func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for _, c := range e.cookies {
		req.AddCookie(c)
	}
	if e.csrf != "" {
		req.Header.Set("X-CSRF-Token", e.csrf)
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 {
			delete(e.cookies, c.Name)
			continue
		}
		e.cookies[c.Name] = c
		if c.Name == "payguard_csrf" {
			e.csrf = c.Value
		}
	}
	return rec
}

func (e *testEnv) login(t *testing.T) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/login", map[string]string{
		"human_id": "op.one", "secret": testPassword,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", rec.Code, rec.Body.String())
	}
}

func (e *testEnv) submit(t *testing.T, amount string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/payments", map[string]any{
		"amount":   amount,
		"currency": "EUR",
		"beneficiary": map[string]string{
			"name": "ACME GmbH", "bank": "Deutsche Bank",
			"account": "DE89370400440532013000", "swift_code": "DEUTDEFF",
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit failed: %d %s", rec.Code, rec.Body.String())
	}
	var p payment.Payment
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode payment: %v", err)
	}
	return p.ID
}

func TestHealthEndpointsArePublic(t *testing.T) {
	e := newTestEnv(t, nil)
	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		rec := e.do(t, http.MethodGet, path, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
}

func TestLoginSetsSessionAndAntiForgeryCookies(t *testing.T) {
	e := newTestEnv(t, nil)
	e.login(t)

	sess, ok := e.cookies["payguard_session"]
	if !ok || !sess.HttpOnly || !sess.Secure || sess.SameSite != http.SameSiteStrictMode {
		t.Fatalf("session cookie misconfigured: %+v", sess)
	}
	csrf, ok := e.cookies["payguard_csrf"]
	if !ok || csrf.HttpOnly {
		t.Fatalf("anti-forgery cookie must be script-readable: %+v", csrf)
	}
	if e.csrf == "" {
		t.Fatal("anti-forgery value missing")
	}
}

func TestLoginFailureIsGeneric(t *testing.T) {
	e := newTestEnv(t, nil)

	for _, body := range []map[string]string{
		{"human_id": "op.one", "secret": "wrong"},
		{"human_id": "no.such.user", "secret": testPassword},
	} {
		rec := e.do(t, http.MethodPost, "/v1/login", body)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "invalid credentials") {
			t.Fatalf("failure must not reveal which field was wrong: %s", rec.Body.String())
		}
	}
}

func TestUnauthenticatedRequestsRejectedWithReason(t *testing.T) {
	e := newTestEnv(t, nil)
	rec := e.do(t, http.MethodGet, "/v1/payments", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["reason"] == "" {
		t.Fatal("401 must carry a reason tag")
	}
}

func TestMutatingRequestsRequireAntiForgeryHeader(t *testing.T) {
	e := newTestEnv(t, nil)
	e.login(t)

	e.csrf = "" // drop the header but keep the cookies
	rec := e.do(t, http.MethodPost, "/v1/payments", map[string]any{
		"amount": "100.00", "currency": "EUR",
		"beneficiary": map[string]string{"swift_code": "DEUTDEFF"},
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without anti-forgery header, got %d", rec.Code)
	}
}

func TestPaymentLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t, nil)
	e.login(t)
	id := e.submit(t, "50000.00")

	// Above threshold without a secret: step-up demanded.
	rec := e.do(t, http.MethodPost, "/v1/payments/"+id+"/verify", map[string]string{})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("verify without secret: expected 401, got %d", rec.Code)
	}

	oldSession := e.cookies["payguard_session"].Value

	rec = e.do(t, http.MethodPost, "/v1/payments/"+id+"/verify", map[string]string{
		"confirmation": "deutdeff",
		"secret":       testPassword,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: %d %s", rec.Code, rec.Body.String())
	}
	if e.cookies["payguard_session"].Value == oldSession {
		t.Fatal("session must rotate after a verify")
	}

	// Send within the re-auth window: no fresh secret needed.
	rec = e.do(t, http.MethodPost, "/v1/payments/"+id+"/send", map[string]string{})
	if rec.Code != http.StatusOK {
		t.Fatalf("send: %d %s", rec.Code, rec.Body.String())
	}
	var p payment.Payment
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !p.SentToSwift {
		t.Fatal("payment not marked sent")
	}

	// Second send is a conflict.
	rec = e.do(t, http.MethodPost, "/v1/payments/"+id+"/send", map[string]string{})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second send: expected 409, got %d", rec.Code)
	}

	// Audit trail: login, reauth_failure, reauth_success, verify,
	// reauth_success, send.
	var actions []string
	for _, line := range e.sink.Lines() {
		var r audit.Record
		if err := json.Unmarshal(line, &r); err != nil {
			t.Fatalf("decode audit line: %v", err)
		}
		actions = append(actions, string(r.Action))
	}
	want := []string{"login", "reauth_failure", "reauth_success", "verify", "reauth_success", "send"}
	if fmt.Sprint(actions) != fmt.Sprint(want) {
		t.Fatalf("audit trail = %v, want %v", actions, want)
	}
}

func TestConfirmationMismatchIsUnprocessable(t *testing.T) {
	e := newTestEnv(t, nil)
	e.login(t)
	id := e.submit(t, "100.00")

	rec := e.do(t, http.MethodPost, "/v1/payments/"+id+"/verify", map[string]string{
		"confirmation": "WRONGSWF",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestReauthReportsWindow(t *testing.T) {
	e := newTestEnv(t, nil)
	e.login(t)

	rec := e.do(t, http.MethodPost, "/v1/reauth", map[string]string{
		"secret": testPassword,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("reauth: %d %s", rec.Code, rec.Body.String())
	}
	var resp reauthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ReauthWindowSeconds != 300 {
		t.Fatalf("window seconds = %d", resp.ReauthWindowSeconds)
	}
	if resp.LastSuccessfulReauthAt.IsZero() {
		t.Fatal("watermark missing from response")
	}
}

func TestLogoutClearsCookiesAndWatermark(t *testing.T) {
	e := newTestEnv(t, nil)
	e.login(t)

	if rec := e.do(t, http.MethodPost, "/v1/reauth", map[string]string{"secret": testPassword}); rec.Code != http.StatusOK {
		t.Fatalf("reauth: %d", rec.Code)
	}

	rec := e.do(t, http.MethodPost, "/v1/logout", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout: %d %s", rec.Code, rec.Body.String())
	}
	if _, ok := e.cookies["payguard_session"]; ok {
		t.Fatal("session cookie must be cleared")
	}

	a, err := e.actors.FindByHumanID(context.Background(), "op.one")
	if err != nil {
		t.Fatalf("FindByHumanID: %v", err)
	}
	if a.LastReauthAt != nil {
		t.Fatal("logout must clear the re-auth watermark")
	}
}

func TestLoginRateLimited(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newTestEnv(t, ratelimit.NewMemory(ctx, 2, time.Minute, 2))

	body := map[string]string{"human_id": "op.one", "secret": "wrong"}
	for i := 0; i < 2; i++ {
		if rec := e.do(t, http.MethodPost, "/v1/login", body); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i+1, rec.Code)
		}
	}
	rec := e.do(t, http.MethodPost, "/v1/login", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("429 must carry Retry-After")
	}
}
