package payment

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"payguard.org/internal/actor"
	"payguard.org/internal/audit"
	"payguard.org/internal/credential"
	"payguard.org/internal/stepup"
)

const operatorPassword = "operator-pass-1"

type harness struct {
	svc      *Service
	store    *InMemory
	actors   *actor.InMemory
	sink     *audit.MemorySink
	operator *actor.Actor
	clock    *time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now := time.Now().UTC()

	actors := actor.NewInMemory()
	digest, err := credential.HashSecret(operatorPassword)
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	op := &actor.Actor{HumanID: "op.one", PasswordDigest: digest}
	if err := actors.Create(context.Background(), op); err != nil {
		t.Fatalf("Create actor: %v", err)
	}

	clockFn := func() time.Time { return now }
	guard := stepup.NewGuard(actors, nil, stepup.WithClock(clockFn))

	sink := audit.NewMemorySink()
	recorder := audit.NewRecorder(sink, audit.NewMemoryCounter(), "audit-test-key",
		audit.WithClock(clockFn))

	store := NewInMemory()
	svc := NewService(store, actors, guard, recorder,
		decimal.RequireFromString("10000.00"), WithClock(clockFn))

	return &harness{svc: svc, store: store, actors: actors, sink: sink, operator: op, clock: &now}
}

func (h *harness) submit(t *testing.T, amount string) *Payment {
	t.Helper()
	p, err := h.svc.Submit(context.Background(), "cust-1", Draft{
		Amount:   decimal.RequireFromString(amount),
		Currency: EUR,
		Beneficiary: Beneficiary{
			Name: "ACME GmbH", Bank: "Deutsche Bank",
			Account: "DE89370400440532013000", SwiftCode: "DEUTDEFF",
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return p
}

func (h *harness) actions(t *testing.T) []audit.Action {
	t.Helper()
	var out []audit.Action
	for _, line := range h.sink.Lines() {
		var rec audit.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			t.Fatalf("unmarshal audit line: %v", err)
		}
		out = append(out, rec.Action)
	}
	return out
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		amount string
		cur    Currency
		want   error
	}{
		{"zero amount", "0", EUR, ErrInvalidAmount},
		{"negative amount", "-5.00", EUR, ErrInvalidAmount},
		{"three decimal places", "10.001", EUR, ErrInvalidAmount},
		{"over ceiling", "1000000.01", EUR, ErrInvalidAmount},
		{"unknown currency", "100.00", Currency("XXX"), ErrInvalidCurrency},
	}
	for _, tc := range cases {
		_, err := h.svc.Submit(ctx, "cust-1", Draft{
			Amount:   decimal.RequireFromString(tc.amount),
			Currency: tc.cur,
		})
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	if p := h.submit(t, "1000000.00"); p.Status != StatusPending {
		t.Fatalf("ceiling amount must be accepted, got status %s", p.Status)
	}
}

func TestVerifyBelowThresholdNeedsNoStepUp(t *testing.T) {
	h := newHarness(t)
	p := h.submit(t, "9999.99")

	got, err := h.svc.Verify(context.Background(), h.operator.ID, VerifyInput{PaymentID: p.ID})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.Status != StatusVerified || got.VerifiedBy == nil || *got.VerifiedBy != h.operator.ID {
		t.Fatalf("unexpected payment after verify: %+v", got)
	}

	acts := h.actions(t)
	if len(acts) != 1 || acts[0] != audit.ActionVerify {
		t.Fatalf("expected exactly one verify record, got %v", acts)
	}
}

func TestVerifyAtThresholdDemandsStepUp(t *testing.T) {
	h := newHarness(t)
	p := h.submit(t, "10000.00")

	_, err := h.svc.Verify(context.Background(), h.operator.ID, VerifyInput{PaymentID: p.ID})
	if !errors.Is(err, stepup.ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired, got %v", err)
	}

	stored, _ := h.store.Find(context.Background(), p.ID)
	if stored.Status != StatusPending {
		t.Fatalf("failed verify must not transition: %s", stored.Status)
	}

	acts := h.actions(t)
	if len(acts) != 1 || acts[0] != audit.ActionReauthFailure {
		t.Fatalf("expected one reauth_failure record, got %v", acts)
	}
}

func TestVerifyThenSendWithinWindow(t *testing.T) {
	h := newHarness(t)
	p := h.submit(t, "50000.00")
	ctx := context.Background()

	// Verify with credentials and a matching confirmation (case differs).
	got, err := h.svc.Verify(ctx, h.operator.ID, VerifyInput{
		PaymentID:    p.ID,
		Confirmation: "deutdeff",
		Secret:       operatorPassword,
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got.Status != StatusVerified {
		t.Fatalf("status = %s", got.Status)
	}

	// Immediate send needs no secret: the re-auth window covers it.
	sent, err := h.svc.Send(ctx, h.operator.ID, SendInput{PaymentID: p.ID})
	if err != nil {
		t.Fatalf("Send within window: %v", err)
	}
	if !sent.SentToSwift || sent.SwiftSentAt == nil {
		t.Fatalf("payment not marked sent: %+v", sent)
	}

	// A second send is a conflict, not a silent no-op.
	if _, err := h.svc.Send(ctx, h.operator.ID, SendInput{PaymentID: p.ID}); !errors.Is(err, ErrAlreadySent) {
		t.Fatalf("expected ErrAlreadySent, got %v", err)
	}

	want := []audit.Action{
		audit.ActionReauthSuccess, audit.ActionVerify,
		audit.ActionReauthSuccess, audit.ActionSend,
	}
	acts := h.actions(t)
	if len(acts) != len(want) {
		t.Fatalf("audit trail mismatch: got %v", acts)
	}
	for i := range want {
		if acts[i] != want[i] {
			t.Fatalf("audit trail mismatch at %d: got %v", i, acts)
		}
	}
}

func TestConfirmationMismatch(t *testing.T) {
	h := newHarness(t)
	p := h.submit(t, "50000.00")

	_, err := h.svc.Verify(context.Background(), h.operator.ID, VerifyInput{
		PaymentID:    p.ID,
		Confirmation: "DEUTDEFX",
		Secret:       operatorPassword,
	})
	if !errors.Is(err, ErrConfirmationMismatch) {
		t.Fatalf("expected ErrConfirmationMismatch, got %v", err)
	}
	stored, _ := h.store.Find(context.Background(), p.ID)
	if stored.Status != StatusPending {
		t.Fatalf("mismatch must not transition: %s", stored.Status)
	}
}

func TestTransitionMonotonicity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Send before verify.
	p := h.submit(t, "100.00")
	if _, err := h.svc.Send(ctx, h.operator.ID, SendInput{PaymentID: p.ID}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("send on pending: expected ErrInvalidState, got %v", err)
	}

	// Verify twice.
	if _, err := h.svc.Verify(ctx, h.operator.ID, VerifyInput{PaymentID: p.ID}); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if _, err := h.svc.Verify(ctx, h.operator.ID, VerifyInput{PaymentID: p.ID}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second verify: expected ErrInvalidState, got %v", err)
	}

	// Unknown payment.
	if _, err := h.svc.Verify(ctx, h.operator.ID, VerifyInput{PaymentID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// Cancel only from pending, only by the owner.
	p2 := h.submit(t, "100.00")
	if _, err := h.svc.Cancel(ctx, "someone-else", p2.ID); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if _, err := h.svc.Cancel(ctx, "cust-1", p2.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := h.svc.Cancel(ctx, "cust-1", p2.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("second cancel: expected ErrInvalidState, got %v", err)
	}
}

func TestWindowExpiryDemandsFreshSecret(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p := h.submit(t, "50000.00")
	if _, err := h.svc.Verify(ctx, h.operator.ID, VerifyInput{
		PaymentID: p.ID, Secret: operatorPassword,
	}); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// Advance past the re-auth window.
	*h.clock = h.clock.Add(301 * time.Second)

	if _, err := h.svc.Send(ctx, h.operator.ID, SendInput{PaymentID: p.ID}); !errors.Is(err, stepup.ErrReauthRequired) {
		t.Fatalf("expected ErrReauthRequired after window, got %v", err)
	}
	if _, err := h.svc.Send(ctx, h.operator.ID, SendInput{PaymentID: p.ID, Secret: operatorPassword}); err != nil {
		t.Fatalf("Send with fresh secret: %v", err)
	}
}

func TestAcknowledgeIndependentOfStateMachine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p := h.submit(t, "100.00")

	got, err := h.svc.Acknowledge(ctx, "cust-1", p.ID)
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if !got.Acknowledged || got.Status != StatusPending {
		t.Fatalf("acknowledge must not touch the state machine: %+v", got)
	}
	if _, err := h.svc.Acknowledge(ctx, "cust-2", p.ID); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}
