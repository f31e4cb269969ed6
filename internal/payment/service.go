package payment

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"payguard.org/internal/actor"
	"payguard.org/internal/audit"
	"payguard.org/internal/stepup"
)

// Service drives payment transitions. Verify and send re-read the persisted
// record after the step-up gate; no cached payment object crosses it.
type Service struct {
	store     Store
	actors    actor.Store
	guard     *stepup.Guard
	recorder  *audit.Recorder
	threshold decimal.Decimal
	now       func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService wires the state machine to its collaborators. threshold is the
// amount at or above which verify/send demand step-up.
func NewService(store Store, actors actor.Store, guard *stepup.Guard, recorder *audit.Recorder, threshold decimal.Decimal, opts ...ServiceOption) *Service {
	s := &Service{
		store:     store,
		actors:    actors,
		guard:     guard,
		recorder:  recorder,
		threshold: threshold,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Draft is a customer submission before validation.
type Draft struct {
	Amount      decimal.Decimal
	Currency    Currency
	Beneficiary Beneficiary
}

// Submit validates and stores a new pending payment on behalf of a customer.
func (s *Service) Submit(ctx context.Context, ownerID string, d Draft) (*Payment, error) {
	if err := ValidateAmount(d.Amount); err != nil {
		return nil, err
	}
	if !ValidCurrency(d.Currency) {
		return nil, ErrInvalidCurrency
	}
	p := &Payment{
		OwnerID:     ownerID,
		Amount:      d.Amount,
		Currency:    d.Currency,
		Beneficiary: d.Beneficiary,
		Status:      StatusPending,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Get returns one payment.
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.store.Find(ctx, id)
}

// List returns payments matching the filter.
func (s *Service) List(ctx context.Context, f Filter, limit int) ([]Payment, error) {
	return s.store.List(ctx, f, limit)
}

// VerifyInput carries everything an operator supplies for a verification.
type VerifyInput struct {
	PaymentID string
	// Optional transcription of the beneficiary SWIFT code; compared
	// case-insensitively when present.
	Confirmation     string
	Secret           string
	SecondFactorCode string
}

// Verify moves a pending payment to verified. Precondition: status pending.
// Payments at or above the threshold must pass the step-up guard first.
func (s *Service) Verify(ctx context.Context, actorID string, in VerifyInput) (*Payment, error) {
	p, err := s.store.Find(ctx, in.PaymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPending {
		return nil, ErrInvalidState
	}

	act, err := s.ensureStepUp(ctx, actorID, p, in.Secret, in.SecondFactorCode)
	if err != nil {
		return nil, err
	}

	swiftMatch := false
	if in.Confirmation != "" {
		if !strings.EqualFold(in.Confirmation, p.Beneficiary.SwiftCode) {
			return nil, ErrConfirmationMismatch
		}
		swiftMatch = true
	}

	// Re-read: the record must still be pending after the guard's I/O.
	p, err = s.store.Find(ctx, in.PaymentID)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPending {
		return nil, ErrInvalidState
	}

	now := s.now().UTC()
	p.Status = StatusVerified
	p.VerifiedBy = &act.ID
	p.VerifiedAt = &now
	if err := s.store.Save(ctx, p); err != nil {
		return nil, err
	}

	s.recorder.Write(ctx, audit.Event{
		ActorID:      act.ID,
		ActorHumanID: act.HumanID,
		Action:       audit.ActionVerify,
		PaymentID:    p.ID,
		Details:      audit.VerifyDetails{Confirmed: in.Confirmation != "", SwiftMatch: swiftMatch},
	})
	return p, nil
}

// SendInput carries everything an operator supplies for a send.
type SendInput struct {
	PaymentID        string
	Secret           string
	SecondFactorCode string
}

// Send marks a verified payment as transmitted. A second send on the same
// payment fails with ErrAlreadySent — a genuine conflict, not a no-op.
// The transmission itself is simulated; only the timestamp is recorded.
func (s *Service) Send(ctx context.Context, actorID string, in SendInput) (*Payment, error) {
	p, err := s.store.Find(ctx, in.PaymentID)
	if err != nil {
		return nil, err
	}
	if p.SentToSwift {
		return nil, ErrAlreadySent
	}
	if p.Status != StatusVerified {
		return nil, ErrInvalidState
	}

	act, err := s.ensureStepUp(ctx, actorID, p, in.Secret, in.SecondFactorCode)
	if err != nil {
		return nil, err
	}

	p, err = s.store.Find(ctx, in.PaymentID)
	if err != nil {
		return nil, err
	}
	if p.SentToSwift {
		return nil, ErrAlreadySent
	}
	if p.Status != StatusVerified {
		return nil, ErrInvalidState
	}

	now := s.now().UTC()
	p.SentToSwift = true
	p.SwiftSentAt = &now
	if err := s.store.Save(ctx, p); err != nil {
		return nil, err
	}

	s.recorder.Write(ctx, audit.Event{
		ActorID:      act.ID,
		ActorHumanID: act.HumanID,
		Action:       audit.ActionSend,
		PaymentID:    p.ID,
		Details:      audit.SendDetails{Amount: p.Amount.StringFixed(2), Currency: string(p.Currency)},
	})
	return p, nil
}

// Cancel moves a pending payment to cancelled. Customers may cancel only
// their own instructions; cancellation is not value-moving and needs no
// step-up.
func (s *Service) Cancel(ctx context.Context, ownerID, paymentID string) (*Payment, error) {
	p, err := s.store.Find(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	if p.Status != StatusPending {
		return nil, ErrInvalidState
	}
	p.Status = StatusCancelled
	if err := s.store.Save(ctx, p); err != nil {
		return nil, err
	}
	s.recorder.Write(ctx, audit.Event{
		ActorID:      ownerID,
		ActorHumanID: ownerID,
		Action:       audit.ActionCancel,
		PaymentID:    p.ID,
		Details:      audit.CancelDetails{ByOwner: true},
	})
	return p, nil
}

// Acknowledge flips the customer-visible flag. Independent of the employee
// state machine; no audit, no step-up.
func (s *Service) Acknowledge(ctx context.Context, ownerID, paymentID string) (*Payment, error) {
	p, err := s.store.Find(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if p.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	p.Acknowledged = true
	if err := s.store.Save(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// ensureStepUp applies the caller-side threshold rule, invokes the guard when
// required, and writes exactly one audit record per guard call.
func (s *Service) ensureStepUp(ctx context.Context, actorID string, p *Payment, secret, code string) (*actor.Actor, error) {
	if p.Amount.LessThan(s.threshold) {
		// Below threshold: no step-up, but the transition still needs a
		// resolvable actor for attribution.
		return s.actors.Find(ctx, actorID)
	}

	act, err := s.guard.Ensure(ctx, actorID, p.Amount, secret, code)
	if err != nil {
		s.recorder.Write(ctx, audit.Event{
			ActorID:   actorID,
			Action:    audit.ActionReauthFailure,
			PaymentID: p.ID,
			Details: audit.ReauthDetails{
				Method:       "password",
				TOTPProvided: code != "",
				Reason:       reauthReason(err),
			},
		})
		return nil, err
	}

	method := "password"
	if secret == "" {
		method = "window"
	}
	s.recorder.Write(ctx, audit.Event{
		ActorID:      act.ID,
		ActorHumanID: act.HumanID,
		Action:       audit.ActionReauthSuccess,
		PaymentID:    p.ID,
		Details:      audit.ReauthDetails{Method: method, TOTPProvided: code != ""},
	})
	return act, nil
}

// reauthReason tags a guard failure for the audit trail.
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
