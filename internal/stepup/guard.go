// Package stepup decides whether a high-risk action may proceed on the
// strength of a recent re-authentication, and verifies fresh credentials when
// it may not. Callers decide WHETHER an action needs step-up (threshold on
// the payment amount); the guard decides whether the step-up is satisfied.
// Keeping that split preserves independent testability of policy and
// mechanism.
package stepup

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"payguard.org/internal/actor"
	"payguard.org/internal/credential"
	"payguard.org/internal/obs"
)

// Policy errors. The boundary layer maps these to statuses verbatim; none
// leak which credential was wrong beyond what the taxonomy itself states.
var (
	ErrReauthRequired      = errors.New("stepup: reauthentication required")
	ErrTooManyAttempts     = errors.New("stepup: too many failed attempts")
	ErrInvalidCredentials  = errors.New("stepup: invalid credentials")
	ErrInvalidSecondFactor = errors.New("stepup: invalid second factor")
)

const (
	defaultWindow      = 300 * time.Second
	defaultMaxFailures = 5
)

// Guard enforces the step-up policy against the persisted actor record.
//
// The read-modify-write across a single Ensure call is not atomic: two
// concurrent attempts by the same actor can race on the failure counter.
// Accepted for this system's one-operator-per-account assumption; a stricter
// deployment would need compare-and-set on the actor record.
type Guard struct {
	store       actor.Store
	keeper      *credential.Keeper
	now         func() time.Time
	window      time.Duration
	maxFailures int
}

// Option configures Guard behavior.
type Option func(*Guard)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(g *Guard) {
		if fn != nil {
			g.now = fn
		}
	}
}

// WithWindow sets the grace window after a successful re-auth.
func WithWindow(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.window = d
		}
	}
}

// WithMaxFailures sets the lockout threshold.
func WithMaxFailures(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.maxFailures = n
		}
	}
}

// NewGuard constructs a Guard. keeper may be nil when no actor has a second
// factor enrolled.
func NewGuard(store actor.Store, keeper *credential.Keeper, opts ...Option) *Guard {
	g := &Guard{
		store:       store,
		keeper:      keeper,
		now:         time.Now,
		window:      defaultWindow,
		maxFailures: defaultMaxFailures,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Window returns the configured grace window so the boundary can report it.
func (g *Guard) Window() time.Duration { return g.window }

// Ensure runs the step-up algorithm for one action. riskAmount is accepted
// for future tiered policy and does not currently influence the outcome; the
// caller has already applied its threshold before invoking.
//
// The persisted record is authoritative: session claims are never consulted.
func (g *Guard) Ensure(ctx context.Context, actorID string, riskAmount decimal.Decimal, secret, secondFactorCode string) (*actor.Actor, error) {
	_ = riskAmount

	rec, err := g.store.Find(ctx, actorID)
	if err != nil {
		if errors.Is(err, actor.ErrNotFound) {
			// Collapse to the generic credential failure; no oracle.
			obs.ObserveStepUp("invalid_credentials")
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	now := g.now().UTC()

	// Recent-window bypass: one re-auth covers a short sequence of operator
	// actions (verify then send) regardless of amount.
	if rec.LastReauthAt != nil && now.Sub(*rec.LastReauthAt) <= g.window {
		obs.ObserveStepUp("window_bypass")
		return rec, nil
	}

	// Lockout before any verification, even when a correct secret is
	// supplied.
	if rec.ReauthFailures >= g.maxFailures {
		obs.ObserveStepUp("locked_out")
		return nil, ErrTooManyAttempts
	}

	if secret == "" {
		obs.ObserveStepUp("required")
		return nil, ErrReauthRequired
	}

	if !credential.VerifySecret(secret, rec.PasswordDigest) {
		if err := g.recordFailure(ctx, rec); err != nil {
			return nil, err
		}
		obs.ObserveStepUp("invalid_credentials")
		return nil, ErrInvalidCredentials
	}

	if rec.TOTPEnrolled {
		if !credential.VerifyTOTP(g.keeper, rec.TOTPSecretEncrypted, secondFactorCode, now) {
			if err := g.recordFailure(ctx, rec); err != nil {
				return nil, err
			}
			obs.ObserveStepUp("invalid_second_factor")
			return nil, ErrInvalidSecondFactor
		}
	}

	rec.ReauthFailures = 0
	rec.LastReauthAt = &now
	if err := g.store.Save(ctx, rec); err != nil {
		return nil, err
	}
	obs.ObserveStepUp("success")
	return rec, nil
}

// ClearWatermark resets the re-auth state on logout so a later login starts
// clean.
func (g *Guard) ClearWatermark(ctx context.Context, actorID string) error {
	rec, err := g.store.Find(ctx, actorID)
	if err != nil {
		return err
	}
	rec.LastReauthAt = nil
	rec.ReauthFailures = 0
	return g.store.Save(ctx, rec)
}

func (g *Guard) recordFailure(ctx context.Context, rec *actor.Actor) error {
	rec.ReauthFailures++
	return g.store.Save(ctx, rec)
}
