package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"payguard.org/internal/ids"
)

// Invalid-session reasons surfaced to the boundary layer. Callers redirect to
// login; they never see a raw error.
const (
	ReasonIdleTimeout     = "idle_timeout"
	ReasonAbsoluteTimeout = "absolute_timeout"
	ReasonMalformed       = "malformed"
)

const (
	defaultIdleWindow       = 15 * time.Minute
	defaultAbsoluteWindow   = 8 * time.Hour
	defaultRenewalThreshold = 2 * time.Minute
)

// Material is everything the boundary needs to attach a session to the
// transport: the signed token plus the double-submit anti-forgery value.
type Material struct {
	Token            string
	AntiForgeryToken string
	SessionID        string
	AbsoluteExpiry   time.Time
}

// State is the tagged result of reading a session at a point in time.
type State struct {
	Valid        bool
	Reason       string
	Claims       *Claims
	NeedsRenewal bool
}

// Manager drives session state from wall-clock time.
type Manager struct {
	codec            *Codec
	now              func() time.Time
	idleWindow       time.Duration
	absoluteWindow   time.Duration
	renewalThreshold time.Duration
}

// Option configures Manager behavior.
type Option func(*Manager)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Manager) {
		if fn != nil {
			m.now = fn
		}
	}
}

// WithIdleWindow sets the inactivity timeout.
func WithIdleWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.idleWindow = d
		}
	}
}

// WithAbsoluteWindow sets the hard session lifetime ceiling.
func WithAbsoluteWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.absoluteWindow = d
		}
	}
}

// WithRenewalThreshold sets how close to idle expiry a request triggers a
// token reissue.
func WithRenewalThreshold(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.renewalThreshold = d
		}
	}
}

// NewManager constructs a Manager over a codec.
func NewManager(codec *Codec, opts ...Option) *Manager {
	m := &Manager{
		codec:            codec,
		now:              time.Now,
		idleWindow:       defaultIdleWindow,
		absoluteWindow:   defaultAbsoluteWindow,
		renewalThreshold: defaultRenewalThreshold,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create issues a fresh session for a login, anchoring both expiries at now.
func (m *Manager) Create(actorID, role string) (Material, error) {
	return m.issue(actorID, role, m.now().UTC())
}

// Rotate discards the old session identity after login or a state-changing
// financial action: new session id, new anti-forgery token, fresh expiries.
func (m *Manager) Rotate(actorID, role string) (Material, error) {
	return m.issue(actorID, role, m.now().UTC())
}

func (m *Manager) issue(actorID, role string, now time.Time) (Material, error) {
	antiForgery, err := ids.NewOpaqueToken()
	if err != nil {
		return Material{}, err
	}
	absolute := now.Add(m.absoluteWindow)
	claims := Claims{
		Role:             role,
		LastActivityUnix: now.Unix(),
		IdleExpiryUnix:   now.Add(m.idleWindow).Unix(),
	}
	claims.Subject = actorID
	claims.ID = uuid.NewString()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(absolute)

	token, err := m.codec.Issue(claims)
	if err != nil {
		return Material{}, err
	}
	return Material{
		Token:            token,
		AntiForgeryToken: antiForgery,
		SessionID:        claims.ID,
		AbsoluteExpiry:   absolute,
	}, nil
}

// Read derives session state from a token and the current time. The absolute
// ceiling is checked first: recent activity never bypasses it.
func (m *Manager) Read(token string, now time.Time) State {
	claims, status := m.codec.Decode(token)
	switch status {
	case DecodeExpired:
		// The exp claim carries the absolute expiry, so JWT-level expiry is
		// an absolute timeout.
		return State{Reason: ReasonAbsoluteTimeout}
	case DecodeMalformed:
		return State{Reason: ReasonMalformed}
	}
	if !now.Before(claims.AbsoluteExpiry()) {
		return State{Reason: ReasonAbsoluteTimeout}
	}
	if !now.Before(claims.IdleExpiry()) {
		return State{Reason: ReasonIdleTimeout}
	}
	needsRenewal := claims.IdleExpiry().Sub(now) < m.renewalThreshold
	return State{Valid: true, Claims: claims, NeedsRenewal: needsRenewal}
}

// Renew reissues a token with a fresh idle window. The absolute expiry is
// carried over unchanged, clamped as the idle ceiling; the session id and
// anti-forgery token are untouched. The old token stays valid for requests
// already in flight.
func (m *Manager) Renew(claims *Claims, now time.Time) (string, error) {
	idle := now.Add(m.idleWindow)
	if idle.After(claims.AbsoluteExpiry()) {
		idle = claims.AbsoluteExpiry()
	}
	next := Claims{
		Role:             claims.Role,
		LastActivityUnix: now.Unix(),
		IdleExpiryUnix:   idle.Unix(),
	}
	next.Subject = claims.Subject
	next.ID = claims.ID
	next.IssuedAt = claims.IssuedAt
	next.ExpiresAt = claims.ExpiresAt
	return m.codec.Issue(next)
}
