// Package actor holds the employee identity record and its store contract.
// The re-auth watermark and failure counter on the record are mutated only by
// the step-up guard.
package actor

import (
	"errors"
	"time"
)

// RoleEmployee is the single operator role in this system.
const RoleEmployee = "employee"

// Actor is an employee identity.
type Actor struct {
	ID      string
	HumanID string
	Role    string

	PasswordDigest string

	// Enrolled second-factor seed, AES-GCM sealed at rest. Nil when not
	// enrolled.
	TOTPSecretEncrypted []byte
	TOTPEnrolled        bool

	// Step-up watermark: time of the last successful re-authentication.
	LastReauthAt *time.Time
	// Consecutive failed step-up attempts; reset to zero on success.
	ReauthFailures int

	CreatedAt time.Time
	UpdatedAt time.Time
}

var (
	ErrNotFound      = errors.New("actor: not found")
	ErrAlreadyExists = errors.New("actor: already exists")
)
