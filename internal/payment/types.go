// Package payment implements the approval state machine for international
// payment instructions: pending -> verified -> sent, with a cancellation
// branch off pending. Verify and send are gated by the step-up guard.
package payment

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the employee-facing state of a payment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusVerified  Status = "verified"
	StatusCancelled Status = "cancelled"
)

// Currency is a closed set; anything else is rejected at submission.
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
	JPY Currency = "JPY"
	CHF Currency = "CHF"
	AUD Currency = "AUD"
	CAD Currency = "CAD"
	ZAR Currency = "ZAR"
)

var currencies = map[Currency]struct{}{
	USD: {}, EUR: {}, GBP: {}, JPY: {}, CHF: {}, AUD: {}, CAD: {}, ZAR: {},
}

// ValidCurrency reports whether c is in the closed set.
func ValidCurrency(c Currency) bool {
	_, ok := currencies[c]
	return ok
}

// AmountCeiling is the largest accepted instruction amount.
var AmountCeiling = decimal.RequireFromString("1000000.00")

// ValidateAmount enforces positive, at most two decimal places, and the
// ceiling.
func ValidateAmount(amt decimal.Decimal) error {
	if !amt.IsPositive() {
		return ErrInvalidAmount
	}
	if amt.Exponent() < -2 {
		return ErrInvalidAmount
	}
	if amt.GreaterThan(AmountCeiling) {
		return ErrInvalidAmount
	}
	return nil
}

// Beneficiary identifies the payee. Field formats are validated upstream.
type Beneficiary struct {
	Name      string `json:"name"`
	Bank      string `json:"bank"`
	Account   string `json:"account"`
	SwiftCode string `json:"swift_code"`
}

// Payment is a customer-submitted international payment instruction.
// Invariants: VerifiedBy set iff status is at least verified; SentToSwift
// implies verified; transitions are monotonic.
type Payment struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    Currency        `json:"currency"`
	Beneficiary Beneficiary     `json:"beneficiary"`
	Status      Status          `json:"status"`
	SentToSwift bool            `json:"sent_to_swift"`
	VerifiedBy  *string         `json:"verified_by,omitempty"`
	VerifiedAt  *time.Time      `json:"verified_at,omitempty"`
	SwiftSentAt *time.Time      `json:"swift_sent_at,omitempty"`
	// Customer-visible flag, independent of the employee state machine.
	Acknowledged bool      `json:"acknowledged"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

var (
	ErrNotFound             = errors.New("payment: not found")
	ErrInvalidAmount        = errors.New("payment: invalid amount")
	ErrInvalidCurrency      = errors.New("payment: invalid currency")
	ErrInvalidState         = errors.New("payment: invalid state for transition")
	ErrAlreadySent          = errors.New("payment: already sent")
	ErrConfirmationMismatch = errors.New("payment: confirmation mismatch")
	ErrNotOwner             = errors.New("payment: not the owner")
)
