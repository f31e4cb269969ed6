// Package audit provides the durable, tamper-evident record of every
// security-relevant event: guard outcomes and payment transitions. Writing is
// best-effort from the caller's perspective; audit is observability, not a
// transactional participant.
package audit

import (
	"encoding/json"
	"time"
)

// Action tags every record with the event class.
type Action string

const (
	ActionLogin         Action = "login"
	ActionVerify        Action = "verify"
	ActionSend          Action = "send"
	ActionReauthSuccess Action = "reauth_success"
	ActionReauthFailure Action = "reauth_failure"
	ActionCancel        Action = "cancel"
)

// Details is a closed union of per-action metadata. Modelling it as tagged
// structs instead of an open map keeps the audit contract type-checkable.
type Details interface {
	detailTag() string
}

// LoginDetails accompanies ActionLogin.
type LoginDetails struct {
	Method string `json:"method"`
}

// VerifyDetails accompanies ActionVerify.
type VerifyDetails struct {
	// Whether the operator transcribed a SWIFT confirmation and it matched.
	Confirmed  bool `json:"confirmed"`
	SwiftMatch bool `json:"swift_match"`
}

// SendDetails accompanies ActionSend.
type SendDetails struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// ReauthDetails accompanies both re-auth outcomes.
type ReauthDetails struct {
	Method       string `json:"method"`
	TOTPProvided bool   `json:"totp_provided"`
	// Failure taxonomy tag on reauth_failure; empty on success.
	Reason string `json:"reason,omitempty"`
}

// CancelDetails accompanies ActionCancel.
type CancelDetails struct {
	ByOwner bool `json:"by_owner"`
}

// RawDetails carries details read back from a serialized record, where the
// concrete type is no longer known.
type RawDetails json.RawMessage

func (d RawDetails) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}
	return d, nil
}

func (LoginDetails) detailTag() string  { return "login" }
func (VerifyDetails) detailTag() string { return "verify" }
func (SendDetails) detailTag() string   { return "send" }
func (ReauthDetails) detailTag() string { return "reauth" }
func (CancelDetails) detailTag() string { return "cancel" }
func (RawDetails) detailTag() string    { return "raw" }

// Event is what business code hands to the recorder.
type Event struct {
	ActorID      string
	ActorHumanID string
	Action       Action
	PaymentID    string
	Details      Details
}

// Record is the persisted, signed form of an event. Once written it is never
// mutated; sequence numbers are strictly increasing per recorder instance
// (gaps tolerated under failure, never reused).
type Record struct {
	ID           string    `json:"id"`
	Seq          uint64    `json:"seq"`
	ActorID      string    `json:"actor_id"`
	ActorHumanID string    `json:"actor_human_id"`
	Action       Action    `json:"action"`
	PaymentID    string    `json:"payment_id,omitempty"`
	Details      Details   `json:"details,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	Signature    string    `json:"sig,omitempty"`
}

// UnmarshalJSON decodes a serialized record, preserving the details payload
// as RawDetails.
func (r *Record) UnmarshalJSON(data []byte) error {
	var aux struct {
		ID           string          `json:"id"`
		Seq          uint64          `json:"seq"`
		ActorID      string          `json:"actor_id"`
		ActorHumanID string          `json:"actor_human_id"`
		Action       Action          `json:"action"`
		PaymentID    string          `json:"payment_id"`
		Details      json.RawMessage `json:"details"`
		CreatedAt    time.Time       `json:"created_at"`
		Signature    string          `json:"sig"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.ID = aux.ID
	r.Seq = aux.Seq
	r.ActorID = aux.ActorID
	r.ActorHumanID = aux.ActorHumanID
	r.Action = aux.Action
	r.PaymentID = aux.PaymentID
	r.CreatedAt = aux.CreatedAt
	r.Signature = aux.Signature
	r.Details = nil
	if len(aux.Details) > 0 && string(aux.Details) != "null" {
		r.Details = RawDetails(aux.Details)
	}
	return nil
}
