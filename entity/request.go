package entity

import (
	"fmt"
	"time"
)

// RequestStatus is the lifecycle state of a registration request.
// Transitions: pending → approved | rejected. Both decisions are terminal
// for the self-service path; only an admin override can change an identity
// afterwards.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
)

// RegistrationRequest is the durable record of one identity's access to the
// proxy: created by /start, decided by an admin (or an auto-approve token),
// and kept forever as an audit trail. Deactivation clears Active but never
// deletes the row.
type RegistrationRequest struct {
	ID               int64         `json:"id" bson:"_id"`
	TelegramID       int64         `json:"telegram_id" bson:"telegram_id"`
	TelegramUsername string        `json:"telegram_username,omitempty" bson:"telegram_username,omitempty"`
	DisplayName      string        `json:"display_name,omitempty" bson:"display_name,omitempty"`
	Status           RequestStatus `json:"status" bson:"status"`
	ProxyUsername    string        `json:"proxy_username,omitempty" bson:"proxy_username,omitempty"`
	Secret           string        `json:"-" bson:"secret,omitempty"`
	Active           bool          `json:"active" bson:"active"`
	CreatedAt        time.Time     `json:"created_at" bson:"created_at"`
	DecidedAt        time.Time     `json:"decided_at,omitempty" bson:"decided_at,omitempty"`
}

func (r *RegistrationRequest) IsPending() bool {
	return r.Status == StatusPending
}

func (r *RegistrationRequest) IsApproved() bool {
	return r.Status == StatusApproved
}

func (r *RegistrationRequest) IsRejected() bool {
	return r.Status == StatusRejected
}

// HasCredential reports whether the record carries a live proxy credential.
func (r *RegistrationRequest) HasCredential() bool {
	return r.IsApproved() && r.Active && r.Secret != ""
}

// DisplayLabel picks the most human-readable identifier available.
func (r *RegistrationRequest) DisplayLabel() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	if r.TelegramUsername != "" {
		return "@" + r.TelegramUsername
	}
	if r.ProxyUsername != "" {
		return r.ProxyUsername
	}
	return fmt.Sprintf("tg_%d", r.TelegramID)
}

// RegisterOutcome classifies the result of a registration attempt.
type RegisterOutcome string

const (
	OutcomeApproved       RegisterOutcome = "approved"
	OutcomeRejected       RegisterOutcome = "rejected"
	OutcomeAlreadyPending RegisterOutcome = "already_pending"
	OutcomeNewPending     RegisterOutcome = "new_pending"
)

// RegisterResult is what the provisioning engine returns for a registration
// or token redemption. Link is set only when Outcome is OutcomeApproved.
type RegisterResult struct {
	Outcome RegisterOutcome
	Request *RegistrationRequest
	Link    string
}
