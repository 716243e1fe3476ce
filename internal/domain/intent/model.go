// Package intent models a transaction intent: one signed governance action
// from build to submission, kept for audit.
package intent

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the governance action an intent carries.
type Kind string

const (
	KindProposeVerifier         Kind = "propose_verifier"
	KindApproveVerifier         Kind = "approve_verifier"
	KindOverrideKYC             Kind = "override_kyc"
	KindApproveGovernanceReview Kind = "approve_governance_review"
	KindApproveMetaAllocator    Kind = "approve_meta_allocator"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindProposeVerifier, KindApproveVerifier, KindOverrideKYC,
		KindApproveGovernanceReview, KindApproveMetaAllocator:
		return true
	}
	return false
}

// Status is the submission state of an intent.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusFailed    Status = "failed"
)

// Intent is an audit record of a signed action.
type Intent struct {
	ID            string         `json:"id" db:"id"`
	Kind          Kind           `json:"kind" db:"kind"`
	ApplicationID string         `json:"applicationId,omitempty" db:"application_id"`
	Account       string         `json:"account" db:"account"`
	Payload       map[string]any `json:"payload,omitempty" db:"-"`
	MessageID     string         `json:"messageId,omitempty" db:"message_id"`
	Status        Status         `json:"status" db:"status"`
	Error         string         `json:"error,omitempty" db:"error"`
	CreatedAt     time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time      `json:"updatedAt" db:"updated_at"`
}

// New returns a pending intent with a fresh id.
func New(kind Kind, applicationID, account string, payload map[string]any) Intent {
	now := time.Now().UTC()
	return Intent{
		ID:            uuid.NewString(),
		Kind:          kind,
		ApplicationID: applicationID,
		Account:       account,
		Payload:       payload,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Submitted marks the intent as accepted by the chain or registry.
func (i *Intent) Submitted(messageID string) {
	i.MessageID = messageID
	i.Status = StatusSubmitted
	i.Error = ""
	i.UpdatedAt = time.Now().UTC()
}

// Failed marks the intent as failed with err.
func (i *Intent) Failed(err error) {
	i.Status = StatusFailed
	if err != nil {
		i.Error = err.Error()
	}
	i.UpdatedAt = time.Now().UTC()
}

// Validate checks the required fields.
func (i Intent) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("intent id is required")
	}
	if !i.Kind.Valid() {
		return fmt.Errorf("unknown intent kind %q", i.Kind)
	}
	if i.Account == "" {
		return fmt.Errorf("intent account is required")
	}
	switch i.Status {
	case StatusPending, StatusSubmitted, StatusFailed:
	default:
		return fmt.Errorf("unknown intent status %q", i.Status)
	}
	return nil
}

// Filter narrows an intent listing. Zero fields match everything.
type Filter struct {
	Account       string
	ApplicationID string
	Kind          Kind
	Limit         int
}

// Matches reports whether i satisfies f, ignoring Limit.
func (f Filter) Matches(i Intent) bool {
	if f.Account != "" && f.Account != i.Account {
		return false
	}
	if f.ApplicationID != "" && f.ApplicationID != i.ApplicationID {
		return false
	}
	if f.Kind != "" && f.Kind != i.Kind {
		return false
	}
	return true
}
