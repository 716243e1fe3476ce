// Package application models allocator applications as read from the
// registry: lifecycle status, datacap request and root key holder approvals.
package application

import (
	"fmt"
	"strings"
)

// Status is the lifecycle phase of an allocator application as reported by
// the registry.
type Status string

const (
	StatusSubmission       Status = "SUBMISSION_PHASE"
	StatusKYC              Status = "KYC_PHASE"
	StatusGovernanceReview Status = "GOVERNANCE_REVIEW_PHASE"
	StatusRKHApproval      Status = "RKH_APPROVAL_PHASE"
	StatusMetaApproval     Status = "META_APPROVAL_PHASE"
	StatusApproved         Status = "APPROVED"
	StatusRejected         Status = "REJECTED"
)

// DefaultApprovalThreshold applies when the registry omits a threshold.
const DefaultApprovalThreshold = 2

var lifecycle = []Status{
	StatusSubmission,
	StatusKYC,
	StatusGovernanceReview,
	StatusRKHApproval,
	StatusMetaApproval,
	StatusApproved,
}

type statusInfo struct {
	name        string
	description string
}

var statusInfos = map[Status]statusInfo{
	StatusSubmission:       {"Submit", "Initial application submission phase"},
	StatusKYC:              {"KYC", "Know Your Customer verification process"},
	StatusGovernanceReview: {"Review", "Application review by governance committee"},
	StatusRKHApproval:      {"RKH Approval", "Final approval by RKH"},
	StatusMetaApproval:     {"MA Approval", "Final approval on Meta Allocator smart contract"},
	StatusApproved:         {"Approved", "Application approved"},
	StatusRejected:         {"Rejected", "Application rejected"},
}

// ParseStatus normalises s. Unknown values are returned as-is rather than
// rejected; they simply match no known phase.
func ParseStatus(s string) Status {
	return Status(strings.ToUpper(strings.TrimSpace(s)))
}

// Known reports whether s is one of the lifecycle phases.
func (s Status) Known() bool {
	_, ok := statusInfos[s]
	return ok
}

func (s Status) DisplayName() string {
	if info, ok := statusInfos[s]; ok {
		return info.name
	}
	return string(s)
}

func (s Status) Description() string {
	if info, ok := statusInfos[s]; ok {
		return info.description
	}
	return "Unknown phase"
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Next returns the phase that follows s on the happy path.
func (s Status) Next() (Status, bool) {
	for i, st := range lifecycle {
		if st == s && i+1 < len(lifecycle) {
			return lifecycle[i+1], true
		}
	}
	return "", false
}

// CanTransition reports whether the registry may move an application from
// one phase to another. Rejection is reachable from every review phase.
func CanTransition(from, to Status) bool {
	if to == StatusRejected {
		switch from {
		case StatusKYC, StatusGovernanceReview, StatusRKHApproval, StatusMetaApproval:
			return true
		}
		return false
	}
	next, ok := from.Next()
	return ok && next == to
}

// PendingTx identifies an open multisig proposal on the root key holder
// actor.
type PendingTx struct {
	ID       uint64 `json:"id"`
	Proposer string `json:"proposer,omitempty"`
}

// Application is a read-only snapshot of a registry record.
type Application struct {
	ID                    string     `json:"id"`
	Number                int64      `json:"number"`
	Name                  string     `json:"name"`
	Organization          string     `json:"organization"`
	Status                Status     `json:"status"`
	ActorID               string     `json:"actorId,omitempty"`
	Address               string     `json:"address"`
	Datacap               string     `json:"datacap"`
	RKHApprovals          []string   `json:"rkhApprovals,omitempty"`
	RKHApprovalsThreshold int        `json:"rkhApprovalsThreshold,omitempty"`
	GithubPRLink          string     `json:"githubPrLink,omitempty"`
	GithubPRNumber        string     `json:"githubPrNumber,omitempty"`
	PendingRKHTx          *PendingTx `json:"pendingRkhTx,omitempty"`
}

// Threshold returns the approval threshold, applying the default.
func (a Application) Threshold() int {
	if a.RKHApprovalsThreshold <= 0 {
		return DefaultApprovalThreshold
	}
	return a.RKHApprovalsThreshold
}

// ApprovalProgress returns (collected, required).
func (a Application) ApprovalProgress() (int, int) {
	return len(a.RKHApprovals), a.Threshold()
}

func (a Application) ThresholdReached() bool {
	n, t := a.ApprovalProgress()
	return n >= t
}

// HasApproved reports whether signer already appears among the approvals.
func (a Application) HasApproved(signer string) bool {
	signer = strings.TrimSpace(signer)
	if signer == "" {
		return false
	}
	for _, s := range a.RKHApprovals {
		if sameAddress(strings.TrimSpace(s), signer) {
			return true
		}
	}
	return false
}

// sameAddress compares Filecoin addresses ignoring the network prefix, so
// "t0101" and "f0101" match.
func sameAddress(a, b string) bool {
	if strings.EqualFold(a, b) {
		return true
	}
	if len(a) < 2 || len(b) < 2 || !isNetwork(a[0]) || !isNetwork(b[0]) {
		return false
	}
	return strings.EqualFold(a[1:], b[1:])
}

func isNetwork(c byte) bool {
	return c == 'f' || c == 'F' || c == 't' || c == 'T'
}

// Validate checks the structural invariants of a registry record.
func (a Application) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("application id is required")
	}
	if n, t := a.ApprovalProgress(); n > t {
		return fmt.Errorf("application %s has %d approvals for threshold %d", a.ID, n, t)
	}
	return nil
}
