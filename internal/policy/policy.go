// Package policy decides which action an operator may take on an
// application, given its phase and the operator's role.
package policy

import (
	"fmt"

	"github.com/JAG-UK/rkh-frontend/internal/domain/account"
	"github.com/JAG-UK/rkh-frontend/internal/domain/application"
)

// KYCFlowURL is where applicants complete KYC.
const KYCFlowURL = "https://flow.togggle.io/fil/kyc"

// Kind is the shape of a resolved action.
type Kind string

const (
	KindView          Kind = "view"
	KindExternalLink  Kind = "external_link"
	KindSigning       Kind = "signing"
	KindConnectWallet Kind = "connect_wallet"
)

// Operation names the signing action behind a KindSigning descriptor.
type Operation string

const (
	OpNone                    Operation = ""
	OpOverrideKYC             Operation = "override_kyc"
	OpApproveGovernanceReview Operation = "approve_governance_review"
	OpApproveRKH              Operation = "approve_rkh"
	OpApproveMetaAllocator    Operation = "approve_meta_allocator"
)

// ActionDescriptor is what the caller may attempt.
type ActionDescriptor struct {
	Label     string    `json:"label"`
	Kind      Kind      `json:"kind"`
	Operation Operation `json:"operation,omitempty"`
	Href      string    `json:"href,omitempty"`
	Enabled   bool      `json:"enabled"`
}

// rule is one row of the resolution table. A nil gate means the row applies
// to every role.
type rule struct {
	gate    []account.Role
	resolve func(app application.Application) ActionDescriptor
}

var (
	governanceGate = []account.Role{account.RoleGovernanceTeam}
	rootKeyGate    = []account.Role{account.RoleRootKeyHolder}
)

// table is evaluated top to bottom per status; the first row whose gate the
// role satisfies wins. Statuses without a matching row get ConnectWallet.
var table = map[application.Status][]rule{
	application.StatusSubmission: {
		{resolve: view},
	},
	application.StatusKYC: {
		{gate: governanceGate, resolve: signing("Override KYC", OpOverrideKYC)},
		{resolve: externalLink("Submit KYC", KYCFlowURL)},
	},
	application.StatusGovernanceReview: {
		{gate: governanceGate, resolve: approval(OpApproveGovernanceReview)},
	},
	application.StatusRKHApproval: {
		{gate: rootKeyGate, resolve: approval(OpApproveRKH)},
	},
	application.StatusMetaApproval: {
		{gate: rootKeyGate, resolve: signing("Approve", OpApproveMetaAllocator)},
	},
}

// Resolve returns the action role may take on app. It never mutates app and
// fails safe to ConnectWallet for unknown statuses.
func Resolve(app application.Application, role account.Role) ActionDescriptor {
	for _, r := range table[app.Status] {
		if r.gate == nil || satisfiesAny(role, r.gate) {
			return r.resolve(app)
		}
	}
	return connectWallet()
}

// ResolveFor is Resolve for a concrete account. An RKH approval is disabled
// once the account is already among the approvals, listed by key address or
// by ID address.
func ResolveFor(app application.Application, acct account.Account) ActionDescriptor {
	d := Resolve(app, acct.Role)
	if d.Operation == OpApproveRKH && (app.HasApproved(acct.Address) || app.HasApproved(acct.IDAddress)) {
		d.Enabled = false
	}
	return d
}

// Gated reports whether status has at least one role-gated row.
func Gated(status application.Status) bool {
	for _, r := range table[status] {
		if r.gate != nil {
			return true
		}
	}
	return false
}

// ApprovalLabel renders "(collected/threshold) Approve".
func ApprovalLabel(app application.Application) string {
	n, t := app.ApprovalProgress()
	return fmt.Sprintf("(%d/%d) Approve", n, t)
}

func satisfiesAny(role account.Role, gate []account.Role) bool {
	for _, g := range gate {
		if role.Satisfies(g) {
			return true
		}
	}
	return false
}

func view(app application.Application) ActionDescriptor {
	return ActionDescriptor{
		Label:   "View",
		Kind:    KindView,
		Href:    app.GithubPRLink,
		Enabled: app.GithubPRLink != "",
	}
}

func externalLink(label, href string) func(application.Application) ActionDescriptor {
	return func(application.Application) ActionDescriptor {
		return ActionDescriptor{Label: label, Kind: KindExternalLink, Href: href, Enabled: true}
	}
}

func signing(label string, op Operation) func(application.Application) ActionDescriptor {
	return func(application.Application) ActionDescriptor {
		return ActionDescriptor{Label: label, Kind: KindSigning, Operation: op, Enabled: true}
	}
}

func approval(op Operation) func(application.Application) ActionDescriptor {
	return func(app application.Application) ActionDescriptor {
		return ActionDescriptor{Label: ApprovalLabel(app), Kind: KindSigning, Operation: op, Enabled: true}
	}
}

func connectWallet() ActionDescriptor {
	return ActionDescriptor{Label: "Connect Wallet", Kind: KindConnectWallet, Enabled: true}
}
