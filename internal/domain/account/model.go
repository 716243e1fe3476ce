// Package account models the connected wallet account and its governance role.
package account

import (
	"fmt"
	"strings"
)

// Role is the governance capacity of a signer.
type Role string

const (
	RoleGuest             Role = "guest"
	RoleMetadataAllocator Role = "metadata_allocator"
	RoleRootKeyHolder     Role = "root_key_holder"
	RoleGovernanceTeam    Role = "governance_team"
	RoleAdmin             Role = "admin"
)

// Roles lists every known role.
var Roles = []Role{RoleGuest, RoleMetadataAllocator, RoleRootKeyHolder, RoleGovernanceTeam, RoleAdmin}

// Satisfies reports whether r passes a gate that requires role. Admin passes
// every gate.
func (r Role) Satisfies(required Role) bool {
	return r == required || r == RoleAdmin
}

func (r Role) Valid() bool {
	for _, known := range Roles {
		if r == known {
			return true
		}
	}
	return false
}

func (r Role) String() string { return string(r) }

// ParseRole accepts snake_case, kebab-case and upper-case spellings.
func ParseRole(s string) (Role, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.ReplaceAll(norm, "-", "_")
	switch norm {
	case "rkh":
		return RoleRootKeyHolder, nil
	case "gov", "governance":
		return RoleGovernanceTeam, nil
	case "ma", "metaallocator":
		return RoleMetadataAllocator, nil
	}
	r := Role(norm)
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// ConnectorKind tags the signing backend an account was obtained from.
type ConnectorKind string

const (
	KindLedger   ConnectorKind = "ledger"
	KindFilsnap  ConnectorKind = "filsnap"
	KindMetaMask ConnectorKind = "metamask"
)

// Account is the identity of the active operator. Values are immutable
// snapshots; the session publishes a fresh one on every change.
type Account struct {
	Address     string        `json:"address"`
	IDAddress   string        `json:"idAddress,omitempty"`
	Index       uint32        `json:"index"`
	Role        Role          `json:"role"`
	IsConnected bool          `json:"isConnected"`
	Connector   ConnectorKind `json:"connector,omitempty"`
	PublicKey   []byte        `json:"publicKey,omitempty"`
}

// Clone returns a deep copy so published snapshots never share key bytes.
func (a Account) Clone() Account {
	if a.PublicKey != nil {
		a.PublicKey = append([]byte(nil), a.PublicKey...)
	}
	return a
}

// Guest is the account shown when nothing is connected.
func Guest() Account {
	return Account{Role: RoleGuest}
}
