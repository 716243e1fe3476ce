// Package roles decides which governance role a connected address holds.
//
// Roles are assigned out of band: a YAML directory shipped with the
// deployment, optionally backed by the application registry. Injected EVM
// providers are always metadata allocators.
package roles

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/JAG-UK/rkh-frontend/internal/connector"
	"github.com/JAG-UK/rkh-frontend/internal/domain/account"
	"github.com/JAG-UK/rkh-frontend/internal/logging"
)

// Resolver maps a freshly connected address to its role.
type Resolver interface {
	RoleFor(ctx context.Context, kind connector.Kind, address string) (account.Role, error)
}

// RegistryLookup asks the application registry for an address's role.
// Implementations return account.RoleGuest when the address is unknown.
type RegistryLookup interface {
	AccountRole(ctx context.Context, address string) (account.Role, error)
}

// =============================================================================
// Directory
// =============================================================================

// DirectoryFile is the on-disk YAML layout:
//
//	roles:
//	  root_key_holder: [f1..., f1...]
//	  governance_team: [f1...]
//	  admin: [f1...]
type DirectoryFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// Directory is an address to role table.
type Directory struct {
	mu    sync.RWMutex
	roles map[string]account.Role
}

// NewDirectory builds a directory from a role to addresses table.
func NewDirectory(entries map[account.Role][]string) *Directory {
	d := &Directory{roles: make(map[string]account.Role)}
	for role, addrs := range entries {
		for _, a := range addrs {
			d.roles[normalize(a)] = role
		}
	}
	return d
}

// LoadDirectory reads a YAML directory file.
func LoadDirectory(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read role directory: %w", err)
	}
	return ParseDirectory(data)
}

// ParseDirectory parses YAML directory content.
func ParseDirectory(data []byte) (*Directory, error) {
	var file DirectoryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse role directory: %w", err)
	}

	entries := make(map[account.Role][]string, len(file.Roles))
	for name, addrs := range file.Roles {
		role, err := account.ParseRole(name)
		if err != nil {
			return nil, fmt.Errorf("role directory: %w", err)
		}
		entries[role] = append(entries[role], addrs...)
	}
	return NewDirectory(entries), nil
}

// Lookup returns the role of address, if listed.
func (d *Directory) Lookup(address string) (account.Role, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.roles[normalize(address)]
	return r, ok
}

// Set assigns a role at runtime.
func (d *Directory) Set(address string, role account.Role) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.roles[normalize(address)] = role
}

// Len returns the number of listed addresses.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.roles)
}

// normalize drops the network prefix so f1... and t1... forms of the same key
// share an entry.
func normalize(address string) string {
	a := strings.ToLower(strings.TrimSpace(address))
	if strings.HasPrefix(a, "0x") {
		return a
	}
	if len(a) > 1 && (a[0] == 'f' || a[0] == 't') {
		return a[1:]
	}
	return a
}

// =============================================================================
// Chained resolver
// =============================================================================

// Chain resolves roles from the directory first and the registry second.
type Chain struct {
	directory *Directory
	registry  RegistryLookup
	logger    *logging.Logger
}

var _ Resolver = (*Chain)(nil)

// NewChain builds a resolver. Either source may be nil.
func NewChain(directory *Directory, registry RegistryLookup, logger *logging.Logger) *Chain {
	if directory == nil {
		directory = NewDirectory(nil)
	}
	if logger == nil {
		logger = logging.NewDefault("roles")
	}
	return &Chain{directory: directory, registry: registry, logger: logger}
}

// RoleFor returns the role for address. Registry failures degrade to Guest
// rather than failing the connection.
func (c *Chain) RoleFor(ctx context.Context, kind connector.Kind, address string) (account.Role, error) {
	if kind == connector.KindMetaMask {
		return account.RoleMetadataAllocator, nil
	}

	if role, ok := c.directory.Lookup(address); ok {
		return role, nil
	}

	if c.registry != nil {
		role, err := c.registry.AccountRole(ctx, address)
		if err != nil {
			c.logger.WithContext(ctx).WithError(err).WithField("address", address).
				Warn("registry role lookup failed; defaulting to guest")
			return account.RoleGuest, nil
		}
		if role.Valid() {
			return role, nil
		}
	}

	return account.RoleGuest, nil
}
