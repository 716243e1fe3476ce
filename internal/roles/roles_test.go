package roles

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JAG-UK/rkh-frontend/internal/connector"
	"github.com/JAG-UK/rkh-frontend/internal/domain/account"
	"github.com/JAG-UK/rkh-frontend/internal/logging"
)

type stubRegistry struct {
	role  account.Role
	err   error
	calls int
}

func (s *stubRegistry) AccountRole(ctx context.Context, address string) (account.Role, error) {
	s.calls++
	return s.role, s.err
}

const directoryYAML = `
roles:
  root_key_holder:
    - f1rkhaddress
  governance-team:
    - t1govaddress
  admin:
    - f1adminaddress
`

func TestParseDirectory(t *testing.T) {
	d, err := ParseDirectory([]byte(directoryYAML))
	require.NoError(t, err)
	assert.Equal(t, 3, d.Len())

	role, ok := d.Lookup("F1RKHADDRESS")
	require.True(t, ok)
	assert.Equal(t, account.RoleRootKeyHolder, role)

	role, ok = d.Lookup("f1govaddress")
	require.True(t, ok, "network prefix is ignored")
	assert.Equal(t, account.RoleGovernanceTeam, role)
}

func TestParseDirectoryRejectsUnknownRole(t *testing.T) {
	_, err := ParseDirectory([]byte("roles:\n  wizard: [f1x]\n"))
	assert.Error(t, err)
}

func TestLoadDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(directoryYAML), 0o600))

	d, err := LoadDirectory(path)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Len())

	_, err = LoadDirectory(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestChainResolution(t *testing.T) {
	d, err := ParseDirectory([]byte(directoryYAML))
	require.NoError(t, err)
	reg := &stubRegistry{role: account.RoleGovernanceTeam}
	c := NewChain(d, reg, logging.Discard())
	ctx := context.Background()

	role, err := c.RoleFor(ctx, connector.KindMetaMask, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, account.RoleMetadataAllocator, role)

	role, err = c.RoleFor(ctx, connector.KindLedger, "f1adminaddress")
	require.NoError(t, err)
	assert.Equal(t, account.RoleAdmin, role)
	assert.Zero(t, reg.calls)

	role, err = c.RoleFor(ctx, connector.KindFilsnap, "f1unknown")
	require.NoError(t, err)
	assert.Equal(t, account.RoleGovernanceTeam, role)
	assert.Equal(t, 1, reg.calls)
}

func TestChainDefaultsToGuest(t *testing.T) {
	c := NewChain(nil, &stubRegistry{err: errors.New("registry down")}, logging.Discard())
	role, err := c.RoleFor(context.Background(), connector.KindLedger, "f1nobody")
	require.NoError(t, err)
	assert.Equal(t, account.RoleGuest, role)

	c = NewChain(nil, nil, logging.Discard())
	role, err = c.RoleFor(context.Background(), connector.KindLedger, "f1nobody")
	require.NoError(t, err)
	assert.Equal(t, account.RoleGuest, role)
}
