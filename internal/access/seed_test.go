package access

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"field-access-control/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const seedYAML = `
system_roles: true
roles:
  operator:
    description: Site operators
    permissions: [device:view, device:connect]
groups:
  site-a:
    filter:
      tags: [site-a]
  line-1:
    devices: [dev_a]
policies:
  - role: operator
    group: site-a
    permissions: [device:view, device:connect]
  - role: Read Only
    group: line-1
    permissions: [device:view]
    valid_until: 2030-01-01T00:00:00Z
users:
  ops@example.com:
    display_name: Ops
    roles: [operator]
  root@example.com:
    admin: true
`

func writeSeed(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rbac.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadSeedFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.device(t, "dev_a", []string{"site-a"}, nil)
	path := writeSeed(t, seedYAML)

	res, err := f.engine.LoadSeedFile(ctx, path, "seed")
	require.NoError(t, err)
	assert.Equal(t, &SeedResult{Roles: len(SystemRoles) + 1, Groups: 2, Policies: 2, Users: 2}, res)

	ops, err := f.engine.GetUserByEmail(ctx, "ops@example.com")
	require.NoError(t, err)
	ok, err := f.engine.Authorize(ctx, ops.UserID, "dev_a", domain.PermDeviceConnect)
	require.NoError(t, err)
	assert.True(t, ok)

	root, err := f.engine.GetUserByEmail(ctx, "root@example.com")
	require.NoError(t, err)
	assert.True(t, root.IsAdmin)

	again, err := f.engine.LoadSeedFile(ctx, path, "seed")
	require.NoError(t, err)
	assert.Equal(t, &SeedResult{}, again, "a second run changes nothing")
}

func TestSeedGrantsRolesToExistingUsers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.user(t, "ops@example.com")

	res, err := f.engine.LoadSeedFile(ctx, writeSeed(t, `
roles:
  operator:
    permissions: [device:view]
users:
  ops@example.com:
    roles: [operator]
`), "seed")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Grants)
	assert.Zero(t, res.Users)
}

func TestReadSeedFileRejectsUnknownPermissions(t *testing.T) {
	tests := map[string]string{
		"role":   "roles:\n  r:\n    permissions: [device:fly]\n",
		"policy": "policies:\n  - role: r\n    group: g\n    permissions: [nope]\n",
		"ref":    "policies:\n  - role: r\n    permissions: [device:view]\n",
		"user":   "users:\n  not-an-address: {}\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ReadSeedFile(writeSeed(t, content))
			assert.Error(t, err)
		})
	}

	_, err := ReadSeedFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
