package access

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"field-access-control/internal/domain"
	"field-access-control/internal/storage"

	"gopkg.in/yaml.v3"
)

// SeedPolicy is the YAML layout of an RBAC seed file. Roles, groups and users
// are keyed by name or e-mail; policies reference roles and groups by name.
//
//	roles:
//	  Farm Operator:
//	    permissions: [device:view, device:connect]
//	groups:
//	  site-a:
//	    filter: {tags: [site-a]}
//	policies:
//	  - role: Farm Operator
//	    group: site-a
//	    permissions: [device:connect]
//	users:
//	  ops@example.com:
//	    roles: [Farm Operator]
type SeedPolicy struct {
	SystemRoles bool                 `yaml:"system_roles"`
	Roles       map[string]RoleSpec  `yaml:"roles"`
	Groups      map[string]GroupSpec `yaml:"groups"`
	Policies    []SeedPolicyEntry    `yaml:"policies"`
	Users       map[string]UserSpec  `yaml:"users"`
}

type SeedPolicyEntry struct {
	Role        string     `yaml:"role"`
	Group       string     `yaml:"group"`
	Permissions []string   `yaml:"permissions"`
	ValidFrom   *time.Time `yaml:"valid_from"`
	ValidUntil  *time.Time `yaml:"valid_until"`
}

// SeedResult counts what a seed run created.
type SeedResult struct {
	Roles    int `json:"roles"`
	Groups   int `json:"groups"`
	Policies int `json:"policies"`
	Users    int `json:"users"`
	Grants   int `json:"grants"`
}

// ReadSeedFile parses and validates a seed file without touching storage.
func ReadSeedFile(path string) (*SeedPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	var seed SeedPolicy
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if err := seed.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy file: %w", err)
	}
	return &seed, nil
}

// Validate checks every permission string against the known set.
func (p *SeedPolicy) Validate() error {
	for name, role := range p.Roles {
		if _, err := domain.ParsePermissions(role.Permissions); err != nil {
			return fmt.Errorf("role %q: %w", name, err)
		}
	}
	for i, entry := range p.Policies {
		if entry.Role == "" || entry.Group == "" {
			return fmt.Errorf("policy %d: role and group are required", i)
		}
		if _, err := domain.ParsePermissions(entry.Permissions); err != nil {
			return fmt.Errorf("policy %d: %w", i, err)
		}
	}
	for email := range p.Users {
		if err := ValidEmail(NormalizeEmail(email)); err != nil {
			return fmt.Errorf("user %q: %w", email, err)
		}
	}
	return nil
}

// LoadSeedFile applies a seed file. It is safe to run repeatedly: existing
// roles, groups, identical policies and users are left as they are, and
// missing role grants are added.
func (e *Engine) LoadSeedFile(ctx context.Context, path, by string) (*SeedResult, error) {
	seed, err := ReadSeedFile(path)
	if err != nil {
		return nil, err
	}
	return e.ApplySeed(ctx, seed, by)
}

func (e *Engine) ApplySeed(ctx context.Context, seed *SeedPolicy, by string) (*SeedResult, error) {
	res := &SeedResult{}

	if seed.SystemRoles {
		n, err := e.EnsureSystemRoles(ctx, by)
		if err != nil {
			return res, err
		}
		res.Roles += n
	}

	for _, name := range sortedKeys(seed.Roles) {
		spec := seed.Roles[name]
		spec.Name = name
		existing, err := e.store.GetRoleByName(ctx, name)
		switch {
		case err == nil:
			want, _ := domain.ParsePermissions(spec.Permissions)
			if !slices.Equal(want, existing.Permissions) {
				e.logger.Warn("Role exists with different permissions; roles are immutable, seed ignored", "role", name)
			}
			continue
		case !errors.Is(err, storage.ErrNotFound):
			return res, domain.Unavailable("get role", err)
		}
		if _, err := e.CreateRole(ctx, spec, by); err != nil {
			return res, fmt.Errorf("role %q: %w", name, err)
		}
		res.Roles++
	}

	for _, name := range sortedKeys(seed.Groups) {
		spec := seed.Groups[name]
		spec.Name = name
		_, err := e.store.GetGroupByName(ctx, name)
		switch {
		case err == nil:
			continue
		case !errors.Is(err, storage.ErrNotFound):
			return res, domain.Unavailable("get group", err)
		}
		if _, err := e.CreateDeviceGroup(ctx, spec, by); err != nil {
			return res, fmt.Errorf("group %q: %w", name, err)
		}
		res.Groups++
	}

	existing, err := e.store.ListPolicies(ctx)
	if err != nil {
		return res, domain.Unavailable("list policies", err)
	}
	for i, entry := range seed.Policies {
		role, err := e.ResolveRole(ctx, entry.Role)
		if err != nil {
			return res, fmt.Errorf("policy %d: %w", i, err)
		}
		group, err := e.ResolveGroup(ctx, entry.Group)
		if err != nil {
			return res, fmt.Errorf("policy %d: %w", i, err)
		}
		perms, _ := domain.ParsePermissions(entry.Permissions)
		if slices.ContainsFunc(existing, func(p domain.AccessPolicy) bool {
			return p.RoleID == role.RoleID && p.GroupID == group.GroupID &&
				slices.Equal(p.Permissions, perms) &&
				sameTime(p.ValidFrom, entry.ValidFrom) && sameTime(p.ValidUntil, entry.ValidUntil)
		}) {
			continue
		}
		_, err = e.CreatePolicy(ctx, PolicySpec{
			RoleID:      role.RoleID,
			GroupID:     group.GroupID,
			Permissions: entry.Permissions,
			ValidFrom:   entry.ValidFrom,
			ValidUntil:  entry.ValidUntil,
		}, by)
		if err != nil {
			return res, fmt.Errorf("policy %d: %w", i, err)
		}
		res.Policies++
	}

	for _, email := range sortedKeys(seed.Users) {
		spec := seed.Users[email]
		spec.Email = email
		user, created, err := e.EnsureUser(ctx, spec, by)
		if err != nil {
			return res, fmt.Errorf("user %q: %w", email, err)
		}
		if created {
			res.Users++
			continue
		}
		for _, ref := range spec.Roles {
			role, err := e.ResolveRole(ctx, ref)
			if err != nil {
				return res, fmt.Errorf("user %q: %w", email, err)
			}
			if slices.Contains(user.Roles, role.RoleID) {
				continue
			}
			if err := e.GrantRole(ctx, user.UserID, role.RoleID, by); err != nil {
				return res, fmt.Errorf("user %q: %w", email, err)
			}
			res.Grants++
		}
	}

	e.logger.Info("RBAC seed applied", "roles", res.Roles, "groups", res.Groups,
		"policies", res.Policies, "users", res.Users, "grants", res.Grants)
	return res, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
