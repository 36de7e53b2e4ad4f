package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"field-access-control/internal/domain"
	"field-access-control/internal/storage"
	"field-access-control/internal/utils"
)

type RoleSpec struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Permissions []string `json:"permissions" yaml:"permissions"`
}

// GroupSpec describes a device group. A group with a filter is dynamic;
// otherwise it is the explicit DeviceIDs list.
type GroupSpec struct {
	Name        string               `json:"name" yaml:"name"`
	Description string               `json:"description" yaml:"description"`
	DeviceIDs   []string             `json:"device_ids" yaml:"devices"`
	Filter      *domain.DeviceFilter `json:"filter" yaml:"filter"`
}

type PolicySpec struct {
	RoleID      string     `json:"role_id"`
	GroupID     string     `json:"group_id"`
	Permissions []string   `json:"permissions"`
	ValidFrom   *time.Time `json:"valid_from"`
	ValidUntil  *time.Time `json:"valid_until"`
}

func audit(ctx context.Context, s storage.AuditRepository, at time.Time, entity, id, action, actor, detail string) error {
	return s.AppendAudit(ctx, &domain.AuditEvent{
		EntityType: entity,
		EntityID:   id,
		Action:     action,
		Actor:      actor,
		Detail:     detail,
		At:         at,
	})
}

func (e *Engine) CreateRole(ctx context.Context, spec RoleSpec, by string) (*domain.Role, error) {
	return e.createRole(ctx, spec, false, by)
}

func (e *Engine) createRole(ctx context.Context, spec RoleSpec, system bool, by string) (*domain.Role, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, domain.Invalid("role name is required")
	}
	perms, err := domain.ParsePermissions(spec.Permissions)
	if err != nil {
		return nil, err
	}

	now := e.clock()
	role := &domain.Role{
		RoleID:      utils.GenerateID(utils.PrefixRole),
		Name:        name,
		Description: spec.Description,
		Permissions: perms,
		System:      system,
		CreatedAt:   now,
		CreatedBy:   by,
	}
	err = e.store.InTx(ctx, func(s storage.Store) error {
		if err := s.CreateRole(ctx, role); err != nil {
			return err
		}
		return audit(ctx, s, now, domain.EntityRole, role.RoleID, "create", by, strings.Join(perms.Strings(), ","))
	})
	if errors.Is(err, storage.ErrConflict) {
		return nil, domain.Invalid(fmt.Sprintf("role %q already exists", name))
	}
	if err != nil {
		return nil, domain.Classify("create role", err)
	}
	e.logger.Info("Role created", "role_id", role.RoleID, "name", name, "by", by)
	return role, nil
}

func (e *Engine) ListRoles(ctx context.Context) ([]domain.Role, error) {
	roles, err := e.store.ListRoles(ctx)
	return roles, domain.Classify("list roles", err)
}

// ResolveRole accepts a role id or a role name.
func (e *Engine) ResolveRole(ctx context.Context, ref string) (*domain.Role, error) {
	return resolveRole(ctx, e.store, ref)
}

func resolveRole(ctx context.Context, s storage.RoleRepository, ref string) (*domain.Role, error) {
	role, err := s.GetRole(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		role, err = s.GetRoleByName(ctx, ref)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.ErrUnknownRole
	}
	if err != nil {
		return nil, domain.Unavailable("get role", err)
	}
	return role, nil
}

func (e *Engine) CreateDeviceGroup(ctx context.Context, spec GroupSpec, by string) (*domain.DeviceGroup, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, domain.Invalid("group name is required")
	}

	now := e.clock()
	group := &domain.DeviceGroup{
		GroupID:     utils.GenerateID(utils.PrefixGroup),
		Name:        name,
		Description: spec.Description,
		CreatedAt:   now,
		CreatedBy:   by,
	}
	switch {
	case spec.Filter != nil && len(spec.DeviceIDs) > 0:
		return nil, domain.Invalid("a group has either device ids or a filter, not both")
	case spec.Filter != nil:
		group.Kind = domain.GroupFilter
		group.Filter = *spec.Filter
	default:
		group.Kind = domain.GroupStatic
		group.DeviceIDs = domain.Strings(normalize(spec.DeviceIDs))
	}

	err := e.store.InTx(ctx, func(s storage.Store) error {
		for _, id := range group.DeviceIDs {
			if _, err := s.GetDevice(ctx, id); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return domain.Invalid(fmt.Sprintf("unknown device %q", id))
				}
				return err
			}
		}
		if err := s.CreateGroup(ctx, group); err != nil {
			return err
		}
		return audit(ctx, s, now, domain.EntityGroup, group.GroupID, "create", by, string(group.Kind))
	})
	if errors.Is(err, storage.ErrConflict) {
		return nil, domain.Invalid(fmt.Sprintf("group %q already exists", name))
	}
	if err != nil {
		return nil, domain.Classify("create group", err)
	}
	e.logger.Info("Device group created", "group_id", group.GroupID, "name", name, "kind", group.Kind, "by", by)
	return group, nil
}

func (e *Engine) ListDeviceGroups(ctx context.Context) ([]domain.DeviceGroup, error) {
	groups, err := e.store.ListGroups(ctx)
	return groups, domain.Classify("list groups", err)
}

// ResolveGroup accepts a group id or a group name.
func (e *Engine) ResolveGroup(ctx context.Context, ref string) (*domain.DeviceGroup, error) {
	return resolveGroup(ctx, e.store, ref)
}

func resolveGroup(ctx context.Context, s storage.GroupRepository, ref string) (*domain.DeviceGroup, error) {
	group, err := s.GetGroup(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		group, err = s.GetGroupByName(ctx, ref)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.ErrUnknownGroup
	}
	if err != nil {
		return nil, domain.Unavailable("get group", err)
	}
	return group, nil
}

// CreatePolicy grants a subset of the role's device permissions on a group.
// Policies are never edited; they end by deletion or when their window closes.
func (e *Engine) CreatePolicy(ctx context.Context, spec PolicySpec, by string) (*domain.AccessPolicy, error) {
	perms, err := domain.ParsePermissions(spec.Permissions)
	if err != nil {
		return nil, err
	}
	if len(perms) == 0 {
		return nil, domain.Invalid("a policy grants at least one permission")
	}
	for _, p := range perms {
		if !p.DeviceScoped() {
			return nil, domain.Invalid(fmt.Sprintf("%s is not a device permission", p))
		}
	}
	if spec.ValidFrom != nil && spec.ValidUntil != nil && !spec.ValidUntil.After(*spec.ValidFrom) {
		return nil, domain.Invalid("valid_until must be after valid_from")
	}

	now := e.clock()
	policy := &domain.AccessPolicy{
		PolicyID:    utils.GenerateID(utils.PrefixPolicy),
		Permissions: perms,
		ValidFrom:   utcPtr(spec.ValidFrom),
		ValidUntil:  utcPtr(spec.ValidUntil),
		CreatedAt:   now,
		CreatedBy:   by,
	}

	err = e.store.InTx(ctx, func(s storage.Store) error {
		role, err := resolveRole(ctx, s, spec.RoleID)
		if err != nil {
			return err
		}
		group, err := resolveGroup(ctx, s, spec.GroupID)
		if err != nil {
			return err
		}
		if !perms.SubsetOf(role.Permissions) {
			return domain.Invalid(fmt.Sprintf("permissions exceed those of role %q", role.Name))
		}
		policy.RoleID = role.RoleID
		policy.GroupID = group.GroupID

		if err := s.CreatePolicy(ctx, policy); err != nil {
			return err
		}
		return audit(ctx, s, now, domain.EntityPolicy, policy.PolicyID, "create", by,
			fmt.Sprintf("role=%s group=%s permissions=%s", role.RoleID, group.GroupID, strings.Join(perms.Strings(), ",")))
	})
	if err != nil {
		return nil, domain.Classify("create policy", err)
	}
	e.logger.Info("Access policy created", "policy_id", policy.PolicyID, "role_id", policy.RoleID, "group_id", policy.GroupID, "by", by)
	return policy, nil
}

func (e *Engine) ListPolicies(ctx context.Context) ([]domain.AccessPolicy, error) {
	policies, err := e.store.ListPolicies(ctx)
	return policies, domain.Classify("list policies", err)
}

func (e *Engine) DeletePolicy(ctx context.Context, policyID, by string) error {
	now := e.clock()
	err := e.store.InTx(ctx, func(s storage.Store) error {
		deleted, err := s.DeletePolicy(ctx, policyID)
		if err != nil {
			return err
		}
		if !deleted {
			return domain.ErrNotFound
		}
		return audit(ctx, s, now, domain.EntityPolicy, policyID, "delete", by, "")
	})
	if err != nil {
		return domain.Classify("delete policy", err)
	}
	e.logger.Info("Access policy deleted", "policy_id", policyID, "by", by)
	return nil
}

// SystemRoles are the built in roles created by EnsureSystemRoles.
var SystemRoles = []RoleSpec{
	{
		Name:        "Farm Administrator",
		Description: "Full control of farm devices",
		Permissions: []string{
			"device:view", "device:connect", "device:configure", "device:manage",
			"service:vpn", "service:vnc", "service:http", "service:ssh", "service:api",
			"admin:device_register",
		},
	},
	{
		Name:        "Farm Operator",
		Description: "Monitoring and basic operation",
		Permissions: []string{"device:view", "device:connect", "service:vnc", "service:http", "service:api"},
	},
	{
		Name:        "Service Engineer",
		Description: "Maintenance and diagnostics",
		Permissions: []string{
			"device:view", "device:connect", "device:configure",
			"service:vpn", "service:vnc", "service:ssh", "service:api",
		},
	},
	{
		Name:        "Read Only",
		Description: "View only",
		Permissions: []string{"device:view", "service:api"},
	},
	{
		Name:        "System Administrator",
		Description: "Full administrative access",
		Permissions: domain.AllPermissions().Strings(),
	},
}

// EnsureSystemRoles creates any missing built in role and returns how many
// were created.
func (e *Engine) EnsureSystemRoles(ctx context.Context, by string) (int, error) {
	created := 0
	for _, spec := range SystemRoles {
		_, err := e.store.GetRoleByName(ctx, spec.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return created, domain.Unavailable("get role", err)
		}
		if _, err := e.createRole(ctx, spec, true, by); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
