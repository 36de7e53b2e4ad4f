package storage

import (
	"context"

	"field-access-control/internal/domain"
)

const (
	roleColumns   = `role_id, name, description, permissions, is_system, created_at, created_by`
	groupColumns  = `group_id, name, description, kind, device_ids, filter, created_at, created_by`
	policyColumns = `policy_id, role_id, group_id, permissions, valid_from, valid_until, created_at, created_by`
)

func (p *SQLProvider) CreateRole(ctx context.Context, role *domain.Role) error {
	return p.insert(ctx, `INSERT INTO roles (`+roleColumns+`)
		VALUES (:role_id, :name, :description, :permissions, :is_system, :created_at, :created_by)`, role)
}

func (p *SQLProvider) GetRole(ctx context.Context, roleID string) (*domain.Role, error) {
	var role domain.Role
	if err := p.get(ctx, &role, `SELECT `+roleColumns+` FROM roles WHERE role_id = ?`, roleID); err != nil {
		return nil, err
	}
	return &role, nil
}

func (p *SQLProvider) GetRoleByName(ctx context.Context, name string) (*domain.Role, error) {
	var role domain.Role
	if err := p.get(ctx, &role, `SELECT `+roleColumns+` FROM roles WHERE name = ?`, name); err != nil {
		return nil, err
	}
	return &role, nil
}

func (p *SQLProvider) GetRoles(ctx context.Context, roleIDs []string) ([]domain.Role, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	var roles []domain.Role
	err := p.selectIn(ctx, &roles, `SELECT `+roleColumns+` FROM roles WHERE role_id IN (?) ORDER BY name`, roleIDs)
	return roles, err
}

func (p *SQLProvider) ListRoles(ctx context.Context) ([]domain.Role, error) {
	var roles []domain.Role
	err := p.selectAll(ctx, &roles, `SELECT `+roleColumns+` FROM roles ORDER BY name`)
	return roles, err
}

func (p *SQLProvider) CreateGroup(ctx context.Context, group *domain.DeviceGroup) error {
	return p.insert(ctx, `INSERT INTO device_groups (`+groupColumns+`)
		VALUES (:group_id, :name, :description, :kind, :device_ids, :filter, :created_at, :created_by)`, group)
}

func (p *SQLProvider) GetGroup(ctx context.Context, groupID string) (*domain.DeviceGroup, error) {
	var group domain.DeviceGroup
	if err := p.get(ctx, &group, `SELECT `+groupColumns+` FROM device_groups WHERE group_id = ?`, groupID); err != nil {
		return nil, err
	}
	return &group, nil
}

func (p *SQLProvider) GetGroupByName(ctx context.Context, name string) (*domain.DeviceGroup, error) {
	var group domain.DeviceGroup
	if err := p.get(ctx, &group, `SELECT `+groupColumns+` FROM device_groups WHERE name = ?`, name); err != nil {
		return nil, err
	}
	return &group, nil
}

func (p *SQLProvider) GetGroups(ctx context.Context, groupIDs []string) ([]domain.DeviceGroup, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	var groups []domain.DeviceGroup
	err := p.selectIn(ctx, &groups, `SELECT `+groupColumns+` FROM device_groups WHERE group_id IN (?) ORDER BY name`, groupIDs)
	return groups, err
}

func (p *SQLProvider) ListGroups(ctx context.Context) ([]domain.DeviceGroup, error) {
	var groups []domain.DeviceGroup
	err := p.selectAll(ctx, &groups, `SELECT `+groupColumns+` FROM device_groups ORDER BY name`)
	return groups, err
}

func (p *SQLProvider) CreatePolicy(ctx context.Context, policy *domain.AccessPolicy) error {
	return p.insert(ctx, `INSERT INTO access_policies (`+policyColumns+`)
		VALUES (:policy_id, :role_id, :group_id, :permissions, :valid_from, :valid_until, :created_at, :created_by)`, policy)
}

func (p *SQLProvider) GetPolicy(ctx context.Context, policyID string) (*domain.AccessPolicy, error) {
	var policy domain.AccessPolicy
	if err := p.get(ctx, &policy, `SELECT `+policyColumns+` FROM access_policies WHERE policy_id = ?`, policyID); err != nil {
		return nil, err
	}
	return &policy, nil
}

func (p *SQLProvider) ListPolicies(ctx context.Context) ([]domain.AccessPolicy, error) {
	var policies []domain.AccessPolicy
	err := p.selectAll(ctx, &policies, `SELECT `+policyColumns+` FROM access_policies ORDER BY created_at, policy_id`)
	return policies, err
}

func (p *SQLProvider) ListPoliciesForRoles(ctx context.Context, roleIDs []string) ([]domain.AccessPolicy, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	var policies []domain.AccessPolicy
	err := p.selectIn(ctx, &policies, `SELECT `+policyColumns+` FROM access_policies
		WHERE role_id IN (?) ORDER BY created_at, policy_id`, roleIDs)
	return policies, err
}

func (p *SQLProvider) DeletePolicy(ctx context.Context, policyID string) (bool, error) {
	n, err := p.exec(ctx, `DELETE FROM access_policies WHERE policy_id = ?`, policyID)
	return n == 1, err
}
