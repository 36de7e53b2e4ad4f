// Package access is the authorization engine: users, roles, device groups
// and time windowed access policies.
package access

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"field-access-control/internal/domain"
	"field-access-control/internal/metrics"
	"field-access-control/internal/storage"
)

type Engine struct {
	store  storage.Provider
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(store storage.Provider, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		now:    time.Now,
		logger: slog.With("component", "access"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) clock() time.Time {
	return e.now().UTC()
}

// grants is the set of policies reachable through a user's roles at one
// instant, with the groups they target.
type grants struct {
	policies []domain.AccessPolicy
	groups   map[string]*domain.DeviceGroup
}

// permissionsFor evaluates group membership against the device as stored
// now, so retagging takes effect on the next check.
func (g *grants) permissionsFor(d *domain.Device) domain.PermissionSet {
	var set domain.PermissionSet
	for i := range g.policies {
		p := &g.policies[i]
		group, ok := g.groups[p.GroupID]
		if !ok || !group.Contains(d) {
			continue
		}
		set = set.Union(p.Permissions)
	}
	return set
}

// loadGrants returns nil for unknown or disabled users; having no grant is
// not an error.
func (e *Engine) loadGrants(ctx context.Context, userID string, now time.Time) (*grants, error) {
	user, err := e.store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Unavailable("get user", err)
	}
	if !user.Active || len(user.Roles) == 0 {
		return nil, nil
	}

	all, err := e.store.ListPoliciesForRoles(ctx, user.Roles)
	if err != nil {
		return nil, domain.Unavailable("list policies", err)
	}

	g := &grants{groups: make(map[string]*domain.DeviceGroup)}
	var groupIDs []string
	for _, p := range all {
		if !p.ActiveAt(now) {
			continue
		}
		g.policies = append(g.policies, p)
		if !slices.Contains(groupIDs, p.GroupID) {
			groupIDs = append(groupIDs, p.GroupID)
		}
	}
	if len(g.policies) == 0 {
		return nil, nil
	}

	groups, err := e.store.GetGroups(ctx, groupIDs)
	if err != nil {
		return nil, domain.Unavailable("get groups", err)
	}
	for i := range groups {
		g.groups[groups[i].GroupID] = &groups[i]
	}
	return g, nil
}

// Authorize reports whether some policy active now, held through one of the
// user's roles and targeting a group that currently contains the device,
// grants perm. It never writes.
func (e *Engine) Authorize(ctx context.Context, userID, deviceID string, perm domain.Permission) (allowed bool, err error) {
	defer func() {
		result := "deny"
		switch {
		case err != nil:
			result = "error"
		case allowed:
			result = "allow"
		}
		metrics.AuthorizationChecks.WithLabelValues(result).Inc()
	}()

	if !perm.Valid() {
		return false, domain.Invalid("unknown permission " + string(perm))
	}
	if !perm.DeviceScoped() {
		return false, nil
	}

	perms, err := e.ListUserPermissions(ctx, userID, deviceID)
	if err != nil {
		return false, err
	}
	return perms.Has(perm), nil
}

// ListUserPermissions is the union of device scope permissions the user
// holds on the device right now.
func (e *Engine) ListUserPermissions(ctx context.Context, userID, deviceID string) (domain.PermissionSet, error) {
	g, err := e.loadGrants(ctx, userID, e.clock())
	if err != nil || g == nil {
		return domain.PermissionSet{}, err
	}

	device, err := e.store.GetDevice(ctx, deviceID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.PermissionSet{}, nil
	}
	if err != nil {
		return nil, domain.Unavailable("get device", err)
	}

	perms := g.permissionsFor(device)
	if perms == nil {
		perms = domain.PermissionSet{}
	}
	return perms, nil
}

// AccessibleDevices lists the devices the user may view.
func (e *Engine) AccessibleDevices(ctx context.Context, userID string) ([]domain.Device, error) {
	g, err := e.loadGrants(ctx, userID, e.clock())
	if err != nil || g == nil {
		return []domain.Device{}, err
	}

	devices, err := e.store.ListDevices(ctx, "")
	if err != nil {
		return nil, domain.Unavailable("list devices", err)
	}
	out := []domain.Device{}
	for i := range devices {
		if g.permissionsFor(&devices[i]).Has(domain.PermDeviceView) {
			out = append(out, devices[i])
		}
	}
	return out, nil
}

// Can checks a global administrative permission. The admin flag grants
// every one of them.
func (e *Engine) Can(ctx context.Context, userID string, perm domain.Permission) (bool, error) {
	user, err := e.store.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, domain.Unavailable("get user", err)
	}
	if !user.Active {
		return false, nil
	}
	if user.IsAdmin {
		return true, nil
	}

	roles, err := e.store.GetRoles(ctx, user.Roles)
	if err != nil {
		return false, domain.Unavailable("get roles", err)
	}
	for _, role := range roles {
		if role.Permissions.Has(perm) {
			return true, nil
		}
	}
	return false, nil
}

// ResolveDeviceGroupMembers lists the ids of devices in the group, using the
// same evaluation as Authorize.
func (e *Engine) ResolveDeviceGroupMembers(ctx context.Context, groupID string) ([]string, error) {
	group, err := e.store.GetGroup(ctx, groupID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.Unavailable("get group", err)
	}

	devices, err := e.store.ListDevices(ctx, "")
	if err != nil {
		return nil, domain.Unavailable("list devices", err)
	}
	members := []string{}
	for i := range devices {
		if group.Contains(&devices[i]) {
			members = append(members, devices[i].DeviceID)
		}
	}
	slices.Sort(members)
	return members, nil
}
