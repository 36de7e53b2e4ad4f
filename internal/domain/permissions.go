package domain

import (
	"fmt"
	"slices"
	"strings"
)

// Permission is a member of a closed set of permission kinds. Strings outside
// the set are rejected wherever permissions enter the system.
type Permission string

const (
	PermDeviceView      Permission = "device:view"
	PermDeviceConnect   Permission = "device:connect"
	PermDeviceConfigure Permission = "device:configure"
	PermDeviceManage    Permission = "device:manage"
	PermDeviceDelete    Permission = "device:delete"

	PermServiceVPN  Permission = "service:vpn"
	PermServiceVNC  Permission = "service:vnc"
	PermServiceHTTP Permission = "service:http"
	PermServiceSSH  Permission = "service:ssh"
	PermServiceAPI  Permission = "service:api"

	PermAdminUsers          Permission = "admin:users"
	PermAdminRoles          Permission = "admin:roles"
	PermAdminDeviceRegister Permission = "admin:device_register"
	PermAdminSystem         Permission = "admin:system"
	PermAdminAudit          Permission = "admin:audit"
)

// PermissionSchemaVersion is bumped whenever the permission set changes.
const PermissionSchemaVersion = 1

type permissionScope int

const (
	scopeDevice permissionScope = iota
	scopeAdmin
)

var permissionRegistry = map[Permission]permissionScope{
	PermDeviceView:      scopeDevice,
	PermDeviceConnect:   scopeDevice,
	PermDeviceConfigure: scopeDevice,
	PermDeviceManage:    scopeDevice,
	PermDeviceDelete:    scopeDevice,
	PermServiceVPN:      scopeDevice,
	PermServiceVNC:      scopeDevice,
	PermServiceHTTP:     scopeDevice,
	PermServiceSSH:      scopeDevice,
	PermServiceAPI:      scopeDevice,

	PermAdminUsers:          scopeAdmin,
	PermAdminRoles:          scopeAdmin,
	PermAdminDeviceRegister: scopeAdmin,
	PermAdminSystem:         scopeAdmin,
	PermAdminAudit:          scopeAdmin,
}

func (p Permission) Valid() bool {
	_, ok := permissionRegistry[p]
	return ok
}

// DeviceScoped reports whether the permission is granted per device by policies.
func (p Permission) DeviceScoped() bool {
	scope, ok := permissionRegistry[p]
	return ok && scope == scopeDevice
}

// AdminScoped reports whether the permission is a global administrative grant.
func (p Permission) AdminScoped() bool {
	scope, ok := permissionRegistry[p]
	return ok && scope == scopeAdmin
}

func ParsePermission(s string) (Permission, error) {
	p := Permission(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", Invalid(fmt.Sprintf("unknown permission %q", s))
	}
	return p, nil
}

// AllPermissions returns every known permission in stable order.
func AllPermissions() PermissionSet {
	all := make(PermissionSet, 0, len(permissionRegistry))
	for p := range permissionRegistry {
		all = append(all, p)
	}
	slices.Sort(all)
	return all
}

// PermissionSet is a sorted, duplicate free list of permissions.
type PermissionSet []Permission

// ParsePermissions validates and normalizes a list of permission strings.
func ParsePermissions(values []string) (PermissionSet, error) {
	set := make(PermissionSet, 0, len(values))
	for _, v := range values {
		p, err := ParsePermission(v)
		if err != nil {
			return nil, err
		}
		set = append(set, p)
	}
	return NewPermissionSet(set...), nil
}

func NewPermissionSet(perms ...Permission) PermissionSet {
	set := slices.Clone(perms)
	slices.Sort(set)
	return slices.Compact(set)
}

func (s PermissionSet) Has(p Permission) bool {
	_, found := slices.BinarySearch(s, p)
	return found
}

func (s PermissionSet) SubsetOf(other PermissionSet) bool {
	for _, p := range s {
		if !other.Has(p) {
			return false
		}
	}
	return true
}

// Union merges sets, keeping the result sorted.
func (s PermissionSet) Union(other PermissionSet) PermissionSet {
	return NewPermissionSet(append(slices.Clone(s), other...)...)
}

func (s PermissionSet) Strings() []string {
	out := make([]string, len(s))
	for i, p := range s {
		out[i] = string(p)
	}
	return out
}
