package domain

import (
	"slices"
	"time"
)

type KeyStatus string

const (
	KeyStatusActive    KeyStatus = "active"
	KeyStatusExhausted KeyStatus = "exhausted"
	KeyStatusExpired   KeyStatus = "expired"
	KeyStatusRevoked   KeyStatus = "revoked"
)

// BootstrapKey is a pre-shared enrollment credential. Only the hash of its
// secret is ever stored.
type BootstrapKey struct {
	KeyID      string     `db:"key_id" json:"key_id"`
	SecretHash string     `db:"secret_hash" json:"-"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	ExpiresAt  *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	Reusable   bool       `db:"reusable" json:"reusable"`
	MaxUses    *int       `db:"max_uses" json:"max_uses,omitempty"`
	UseCount   int        `db:"use_count" json:"use_count"`
	Tags       Strings    `db:"tags" json:"tags"`
	Issuer     string     `db:"issuer" json:"issuer"`
	Status     KeyStatus  `db:"status" json:"status"`
	LastUsedAt *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
}

// UseLimit returns the number of enrollments the key may approve. A
// non-reusable key is limited to one.
func (k *BootstrapKey) UseLimit() (int, bool) {
	if !k.Reusable {
		return 1, true
	}
	if k.MaxUses != nil {
		return *k.MaxUses, true
	}
	return 0, false
}

func (k *BootstrapKey) Exhausted() bool {
	if k.Status == KeyStatusExhausted {
		return true
	}
	limit, ok := k.UseLimit()
	return ok && k.UseCount >= limit
}

func (k *BootstrapKey) Expired(now time.Time) bool {
	if k.Status == KeyStatusExpired {
		return true
	}
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// Usable reports whether the key may be presented for a new enrollment request.
func (k *BootstrapKey) Usable(now time.Time) bool {
	return k.Status == KeyStatusActive && !k.Exhausted() && !k.Expired(now)
}

// KeyConstraints are the issuer supplied limits of a new bootstrap key.
type KeyConstraints struct {
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reusable  bool       `json:"reusable"`
	MaxUses   *int       `json:"max_uses,omitempty"`
	Tags      []string   `json:"tags,omitempty"`
}

// IssuedKey is returned once on issuance. Secret is never retrievable again.
type IssuedKey struct {
	BootstrapKey
	Secret string `json:"secret"`
}

type EnrollmentStatus string

const (
	EnrollmentPending  EnrollmentStatus = "pending"
	EnrollmentApproved EnrollmentStatus = "approved"
	EnrollmentRejected EnrollmentStatus = "rejected"
	EnrollmentExpired  EnrollmentStatus = "expired"
)

func (s EnrollmentStatus) Terminal() bool {
	return s != EnrollmentPending
}

type EnrollmentRequest struct {
	RequestID         string           `db:"request_id" json:"request_id"`
	BootstrapKeyID    string           `db:"bootstrap_key_id" json:"bootstrap_key_id"`
	DeviceFingerprint string           `db:"fingerprint" json:"device_fingerprint"`
	DeclaredMetadata  Metadata         `db:"metadata" json:"declared_metadata"`
	Status            EnrollmentStatus `db:"status" json:"status"`
	CreatedAt         time.Time        `db:"created_at" json:"created_at"`
	ExpiresAt         time.Time        `db:"expires_at" json:"expires_at"`
	DecidedAt         *time.Time       `db:"decided_at" json:"decided_at,omitempty"`
	DecidedBy         string           `db:"decided_by" json:"decided_by,omitempty"`
	DeviceID          string           `db:"device_id" json:"device_id,omitempty"`
}

// PastDeadline reports whether an unresolved request outlived its TTL.
func (r *EnrollmentRequest) PastDeadline(now time.Time) bool {
	return r.Status == EnrollmentPending && !now.Before(r.ExpiresAt)
}

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

func (d Decision) Valid() bool {
	return d == DecisionApprove || d == DecisionReject
}

type DeviceStatus string

const (
	DeviceStatusPendingEnrollment DeviceStatus = "pending_enrollment"
	DeviceStatusActive            DeviceStatus = "active"
	DeviceStatusRevoked           DeviceStatus = "revoked"
)

type Device struct {
	DeviceID     string       `db:"device_id" json:"device_id"`
	Fingerprint  string       `db:"fingerprint" json:"fingerprint"`
	Status       DeviceStatus `db:"status" json:"status"`
	Metadata     Metadata     `db:"metadata" json:"metadata"`
	Tags         Strings      `db:"tags" json:"tags"`
	LastSeenAt   *time.Time   `db:"last_seen_at" json:"last_seen_at,omitempty"`
	EndpointHint string       `db:"endpoint_hint" json:"endpoint_hint,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	EnrolledAt   time.Time    `db:"enrolled_at" json:"enrolled_at"`
	RevokedAt    *time.Time   `db:"revoked_at" json:"revoked_at,omitempty"`
}

// Live reports whether the device is active and reported within timeout.
// Staleness is derived, never stored.
func (d *Device) Live(now time.Time, timeout time.Duration) bool {
	if d.Status != DeviceStatusActive || d.LastSeenAt == nil {
		return false
	}
	return now.Sub(*d.LastSeenAt) <= timeout
}

// Type is the declared device type, used by group filters.
func (d *Device) Type() string {
	if t := d.Metadata["type"]; t != "" {
		return t
	}
	return d.Metadata["device_type"]
}

func (d *Device) HasTag(tag string) bool {
	return slices.Contains(d.Tags, tag)
}

// DeviceView is a device with its computed liveness.
type DeviceView struct {
	Device
	Online bool `json:"online"`
}

type User struct {
	UserID      string    `db:"user_id" json:"user_id"`
	Email       string    `db:"email" json:"email"`
	DisplayName string    `db:"display_name" json:"display_name,omitempty"`
	IsAdmin     bool      `db:"is_admin" json:"is_admin"`
	Active      bool      `db:"active" json:"active"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	Roles       []string  `db:"-" json:"roles"`
}

// Role is a named permission set. Roles are never updated once created.
type Role struct {
	RoleID      string        `db:"role_id" json:"role_id"`
	Name        string        `db:"name" json:"name"`
	Description string        `db:"description" json:"description,omitempty"`
	Permissions PermissionSet `db:"permissions" json:"permissions"`
	System      bool          `db:"is_system" json:"system"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
	CreatedBy   string        `db:"created_by" json:"created_by"`
}

type GroupKind string

const (
	GroupStatic GroupKind = "static"
	GroupFilter GroupKind = "filter"
)

// DeviceFilter selects devices by their current tags, type and metadata. All
// present criteria must match; an empty filter matches every non-revoked device.
type DeviceFilter struct {
	Tags        []string          `json:"tags,omitempty" yaml:"tags"`
	DeviceTypes []string          `json:"device_types,omitempty" yaml:"device_types"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata"`
}

func (f DeviceFilter) Match(d *Device) bool {
	for _, tag := range f.Tags {
		if !d.HasTag(tag) {
			return false
		}
	}
	if len(f.DeviceTypes) > 0 && !slices.Contains(f.DeviceTypes, d.Type()) {
		return false
	}
	for k, v := range f.Metadata {
		if d.Metadata[k] != v {
			return false
		}
	}
	return true
}

type DeviceGroup struct {
	GroupID     string       `db:"group_id" json:"group_id"`
	Name        string       `db:"name" json:"name"`
	Description string       `db:"description" json:"description,omitempty"`
	Kind        GroupKind    `db:"kind" json:"kind"`
	DeviceIDs   Strings      `db:"device_ids" json:"device_ids,omitempty"`
	Filter      DeviceFilter `db:"filter" json:"filter"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
	CreatedBy   string       `db:"created_by" json:"created_by"`
}

// Contains evaluates membership against the device as it is now.
func (g *DeviceGroup) Contains(d *Device) bool {
	switch g.Kind {
	case GroupStatic:
		return slices.Contains(g.DeviceIDs, d.DeviceID)
	case GroupFilter:
		return d.Status != DeviceStatusRevoked && g.Filter.Match(d)
	}
	return false
}

// TimeWindow is the half-open interval [ValidFrom, ValidUntil). A nil bound is open.
type TimeWindow struct {
	ValidFrom  *time.Time `json:"valid_from,omitempty"`
	ValidUntil *time.Time `json:"valid_until,omitempty"`
}

// AccessPolicy grants a permission subset to holders of a role on a device
// group. Policies are immutable; they are revoked by deletion or by their
// window closing.
type AccessPolicy struct {
	PolicyID    string        `db:"policy_id" json:"policy_id"`
	RoleID      string        `db:"role_id" json:"role_id"`
	GroupID     string        `db:"group_id" json:"group_id"`
	Permissions PermissionSet `db:"permissions" json:"permissions"`
	ValidFrom   *time.Time    `db:"valid_from" json:"valid_from,omitempty"`
	ValidUntil  *time.Time    `db:"valid_until" json:"valid_until,omitempty"`
	CreatedAt   time.Time     `db:"created_at" json:"created_at"`
	CreatedBy   string        `db:"created_by" json:"created_by"`
}

func (p *AccessPolicy) ActiveAt(now time.Time) bool {
	if p.ValidFrom != nil && now.Before(*p.ValidFrom) {
		return false
	}
	if p.ValidUntil != nil && !now.Before(*p.ValidUntil) {
		return false
	}
	return true
}

type ConnectionStatus string

const (
	ConnectionPending   ConnectionStatus = "pending"
	ConnectionAnswered  ConnectionStatus = "answered"
	ConnectionCompleted ConnectionStatus = "completed"
	ConnectionExpired   ConnectionStatus = "expired"
	ConnectionDenied    ConnectionStatus = "denied"
)

func (s ConnectionStatus) Terminal() bool {
	return s == ConnectionCompleted || s == ConnectionExpired || s == ConnectionDenied
}

// ConnectionRequest is a rendezvous between a user and a device. Offer and
// answer are opaque and forwarded unmodified. EndpointHint is the device's
// hint captured at completion.
type ConnectionRequest struct {
	RequestID       string           `db:"request_id" json:"request_id"`
	RequesterUserID string           `db:"requester_user_id" json:"requester_user_id"`
	TargetDeviceID  string           `db:"target_device_id" json:"target_device_id"`
	OfferPayload    []byte           `db:"offer_payload" json:"offer"`
	AnswerPayload   []byte           `db:"answer_payload" json:"answer,omitempty"`
	Status          ConnectionStatus `db:"status" json:"status"`
	CreatedAt       time.Time        `db:"created_at" json:"created_at"`
	ExpiresAt       time.Time        `db:"expires_at" json:"expires_at"`
	AnsweredAt      *time.Time       `db:"answered_at" json:"answered_at,omitempty"`
	CompletedAt     *time.Time       `db:"completed_at" json:"completed_at,omitempty"`
	EndpointHint    string           `db:"endpoint_hint" json:"endpoint_hint,omitempty"`
}

// PastDeadline reports whether a non-terminal request outlived its TTL.
func (c *ConnectionRequest) PastDeadline(now time.Time) bool {
	return !c.Status.Terminal() && !now.Before(c.ExpiresAt)
}

// SessionDescriptor is the matched offer/answer pair handed to both parties.
type SessionDescriptor struct {
	RequestID    string    `json:"request_id"`
	UserID       string    `json:"user_id"`
	DeviceID     string    `json:"device_id"`
	Offer        []byte    `json:"offer"`
	Answer       []byte    `json:"answer"`
	EndpointHint string    `json:"endpoint_hint,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// AuditEvent is an append-only record of a state transition.
type AuditEvent struct {
	ID          int64     `db:"id" json:"id"`
	EntityType  string    `db:"entity_type" json:"entity_type"`
	EntityID    string    `db:"entity_id" json:"entity_id"`
	Action      string    `db:"action" json:"action"`
	Actor       string    `db:"actor" json:"actor"`
	PriorStatus string    `db:"prior_status" json:"prior_status,omitempty"`
	NewStatus   string    `db:"new_status" json:"new_status,omitempty"`
	Detail      string    `db:"detail" json:"detail,omitempty"`
	At          time.Time `db:"at" json:"at"`
}

const (
	EntityBootstrapKey = "bootstrap_key"
	EntityEnrollment   = "enrollment"
	EntityDevice       = "device"
	EntityConnection   = "connection"
	EntityRole         = "role"
	EntityGroup        = "device_group"
	EntityPolicy       = "access_policy"
	EntityUser         = "user"
)

// Stats summarizes registry state.
type Stats struct {
	ActiveDevices      int `json:"active_devices"`
	RevokedDevices     int `json:"revoked_devices"`
	OnlineDevices      int `json:"online_devices"`
	PendingEnrollments int `json:"pending_enrollments"`
	ActiveKeys         int `json:"active_keys"`
}
