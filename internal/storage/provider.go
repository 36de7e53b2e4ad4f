package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"field-access-control/internal/config"
	"field-access-control/internal/domain"
	"field-access-control/internal/utils"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("record conflicts with existing data")
)

type KeyRepository interface {
	CreateKey(ctx context.Context, key *domain.BootstrapKey) error
	GetKey(ctx context.Context, keyID string) (*domain.BootstrapKey, error)
	ListKeys(ctx context.Context) ([]domain.BootstrapKey, error)
	// ConsumeKeyUse atomically counts one use against the key. It reports
	// false when the key is no longer active or its limit is reached.
	ConsumeKeyUse(ctx context.Context, keyID string, at time.Time) (bool, error)
	RevokeKey(ctx context.Context, keyID string) (bool, error)
	ExpireKeys(ctx context.Context, now time.Time) ([]string, error)
}

type EnrollmentRepository interface {
	// CreateEnrollment returns ErrConflict when the fingerprint already has a
	// pending request.
	CreateEnrollment(ctx context.Context, req *domain.EnrollmentRequest) error
	GetEnrollment(ctx context.Context, requestID string) (*domain.EnrollmentRequest, error)
	FindPendingEnrollment(ctx context.Context, fingerprint string) (*domain.EnrollmentRequest, error)
	ListEnrollments(ctx context.Context, status domain.EnrollmentStatus) ([]domain.EnrollmentRequest, error)
	// ResolveEnrollment moves a pending request to a terminal status. It
	// reports false when the request was no longer pending.
	ResolveEnrollment(ctx context.Context, requestID string, to domain.EnrollmentStatus, decidedBy, deviceID string, at time.Time) (bool, error)
	ListOverdueEnrollments(ctx context.Context, now time.Time) ([]domain.EnrollmentRequest, error)
}

type DeviceRepository interface {
	CreateDevice(ctx context.Context, device *domain.Device) error
	GetDevice(ctx context.Context, deviceID string) (*domain.Device, error)
	GetDeviceByFingerprint(ctx context.Context, fingerprint string) (*domain.Device, error)
	ListDevices(ctx context.Context, status domain.DeviceStatus) ([]domain.Device, error)
	// ReactivateDevice marks a known, non-revoked device active again with
	// the given metadata and tags.
	ReactivateDevice(ctx context.Context, device *domain.Device) (bool, error)
	// TouchDevice records liveness. Only active devices are touched.
	TouchDevice(ctx context.Context, deviceID, endpointHint string, at time.Time) (bool, error)
	RevokeDevice(ctx context.Context, deviceID string, at time.Time) (bool, error)
	SetDeviceTags(ctx context.Context, deviceID string, tags []string) (bool, error)
}

type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	SetUserActive(ctx context.Context, userID string, active bool) (bool, error)
	AddUserRole(ctx context.Context, userID, roleID string) error
	RemoveUserRole(ctx context.Context, userID, roleID string) (bool, error)
}

type RoleRepository interface {
	CreateRole(ctx context.Context, role *domain.Role) error
	GetRole(ctx context.Context, roleID string) (*domain.Role, error)
	GetRoleByName(ctx context.Context, name string) (*domain.Role, error)
	GetRoles(ctx context.Context, roleIDs []string) ([]domain.Role, error)
	ListRoles(ctx context.Context) ([]domain.Role, error)
}

type GroupRepository interface {
	CreateGroup(ctx context.Context, group *domain.DeviceGroup) error
	GetGroup(ctx context.Context, groupID string) (*domain.DeviceGroup, error)
	GetGroupByName(ctx context.Context, name string) (*domain.DeviceGroup, error)
	GetGroups(ctx context.Context, groupIDs []string) ([]domain.DeviceGroup, error)
	ListGroups(ctx context.Context) ([]domain.DeviceGroup, error)
}

type PolicyRepository interface {
	CreatePolicy(ctx context.Context, policy *domain.AccessPolicy) error
	GetPolicy(ctx context.Context, policyID string) (*domain.AccessPolicy, error)
	ListPolicies(ctx context.Context) ([]domain.AccessPolicy, error)
	ListPoliciesForRoles(ctx context.Context, roleIDs []string) ([]domain.AccessPolicy, error)
	DeletePolicy(ctx context.Context, policyID string) (bool, error)
}

type ConnectionRepository interface {
	CreateConnection(ctx context.Context, req *domain.ConnectionRequest) error
	GetConnection(ctx context.Context, requestID string) (*domain.ConnectionRequest, error)
	// ListPendingConnections returns unexpired pending requests for a device.
	ListPendingConnections(ctx context.Context, deviceID string, now time.Time) ([]domain.ConnectionRequest, error)
	ListConnections(ctx context.Context, userID string) ([]domain.ConnectionRequest, error)
	// AnswerConnection stores the answer of a pending, unexpired request.
	AnswerConnection(ctx context.Context, requestID string, answer []byte, at time.Time) (bool, error)
	// CompleteConnection moves an answered, unexpired request to completed.
	CompleteConnection(ctx context.Context, requestID, endpointHint string, at time.Time) (bool, error)
	// TransitionConnection is a plain compare and swap on status.
	TransitionConnection(ctx context.Context, requestID string, from, to domain.ConnectionStatus) (bool, error)
	ListOverdueConnections(ctx context.Context, now time.Time) ([]domain.ConnectionRequest, error)
}

// AuditFilter narrows ListAudit. Zero fields match everything.
type AuditFilter struct {
	EntityType string
	EntityID   string
	Since      time.Time
	Limit      int
}

type AuditRepository interface {
	AppendAudit(ctx context.Context, event *domain.AuditEvent) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]domain.AuditEvent, error)
}

type NonceRepository interface {
	CreateNonce(ctx context.Context, nonce string, expiresAt time.Time) error
	// ClaimNonce inserts the nonce unless an unexpired copy exists. It reports
	// whether this call claimed it.
	ClaimNonce(ctx context.Context, nonce string, expiresAt, now time.Time) (bool, error)
	ConsumeNonce(ctx context.Context, nonce string, now time.Time) (bool, error)
	ExpireNonces(ctx context.Context, now time.Time) (int64, error)
}

// Store is the full set of repositories. Inside InTx every call shares one
// transaction.
type Store interface {
	KeyRepository
	EnrollmentRepository
	DeviceRepository
	UserRepository
	RoleRepository
	GroupRepository
	PolicyRepository
	ConnectionRepository
	AuditRepository
	NonceRepository
}

type Provider interface {
	Store

	Close() error
	Ping(ctx context.Context) error
	GetSchemaVersion(ctx context.Context) (int, error)
	// Migrate moves the schema to target. -1 is the latest version.
	Migrate(ctx context.Context, target int) error

	// InTx runs fn in a transaction, committing when fn returns nil.
	InTx(ctx context.Context, fn func(Store) error) error
}

// NewProvider opens the configured backend and brings its schema up to date.
func NewProvider(ctx context.Context, cfg *config.Storage) (Provider, error) {
	provider, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := provider.Migrate(ctx, -1); err != nil {
		_ = provider.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return provider, nil
}

// Open connects to the configured backend without touching its schema.
func Open(ctx context.Context, cfg *config.Storage) (Provider, error) {
	var (
		provider *SQLProvider
		err      error
	)

	switch cfg.Type {
	case "", "sqlite":
		if cfg.SQLite == nil {
			return nil, errors.New("storage.local is not configured")
		}
		provider, err = NewSQLiteProvider(cfg.SQLite.Path)
	case "postgres":
		if cfg.PostgreSQL == nil {
			return nil, errors.New("storage.postgres is not configured")
		}
		provider, err = NewPostgresProvider(ctx, cfg.PostgreSQL.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", utils.ErrStorageProviderNotFound, cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return provider, nil
}
