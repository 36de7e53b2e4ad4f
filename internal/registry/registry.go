// Package registry owns bootstrap keys, the enrollment workflow and the
// device lifecycle.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"field-access-control/internal/config"
	"field-access-control/internal/domain"
	"field-access-control/internal/storage"
	"field-access-control/internal/utils"
)

// SystemActor is recorded for transitions made by the server itself.
const SystemActor = "system"

// EnrollmentListener is told about every new pending enrollment request.
type EnrollmentListener interface {
	EnrollmentPending(ctx context.Context, req *domain.EnrollmentRequest)
}

type Registry struct {
	store           storage.Provider
	secret          []byte
	enrollmentTTL   time.Duration
	livenessTimeout time.Duration

	listener EnrollmentListener
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithEnrollmentListener(l EnrollmentListener) Option {
	return func(r *Registry) { r.listener = l }
}

func New(store storage.Provider, secret string, cfg config.RegistryConfig, opts ...Option) *Registry {
	r := &Registry{
		store:           store,
		secret:          []byte(secret),
		enrollmentTTL:   cfg.EnrollmentTTL,
		livenessTimeout: cfg.LivenessTimeout,
		now:             time.Now,
		logger:          slog.With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) LivenessTimeout() time.Duration {
	return r.livenessTimeout
}

func (r *Registry) clock() time.Time {
	return r.now().UTC()
}

func audit(ctx context.Context, s storage.AuditRepository, at time.Time, entity, id, action, actor, prior, next string) error {
	return s.AppendAudit(ctx, &domain.AuditEvent{
		EntityType:  entity,
		EntityID:    id,
		Action:      action,
		Actor:       actor,
		PriorStatus: prior,
		NewStatus:   next,
		At:          at,
	})
}

// IssueBootstrapKey creates a key and returns its secret. The secret is not
// stored and cannot be retrieved again.
func (r *Registry) IssueBootstrapKey(ctx context.Context, c domain.KeyConstraints, issuer string) (*domain.IssuedKey, error) {
	now := r.clock()
	if c.MaxUses != nil {
		if *c.MaxUses < 1 {
			return nil, domain.Invalid("max_uses must be at least 1")
		}
		if !c.Reusable && *c.MaxUses != 1 {
			return nil, domain.Invalid("a non-reusable key has exactly one use")
		}
	}
	if c.ExpiresAt != nil && !c.ExpiresAt.After(now) {
		return nil, domain.Invalid("expires_at must be in the future")
	}

	keyID := utils.GenerateID(utils.PrefixKey)
	secret, random, err := utils.NewKeySecret(keyID)
	if err != nil {
		return nil, domain.Unavailable("issue key", err)
	}
	hash, err := utils.HashSecret(random)
	if err != nil {
		return nil, domain.Unavailable("issue key", err)
	}

	key := domain.BootstrapKey{
		KeyID:      keyID,
		SecretHash: hash,
		CreatedAt:  now,
		Reusable:   c.Reusable,
		MaxUses:    c.MaxUses,
		Tags:       domain.Strings(normalizeTags(c.Tags)),
		Issuer:     issuer,
		Status:     domain.KeyStatusActive,
	}
	if c.ExpiresAt != nil {
		exp := c.ExpiresAt.UTC()
		key.ExpiresAt = &exp
	}

	err = r.store.InTx(ctx, func(s storage.Store) error {
		if err := s.CreateKey(ctx, &key); err != nil {
			return err
		}
		return audit(ctx, s, now, domain.EntityBootstrapKey, keyID, "issue", issuer, "", string(domain.KeyStatusActive))
	})
	if err != nil {
		return nil, domain.Classify("issue key", err)
	}

	r.logger.Info("Issued bootstrap key", "key_id", keyID, "issuer", issuer, "reusable", c.Reusable)
	return &domain.IssuedKey{BootstrapKey: key, Secret: secret}, nil
}

func (r *Registry) ListBootstrapKeys(ctx context.Context) ([]domain.BootstrapKey, error) {
	keys, err := r.store.ListKeys(ctx)
	return keys, domain.Classify("list keys", err)
}

func (r *Registry) GetBootstrapKey(ctx context.Context, keyID string) (*domain.BootstrapKey, error) {
	key, err := r.store.GetKey(ctx, keyID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	return key, domain.Classify("get key", err)
}

// RevokeBootstrapKey is idempotent. Devices already enrolled with the key
// are not affected.
func (r *Registry) RevokeBootstrapKey(ctx context.Context, keyID, by string) error {
	now := r.clock()
	err := r.store.InTx(ctx, func(s storage.Store) error {
		key, err := s.GetKey(ctx, keyID)
		if err != nil {
			return err
		}
		changed, err := s.RevokeKey(ctx, keyID)
		if err != nil || !changed {
			return err
		}
		return audit(ctx, s, now, domain.EntityBootstrapKey, keyID, "revoke", by, string(key.Status), string(domain.KeyStatusRevoked))
	})
	if errors.Is(err, storage.ErrNotFound) {
		return domain.ErrNotFound
	}
	return domain.Classify("revoke key", err)
}

// AuthenticateKey resolves a presented key secret. Unknown keys and wrong
// secrets are indistinguishable to the caller.
func (r *Registry) AuthenticateKey(ctx context.Context, keySecret string) (*domain.BootstrapKey, error) {
	keyID, random, err := utils.SplitKeySecret(keySecret)
	if err != nil {
		return nil, domain.ErrInvalidCredential
	}
	key, err := r.store.GetKey(ctx, keyID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.ErrInvalidCredential
	}
	if err != nil {
		return nil, domain.Unavailable("get key", err)
	}
	ok, err := utils.VerifySecret(key.SecretHash, random)
	if err != nil || !ok {
		return nil, domain.ErrInvalidCredential
	}
	return key, nil
}

func normalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t != "" {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
