package storage

import (
	"context"
	"time"

	"field-access-control/internal/domain"
)

const keyColumns = `key_id, secret_hash, created_at, expires_at, reusable, max_uses, use_count, tags, issuer, status, last_used_at`

func (p *SQLProvider) CreateKey(ctx context.Context, key *domain.BootstrapKey) error {
	return p.insert(ctx, `INSERT INTO bootstrap_keys (`+keyColumns+`)
		VALUES (:key_id, :secret_hash, :created_at, :expires_at, :reusable, :max_uses, :use_count, :tags, :issuer, :status, :last_used_at)`, key)
}

func (p *SQLProvider) GetKey(ctx context.Context, keyID string) (*domain.BootstrapKey, error) {
	var key domain.BootstrapKey
	if err := p.get(ctx, &key, `SELECT `+keyColumns+` FROM bootstrap_keys WHERE key_id = ?`, keyID); err != nil {
		return nil, err
	}
	return &key, nil
}

func (p *SQLProvider) ListKeys(ctx context.Context) ([]domain.BootstrapKey, error) {
	var keys []domain.BootstrapKey
	err := p.selectAll(ctx, &keys, `SELECT `+keyColumns+` FROM bootstrap_keys ORDER BY created_at, key_id`)
	return keys, err
}

// The use counter only moves while the key is active, unexpired at `at` and
// below its limit, so concurrent approvals can never push it past the limit
// and an expired key is refused whether or not ExpireKeys has run yet.
func (p *SQLProvider) ConsumeKeyUse(ctx context.Context, keyID string, at time.Time) (bool, error) {
	n, err := p.exec(ctx, `UPDATE bootstrap_keys
		SET use_count = use_count + 1,
		    last_used_at = ?,
		    status = CASE
		        WHEN (NOT reusable) OR (max_uses IS NOT NULL AND use_count + 1 >= max_uses) THEN 'exhausted'
		        ELSE status
		    END
		WHERE key_id = ?
		  AND status = 'active'
		  AND (expires_at IS NULL OR expires_at > ?)
		  AND (reusable OR use_count = 0)
		  AND (max_uses IS NULL OR use_count < max_uses)`, at.UTC(), keyID, at.UTC())
	return n == 1, err
}

func (p *SQLProvider) RevokeKey(ctx context.Context, keyID string) (bool, error) {
	n, err := p.exec(ctx, `UPDATE bootstrap_keys SET status = 'revoked' WHERE key_id = ? AND status <> 'revoked'`, keyID)
	return n == 1, err
}

// ExpireKeys marks active keys past their expiry and returns their ids.
func (p *SQLProvider) ExpireKeys(ctx context.Context, now time.Time) ([]string, error) {
	var ids []string
	err := p.selectAll(ctx, &ids, `UPDATE bootstrap_keys SET status = 'expired'
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= ?
		RETURNING key_id`, now.UTC())
	return ids, err
}
