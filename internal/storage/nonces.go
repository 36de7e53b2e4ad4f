package storage

import (
	"context"
	"time"
)

func (p *SQLProvider) CreateNonce(ctx context.Context, nonce string, expiresAt time.Time) error {
	_, err := p.exec(ctx, `INSERT INTO nonces (nonce, expires_at) VALUES (?, ?)`, nonce, expiresAt.UTC())
	return err
}

// ClaimNonce first clears an expired copy so a reused value can be claimed
// again once its previous lifetime is over.
func (p *SQLProvider) ClaimNonce(ctx context.Context, nonce string, expiresAt, now time.Time) (bool, error) {
	if _, err := p.exec(ctx, `DELETE FROM nonces WHERE nonce = ? AND expires_at <= ?`, nonce, now.UTC()); err != nil {
		return false, err
	}
	n, err := p.exec(ctx, `INSERT INTO nonces (nonce, expires_at) VALUES (?, ?) ON CONFLICT (nonce) DO NOTHING`,
		nonce, expiresAt.UTC())
	return n == 1, err
}

func (p *SQLProvider) ConsumeNonce(ctx context.Context, nonce string, now time.Time) (bool, error) {
	n, err := p.exec(ctx, `DELETE FROM nonces WHERE nonce = ? AND expires_at > ?`, nonce, now.UTC())
	return n == 1, err
}

func (p *SQLProvider) ExpireNonces(ctx context.Context, now time.Time) (int64, error) {
	return p.exec(ctx, `DELETE FROM nonces WHERE expires_at <= ?`, now.UTC())
}
