package storage

import (
	"context"
	"time"

	"field-access-control/internal/domain"
)

const connectionColumns = `request_id, requester_user_id, target_device_id, offer_payload, answer_payload, status, created_at, expires_at, answered_at, completed_at, endpoint_hint`

func (p *SQLProvider) CreateConnection(ctx context.Context, req *domain.ConnectionRequest) error {
	return p.insert(ctx, `INSERT INTO connection_requests (`+connectionColumns+`)
		VALUES (:request_id, :requester_user_id, :target_device_id, :offer_payload, :answer_payload, :status, :created_at, :expires_at, :answered_at, :completed_at, :endpoint_hint)`, req)
}

func (p *SQLProvider) GetConnection(ctx context.Context, requestID string) (*domain.ConnectionRequest, error) {
	var req domain.ConnectionRequest
	if err := p.get(ctx, &req, `SELECT `+connectionColumns+` FROM connection_requests WHERE request_id = ?`, requestID); err != nil {
		return nil, err
	}
	return &req, nil
}

func (p *SQLProvider) ListPendingConnections(ctx context.Context, deviceID string, now time.Time) ([]domain.ConnectionRequest, error) {
	var reqs []domain.ConnectionRequest
	err := p.selectAll(ctx, &reqs, `SELECT `+connectionColumns+` FROM connection_requests
		WHERE target_device_id = ? AND status = 'pending' AND expires_at > ?
		ORDER BY created_at, request_id`, deviceID, now.UTC())
	return reqs, err
}

// ListConnections returns the requests made by userID, or every request when
// userID is empty.
func (p *SQLProvider) ListConnections(ctx context.Context, userID string) ([]domain.ConnectionRequest, error) {
	var reqs []domain.ConnectionRequest
	var err error
	if userID == "" {
		err = p.selectAll(ctx, &reqs, `SELECT `+connectionColumns+` FROM connection_requests ORDER BY created_at DESC`)
	} else {
		err = p.selectAll(ctx, &reqs, `SELECT `+connectionColumns+` FROM connection_requests
			WHERE requester_user_id = ? ORDER BY created_at DESC`, userID)
	}
	return reqs, err
}

func (p *SQLProvider) AnswerConnection(ctx context.Context, requestID string, answer []byte, at time.Time) (bool, error) {
	n, err := p.exec(ctx, `UPDATE connection_requests
		SET status = 'answered', answer_payload = ?, answered_at = ?
		WHERE request_id = ? AND status = 'pending' AND expires_at > ?`, answer, at.UTC(), requestID, at.UTC())
	return n == 1, err
}

// CompleteConnection stores endpointHint with the completion so the session
// descriptor never changes afterwards.
func (p *SQLProvider) CompleteConnection(ctx context.Context, requestID, endpointHint string, at time.Time) (bool, error) {
	n, err := p.exec(ctx, `UPDATE connection_requests
		SET status = 'completed', completed_at = ?, endpoint_hint = ?
		WHERE request_id = ? AND status = 'answered' AND expires_at > ?`, at.UTC(), endpointHint, requestID, at.UTC())
	return n == 1, err
}

func (p *SQLProvider) TransitionConnection(ctx context.Context, requestID string, from, to domain.ConnectionStatus) (bool, error) {
	n, err := p.exec(ctx, `UPDATE connection_requests SET status = ? WHERE request_id = ? AND status = ?`,
		string(to), requestID, string(from))
	return n == 1, err
}

// ListOverdueConnections returns non-terminal requests whose deadline passed.
func (p *SQLProvider) ListOverdueConnections(ctx context.Context, now time.Time) ([]domain.ConnectionRequest, error) {
	var reqs []domain.ConnectionRequest
	err := p.selectAll(ctx, &reqs, `SELECT `+connectionColumns+` FROM connection_requests
		WHERE status IN ('pending', 'answered') AND expires_at <= ? ORDER BY expires_at`, now.UTC())
	return reqs, err
}
