package storage

import (
	"context"
	"time"

	"field-access-control/internal/domain"
)

const enrollmentColumns = `request_id, bootstrap_key_id, fingerprint, metadata, status, created_at, expires_at, decided_at, decided_by, device_id`

func (p *SQLProvider) CreateEnrollment(ctx context.Context, req *domain.EnrollmentRequest) error {
	return p.insert(ctx, `INSERT INTO enrollment_requests (`+enrollmentColumns+`)
		VALUES (:request_id, :bootstrap_key_id, :fingerprint, :metadata, :status, :created_at, :expires_at, :decided_at, :decided_by, :device_id)`, req)
}

func (p *SQLProvider) GetEnrollment(ctx context.Context, requestID string) (*domain.EnrollmentRequest, error) {
	var req domain.EnrollmentRequest
	if err := p.get(ctx, &req, `SELECT `+enrollmentColumns+` FROM enrollment_requests WHERE request_id = ?`, requestID); err != nil {
		return nil, err
	}
	return &req, nil
}

func (p *SQLProvider) FindPendingEnrollment(ctx context.Context, fingerprint string) (*domain.EnrollmentRequest, error) {
	var req domain.EnrollmentRequest
	err := p.get(ctx, &req, `SELECT `+enrollmentColumns+` FROM enrollment_requests
		WHERE fingerprint = ? AND status = 'pending'`, fingerprint)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (p *SQLProvider) ListEnrollments(ctx context.Context, status domain.EnrollmentStatus) ([]domain.EnrollmentRequest, error) {
	var reqs []domain.EnrollmentRequest
	var err error
	if status == "" {
		err = p.selectAll(ctx, &reqs, `SELECT `+enrollmentColumns+` FROM enrollment_requests ORDER BY created_at, request_id`)
	} else {
		err = p.selectAll(ctx, &reqs, `SELECT `+enrollmentColumns+` FROM enrollment_requests
			WHERE status = ? ORDER BY created_at, request_id`, string(status))
	}
	return reqs, err
}

func (p *SQLProvider) ResolveEnrollment(ctx context.Context, requestID string, to domain.EnrollmentStatus, decidedBy, deviceID string, at time.Time) (bool, error) {
	n, err := p.exec(ctx, `UPDATE enrollment_requests
		SET status = ?, decided_at = ?, decided_by = ?, device_id = ?
		WHERE request_id = ? AND status = 'pending'`, string(to), at.UTC(), decidedBy, deviceID, requestID)
	return n == 1, err
}

func (p *SQLProvider) ListOverdueEnrollments(ctx context.Context, now time.Time) ([]domain.EnrollmentRequest, error) {
	var reqs []domain.EnrollmentRequest
	err := p.selectAll(ctx, &reqs, `SELECT `+enrollmentColumns+` FROM enrollment_requests
		WHERE status = 'pending' AND expires_at <= ? ORDER BY expires_at`, now.UTC())
	return reqs, err
}
