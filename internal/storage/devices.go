package storage

import (
	"context"
	"time"

	"field-access-control/internal/domain"
)

const deviceColumns = `device_id, fingerprint, status, metadata, tags, last_seen_at, endpoint_hint, created_at, enrolled_at, revoked_at`

func (p *SQLProvider) CreateDevice(ctx context.Context, device *domain.Device) error {
	return p.insert(ctx, `INSERT INTO devices (`+deviceColumns+`)
		VALUES (:device_id, :fingerprint, :status, :metadata, :tags, :last_seen_at, :endpoint_hint, :created_at, :enrolled_at, :revoked_at)`, device)
}

func (p *SQLProvider) GetDevice(ctx context.Context, deviceID string) (*domain.Device, error) {
	var device domain.Device
	if err := p.get(ctx, &device, `SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, deviceID); err != nil {
		return nil, err
	}
	return &device, nil
}

func (p *SQLProvider) GetDeviceByFingerprint(ctx context.Context, fingerprint string) (*domain.Device, error) {
	var device domain.Device
	if err := p.get(ctx, &device, `SELECT `+deviceColumns+` FROM devices WHERE fingerprint = ?`, fingerprint); err != nil {
		return nil, err
	}
	return &device, nil
}

func (p *SQLProvider) ListDevices(ctx context.Context, status domain.DeviceStatus) ([]domain.Device, error) {
	var devices []domain.Device
	var err error
	if status == "" {
		err = p.selectAll(ctx, &devices, `SELECT `+deviceColumns+` FROM devices ORDER BY enrolled_at, device_id`)
	} else {
		err = p.selectAll(ctx, &devices, `SELECT `+deviceColumns+` FROM devices
			WHERE status = ? ORDER BY enrolled_at, device_id`, string(status))
	}
	return devices, err
}

func (p *SQLProvider) ReactivateDevice(ctx context.Context, device *domain.Device) (bool, error) {
	n, err := p.exec(ctx, `UPDATE devices
		SET status = 'active', metadata = ?, tags = ?, enrolled_at = ?
		WHERE device_id = ? AND status <> 'revoked'`,
		device.Metadata, device.Tags, device.EnrolledAt.UTC(), device.DeviceID)
	return n == 1, err
}

func (p *SQLProvider) TouchDevice(ctx context.Context, deviceID, endpointHint string, at time.Time) (bool, error) {
	var (
		n   int64
		err error
	)
	if endpointHint == "" {
		n, err = p.exec(ctx, `UPDATE devices SET last_seen_at = ? WHERE device_id = ? AND status = 'active'`,
			at.UTC(), deviceID)
	} else {
		n, err = p.exec(ctx, `UPDATE devices SET last_seen_at = ?, endpoint_hint = ? WHERE device_id = ? AND status = 'active'`,
			at.UTC(), endpointHint, deviceID)
	}
	return n == 1, err
}

func (p *SQLProvider) RevokeDevice(ctx context.Context, deviceID string, at time.Time) (bool, error) {
	n, err := p.exec(ctx, `UPDATE devices SET status = 'revoked', revoked_at = ?
		WHERE device_id = ? AND status <> 'revoked'`, at.UTC(), deviceID)
	return n == 1, err
}

func (p *SQLProvider) SetDeviceTags(ctx context.Context, deviceID string, tags []string) (bool, error) {
	n, err := p.exec(ctx, `UPDATE devices SET tags = ? WHERE device_id = ? AND status <> 'revoked'`,
		domain.Strings(tags), deviceID)
	return n == 1, err
}
