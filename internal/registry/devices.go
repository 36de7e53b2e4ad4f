package registry

import (
	"context"
	"errors"
	"strings"

	"field-access-control/internal/domain"
	"field-access-control/internal/metrics"
	"field-access-control/internal/storage"
	"field-access-control/internal/utils"
)

// DeviceSecret derives the credential a device signs its requests with.
// It is a pure function of the server secret and the device id, so it is
// never stored.
func (r *Registry) DeviceSecret(deviceID string) string {
	return utils.DeriveDeviceSecret(r.secret, deviceID)
}

func (r *Registry) view(d *domain.Device) domain.DeviceView {
	return domain.DeviceView{Device: *d, Online: d.Live(r.clock(), r.livenessTimeout)}
}

func (r *Registry) getDevice(ctx context.Context, deviceID string) (*domain.Device, error) {
	device, err := r.store.GetDevice(ctx, deviceID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.Unavailable("get device", err)
	}
	return device, nil
}

func (r *Registry) GetDevice(ctx context.Context, deviceID string) (*domain.DeviceView, error) {
	device, err := r.getDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	v := r.view(device)
	return &v, nil
}

func (r *Registry) ListDevices(ctx context.Context, status domain.DeviceStatus) ([]domain.DeviceView, error) {
	devices, err := r.store.ListDevices(ctx, status)
	if err != nil {
		return nil, domain.Unavailable("list devices", err)
	}
	views := make([]domain.DeviceView, len(devices))
	for i := range devices {
		views[i] = r.view(&devices[i])
	}
	return views, nil
}

// AuthenticateDevice returns the device and the secret it is expected to
// sign with, whatever its status. Callers decide what a revoked device may do.
func (r *Registry) AuthenticateDevice(ctx context.Context, deviceID string) (*domain.Device, []byte, error) {
	device, err := r.getDevice(ctx, deviceID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil, domain.ErrInvalidCredential
	}
	if err != nil {
		return nil, nil, err
	}
	return device, []byte(r.DeviceSecret(deviceID)), nil
}

// LiveDevice returns the device when it can take a connection right now.
func (r *Registry) LiveDevice(ctx context.Context, deviceID string) (*domain.Device, error) {
	device, err := r.getDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	switch {
	case device.Status == domain.DeviceStatusRevoked:
		return nil, domain.ErrRevoked
	case !device.Live(r.clock(), r.livenessTimeout):
		return nil, domain.ErrDeviceOffline
	}
	return device, nil
}

// ReportLiveness records that an active device is alive. Revoked devices
// are refused and their last_seen_at is left untouched.
func (r *Registry) ReportLiveness(ctx context.Context, deviceID, endpointHint string) (err error) {
	defer func() { metrics.LivenessReports.WithLabelValues(metrics.Outcome(err)).Inc() }()

	touched, err := r.store.TouchDevice(ctx, deviceID, endpointHint, r.clock())
	if err != nil {
		return domain.Unavailable("touch device", err)
	}
	if touched {
		return nil
	}

	device, err := r.getDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if device.Status == domain.DeviceStatusRevoked {
		return domain.ErrRevoked
	}
	return domain.ErrNotFound
}

// RevokeDevice is terminal and idempotent. Pending connection requests for
// the device fail on their next transition.
func (r *Registry) RevokeDevice(ctx context.Context, deviceID, by string) error {
	now := r.clock()
	err := r.store.InTx(ctx, func(s storage.Store) error {
		device, err := s.GetDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		changed, err := s.RevokeDevice(ctx, deviceID, now)
		if err != nil || !changed {
			return err
		}
		return audit(ctx, s, now, domain.EntityDevice, deviceID, "revoke", by,
			string(device.Status), string(domain.DeviceStatusRevoked))
	})
	if errors.Is(err, storage.ErrNotFound) {
		return domain.ErrNotFound
	}
	if err != nil {
		return domain.Classify("revoke device", err)
	}
	r.logger.Info("Device revoked", "device_id", deviceID, "by", by)
	return nil
}

// TagDevice replaces the device's tags. Filter groups pick the change up on
// their next evaluation.
func (r *Registry) TagDevice(ctx context.Context, deviceID string, tags []string, by string) (*domain.DeviceView, error) {
	now := r.clock()
	err := r.store.InTx(ctx, func(s storage.Store) error {
		device, err := s.GetDevice(ctx, deviceID)
		if err != nil {
			return err
		}
		if device.Status == domain.DeviceStatusRevoked {
			return domain.ErrRevoked
		}
		if _, err := s.SetDeviceTags(ctx, deviceID, normalizeTags(tags)); err != nil {
			return err
		}
		return s.AppendAudit(ctx, &domain.AuditEvent{
			EntityType: domain.EntityDevice,
			EntityID:   deviceID,
			Action:     "tag",
			Actor:      by,
			Detail:     strings.Join(normalizeTags(tags), ","),
			At:         now,
		})
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.Classify("tag device", err)
	}
	return r.GetDevice(ctx, deviceID)
}

// Stats counts devices, pending requests and usable keys.
func (r *Registry) Stats(ctx context.Context) (*domain.Stats, error) {
	devices, err := r.store.ListDevices(ctx, "")
	if err != nil {
		return nil, domain.Unavailable("stats", err)
	}
	pending, err := r.ListEnrollments(ctx, domain.EnrollmentPending)
	if err != nil {
		return nil, err
	}
	keys, err := r.store.ListKeys(ctx)
	if err != nil {
		return nil, domain.Unavailable("stats", err)
	}

	now := r.clock()
	stats := &domain.Stats{PendingEnrollments: len(pending)}
	for i := range devices {
		switch devices[i].Status {
		case domain.DeviceStatusActive:
			stats.ActiveDevices++
		case domain.DeviceStatusRevoked:
			stats.RevokedDevices++
		}
		if devices[i].Live(now, r.livenessTimeout) {
			stats.OnlineDevices++
		}
	}
	for i := range keys {
		if keys[i].Usable(now) {
			stats.ActiveKeys++
		}
	}
	return stats, nil
}
