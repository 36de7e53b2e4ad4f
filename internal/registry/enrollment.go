package registry

import (
	"context"
	"errors"
	"strings"
	"time"

	"field-access-control/internal/domain"
	"field-access-control/internal/metrics"
	"field-access-control/internal/storage"
	"field-access-control/internal/utils"
)

// EnrollmentView is what a device sees when polling its request. The device
// secret is present only once the request is approved.
type EnrollmentView struct {
	RequestID    string                  `json:"request_id"`
	Status       domain.EnrollmentStatus `json:"status"`
	DeviceID     string                  `json:"device_id,omitempty"`
	DeviceSecret string                  `json:"device_secret,omitempty"`
	ExpiresAt    time.Time               `json:"expires_at"`
}

// RequestEnrollment opens a pending request for fingerprint. The key's use
// counter is untouched until approval.
func (r *Registry) RequestEnrollment(ctx context.Context, keySecret, fingerprint string, metadata map[string]string) (req *domain.EnrollmentRequest, err error) {
	defer func() { metrics.EnrollmentRequests.WithLabelValues(metrics.Outcome(err)).Inc() }()

	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return nil, domain.Invalid("device fingerprint is required")
	}

	now := r.clock()
	key, err := r.AuthenticateKey(ctx, keySecret)
	if err != nil {
		return nil, err
	}
	if !key.Usable(now) {
		return nil, domain.ErrInvalidCredential
	}

	device, err := r.store.GetDeviceByFingerprint(ctx, fingerprint)
	switch {
	case err == nil && device.Status == domain.DeviceStatusRevoked:
		return nil, domain.ErrRevoked
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return nil, domain.Unavailable("get device", err)
	}

	req = &domain.EnrollmentRequest{
		RequestID:         utils.GenerateID(utils.PrefixEnrollment),
		BootstrapKeyID:    key.KeyID,
		DeviceFingerprint: fingerprint,
		DeclaredMetadata:  domain.Metadata(metadata),
		Status:            domain.EnrollmentPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(r.enrollmentTTL),
	}

	err = r.store.InTx(ctx, func(s storage.Store) error {
		existing, err := s.FindPendingEnrollment(ctx, fingerprint)
		switch {
		case err == nil && existing.PastDeadline(now):
			// A stale request must not block the fingerprint forever.
			if err := expireEnrollment(ctx, s, existing.RequestID, now); err != nil {
				return err
			}
		case err == nil:
			return domain.ErrDuplicatePending
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		if err := s.CreateEnrollment(ctx, req); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				return domain.ErrDuplicatePending
			}
			return err
		}
		return audit(ctx, s, now, domain.EntityEnrollment, req.RequestID, "request", key.KeyID, "", string(domain.EnrollmentPending))
	})
	if err != nil {
		return nil, domain.Classify("request enrollment", err)
	}

	r.logger.Info("Enrollment requested", "request_id", req.RequestID, "key_id", key.KeyID, "fingerprint", fingerprint)
	if r.listener != nil {
		r.listener.EnrollmentPending(ctx, req)
	}
	return req, nil
}

func expireEnrollment(ctx context.Context, s storage.Store, requestID string, now time.Time) error {
	changed, err := s.ResolveEnrollment(ctx, requestID, domain.EnrollmentExpired, SystemActor, "", now)
	if err != nil || !changed {
		return err
	}
	return audit(ctx, s, now, domain.EntityEnrollment, requestID, "expire", SystemActor,
		string(domain.EnrollmentPending), string(domain.EnrollmentExpired))
}

// GetEnrollment returns the request, expiring it first when its TTL passed.
func (r *Registry) GetEnrollment(ctx context.Context, requestID string) (*domain.EnrollmentRequest, error) {
	req, err := r.store.GetEnrollment(ctx, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, domain.Unavailable("get enrollment", err)
	}

	now := r.clock()
	if !req.PastDeadline(now) {
		return req, nil
	}
	err = r.store.InTx(ctx, func(s storage.Store) error {
		return expireEnrollment(ctx, s, requestID, now)
	})
	if err != nil {
		return nil, domain.Unavailable("expire enrollment", err)
	}
	req, err = r.store.GetEnrollment(ctx, requestID)
	return req, domain.Classify("get enrollment", err)
}

func (r *Registry) ListEnrollments(ctx context.Context, status domain.EnrollmentStatus) ([]domain.EnrollmentRequest, error) {
	// Pending rows past their TTL are reported as expired, so filter here.
	reqs, err := r.store.ListEnrollments(ctx, "")
	if err != nil {
		return nil, domain.Unavailable("list enrollments", err)
	}
	now := r.clock()
	for i := range reqs {
		if reqs[i].PastDeadline(now) {
			reqs[i].Status = domain.EnrollmentExpired
		}
	}
	if status != "" {
		filtered := reqs[:0]
		for _, req := range reqs {
			if req.Status == status {
				filtered = append(filtered, req)
			}
		}
		reqs = filtered
	}
	return reqs, nil
}

// EnrollmentStatus is the device side poll. The caller proves possession of
// the key used for the request and of the fingerprint.
func (r *Registry) EnrollmentStatus(ctx context.Context, requestID, keySecret, fingerprint string) (*EnrollmentView, error) {
	key, err := r.AuthenticateKey(ctx, keySecret)
	if err != nil {
		return nil, err
	}
	req, err := r.GetEnrollment(ctx, requestID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrInvalidCredential
	}
	if err != nil {
		return nil, err
	}
	if req.BootstrapKeyID != key.KeyID || req.DeviceFingerprint != fingerprint {
		return nil, domain.ErrInvalidCredential
	}

	view := &EnrollmentView{
		RequestID: req.RequestID,
		Status:    req.Status,
		DeviceID:  req.DeviceID,
		ExpiresAt: req.ExpiresAt,
	}
	if req.Status == domain.EnrollmentApproved {
		device, err := r.store.GetDevice(ctx, req.DeviceID)
		if err != nil {
			return nil, domain.Classify("get device", err)
		}
		if device.Status == domain.DeviceStatusRevoked {
			return nil, domain.ErrRevoked
		}
		view.DeviceSecret = r.DeviceSecret(req.DeviceID)
	}
	return view, nil
}

// DecideEnrollment approves or rejects a pending request. Approval consumes
// one use of the request's key and creates or reactivates the device in the
// same transaction; if the key has no use left nothing changes and the
// request stays pending.
func (r *Registry) DecideEnrollment(ctx context.Context, requestID string, decision domain.Decision, decidedBy string) (device *domain.Device, err error) {
	defer func() {
		metrics.EnrollmentDecisions.WithLabelValues(string(decision), metrics.Outcome(err)).Inc()
	}()

	if !decision.Valid() {
		return nil, domain.Invalid("decision must be approve or reject")
	}

	now := r.clock()
	expired := false

	err = r.store.InTx(ctx, func(s storage.Store) error {
		req, err := s.GetEnrollment(ctx, requestID)
		if err != nil {
			return err
		}
		if err := decidable(req); err != nil {
			return err
		}
		if req.PastDeadline(now) {
			expired = true
			return expireEnrollment(ctx, s, requestID, now)
		}

		if decision == domain.DecisionReject {
			if err := r.resolve(ctx, s, req, domain.EnrollmentRejected, decidedBy, "", now); err != nil {
				return err
			}
			return nil
		}

		consumed, err := s.ConsumeKeyUse(ctx, req.BootstrapKeyID, now)
		if err != nil {
			return err
		}
		if !consumed {
			return domain.ErrKeyExhausted
		}
		key, err := s.GetKey(ctx, req.BootstrapKeyID)
		if err != nil {
			return err
		}
		if key.Status == domain.KeyStatusExhausted {
			if err := audit(ctx, s, now, domain.EntityBootstrapKey, key.KeyID, "exhaust", decidedBy,
				string(domain.KeyStatusActive), string(domain.KeyStatusExhausted)); err != nil {
				return err
			}
		}

		device, err = r.admitDevice(ctx, s, req, key, decidedBy, now)
		if err != nil {
			return err
		}
		return r.resolve(ctx, s, req, domain.EnrollmentApproved, decidedBy, device.DeviceID, now)
	})

	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, domain.ErrNotFound
	case err != nil:
		return nil, domain.Classify("decide enrollment", err)
	case expired:
		return nil, domain.ErrExpired
	}

	r.logger.Info("Enrollment decided", "request_id", requestID, "decision", decision, "by", decidedBy)
	return device, nil
}

func decidable(req *domain.EnrollmentRequest) error {
	switch req.Status {
	case domain.EnrollmentPending:
		return nil
	case domain.EnrollmentExpired:
		return domain.ErrExpired
	default:
		return domain.ErrAlreadyDecided
	}
}

// resolve is the compare-and-swap out of Pending. Losing the race reports
// whatever terminal state the winner produced.
func (r *Registry) resolve(ctx context.Context, s storage.Store, req *domain.EnrollmentRequest, to domain.EnrollmentStatus, by, deviceID string, now time.Time) error {
	changed, err := s.ResolveEnrollment(ctx, req.RequestID, to, by, deviceID, now)
	if err != nil {
		return err
	}
	if !changed {
		current, err := s.GetEnrollment(ctx, req.RequestID)
		if err != nil {
			return err
		}
		if err := decidable(current); err != nil {
			return err
		}
		return domain.ErrAlreadyDecided
	}
	return audit(ctx, s, now, domain.EntityEnrollment, req.RequestID, string(to), by,
		string(domain.EnrollmentPending), string(to))
}

// admitDevice creates the device for an approved request, or reactivates the
// existing record holding the same fingerprint.
func (r *Registry) admitDevice(ctx context.Context, s storage.Store, req *domain.EnrollmentRequest, key *domain.BootstrapKey, by string, now time.Time) (*domain.Device, error) {
	existing, err := s.GetDeviceByFingerprint(ctx, req.DeviceFingerprint)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if existing != nil {
		if existing.Status == domain.DeviceStatusRevoked {
			return nil, domain.ErrRevoked
		}
		prior := existing.Status
		existing.Status = domain.DeviceStatusActive
		existing.Metadata = req.DeclaredMetadata
		existing.Tags = domain.Strings(normalizeTags(append(existing.Tags, key.Tags...)))
		existing.EnrolledAt = now
		changed, err := s.ReactivateDevice(ctx, existing)
		if err != nil {
			return nil, err
		}
		if !changed {
			return nil, domain.ErrRevoked
		}
		if err := audit(ctx, s, now, domain.EntityDevice, existing.DeviceID, "reactivate", by, string(prior), string(domain.DeviceStatusActive)); err != nil {
			return nil, err
		}
		return existing, nil
	}

	device := &domain.Device{
		DeviceID:    utils.GenerateID(utils.PrefixDevice),
		Fingerprint: req.DeviceFingerprint,
		Status:      domain.DeviceStatusActive,
		Metadata:    req.DeclaredMetadata,
		Tags:        key.Tags,
		CreatedAt:   now,
		EnrolledAt:  now,
	}
	if err := s.CreateDevice(ctx, device); err != nil {
		return nil, err
	}
	if err := audit(ctx, s, now, domain.EntityDevice, device.DeviceID, "enroll", by, "", string(domain.DeviceStatusActive)); err != nil {
		return nil, err
	}
	return device, nil
}

// ExpireStaleEnrollments expires every pending request past its TTL and
// marks expired keys. Each record is handled independently; a failure leaves
// the rest for the next pass.
func (r *Registry) ExpireStaleEnrollments(ctx context.Context) (int, error) {
	now := r.clock()

	overdue, err := r.store.ListOverdueEnrollments(ctx, now)
	if err != nil {
		return 0, domain.Unavailable("list overdue enrollments", err)
	}

	var errs []error
	count := 0
	for _, req := range overdue {
		err := r.store.InTx(ctx, func(s storage.Store) error {
			return expireEnrollment(ctx, s, req.RequestID, now)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		count++
	}

	err = r.store.InTx(ctx, func(s storage.Store) error {
		ids, err := s.ExpireKeys(ctx, now)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := audit(ctx, s, now, domain.EntityBootstrapKey, id, "expire", SystemActor,
				string(domain.KeyStatusActive), string(domain.KeyStatusExpired)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return count, domain.Unavailable("expire enrollments", errors.Join(errs...))
	}
	return count, nil
}
