// Package broker matches an operator's connection offer with the target
// device's answer.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"field-access-control/internal/config"
	"field-access-control/internal/domain"
	"field-access-control/internal/metrics"
	"field-access-control/internal/notify"
	"field-access-control/internal/storage"
	"field-access-control/internal/utils"
)

const systemActor = "system"

// Authorizer answers per device permission checks.
type Authorizer interface {
	Authorize(ctx context.Context, userID, deviceID string, perm domain.Permission) (bool, error)
}

// DeviceDirectory reports whether a device can take a connection now.
type DeviceDirectory interface {
	LiveDevice(ctx context.Context, deviceID string) (*domain.Device, error)
}

type Broker struct {
	store       storage.Provider
	authz       Authorizer
	devices     DeviceDirectory
	notifier    notify.Notifier
	requestTTL  time.Duration
	pushTimeout time.Duration

	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Broker)

func WithClock(now func() time.Time) Option {
	return func(b *Broker) { b.now = now }
}

func New(store storage.Provider, authz Authorizer, devices DeviceDirectory, notifier notify.Notifier, cfg config.BrokerConfig, opts ...Option) *Broker {
	b := &Broker{
		store:       store,
		authz:       authz,
		devices:     devices,
		notifier:    notifier,
		requestTTL:  cfg.RequestTTL,
		pushTimeout: cfg.PushTimeout,
		now:         time.Now,
		logger:      slog.With("component", "broker"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) clock() time.Time {
	return b.now().UTC()
}

func audit(ctx context.Context, s storage.AuditRepository, at time.Time, id, action, actor string, prior, next domain.ConnectionStatus) error {
	return s.AppendAudit(ctx, &domain.AuditEvent{
		EntityType:  domain.EntityConnection,
		EntityID:    id,
		Action:      action,
		Actor:       actor,
		PriorStatus: string(prior),
		NewStatus:   string(next),
		At:          at,
	})
}

// transition is a status compare-and-swap with its audit row.
func transition(ctx context.Context, s storage.Store, at time.Time, id, action, actor string, from, to domain.ConnectionStatus) (bool, error) {
	changed, err := s.TransitionConnection(ctx, id, from, to)
	if err != nil || !changed {
		return false, err
	}
	return true, audit(ctx, s, at, id, action, actor, from, to)
}

func notFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return domain.ErrNotFound
	}
	return err
}

// OpenConnection creates a pending request for a live device the user may
// connect to, then pushes a notification to the device. The push is best
// effort; the device also finds the request by polling.
func (b *Broker) OpenConnection(ctx context.Context, userID, deviceID string, offer []byte) (req *domain.ConnectionRequest, err error) {
	defer func() { metrics.ConnectionTransitions.WithLabelValues("open", metrics.Outcome(err)).Inc() }()

	if len(offer) == 0 {
		return nil, domain.Invalid("offer payload is required")
	}

	allowed, err := b.authz.Authorize(ctx, userID, deviceID, domain.PermDeviceConnect)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, domain.ErrForbidden
	}

	if _, err := b.devices.LiveDevice(ctx, deviceID); err != nil {
		switch domain.KindOf(err) {
		case domain.KindNotFound, domain.KindRevoked, domain.KindDeviceOffline:
			return nil, domain.ErrDeviceOffline
		}
		return nil, err
	}

	now := b.clock()
	req = &domain.ConnectionRequest{
		RequestID:       utils.GenerateID(utils.PrefixConnection),
		RequesterUserID: userID,
		TargetDeviceID:  deviceID,
		OfferPayload:    offer,
		Status:          domain.ConnectionPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(b.requestTTL),
	}
	err = b.store.InTx(ctx, func(s storage.Store) error {
		if err := s.CreateConnection(ctx, req); err != nil {
			return err
		}
		return audit(ctx, s, now, req.RequestID, "open", userID, "", domain.ConnectionPending)
	})
	if err != nil {
		return nil, domain.Classify("open connection", err)
	}

	// The device may have been revoked between the liveness check and the
	// insert. Deny instead of notifying a device that may no longer connect.
	device, err := b.store.GetDevice(ctx, deviceID)
	if err != nil || device.Status != domain.DeviceStatusActive {
		if err := b.deny(ctx, req); err != nil {
			return nil, err
		}
		return nil, domain.ErrDeviceOffline
	}

	b.push(ctx, notify.Event{
		Type:      notify.EventConnectionRequested,
		DeviceID:  deviceID,
		RequestID: req.RequestID,
		ExpiresAt: req.ExpiresAt,
		At:        now,
	})

	b.logger.Info("Connection requested", "request_id", req.RequestID, "user_id", userID, "device_id", deviceID)
	return req, nil
}

func (b *Broker) deny(ctx context.Context, req *domain.ConnectionRequest) error {
	now := b.clock()
	err := b.store.InTx(ctx, func(s storage.Store) error {
		_, err := transition(ctx, s, now, req.RequestID, "deny", systemActor, domain.ConnectionPending, domain.ConnectionDenied)
		return err
	})
	if err != nil {
		return domain.Unavailable("deny connection", err)
	}
	req.Status = domain.ConnectionDenied
	b.logger.Warn("Connection denied after admission", "request_id", req.RequestID, "device_id", req.TargetDeviceID)
	return nil
}

// push delivers within the push timeout and never fails the caller. A
// device that misses it finds the request on its next poll.
func (b *Broker) push(ctx context.Context, ev notify.Event) {
	if b.notifier == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.pushTimeout)
	defer cancel()

	err := b.notifier.Notify(pctx, ev)
	switch {
	case err == nil:
		metrics.PushDeliveries.WithLabelValues("delivered").Inc()
	case errors.Is(err, notify.ErrNoListener):
		metrics.PushDeliveries.WithLabelValues("no_listener").Inc()
		b.logger.Debug("No push listener for device", "device_id", ev.DeviceID, "request_id", ev.RequestID)
	default:
		metrics.PushDeliveries.WithLabelValues("failed").Inc()
		b.logger.Warn("Push notification failed, device will poll", "device_id", ev.DeviceID, "request_id", ev.RequestID, "error", err)
	}
}

// SubmitAnswer stores the device's answer to a pending request addressed to
// it.
func (b *Broker) SubmitAnswer(ctx context.Context, requestID, deviceID string, answer []byte) (err error) {
	defer func() { metrics.ConnectionTransitions.WithLabelValues("answer", metrics.Outcome(err)).Inc() }()

	if len(answer) == 0 {
		return domain.Invalid("answer payload is required")
	}

	now := b.clock()
	expired := false
	err = b.store.InTx(ctx, func(s storage.Store) error {
		req, err := s.GetConnection(ctx, requestID)
		if err != nil {
			return notFound(err)
		}
		if req.TargetDeviceID != deviceID {
			return domain.ErrWrongDevice
		}
		device, err := s.GetDevice(ctx, deviceID)
		if err != nil {
			return notFound(err)
		}
		if device.Status == domain.DeviceStatusRevoked {
			return domain.ErrRevoked
		}

		if req.Status == domain.ConnectionPending && req.PastDeadline(now) {
			expired = true
			_, err := transition(ctx, s, now, requestID, "expire", systemActor, domain.ConnectionPending, domain.ConnectionExpired)
			return err
		}
		if req.Status != domain.ConnectionPending {
			return domain.ErrNotPending
		}

		answered, err := s.AnswerConnection(ctx, requestID, answer, now)
		if err != nil {
			return err
		}
		if !answered {
			return domain.ErrNotPending
		}
		return audit(ctx, s, now, requestID, "answer", deviceID, domain.ConnectionPending, domain.ConnectionAnswered)
	})
	if err != nil {
		return domain.Classify("submit answer", err)
	}
	if expired {
		return domain.ErrExpired
	}

	b.logger.Info("Connection answered", "request_id", requestID, "device_id", deviceID)
	return nil
}

// CompleteConnection hands the requester the matched offer and answer.
// Repeating the call returns the same descriptor.
func (b *Broker) CompleteConnection(ctx context.Context, requestID, userID string) (desc *domain.SessionDescriptor, err error) {
	defer func() { metrics.ConnectionTransitions.WithLabelValues("complete", metrics.Outcome(err)).Inc() }()

	now := b.clock()
	var req *domain.ConnectionRequest
	expired := false
	err = b.store.InTx(ctx, func(s storage.Store) error {
		req, err = s.GetConnection(ctx, requestID)
		if err != nil {
			return notFound(err)
		}
		if req.RequesterUserID != userID {
			return domain.ErrForbidden
		}

		switch req.Status {
		case domain.ConnectionCompleted:
			return nil
		case domain.ConnectionExpired:
			return domain.ErrExpired
		case domain.ConnectionDenied:
			return domain.ErrDeviceOffline
		}

		if req.PastDeadline(now) {
			expired = true
			_, err := transition(ctx, s, now, requestID, "expire", systemActor, req.Status, domain.ConnectionExpired)
			return err
		}
		if req.Status == domain.ConnectionPending {
			return domain.ErrNotAnswered
		}

		hint := ""
		device, err := s.GetDevice(ctx, req.TargetDeviceID)
		switch {
		case err == nil:
			hint = device.EndpointHint
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}
		completed, err := s.CompleteConnection(ctx, requestID, hint, now)
		if err != nil {
			return err
		}
		if !completed {
			return domain.ErrNotAnswered
		}
		if err := audit(ctx, s, now, requestID, "complete", userID, domain.ConnectionAnswered, domain.ConnectionCompleted); err != nil {
			return err
		}
		req, err = s.GetConnection(ctx, requestID)
		return err
	})
	if err != nil {
		return nil, domain.Classify("complete connection", err)
	}
	if expired {
		return nil, domain.ErrExpired
	}
	return descriptor(req), nil
}

// descriptor is built from the completed row alone, so every call for the
// same request returns the same value.
func descriptor(req *domain.ConnectionRequest) *domain.SessionDescriptor {
	desc := &domain.SessionDescriptor{
		RequestID:    req.RequestID,
		UserID:       req.RequesterUserID,
		DeviceID:     req.TargetDeviceID,
		Offer:        req.OfferPayload,
		Answer:       req.AnswerPayload,
		EndpointHint: req.EndpointHint,
	}
	if req.CompletedAt != nil {
		desc.CompletedAt = *req.CompletedAt
	}
	return desc
}

// ExpireStaleRequests moves every pending or answered request past its TTL
// to Expired. Each request is its own compare-and-swap, so a racing answer or
// completion either wins before the sweep or is refused after it.
func (b *Broker) ExpireStaleRequests(ctx context.Context) (int, error) {
	now := b.clock()
	overdue, err := b.store.ListOverdueConnections(ctx, now)
	if err != nil {
		return 0, domain.Unavailable("list overdue connections", err)
	}

	var errs []error
	count := 0
	for _, req := range overdue {
		var changed bool
		err := b.store.InTx(ctx, func(s storage.Store) error {
			var err error
			changed, err = transition(ctx, s, now, req.RequestID, "expire", systemActor, req.Status, domain.ConnectionExpired)
			return err
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			count++
		}
	}
	metrics.ConnectionTransitions.WithLabelValues("expire", metrics.Outcome(errors.Join(errs...))).Add(float64(count))

	if len(errs) > 0 {
		return count, domain.Unavailable("expire connections", errors.Join(errs...))
	}
	return count, nil
}

// view reports a request past its TTL as expired even before the sweeper
// persists it.
func (b *Broker) view(req *domain.ConnectionRequest) *domain.ConnectionRequest {
	if req.PastDeadline(b.clock()) {
		req.Status = domain.ConnectionExpired
	}
	return req
}

// GetConnection returns a request to the user who opened it.
func (b *Broker) GetConnection(ctx context.Context, requestID, userID string) (*domain.ConnectionRequest, error) {
	req, err := b.store.GetConnection(ctx, requestID)
	if err != nil {
		return nil, domain.Classify("get connection", notFound(err))
	}
	if req.RequesterUserID != userID {
		return nil, domain.ErrForbidden
	}
	return b.view(req), nil
}

// GetConnectionForDevice returns a request to the device it targets.
func (b *Broker) GetConnectionForDevice(ctx context.Context, requestID, deviceID string) (*domain.ConnectionRequest, error) {
	req, err := b.store.GetConnection(ctx, requestID)
	if err != nil {
		return nil, domain.Classify("get connection", notFound(err))
	}
	if req.TargetDeviceID != deviceID {
		return nil, domain.ErrWrongDevice
	}
	return b.view(req), nil
}

// PendingForDevice is the poll fallback for missed pushes.
func (b *Broker) PendingForDevice(ctx context.Context, deviceID string) ([]domain.ConnectionRequest, error) {
	reqs, err := b.store.ListPendingConnections(ctx, deviceID, b.clock())
	if err != nil {
		return nil, domain.Unavailable("list pending connections", err)
	}
	if reqs == nil {
		reqs = []domain.ConnectionRequest{}
	}
	return reqs, nil
}

// ListConnections lists requests opened by userID, or all when it is empty.
func (b *Broker) ListConnections(ctx context.Context, userID string) ([]domain.ConnectionRequest, error) {
	reqs, err := b.store.ListConnections(ctx, userID)
	if err != nil {
		return nil, domain.Unavailable("list connections", err)
	}
	for i := range reqs {
		b.view(&reqs[i])
	}
	return reqs, nil
}
