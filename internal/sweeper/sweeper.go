// Package sweeper periodically expires enrollment and connection requests
// that outlived their TTL and samples device liveness.
package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"field-access-control/internal/domain"
	"field-access-control/internal/metrics"
)

type EnrollmentExpirer interface {
	ExpireStaleEnrollments(ctx context.Context) (int, error)
	Stats(ctx context.Context) (*domain.Stats, error)
}

type ConnectionExpirer interface {
	ExpireStaleRequests(ctx context.Context) (int, error)
}

// Result summarizes one pass.
type Result struct {
	Enrollments   int
	Connections   int
	OnlineDevices int
}

type Sweeper struct {
	registry EnrollmentExpirer
	broker   ConnectionExpirer
	interval time.Duration
	logger   *slog.Logger
}

func New(registry EnrollmentExpirer, broker ConnectionExpirer, interval time.Duration) *Sweeper {
	return &Sweeper{
		registry: registry,
		broker:   broker,
		interval: interval,
		logger:   slog.With("component", "sweeper"),
	}
}

// Sweep runs a single pass. A failure in one step does not skip the others.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var res Result
	var errs []error

	n, err := s.registry.ExpireStaleEnrollments(ctx)
	res.Enrollments = n
	metrics.SweepExpired.WithLabelValues(domain.EntityEnrollment).Add(float64(n))
	if err != nil {
		errs = append(errs, err)
	}

	n, err = s.broker.ExpireStaleRequests(ctx)
	res.Connections = n
	metrics.SweepExpired.WithLabelValues(domain.EntityConnection).Add(float64(n))
	if err != nil {
		errs = append(errs, err)
	}

	stats, err := s.registry.Stats(ctx)
	if err != nil {
		errs = append(errs, err)
	} else {
		res.OnlineDevices = stats.OnlineDevices
		metrics.OnlineDevices.Set(float64(stats.OnlineDevices))
	}

	return res, errors.Join(errs...)
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("Starting sweeper", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			res, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("Sweep failed", "error", err)
			}
			if res.Enrollments > 0 || res.Connections > 0 {
				s.logger.Info("Expired stale requests", "enrollments", res.Enrollments, "connections", res.Connections)
			}
		case <-ctx.Done():
			s.logger.Info("Stopping sweeper")
			return
		}
	}
}
