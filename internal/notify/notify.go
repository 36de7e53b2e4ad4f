// Package notify carries best effort push notifications to devices. Devices
// that miss a push find the same work by polling, so nothing here is durable.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"field-access-control/internal/config"

	"github.com/redis/go-redis/v9"
)

// ErrNoListener is returned when no channel for the device is open.
var ErrNoListener = errors.New("no listener for device")

const (
	EventConnectionRequested = "connection_requested"
	EventConnectionClosed    = "connection_closed"
)

type Event struct {
	Type      string    `json:"type"`
	DeviceID  string    `json:"device_id"`
	RequestID string    `json:"request_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	At        time.Time `json:"at"`
}

// Notifier delivers an event to the device's control channel.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Hub is a Notifier whose events can be received by subscribing.
type Hub interface {
	Notifier
	// Subscribe opens a channel for the device. The returned func closes it.
	Subscribe(ctx context.Context, deviceID string) (<-chan Event, func(), error)
	Close() error
}

// NewHub returns the hub configured by notify.backend.
func NewHub(cfg *config.Config, rdb *redis.Client) (Hub, error) {
	switch cfg.Notify.Backend {
	case "", "memory":
		return NewMemoryHub(), nil
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("redis notify backend requires a redis client")
		}
		return NewRedisHub(rdb), nil
	default:
		return nil, fmt.Errorf("unknown notify backend %q", cfg.Notify.Backend)
	}
}
