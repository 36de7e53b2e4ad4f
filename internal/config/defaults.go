package config

import "time"

var defaults = map[string]any{
	"secret":    "",
	"log_level": "info",
	"listen":    ":8080",
	"base_url":  "/",

	"allowed_networks": "",

	"auth.token_ttl": 8 * time.Hour,
	"auth.otp_ttl":   10 * time.Minute,

	"registry.enrollment_ttl":   24 * time.Hour,
	"registry.liveness_timeout": 90 * time.Second,

	"broker.request_ttl":  5 * time.Minute,
	"broker.push_timeout": 2 * time.Second,

	"sweeper.interval": 60 * time.Second,

	"signature.max_skew": 2 * time.Minute,

	"nonce_store":    "memory",
	"notify.backend": "memory",

	"redis.addr":     "localhost:6379",
	"redis.password": "",
	"redis.db":       0,

	"rbac.policy_file": "",
	"rbac.admins":      []string{},

	"email.host":          "host.docker.internal",
	"email.port":          25,
	"email.username":      "",
	"email.password":      "",
	"email.from":          "noreply@example.com",
	"email.notify_admins": false,

	"metrics.enabled": true,

	"storage.type":         "sqlite",
	"storage.local.path":   "./data/storage.db",
	"storage.postgres.dsn": "",
}

func Defaults() map[string]any {
	values := make(map[string]any)
	for k, v := range defaults {
		values[k] = v
	}
	return values
}
