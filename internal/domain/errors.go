package domain

import (
	"errors"
	"fmt"
)

// Kind is the machine readable class of a failure.
type Kind string

const (
	KindInvalidCredential Kind = "InvalidCredential"
	KindDuplicatePending  Kind = "DuplicatePending"
	KindAlreadyDecided    Kind = "AlreadyDecided"
	KindExpired           Kind = "Expired"
	KindKeyExhausted      Kind = "KeyExhausted"
	KindRevoked           Kind = "Revoked"
	KindForbidden         Kind = "Forbidden"
	KindDeviceOffline     Kind = "DeviceOffline"
	KindNotFound          Kind = "NotFound"
	KindNotPending        Kind = "NotPending"
	KindNotAnswered       Kind = "NotAnswered"
	KindWrongDevice       Kind = "WrongDevice"
	KindUnknownRole       Kind = "UnknownRole"
	KindUnknownGroup      Kind = "UnknownGroup"
	KindUnavailable       Kind = "Unavailable"
	KindInvalid           Kind = "Invalid"
)

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrDuplicatePending  = errors.New("an enrollment request is already pending for this device")
	ErrAlreadyDecided    = errors.New("enrollment request already decided")
	ErrExpired           = errors.New("request expired")
	ErrKeyExhausted      = errors.New("bootstrap key exhausted")
	ErrRevoked           = errors.New("device revoked")
	ErrForbidden         = errors.New("forbidden")
	ErrDeviceOffline     = errors.New("device offline")
	ErrNotFound          = errors.New("not found")
	ErrNotPending        = errors.New("request is not pending")
	ErrNotAnswered       = errors.New("request has not been answered")
	ErrWrongDevice       = errors.New("device does not match request target")
	ErrUnknownRole       = errors.New("unknown role")
	ErrUnknownGroup      = errors.New("unknown device group")
	ErrUnavailable       = errors.New("service unavailable")
	ErrInvalid           = errors.New("invalid argument")
)

var errorKinds = []struct {
	err  error
	kind Kind
}{
	{ErrInvalidCredential, KindInvalidCredential},
	{ErrDuplicatePending, KindDuplicatePending},
	{ErrAlreadyDecided, KindAlreadyDecided},
	{ErrExpired, KindExpired},
	{ErrKeyExhausted, KindKeyExhausted},
	{ErrRevoked, KindRevoked},
	{ErrForbidden, KindForbidden},
	{ErrDeviceOffline, KindDeviceOffline},
	{ErrNotFound, KindNotFound},
	{ErrNotPending, KindNotPending},
	{ErrNotAnswered, KindNotAnswered},
	{ErrWrongDevice, KindWrongDevice},
	{ErrUnknownRole, KindUnknownRole},
	{ErrUnknownGroup, KindUnknownGroup},
	{ErrInvalid, KindInvalid},
	{ErrUnavailable, KindUnavailable},
}

// KindOf classifies err. Errors outside the taxonomy return "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range errorKinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return ""
}

// Unavailable marks an infrastructure failure so callers can retry.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// Invalid reports malformed input. The message is shown to the caller and
// must not carry secrets.
func Invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalid, msg)
}

// Classify passes errors of a known kind through and marks anything else
// Unavailable.
func Classify(op string, err error) error {
	if err == nil || KindOf(err) != "" {
		return err
	}
	return Unavailable(op, err)
}
