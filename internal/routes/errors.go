package routes

import (
	"errors"
	"net/http"

	"field-access-control/internal/domain"
	"field-access-control/internal/jwt"
	"field-access-control/internal/signature"
)

// HTTPError represents an error with an associated HTTP status code and user message
type HTTPError struct {
	Err        error    // The underlying error
	StatusCode int      // HTTP status code
	Message    string   // User-friendly message
	StopCodes  []string // Optional stop codes for client-side handling
	Internal   bool     // Whether this is an internal error (hide details from user)
}

// ErrorInfo contains error metadata for user-facing errors
type ErrorInfo struct {
	Message   string   // User-friendly message
	StopCodes []string // Optional stop codes for client-side application
}

// Error implements the error interface
func (e *HTTPError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *HTTPError) Unwrap() error {
	return e.Err
}

// NewHTTPError creates a new HTTPError
func NewHTTPError(statusCode int, err error, message string, stopCodes ...string) *HTTPError {
	return &HTTPError{
		Err:        err,
		StatusCode: statusCode,
		Message:    message,
		StopCodes:  stopCodes,
		Internal:   statusCode >= 500,
	}
}

// Transport level errors. Domain outcomes come from the domain package.
var (
	ErrUnauthorized            = errors.New("unauthorized")
	ErrInsufficientPermissions = errors.New("insufficient permissions")
	ErrInvalidRequest          = errors.New("invalid request")
	ErrInvalidSignature        = errors.New("invalid request signature")
	ErrReplayedRequest         = errors.New("replayed request")
	ErrInternalServer          = errors.New("internal server error")
)

// errorStatusMap maps errors to HTTP status codes
var errorStatusMap = map[error]int{
	// 400 Bad Request
	ErrInvalidRequest:      http.StatusBadRequest,
	domain.ErrInvalid:      http.StatusBadRequest,
	domain.ErrUnknownRole:  http.StatusBadRequest,
	domain.ErrUnknownGroup: http.StatusBadRequest,

	// 401 Unauthorized
	ErrUnauthorized:             http.StatusUnauthorized,
	ErrInvalidSignature:         http.StatusUnauthorized,
	ErrReplayedRequest:          http.StatusUnauthorized,
	jwt.ErrNonValidToken:        http.StatusUnauthorized,
	jwt.ErrInvalidNonce:         http.StatusUnauthorized,
	jwt.ErrInvalidCode:          http.StatusUnauthorized,
	domain.ErrInvalidCredential: http.StatusUnauthorized,
	signature.ErrMissingHeaders: http.StatusUnauthorized,
	signature.ErrBadScheme:      http.StatusUnauthorized,
	signature.ErrBadDate:        http.StatusUnauthorized,
	signature.ErrClockSkew:      http.StatusUnauthorized,
	signature.ErrBodyHash:       http.StatusUnauthorized,
	signature.ErrBadSignature:   http.StatusUnauthorized,

	// 403 Forbidden
	ErrInsufficientPermissions: http.StatusForbidden,
	domain.ErrForbidden:        http.StatusForbidden,
	domain.ErrRevoked:          http.StatusForbidden,
	domain.ErrWrongDevice:      http.StatusForbidden,

	// 404 Not Found
	domain.ErrNotFound: http.StatusNotFound,

	// 409 Conflict
	domain.ErrDuplicatePending: http.StatusConflict,
	domain.ErrAlreadyDecided:   http.StatusConflict,
	domain.ErrKeyExhausted:     http.StatusConflict,
	domain.ErrDeviceOffline:    http.StatusConflict,
	domain.ErrNotPending:       http.StatusConflict,
	domain.ErrNotAnswered:      http.StatusConflict,

	// 410 Gone
	domain.ErrExpired: http.StatusGone,

	// 500 Internal Server Error
	ErrInternalServer: http.StatusInternalServerError,

	// 503 Service Unavailable
	domain.ErrUnavailable: http.StatusServiceUnavailable,
}

// errorInfoMap maps errors to user-friendly messages and optional stop codes
var errorInfoMap = map[error]ErrorInfo{
	// Authentication
	ErrUnauthorized: {
		Message:   "Authentication required",
		StopCodes: []string{"AUTH_REQUIRED"},
	},
	jwt.ErrNonValidToken: {
		Message:   "Invalid or expired authentication token",
		StopCodes: []string{"AUTH_INVALID_TOKEN"},
	},
	jwt.ErrInvalidNonce: {
		Message:   "Invalid or reused token",
		StopCodes: []string{"AUTH_INVALID_NONCE"},
	},
	jwt.ErrInvalidCode: {
		Message:   "Invalid sign-in code",
		StopCodes: []string{"AUTH_INVALID_CODE"},
	},
	ErrInvalidSignature: {
		Message:   "Request signature is invalid",
		StopCodes: []string{"SIGNATURE_INVALID"},
	},
	ErrReplayedRequest: {
		Message:   "Request nonce has already been used",
		StopCodes: []string{"SIGNATURE_REPLAYED"},
	},
	domain.ErrInvalidCredential: {
		Message:   "Invalid credential",
		StopCodes: []string{"INVALID_CREDENTIAL"},
	},

	// Authorization
	ErrInsufficientPermissions: {
		Message:   "You don't have permission to perform this action",
		StopCodes: []string{"INSUFFICIENT_PERMISSIONS"},
	},
	domain.ErrForbidden: {
		Message:   "Access denied",
		StopCodes: []string{"FORBIDDEN"},
	},
	domain.ErrRevoked: {
		Message:   "Device has been revoked",
		StopCodes: []string{"REVOKED"},
	},
	domain.ErrWrongDevice: {
		Message:   "Request is addressed to another device",
		StopCodes: []string{"WRONG_DEVICE"},
	},

	// Domain state
	domain.ErrNotFound: {
		Message:   "Not found",
		StopCodes: []string{"NOT_FOUND"},
	},
	domain.ErrDuplicatePending: {
		Message:   "An enrollment request for this device is already pending",
		StopCodes: []string{"DUPLICATE_PENDING"},
	},
	domain.ErrAlreadyDecided: {
		Message:   "Enrollment request has already been decided",
		StopCodes: []string{"ALREADY_DECIDED"},
	},
	domain.ErrKeyExhausted: {
		Message:   "Bootstrap key has no uses left",
		StopCodes: []string{"KEY_EXHAUSTED"},
	},
	domain.ErrDeviceOffline: {
		Message:   "Device is offline",
		StopCodes: []string{"DEVICE_OFFLINE"},
	},
	domain.ErrNotPending: {
		Message:   "Connection request is no longer pending",
		StopCodes: []string{"NOT_PENDING"},
	},
	domain.ErrNotAnswered: {
		Message:   "Device has not answered yet",
		StopCodes: []string{"NOT_ANSWERED"},
	},
	domain.ErrExpired: {
		Message:   "Request has expired",
		StopCodes: []string{"EXPIRED"},
	},

	// Validation
	ErrInvalidRequest: {
		Message:   "Invalid request format",
		StopCodes: []string{"INVALID_REQUEST"},
	},
	domain.ErrUnknownRole: {
		Message:   "Unknown role",
		StopCodes: []string{"UNKNOWN_ROLE"},
	},
	domain.ErrUnknownGroup: {
		Message:   "Unknown device group",
		StopCodes: []string{"UNKNOWN_GROUP"},
	},

	// Internal (no stop codes for internal errors)
	ErrInternalServer: {
		Message: "An internal error occurred",
	},
	domain.ErrUnavailable: {
		Message:   "Service is temporarily unavailable",
		StopCodes: []string{"UNAVAILABLE"},
	},
}

// GetErrorStatus returns the HTTP status code for an error
func GetErrorStatus(err error) int {
	// Check if it's already an HTTPError
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}

	// Check direct match
	if status, ok := errorStatusMap[err]; ok {
		return status
	}

	// Unavailable wraps its cause, so it must win over whatever it wraps.
	if errors.Is(err, domain.ErrUnavailable) {
		return http.StatusServiceUnavailable
	}

	// Check if error wraps a known error
	for knownErr, status := range errorStatusMap {
		if errors.Is(err, knownErr) {
			return status
		}
	}

	// Default to 500 Internal Server Error
	return http.StatusInternalServerError
}

// GetErrorInfo returns error information including message and stop codes
func GetErrorInfo(err error) ErrorInfo {
	// Check if it's an HTTPError with custom info
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.Message != "" {
		return ErrorInfo{
			Message:   httpErr.Message,
			StopCodes: httpErr.StopCodes,
		}
	}

	if errors.Is(err, domain.ErrUnavailable) {
		return errorInfoMap[domain.ErrUnavailable]
	}

	// Invalid carries a message written for the caller.
	if errors.Is(err, domain.ErrInvalid) {
		return ErrorInfo{Message: err.Error(), StopCodes: []string{"INVALID"}}
	}

	// Check direct match
	if info, ok := errorInfoMap[err]; ok {
		return info
	}

	// Check if error wraps a known error
	for knownErr, info := range errorInfoMap {
		if errors.Is(err, knownErr) {
			return info
		}
	}

	// For unknown errors, return a generic message for 5xx, specific for others
	status := GetErrorStatus(err)
	if status >= 500 {
		return ErrorInfo{Message: "An internal error occurred"}
	}
	return ErrorInfo{Message: http.StatusText(status)}
}

// GetErrorKind returns the machine readable kind, if err has one.
func GetErrorKind(err error) string {
	if errors.Is(err, domain.ErrUnavailable) {
		return string(domain.KindUnavailable)
	}
	return string(domain.KindOf(err))
}
