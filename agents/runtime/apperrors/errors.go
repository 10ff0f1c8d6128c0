// Package apperrors defines the error taxonomy shared across the runtime:
// a small set of kinds that every subsystem classifies its failures into,
// plus helpers to map a Kind onto a transport-facing status.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind enumerates the error categories a caller needs to distinguish in
// order to react correctly (retry, surface to the user, page on-call, ...).
type Kind string

const (
	// KindValidation covers bad arguments: missing required fields, unknown
	// tool names, malformed context.
	KindValidation Kind = "validation"
	// KindPermission covers path escapes, disallowed tools, symlink escapes.
	KindPermission Kind = "permission"
	// KindResource covers pool exhaustion, quota limits, token-budget limits,
	// and rate limiting.
	KindResource Kind = "resource"
	// KindTimeout covers request deadlines, sandbox wall-clock limits, and
	// command timeouts.
	KindTimeout Kind = "timeout"
	// KindAvailability covers an open circuit breaker or an unreachable
	// remote orchestrator.
	KindAvailability Kind = "availability"
	// KindIntegrity covers checkpoint checksum mismatches, invalid WASM
	// headers, and corrupt event payloads. Fatal for the affected workflow.
	KindIntegrity Kind = "integrity"
	// KindInternal covers unexpected I/O, database, or serialization errors.
	KindInternal Kind = "internal"
)

// Error wraps an underlying cause with a Kind and a human-readable message.
// Use the constructor functions below rather than building this directly.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Validation constructs a KindValidation error.
func Validation(message string, cause error) *Error { return newErr(KindValidation, message, cause) }

// Permission constructs a KindPermission error.
func Permission(message string, cause error) *Error { return newErr(KindPermission, message, cause) }

// Resource constructs a KindResource error.
func Resource(message string, cause error) *Error { return newErr(KindResource, message, cause) }

// Timeout constructs a KindTimeout error.
func Timeout(message string, cause error) *Error { return newErr(KindTimeout, message, cause) }

// Availability constructs a KindAvailability error.
func Availability(message string, cause error) *Error {
	return newErr(KindAvailability, message, cause)
}

// Integrity constructs a KindIntegrity error.
func Integrity(message string, cause error) *Error { return newErr(KindIntegrity, message, cause) }

// Internal constructs a KindInternal error.
func Internal(message string, cause error) *Error { return newErr(KindInternal, message, cause) }

// As extracts the first *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the Kind carried by err, or KindInternal if err does not
// wrap an *Error.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// TransportMessage maps a Kind onto its surfaced transport-facing phrase
// ("invalid argument", "permission denied", ...).
func TransportMessage(k Kind) string {
	switch k {
	case KindValidation:
		return "invalid argument"
	case KindPermission:
		return "permission denied"
	case KindResource:
		return "resource exhausted"
	case KindTimeout:
		return "deadline exceeded"
	case KindAvailability:
		return "unavailable"
	case KindIntegrity:
		return "internal"
	case KindInternal:
		return "internal"
	default:
		return "internal"
	}
}

// RetryClassification categorizes an error for the durable engine's
// retry-with-backoff wrapper.
type RetryClassification string

const (
	ClassNetwork   RetryClassification = "network"
	ClassTimeout   RetryClassification = "timeout"
	ClassRateLimit RetryClassification = "rate_limit"
	ClassPermanent RetryClassification = "permanent"
	ClassUnknown   RetryClassification = "unknown"
)

// Classify maps an error onto a RetryClassification. KindValidation,
// KindPermission, and KindIntegrity are permanent: retrying cannot help.
// KindTimeout maps to ClassTimeout, KindResource maps to ClassRateLimit
// (rate limiting and token-budget exhaustion are the resource-kind errors
// retries are meaningful for), and KindAvailability maps to ClassNetwork
// (the remote orchestrator or breaker-guarded dependency is unreachable).
// Anything else is ClassUnknown.
func Classify(err error) RetryClassification {
	e, ok := As(err)
	if !ok {
		return ClassUnknown
	}
	switch e.Kind {
	case KindValidation, KindPermission, KindIntegrity:
		return ClassPermanent
	case KindTimeout:
		return ClassTimeout
	case KindResource:
		return ClassRateLimit
	case KindAvailability:
		return ClassNetwork
	default:
		return ClassUnknown
	}
}

// Retryable reports whether c is worth retrying. All kinds are retryable
// except ClassPermanent.
func (c RetryClassification) Retryable() bool { return c != ClassPermanent }

// BaseDelay returns the base retry delay for c before jitter/backoff is
// applied (Network=1s, Timeout=2s, RateLimit=5s, Unknown=1s).
func (c RetryClassification) BaseDelay() (seconds int) {
	switch c {
	case ClassNetwork:
		return 1
	case ClassTimeout:
		return 2
	case ClassRateLimit:
		return 5
	case ClassUnknown:
		return 1
	default:
		return 1
	}
}
