package queue

import (
	"errors"
	"fmt"
)

// Class is the closed error taxonomy from spec §7 that every Client
// implementation must classify its failures into. The engine branches on
// Class, never on implementation-specific error types.
type Class int

const (
	// ClassUnknown is never returned by ClassOf on a non-nil error; it is
	// the zero value used when there is nothing to classify.
	ClassUnknown Class = iota
	// ClassTransient is a retryable network/5xx/timeout failure.
	ClassTransient
	// ClassThrottled is a rate-limit rejection; retryable. The engine
	// retries it on the same backoff schedules it uses for ClassTransient.
	ClassThrottled
	// ClassAuthZ is a permission failure; fatal for the listener.
	ClassAuthZ
	// ClassNotFound means the queue itself is gone; fatal for the listener.
	ClassNotFound
	// ClassInvalidHandle means the receipt handle has expired or is
	// otherwise invalid; log and drop, redelivery is expected.
	ClassInvalidHandle
	// ClassInvalidPayload is a handler-visible body parse failure.
	ClassInvalidPayload
	// ClassFatal is an unexpected error; log with context and exit the
	// listener.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassThrottled:
		return "throttled"
	case ClassAuthZ:
		return "authz"
	case ClassNotFound:
		return "not_found"
	case ClassInvalidHandle:
		return "invalid_handle"
	case ClassInvalidPayload:
		return "invalid_payload"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Retryable reports whether the engine should retry the operation that
// produced an error of this class (spec §4.3/§4.4/§4.5).
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassThrottled
}

// ListenerFatal reports whether this class should terminate the owning
// Poller/listener (but never the whole process, per spec §7).
func (c Class) ListenerFatal() bool {
	return c == ClassAuthZ || c == ClassNotFound || c == ClassFatal
}

// ClassifiedError wraps an underlying error with its taxonomy Class so
// callers can both branch on Class and still unwrap to the original cause.
type ClassifiedError struct {
	Class Class
	Err   error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err with the given Class. A nil err yields a nil error
// (not a typed nil pointer) so callers can write
// `return Classify(ClassFatal, err)` unconditionally.
func Classify(class Class, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Err: err}
}

// ClassOf extracts the Class from err if it (or something it wraps) is a
// *ClassifiedError, otherwise returns ClassFatal — an unclassified error
// from a Client implementation is treated as the most conservative case.
func ClassOf(err error) Class {
	if err == nil {
		return ClassUnknown
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	return ClassFatal
}

// InvalidPayloadError carries the underlying JSON parse failure for a
// Message whose body could not be parsed as JSON (spec §4.1).
type InvalidPayloadError struct {
	Err error
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("invalid payload: %s", e.Err)
}

func (e *InvalidPayloadError) Unwrap() error { return e.Err }
