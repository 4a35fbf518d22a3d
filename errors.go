package twinstack

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// A ValidationError reports a request that can never succeed as stated: an
// unknown measure slot name, a link request without any slot mapping, a
// cross-engine link attempt, and the like.
//
// Callers should not retry a ValidationError; the request itself must change.
type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return "validation: " + e.Reason
}

func validationErrorf(format string, args ...any) error {
	return ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// A ConflictError reports a mutation that was aborted before any write because
// it would contradict already-persisted state: a schema change whose field
// types clash with a registered model, or a measure slot already claimed by
// another device.
//
// When the conflict originates from the model registry, Chunks carries the full
// field-level report so callers can present every problem at once.
type ConflictError struct {
	Message string
	Chunks  []ConflictChunk
}

func (e ConflictError) Error() string {
	if len(e.Chunks) == 0 {
		return "conflict: " + e.Message
	}
	return fmt.Sprintf("conflict: %s (%d conflicting models)", e.Message, len(e.Chunks))
}

// A NotFoundError reports that a twin, model, or history aggregation matched no
// persisted entity.
type NotFoundError struct {
	Collection string
	ID         string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("not found: %s/%s", e.Collection, e.ID)
}

// IsNotFound reports whether err is, or wraps, a NotFoundError. It exists
// because several code paths treat "absent" as a normal state rather than a
// failure, and asserting with errors.As at every call-site gets noisy.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// A ConcurrencyTimeoutError reports that a per-entity lock could not be
// acquired before the caller-supplied deadline expired. The guarded state was
// not touched, so callers may safely retry.
type ConcurrencyTimeoutError struct {
	Key  string
	Wait time.Duration
}

func (e ConcurrencyTimeoutError) Error() string {
	return fmt.Sprintf("lock on %q not acquired within %v", e.Key, e.Wait)
}

// A PartialPersistenceError reports a bulk write in which some items were
// rejected by the storage layer while others were committed.
//
// First carries the first underlying rejection reason, which in practice is
// representative of the whole batch (a mapping problem rejects every item the
// same way). The complete per-item detail is aggregated in Details.
type PartialPersistenceError struct {
	Failures int
	First    error
	Details  *multierror.Error
}

func (e PartialPersistenceError) Error() string {
	return fmt.Sprintf("bulk write partially failed: %d items rejected: first reason: %v", e.Failures, e.First)
}

func (e PartialPersistenceError) Unwrap() error { return e.Details }

// newPartialPersistenceError converts the per-item errors of a bulk result
// into a single PartialPersistenceError. It returns nil when the bulk write
// fully succeeded.
func newPartialPersistenceError(result BulkResult) error {
	if len(result.Errors) == 0 {
		return nil
	}
	var details *multierror.Error
	for _, item := range result.Errors {
		details = multierror.Append(details, fmt.Errorf("item %s: %s", item.ID, item.Reason))
	}
	return PartialPersistenceError{
		Failures: len(result.Errors),
		First:    details.Errors[0],
		Details:  details,
	}
}
