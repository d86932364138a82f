package eventsourcing

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict is returned when the expected version does not match
	// the current version of the aggregate stream.
	ErrConcurrencyConflict = errors.New("concurrency conflict: aggregate version mismatch")

	// ErrConcurrencyExhausted is returned by the command handler when conflicts
	// persisted past the configured retry bound.
	ErrConcurrencyExhausted = errors.New("concurrency conflict retries exhausted")

	// ErrTimeout is returned when a command deadline expires before it completes.
	ErrTimeout = errors.New("command timed out")

	// ErrStoreUnavailable wraps transient event store failures.
	ErrStoreUnavailable = errors.New("event store unavailable")

	// ErrRepositoryUnavailable wraps transient read model storage failures.
	ErrRepositoryUnavailable = errors.New("repository unavailable")

	// ErrNotFound is returned when a read model does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidVersion is returned when an invalid version is provided.
	ErrInvalidVersion = errors.New("invalid version")

	// ErrInvalidCommand is returned when a command is malformed.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrUnknownAggregateType is returned when no aggregate is registered for a type.
	ErrUnknownAggregateType = errors.New("unknown aggregate type")

	// ErrSnapshotNotFound is returned when a snapshot cannot be found.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrSubscriptionClosed is returned by Subscription.Next after Close.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// DomainError is a business rule violation raised by Aggregate.Decide.
// It is never retried and never causes an append.
type DomainError struct {
	Rule string
}

func (e *DomainError) Error() string {
	return e.Rule
}

// NewDomainError creates a DomainError naming the violated rule.
func NewDomainError(rule string) error {
	return &DomainError{Rule: rule}
}

// Domainf creates a DomainError with a formatted rule.
func Domainf(format string, args ...any) error {
	return &DomainError{Rule: fmt.Sprintf(format, args...)}
}

// IsDomainError reports whether err is or wraps a DomainError.
func IsDomainError(err error) bool {
	var de *DomainError
	return errors.As(err, &de)
}

// ProjectionApplyError is raised when a projection fails to apply an event.
// It causes a nack on the feed and is never surfaced on the command path.
type ProjectionApplyError struct {
	Projection string
	EventID    string
	Err        error
}

func (e *ProjectionApplyError) Error() string {
	return fmt.Sprintf("projection %s failed to apply event %s: %v", e.Projection, e.EventID, e.Err)
}

func (e *ProjectionApplyError) Unwrap() error {
	return e.Err
}
