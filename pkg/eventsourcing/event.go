package eventsourcing

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Event represents a domain event that has occurred in the system.
// Events are immutable facts; once committed they are never changed.
type Event struct {
	// ID is the unique identifier for this event (deterministic when caused by a command)
	ID string `json:"id"`

	// AggregateID is the identifier of the aggregate this event belongs to
	AggregateID string `json:"aggregate_id"`

	// AggregateType is the type name of the aggregate (e.g., "Account")
	AggregateType string `json:"aggregate_type"`

	// EventType is the type name of the event (e.g., "AccountOpened")
	EventType string `json:"event_type"`

	// Version is the sequence number of this event within its aggregate stream, starting at 1
	Version int64 `json:"version"`

	// Position is the global commit order assigned by the store (0 until committed)
	Position int64 `json:"position,omitempty"`

	// Data is the encoded payload
	Data []byte `json:"data"`

	// ContentType names the codec used for Data
	ContentType string `json:"content_type"`

	// RecordedAt is stamped by the command handler, never by Apply
	RecordedAt time.Time `json:"recorded_at"`

	// Metadata contains additional contextual information
	Metadata EventMetadata `json:"metadata"`
}

// EventMetadata contains contextual information about an event.
type EventMetadata struct {
	// CausationID is the ID of the command that caused this event
	CausationID string `json:"causation_id,omitempty"`

	// CorrelationID is used to trace related events across aggregates
	CorrelationID string `json:"correlation_id,omitempty"`

	// PrincipalID identifies who triggered this event
	PrincipalID string `json:"principal_id,omitempty"`

	// Custom allows for application-specific metadata
	Custom map[string]string `json:"custom,omitempty"`
}

// PendingEvent is an event decided by an aggregate but not yet committed.
type PendingEvent struct {
	Type    string
	Payload any
}

// NewPending is shorthand for building a PendingEvent.
func NewPending(eventType string, payload any) PendingEvent {
	return PendingEvent{Type: eventType, Payload: payload}
}

// SlogAttr returns the identifying attributes of the event as a slog group.
func (e *Event) SlogAttr() slog.Attr {
	return slog.Group("event",
		slog.String("id", e.ID),
		slog.String("type", e.EventType),
		slog.String("aggregate_id", e.AggregateID),
		slog.Int64("version", e.Version),
	)
}

// Validate checks the fields every committed event must carry.
func (e *Event) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("event: missing id")
	case e.AggregateID == "":
		return fmt.Errorf("event %s: missing aggregate id", e.ID)
	case e.EventType == "":
		return fmt.Errorf("event %s: missing type", e.ID)
	case e.Version < 1:
		return fmt.Errorf("event %s: %w %d", e.ID, ErrInvalidVersion, e.Version)
	}
	return nil
}

// Decode unmarshals the event payload into v using the codec named by ContentType.
func (e *Event) Decode(v any) error {
	codec, err := CodecFor(e.ContentType)
	if err != nil {
		return err
	}
	if err := codec.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// GenerateDeterministicEventID derives an event ID from the command context,
// so the same command deciding at the same version always produces the same IDs.
func GenerateDeterministicEventID(commandID, aggregateID string, version int64) string {
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(commandID))
	h.Write([]byte{0})
	h.Write([]byte(aggregateID))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d", version)
	return hex.EncodeToString(h.Sum(nil))
}

// GenerateEventID returns a random event ID.
func GenerateEventID() string {
	return uuid.NewString()
}
