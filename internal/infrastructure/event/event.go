// Package event carries entity change notifications between services over
// Redis pub/sub. Delivery is at-most-once: subscribers that are not
// connected when an event is published never see it.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/erp/inventory-services/internal/domain/shared"
)

var (
	// ErrInvalidEventType is returned when publishing a type outside created/updated/deleted.
	ErrInvalidEventType = errors.New("invalid event type")
	// ErrMalformedEvent is returned when a payload cannot be decoded into an Event.
	ErrMalformedEvent = errors.New("malformed event")
	// ErrPublish wraps backend failures while publishing.
	ErrPublish = errors.New("failed to publish event")
	// ErrSubscriptionClosed is returned by Consumer.Run when the subscription ends unexpectedly.
	ErrSubscriptionClosed = errors.New("subscription closed")
)

// Type is the kind of change an event announces.
type Type string

const (
	Created Type = "created"
	Updated Type = "updated"
	Deleted Type = "deleted"
)

// Valid reports whether t is one of the known event types.
func (t Type) Valid() bool {
	switch t {
	case Created, Updated, Deleted:
		return true
	default:
		return false
	}
}

// ChannelFor returns the channel a service owning entityType publishes on.
func ChannelFor(entityType string) string {
	return entityType + "_events"
}

// Event is the wire format of a change notification.
type Event struct {
	Channel   string          `json:"channel"`
	EventType Type            `json:"event_type"`
	EntityID  int64           `json:"entity_id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      shared.Document `json:"data"`
}

// New builds an event stamped with now in UTC.
func New(channel string, eventType Type, entityID int64, data shared.Document, now time.Time) Event {
	if data == nil {
		data = shared.Document{}
	}
	return Event{
		Channel:   channel,
		EventType: eventType,
		EntityID:  entityID,
		Timestamp: now.UTC(),
		Data:      data,
	}
}

// Decode parses a payload received on channel. The transport channel wins
// over whatever the payload claims.
func Decode(channel string, payload []byte) (Event, error) {
	var raw struct {
		EventType Type            `json:"event_type"`
		EntityID  *int64          `json:"entity_id"`
		Timestamp json.RawMessage `json:"timestamp"`
		Data      shared.Document `json:"data"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	if raw.EventType == "" {
		return Event{}, fmt.Errorf("%w: missing event_type", ErrMalformedEvent)
	}
	if raw.EntityID == nil {
		return Event{}, fmt.Errorf("%w: missing entity_id", ErrMalformedEvent)
	}
	if raw.Data == nil {
		raw.Data = shared.Document{}
	}
	return Event{
		Channel:   channel,
		EventType: raw.EventType,
		EntityID:  *raw.EntityID,
		Timestamp: parseTimestamp(raw.Timestamp),
		Data:      raw.Data,
	}, nil
}

// Zone-less layouts are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp accepts ISO-8601 strings with or without a zone and
// numeric Unix seconds. Anything else yields the zero time; the timestamp
// is informational and never a reason to drop an event.
func parseTimestamp(raw json.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		secs, err := strconv.ParseFloat(string(raw), 64)
		if err != nil || math.IsInf(secs, 0) || math.IsNaN(secs) {
			return time.Time{}
		}
		whole, frac := math.Modf(secs)
		return time.Unix(int64(whole), int64(math.Round(frac*1e6))*int64(time.Microsecond)).UTC()
	}

	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, text); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}
