package store

import (
	"context"
	"time"

	"github.com/davanti/abtrack/internal/experiment"
)

// Event is a persisted conversion event. Section is nil when the event was
// recorded without one. CreatedAt is always assigned by the server.
type Event struct {
	ID        int64
	EventType experiment.EventType
	Variant   experiment.Variant
	Section   *string
	CreatedAt time.Time
}

// NewEvent builds an Event from a validated experiment event.
func NewEvent(e experiment.Event, createdAt time.Time) *Event {
	ev := &Event{
		EventType: e.Type,
		Variant:   e.Variant,
		CreatedAt: createdAt.UTC(),
	}
	if e.HasSection() {
		section := e.Section
		ev.Section = &section
	}
	return ev
}

// SectionOr returns the section label or fallback when absent.
func (e *Event) SectionOr(fallback string) string {
	if e.Section == nil || *e.Section == "" {
		return fallback
	}
	return *e.Section
}

// Store is the append-only event log. No implementation updates or deletes
// recorded events.
type Store interface {
	RecordEvent(ctx context.Context, e *Event) error
	EventsSince(ctx context.Context, since time.Time) ([]*Event, error)
	CountEvents(ctx context.Context) (int64, error)
	Close() error
}
