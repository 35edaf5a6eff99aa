// Package experiment defines the CTA experiment's variants and conversion
// event types, and the strict parsing that turns untrusted input into them.
package experiment

import (
	"errors"
	"fmt"
	"regexp"
)

// Variant is the experience a visitor is bucketed into.
type Variant string

const (
	VariantWhatsApp Variant = "whatsapp"
	VariantForm     Variant = "form"
)

// Variants lists every valid variant in a stable order.
var Variants = []Variant{VariantWhatsApp, VariantForm}

// Valid reports whether v is one of the known variants.
func (v Variant) Valid() bool {
	return v == VariantWhatsApp || v == VariantForm
}

// EventType is a conversion action.
type EventType string

const (
	EventWhatsAppClick EventType = "whatsapp_click"
	EventFormSubmit    EventType = "form_submit"
)

// EventTypes lists every valid event type in a stable order.
var EventTypes = []EventType{EventWhatsAppClick, EventFormSubmit}

func (t EventType) Valid() bool {
	return t == EventWhatsAppClick || t == EventFormSubmit
}

// MaxSectionLength is the longest section label accepted.
const MaxSectionLength = 50

var sectionPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

var (
	ErrMissingFields    = errors.New("missing required fields")
	ErrInvalidEventType = errors.New("invalid event type")
	ErrInvalidVariant   = errors.New("invalid variant")
	ErrInvalidSection   = errors.New("invalid section format")
)

// Event is a validated conversion event. Section is empty when the caller
// did not supply one.
type Event struct {
	Type    EventType
	Variant Variant
	Section string
}

// HasSection reports whether the event carries a section label.
func (e Event) HasSection() bool {
	return e.Section != ""
}

// ValidSection reports whether s is an acceptable section label. The empty
// string is not a valid label; callers treat it as "absent".
func ValidSection(s string) bool {
	return len(s) <= MaxSectionLength && sectionPattern.MatchString(s)
}

// ParseEvent validates raw field values and returns a typed Event. The
// returned error wraps one of the package's sentinel errors.
func ParseEvent(eventType, variant, section string) (Event, error) {
	if eventType == "" || variant == "" {
		return Event{}, ErrMissingFields
	}

	t := EventType(eventType)
	if !t.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrInvalidEventType, eventType)
	}

	v := Variant(variant)
	if !v.Valid() {
		return Event{}, fmt.Errorf("%w: %q", ErrInvalidVariant, variant)
	}

	if section != "" && !ValidSection(section) {
		return Event{}, ErrInvalidSection
	}

	return Event{Type: t, Variant: v, Section: section}, nil
}
