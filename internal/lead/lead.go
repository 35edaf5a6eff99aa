// Package lead validates contact-form leads and relays them to the CRM.
package lead

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/davanti/abtrack/internal/experiment"
)

const (
	MinNameLength  = 2
	MaxNameLength  = 100
	MinPhoneDigits = 10

	// UnknownSection is sent to the CRM when the lead carries no section.
	UnknownSection = "unknown"
)

var (
	ErrNameTooShort  = errors.New("name must have at least 2 characters")
	ErrNameTooLong   = errors.New("name must have at most 100 characters")
	ErrPhoneTooShort = errors.New("phone must have at least 10 digits")
)

// Lead is a contact-form submission.
type Lead struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Source  string `json:"source,omitempty"`
	Section string `json:"section,omitempty"`
}

// Validate trims the name and checks every field.
func (l *Lead) Validate() error {
	l.Name = strings.TrimSpace(l.Name)

	n := utf8.RuneCountInString(l.Name)
	if n < MinNameLength {
		return ErrNameTooShort
	}
	if n > MaxNameLength {
		return ErrNameTooLong
	}
	if len(Digits(l.Phone)) < MinPhoneDigits {
		return ErrPhoneTooShort
	}
	if l.Section != "" && !experiment.ValidSection(l.Section) {
		return experiment.ErrInvalidSection
	}
	return nil
}

// Digits strips everything but decimal digits from phone.
func Digits(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// maskPhone keeps only the last four digits for logging.
func maskPhone(phone string) string {
	d := Digits(phone)
	if len(d) <= 4 {
		return strings.Repeat("*", len(d))
	}
	return strings.Repeat("*", len(d)-4) + d[len(d)-4:]
}

// Mode reports how a lead was handled.
type Mode string

const (
	ModeLive Mode = "live"
	ModeTest Mode = "test"
)

// Result is the outcome of a successful relay.
type Result struct {
	Mode Mode
	// Data is the CRM response body in live mode.
	Data json.RawMessage
}

// Relay forwards validated leads.
type Relay interface {
	Submit(ctx context.Context, l Lead) (*Result, error)
}

func isBlank(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool { return !unicode.IsSpace(r) }) < 0
}
