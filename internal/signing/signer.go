// Package signing provides HMAC-SHA256 signing and verification for
// conversion events sent by the landing page. The browser script signs with
// the shared secret and the ingestion endpoint verifies with the same one.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxSkew bounds how far a payload timestamp may drift from server time.
const DefaultMaxSkew = 5 * time.Minute

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrExpired          = errors.New("invalid or expired request")
)

// Payload is the signed tuple carried by the authenticated tracking path.
// Fields hold the raw strings the client sent; they are validated only
// after the signature checks out.
type Payload struct {
	EventType string
	Variant   string
	Section   string
	Timestamp int64 // Unix milliseconds
	Signature string
}

// Message returns the canonical string that is signed:
// "event_type:variant:section:timestamp".
func (p Payload) Message() string {
	var sb strings.Builder
	sb.WriteString(p.EventType)
	sb.WriteByte(':')
	sb.WriteString(p.Variant)
	sb.WriteByte(':')
	sb.WriteString(p.Section)
	sb.WriteByte(':')
	sb.WriteString(strconv.FormatInt(p.Timestamp, 10))
	return sb.String()
}

// Signer signs and verifies payloads using a shared secret.
type Signer struct {
	secret  []byte
	maxSkew time.Duration
}

// NewSigner creates a Signer. A non-positive maxSkew selects DefaultMaxSkew.
func NewSigner(secret string, maxSkew time.Duration) *Signer {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Signer{
		secret:  []byte(secret),
		maxSkew: maxSkew,
	}
}

// Sign computes the hex-encoded HMAC-SHA256 of message.
func (s *Signer) Sign(message string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignPayload fills in p.Signature and returns the signed payload.
func (s *Signer) SignPayload(p Payload) Payload {
	p.Signature = s.Sign(p.Message())
	return p
}

// Verify checks signature against message in constant time.
func (s *Signer) Verify(message, signature string) bool {
	expected := s.Sign(message)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// CheckFreshness reports whether ts (Unix ms) lies within the skew window
// around now. The edge itself is accepted.
func (s *Signer) CheckFreshness(ts int64, now time.Time) bool {
	if ts <= 0 {
		return false
	}
	diff := now.UnixMilli() - ts
	if diff < 0 {
		diff = -diff
	}
	return diff <= s.maxSkew.Milliseconds()
}

// VerifyPayload runs the freshness and signature checks. Staleness is
// checked first and rejects the payload regardless of signature validity.
func (s *Signer) VerifyPayload(p Payload, now time.Time) error {
	if !s.CheckFreshness(p.Timestamp, now) {
		return ErrExpired
	}
	if p.Signature == "" {
		return ErrMissingSignature
	}
	if !s.Verify(p.Message(), p.Signature) {
		return ErrInvalidSignature
	}
	return nil
}
