// Package audit implements the tamper-evident audit streams that anchor
// every decision the control plane makes. Streams are append-only: events
// carry contiguous sequences and hash-link to their predecessor, and any
// attempt to rewrite a written position is a kill-switch, not an error the
// caller may recover from.
package audit

import (
	"github.com/forgewarden/warden/pkg/canonical"
	"github.com/forgewarden/warden/pkg/errcode"
)

// EventType is the closed taxonomy of audit event variants.
type EventType string

const (
	EventPolicyEvaluated   EventType = "policy.evaluated"
	EventToolRequested     EventType = "tool.exec.requested"
	EventToolAllowed       EventType = "tool.exec.allowed"
	EventToolBlocked       EventType = "tool.exec.blocked"
	EventToolWarned        EventType = "tool.exec.warned"
	EventToolReviewed      EventType = "tool.exec.reviewed"
	EventEgressRequested   EventType = "net.egress.requested"
	EventEgressAllowed     EventType = "net.egress.allowed"
	EventEgressBlocked     EventType = "net.egress.blocked"
	EventEgressWarned      EventType = "net.egress.warned"
	EventEgressReviewed    EventType = "net.egress.reviewed"
	EventSecretRequested   EventType = "secret.use.requested"
	EventSecretAllowed     EventType = "secret.use.allowed"
	EventSecretBlocked     EventType = "secret.use.blocked"
	EventSecretWarned      EventType = "secret.use.warned"
	EventSecretReviewed    EventType = "secret.use.reviewed"
	EventReviewPaused      EventType = "review.paused"
	EventReviewResolved    EventType = "review.resolved"
	EventPermitUsed        EventType = "permit.used"
)

var eventTypes = map[EventType]struct{}{
	EventPolicyEvaluated: {}, EventToolRequested: {}, EventToolAllowed: {},
	EventToolBlocked: {}, EventToolWarned: {}, EventToolReviewed: {},
	EventEgressRequested: {}, EventEgressAllowed: {}, EventEgressBlocked: {},
	EventEgressWarned: {}, EventEgressReviewed: {}, EventSecretRequested: {},
	EventSecretAllowed: {}, EventSecretBlocked: {}, EventSecretWarned: {},
	EventSecretReviewed: {}, EventReviewPaused: {}, EventReviewResolved: {},
	EventPermitUsed: {},
}

// ValidEventType reports whether t belongs to the taxonomy.
func ValidEventType(t EventType) bool {
	_, ok := eventTypes[t]
	return ok
}

// Event is one immutable audit record. PrevEventHash may be empty only at
// sequence 0; Payload must canonicalize deterministically.
type Event struct {
	EventID            string         `json:"event_id"`
	EventType          EventType      `json:"event_type"`
	PolicyHash         string         `json:"policy_hash"`
	RequestFingerprint string         `json:"request_fingerprint"`
	Sequence           int64          `json:"sequence"`
	StreamID           string         `json:"stream_id"`
	PrevEventHash      string         `json:"prev_event_hash"`
	Payload            map[string]any `json:"payload"`
}

const codeInvalid = "secure_layer.audit.invalid"

// Validate checks the attribute-level invariants of a single event.
func (e Event) Validate() error {
	if e.EventID == "" {
		return errcode.New(codeInvalid).With("field", "event_id")
	}
	if !ValidEventType(e.EventType) {
		return errcode.New(codeInvalid).With("field", "event_type")
	}
	if e.PolicyHash == "" {
		return errcode.New(codeInvalid).With("field", "policy_hash")
	}
	if e.RequestFingerprint == "" {
		return errcode.New(codeInvalid).With("field", "request_fingerprint")
	}
	if e.Sequence < 0 {
		return errcode.New(codeInvalid).With("field", "sequence")
	}
	if e.StreamID == "" {
		return errcode.New(codeInvalid).With("field", "stream_id")
	}
	if e.Sequence > 0 && e.PrevEventHash == "" {
		return errcode.New(codeInvalid).With("field", "prev_event_hash")
	}
	if e.Payload == nil {
		return errcode.New(codeInvalid).With("field", "payload")
	}
	return canonical.ValidateValue(e.Payload)
}

// Fingerprint computes the event hash as a composite domain hash over the
// identity and body halves, so neither half can be swapped independently.
func Fingerprint(e Event) (string, error) {
	identity, err := canonical.AuditEventIdentityInput(
		e.EventID, string(e.EventType), e.PolicyHash, e.RequestFingerprint,
		e.Sequence, e.StreamID, e.PrevEventHash,
	)
	if err != nil {
		return "", err
	}
	body, err := canonical.AuditEventBodyInput(e.Payload)
	if err != nil {
		return "", err
	}
	return canonical.DomainHash(canonical.DomainAuditEvent, map[string]any{
		"identity": identity,
		"body":     body,
	})
}
