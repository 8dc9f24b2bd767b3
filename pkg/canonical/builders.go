package canonical

import "github.com/forgewarden/warden/pkg/errcode"

// Typed builders. Each returns a canonical-JSON-ready mapping for one
// semantic hash input, rejecting empty required strings at the boundary.
// Composite hashes are built as DomainHash(tag, {identity, body}) so field
// reordering or length extension cannot produce ambiguous pre-images.

// PolicyHashInput binds a policy identity to its resolution discipline.
func PolicyHashInput(policyID, policyVersion, conflictResolutionMode, tieBreaker, stableOrderMode, rulesHash string) (map[string]any, error) {
	fields := map[string]string{
		"policy_id":                policyID,
		"policy_version":           policyVersion,
		"conflict_resolution_mode": conflictResolutionMode,
		"tie_breaker":              tieBreaker,
		"stable_order_mode":        stableOrderMode,
		"rules_hash":               rulesHash,
	}
	out := make(map[string]any, len(fields))
	for field, value := range fields {
		v, err := requireNonEmpty(value, field)
		if err != nil {
			return nil, err
		}
		out[field] = v
	}
	return out, nil
}

// RequestFingerprintInput identifies one capability request.
func RequestFingerprintInput(actorID, capability, operation, target, contextHash string) (map[string]any, error) {
	fields := map[string]string{
		"actor_id":     actorID,
		"capability":   capability,
		"operation":    operation,
		"target":       target,
		"context_hash": contextHash,
	}
	out := make(map[string]any, len(fields))
	for field, value := range fields {
		v, err := requireNonEmpty(value, field)
		if err != nil {
			return nil, err
		}
		out[field] = v
	}
	return out, nil
}

// AuditEventIdentityInput is the identity half of an audit event hash.
// prevEventHash may be empty only for the first event of a stream.
func AuditEventIdentityInput(eventID, eventType, policyHash, requestFingerprint string, sequence int64, streamID, prevEventHash string) (map[string]any, error) {
	if sequence < 0 {
		return nil, errcode.New(codeInvalid).With("field", "sequence")
	}
	fields := map[string]string{
		"event_id":            eventID,
		"event_type":          eventType,
		"policy_hash":         policyHash,
		"request_fingerprint": requestFingerprint,
		"stream_id":           streamID,
	}
	out := make(map[string]any, len(fields)+2)
	for field, value := range fields {
		v, err := requireNonEmpty(value, field)
		if err != nil {
			return nil, err
		}
		out[field] = v
	}
	out["sequence"] = sequence
	out["prev_event_hash"] = prevEventHash
	return out, nil
}

// AuditEventBodyInput wraps the schema-less event payload. The payload must
// still canonicalize deterministically, so the full value model is enforced
// here rather than at hash time.
func AuditEventBodyInput(payload map[string]any) (map[string]any, error) {
	if payload == nil {
		return nil, errcode.New(codeInvalid).With("field", "mapping_required")
	}
	if err := ValidateValue(payload); err != nil {
		return nil, err
	}
	return map[string]any{"payload": payload}, nil
}

// ReviewIDInput derives the ledger identity of a paused review.
func ReviewIDInput(policyHash, requestFingerprint string) (map[string]any, error) {
	ph, err := requireNonEmpty(policyHash, "policy_hash")
	if err != nil {
		return nil, err
	}
	rf, err := requireNonEmpty(requestFingerprint, "request_fingerprint")
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"policy_hash":         ph,
		"request_fingerprint": rf,
	}, nil
}

// ReviewDecisionInput records a resolved review. Only terminal decisions are
// hashable; a pending review has no decision hash.
func ReviewDecisionInput(reviewID, policyHash, requestFingerprint, decision, decidedBy, signatureRef string) (map[string]any, error) {
	if decision != "allow" && decision != "block" {
		return nil, errcode.New(codeInvalid).With("field", "decision")
	}
	fields := map[string]string{
		"review_id":           reviewID,
		"policy_hash":         policyHash,
		"request_fingerprint": requestFingerprint,
		"decided_by":          decidedBy,
		"signature_ref":       signatureRef,
	}
	out := make(map[string]any, len(fields)+1)
	for field, value := range fields {
		v, err := requireNonEmpty(value, field)
		if err != nil {
			return nil, err
		}
		out[field] = v
	}
	out["decision"] = decision
	return out, nil
}
