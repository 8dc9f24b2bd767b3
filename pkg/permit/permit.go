// Package permit implements the execution permit: a one-shot or bounded
// authorization that binds a single dispatch to a specific position in an
// audit stream. A permit is only honored when its stored id is the honest
// domain hash of its own input and its chain binding matches the stream's
// current head.
package permit

import (
	"github.com/forgewarden/warden/pkg/canonical"
	"github.com/forgewarden/warden/pkg/errcode"
)

// Decision severities a permit may carry.
const (
	DecisionAllow  = "allow"
	DecisionWarn   = "warn"
	DecisionBlock  = "block"
	DecisionReview = "review"
)

// Permit scopes.
const (
	ScopeOneShot = "one_shot"
	ScopeBounded = "bounded"
)

// GatingBySeverity is the only legal severity_to_gating mapping.
var GatingBySeverity = map[string]string{
	DecisionAllow:  "proceed",
	DecisionWarn:   "proceed_emit_audit",
	DecisionBlock:  "deny_emit_audit",
	DecisionReview: "pause_pending_ledger",
}

// ExecutionPermit authorizes exactly one capability dispatch.
type ExecutionPermit struct {
	PermitID           string            `json:"permit_id"`
	PolicyHash         string            `json:"policy_hash"`
	RequestFingerprint string            `json:"request_fingerprint"`
	Capability         map[string]any    `json:"capability"`
	Decision           string            `json:"decision"`
	SeverityToGating   map[string]string `json:"severity_to_gating"`
	IssuedBy           string            `json:"issued_by"`
	IssuedAtSequence   int64             `json:"issued_at_sequence"`
	StreamID           string            `json:"stream_id"`
	PrevEventHash      string            `json:"prev_event_hash"`
	PermitScope        string            `json:"permit_scope"`
	ExpiryCondition    map[string]any    `json:"expiry_condition"`
}

func invalid(field string) *errcode.Error {
	return errcode.New("secure_layer.permit.invalid." + field)
}

// ComputeIDInput returns the canonical mapping the permit id is derived
// from: every field except the id itself.
func ComputeIDInput(p ExecutionPermit) (map[string]any, error) {
	capability, err := copyMapping(p.Capability)
	if err != nil {
		return nil, invalid("capability")
	}
	expiry, err := copyMapping(p.ExpiryCondition)
	if err != nil {
		return nil, invalid("expiry_condition")
	}
	gating := make(map[string]any, len(p.SeverityToGating))
	for k, v := range p.SeverityToGating {
		gating[k] = v
	}
	return map[string]any{
		"policy_hash":         p.PolicyHash,
		"request_fingerprint": p.RequestFingerprint,
		"capability":          capability,
		"decision":            p.Decision,
		"severity_to_gating":  gating,
		"issued_by":           p.IssuedBy,
		"issued_at_sequence":  p.IssuedAtSequence,
		"stream_id":           p.StreamID,
		"prev_event_hash":     p.PrevEventHash,
		"permit_scope":        p.PermitScope,
		"expiry_condition":    expiry,
	}, nil
}

// ComputeID computes the honest fixed-point id of p.
func ComputeID(p ExecutionPermit) (string, error) {
	input, err := ComputeIDInput(p)
	if err != nil {
		return "", err
	}
	return canonical.DomainHash(canonical.DomainExecutionPermit, input)
}

// ValidateStructure enforces the attribute-level permit invariants,
// including the id fixed point.
func ValidateStructure(p ExecutionPermit) error {
	required := []struct{ value, field string }{
		{p.PermitID, "permit_id"},
		{p.PolicyHash, "policy_hash"},
		{p.RequestFingerprint, "request_fingerprint"},
		{p.IssuedBy, "issued_by"},
		{p.StreamID, "stream_id"},
		{p.PrevEventHash, "prev_event_hash"},
	}
	for _, req := range required {
		if req.value == "" {
			return invalid(req.field)
		}
	}
	if p.IssuedAtSequence < 0 {
		return invalid("issued_at_sequence")
	}
	switch p.Decision {
	case DecisionAllow, DecisionWarn, DecisionBlock, DecisionReview:
	default:
		return invalid("decision")
	}
	switch p.PermitScope {
	case ScopeOneShot, ScopeBounded:
	default:
		return invalid("permit_scope")
	}
	if len(p.Capability) == 0 {
		return invalid("capability")
	}
	if err := validateGating(p.SeverityToGating); err != nil {
		return err
	}
	if err := validateExpiryCondition(p.ExpiryCondition); err != nil {
		return err
	}
	computed, err := ComputeID(p)
	if err != nil {
		return err
	}
	if p.PermitID != computed {
		return invalid("permit_id_mismatch")
	}
	return nil
}

// VerifyAgainstChain checks the three chain bindings and the scope rule.
// The permit must be issued for exactly this stream, this prev hash, and
// this sequence; a one-shot range must collapse to the issuance sequence
// while a bounded range must cover the current sequence.
func VerifyAgainstChain(p ExecutionPermit, currentStreamID string, currentSequence int64, currentPrevEventHash string) error {
	if err := ValidateStructure(p); err != nil {
		return err
	}
	if currentStreamID == "" {
		return invalid("current_stream_id")
	}
	if currentPrevEventHash == "" {
		return invalid("current_prev_event_hash")
	}
	if currentSequence < 0 {
		return invalid("current_sequence")
	}
	if p.StreamID != currentStreamID {
		return invalid("stream_id_mismatch")
	}
	if p.PrevEventHash != currentPrevEventHash {
		return invalid("prev_event_hash_mismatch")
	}
	if p.IssuedAtSequence != currentSequence {
		return invalid("sequence_mismatch")
	}

	rangeValue, ok := p.ExpiryCondition["valid_for_sequence_range"]
	if !ok {
		return invalid("expiry_sequence_range_missing")
	}
	start, end, err := sequenceRange(rangeValue)
	if err != nil {
		return err
	}
	if p.PermitScope == ScopeOneShot {
		if start != p.IssuedAtSequence || end != p.IssuedAtSequence {
			return invalid("one_shot_range_mismatch")
		}
	} else {
		if currentSequence < start || currentSequence > end {
			return invalid("bounded_range_violation")
		}
	}
	if commit, ok := p.ExpiryCondition["valid_for_commit"]; ok {
		sha, ok := commit.(string)
		if !ok || sha == "" {
			return invalid("valid_for_commit")
		}
	}
	return nil
}

func validateGating(gating map[string]string) error {
	if len(gating) == 0 {
		return invalid("severity_to_gating")
	}
	for _, severity := range []string{DecisionAllow, DecisionWarn, DecisionBlock, DecisionReview} {
		if gating[severity] == "" {
			return invalid("severity_to_gating")
		}
	}
	for key := range gating {
		if _, ok := GatingBySeverity[key]; !ok {
			return invalid("severity_to_gating")
		}
	}
	return nil
}

func validateExpiryCondition(expiry map[string]any) error {
	if len(expiry) == 0 {
		return invalid("expiry_condition")
	}
	for key := range expiry {
		if key != "valid_for_sequence_range" && key != "valid_for_commit" {
			return invalid("expiry_condition_key")
		}
	}
	if rangeValue, ok := expiry["valid_for_sequence_range"]; ok {
		if _, _, err := sequenceRange(rangeValue); err != nil {
			return err
		}
	}
	if commit, ok := expiry["valid_for_commit"]; ok {
		sha, isString := commit.(string)
		if !isString || sha == "" {
			return invalid("valid_for_commit")
		}
	}
	return rejectFloats(expiry)
}

func sequenceRange(value any) (int64, int64, error) {
	list, ok := value.([]any)
	if !ok || len(list) != 2 {
		return 0, 0, invalid("valid_for_sequence_range")
	}
	start, okStart := asInt64(list[0])
	end, okEnd := asInt64(list[1])
	if !okStart || !okEnd {
		return 0, 0, invalid("valid_for_sequence_range")
	}
	if start < 0 || end < 0 || start > end {
		return 0, 0, invalid("valid_for_sequence_range")
	}
	return start, end, nil
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int64:
		return t, true
	default:
		return 0, false
	}
}

func rejectFloats(v any) error {
	switch t := v.(type) {
	case float32, float64:
		return invalid("float_in_expiry_condition")
	case []any:
		for _, item := range t {
			if err := rejectFloats(item); err != nil {
				return err
			}
		}
	case map[string]any:
		for _, item := range t {
			if err := rejectFloats(item); err != nil {
				return err
			}
		}
	}
	return nil
}

func copyMapping(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, errcode.New("secure_layer.permit.invalid.mapping_key")
	}
	out := make(map[string]any, len(m))
	for key, value := range m {
		copied, err := copyValue(value)
		if err != nil {
			return nil, err
		}
		out[key] = copied
	}
	return out, nil
}

func copyValue(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string, int, int64:
		return t, nil
	case float32, float64:
		return nil, invalid("float_in_mapping")
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			copied, err := copyValue(item)
			if err != nil {
				return nil, err
			}
			out = append(out, copied)
		}
		return out, nil
	case map[string]any:
		return copyMapping(t)
	default:
		return nil, invalid("value_type")
	}
}
