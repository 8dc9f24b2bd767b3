package permit

import (
	"errors"
	"strings"
	"testing"

	"github.com/forgewarden/warden/pkg/errcode"
)

func validPermit(t *testing.T) ExecutionPermit {
	t.Helper()
	p := ExecutionPermit{
		PolicyHash:         strings.Repeat("b", 64),
		RequestFingerprint: strings.Repeat("c", 64),
		Capability:         map[string]any{"name": "executor.dispatch_task_once"},
		Decision:           DecisionAllow,
		SeverityToGating:   GatingBySeverity,
		IssuedBy:           "supervisor",
		IssuedAtSequence:   5,
		StreamID:           "stream-1",
		PrevEventHash:      "prev-hash-1",
		PermitScope:        ScopeOneShot,
		ExpiryCondition:    map[string]any{"valid_for_sequence_range": []any{int64(5), int64(5)}},
	}
	id, err := ComputeID(p)
	if err != nil {
		t.Fatalf("compute id: %v", err)
	}
	p.PermitID = id
	return p
}

func expectCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got nil", code)
	}
	if !errors.Is(err, errcode.New(code)) {
		t.Fatalf("expected %s, got %v", code, err)
	}
}

func TestValidateStructureAccepts(t *testing.T) {
	if err := ValidateStructure(validPermit(t)); err != nil {
		t.Fatalf("valid permit rejected: %v", err)
	}
}

func TestPermitIDIsHonestFixedPoint(t *testing.T) {
	p := validPermit(t)
	p.PermitID = strings.Repeat("e", 64)
	expectCode(t, ValidateStructure(p), "secure_layer.permit.invalid.permit_id_mismatch")
}

func TestTamperedFieldChangesID(t *testing.T) {
	p := validPermit(t)
	p.Decision = DecisionWarn
	expectCode(t, ValidateStructure(p), "secure_layer.permit.invalid.permit_id_mismatch")
}

func TestValidateStructureRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*ExecutionPermit)
		code   string
	}{
		{"empty policy hash", func(p *ExecutionPermit) { p.PolicyHash = "" }, "secure_layer.permit.invalid.policy_hash"},
		{"empty prev hash", func(p *ExecutionPermit) { p.PrevEventHash = "" }, "secure_layer.permit.invalid.prev_event_hash"},
		{"negative sequence", func(p *ExecutionPermit) { p.IssuedAtSequence = -1 }, "secure_layer.permit.invalid.issued_at_sequence"},
		{"bad decision", func(p *ExecutionPermit) { p.Decision = "defer" }, "secure_layer.permit.invalid.decision"},
		{"bad scope", func(p *ExecutionPermit) { p.PermitScope = "forever" }, "secure_layer.permit.invalid.permit_scope"},
		{"empty capability", func(p *ExecutionPermit) { p.Capability = map[string]any{} }, "secure_layer.permit.invalid.capability"},
		{
			"missing gating key",
			func(p *ExecutionPermit) {
				p.SeverityToGating = map[string]string{"allow": "proceed", "warn": "proceed_emit_audit", "block": "deny_emit_audit"}
			},
			"secure_layer.permit.invalid.severity_to_gating",
		},
		{
			"extra gating key",
			func(p *ExecutionPermit) {
				gating := map[string]string{}
				for k, v := range GatingBySeverity {
					gating[k] = v
				}
				gating["escalate"] = "page_operator"
				p.SeverityToGating = gating
			},
			"secure_layer.permit.invalid.severity_to_gating",
		},
		{"empty expiry", func(p *ExecutionPermit) { p.ExpiryCondition = map[string]any{} }, "secure_layer.permit.invalid.expiry_condition"},
		{
			"unknown expiry key",
			func(p *ExecutionPermit) { p.ExpiryCondition = map[string]any{"valid_until": "tomorrow"} },
			"secure_layer.permit.invalid.expiry_condition_key",
		},
		{
			"inverted range",
			func(p *ExecutionPermit) { p.ExpiryCondition = map[string]any{"valid_for_sequence_range": []any{int64(6), int64(5)}} },
			"secure_layer.permit.invalid.valid_for_sequence_range",
		},
		{
			"float in range",
			func(p *ExecutionPermit) { p.ExpiryCondition = map[string]any{"valid_for_sequence_range": []any{5.0, 5.0}} },
			"secure_layer.permit.invalid.valid_for_sequence_range",
		},
		{
			"empty commit binding",
			func(p *ExecutionPermit) {
				p.ExpiryCondition = map[string]any{
					"valid_for_sequence_range": []any{int64(5), int64(5)},
					"valid_for_commit":         "",
				}
			},
			"secure_layer.permit.invalid.valid_for_commit",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validPermit(t)
			tc.mutate(&p)
			expectCode(t, ValidateStructure(p), tc.code)
		})
	}
}

func TestFloatInCapabilityRejected(t *testing.T) {
	p := validPermit(t)
	p.Capability = map[string]any{"budget": 1.5}
	expectCode(t, ValidateStructure(p), "secure_layer.permit.invalid.float_in_mapping")
}

func TestVerifyAgainstChainOneShot(t *testing.T) {
	p := validPermit(t)
	if err := VerifyAgainstChain(p, "stream-1", 5, "prev-hash-1"); err != nil {
		t.Fatalf("binding permit rejected: %v", err)
	}
	expectCode(t, VerifyAgainstChain(p, "stream-1", 6, "prev-hash-1"),
		"secure_layer.permit.invalid.sequence_mismatch")
	expectCode(t, VerifyAgainstChain(p, "stream-2", 5, "prev-hash-1"),
		"secure_layer.permit.invalid.stream_id_mismatch")
	expectCode(t, VerifyAgainstChain(p, "stream-1", 5, "prev-hash-2"),
		"secure_layer.permit.invalid.prev_event_hash_mismatch")
}

func TestVerifyAgainstChainOneShotRangeMustCollapse(t *testing.T) {
	p := validPermit(t)
	p.ExpiryCondition = map[string]any{"valid_for_sequence_range": []any{int64(5), int64(6)}}
	id, err := ComputeID(p)
	if err != nil {
		t.Fatal(err)
	}
	p.PermitID = id
	expectCode(t, VerifyAgainstChain(p, "stream-1", 5, "prev-hash-1"),
		"secure_layer.permit.invalid.one_shot_range_mismatch")
}

func TestVerifyAgainstChainBounded(t *testing.T) {
	p := validPermit(t)
	p.PermitScope = ScopeBounded
	p.ExpiryCondition = map[string]any{"valid_for_sequence_range": []any{int64(3), int64(9)}}
	id, err := ComputeID(p)
	if err != nil {
		t.Fatal(err)
	}
	p.PermitID = id
	if err := VerifyAgainstChain(p, "stream-1", 5, "prev-hash-1"); err != nil {
		t.Fatalf("in-range bounded permit rejected: %v", err)
	}
	// The binding to the issuance sequence still holds under bounded scope.
	expectCode(t, VerifyAgainstChain(p, "stream-1", 7, "prev-hash-1"),
		"secure_layer.permit.invalid.sequence_mismatch")
}

func TestVerifyAgainstChainBoundedOutOfRange(t *testing.T) {
	p := validPermit(t)
	p.PermitScope = ScopeBounded
	p.IssuedAtSequence = 10
	p.ExpiryCondition = map[string]any{"valid_for_sequence_range": []any{int64(3), int64(9)}}
	id, err := ComputeID(p)
	if err != nil {
		t.Fatal(err)
	}
	p.PermitID = id
	expectCode(t, VerifyAgainstChain(p, "stream-1", 10, "prev-hash-1"),
		"secure_layer.permit.invalid.bounded_range_violation")
}
