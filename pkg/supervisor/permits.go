package supervisor

import (
	"fmt"

	"github.com/forgewarden/warden/pkg/canonical"
	"github.com/forgewarden/warden/pkg/errcode"
	"github.com/forgewarden/warden/pkg/permit"
)

// Permit issuance error codes.
const (
	CodePermitPolicyHash    = "supervisor.permit.invalid.policy_hash"
	CodePermitPrevEventHash = "supervisor.permit.invalid.prev_event_hash"
)

// DispatchCapability is the single capability the supervisor grants.
const DispatchCapability = "executor.dispatch_task_once"

// StreamID returns the audit stream owned by one task.
func StreamID(taskID int64) string {
	return fmt.Sprintf("task-%d", taskID)
}

// IssuePermit builds the one-shot permit binding a single dispatch of
// taskID to its stream position: sequence = task id, prev hash = the
// governance hash captured at startup, range collapsed to the issuance
// sequence. The permit id is the honest domain hash of its own input.
func IssuePermit(taskID int64, policyHash, governanceHash string) (permit.ExecutionPermit, error) {
	if policyHash == "" {
		return permit.ExecutionPermit{}, errcode.New(CodePermitPolicyHash)
	}
	if governanceHash == "" {
		return permit.ExecutionPermit{}, errcode.New(CodePermitPrevEventHash)
	}
	if taskID <= 0 {
		return permit.ExecutionPermit{}, errcode.New(CodeDispatchMalformed).With("field", "task_id")
	}

	target := fmt.Sprintf("task:%d", taskID)
	fingerprintInput, err := canonical.RequestFingerprintInput(
		"supervisor", DispatchCapability, "execute_capability", target, governanceHash)
	if err != nil {
		return permit.ExecutionPermit{}, err
	}
	fingerprint, err := canonical.DomainHash(canonical.DomainRequestFingerprint, fingerprintInput)
	if err != nil {
		return permit.ExecutionPermit{}, err
	}

	gating := make(map[string]string, len(permit.GatingBySeverity))
	for severity, action := range permit.GatingBySeverity {
		gating[severity] = action
	}
	p := permit.ExecutionPermit{
		PolicyHash:         policyHash,
		RequestFingerprint: fingerprint,
		Capability: map[string]any{
			"capability": DispatchCapability,
			"operation":  "execute_capability",
			"target":     target,
		},
		Decision:         permit.DecisionAllow,
		SeverityToGating: gating,
		IssuedBy:         "supervisor",
		IssuedAtSequence: taskID,
		StreamID:         StreamID(taskID),
		PrevEventHash:    governanceHash,
		PermitScope:      permit.ScopeOneShot,
		ExpiryCondition: map[string]any{
			"valid_for_sequence_range": []any{taskID, taskID},
		},
	}
	id, err := permit.ComputeID(p)
	if err != nil {
		return permit.ExecutionPermit{}, err
	}
	p.PermitID = id
	if err := permit.ValidateStructure(p); err != nil {
		return permit.ExecutionPermit{}, err
	}
	return p, nil
}
