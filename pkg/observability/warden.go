// Control-plane semantic conventions and span helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by every instrumented stage.
var (
	// Task attributes
	AttrTaskID    = attribute.Key("warden.task.id")
	AttrTaskPhase = attribute.Key("warden.task.phase")
	AttrTaskState = attribute.Key("warden.task.state")

	// Cycle attributes
	AttrCycleStage  = attribute.Key("warden.cycle.stage")
	AttrActivePhase = attribute.Key("warden.cycle.active_phase")

	// Permit attributes
	AttrPermitID     = attribute.Key("warden.permit.id")
	AttrPermitStream = attribute.Key("warden.permit.stream")
	AttrPermitSeq    = attribute.Key("warden.permit.sequence")

	// Gate attributes
	AttrGatePR         = attribute.Key("warden.gate.pr")
	AttrGateHeadSHA    = attribute.Key("warden.gate.head_sha")
	AttrGatePolicyHash = attribute.Key("warden.gate.policy_hash")
	AttrGateStatus     = attribute.Key("warden.gate.status")

	// Audit attributes
	AttrAuditStream = attribute.Key("warden.audit.stream")
	AttrAuditLength = attribute.Key("warden.audit.length")
)

// TaskOperation creates attributes for one governed task.
func TaskOperation(taskID int64, phase, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTaskID.Int64(taskID),
		AttrTaskPhase.String(phase),
		AttrTaskState.String(state),
	}
}

// CycleStage creates attributes for one stage of the supervisor loop.
func CycleStage(stage, activePhase string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCycleStage.String(stage),
		AttrActivePhase.String(activePhase),
	}
}

// PermitOperation creates attributes for permit issuance and use.
func PermitOperation(permitID, streamID string, sequence int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPermitID.String(permitID),
		AttrPermitStream.String(streamID),
		AttrPermitSeq.Int64(sequence),
	}
}

// GateOperation creates attributes for one pull request gate evaluation.
func GateOperation(prNumber int64, headSHA, policyHash, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrGatePR.Int64(prNumber),
		AttrGateHeadSHA.String(headSHA),
		AttrGatePolicyHash.String(policyHash),
		AttrGateStatus.String(status),
	}
}

// AuditOperation creates attributes for audit stream writes.
func AuditOperation(streamID string, length int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAuditStream.String(streamID),
		AttrAuditLength.Int64(length),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
