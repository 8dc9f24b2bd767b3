package policy

import "github.com/forgewarden/warden/pkg/errcode"

// DNSReplayMode fixes how an egress target was resolved. Live DNS at
// evaluation time is never acceptable input.
type DNSReplayMode string

const (
	ReplayPinnedIPs    DNSReplayMode = "pinned_ips"
	ReplaySnapshotHash DNSReplayMode = "resolution_snapshot_hash"
)

// EgressRequest describes one outbound call under evaluation.
type EgressRequest struct {
	Host   string
	Path   string
	Method string
}

// ResolutionSnapshot carries the pre-resolved addressing for a request.
type ResolutionSnapshot struct {
	DNSReplayMode          DNSReplayMode
	ResolvedIPs            []string
	ResolutionSnapshotHash string
}

// EgressConfig is the egress evaluator's initialization input. It shares
// the interpreter's conflict-resolution discipline.
type EgressConfig struct {
	Interpretation InterpretationConfig
	DNSReplayMode  DNSReplayMode
}

// ValidateEgressConfig enforces the egress initialization guardrails.
func ValidateEgressConfig(config EgressConfig) error {
	if err := ValidateConfig(config.Interpretation); err != nil {
		return err
	}
	switch config.DNSReplayMode {
	case ReplayPinnedIPs, ReplaySnapshotHash:
	default:
		return errcode.New(codeInitInvalid).With("field", "dns_replay_mode")
	}
	return nil
}

// ValidateSnapshot checks that a resolution snapshot actually carries the
// material its replay mode promises.
func ValidateSnapshot(snapshot ResolutionSnapshot) error {
	switch snapshot.DNSReplayMode {
	case ReplayPinnedIPs:
		if len(snapshot.ResolvedIPs) == 0 {
			return errcode.New(codeInitInvalid).With("field", "resolved_ips")
		}
	case ReplaySnapshotHash:
		if snapshot.ResolutionSnapshotHash == "" {
			return errcode.New(codeInitInvalid).With("field", "resolution_snapshot_hash")
		}
	default:
		return errcode.New(codeInitInvalid).With("field", "dns_replay_mode")
	}
	return nil
}

// EvaluateEgress resolves an egress request against the matched rules.
// The request and snapshot are validated first; resolution itself is the
// interpreter's, unchanged.
func EvaluateEgress(request EgressRequest, matches []RuleMatch, snapshot ResolutionSnapshot, config EgressConfig) (Decision, error) {
	if err := ValidateEgressConfig(config); err != nil {
		return Decision{}, err
	}
	if request.Host == "" || request.Method == "" {
		return Decision{}, errcode.New(codeInitInvalid).With("field", "egress_request")
	}
	if snapshot.DNSReplayMode != config.DNSReplayMode {
		return Decision{}, errcode.New(codeInitInvalid).With("field", "dns_replay_mode")
	}
	if err := ValidateSnapshot(snapshot); err != nil {
		return Decision{}, err
	}
	return ResolveOverlapping(matches, config.Interpretation)
}
