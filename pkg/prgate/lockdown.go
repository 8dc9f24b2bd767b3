package prgate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forgewarden/warden/pkg/gatelog"
)

// BaselineArtifactName is the policy baseline file under ArtifactRoot.
const BaselineArtifactName = "policy-baseline.json"

// LockdownError reports a policy hash drifting away from the baseline
// captured at loop start. The loop must stop; a policy that changes
// mid-flight cannot be trusted for the remaining PRs.
type LockdownError struct {
	Baseline string
	Current  string
}

func (e *LockdownError) Error() string {
	return fmt.Sprintf("POLICY_LOCKDOWN baseline=%s current=%s", e.Baseline, e.Current)
}

// Baseline is the persisted lockdown record.
type Baseline struct {
	PolicyPath         string `json:"policy_path"`
	PolicyHashBaseline string `json:"policy_hash_baseline"`
}

// WriteBaseline records the baseline artifact for this loop.
func WriteBaseline(root, policyPath, policyHash string) (string, error) {
	if root == "" {
		root = ArtifactRoot
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("prgate: create artifact dir: %w", err)
	}
	data, err := json.MarshalIndent(Baseline{PolicyPath: policyPath, PolicyHashBaseline: policyHash}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("prgate: encode baseline: %w", err)
	}
	path := filepath.Join(root, BaselineArtifactName)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("prgate: write baseline: %w", err)
	}
	return path, nil
}

// ReadBaseline loads the persisted baseline artifact.
func ReadBaseline(root string) (Baseline, error) {
	if root == "" {
		root = ArtifactRoot
	}
	raw, err := os.ReadFile(filepath.Join(root, BaselineArtifactName))
	if err != nil {
		return Baseline{}, fmt.Errorf("prgate: read baseline: %w", err)
	}
	var baseline Baseline
	if err := json.Unmarshal(raw, &baseline); err != nil {
		return Baseline{}, fmt.Errorf("prgate: decode baseline: %w", err)
	}
	return baseline, nil
}

// EnforceLockdown reloads the policy and requires its hash to equal the
// baseline, returning the current hash on success.
func EnforceLockdown(policyPath, baselineHash string, log *gatelog.Logger) (string, error) {
	_, currentHash, err := LoadPolicy(policyPath, log)
	if err != nil {
		return "", err
	}
	if currentHash != baselineHash {
		if log != nil {
			log.Event("lockdown", fmt.Sprintf("hash_drift baseline=%s current=%s", baselineHash, currentHash))
		}
		return "", &LockdownError{Baseline: baselineHash, Current: currentHash}
	}
	return currentHash, nil
}
