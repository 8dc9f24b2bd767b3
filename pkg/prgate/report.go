package prgate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/forgewarden/warden/pkg/gatelog"
)

// ArtifactRoot is where gate artifacts land inside the governed repo.
const ArtifactRoot = "artifacts/governance"

// ReportLine renders the machine-readable stdout report: the
// PR_GATE_REPORT token followed by a sorted-keys JSON payload.
func ReportLine(prNumber int64, headSHA, policyHash string, result Result) (string, error) {
	payload := map[string]any{
		"pr_number":        prNumber,
		"head_sha":         headSHA,
		"policy_hash":      policyHash,
		"passed":           result.Passed,
		"failed_gates":     result.FailedGates,
		"system_evolution": result.SystemEvolution,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("prgate: encode report: %w", err)
	}
	return "PR_GATE_REPORT " + string(data), nil
}

// WriteArtifact persists the evaluation record for one (pr, sha) pair:
// pretty-printed JSON with sorted keys and a trailing newline.
func WriteArtifact(root string, prNumber int64, headSHA, policyHash string, result Result, log *gatelog.Logger) (string, error) {
	if root == "" {
		root = ArtifactRoot
	}
	if log == nil {
		log = gatelog.New("")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("prgate: create artifact dir: %w", err)
	}
	payload := map[string]any{
		"pr_number":    prNumber,
		"head_sha":     headSHA,
		"policy_hash":  policyHash,
		"passed":       result.Passed,
		"failed_gates": result.FailedGates,
		"observed":     result.Observed,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("prgate: encode artifact: %w", err)
	}
	name := fmt.Sprintf("pr-%d-%s.json", prNumber, headSHA)
	path := filepath.Join(root, name)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("prgate: write artifact: %w", err)
	}
	status := "FAIL"
	if result.Passed {
		status = "PASS"
	}
	log.Event("artifact", fmt.Sprintf("wrote %s status=%s", name, status))
	return path, nil
}

// LogGateEvents appends every gate verdict and the final result to the
// gate log.
func LogGateEvents(log *gatelog.Logger, result Result) {
	if log == nil {
		return
	}
	for _, event := range result.GateEvents {
		log.Event("evaluate_pr", fmt.Sprintf("gate=%s result=%s reason=%s", event.Gate, event.Result, event.Reason))
	}
	final := "FAIL"
	if result.Passed {
		final = "PASS"
	}
	log.Event("evaluate_pr", fmt.Sprintf("FINAL result=%s failed_gates=%v", final, result.FailedGates))
}
