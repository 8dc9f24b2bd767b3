package prgate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReportLine(t *testing.T) {
	result := Evaluate(DryRunPolicy(), passingInput())
	line, err := ReportLine(12, "headsha", strings.Repeat("b", 64), result)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(line, "PR_GATE_REPORT ") {
		t.Fatalf("missing report token: %q", line)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "PR_GATE_REPORT ")), &payload); err != nil {
		t.Fatalf("payload must be json: %v", err)
	}
	if payload["passed"] != true || payload["pr_number"] != float64(12) {
		t.Errorf("unexpected payload: %v", payload)
	}
	if _, ok := payload["failed_gates"]; !ok {
		t.Error("failed_gates missing from report")
	}
}

func TestWriteArtifact(t *testing.T) {
	root := t.TempDir()
	result := Evaluate(DryRunPolicy(), passingInput())
	path, err := WriteArtifact(root, 12, "headsha", strings.Repeat("b", 64), result, testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "pr-12-headsha.json" {
		t.Errorf("artifact name: %s", filepath.Base(path))
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(raw), "\n") {
		t.Error("artifact must end with a newline")
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"pr_number", "head_sha", "policy_hash", "passed", "failed_gates", "observed"} {
		if _, ok := payload[key]; !ok {
			t.Errorf("artifact missing %s", key)
		}
	}
	// Sorted keys at the top level of the pretty output.
	keyOrder := []string{`"failed_gates"`, `"head_sha"`, `"observed"`, `"passed"`, `"policy_hash"`, `"pr_number"`}
	last := -1
	for _, key := range keyOrder {
		idx := strings.Index(string(raw), key)
		if idx < last {
			t.Errorf("keys out of order: %s at %d after %d", key, idx, last)
		}
		last = idx
	}
}

type fakePublisher struct {
	calls []string
	err   error
}

func (f *fakePublisher) PostStatus(_ context.Context, sha, state, statusContext, description string) error {
	f.calls = append(f.calls, fmt.Sprintf("%s|%s|%s|%s", sha, state, statusContext, description))
	return f.err
}

func TestPublishGovernanceStatus(t *testing.T) {
	pub := &fakePublisher{}
	err := PublishGovernanceStatus(context.Background(), pub, "sha1", "failure", "failed gates: [min_approvals_met]", testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(pub.calls) != 1 || !strings.Contains(pub.calls[0], "supervisor/governance") {
		t.Errorf("status context missing: %v", pub.calls)
	}
}

func TestPublishRejectsInvalidState(t *testing.T) {
	pub := &fakePublisher{}
	if err := PublishGovernanceStatus(context.Background(), pub, "sha1", "error", "x", testLogger(t)); err == nil {
		t.Fatal("invalid state must be rejected")
	}
	if len(pub.calls) != 0 {
		t.Error("nothing may be published for an invalid state")
	}
}

func TestPublishTruncatesDescription(t *testing.T) {
	pub := &fakePublisher{}
	long := strings.Repeat("d", 200)
	if err := PublishGovernanceStatus(context.Background(), pub, "sha1", "pending", long, testLogger(t)); err != nil {
		t.Fatal(err)
	}
	parts := strings.Split(pub.calls[0], "|")
	if len(parts[3]) != 140 {
		t.Errorf("description must truncate to 140, got %d", len(parts[3]))
	}
}

func TestDryRunWritesArtifact(t *testing.T) {
	root := t.TempDir()
	result, err := DryRun(root, testLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(result.GateEvents) != 15 {
		t.Errorf("dry run must exercise all gates, got %d", len(result.GateEvents))
	}
	if _, err := os.Stat(filepath.Join(root, "pr-999-dryrunsha.json")); err != nil {
		t.Errorf("dry run artifact missing: %v", err)
	}
}
