package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/forgewarden/warden/pkg/audit"
	"github.com/forgewarden/warden/pkg/errcode"
	"github.com/forgewarden/warden/pkg/forge"
	"github.com/forgewarden/warden/pkg/governance"
	"github.com/forgewarden/warden/pkg/observability"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeForge is an in-memory issue tracker implementing Forge.
type fakeForge struct {
	issues   []forge.Issue
	labels   []forge.Label
	timeline map[int64][]forge.TimelineEvent
	comments map[int64][]string
	closed   map[int64]bool
	created  []forge.Issue
	nextID   int64
}

func newFakeForge() *fakeForge {
	return &fakeForge{
		labels: []forge.Label{
			{ID: 1, Name: BuildLabel},
			{ID: 2, Name: ClaimLabel},
		},
		timeline: map[int64][]forge.TimelineEvent{},
		comments: map[int64][]string{},
		closed:   map[int64]bool{},
		nextID:   100,
	}
}

func (f *fakeForge) Issues(_ context.Context, state string) ([]forge.Issue, error) {
	var out []forge.Issue
	for _, issue := range f.issues {
		if state == "open" && issue.State != "open" {
			continue
		}
		out = append(out, issue)
	}
	if out == nil {
		out = []forge.Issue{}
	}
	return out, nil
}

func (f *fakeForge) IssueTimeline(_ context.Context, number int64) ([]forge.TimelineEvent, error) {
	events := f.timeline[number]
	if events == nil {
		events = []forge.TimelineEvent{}
	}
	return events, nil
}

func (f *fakeForge) Labels(context.Context) ([]forge.Label, error) {
	return f.labels, nil
}

func (f *fakeForge) CreateLabel(_ context.Context, name, color, description string) (forge.Label, error) {
	f.nextID++
	label := forge.Label{ID: f.nextID, Name: name, Color: color, Description: description}
	f.labels = append(f.labels, label)
	return label, nil
}

func (f *fakeForge) labelByID(id int64) (forge.Label, bool) {
	for _, label := range f.labels {
		if label.ID == id {
			return label, true
		}
	}
	return forge.Label{}, false
}

func (f *fakeForge) AddLabel(_ context.Context, number, labelID int64) error {
	label, ok := f.labelByID(labelID)
	if !ok {
		return fmt.Errorf("no such label %d", labelID)
	}
	for i := range f.issues {
		if f.issues[i].Number == number {
			f.issues[i].Labels = append(f.issues[i].Labels, label)
			return nil
		}
	}
	return fmt.Errorf("no such issue %d", number)
}

func (f *fakeForge) RemoveLabel(_ context.Context, number, labelID int64) error {
	for i := range f.issues {
		if f.issues[i].Number != number {
			continue
		}
		kept := f.issues[i].Labels[:0]
		for _, label := range f.issues[i].Labels {
			if label.ID != labelID {
				kept = append(kept, label)
			}
		}
		f.issues[i].Labels = kept
		return nil
	}
	return fmt.Errorf("no such issue %d", number)
}

func (f *fakeForge) CommentOnIssue(_ context.Context, number int64, body string) error {
	f.comments[number] = append(f.comments[number], body)
	return nil
}

func (f *fakeForge) CloseIssue(_ context.Context, number int64) error {
	for i := range f.issues {
		if f.issues[i].Number == number {
			f.issues[i].State = "closed"
			f.closed[number] = true
			return nil
		}
	}
	return fmt.Errorf("no such issue %d", number)
}

func (f *fakeForge) CreateIssue(_ context.Context, title, body string, labelIDs []int64) (forge.Issue, error) {
	f.nextID++
	issue := forge.Issue{Number: f.nextID, Title: title, Body: body, State: "open"}
	for _, id := range labelIDs {
		if label, ok := f.labelByID(id); ok {
			issue.Labels = append(issue.Labels, label)
		}
	}
	f.issues = append(f.issues, issue)
	f.created = append(f.created, issue)
	return issue, nil
}

func (f *fakeForge) hasLabel(number int64, name string) bool {
	for _, issue := range f.issues {
		if issue.Number == number {
			return issue.HasLabel(name)
		}
	}
	return false
}

func newTestEnforcer(t *testing.T) (*governance.Enforcer, string) {
	t.Helper()
	root := t.TempDir()
	contract := filepath.Join(root, "governance.md")
	environment := filepath.Join(root, "environment.json")
	if err := os.WriteFile(contract, []byte("# Governance Contract\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(environment, []byte(`{"api_base": "http://forge.local"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	return governance.NewEnforcer(contract, environment, filepath.Join(root, "violations.log"), testLogger()), contract
}

func buildIssue(number int64, phase string) forge.Issue {
	return forge.Issue{
		Number:    number,
		Title:     "implement the dispatch module",
		Body:      "Update `executor/dispatch.go` to route permits into the dispatcher.",
		State:     "open",
		Labels:    []forge.Label{{ID: 1, Name: BuildLabel}},
		Milestone: &forge.Milestone{ID: 1, Title: phase},
	}
}

func executorResultLine(t *testing.T, changed []string) string {
	t.Helper()
	payload := map[string]any{
		"status":        "success",
		"changed_files": changed,
		"tests_passed":  true,
		"logs":          "ok",
		"timestamp":     "2026-08-24T00:00:00Z",
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return string(raw)
}

type testHarness struct {
	sup        *Supervisor
	forge      *fakeForge
	out        *bytes.Buffer
	root       string
	contract   string
	gitCommits int
}

func newHarness(t *testing.T, issues []forge.Issue) *testHarness {
	t.Helper()
	h := &testHarness{
		forge: newFakeForge(),
		out:   &bytes.Buffer{},
		root:  t.TempDir(),
	}
	h.forge.issues = issues
	cfg := Config{
		RepoRoot:        h.root,
		PolicyHash:      strings.Repeat("p", 64),
		ExecutorCommand: []string{"warden-executor"},
		ClaimTTL:        DefaultClaimTTL,
	}
	enforcer, contract := newTestEnforcer(t)
	h.contract = contract
	h.sup = New(cfg, h.forge, enforcer, WithOutput(h.out), WithLogger(testLogger()))

	result := executorResultLine(t, []string{"executor/dispatch.go"})
	h.sup.dispatcher.run = func(context.Context, []string, []byte) (string, int, error) {
		return "working\n" + result + "\n", 0, nil
	}
	h.sup.git.run = func(_ context.Context, _ string, args ...string) (string, error) {
		if args[0] == "commit" {
			h.gitCommits++
		}
		if args[0] == "rev-parse" {
			return "abc1234", nil
		}
		return "", nil
	}
	return h
}

func TestCycleSingleDispatch(t *testing.T) {
	h := newHarness(t, []forge.Issue{buildIssue(3, DefaultPhases[0])})

	if err := h.sup.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	out := h.out.String()
	for _, token := range []string{
		"ACTIVE_PHASE " + DefaultPhases[0],
		"ELIGIBLE_TASK_COUNT 1",
		"PHASE_GATE_SELECTED issue=3",
		"CLAIMED issue #3",
		"TASK_COMPLETED issue=3 final_state=completed",
	} {
		if !strings.Contains(out, token) {
			t.Errorf("missing token %q in output:\n%s", token, out)
		}
	}
	if h.gitCommits != 1 {
		t.Errorf("expected exactly one commit, got %d", h.gitCommits)
	}
	if !h.forge.closed[3] {
		t.Error("issue must be closed")
	}
	if h.forge.hasLabel(3, ClaimLabel) {
		t.Error("in-progress must be removed after completion")
	}
	found := false
	for _, comment := range h.forge.comments[3] {
		if strings.Contains(comment, "abc1234") {
			found = true
		}
	}
	if !found {
		t.Errorf("completion comment must carry the short hash: %v", h.forge.comments[3])
	}

	events, err := audit.LoadStream(h.root, "task-3")
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].EventType != audit.EventPermitUsed {
		t.Fatalf("expected one permit.used event, got %+v", events)
	}
	if err := audit.VerifyStream(h.root, "task-3"); err != nil {
		t.Errorf("stream must verify: %v", err)
	}
}

func TestCycleLockContention(t *testing.T) {
	h := newHarness(t, []forge.Issue{buildIssue(3, DefaultPhases[0])})
	if err := h.sup.lock.Acquire(); err != nil {
		t.Fatal(err)
	}

	if err := h.sup.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.forge.closed[3] {
		t.Error("blocked task must stay open")
	}
	blocked := false
	for _, comment := range h.forge.comments[3] {
		if strings.Contains(comment, CodeLockViolation) {
			blocked = true
		}
	}
	if !blocked {
		t.Errorf("expected lock violation comment, got %v", h.forge.comments[3])
	}
	if h.forge.hasLabel(3, ClaimLabel) {
		t.Error("claim must be released on block")
	}
}

func TestCycleExecutorTimeout(t *testing.T) {
	h := newHarness(t, []forge.Issue{buildIssue(3, DefaultPhases[0])})
	h.sup.dispatcher.MaxDuration = 10 * time.Millisecond
	h.sup.dispatcher.run = func(ctx context.Context, _ []string, _ []byte) (string, int, error) {
		<-ctx.Done()
		return "", -1, ctx.Err()
	}

	if err := h.sup.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.forge.closed[3] {
		t.Error("timed-out task must stay open")
	}
	retried := false
	for _, comment := range h.forge.comments[3] {
		if strings.Contains(comment, "retry_pending") {
			retried = true
		}
	}
	if !retried {
		t.Errorf("expected retry_pending comment, got %v", h.forge.comments[3])
	}
	// The permit was consumed, so the audit event still lands.
	if err := audit.VerifyStream(h.root, "task-3"); err != nil {
		t.Errorf("stream must verify after timeout: %v", err)
	}
}

func TestCycleGovernanceViolationRejects(t *testing.T) {
	issue := buildIssue(3, DefaultPhases[0])
	issue.Body = "Update `executor/dispatch.go` and maybe something else."
	h := newHarness(t, []forge.Issue{issue})

	if err := h.sup.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !h.sup.Prior.GovernanceViolation {
		t.Error("governance violation flag must be set for the next cycle")
	}
	if h.forge.closed[3] {
		t.Error("rejected task must stay open")
	}
	if h.gitCommits != 0 {
		t.Error("no commit may be created for a rejected task")
	}
}

func TestCycleScopeMismatchSkipsCommit(t *testing.T) {
	h := newHarness(t, []forge.Issue{buildIssue(3, DefaultPhases[0])})
	result := executorResultLine(t, []string{"executor/dispatch.go", "secrets/creds.txt"})
	h.sup.dispatcher.run = func(context.Context, []string, []byte) (string, int, error) {
		return result + "\n", 0, nil
	}

	if err := h.sup.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.gitCommits != 0 {
		t.Error("out-of-scope change must not be committed")
	}
	if h.forge.closed[3] {
		t.Error("unverified task must stay open")
	}
	if !h.sup.Prior.CommitScopeMismatch {
		t.Error("scope mismatch flag must be set for recursion gating")
	}
}

func TestCycleAuditTamperIsKillSwitch(t *testing.T) {
	h := newHarness(t, []forge.Issue{buildIssue(3, DefaultPhases[0])})
	streamDir := filepath.Join(h.root, "audit", "streams", "task-3")
	if err := os.MkdirAll(streamDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(streamDir, "0.audit.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := h.sup.Cycle(context.Background())
	if err == nil || !errcode.IsKillSwitch(err) {
		t.Fatalf("expected kill-switch on tampered stream, got %v", err)
	}
}

func TestCyclePermitRequiresPolicyHash(t *testing.T) {
	h := newHarness(t, []forge.Issue{buildIssue(3, DefaultPhases[0])})
	h.sup.cfg.PolicyHash = ""

	err := h.sup.Cycle(context.Background())
	if errcode.Code(err) != CodePermitPolicyHash {
		t.Fatalf("expected %s, got %v", CodePermitPolicyHash, err)
	}
}

func TestAutonomyIdleAndRecursionGuard(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.sup.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(h.out.String(), "AUTONOMY_IDLE") {
		t.Errorf("no phases and no factory must be idle:\n%s", h.out.String())
	}

	h.out.Reset()
	h.sup.Prior.GovernanceViolation = true
	if err := h.sup.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(h.out.String(), "RECURSION_BLOCKED reason=governance_violation") {
		t.Errorf("prior violation must block recursion:\n%s", h.out.String())
	}
}

func TestAutonomyCreatesTaskWithCooldown(t *testing.T) {
	h := newHarness(t, nil)
	h.sup.taskFactory = func() (string, string) {
		return "self-generated build task", "Update `autonomy/next.go` with the follow-up work."
	}
	result := executorResultLine(t, []string{"autonomy/next.go"})
	h.sup.dispatcher.run = func(context.Context, []string, []byte) (string, int, error) {
		return result + "\n", 0, nil
	}

	if err := h.sup.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(h.forge.created) != 1 {
		t.Fatalf("expected one recursive task, got %d", len(h.forge.created))
	}
	recursive := h.forge.created[0].Number

	// The recursive task is worked next cycle and completes.
	if err := h.sup.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(h.out.String(), fmt.Sprintf("AUTONOMY_COMPLETE issue=%d", recursive)) {
		t.Errorf("expected AUTONOMY_COMPLETE token:\n%s", h.out.String())
	}

	// A recursive close does not satisfy the cooldown, so the next
	// creation attempt is blocked.
	h.out.Reset()
	if err := h.sup.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(h.out.String(), "RECURSION_BLOCKED reason=cooldown") {
		t.Errorf("expected cooldown block:\n%s", h.out.String())
	}
}

func TestCycleTestsFailedWithholdsClose(t *testing.T) {
	h := newHarness(t, []forge.Issue{buildIssue(3, DefaultPhases[0])})
	result := `{"status":"success","changed_files":["executor/dispatch.go"],"tests_passed":false,"logs":"2 tests failed","timestamp":"2026-08-24T00:00:00Z"}`
	h.sup.dispatcher.run = func(context.Context, []string, []byte) (string, int, error) {
		return result + "\n", 0, nil
	}

	if err := h.sup.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.gitCommits != 0 {
		t.Error("failing tests must not be committed")
	}
	if h.forge.closed[3] {
		t.Error("task with failing tests and file changes must stay open")
	}
	if strings.Contains(h.out.String(), "TASK_COMPLETED") {
		t.Errorf("no completion token without a commit:\n%s", h.out.String())
	}
	retried := false
	for _, comment := range h.forge.comments[3] {
		if strings.Contains(comment, "retry_pending") {
			retried = true
		}
	}
	if !retried {
		t.Errorf("expected retry_pending comment, got %v", h.forge.comments[3])
	}
}

func TestCycleCommitPolicyProtectsContract(t *testing.T) {
	issue := buildIssue(3, DefaultPhases[0])
	h := newHarness(t, []forge.Issue{issue})
	h.forge.issues[0].Body = "Update `" + h.contract + "` to record the new phase."
	result := executorResultLine(t, []string{h.contract})
	h.sup.dispatcher.run = func(context.Context, []string, []byte) (string, int, error) {
		return result + "\n", 0, nil
	}

	if err := h.sup.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.gitCommits != 0 {
		t.Error("a change to the governance contract must never be committed")
	}
	if h.forge.closed[3] {
		t.Error("task must stay open after a commit policy violation")
	}
	if !h.sup.Prior.GovernanceViolation {
		t.Error("violation flag must be set for the next cycle")
	}
	violated := false
	for _, comment := range h.forge.comments[3] {
		if strings.Contains(comment, "commit policy violation") {
			violated = true
		}
	}
	if !violated {
		t.Errorf("expected commit policy comment, got %v", h.forge.comments[3])
	}
}

func TestCycleContractDriftIsViolation(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.sup.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(h.contract, []byte("# Amended Contract\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := h.sup.Cycle(context.Background())
	if err == nil || !strings.Contains(err.Error(), "governance contract drift") {
		t.Fatalf("expected drift violation, got %v", err)
	}
	if !h.sup.Prior.GovernanceViolation {
		t.Error("violation flag must be set after drift")
	}
}

func TestCycleRecordsTelemetry(t *testing.T) {
	h := newHarness(t, []forge.Issue{buildIssue(3, DefaultPhases[0])})
	provider, err := observability.New(context.Background(), &observability.Config{Enabled: false})
	if err != nil {
		t.Fatal(err)
	}
	WithTelemetry(provider)(h.sup)

	if err := h.sup.Cycle(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(h.out.String(), "TASK_COMPLETED issue=3") {
		t.Errorf("telemetry wiring must not change the cycle outcome:\n%s", h.out.String())
	}
}
