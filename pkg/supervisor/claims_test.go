package supervisor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/forgewarden/warden/pkg/forge"
)

func TestClaimAttachesAndVerifies(t *testing.T) {
	f := newFakeForge()
	f.issues = []forge.Issue{buildIssue(3, DefaultPhases[0])}
	claimer := NewClaimer(f, DefaultClaimTTL, testLogger())

	if err := claimer.Claim(context.Background(), 3); err != nil {
		t.Fatal(err)
	}
	if !f.hasLabel(3, ClaimLabel) {
		t.Error("claim label must be attached")
	}
}

func TestClaimCreatesMissingLabel(t *testing.T) {
	f := newFakeForge()
	f.labels = []forge.Label{{ID: 1, Name: BuildLabel}}
	f.issues = []forge.Issue{buildIssue(3, DefaultPhases[0])}
	claimer := NewClaimer(f, DefaultClaimTTL, testLogger())

	if err := claimer.Claim(context.Background(), 3); err != nil {
		t.Fatal(err)
	}
	found := false
	for _, label := range f.labels {
		if label.Name == ClaimLabel {
			found = true
		}
	}
	if !found {
		t.Error("missing claim label must be created deterministically")
	}
}

func TestReleaseStaleUsesTimelineAge(t *testing.T) {
	f := newFakeForge()
	stale := buildIssue(3, DefaultPhases[0])
	stale.Labels = append(stale.Labels, forge.Label{ID: 2, Name: ClaimLabel})
	fresh := buildIssue(4, DefaultPhases[0])
	fresh.Labels = append(fresh.Labels, forge.Label{ID: 2, Name: ClaimLabel})
	f.issues = []forge.Issue{stale, fresh}

	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	claim := &forge.Label{ID: 2, Name: ClaimLabel}
	f.timeline[3] = []forge.TimelineEvent{
		{Type: "label", Label: claim, CreatedAt: now.Add(-2 * time.Hour)},
	}
	f.timeline[4] = []forge.TimelineEvent{
		{Type: "label", Label: claim, CreatedAt: now.Add(-2 * time.Hour)},
		// Re-claimed recently; the newest event governs.
		{Type: "label", Label: claim, CreatedAt: now.Add(-time.Minute)},
	}

	claimer := NewClaimer(f, 30*time.Minute, testLogger())
	claimer.now = func() time.Time { return now }

	released, err := claimer.ReleaseStale(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(released) != 1 || released[0] != 3 {
		t.Fatalf("released: %v", released)
	}
	if f.hasLabel(3, ClaimLabel) {
		t.Error("stale claim label must be removed")
	}
	if !f.hasLabel(4, ClaimLabel) {
		t.Error("fresh claim must survive")
	}
	commented := false
	for _, comment := range f.comments[3] {
		if strings.Contains(comment, "stale claim released") {
			commented = true
		}
	}
	if !commented {
		t.Errorf("release must be commented: %v", f.comments[3])
	}
}

func TestReleaseStaleIgnoresUnclaimed(t *testing.T) {
	f := newFakeForge()
	f.issues = []forge.Issue{buildIssue(3, DefaultPhases[0])}
	claimer := NewClaimer(f, time.Second, testLogger())

	released, err := claimer.ReleaseStale(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(released) != 0 {
		t.Errorf("nothing to release, got %v", released)
	}
}
