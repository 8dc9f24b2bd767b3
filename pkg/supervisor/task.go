package supervisor

import (
	"sort"

	"github.com/forgewarden/warden/pkg/forge"
)

// Labels the loop keys on.
const (
	BuildLabel = "type:build"
	ClaimLabel = "in-progress"
)

// DefaultPhases is the fixed ordered milestone list. The active phase is
// the earliest entry still holding open build-tagged work.
var DefaultPhases = []string{
	"phase-1-bootstrap",
	"phase-2-governance",
	"phase-3-execution",
	"phase-4-verification",
	"phase-5-autonomy",
}

// ActivePhase returns the earliest phase whose milestone has at least one
// open issue tagged type:build, with its index in the phase list.
func ActivePhase(issues []forge.Issue, phases []string) (string, int, bool) {
	for index, phase := range phases {
		for _, issue := range issues {
			if issue.State == "open" && issue.HasLabel(BuildLabel) &&
				issue.Milestone != nil && issue.Milestone.Title == phase {
				return phase, index, true
			}
		}
	}
	return "", -1, false
}

// EligibleTasks filters the issues claimable in the given phase: open,
// build-tagged, unclaimed, milestone matching. Sorted by ascending number
// so selection is a stable total order.
func EligibleTasks(issues []forge.Issue, phase string) []forge.Issue {
	eligible := make([]forge.Issue, 0, len(issues))
	for _, issue := range issues {
		if issue.State != "open" || !issue.HasLabel(BuildLabel) || issue.HasLabel(ClaimLabel) {
			continue
		}
		if issue.Milestone == nil || issue.Milestone.Title != phase {
			continue
		}
		eligible = append(eligible, issue)
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Number < eligible[j].Number })
	return eligible
}

// SelectTask picks the lowest-numbered eligible task, nil when none.
func SelectTask(eligible []forge.Issue) *forge.Issue {
	if len(eligible) == 0 {
		return nil
	}
	task := eligible[0]
	return &task
}
