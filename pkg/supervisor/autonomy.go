package supervisor

import (
	"context"

	"github.com/forgewarden/warden/pkg/forge"
)

// autonomyState tracks the recursion cooldown. A recursive creation is a
// task the loop filed for itself; two of those must be separated by a
// successful close of a task the loop did not create.
type autonomyState struct {
	created                map[int64]bool
	lastCreationRecursive  bool
	nonRecursiveCloseSince bool
}

func (s *Supervisor) markAutonomousClose(number int64) {
	if s.autonomy.created[number] {
		return
	}
	s.autonomy.nonRecursiveCloseSince = true
}

// recursionBlocked names the first reason recursive creation is barred,
// checked in a fixed order so the emitted token is deterministic.
func (s *Supervisor) recursionBlocked() (string, bool) {
	switch {
	case s.Prior.GovernanceViolation:
		return "governance_violation", true
	case s.Prior.EnvironmentFailure:
		return "environment_failure", true
	case s.Prior.Rollback:
		return "rollback", true
	case s.Prior.CommitScopeMismatch:
		return "commit_scope_mismatch", true
	case s.autonomy.lastCreationRecursive && !s.autonomy.nonRecursiveCloseSince:
		return "cooldown", true
	}
	return "", false
}

// autonomyStep runs once every phase milestone is exhausted. Remaining
// unmilestoned build tasks are worked first; only when none remain may a
// new recursive task be created, subject to the hard blocks and the
// cooldown.
func (s *Supervisor) autonomyStep(ctx context.Context, issues []forge.Issue) error {
	var selfTasks []forge.Issue
	for _, issue := range issues {
		if issue.State != "open" || !issue.HasLabel(BuildLabel) || issue.HasLabel(ClaimLabel) {
			continue
		}
		if issue.Milestone != nil {
			continue
		}
		selfTasks = append(selfTasks, issue)
	}
	if task := SelectTask(selfTasks); task != nil {
		if err := s.handleTask(ctx, *task); err != nil {
			return err
		}
		if s.lastTaskCompleted {
			s.printf("AUTONOMY_COMPLETE issue=%d", task.Number)
		}
		return nil
	}

	if reason, blocked := s.recursionBlocked(); blocked {
		s.printf("RECURSION_BLOCKED reason=%s", reason)
		return nil
	}
	if s.taskFactory == nil {
		s.printf("AUTONOMY_IDLE")
		return nil
	}

	title, body := s.taskFactory()
	buildLabel, err := s.ensureBuildLabel(ctx)
	if err != nil {
		s.log.Warn("build label unavailable, skipping recursive creation", "error", err)
		return nil
	}
	issue, err := s.forge.CreateIssue(ctx, title, body, []int64{buildLabel.ID})
	if err != nil {
		s.log.Warn("recursive task creation failed", "error", err)
		return nil
	}
	s.log.Info("created recursive build task", "issue", issue.Number)
	s.autonomy.created[issue.Number] = true
	s.autonomy.lastCreationRecursive = true
	s.autonomy.nonRecursiveCloseSince = false
	return nil
}

func (s *Supervisor) ensureBuildLabel(ctx context.Context) (forge.Label, error) {
	labels, err := s.forge.Labels(ctx)
	if err != nil {
		return forge.Label{}, err
	}
	for _, label := range labels {
		if label.Name == BuildLabel {
			return label, nil
		}
	}
	return s.forge.CreateLabel(ctx, BuildLabel, claimLabelColor, "self-generated build task")
}
