package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GitRunner creates the governed commit for a verified task. The commit
// scope is restricted to exactly the files passed in.
type GitRunner struct {
	Dir string

	run func(ctx context.Context, dir string, args ...string) (string, error)
}

// NewGitRunner builds a runner over the given work tree, cwd when empty.
func NewGitRunner(dir string) *GitRunner {
	return &GitRunner{Dir: dir, run: runGit}
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// CommitMessage is the fixed message for a governed executor commit.
func CommitMessage(taskID int64) string {
	return fmt.Sprintf("feat(task-%d): governed executor result", taskID)
}

// Commit stages exactly the changed files and commits them, returning
// the short commit hash.
func (g *GitRunner) Commit(ctx context.Context, taskID int64, files []string) (string, error) {
	if len(files) == 0 {
		return "", fmt.Errorf("supervisor: nothing to commit for task %d", taskID)
	}
	addArgs := append([]string{"add", "--"}, files...)
	if _, err := g.run(ctx, g.Dir, addArgs...); err != nil {
		return "", err
	}
	if _, err := g.run(ctx, g.Dir, "commit", "-m", CommitMessage(taskID)); err != nil {
		return "", err
	}
	return g.run(ctx, g.Dir, "rev-parse", "--short", "HEAD")
}
