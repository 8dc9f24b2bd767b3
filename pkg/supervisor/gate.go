package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/forgewarden/warden/pkg/forge"
	"github.com/forgewarden/warden/pkg/gatelog"
	"github.com/forgewarden/warden/pkg/observability"
	"github.com/forgewarden/warden/pkg/prgate"
)

// PullForge is the pull-request surface the gate consumes.
type PullForge interface {
	OpenPullRequests(ctx context.Context, targetBranches map[string]bool) ([]forge.PullRequest, error)
	PullRequestFiles(ctx context.Context, number int64) ([]string, error)
	PullRequestReviews(ctx context.Context, number int64) ([]forge.Review, error)
	PullRequestCommits(ctx context.Context, number int64, prober forge.SignatureProber) ([]forge.Commit, error)
	CommitStatuses(ctx context.Context, sha string) ([]forge.CommitStatus, error)
	PostStatus(ctx context.Context, sha, state, statusContext, description string) error
}

var _ PullForge = (*forge.Client)(nil)

// Gate evaluates every open pull request once per (pr, head, policy)
// triple, publishes the governance status, and writes the report
// artifact. It satisfies GateRunner.
type Gate struct {
	PolicyPath   string
	BaselineHash string
	ArtifactRoot string

	pulls     PullForge
	cache     prgate.EvaluationCache
	prober    forge.SignatureProber
	gateLog   *gatelog.Logger
	out       io.Writer
	log       *slog.Logger
	telemetry *observability.Provider
}

// NewGate wires the per-cycle PR gate. A nil cache falls back to an
// in-memory one; a nil gate log writes to the default path.
func NewGate(pulls PullForge, cache prgate.EvaluationCache, log *slog.Logger) *Gate {
	if cache == nil {
		cache = prgate.NewMemoryCache()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gate{
		PolicyPath:   prgate.DefaultPolicyPath,
		ArtifactRoot: prgate.ArtifactRoot,
		pulls:        pulls,
		cache:        cache,
		gateLog:      gatelog.New(gatelog.DefaultPath),
		out:          os.Stdout,
		log:          log.With("component", "pr-gate"),
		telemetry:    observability.Disabled(),
	}
}

// WithTelemetry installs the provider that counts gate evaluations.
func (g *Gate) WithTelemetry(p *observability.Provider) *Gate {
	if p != nil {
		g.telemetry = p
	}
	return g
}

// WithSignatureProber installs a local git probe for commits the forge
// reports unverified.
func (g *Gate) WithSignatureProber(prober forge.SignatureProber) *Gate {
	g.prober = prober
	return g
}

// WithOutput redirects the PR_GATE_REPORT token stream.
func (g *Gate) WithOutput(w io.Writer) *Gate {
	g.out = w
	return g
}

// Run loads the policy under lockdown and evaluates open PRs in
// ascending number order. Any API fault fails closed: the error is
// returned before the cache is marked, so the PR is re-evaluated next
// cycle.
func (g *Gate) Run(ctx context.Context) error {
	policy, policyHash, err := prgate.LoadPolicy(g.PolicyPath, g.gateLog)
	if err != nil {
		return err
	}
	if g.BaselineHash != "" {
		if _, err := prgate.EnforceLockdown(g.PolicyPath, g.BaselineHash, g.gateLog); err != nil {
			var lockdown *prgate.LockdownError
			if errors.As(err, &lockdown) {
				fmt.Fprintln(g.out, lockdown.Error())
			}
			return err
		}
	}

	prs, err := g.pulls.OpenPullRequests(ctx, nil)
	if err != nil {
		return err
	}
	for _, pr := range prs {
		sha := pr.Head.SHA
		seen, err := g.cache.Seen(ctx, pr.Number, sha, policyHash)
		if err != nil {
			return err
		}
		if seen {
			continue
		}
		if err := g.evaluateOne(ctx, policy, policyHash, prs, pr); err != nil {
			return err
		}
		if err := g.cache.Mark(ctx, pr.Number, sha, policyHash); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gate) evaluateOne(ctx context.Context, policy prgate.Policy, policyHash string, prs []forge.PullRequest, pr forge.PullRequest) error {
	// The pending status goes up before any fetch so an API fault mid
	// evaluation leaves the PR visibly unmerged rather than unexamined.
	if err := prgate.PublishGovernanceStatus(ctx, g.pulls, pr.Head.SHA, "pending", "governance evaluation in progress", g.gateLog); err != nil {
		return err
	}

	files, err := g.pulls.PullRequestFiles(ctx, pr.Number)
	if err != nil {
		return err
	}
	reviews, err := g.pulls.PullRequestReviews(ctx, pr.Number)
	if err != nil {
		return err
	}
	commits, err := g.pulls.PullRequestCommits(ctx, pr.Number, g.prober)
	if err != nil {
		return err
	}
	statuses, err := g.pulls.CommitStatuses(ctx, pr.Head.SHA)
	if err != nil {
		return err
	}

	result := prgate.Evaluate(policy, prgate.Input{
		PR:       pr,
		OpenPRs:  prs,
		Commits:  commits,
		Files:    files,
		Reviews:  reviews,
		Statuses: statuses,
	})
	prgate.LogGateEvents(g.gateLog, result)

	line, err := prgate.ReportLine(pr.Number, pr.Head.SHA, policyHash, result)
	if err != nil {
		return err
	}
	fmt.Fprintln(g.out, line)
	if _, err := prgate.WriteArtifact(g.ArtifactRoot, pr.Number, pr.Head.SHA, policyHash, result, g.gateLog); err != nil {
		return err
	}

	state, description := prgate.StatusForResult(result)
	if err := prgate.PublishGovernanceStatus(ctx, g.pulls, pr.Head.SHA, state, description, g.gateLog); err != nil {
		return err
	}
	g.telemetry.RecordGateEvaluation(ctx,
		observability.GateOperation(pr.Number, pr.Head.SHA, policyHash, state)...)
	g.log.Info("pr evaluated", "pr", pr.Number, "head", pr.Head.SHA, "passed", result.Passed)
	return nil
}
