package prgate

import (
	"strings"

	"github.com/forgewarden/warden/pkg/forge"
	"github.com/forgewarden/warden/pkg/gatelog"
)

// DryRunPolicy is a complete policy exercising every gate, used to smoke
// the evaluator and log pipeline without forge access.
func DryRunPolicy() Policy {
	return Policy{
		Version: "v0.2",
		BranchRules: BranchRules{
			FeatureToDevelopOnly: true,
			Patterns: map[string]BranchPattern{
				"feature": {Regex: `^feature/.+$`},
				"hotfix":  {Regex: `^hotfix/.+$`},
				"release": {Regex: `^release/.+$`},
			},
		},
		Approvals: ApprovalsConfig{
			DisallowSelfApproval: true,
			Branches: map[string]BranchApprovals{
				"develop": {MinApprovals: 1, RequireDistinctReviewer: true},
			},
		},
		IssueLink: IssueLinkConfig{
			Required: true,
			Patterns: []string{`(^|\s)#([0-9]+)(\s|$)`},
		},
		PRTemplate: TemplateConfig{
			RequiredSections:   []string{"Subsystem", "Risk Level"},
			RejectPlaceholders: []string{"TBD", "TODO", "N/A"},
			MinSectionLength:   2,
		},
		HighRiskPaths: []string{"supervisor/"},
		Locks: LockConfig{
			RequiredOnHighRisk: true,
			Exclusive:          true,
			Allowed:            []string{"LOCK:supervisor/"},
		},
		CI: CIConfig{RequiredChecks: []string{"lint", "unit-tests"}},
		SystemEvolution: SystemEvolutionConfig{
			DetectPaths: []string{"supervisor/", "governance/policy/"},
			Approvals:   BranchApprovals{MinApprovals: 2, RequireHumanApproval: true},
			CI:          CIConfig{RequiredChecks: []string{"lint", "unit-tests", "determinism-check"}},
		},
		CommitSigning: CommitSigningConfig{Required: true},
	}
}

// DryRun evaluates a fixed synthetic PR against DryRunPolicy, writes the
// artifact, and logs the gate stream. It returns the evaluation result.
func DryRun(artifactRoot string, log *gatelog.Logger) (Result, error) {
	if log == nil {
		log = gatelog.New("")
	}
	pr := forge.PullRequest{
		Number: 999,
		Title:  "feature work #123",
		Body:   "### Subsystem\ncore\n### Risk Level\nhigh\nLOCK:supervisor/",
		Base:   forge.Branch{Ref: "develop"},
		Head:   forge.Branch{Ref: "feature/demo"},
		User:   forge.User{Login: "author"},
	}
	input := Input{
		PR: pr,
		Commits: []forge.Commit{{
			SHA: "dryrunsha",
			Signature: forge.SignatureEvidence{
				Verifiable: true,
				Verified:   true,
				Source:     "local_git",
				Reason:     "good_signature",
			},
		}},
		Files: []string{"supervisor/loop.go"},
		Reviews: []forge.Review{{
			State:       "APPROVED",
			SubmittedAt: "2026-01-01T00:00:00Z",
			User:        forge.User{Login: "reviewer", Type: "User"},
		}},
		Statuses: []forge.CommitStatus{
			{Context: "lint", State: "success"},
			{Context: "unit-tests", State: "success"},
			{Context: "determinism-check", State: "success"},
		},
	}
	result := Evaluate(DryRunPolicy(), input)
	LogGateEvents(log, result)
	if _, err := WriteArtifact(artifactRoot, pr.Number, "dryrunsha", strings.Repeat("0", 64), result, log); err != nil {
		return Result{}, err
	}
	return result, nil
}
