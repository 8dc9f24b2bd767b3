// Package prgate evaluates pull requests against the versioned governance
// policy: a fixed suite of independent gates over the PR, its files,
// reviews, statuses, and commits, producing an ordered report, a status
// publication, and an on-disk artifact. Evaluation is pure and idempotent;
// all forge I/O happens before the evaluator runs.
package prgate

import "gopkg.in/yaml.v3"

// Policy is the parsed PR governance policy document.
type Policy struct {
	Version         string                `yaml:"version"`
	BranchRules     BranchRules           `yaml:"branch_rules"`
	Approvals       ApprovalsConfig       `yaml:"approvals"`
	IssueLink       IssueLinkConfig       `yaml:"issue_link"`
	PRTemplate      TemplateConfig        `yaml:"pr_template"`
	HighRiskPaths   []string              `yaml:"high_risk_paths"`
	Locks           LockConfig            `yaml:"locks"`
	CI              CIConfig              `yaml:"ci"`
	SystemEvolution SystemEvolutionConfig `yaml:"system_evolution"`
	CommitSigning   CommitSigningConfig   `yaml:"commit_signing"`
}

// BranchRules names the accepted head-branch shapes.
type BranchRules struct {
	FeatureToDevelopOnly bool                     `yaml:"feature_to_develop_only"`
	Patterns             map[string]BranchPattern `yaml:"patterns"`
}

// BranchPattern is one named head-branch regex.
type BranchPattern struct {
	Regex string `yaml:"regex"`
}

// BranchApprovals is the approval requirement for one base branch.
type BranchApprovals struct {
	MinApprovals            int  `yaml:"min_approvals"`
	RequireHumanApproval    bool `yaml:"require_human_approval"`
	RequireDistinctReviewer bool `yaml:"require_distinct_reviewer"`
}

// ApprovalsConfig mixes one top-level flag with per-base-branch rules in
// the same YAML mapping, so it decodes by hand.
type ApprovalsConfig struct {
	DisallowSelfApproval bool
	Branches             map[string]BranchApprovals
}

func (a *ApprovalsConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]yaml.Node
	if err := node.Decode(&raw); err != nil {
		return err
	}
	a.Branches = make(map[string]BranchApprovals, len(raw))
	for key, value := range raw {
		if key == "disallow_self_approval" {
			if err := value.Decode(&a.DisallowSelfApproval); err != nil {
				return err
			}
			continue
		}
		var rule BranchApprovals
		if err := value.Decode(&rule); err != nil {
			return err
		}
		a.Branches[key] = rule
	}
	return nil
}

// IssueLinkConfig requires PRs to reference a tracked issue.
type IssueLinkConfig struct {
	Required bool     `yaml:"required"`
	Patterns []string `yaml:"patterns"`
}

// TemplateConfig enforces the PR body template.
type TemplateConfig struct {
	RequiredSections   []string `yaml:"required_sections"`
	RejectPlaceholders []string `yaml:"reject_placeholders"`
	MinSectionLength   int      `yaml:"min_section_length"`
}

// LockConfig governs LOCK: tokens on high-risk changes.
type LockConfig struct {
	RequiredOnHighRisk bool     `yaml:"required_on_high_risk"`
	Exclusive          bool     `yaml:"exclusive"`
	Allowed            []string `yaml:"allowed"`
}

// CIConfig names the status contexts that must be green.
type CIConfig struct {
	RequiredChecks []string `yaml:"required_checks"`
}

// SystemEvolutionConfig escalates requirements when a PR touches paths
// that change the control plane itself.
type SystemEvolutionConfig struct {
	DetectPaths []string        `yaml:"detect_paths"`
	Approvals   BranchApprovals `yaml:"approvals"`
	CI          CIConfig        `yaml:"ci"`
}

// CommitSigningConfig requires verified signatures on every commit.
type CommitSigningConfig struct {
	Required bool `yaml:"required"`
}
