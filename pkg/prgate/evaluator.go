package prgate

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/forgewarden/warden/pkg/forge"
)

// Gate names, in evaluation order. The order is part of the external
// contract: two runs over identical inputs emit identical event streams.
const (
	GateBranchNameRegex          = "branch_name_regex"
	GateFeatureToDevelopOnly     = "feature_to_develop_only"
	GateIssueReferenceRequired   = "issue_reference_required"
	GatePRTemplateSections       = "pr_template_sections"
	GatePRTemplatePlaceholders   = "pr_template_placeholders"
	GateHighRiskPathDetection    = "high_risk_path_detection"
	GateLockRequired             = "lock_required"
	GateLockExclusive            = "lock_exclusive"
	GateRequiredStatusChecks     = "required_status_checks"
	GateSelfApprovalForbidden    = "self_approval_forbidden"
	GateMinApprovalsMet          = "min_approvals_met"
	GateDistinctReviewerRequired = "distinct_reviewer_required"
	GateHumanApprovalRequired    = "human_approval_required"
	GateSystemEvolution          = "system_evolution_escalation"
	GateCommitSigningRequired    = "commit_signing_required"
)

// GateEvent is one gate's verdict.
type GateEvent struct {
	Gate   string `json:"gate"`
	Result string `json:"result"`
	Reason string `json:"reason"`
}

// Result is the full evaluation outcome for one PR at one head SHA.
type Result struct {
	Passed             bool           `json:"passed"`
	BaseBranch         string         `json:"base_branch"`
	HeadBranch         string         `json:"head_branch"`
	SystemEvolution    bool           `json:"system_evolution"`
	FailedGates        []string       `json:"failed_gates"`
	FailedReasons      []string       `json:"failed_reasons"`
	GateEvents         []GateEvent    `json:"gate_events"`
	PolicyRequirements map[string]any `json:"policy_requirements"`
	Observed           map[string]any `json:"observed"`
}

// Input bundles everything the evaluator needs; all of it is fetched
// before evaluation so the evaluator itself stays pure.
type Input struct {
	PR       forge.PullRequest
	OpenPRs  []forge.PullRequest
	Commits  []forge.Commit
	Files    []string
	Reviews  []forge.Review
	Statuses []forge.CommitStatus
}

var lockTokenRe = regexp.MustCompile(`\bLOCK:[A-Za-z0-9_./-]+\b`)
var sectionHeadingRe = regexp.MustCompile(`^###\s+(.+?)\s*$`)

type recorder struct {
	events []GateEvent
	failed []string
}

func (r *recorder) record(gate string, passed bool, reason string) {
	result := "PASS"
	if !passed {
		result = "FAIL"
		r.failed = append(r.failed, gate)
	}
	r.events = append(r.events, GateEvent{Gate: gate, Result: result, Reason: reason})
}

// Evaluate runs every gate in fixed order and returns the report.
func Evaluate(policy Policy, input Input) Result {
	rec := &recorder{}

	baseBranch := strings.TrimSpace(input.PR.Base.Ref)
	headBranch := strings.TrimSpace(input.PR.Head.Ref)
	prText := input.PR.Title + "\n\n" + input.PR.Body
	author := strings.TrimSpace(input.PR.User.Login)
	branchCfg := policy.Approvals.Branches[baseBranch]

	// 1-2. Branch shape.
	anyMatch, featureMatch := matchBranchPatterns(policy.BranchRules.Patterns, headBranch)
	rec.record(GateBranchNameRegex, anyMatch, "head_branch="+headBranch)

	featureToDevelopOK := !policy.BranchRules.FeatureToDevelopOnly || !featureMatch || baseBranch == "develop"
	rec.record(GateFeatureToDevelopOnly, featureToDevelopOK, "base_branch="+baseBranch)

	// 3. Issue reference.
	issueRefOK := issueRefPresent(policy.IssueLink, prText)
	issueReason := "issue_ref_present"
	if !issueRefOK {
		issueReason = "missing_issue_ref"
	}
	rec.record(GateIssueReferenceRequired, issueRefOK, issueReason)

	// 4-5. Template sections and placeholders.
	missingSections, shortSections, placeholderSections := checkTemplate(policy.PRTemplate, input.PR.Body)
	sectionsOK := len(missingSections) == 0 && len(shortSections) == 0
	sectionReason := "ok"
	if !sectionsOK {
		sectionReason = fmt.Sprintf("missing=%s short=%s", strings.Join(missingSections, ","), strings.Join(shortSections, ","))
	}
	rec.record(GatePRTemplateSections, sectionsOK, sectionReason)

	placeholdersOK := len(placeholderSections) == 0
	placeholderReason := "ok"
	if !placeholdersOK {
		placeholderReason = "sections=" + strings.Join(placeholderSections, ",")
	}
	rec.record(GatePRTemplatePlaceholders, placeholdersOK, placeholderReason)

	// 6. High-risk path detection. Informational: it always passes but
	// its observation drives the lock gates.
	touchedHighRisk := touchedPrefixes(input.Files, policy.HighRiskPaths)
	touchesHighRisk := len(touchedHighRisk) > 0
	riskReason := "none"
	if touchesHighRisk {
		riskReason = "touched=" + strings.Join(touchedHighRisk, ",")
	}
	rec.record(GateHighRiskPathDetection, true, riskReason)

	// 7-8. Locks.
	lockRequired := touchesHighRisk && policy.Locks.RequiredOnHighRisk
	allowedLocks := make(map[string]bool, len(policy.Locks.Allowed))
	for _, token := range policy.Locks.Allowed {
		allowedLocks[token] = true
	}
	var selectedLocks []string
	for _, token := range lockTokenRe.FindAllString(prText, -1) {
		if allowedLocks[token] {
			selectedLocks = append(selectedLocks, token)
		}
	}
	sort.Strings(selectedLocks)
	lockToken := ""
	if len(selectedLocks) > 0 {
		lockToken = selectedLocks[0]
	}
	lockRequiredOK := !lockRequired || lockToken != ""
	lockRequiredReason := "ok"
	if !lockRequiredOK {
		sortedAllowed := append([]string(nil), policy.Locks.Allowed...)
		sort.Strings(sortedAllowed)
		want := "LOCK:<required>"
		if len(sortedAllowed) > 0 {
			want = sortedAllowed[0]
		}
		lockRequiredReason = "missing " + want
	}
	rec.record(GateLockRequired, lockRequiredOK, lockRequiredReason)

	var lockConflictPRs []int64
	if lockToken != "" && policy.Locks.Exclusive {
		for _, other := range input.OpenPRs {
			if other.Number == input.PR.Number {
				continue
			}
			otherText := other.Title + "\n\n" + other.Body
			for _, token := range lockTokenRe.FindAllString(otherText, -1) {
				if token == lockToken {
					lockConflictPRs = append(lockConflictPRs, other.Number)
					break
				}
			}
		}
	}
	sort.Slice(lockConflictPRs, func(i, j int) bool { return lockConflictPRs[i] < lockConflictPRs[j] })
	lockExclusiveOK := len(selectedLocks) <= 1 && len(lockConflictPRs) == 0
	lockExclusiveReason := "ok"
	if len(selectedLocks) > 1 {
		lockExclusiveReason = "multiple_tokens=" + strings.Join(selectedLocks, ",")
	} else if len(lockConflictPRs) > 0 {
		conflicts := make([]string, len(lockConflictPRs))
		for i, n := range lockConflictPRs {
			conflicts[i] = fmt.Sprintf("%d", n)
		}
		lockExclusiveReason = "conflicts=" + strings.Join(conflicts, ",")
	}
	rec.record(GateLockExclusive, lockExclusiveOK, lockExclusiveReason)

	// 9. Required status checks, possibly escalated.
	requiredChecks, isSystemEvolution := requiredStatusChecks(policy, input.Files)
	stateByContext := statusByContext(input.Statuses)
	checks := make([]map[string]any, 0, len(requiredChecks))
	checksOK := true
	for _, ctx := range requiredChecks {
		state, ok := stateByContext[ctx]
		if !ok {
			state = "missing"
		}
		pass := state == "success"
		if !pass {
			checksOK = false
		}
		checks = append(checks, map[string]any{"context": ctx, "state": state, "ok": pass})
	}
	checksReason := "all_required_checks_success"
	if !checksOK {
		checksReason = "missing_or_failed_checks"
	}
	rec.record(GateRequiredStatusChecks, checksOK, checksReason)

	// 10-13. Approvals.
	approved := latestApprovedReviews(input.Reviews)
	approvedUsers := make([]string, 0, len(approved))
	for login := range approved {
		approvedUsers = append(approvedUsers, login)
	}
	sort.Strings(approvedUsers)

	authorApproved := author != "" && approved[author] != ""
	selfApprovalOK := !policy.Approvals.DisallowSelfApproval || !authorApproved
	rec.record(GateSelfApprovalForbidden, selfApprovalOK,
		fmt.Sprintf("author=%s author_approved=%t", author, authorApproved))

	effectiveApprovers := make([]string, 0, len(approvedUsers))
	for _, login := range approvedUsers {
		if login != author {
			effectiveApprovers = append(effectiveApprovers, login)
		}
	}

	minApprovals := branchCfg.MinApprovals
	requireHuman := branchCfg.RequireHumanApproval
	requireDistinct := branchCfg.RequireDistinctReviewer
	if isSystemEvolution {
		if policy.SystemEvolution.Approvals.MinApprovals > minApprovals {
			minApprovals = policy.SystemEvolution.Approvals.MinApprovals
		}
		requireHuman = requireHuman || policy.SystemEvolution.Approvals.RequireHumanApproval
	}

	minApprovalsMet := len(effectiveApprovers) >= minApprovals
	rec.record(GateMinApprovalsMet, minApprovalsMet,
		fmt.Sprintf("have=%d need=%d", len(effectiveApprovers), minApprovals))

	distinctOK := !requireDistinct || len(effectiveApprovers) > 0
	distinctReason := "ok"
	if !distinctOK {
		distinctReason = "approvers=" + strings.Join(effectiveApprovers, ",")
	}
	rec.record(GateDistinctReviewerRequired, distinctOK, distinctReason)

	humanOK := true
	if requireHuman {
		humanOK = false
		for login, userType := range approved {
			if login == author {
				continue
			}
			if userType != "bot" {
				humanOK = true
				break
			}
		}
	}
	rec.record(GateHumanApprovalRequired, humanOK, fmt.Sprintf("required=%t", requireHuman))

	// 14. System-evolution escalation is a conjunction of gates already
	// evaluated, recorded as its own verdict.
	if !isSystemEvolution {
		rec.record(GateSystemEvolution, true, "inactive")
	} else {
		escalationOK := minApprovalsMet && humanOK && checksOK
		escalationReason := "requirements_met"
		if !escalationOK {
			escalationReason = fmt.Sprintf("min_approvals_met=%t human_approval_required=%t required_status_checks=%t",
				minApprovalsMet, humanOK, checksOK)
		}
		rec.record(GateSystemEvolution, escalationOK, escalationReason)
	}

	// 15. Commit signing.
	unverifiable, unsigned := checkCommitSigning(policy.CommitSigning, input.Commits)
	signingOK := len(unverifiable) == 0 && len(unsigned) == 0
	signingReason := "all_commits_signed"
	if !signingOK {
		signingReason = fmt.Sprintf("unverifiable=%d unsigned=%d", len(unverifiable), len(unsigned))
	}
	rec.record(GateCommitSigningRequired, signingOK, signingReason)

	failedGates := sortedUnique(rec.failed)
	failedReasons := make([]string, 0)
	for _, event := range rec.events {
		if event.Result == "FAIL" {
			failedReasons = append(failedReasons, event.Reason)
		}
	}

	conflictNumbers := make([]any, 0, len(lockConflictPRs))
	for _, n := range lockConflictPRs {
		conflictNumbers = append(conflictNumbers, n)
	}
	var lockTokenObserved any
	if lockToken != "" {
		lockTokenObserved = lockToken
	}

	return Result{
		Passed:          len(failedGates) == 0,
		BaseBranch:      baseBranch,
		HeadBranch:      headBranch,
		SystemEvolution: isSystemEvolution,
		FailedGates:     failedGates,
		FailedReasons:   failedReasons,
		GateEvents:      rec.events,
		PolicyRequirements: map[string]any{
			"min_approvals":             minApprovals,
			"require_human_approval":    requireHuman,
			"require_distinct_reviewer": requireDistinct,
			"required_checks":           requiredChecks,
			"lock_required":             lockRequired,
			"disallow_self_approval":    policy.Approvals.DisallowSelfApproval,
		},
		Observed: map[string]any{
			"approvals":            len(effectiveApprovers),
			"approvers":            effectiveApprovers,
			"author":               author,
			"author_approved":      authorApproved,
			"checks":               checks,
			"touches_high_risk":    touchesHighRisk,
			"lock_token":           lockTokenObserved,
			"lock_conflict_prs":    conflictNumbers,
			"missing_sections":     missingSections,
			"placeholder_sections": placeholderSections,
			"short_sections":       shortSections,
			"unverifiable_commits": unverifiable,
			"unsigned_commits":     unsigned,
			"files_count":          len(input.Files),
		},
	}
}

func matchBranchPatterns(patterns map[string]BranchPattern, headBranch string) (anyMatch, featureMatch bool) {
	names := make([]string, 0, len(patterns))
	for name := range patterns {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		re, err := regexp.Compile(patterns[name].Regex)
		if err != nil || patterns[name].Regex == "" {
			continue
		}
		if matched := re.FindStringIndex(headBranch); matched != nil && matched[0] == 0 {
			anyMatch = true
			if name == "feature" {
				featureMatch = true
			}
		}
	}
	return anyMatch, featureMatch
}

func issueRefPresent(cfg IssueLinkConfig, text string) bool {
	if !cfg.Required {
		return true
	}
	for _, pattern := range cfg.Patterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// sectionMap splits a markdown body into "### heading" sections.
func sectionMap(body string) map[string]string {
	sections := make(map[string]string)
	var current string
	var buf []string
	flush := func() {
		if current != "" {
			sections[current] = strings.TrimSpace(strings.Join(buf, "\n"))
		}
	}
	for _, line := range strings.Split(body, "\n") {
		if m := sectionHeadingRe.FindStringSubmatch(line); m != nil {
			flush()
			current = m[1]
			buf = buf[:0]
			if _, ok := sections[current]; !ok {
				sections[current] = ""
			}
			continue
		}
		if current != "" {
			buf = append(buf, line)
		}
	}
	flush()
	return sections
}

func checkTemplate(cfg TemplateConfig, body string) (missing, short, placeholder []string) {
	placeholders := make([]string, 0, len(cfg.RejectPlaceholders))
	for _, token := range cfg.RejectPlaceholders {
		placeholders = append(placeholders, strings.ToLower(token))
	}
	content := sectionMap(body)
	missing = make([]string, 0)
	short = make([]string, 0)
	placeholder = make([]string, 0)
	for _, section := range cfg.RequiredSections {
		text, ok := content[section]
		if !ok {
			missing = append(missing, section)
			continue
		}
		low := strings.ToLower(text)
		for _, token := range placeholders {
			if strings.Contains(low, token) {
				placeholder = append(placeholder, section)
				break
			}
		}
		if len(strings.TrimSpace(text)) < cfg.MinSectionLength {
			short = append(short, section)
		}
	}
	return missing, short, placeholder
}

func touchedPrefixes(files, prefixes []string) []string {
	seen := make(map[string]bool)
	for _, path := range files {
		for _, prefix := range prefixes {
			if strings.HasPrefix(path, prefix) {
				seen[prefix] = true
				break
			}
		}
	}
	touched := make([]string, 0, len(seen))
	for prefix := range seen {
		touched = append(touched, prefix)
	}
	sort.Strings(touched)
	return touched
}

func requiredStatusChecks(policy Policy, files []string) ([]string, bool) {
	required := append([]string(nil), policy.CI.RequiredChecks...)
	isSystemEvolution := false
	for _, path := range files {
		for _, prefix := range policy.SystemEvolution.DetectPaths {
			if strings.HasPrefix(path, prefix) {
				isSystemEvolution = true
				break
			}
		}
		if isSystemEvolution {
			break
		}
	}
	if isSystemEvolution && len(policy.SystemEvolution.CI.RequiredChecks) > 0 {
		required = append([]string(nil), policy.SystemEvolution.CI.RequiredChecks...)
	}
	return required, isSystemEvolution
}

// statusByContext keeps the first status seen per context; the forge
// returns newest first.
func statusByContext(statuses []forge.CommitStatus) map[string]string {
	byContext := make(map[string]string)
	for _, status := range statuses {
		if status.Context == "" {
			continue
		}
		if _, ok := byContext[status.Context]; ok {
			continue
		}
		byContext[status.Context] = strings.ToLower(status.State)
	}
	return byContext
}

// latestApprovedReviews maps login to user type for users whose most
// recent review is an approval.
func latestApprovedReviews(reviews []forge.Review) map[string]string {
	type latest struct {
		submittedAt string
		state       string
		userType    string
	}
	byUser := make(map[string]latest)
	for _, review := range reviews {
		login := review.User.Login
		if login == "" {
			continue
		}
		current, ok := byUser[login]
		if !ok || review.SubmittedAt >= current.submittedAt {
			byUser[login] = latest{
				submittedAt: review.SubmittedAt,
				state:       strings.ToUpper(review.State),
				userType:    strings.ToLower(review.User.Type),
			}
		}
	}
	approved := make(map[string]string)
	for login, meta := range byUser {
		if meta.state == "APPROVED" {
			approved[login] = meta.userType
		}
	}
	return approved
}

func checkCommitSigning(cfg CommitSigningConfig, commits []forge.Commit) (unverifiable, unsigned []string) {
	unverifiable = make([]string, 0)
	unsigned = make([]string, 0)
	if !cfg.Required {
		return unverifiable, unsigned
	}
	for _, commit := range commits {
		sha := commit.SHA
		if sha == "" {
			sha = "unknown"
		}
		verification := commit.Verification
		if verification == nil {
			verification = commit.Commit.Verification
		}
		if verification != nil {
			if !verification.Verified {
				unsigned = append(unsigned, sha)
			}
			continue
		}
		sig := commit.Signature
		switch {
		case sig.Source == "" || !sig.Verifiable:
			unverifiable = append(unverifiable, sha)
		case !sig.Verified:
			unsigned = append(unsigned, sha)
		}
	}
	return unverifiable, unsigned
}

func sortedUnique(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
