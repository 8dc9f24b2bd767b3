// Package governance enforces the repository's governance contract on
// every task: the contract and environment documents must load at
// startup, stay byte-identical for the life of the process, and every
// instruction, pre-computation, and commit passes its gate before any
// irreversible action. Violations are critical, appended to a JSONL log,
// and reject the task.
package governance

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/forgewarden/warden/pkg/canonical"
)

// Default document locations inside the governed repository.
const (
	DefaultContractPath     = "docs/governance.md"
	DefaultEnvironmentPath  = "agents/state/environment.json"
	DefaultViolationLogPath = "logs/governance_violations.log"
)

// Violation is a failed governance gate. The rule name is stable and
// appears in the violation log.
type Violation struct {
	Rule    string
	Message string
	Context map[string]any
}

func (v *Violation) Error() string {
	return fmt.Sprintf("governance violation rule=%s: %s", v.Rule, v.Message)
}

// Report summarizes the gates run since the last context load.
type Report struct {
	Compliant          bool
	Violations         []violationRecord
	EnforcementActions []string
}

type violationRecord struct {
	Timestamp string         `json:"timestamp"`
	Severity  string         `json:"severity"`
	Rule      string         `json:"rule"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context"`
}

// Enforcer holds the loaded governance context and runs the gates.
type Enforcer struct {
	ContractPath     string
	EnvironmentPath  string
	ViolationLogPath string

	log          *slog.Logger
	now          func() time.Time
	contractHash string
	environment  map[string]any
	report       Report
}

// NewEnforcer builds an enforcer over the default document paths; any
// empty path keeps its default.
func NewEnforcer(contractPath, environmentPath, violationLogPath string, log *slog.Logger) *Enforcer {
	if contractPath == "" {
		contractPath = DefaultContractPath
	}
	if environmentPath == "" {
		environmentPath = DefaultEnvironmentPath
	}
	if violationLogPath == "" {
		violationLogPath = DefaultViolationLogPath
	}
	if log == nil {
		log = slog.Default()
	}
	return &Enforcer{
		ContractPath:     contractPath,
		EnvironmentPath:  environmentPath,
		ViolationLogPath: violationLogPath,
		log:              log,
		now:              time.Now,
		report:           Report{Compliant: true},
	}
}

// ContractHash returns the hash captured at context load, empty before.
func (e *Enforcer) ContractHash() string { return e.contractHash }

// Environment returns the parsed environment document.
func (e *Enforcer) Environment() map[string]any { return e.environment }

// LastReport returns the gate outcomes since the last LoadContext.
func (e *Enforcer) LastReport() Report { return e.report }

func (e *Enforcer) recordViolation(rule, message string, context map[string]any) *Violation {
	if context == nil {
		context = map[string]any{}
	}
	record := violationRecord{
		Timestamp: e.now().UTC().Format("2006-01-02T15:04:05Z"),
		Severity:  "critical",
		Rule:      rule,
		Message:   message,
		Context:   context,
	}
	e.report.Compliant = false
	e.report.Violations = append(e.report.Violations, record)
	e.report.EnforcementActions = append(e.report.EnforcementActions, "task_rejected")
	e.appendViolationLog(record)
	e.log.Error("governance violation", "rule", rule, "message", message)
	return &Violation{Rule: rule, Message: message, Context: context}
}

func (e *Enforcer) appendViolationLog(record violationRecord) {
	data, err := json.Marshal(record)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(e.ViolationLogPath), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(e.ViolationLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintln(f, string(data))
}

// LoadContext loads the governance contract and environment document and
// pins the contract hash. Required at startup; nothing else runs first.
func (e *Enforcer) LoadContext() error {
	e.report = Report{Compliant: true}
	contract, err := os.ReadFile(e.ContractPath)
	if err != nil {
		return e.recordViolation("context_loading", fmt.Sprintf("failed to load governance contract: %v", err), nil)
	}
	envRaw, err := os.ReadFile(e.EnvironmentPath)
	if err != nil {
		return e.recordViolation("context_loading", fmt.Sprintf("failed to load environment document: %v", err), nil)
	}
	var environment map[string]any
	if err := json.Unmarshal(envRaw, &environment); err != nil {
		return e.recordViolation("context_loading", fmt.Sprintf("environment document is not a json mapping: %v", err), nil)
	}
	e.environment = environment
	e.contractHash = canonical.HashText(string(contract))
	return nil
}

// EnforceImmutability re-hashes the contract and requires it unchanged
// since LoadContext.
func (e *Enforcer) EnforceImmutability() error {
	if e.contractHash == "" {
		return e.recordViolation("immutability", "governance context was not loaded before enforcement", nil)
	}
	current, err := os.ReadFile(e.ContractPath)
	if err != nil {
		return e.recordViolation("immutability", fmt.Sprintf("cannot verify governance immutability: %v", err), nil)
	}
	if canonical.HashText(string(current)) != e.contractHash {
		return e.recordViolation("immutability",
			"governance contract changed after startup without amendment flow",
			map[string]any{"governance_path": e.ContractPath})
	}
	return nil
}

var roleSeparationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?s)\bplanner\b.{0,40}\b(write|implement|code|refactor|modify)\b`),
	regexp.MustCompile(`(?s)\bplanner\b.{0,40}\b(commit|push|execute)\b`),
}

var forbiddenActionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\buncontrolled architectural\b`),
	regexp.MustCompile(`\barchitectural rewrite\b`),
	regexp.MustCompile(`\brewrite (the )?(entire|whole)\b`),
	regexp.MustCompile(`\bspeculative rewrite\b`),
}

var nondeterministicTerms = []string{
	"maybe",
	"perhaps",
	"if possible",
	"as needed",
	"when convenient",
}

// ValidateInstruction checks role separation, forbidden architectural
// actions, and nondeterministic phrasing.
func (e *Enforcer) ValidateInstruction(instruction string) error {
	lower := strings.ToLower(instruction)
	for _, pattern := range roleSeparationPatterns {
		if pattern.MatchString(lower) {
			return e.recordViolation("role_separation",
				"instruction violates role separation for planner",
				map[string]any{"pattern": pattern.String()})
		}
	}
	for _, pattern := range forbiddenActionPatterns {
		if pattern.MatchString(lower) {
			return e.recordViolation("allowed_actions",
				"instruction requests forbidden architectural action",
				map[string]any{"pattern": pattern.String()})
		}
	}
	for _, term := range nondeterministicTerms {
		if strings.Contains(lower, term) {
			return e.recordViolation("deterministic_behavior",
				"instruction contains non-deterministic phrasing",
				map[string]any{"term": term})
		}
	}
	return nil
}

// ValidatePreComputation runs the full pre-dispatch gate: immutability,
// instruction validation, and a declared intended outcome.
func (e *Enforcer) ValidatePreComputation(instruction, intendedOutcome string) error {
	if err := e.EnforceImmutability(); err != nil {
		return err
	}
	if err := e.ValidateInstruction(instruction); err != nil {
		return err
	}
	if strings.TrimSpace(intendedOutcome) == "" {
		return e.recordViolation("pre_computation", "intended outcome is missing", nil)
	}
	return nil
}

var allowedFileRe = regexp.MustCompile("`([A-Za-z0-9_./-]+)`")
var commitMessageRe = regexp.MustCompile(`^(feat|fix|chore)\([^)]+\): .+`)

// AllowedFiles extracts the file paths an instruction explicitly permits.
// Only backtick-wrapped paths count.
func AllowedFiles(instruction string) map[string]bool {
	allowed := make(map[string]bool)
	for _, match := range allowedFileRe.FindAllStringSubmatch(instruction, -1) {
		allowed[match[1]] = true
	}
	return allowed
}

// ValidateCommitPolicy checks the commit against the instruction's file
// scope, the message convention, and the contract's own immutability.
func (e *Enforcer) ValidateCommitPolicy(instruction string, changedFiles []string, commitMessage string) error {
	if err := e.EnforceImmutability(); err != nil {
		return err
	}
	allowed := AllowedFiles(instruction)
	if len(allowed) == 0 {
		return e.recordViolation("commit_policy.affected_files",
			"no explicit allowed files found in instruction text", nil)
	}
	var disallowed []string
	for _, file := range changedFiles {
		if !allowed[file] {
			disallowed = append(disallowed, file)
		}
	}
	if len(disallowed) > 0 {
		return e.recordViolation("commit_policy.affected_files",
			"commit includes files not explicitly allowed by task",
			map[string]any{"disallowed_files": disallowed})
	}
	if !commitMessageRe.MatchString(commitMessage) {
		return e.recordViolation("commit_policy.message_format",
			"commit message does not follow required convention",
			map[string]any{"message": commitMessage})
	}
	for _, file := range changedFiles {
		if file == e.ContractPath {
			return e.recordViolation("content_compliance",
				"commit attempts to modify immutable governance contract", nil)
		}
	}
	return nil
}

// ComplianceReportBlock renders the markdown block summarizing the gate
// outcomes since the last context load.
func (e *Enforcer) ComplianceReportBlock() string {
	lines := []string{
		"## Governance Compliance Report",
		fmt.Sprintf("- governance_compliant: %t", e.report.Compliant),
		fmt.Sprintf("- violations_detected: %d", len(e.report.Violations)),
	}
	if len(e.report.EnforcementActions) > 0 {
		lines = append(lines, "- enforcement_actions: "+strings.Join(e.report.EnforcementActions, ", "))
	} else {
		lines = append(lines, "- enforcement_actions: none")
	}
	return strings.Join(lines, "\n")
}
