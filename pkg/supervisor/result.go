package supervisor

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/forgewarden/warden/pkg/errcode"
)

// CodeResultInvalid marks an executor result that fails the schema.
const CodeResultInvalid = "execution.result.invalid"

// Result is the executor's structured report. AllowedFilesFallback is set
// when the executor declared no changed files and the instruction's
// allowed set was substituted; the fallback hides a potential misreport
// and is therefore always flagged.
type Result struct {
	Status               string   `json:"status"`
	ChangedFiles         []string `json:"changed_files"`
	TestsPassed          bool     `json:"tests_passed"`
	Logs                 string   `json:"logs"`
	Timestamp            string   `json:"timestamp"`
	AllowedFilesFallback bool     `json:"allowed_files_fallback,omitempty"`
}

const resultSchemaJSON = `{
  "type": "object",
  "required": ["status", "tests_passed", "logs", "timestamp"],
  "properties": {
    "status": {"enum": ["success", "failure"]},
    "changed_files": {"type": "array", "items": {"type": "string"}},
    "tests_passed": {"type": "boolean"},
    "logs": {"type": "string"},
    "timestamp": {"type": "string"}
  }
}`

var resultSchema = jsonschema.MustCompileString("executor-result.json", resultSchemaJSON)

// IngestResult parses the last non-empty stdout line as the executor
// result. When stdout carries no JSON object the declared allowed files
// stand in for changed files, flagged as a fallback.
func IngestResult(stdout string, allowedFiles []string) (Result, error) {
	line := lastNonEmptyLine(stdout)
	if line == "" || !strings.HasPrefix(strings.TrimSpace(line), "{") {
		return fallbackResult(allowedFiles), nil
	}
	var generic any
	if err := json.Unmarshal([]byte(line), &generic); err != nil {
		return Result{}, errcode.Newf(CodeResultInvalid, "reason", "last stdout line is not json: %v", err)
	}
	if err := resultSchema.Validate(generic); err != nil {
		return Result{}, errcode.Newf(CodeResultInvalid, "reason", "%v", err)
	}
	var result Result
	if err := json.Unmarshal([]byte(line), &result); err != nil {
		return Result{}, errcode.Newf(CodeResultInvalid, "reason", "%v", err)
	}
	if result.ChangedFiles == nil {
		result.ChangedFiles = append([]string{}, allowedFiles...)
		result.AllowedFilesFallback = true
	}
	sort.Strings(result.ChangedFiles)
	return result, nil
}

func fallbackResult(allowedFiles []string) Result {
	changed := append([]string{}, allowedFiles...)
	sort.Strings(changed)
	return Result{
		Status:               "success",
		ChangedFiles:         changed,
		TestsPassed:          true,
		Logs:                 "no structured result on stdout",
		AllowedFilesFallback: true,
	}
}

func lastNonEmptyLine(stdout string) string {
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

var commitSkeletonRe = regexp.MustCompile(`^(feat|fix|chore)\([^)]+\): .+`)

// VerifyResult decides whether a dispatch outcome may proceed to commit:
// deterministic status, changed files within the allowed set, no timeout,
// and a conforming commit-message skeleton when one is proposed.
func VerifyResult(result Result, allowedFiles []string, exitCode int, commitMessage string) (bool, string) {
	if result.Status != "success" && result.Status != "failure" {
		return false, "nondeterministic status"
	}
	if exitCode == TimeoutExitCode {
		return false, "executor timed out"
	}
	allowed := make(map[string]bool, len(allowedFiles))
	for _, file := range allowedFiles {
		allowed[file] = true
	}
	for _, file := range result.ChangedFiles {
		if !allowed[file] {
			return false, "changed file outside allowed set: " + file
		}
	}
	if commitMessage != "" && !commitSkeletonRe.MatchString(commitMessage) {
		return false, "commit message skeleton mismatch"
	}
	return true, ""
}
