// Package envcheck runs the bounded preflight that must pass before the
// supervisor touches any task: repository state, governance documents,
// the executor toolchain, forge connectivity, and label availability.
// Every probe is bounded by a short timeout and every failure maps to a
// stable environment.* code.
package envcheck

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/forgewarden/warden/pkg/errcode"
	"github.com/forgewarden/warden/pkg/forge"
	"github.com/forgewarden/warden/pkg/governance"
)

const (
	checkTimeout = 5 * time.Second

	// DefaultRequiredLabel must exist on the governed repository so the
	// supervisor can claim tasks.
	DefaultRequiredLabel = "in-progress"

	// DefaultExecutorCommand is the subprocess the supervisor dispatches
	// governed work to.
	DefaultExecutorCommand = "warden-executor"
)

// Failure codes, one per check.
const (
	CodeRepositoryUnavailable = "environment.repository.unavailable"
	CodeGovernanceMissing     = "environment.governance.missing"
	CodeGovernanceUnreadable  = "environment.governance.unreadable"
	CodeRuntimeInvalid        = "environment.runtime.invalid"
	CodeForgeAuthFailed       = "environment.gitea.auth_failed"
	CodeForgeUnreachable      = "environment.gitea.unreachable"
	CodeForgeInvalidResponse  = "environment.gitea.invalid_response"
	CodeLabelsMissing         = "environment.labels.missing"
)

// Result is the preflight outcome. ChecksFailed carries environment.*
// codes, ChecksPassed the names of the checks that held.
type Result struct {
	EnvironmentValid bool     `json:"environment_valid"`
	ChecksPassed     []string `json:"checks_passed"`
	ChecksFailed     []string `json:"checks_failed"`
	Timestamp        string   `json:"timestamp"`
}

// Err converts a failed result into a coded error, nil when valid.
func (r Result) Err() error {
	if r.EnvironmentValid {
		return nil
	}
	return errcode.New(r.ChecksFailed[0]).
		With("checks_failed", strings.Join(r.ChecksFailed, ","))
}

// Validator holds the probes. Zero-value fields fall back to the
// defaults of the governed repository layout.
type Validator struct {
	// Dir is the git work tree to validate, empty for the process cwd.
	Dir string

	GovernancePath  string
	EnvironmentPath string
	ExecutorCommand string
	RequiredLabel   string

	// Forge is required for the connectivity and label checks. Token
	// mirrors the client's credential; an empty token fails the
	// connectivity check before any call is made.
	Forge *forge.Client
	Token string

	log      *slog.Logger
	now      func() time.Time
	run      func(ctx context.Context, dir, name string, args ...string) error
	lookPath func(name string) (string, error)
}

// NewValidator builds a validator over the default document paths.
func NewValidator(forgeClient *forge.Client, token string, log *slog.Logger) *Validator {
	if log == nil {
		log = slog.Default()
	}
	return &Validator{
		GovernancePath:  governance.DefaultContractPath,
		EnvironmentPath: governance.DefaultEnvironmentPath,
		ExecutorCommand: DefaultExecutorCommand,
		RequiredLabel:   DefaultRequiredLabel,
		Forge:           forgeClient,
		Token:           token,
		log:             log.With("component", "envcheck"),
		now:             time.Now,
		run:             runCommand,
		lookPath:        exec.LookPath,
	}
}

func runCommand(ctx context.Context, dir, name string, args ...string) error {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Validate runs all five checks. It never stops early: the result names
// every failed check so an operator can fix them in one pass.
func (v *Validator) Validate(ctx context.Context) Result {
	passed := []string{}
	failed := []string{}

	record := func(name, code string, err error) {
		if err == nil {
			passed = append(passed, name)
			return
		}
		v.log.Warn("preflight check failed", "check", name, "code", code, "error", err)
		failed = append(failed, code)
	}

	record("repository_state", CodeRepositoryUnavailable, v.checkRepositoryState(ctx))

	if err := v.checkGovernanceFiles(); err != nil {
		code := CodeGovernanceUnreadable
		if errors.Is(err, os.ErrNotExist) {
			code = CodeGovernanceMissing
		}
		record("governance_files", code, err)
	} else {
		record("governance_files", "", nil)
	}

	record("runtime_toolchain", CodeRuntimeInvalid, v.checkRuntimeToolchain(ctx))

	if err := v.checkForgeConnectivity(ctx); err != nil {
		record("gitea_connectivity", classifyForgeError(err), err)
	} else {
		record("gitea_connectivity", "", nil)
	}

	record("label_availability", CodeLabelsMissing, v.checkLabelAvailability(ctx))

	result := Result{
		EnvironmentValid: len(failed) == 0,
		ChecksPassed:     passed,
		ChecksFailed:     failed,
		Timestamp:        v.now().UTC().Format("2006-01-02T15:04:05Z"),
	}
	v.log.Info("preflight complete", "environment_valid", result.EnvironmentValid,
		"checks_passed", len(passed), "checks_failed", len(failed))
	return result
}

// Ok runs the full validation and reports only the verdict. It adapts
// the validator to loop preflight hooks that need a boolean gate.
func (v *Validator) Ok(ctx context.Context) bool {
	return v.Validate(ctx).EnvironmentValid
}

// checkRepositoryState requires a work tree with a reachable origin.
func (v *Validator) checkRepositoryState(ctx context.Context) error {
	probes := [][]string{
		{"rev-parse", "--is-inside-work-tree"},
		{"config", "--get", "remote.origin.url"},
		{"ls-remote", "--exit-code", "origin"},
		{"status", "--porcelain=v1"},
	}
	for _, args := range probes {
		if err := v.run(ctx, v.Dir, "git", args...); err != nil {
			return err
		}
	}
	return nil
}

// checkGovernanceFiles requires both governance documents present and
// hashable end to end.
func (v *Validator) checkGovernanceFiles() error {
	for _, path := range []string{v.GovernancePath, v.EnvironmentPath} {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("governance document %s: %w", path, err)
		}
		if _, err := hashFile(path); err != nil {
			return fmt.Errorf("governance document %s: %w", path, err)
		}
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// checkRuntimeToolchain requires a working git and a resolvable executor
// command.
func (v *Validator) checkRuntimeToolchain(ctx context.Context) error {
	if err := v.run(ctx, v.Dir, "git", "--version"); err != nil {
		return err
	}
	if v.ExecutorCommand == "" {
		return nil
	}
	if _, err := v.lookPath(v.ExecutorCommand); err != nil {
		return fmt.Errorf("executor command %s: %w", v.ExecutorCommand, err)
	}
	return nil
}

// checkForgeConnectivity requires an authenticated account and a
// well-shaped open-issues listing.
func (v *Validator) checkForgeConnectivity(ctx context.Context) error {
	if v.Token == "" {
		return errcode.New(CodeForgeAuthFailed).With("reason", "missing auth token")
	}
	if v.Forge == nil {
		return errcode.New(CodeForgeUnreachable).With("reason", "no forge client configured")
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if _, err := v.Forge.CurrentUser(ctx); err != nil {
		return err
	}
	if _, err := v.Forge.Issues(ctx, "open"); err != nil {
		return err
	}
	return nil
}

// classifyForgeError maps a connectivity failure to its stable code.
// 401/403 is an auth failure, any other HTTP or transport fault is
// unreachability, and a 2xx body we could not decode is an invalid
// response.
func classifyForgeError(err error) string {
	var coded *errcode.Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	var apiErr *forge.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return CodeForgeAuthFailed
		case apiErr.StatusCode >= 200 && apiErr.StatusCode < 300:
			return CodeForgeInvalidResponse
		default:
			return CodeForgeUnreachable
		}
	}
	return CodeForgeInvalidResponse
}

// checkLabelAvailability requires the claim label to exist.
func (v *Validator) checkLabelAvailability(ctx context.Context) error {
	if v.Forge == nil {
		return fmt.Errorf("no forge client configured")
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	labels, err := v.Forge.Labels(ctx)
	if err != nil {
		return err
	}
	for _, label := range labels {
		if label.Name == v.RequiredLabel {
			return nil
		}
	}
	return fmt.Errorf("label %q not defined on repository", v.RequiredLabel)
}
