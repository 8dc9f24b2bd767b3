// Package supervisor is the control loop that turns open forge issues
// into governed executor runs. The first cycle loads and pins the
// governance context; every later cycle re-verifies the contract hash,
// validates the environment, runs the PR gate, releases stale claims,
// then claims and dispatches at most one task. Every dispatch is bound
// to an execution permit and anchored in the task's audit stream; an
// audit failure is a kill-switch, not a retry.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgewarden/warden/pkg/audit"
	"github.com/forgewarden/warden/pkg/errcode"
	"github.com/forgewarden/warden/pkg/forge"
	"github.com/forgewarden/warden/pkg/governance"
	"github.com/forgewarden/warden/pkg/observability"
	"github.com/forgewarden/warden/pkg/permit"
)

// Forge is the issue-side surface the loop consumes.
type Forge interface {
	Issues(ctx context.Context, state string) ([]forge.Issue, error)
	IssueTimeline(ctx context.Context, number int64) ([]forge.TimelineEvent, error)
	Labels(ctx context.Context) ([]forge.Label, error)
	CreateLabel(ctx context.Context, name, color, description string) (forge.Label, error)
	AddLabel(ctx context.Context, number, labelID int64) error
	RemoveLabel(ctx context.Context, number, labelID int64) error
	CommentOnIssue(ctx context.Context, number int64, body string) error
	CloseIssue(ctx context.Context, number int64) error
	CreateIssue(ctx context.Context, title, body string, labelIDs []int64) (forge.Issue, error)
}

var _ Forge = (*forge.Client)(nil)

// GateRunner evaluates open pull requests once per cycle.
type GateRunner interface {
	Run(ctx context.Context) error
}

// EnvValidator is the bounded preflight run before any claim.
type EnvValidator interface {
	Ok(ctx context.Context) bool
}

// PriorCycle carries the flags that hard-block recursive task creation.
type PriorCycle struct {
	GovernanceViolation bool
	EnvironmentFailure  bool
	Rollback            bool
	CommitScopeMismatch bool
}

// TaskFactory produces the title and body of a self-generated build task.
type TaskFactory func() (title, body string)

// Config is the static loop configuration.
type Config struct {
	Phases          []string
	ClaimTTL        time.Duration
	Sleep           time.Duration
	RepoRoot        string
	PolicyHash      string
	ExecutorCommand []string
}

// Supervisor drives the per-cycle state machine.
type Supervisor struct {
	// Prior holds the previous cycle's failure flags; the autonomy gate
	// reads them before creating any recursive task.
	Prior PriorCycle

	cfg         Config
	forge       Forge
	enforcer    *governance.Enforcer
	env         EnvValidator
	gate        GateRunner
	claimer     *Claimer
	lock        *ExecLock
	dispatcher  *Dispatcher
	git         *GitRunner
	auditWriter *audit.Writer
	taskFactory TaskFactory
	telemetry   *observability.Provider

	out io.Writer
	log *slog.Logger

	contextLoaded     bool
	currentPhase      string
	lastTaskCompleted bool
	lastCommitPending bool
	autonomy          autonomyState
}

// Option adjusts a Supervisor at construction time.
type Option func(*Supervisor)

// WithEnvValidator installs the preflight run at the top of each cycle.
func WithEnvValidator(v EnvValidator) Option {
	return func(s *Supervisor) { s.env = v }
}

// WithGateRunner installs the per-cycle PR gate.
func WithGateRunner(g GateRunner) Option {
	return func(s *Supervisor) { s.gate = g }
}

// WithOutput redirects the stdout token stream.
func WithOutput(w io.Writer) Option {
	return func(s *Supervisor) { s.out = w }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) { s.log = logger.With("component", "supervisor") }
}

// WithTaskFactory enables recursive task creation in autonomy mode.
func WithTaskFactory(f TaskFactory) Option {
	return func(s *Supervisor) { s.taskFactory = f }
}

// WithTelemetry installs the provider that counts cycles, permits, and
// stage durations.
func WithTelemetry(p *observability.Provider) Option {
	return func(s *Supervisor) {
		if p != nil {
			s.telemetry = p
		}
	}
}

// New wires a supervisor over the forge and governance enforcer.
func New(cfg Config, forgeAPI Forge, enforcer *governance.Enforcer, opts ...Option) *Supervisor {
	if len(cfg.Phases) == 0 {
		cfg.Phases = DefaultPhases
	}
	if cfg.Sleep <= 0 {
		cfg.Sleep = 60 * time.Second
	}
	s := &Supervisor{
		cfg:         cfg,
		forge:       forgeAPI,
		enforcer:    enforcer,
		lock:        &ExecLock{},
		git:         NewGitRunner(cfg.RepoRoot),
		auditWriter: audit.NewWriter(cfg.RepoRoot, "supervisor"),
		out:         os.Stdout,
		log:         slog.Default().With("component", "supervisor"),
		telemetry:   observability.Disabled(),
		autonomy:    autonomyState{created: map[int64]bool{}},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.claimer = NewClaimer(forgeAPI, cfg.ClaimTTL, s.log)
	s.dispatcher = NewDispatcher(cfg.ExecutorCommand, s.log)
	return s
}

func (s *Supervisor) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format+"\n", args...)
}

// Run cycles until the context is cancelled. A kill-switch error is
// returned immediately so the caller can exit with status 2.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if err := s.Cycle(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.cfg.Sleep):
		}
	}
}

// Cycle runs one pass of the state machine. A nil return means the cycle
// finished (possibly having aborted early); a non-nil return is either a
// startup governance failure or a kill-switch.
func (s *Supervisor) Cycle(ctx context.Context) (err error) {
	ctx, finish := s.telemetry.TrackStage(ctx, "supervisor.cycle",
		observability.CycleStage("cycle", s.currentPhase)...)
	defer func() { finish(err) }()

	// The contract hash is pinned once; any later drift is a violation,
	// never a silent re-pin.
	if !s.contextLoaded {
		if err := s.enforcer.LoadContext(); err != nil {
			s.Prior.GovernanceViolation = true
			return fmt.Errorf("%w: %v", ErrStartupGovernance, err)
		}
		s.contextLoaded = true
	} else if err := s.enforcer.EnforceImmutability(); err != nil {
		s.Prior.GovernanceViolation = true
		return fmt.Errorf("supervisor: governance contract drift: %w", err)
	}

	if s.env != nil && !s.env.Ok(ctx) {
		s.Prior.EnvironmentFailure = true
		s.log.Warn("environment validation failed, aborting cycle")
		return nil
	}
	s.Prior.EnvironmentFailure = false

	if s.gate != nil {
		if err := s.gate.Run(ctx); err != nil {
			if errcode.IsKillSwitch(err) {
				return err
			}
			// Fail closed: a failing pending status stays on the PR and
			// the cycle exits without claiming anything.
			s.log.Warn("pr gate failed, aborting cycle", "error", err)
			return nil
		}
	}

	if _, err := s.claimer.ReleaseStale(ctx); err != nil {
		s.log.Warn("stale claim release failed", "error", err)
	}

	issues, err := s.forge.Issues(ctx, "open")
	if err != nil {
		s.log.Warn("issue listing failed, aborting cycle", "error", err)
		return nil
	}

	phase, _, active := ActivePhase(issues, s.cfg.Phases)
	if !active {
		s.finishPhase()
		return s.autonomyStep(ctx, issues)
	}
	if s.currentPhase != "" && phase != s.currentPhase {
		s.finishPhase()
		s.printf("PHASE_PROMOTED %s", phase)
	}
	s.currentPhase = phase
	s.printf("ACTIVE_PHASE %s", phase)

	eligible := EligibleTasks(issues, phase)
	s.printf("ELIGIBLE_TASK_COUNT %d", len(eligible))
	if len(eligible) == 0 {
		s.printf("PHASE_STATUS=running")
		return nil
	}

	task := SelectTask(eligible)
	s.printf("PHASE_GATE_ACTIVE phase=%s", phase)
	s.printf("PHASE_GATE_SELECTED issue=%d", task.Number)
	if err := s.handleTask(ctx, *task); err != nil {
		return err
	}
	s.printf("PHASE_STATUS=running")
	return nil
}

// finishPhase emits the completion tokens for the phase the loop was
// working when its milestone ran out of open build tasks.
func (s *Supervisor) finishPhase() {
	if s.currentPhase == "" {
		return
	}
	if s.lastTaskCompleted && !s.lastCommitPending {
		s.printf("PHASE_STATUS=complete")
		s.printf("PHASE_COMPLETE %s", s.currentPhase)
	}
	s.currentPhase = ""
}

// handleTask claims, dispatches, verifies, and settles one task. Task
// scope failures release the claim and return nil; only kill-switches
// and permit configuration faults propagate.
func (s *Supervisor) handleTask(ctx context.Context, task forge.Issue) error {
	if err := s.claimer.Claim(ctx, task.Number); err != nil {
		s.log.Warn("claim failed", "issue", task.Number, "error", err)
		return nil
	}
	s.printf("CLAIMED issue #%d", task.Number)
	s.lastTaskCompleted = false
	s.lastCommitPending = false

	allowed := sortedAllowedFiles(task.Body)

	if err := s.enforcer.ValidatePreComputation(task.Body, task.Title); err != nil {
		s.Prior.GovernanceViolation = true
		return s.rejectTask(ctx, task.Number, "governance violation: "+err.Error())
	}

	taskPermit, err := IssuePermit(task.Number, s.cfg.PolicyHash, s.enforcer.ContractHash())
	if err != nil {
		return fmt.Errorf("supervisor: permit issuance for task %d: %w", task.Number, err)
	}
	s.telemetry.RecordPermitIssued(ctx,
		observability.PermitOperation(taskPermit.PermitID, taskPermit.StreamID, taskPermit.IssuedAtSequence)...)

	if err := s.lock.Acquire(); err != nil {
		return s.rejectTask(ctx, task.Number, "blocked: "+err.Error())
	}
	defer s.lock.Release()

	instruction := Instruction{
		TaskID:          task.Number,
		Text:            task.Body,
		IntendedOutcome: task.Title,
		AllowedFiles:    allowed,
	}
	stdout, exitCode, dispatchErr := s.dispatcher.Dispatch(ctx, instruction)
	if dispatchErr != nil && errcode.Code(dispatchErr) != CodeTimeout {
		return s.rejectTask(ctx, task.Number, "dispatch rejected: "+dispatchErr.Error())
	}

	// The permit was consumed by the dispatch; anchor it in the stream
	// before anything else can go wrong.
	if err := s.recordPermitUse(taskPermit); err != nil {
		return err
	}

	if dispatchErr != nil {
		return s.retryTask(ctx, task.Number, "retry_pending: "+dispatchErr.Error())
	}

	result, err := IngestResult(stdout, allowed)
	if err != nil {
		return s.rejectTask(ctx, task.Number, "result invalid: "+err.Error())
	}
	if result.AllowedFilesFallback {
		s.log.Warn("executor declared no changed files, allowed set substituted", "issue", task.Number)
	}

	verified, reason := VerifyResult(result, allowed, exitCode, "")
	if !verified {
		if strings.HasPrefix(reason, "changed file outside allowed set") {
			s.Prior.CommitScopeMismatch = true
		}
		return s.rejectTask(ctx, task.Number, "verification failed: "+reason)
	}
	if result.Status != "success" {
		return s.retryTask(ctx, task.Number, "executor reported failure")
	}

	shortHash := ""
	if result.TestsPassed && len(result.ChangedFiles) > 0 {
		// A commit-policy violation skips the commit, never throws.
		if err := s.enforcer.ValidateCommitPolicy(task.Body, result.ChangedFiles, CommitMessage(task.Number)); err != nil {
			s.Prior.GovernanceViolation = true
			return s.rejectTask(ctx, task.Number, "commit policy violation: "+err.Error())
		}
		s.lastCommitPending = true
		hash, err := s.git.Commit(ctx, task.Number, result.ChangedFiles)
		if err != nil {
			s.log.Warn("commit skipped", "issue", task.Number, "error", err)
			return s.retryTask(ctx, task.Number, "commit failed, task requeued")
		}
		shortHash = hash
		s.lastCommitPending = false
	}

	// Only a committed result or a verified success with no file changes
	// may close the task.
	if shortHash == "" && len(result.ChangedFiles) > 0 {
		return s.retryTask(ctx, task.Number, "retry_pending: tests failed, commit withheld")
	}

	if err := s.forge.CloseIssue(ctx, task.Number); err != nil {
		s.log.Warn("close failed", "issue", task.Number, "error", err)
		return nil
	}
	if err := s.claimer.Release(ctx, task.Number); err != nil {
		s.log.Warn("claim release failed", "issue", task.Number, "error", err)
	}
	comment := "task completed by supervisor"
	if shortHash != "" {
		comment = "task completed, commit " + shortHash
	}
	if err := s.forge.CommentOnIssue(ctx, task.Number, comment); err != nil {
		s.log.Warn("completion comment failed", "issue", task.Number, "error", err)
	}
	s.printf("TASK_COMPLETED issue=%d final_state=completed", task.Number)
	s.lastTaskCompleted = true
	s.markAutonomousClose(task.Number)
	return nil
}

func (s *Supervisor) rejectTask(ctx context.Context, number int64, comment string) error {
	if err := s.forge.CommentOnIssue(ctx, number, comment); err != nil {
		s.log.Warn("reject comment failed", "issue", number, "error", err)
	}
	if err := s.claimer.Release(ctx, number); err != nil {
		s.log.Warn("claim release failed", "issue", number, "error", err)
	}
	return nil
}

func (s *Supervisor) retryTask(ctx context.Context, number int64, comment string) error {
	return s.rejectTask(ctx, number, comment)
}

// recordPermitUse appends the permit.used event at the stream head and
// re-verifies the whole stream. Any failure here is a kill-switch.
func (s *Supervisor) recordPermitUse(p permit.ExecutionPermit) error {
	sequence := int64(0)
	prev := ""
	streamDir := filepath.Join(s.cfg.RepoRoot, "audit", "streams", p.StreamID)
	if _, err := os.Stat(streamDir); err == nil {
		events, err := audit.LoadStream(s.cfg.RepoRoot, p.StreamID)
		if err != nil {
			return killSwitch(err)
		}
		sequence = int64(len(events))
		if sequence > 0 {
			prev, err = audit.Fingerprint(events[sequence-1])
			if err != nil {
				return killSwitch(err)
			}
		}
	}
	event := audit.Event{
		EventID:            uuid.NewString(),
		EventType:          audit.EventPermitUsed,
		PolicyHash:         p.PolicyHash,
		RequestFingerprint: p.RequestFingerprint,
		Sequence:           sequence,
		StreamID:           p.StreamID,
		PrevEventHash:      prev,
		Payload: map[string]any{
			"permit_id":           p.PermitID,
			"policy_hash":         p.PolicyHash,
			"request_fingerprint": p.RequestFingerprint,
			"issued_at_sequence":  p.IssuedAtSequence,
			"stream_id":           p.StreamID,
			"prev_event_hash":     p.PrevEventHash,
			"decision":            p.Decision,
			"permit_scope":        p.PermitScope,
		},
	}
	if _, err := s.auditWriter.WriteEvent(event); err != nil {
		return killSwitch(err)
	}
	if err := audit.VerifyStream(s.cfg.RepoRoot, p.StreamID); err != nil {
		return killSwitch(err)
	}
	return nil
}

func killSwitch(err error) error {
	if errcode.IsKillSwitch(err) {
		return err
	}
	return errcode.KillSwitchError(audit.CodeAppendViolation).With("reason", err.Error())
}

func sortedAllowedFiles(instruction string) []string {
	allowed := governance.AllowedFiles(instruction)
	files := make([]string, 0, len(allowed))
	for file := range allowed {
		files = append(files, file)
	}
	sort.Strings(files)
	return files
}

// ErrStartupGovernance reports a failed governance load distinctly so the
// entry point can exit with status 1.
var ErrStartupGovernance = errors.New("governance startup failure")
