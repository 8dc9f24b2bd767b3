package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/forgewarden/warden/pkg/errcode"
)

// Dispatch error codes.
const (
	CodeDispatchMalformed        = "execution.dispatch.malformed"
	CodeDispatchNondeterministic = "execution.dispatch.nondeterministic"
	CodeTimeout                  = "execution.timeout"
)

// DefaultMaxDuration bounds one executor run.
const DefaultMaxDuration = 60 * time.Second

// TimeoutExitCode is the exit status reported when the executor is killed
// at the duration bound.
const TimeoutExitCode = 124

var forbiddenPhrases = []string{"maybe", "perhaps", "if possible", "as needed"}

// Instruction is one governed unit of work handed to the executor.
type Instruction struct {
	TaskID          int64    `json:"task_id"`
	Text            string   `json:"text"`
	IntendedOutcome string   `json:"intended_outcome"`
	AllowedFiles    []string `json:"allowed_files"`
}

// Validate rejects structurally incomplete or nondeterministic
// instructions before any subprocess is started.
func (in Instruction) Validate() error {
	if in.TaskID <= 0 {
		return errcode.New(CodeDispatchMalformed).With("field", "task_id")
	}
	if strings.TrimSpace(in.Text) == "" {
		return errcode.New(CodeDispatchMalformed).With("field", "text")
	}
	if strings.TrimSpace(in.IntendedOutcome) == "" {
		return errcode.New(CodeDispatchMalformed).With("field", "intended_outcome")
	}
	lower := strings.ToLower(in.Text)
	for _, phrase := range forbiddenPhrases {
		if strings.Contains(lower, phrase) {
			return errcode.New(CodeDispatchNondeterministic).With("phrase", phrase)
		}
	}
	return nil
}

// Dispatcher runs the external executor subprocess. The instruction is
// written to the executor's stdin as JSON; the result is read from the
// last line of its stdout.
type Dispatcher struct {
	Command     []string
	MaxDuration time.Duration

	log *slog.Logger
	run func(ctx context.Context, argv []string, stdin []byte) (string, int, error)
}

// NewDispatcher builds a dispatcher for the given executor argv.
func NewDispatcher(command []string, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		Command:     command,
		MaxDuration: DefaultMaxDuration,
		log:         log.With("component", "dispatcher"),
		run:         runExecutor,
	}
}

func runExecutor(ctx context.Context, argv []string, stdin []byte) (string, int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	err := cmd.Run()
	if err == nil {
		return stdout.String(), 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), exitErr.ExitCode(), nil
	}
	return stdout.String(), -1, err
}

// Dispatch validates the instruction and awaits one executor run to
// completion. A run past the duration bound is killed and reported with
// exit status 124 and the execution.timeout code.
func (d *Dispatcher) Dispatch(ctx context.Context, in Instruction) (string, int, error) {
	if err := in.Validate(); err != nil {
		return "", 0, err
	}
	if len(d.Command) == 0 {
		return "", 0, errcode.New(CodeDispatchMalformed).With("field", "command")
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return "", 0, errcode.New(CodeDispatchMalformed).With("field", "encoding")
	}
	maxDuration := d.MaxDuration
	if maxDuration <= 0 {
		maxDuration = DefaultMaxDuration
	}
	runCtx, cancel := context.WithTimeout(ctx, maxDuration)
	defer cancel()

	d.log.Info("dispatching executor", "task_id", in.TaskID, "command", d.Command[0])
	stdout, exitCode, err := d.run(runCtx, d.Command, payload)
	if runCtx.Err() == context.DeadlineExceeded {
		return stdout, TimeoutExitCode, errcode.New(CodeTimeout).
			With("max_duration", maxDuration.String())
	}
	if err != nil {
		return stdout, exitCode, fmt.Errorf("supervisor: executor run: %w", err)
	}
	return stdout, exitCode, nil
}
