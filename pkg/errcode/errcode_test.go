package errcode

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorStringSortsContext(t *testing.T) {
	err := New("execution.timeout").With("task", "3").With("limit", "60s")
	if got := err.Error(); got != "execution.timeout limit=60s task=3" {
		t.Errorf("context must render sorted: %q", got)
	}
	if got := New("execution.timeout").Error(); got != "execution.timeout" {
		t.Errorf("bare code: %q", got)
	}
}

func TestIsMatchesOnCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", New("environment.labels.missing").With("label", "in-progress"))
	if !errors.Is(err, New("environment.labels.missing")) {
		t.Error("errors.Is must match on code alone")
	}
	if errors.Is(err, New("environment.runtime.invalid")) {
		t.Error("different codes must not match")
	}
}

func TestCodeExtraction(t *testing.T) {
	err := fmt.Errorf("outer: %w", New("execution.lock.violation"))
	if Code(err) != "execution.lock.violation" {
		t.Errorf("code: %s", Code(err))
	}
	if Code(errors.New("plain")) != "" {
		t.Error("plain errors carry no code")
	}
}

func TestIsKillSwitchUnwraps(t *testing.T) {
	ks := KillSwitchError("secure_layer.killswitch.audit_append_violation")
	if !IsKillSwitch(fmt.Errorf("cycle: %w", ks)) {
		t.Error("wrapped kill-switch must be detected")
	}
	if IsKillSwitch(New("execution.timeout")) {
		t.Error("ordinary coded errors are not kill-switches")
	}
	if IsKillSwitch(errors.New("plain")) {
		t.Error("plain errors are not kill-switches")
	}
}
