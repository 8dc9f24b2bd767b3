package prgate

import (
	"context"
	"fmt"

	"github.com/forgewarden/warden/pkg/forge"
	"github.com/forgewarden/warden/pkg/gatelog"
)

// StatusContext is the commit-status context the gate publishes under.
const StatusContext = "supervisor/governance"

const maxStatusDescription = 140

// ValidStatusStates are the only states the gate ever publishes.
var ValidStatusStates = map[string]bool{
	"success": true,
	"failure": true,
	"pending": true,
}

// StatusPublisher posts governance statuses against commits.
type StatusPublisher interface {
	PostStatus(ctx context.Context, sha, state, statusContext, description string) error
}

var _ StatusPublisher = (*forge.Client)(nil)

// PublishGovernanceStatus posts one governance status, truncating the
// description to the forge's limit.
func PublishGovernanceStatus(ctx context.Context, publisher StatusPublisher, sha, state, description string, log *gatelog.Logger) error {
	if log == nil {
		log = gatelog.New("")
	}
	if !ValidStatusStates[state] {
		return fmt.Errorf("prgate: invalid status state %q", state)
	}
	if len(description) > maxStatusDescription {
		description = description[:maxStatusDescription]
	}
	err := publisher.PostStatus(ctx, sha, state, StatusContext, description)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	log.Event("status_publish", fmt.Sprintf("context=%s state=%s sha=%s result=%s", StatusContext, state, sha, outcome))
	if err != nil {
		return fmt.Errorf("prgate: status publish failed: %w", err)
	}
	return nil
}

// StatusForResult maps an evaluation result to the published state and
// description.
func StatusForResult(result Result) (state, description string) {
	if result.Passed {
		return "success", "all governance gates passed"
	}
	return "failure", fmt.Sprintf("failed gates: %v", result.FailedGates)
}
