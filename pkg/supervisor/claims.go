package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgewarden/warden/pkg/forge"
)

// DefaultClaimTTL is how long an in-progress claim may sit before it is
// considered stale and released.
const DefaultClaimTTL = 1800 * time.Second

// Label attributes used when the claim label must be created. Fixed so
// creation is deterministic across runs.
const (
	claimLabelColor       = "00aabb"
	claimLabelDescription = "task claimed by the supervisor"
)

// Claimer owns the cooperative claim protocol: the in-progress label is
// the only lock the forge offers, so every step is verified after the
// fact.
type Claimer struct {
	forge Forge
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger
}

// NewClaimer builds a claimer with the given TTL, DefaultClaimTTL when
// non-positive.
func NewClaimer(forgeAPI Forge, ttl time.Duration, log *slog.Logger) *Claimer {
	if ttl <= 0 {
		ttl = DefaultClaimTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Claimer{
		forge: forgeAPI,
		ttl:   ttl,
		now:   time.Now,
		log:   log.With("component", "claimer"),
	}
}

func (c *Claimer) ensureClaimLabel(ctx context.Context) (forge.Label, error) {
	labels, err := c.forge.Labels(ctx)
	if err != nil {
		return forge.Label{}, err
	}
	for _, label := range labels {
		if label.Name == ClaimLabel {
			return label, nil
		}
	}
	c.log.Info("creating claim label", "name", ClaimLabel)
	return c.forge.CreateLabel(ctx, ClaimLabel, claimLabelColor, claimLabelDescription)
}

// Claim attaches the in-progress label to the issue and verifies the
// attachment by re-reading the issue. All three steps must succeed.
func (c *Claimer) Claim(ctx context.Context, number int64) error {
	label, err := c.ensureClaimLabel(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: ensure claim label: %w", err)
	}
	if err := c.forge.AddLabel(ctx, number, label.ID); err != nil {
		return fmt.Errorf("supervisor: attach claim label: %w", err)
	}
	issues, err := c.forge.Issues(ctx, "open")
	if err != nil {
		return fmt.Errorf("supervisor: verify claim: %w", err)
	}
	for _, issue := range issues {
		if issue.Number == number {
			if !issue.HasLabel(ClaimLabel) {
				return fmt.Errorf("supervisor: claim on issue %d did not stick", number)
			}
			return nil
		}
	}
	return fmt.Errorf("supervisor: issue %d vanished during claim", number)
}

// Release detaches the in-progress label from the issue.
func (c *Claimer) Release(ctx context.Context, number int64) error {
	label, err := c.ensureClaimLabel(ctx)
	if err != nil {
		return err
	}
	return c.forge.RemoveLabel(ctx, number, label.ID)
}

// ReleaseStale scans open claimed issues and releases any whose newest
// in-progress label event is older than the TTL. Released issues get a
// comment and become eligible again next cycle.
func (c *Claimer) ReleaseStale(ctx context.Context) ([]int64, error) {
	issues, err := c.forge.Issues(ctx, "open")
	if err != nil {
		return nil, err
	}
	var released []int64
	for _, issue := range issues {
		if !issue.HasLabel(ClaimLabel) {
			continue
		}
		claimedAt, ok, err := c.newestClaimEvent(ctx, issue.Number)
		if err != nil {
			return released, err
		}
		if !ok {
			continue
		}
		age := c.now().Sub(claimedAt)
		if age <= c.ttl {
			continue
		}
		if err := c.Release(ctx, issue.Number); err != nil {
			return released, err
		}
		comment := fmt.Sprintf("stale claim released: in-progress for %s, ttl %s", age.Truncate(time.Second), c.ttl)
		if err := c.forge.CommentOnIssue(ctx, issue.Number, comment); err != nil {
			return released, err
		}
		c.log.Warn("released stale claim", "issue", issue.Number, "age", age)
		released = append(released, issue.Number)
	}
	return released, nil
}

func (c *Claimer) newestClaimEvent(ctx context.Context, number int64) (time.Time, bool, error) {
	timeline, err := c.forge.IssueTimeline(ctx, number)
	if err != nil {
		return time.Time{}, false, err
	}
	var newest time.Time
	found := false
	for _, event := range timeline {
		if event.Label == nil || event.Label.Name != ClaimLabel {
			continue
		}
		if event.CreatedAt.After(newest) {
			newest = event.CreatedAt
			found = true
		}
	}
	return newest, found, nil
}
