// Package policy implements the deterministic policy interpreter: ordered
// resolution of overlapping rule matches, the egress and secret-injection
// evaluators that share its conflict-resolution discipline, and the review
// ledger used to resume paused decisions. Everything in this package is
// pure: no I/O, no clocks, no randomness.
package policy

import (
	"sort"

	"github.com/forgewarden/warden/pkg/errcode"
)

// ConflictResolutionMode selects how overlapping matches collapse to one.
type ConflictResolutionMode string

const (
	DenyWins         ConflictResolutionMode = "deny_wins"
	MostSpecific     ConflictResolutionMode = "most_specific"
	ExplicitPriority ConflictResolutionMode = "explicit_priority"
)

// StableOrderMode fixes the total order used to break ties.
type StableOrderMode string

const (
	LexicalRuleID StableOrderMode = "lexical_rule_id"
	OrderIndex    StableOrderMode = "order_index"
)

// TieBreakerStableOrder is the only supported tie breaker.
const TieBreakerStableOrder = "stable_order"

// Effect is a decision severity.
type Effect string

const (
	EffectAllow  Effect = "allow"
	EffectWarn   Effect = "warn"
	EffectReview Effect = "review"
	EffectBlock  Effect = "block"
)

// InterpretationConfig governs one interpreter instance.
type InterpretationConfig struct {
	InterpretationAuthority string
	ConflictResolutionMode  ConflictResolutionMode
	TieBreaker              string
	StableOrderMode         StableOrderMode
}

// RuleMatch is one rule that matched the request under evaluation.
type RuleMatch struct {
	RuleID      string
	Effect      Effect
	Specificity int
	Priority    int
	OrderIndex  int
}

// Decision is the resolved outcome.
type Decision struct {
	Effect         Effect
	SelectedRuleID string
	Reason         string
}

const codeInitInvalid = "secure_layer.init.invalid"

// ValidateConfig enforces the initialization guardrails on config.
func ValidateConfig(config InterpretationConfig) error {
	if config.InterpretationAuthority != "supervisor" {
		return errcode.New(codeInitInvalid).With("field", "interpretation_authority")
	}
	switch config.ConflictResolutionMode {
	case DenyWins, MostSpecific, ExplicitPriority:
	default:
		return errcode.New(codeInitInvalid).With("field", "conflict_resolution_mode")
	}
	if config.TieBreaker != TieBreakerStableOrder {
		return errcode.New(codeInitInvalid).With("field", "tie_breaker")
	}
	switch config.StableOrderMode {
	case LexicalRuleID, OrderIndex:
	default:
		return errcode.New(codeInitInvalid).With("field", "stable_order_mode")
	}
	return nil
}

// LedgerResolver resolves paused reviews; required whenever the review
// severity can be emitted.
type LedgerResolver interface {
	Resolve(reviewID, requestFingerprint, policyHash string) LedgerResolution
}

// ValidateInitialization checks the full startup guardrails: authority,
// resolution config, and ledger availability for the review severity.
func ValidateInitialization(config InterpretationConfig, emittedSeverities []Effect, resolver LedgerResolver) error {
	if err := ValidateConfig(config); err != nil {
		return err
	}
	for _, severity := range emittedSeverities {
		if severity == EffectReview && resolver == nil {
			return errcode.New(codeInitInvalid).With("field", "review_requires_ledger_resolver")
		}
	}
	return nil
}

// ResolveOverlapping deterministically collapses matches to one Decision.
// An empty match set blocks: absence of a rule is never permission.
func ResolveOverlapping(matches []RuleMatch, config InterpretationConfig) (Decision, error) {
	if err := ValidateConfig(config); err != nil {
		return Decision{}, err
	}
	if len(matches) == 0 {
		return Decision{Effect: EffectBlock, SelectedRuleID: "", Reason: "no_matching_rule"}, nil
	}

	switch config.ConflictResolutionMode {
	case DenyWins:
		blocked := filterEffect(matches, EffectBlock)
		if len(blocked) > 0 {
			selected := stablePick(blocked, config.StableOrderMode)
			return Decision{Effect: EffectBlock, SelectedRuleID: selected.RuleID, Reason: "deny_wins"}, nil
		}
		selected := stablePick(matches, config.StableOrderMode)
		return Decision{Effect: selected.Effect, SelectedRuleID: selected.RuleID, Reason: "deny_wins_fallback"}, nil

	case MostSpecific:
		max := matches[0].Specificity
		for _, m := range matches[1:] {
			if m.Specificity > max {
				max = m.Specificity
			}
		}
		candidates := make([]RuleMatch, 0, len(matches))
		for _, m := range matches {
			if m.Specificity == max {
				candidates = append(candidates, m)
			}
		}
		selected := stablePick(candidates, config.StableOrderMode)
		return Decision{Effect: selected.Effect, SelectedRuleID: selected.RuleID, Reason: "most_specific"}, nil

	default: // ExplicitPriority
		max := matches[0].Priority
		for _, m := range matches[1:] {
			if m.Priority > max {
				max = m.Priority
			}
		}
		candidates := make([]RuleMatch, 0, len(matches))
		for _, m := range matches {
			if m.Priority == max {
				candidates = append(candidates, m)
			}
		}
		selected := stablePick(candidates, config.StableOrderMode)
		return Decision{Effect: selected.Effect, SelectedRuleID: selected.RuleID, Reason: "explicit_priority"}, nil
	}
}

func filterEffect(matches []RuleMatch, effect Effect) []RuleMatch {
	out := make([]RuleMatch, 0, len(matches))
	for _, m := range matches {
		if m.Effect == effect {
			out = append(out, m)
		}
	}
	return out
}

// stablePick selects the first candidate under the configured total order.
// Ties never resolve by time, insertion order, or randomness.
func stablePick(candidates []RuleMatch, mode StableOrderMode) RuleMatch {
	sorted := make([]RuleMatch, len(candidates))
	copy(sorted, candidates)
	if mode == LexicalRuleID {
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].RuleID < sorted[j].RuleID })
	} else {
		sort.SliceStable(sorted, func(i, j int) bool {
			if sorted[i].OrderIndex != sorted[j].OrderIndex {
				return sorted[i].OrderIndex < sorted[j].OrderIndex
			}
			return sorted[i].RuleID < sorted[j].RuleID
		})
	}
	return sorted[0]
}
