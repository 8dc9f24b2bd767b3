package policy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/forgewarden/warden/pkg/errcode"
)

// CELRule is a policy rule whose match predicate is a CEL expression over
// the request under evaluation. Bundles of these back the interpreter when
// the rule set is externally authored rather than hardcoded.
type CELRule struct {
	RuleID      string
	Effect      Effect
	Specificity int
	Priority    int
	Match       string
}

// CELMatcher compiles rule predicates once and evaluates them against
// request attributes. Compilation is cached per expression; evaluation is
// pure and bounded by a cost limit so a hostile bundle cannot stall the
// control plane.
type CELMatcher struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

// NewCELMatcher builds the evaluation environment. The request is exposed
// as a single dynamic map variable.
func NewCELMatcher() (*CELMatcher, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: create CEL environment: %w", err)
	}
	return &CELMatcher{
		env:      env,
		programs: make(map[string]cel.Program),
	}, nil
}

// Matches evaluates every rule predicate against request and returns the
// matched rules as interpreter input. Rules are assigned order indexes by
// their position in the bundle, which must therefore be stable on disk.
// A predicate that fails to compile or does not yield a bool invalidates
// the whole bundle: a partially evaluable policy is not a policy.
func (m *CELMatcher) Matches(rules []CELRule, request map[string]any) ([]RuleMatch, error) {
	seen := make(map[string]bool, len(rules))
	matches := make([]RuleMatch, 0, len(rules))
	for index, rule := range rules {
		if rule.RuleID == "" {
			return nil, errcode.New(codeInitInvalid).With("field", "rule_id")
		}
		if seen[rule.RuleID] {
			return nil, errcode.New(codeInitInvalid).
				With("field", "duplicate_rule_id").
				With("rule_id", rule.RuleID)
		}
		seen[rule.RuleID] = true
		switch rule.Effect {
		case EffectAllow, EffectWarn, EffectReview, EffectBlock:
		default:
			return nil, errcode.New(codeInitInvalid).
				With("field", "effect").
				With("rule_id", rule.RuleID)
		}
		matched, err := m.evaluate(rule.Match, map[string]any{"request": request})
		if err != nil {
			return nil, err
		}
		if matched {
			matches = append(matches, RuleMatch{
				RuleID:      rule.RuleID,
				Effect:      rule.Effect,
				Specificity: rule.Specificity,
				Priority:    rule.Priority,
				OrderIndex:  index,
			})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].OrderIndex < matches[j].OrderIndex })
	return matches, nil
}

// EvaluateBundle is the interpreter front door for externally authored
// bundles: it matches every rule predicate against the request and
// collapses the matches under config. Guardrails run before any
// predicate is compiled.
func (m *CELMatcher) EvaluateBundle(rules []CELRule, request map[string]any, config InterpretationConfig) (Decision, error) {
	if err := ValidateConfig(config); err != nil {
		return Decision{}, err
	}
	matches, err := m.Matches(rules, request)
	if err != nil {
		return Decision{}, err
	}
	return ResolveOverlapping(matches, config)
}

func (m *CELMatcher) evaluate(expr string, input map[string]any) (bool, error) {
	if expr == "" {
		return false, errcode.New(codeInitInvalid).With("field", "match_expression")
	}
	m.mu.RLock()
	prg, hit := m.programs[expr]
	m.mu.RUnlock()

	if !hit {
		m.mu.Lock()
		if prg, hit = m.programs[expr]; !hit {
			ast, issues := m.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				m.mu.Unlock()
				return false, fmt.Errorf("policy: compile match expression: %w", issues.Err())
			}
			p, err := m.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				m.mu.Unlock()
				return false, fmt.Errorf("policy: build program: %w", err)
			}
			m.programs[expr] = p
			prg = p
		}
		m.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("policy: evaluate match expression: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: match expression result is not bool")
	}
	return val, nil
}
