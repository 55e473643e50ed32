// Package policy holds the declarative trust and tool-invocation policies and
// the evaluators that apply them.
//
// Policies are read-only to the proxy. They are loaded from a YAML file into
// an immutable Set; readers take a snapshot without locking and a reload
// swaps in a new Set atomically, so updates may become visible between two
// requests of the same conversation.
package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Operator is the comparison applied between an extracted value and a
// policy's configured value.
type Operator string

const (
	OpEqual        Operator = "equal"
	OpNotEqual     Operator = "not_equal"
	OpContains     Operator = "contains"
	OpNotContains  Operator = "not_contains"
	OpStartsWith   Operator = "starts_with"
	OpEndsWith     Operator = "ends_with"
	OpMatchesRegex Operator = "matches_regex"
	OpGreaterThan  Operator = "greater_than"
	OpLessThan     Operator = "less_than"
)

// Operators lists every supported operator.
var Operators = []Operator{
	OpEqual, OpNotEqual, OpContains, OpNotContains, OpStartsWith,
	OpEndsWith, OpMatchesRegex, OpGreaterThan, OpLessThan,
}

// Valid reports whether o is a supported operator.
func (o Operator) Valid() bool {
	for _, known := range Operators {
		if o == known {
			return true
		}
	}
	return false
}

// TrustAction is what happens to a tool result matched by a TrustedDataPolicy.
type TrustAction string

const (
	// TrustBlockAlways marks the result untrusted and blocked. It is the
	// default when a policy names no action.
	TrustBlockAlways TrustAction = "block_always"
	// TrustMarkUntrusted taints the result and leaves the block outcome to
	// the quarantine review.
	TrustMarkUntrusted TrustAction = "mark_untrusted"
	// TrustMarkTrusted explicitly trusts the result.
	TrustMarkTrusted TrustAction = "mark_trusted"
)

// InvocationAction is what happens to a tool call matched by a
// ToolInvocationPolicy.
type InvocationAction string

const (
	ActionAllow                       InvocationAction = "allow"
	ActionDeny                        InvocationAction = "deny"
	ActionAllowWhenContextIsUntrusted InvocationAction = "allow_when_context_is_untrusted"
	ActionDenyWhenContextIsUntrusted  InvocationAction = "deny_when_context_is_untrusted"
	ActionRequireConfirmation         InvocationAction = "require_confirmation"
)

// untrustedOnly reports whether the action applies only in an untrusted context.
func (a InvocationAction) untrustedOnly() bool {
	return a == ActionAllowWhenContextIsUntrusted || a == ActionDenyWhenContextIsUntrusted
}

// AnyTool matches every tool in a policy's tool_id.
const AnyTool = "*"

// TrustedDataPolicy decides whether a tool result can be trusted.
type TrustedDataPolicy struct {
	ID            string      `yaml:"id" json:"id"`
	ToolID        string      `yaml:"tool_id" json:"tool_id"`
	Description   string      `yaml:"description" json:"description,omitempty"`
	AttributePath string      `yaml:"attribute_path" json:"attribute_path"`
	Operator      Operator    `yaml:"operator" json:"operator"`
	Value         string      `yaml:"value" json:"value"`
	Action        TrustAction `yaml:"action" json:"action,omitempty"`
}

// ToolInvocationPolicy decides whether a tool call may proceed.
type ToolInvocationPolicy struct {
	ID           string           `yaml:"id" json:"id"`
	ToolID       string           `yaml:"tool_id" json:"tool_id"`
	ArgumentName string           `yaml:"argument_name" json:"argument_name"`
	Operator     Operator         `yaml:"operator" json:"operator"`
	Value        string           `yaml:"value" json:"value"`
	Action       InvocationAction `yaml:"action" json:"action"`
	Reason       string           `yaml:"reason" json:"reason,omitempty"`
}

// AccessConfig parameterizes the request-access guard.
type AccessConfig struct {
	BlockedModels          []string `yaml:"blocked_models" json:"blocked_models"`
	MaxTaintedInteractions int      `yaml:"max_tainted_interactions" json:"max_tainted_interactions"`
	TrustedOnlyProviders   []string `yaml:"trusted_only_providers" json:"trusted_only_providers"`
}

// File is the on-disk policy document.
type File struct {
	TrustedDataPolicies    []TrustedDataPolicy    `yaml:"trusted_data_policies"`
	ToolInvocationPolicies []ToolInvocationPolicy `yaml:"tool_invocation_policies"`
	RequestAccess          AccessConfig           `yaml:"request_access"`
}

// EvaluationError is raised when a single policy cannot be applied to a
// value (bad regex, non-numeric comparison). Evaluators absorb it and treat
// the policy as not matching.
type EvaluationError struct {
	PolicyID string
	Err      error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("policy %s: %v", e.PolicyID, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

var (
	// ErrNotNumeric is wrapped by EvaluationError for numeric comparisons on
	// values that do not parse as numbers.
	ErrNotNumeric = errors.New("value is not numeric")
	// ErrInvalidRegex is wrapped by EvaluationError for unparsable patterns.
	ErrInvalidRegex = errors.New("invalid regular expression")
	// ErrInvalidOperator is wrapped by EvaluationError for unknown operators.
	ErrInvalidOperator = errors.New("unknown operator")
)

// Set is an immutable snapshot of all policies, in file order.
type Set struct {
	TrustedData    []TrustedDataPolicy
	ToolInvocation []ToolInvocationPolicy
	Access         AccessConfig
	Version        string

	regexes map[string]*regexp.Regexp
	guard   *AccessGuard
}

// NewSet builds a Set, precompiling regular expressions. Patterns that fail
// to compile are left out and reported by Lint; they never match.
func NewSet(trusted []TrustedDataPolicy, invocation []ToolInvocationPolicy) *Set {
	s := &Set{
		TrustedData:    trusted,
		ToolInvocation: invocation,
		regexes:        make(map[string]*regexp.Regexp),
	}
	for i := range s.TrustedData {
		if s.TrustedData[i].Action == "" {
			s.TrustedData[i].Action = TrustBlockAlways
		}
	}
	compile := func(op Operator, pattern string) {
		if op != OpMatchesRegex {
			return
		}
		if re, err := regexp.Compile(pattern); err == nil {
			s.regexes[pattern] = re
		}
	}
	for _, p := range s.TrustedData {
		compile(p.Operator, p.Value)
	}
	for _, p := range s.ToolInvocation {
		compile(p.Operator, p.Value)
	}
	return s
}

// Snapshot returns s, so a fixed Set can serve as a Source.
func (s *Set) Snapshot() *Set { return s }

// TrustedDataFor returns the trust policies for toolName in stored order.
func (s *Set) TrustedDataFor(toolName string) []TrustedDataPolicy {
	var out []TrustedDataPolicy
	for _, p := range s.TrustedData {
		if toolMatches(p.ToolID, toolName) {
			out = append(out, p)
		}
	}
	return out
}

// ToolInvocationFor returns the invocation policies for toolName in stored order.
func (s *Set) ToolInvocationFor(toolName string) []ToolInvocationPolicy {
	var out []ToolInvocationPolicy
	for _, p := range s.ToolInvocation {
		if toolMatches(p.ToolID, toolName) {
			out = append(out, p)
		}
	}
	return out
}

// Lint reports policies that will never behave as written.
func (s *Set) Lint() []string {
	var problems []string
	check := func(kind, id string, op Operator, value string) {
		if !op.Valid() {
			problems = append(problems, fmt.Sprintf("%s %s: unknown operator %q", kind, id, op))
			return
		}
		if op == OpMatchesRegex {
			if _, ok := s.regexes[value]; !ok {
				problems = append(problems, fmt.Sprintf("%s %s: invalid regular expression %q", kind, id, value))
			}
		}
	}
	seen := make(map[string]bool)
	for _, p := range s.TrustedData {
		check("trusted_data_policy", p.ID, p.Operator, p.Value)
		if seen["td:"+p.ID] {
			problems = append(problems, fmt.Sprintf("trusted_data_policy %s: duplicate id", p.ID))
		}
		seen["td:"+p.ID] = true
	}
	for _, p := range s.ToolInvocation {
		check("tool_invocation_policy", p.ID, p.Operator, p.Value)
		if seen["ti:"+p.ID] {
			problems = append(problems, fmt.Sprintf("tool_invocation_policy %s: duplicate id", p.ID))
		}
		seen["ti:"+p.ID] = true
	}
	return problems
}

// Source provides the current policy snapshot.
type Source interface {
	Snapshot() *Set
}

func toolMatches(policyTool, toolName string) bool {
	return policyTool == AnyTool || strings.EqualFold(policyTool, toolName)
}
