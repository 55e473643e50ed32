package policy

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/dativo-io/warden/internal/otel"
)

// TrustDecision is the outcome of evaluating one tool result.
type TrustDecision struct {
	Trusted  bool
	Blocked  bool
	Reason   string
	PolicyID string
}

// Tainted reports whether the result must be treated as untrusted input.
func (d TrustDecision) Tainted() bool { return !d.Trusted }

// TrustedDataEvaluator decides whether tool results are trustworthy.
type TrustedDataEvaluator struct {
	source Source
}

// NewTrustedDataEvaluator creates an evaluator reading policies from src.
func NewTrustedDataEvaluator(src Source) *TrustedDataEvaluator {
	return &TrustedDataEvaluator{source: src}
}

// Evaluate applies the trust policies for toolName to a parsed tool result.
// Policies are tried in stored order and the first match decides; a result
// no policy matches is trusted. Policies whose attribute is missing are
// skipped, and policies that fail to evaluate count as non-matching.
func (e *TrustedDataEvaluator) Evaluate(ctx context.Context, conversationID, toolName string, result interface{}) TrustDecision {
	_, span := tracer.Start(ctx, "policy.trusted_data.evaluate",
		trace.WithAttributes(
			wardenotel.ConversationID.String(conversationID),
			wardenotel.ToolName.String(toolName),
		))
	defer span.End()

	set := e.source.Snapshot()
	decision := TrustDecision{Trusted: true}

	for _, p := range set.TrustedDataFor(toolName) {
		values, ok := ExtractAttribute(result, p.AttributePath)
		if !ok {
			continue
		}
		matched, err := set.matchAny(p.ID, p.Operator, values, p.Value)
		if err != nil {
			logEvaluationError(ctx, span, err)
			continue
		}
		if !matched {
			continue
		}
		decision = trustFromPolicy(p)
		break
	}

	outcome := "trusted"
	switch {
	case decision.Blocked:
		outcome = "blocked"
	case !decision.Trusted:
		outcome = "untrusted"
	}
	span.SetAttributes(
		wardenotel.Decision.String(outcome),
		attribute.String("policy.id", decision.PolicyID),
	)
	wardenotel.RecordDecision(ctx, "trusted_data", outcome)
	return decision
}

func trustFromPolicy(p TrustedDataPolicy) TrustDecision {
	reason := p.Description
	if reason == "" {
		reason = fmt.Sprintf("tool result matched trusted-data policy %s", p.ID)
	}
	switch p.Action {
	case TrustMarkTrusted:
		return TrustDecision{Trusted: true, PolicyID: p.ID, Reason: reason}
	case TrustMarkUntrusted:
		return TrustDecision{Trusted: false, PolicyID: p.ID, Reason: reason}
	default:
		return TrustDecision{Trusted: false, Blocked: true, PolicyID: p.ID, Reason: reason}
	}
}

// matchAny reports whether op holds for any extracted value. The first
// evaluation error is returned only when no value matched.
func (s *Set) matchAny(policyID string, op Operator, values []interface{}, expected string) (bool, error) {
	var firstErr error
	for _, v := range values {
		ok, err := s.match(op, v, expected)
		if err != nil {
			if firstErr == nil {
				firstErr = &EvaluationError{PolicyID: policyID, Err: err}
			}
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, firstErr
}

func logEvaluationError(ctx context.Context, span trace.Span, err error) {
	var evalErr *EvaluationError
	id := ""
	if errors.As(err, &evalErr) {
		id = evalErr.PolicyID
	}
	span.AddEvent("policy_evaluation_error", trace.WithAttributes(
		attribute.String("policy.id", id),
		attribute.String("error", err.Error()),
	))
	log.Debug().Err(err).Str("policy_id", id).Func(wardenotel.LogTraceFields(ctx)).Msg("policy_evaluation_error")
}
