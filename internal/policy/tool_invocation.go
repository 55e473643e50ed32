package policy

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/dativo-io/warden/internal/otel"
)

// InvocationDecision is the outcome of evaluating one tool call.
type InvocationDecision struct {
	Allowed              bool
	Reason               string
	PolicyID             string
	RequiresConfirmation bool
}

// ToolInvocationEngine decides whether a tool call may proceed given the
// conversation's taint state.
type ToolInvocationEngine struct {
	source Source
}

// NewToolInvocationEngine creates an engine reading policies from src.
func NewToolInvocationEngine(src Source) *ToolInvocationEngine {
	return &ToolInvocationEngine{source: src}
}

// Evaluate applies the invocation policies for toolName to the call's
// arguments. untrusted is true when the conversation holds any tainted
// interaction; rules suffixed _when_context_is_untrusted apply only then.
// The first applicable matching rule decides and the default is allow.
// require_confirmation denies the call since the proxy has no way to ask.
func (e *ToolInvocationEngine) Evaluate(ctx context.Context, toolName string, args map[string]interface{}, untrusted bool) InvocationDecision {
	_, span := tracer.Start(ctx, "policy.tool_invocation.evaluate",
		trace.WithAttributes(
			wardenotel.ToolName.String(toolName),
			attribute.Bool("context.untrusted", untrusted),
		))
	defer span.End()

	set := e.source.Snapshot()
	decision := InvocationDecision{Allowed: true}

	for _, p := range set.ToolInvocationFor(toolName) {
		if p.Action.untrustedOnly() && !untrusted {
			continue
		}
		arg, ok := args[p.ArgumentName]
		if !ok {
			continue
		}
		matched, err := set.match(p.Operator, arg, p.Value)
		if err != nil {
			logEvaluationError(ctx, span, &EvaluationError{PolicyID: p.ID, Err: err})
			continue
		}
		if !matched {
			continue
		}
		decision = invocationFromPolicy(p, toolName)
		break
	}

	outcome := "allow"
	if !decision.Allowed {
		outcome = "deny"
	}
	span.SetAttributes(
		wardenotel.Decision.String(outcome),
		attribute.String("policy.id", decision.PolicyID),
	)
	wardenotel.RecordDecision(ctx, "tool_invocation", outcome)
	return decision
}

func invocationFromPolicy(p ToolInvocationPolicy, toolName string) InvocationDecision {
	d := InvocationDecision{PolicyID: p.ID, Reason: p.Reason}
	switch p.Action {
	case ActionAllow, ActionAllowWhenContextIsUntrusted:
		d.Allowed = true
		return d
	case ActionRequireConfirmation:
		d.RequiresConfirmation = true
		if d.Reason == "" {
			d.Reason = fmt.Sprintf("invocation of %s requires user confirmation", toolName)
		}
	case ActionDenyWhenContextIsUntrusted:
		if d.Reason == "" {
			d.Reason = fmt.Sprintf("%s cannot be invoked while the conversation contains untrusted data", toolName)
		}
	default:
		if d.Reason == "" {
			d.Reason = fmt.Sprintf("invocation of %s denied by policy %s", toolName, p.ID)
		}
	}
	return d
}

// DenialMessage renders a denied decision as text the model can read in
// place of the tool's output.
func DenialMessage(toolName string, d InvocationDecision) string {
	if d.RequiresConfirmation {
		return fmt.Sprintf("Tool call %q was not executed: %s. Ask the user to confirm before retrying.", toolName, d.Reason)
	}
	return fmt.Sprintf("Tool call %q was blocked by security policy: %s", toolName, d.Reason)
}
