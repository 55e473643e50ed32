package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/warden/internal/ledger"
	wardenotel "github.com/dativo-io/warden/internal/otel"
	"github.com/dativo-io/warden/internal/policy"
	"github.com/dativo-io/warden/internal/quarantine"
)

// Ledger is the subset of the interaction ledger the interceptor uses.
type Ledger interface {
	Append(ctx context.Context, in *ledger.Interaction) (string, error)
	ListByConversation(ctx context.Context, conversationID string) ([]ledger.Interaction, error)
	ListTainted(ctx context.Context, conversationID string) ([]ledger.Interaction, error)
	BlockedToolCallIDs(ctx context.Context, conversationID string) (map[string]struct{}, error)
	RecordedToolCallIDs(ctx context.Context, conversationID string) (map[string]struct{}, error)
	Resolve(ctx context.Context, id string, blocked bool, reason string) error
}

// Reviewer decides whether a conversation with pending untrusted tool
// output may proceed.
type Reviewer interface {
	Evaluate(ctx context.Context, conversationID string) quarantine.Result
}

// Exchange identifies one intercepted chat request.
type Exchange struct {
	Route          Route
	Agent          string
	ConversationID string
	Envelope       *Envelope
}

// Outcome is what the interceptor decided for a request.
type Outcome struct {
	// Envelope is the request to forward upstream.
	Envelope *Envelope
	// Untrusted reports whether the conversation carries untrusted data
	// after this request's tool results were recorded.
	Untrusted bool
	// Recorded counts the tool results first seen in this request.
	Recorded int
	// Denied lists tool call ids whose invocation was refused in this request.
	Denied []string
	// Dropped lists tool call ids removed from the forwarded context.
	Dropped []string
}

// Interceptor runs the security pipeline for chat requests: tool-result
// recording, invocation checks, trust evaluation, quarantine review, the
// access guard and context filtering.
type Interceptor struct {
	ledger     Ledger
	policies   policy.Source
	trusted    *policy.TrustedDataEvaluator
	invocation *policy.ToolInvocationEngine
	reviewer   Reviewer
	denyAction QuarantineDenyAction
	convs      *ledger.KeyedMutex
}

// NewInterceptor builds an Interceptor. A nil reviewer skips quarantine
// review; untrusted results then stay pending until resolved elsewhere.
func NewInterceptor(l Ledger, policies policy.Source, reviewer Reviewer, denyAction QuarantineDenyAction) *Interceptor {
	if denyAction == "" {
		denyAction = DenyReject
	}
	return &Interceptor{
		ledger:     l,
		policies:   policies,
		trusted:    policy.NewTrustedDataEvaluator(policies),
		invocation: policy.NewToolInvocationEngine(policies),
		reviewer:   reviewer,
		denyAction: denyAction,
		convs:      ledger.NewKeyedMutex(),
	}
}

type replacement struct {
	callID string
	text   string
}

// Intercept evaluates ex and returns the envelope to forward. A
// *DenialError means the request must not reach the provider. Any other
// error is an internal failure and must also block the request.
//
// Requests for the same conversation are processed one at a time. Ledger
// writes are not cancelled when the client goes away.
func (ic *Interceptor) Intercept(ctx context.Context, ex Exchange) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "gateway.intercept",
		trace.WithAttributes(
			wardenotel.ConversationID.String(ex.ConversationID),
			wardenotel.RoutingID.String(ex.Route.RoutingID),
			attribute.String("gateway.provider", ex.Route.Provider),
		))
	defer span.End()

	unlock := ic.convs.Lock(ex.ConversationID)
	defer unlock()

	out, err := ic.intercept(context.WithoutCancel(ctx), ex)
	if err != nil {
		var denial *DenialError
		if errors.As(err, &denial) {
			span.SetAttributes(wardenotel.Stage.String(denial.Stage), wardenotel.Decision.String("deny"))
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("gateway.tool_results_recorded", out.Recorded),
		attribute.Int("gateway.tool_results_dropped", len(out.Dropped)),
		attribute.Bool("gateway.untrusted_context", out.Untrusted),
	)
	return out, nil
}

func (ic *Interceptor) intercept(ctx context.Context, ex Exchange) (*Outcome, error) {
	conv := ex.ConversationID
	env := ex.Envelope
	out := &Outcome{}

	tainted, err := ic.ledger.ListTainted(ctx, conv)
	if err != nil {
		return nil, fmt.Errorf("reading taint state: %w", err)
	}
	untrusted := len(tainted) > 0

	recorded, err := ic.ledger.RecordedToolCallIDs(ctx, conv)
	if err != nil {
		return nil, fmt.Errorf("reading recorded tool results: %w", err)
	}

	var (
		history      []ledger.Interaction
		historyRead  bool
		replacements []replacement
	)
	lookupCall := func(callID string) (ToolCall, error) {
		if tc, ok := env.FindToolCall(callID); ok {
			return tc, nil
		}
		if !historyRead {
			history, err = ic.ledger.ListByConversation(ctx, conv)
			if err != nil {
				return ToolCall{}, fmt.Errorf("reading conversation history: %w", err)
			}
			historyRead = true
		}
		if tc, ok := ledger.FindToolCall(history, callID); ok {
			return ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}, nil
		}
		return ToolCall{ID: callID}, nil
	}

	for _, m := range env.Messages {
		for _, tr := range m.ToolResults {
			if _, seen := recorded[tr.CallID]; seen {
				continue
			}
			recorded[tr.CallID] = struct{}{}

			call, err := lookupCall(tr.CallID)
			if err != nil {
				return nil, err
			}
			rec := &ledger.Interaction{
				ConversationID: conv,
				Role:           ledger.RoleTool,
				Provider:       ex.Route.Provider,
				RoutingID:      ex.Route.RoutingID,
				Text:           tr.Text,
				Content:        tr.Content(),
				ToolCallID:     tr.CallID,
				ToolName:       call.Name,
			}

			inv := ic.invocation.Evaluate(ctx, call.Name, call.ArgumentMap(), untrusted)
			if !inv.Allowed {
				rec.Trusted = ledger.Bool(false)
				rec.Blocked = ledger.Bool(true)
				rec.Reason = "tool invocation denied: " + inv.Reason
				replacements = append(replacements, replacement{callID: tr.CallID, text: policy.DenialMessage(call.Name, inv)})
				out.Denied = append(out.Denied, tr.CallID)
				log.Warn().
					Str("conversation_id", conv).
					Str("tool_name", call.Name).
					Str("tool_call_id", tr.CallID).
					Str("policy_id", inv.PolicyID).
					Str("reason", inv.Reason).
					Func(wardenotel.LogTraceFields(ctx)).
					Msg("tool_invocation_denied")
			} else {
				d := ic.trusted.Evaluate(ctx, conv, call.Name, tr.Document())
				rec.Trusted = ledger.Bool(d.Trusted)
				rec.Tainted = d.Tainted()
				if d.Tainted() {
					rec.TaintReason = d.Reason
				}
				switch {
				case d.Blocked:
					rec.Blocked = ledger.Bool(true)
					rec.Reason = d.Reason
				case d.Trusted:
					rec.Blocked = ledger.Bool(false)
				}
			}

			if _, err := ic.ledger.Append(ctx, rec); err != nil {
				return nil, fmt.Errorf("recording tool result %s: %w", tr.CallID, err)
			}
			out.Recorded++
		}
	}

	if last := env.Last(); last != nil && last.Role == "user" && last.Text != "" {
		if _, err := ic.ledger.Append(ctx, &ledger.Interaction{
			ConversationID: conv,
			Role:           ledger.RoleUser,
			Provider:       ex.Route.Provider,
			RoutingID:      ex.Route.RoutingID,
			Text:           last.Text,
		}); err != nil {
			return nil, fmt.Errorf("recording user message: %w", err)
		}
	}

	if ic.reviewer != nil {
		res := ic.reviewer.Evaluate(ctx, conv)
		for _, id := range res.Reviewed {
			if err := ic.ledger.Resolve(ctx, id, !res.IsAllowed, res.DenyReason); err != nil && !errors.Is(err, ledger.ErrAlreadyResolved) {
				return nil, fmt.Errorf("resolving reviewed interaction %s: %w", id, err)
			}
		}
		if !res.IsAllowed && ic.denyAction == DenyReject {
			return nil, &DenialError{Stage: "quarantine", Reason: res.DenyReason}
		}
	}

	tainted, err = ic.ledger.ListTainted(ctx, conv)
	if err != nil {
		return nil, fmt.Errorf("reading taint state: %w", err)
	}
	out.Untrusted = len(tainted) > 0

	access, err := ic.policies.Snapshot().EvaluateAccess(ctx, policy.AccessInput{
		Provider:         ex.Route.Provider,
		Model:            env.Model,
		Agent:            ex.Agent,
		TaintedCount:     len(tainted),
		UntrustedContext: out.Untrusted,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluating access guard: %w", err)
	}
	if !access.Allowed {
		return nil, &DenialError{Stage: "access", Reason: strings.Join(access.Reasons, "; ")}
	}

	blocked, err := ic.ledger.BlockedToolCallIDs(ctx, conv)
	if err != nil {
		return nil, fmt.Errorf("reading blocked tool results: %w", err)
	}
	// Results denied in this request stay in place as denial notices so the
	// model sees why its call failed.
	for _, r := range replacements {
		delete(blocked, r.callID)
		env.ReplaceToolResult(r.callID, r.text)
	}

	filtered := FilterBlocked(env, blocked)
	for id := range blocked {
		if references(env, map[string]struct{}{id: {}}) {
			out.Dropped = append(out.Dropped, id)
		}
	}
	out.Envelope = filtered
	return out, nil
}

// responseCheck returns the invocation check applied to each tool call the
// upstream model requests, before the call is relayed to the client.
func (ic *Interceptor) responseCheck(ctx context.Context, ex Exchange, untrusted bool) func(ToolCall) policy.InvocationDecision {
	return func(tc ToolCall) policy.InvocationDecision {
		d := ic.invocation.Evaluate(ctx, tc.Name, tc.ArgumentMap(), untrusted)
		if !d.Allowed {
			log.Warn().
				Str("conversation_id", ex.ConversationID).
				Str("tool_name", tc.Name).
				Str("tool_call_id", tc.ID).
				Str("policy_id", d.PolicyID).
				Str("reason", d.Reason).
				Func(wardenotel.LogTraceFields(ctx)).
				Msg("response_tool_call_refused")
		}
		return d
	}
}

// RecordResponse appends the assistant message rebuilt from the upstream
// response. Each tool call it requested is stored with its invocation
// verdict: the one made while relaying the response when present, otherwise
// a fresh evaluation.
func (ic *Interceptor) RecordResponse(ctx context.Context, ex Exchange, untrusted bool, reply *Assembled) error {
	ctx, span := tracer.Start(ctx, "gateway.record_response",
		trace.WithAttributes(
			wardenotel.ConversationID.String(ex.ConversationID),
			attribute.Int("gateway.tool_calls", len(reply.ToolCalls)),
		))
	defer span.End()

	unlock := ic.convs.Lock(ex.ConversationID)
	defer unlock()

	calls := make([]ledger.ToolCall, 0, len(reply.ToolCalls))
	for _, tc := range reply.ToolCalls {
		d, ok := reply.Verdicts[tc.ID]
		if !ok {
			d = ic.invocation.Evaluate(ctx, tc.Name, tc.ArgumentMap(), untrusted)
		}
		calls = append(calls, ledger.ToolCall{
			ID:         tc.ID,
			Name:       tc.Name,
			Arguments:  tc.Arguments,
			Denied:     !d.Allowed,
			DenyReason: d.Reason,
		})
	}

	_, err := ic.ledger.Append(context.WithoutCancel(ctx), &ledger.Interaction{
		ConversationID: ex.ConversationID,
		Role:           ledger.RoleAssistant,
		Provider:       ex.Route.Provider,
		RoutingID:      ex.Route.RoutingID,
		Text:           reply.Text,
		ToolCalls:      calls,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("recording assistant response: %w", err)
	}
	return nil
}
