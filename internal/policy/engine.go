package policy

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/dativo-io/warden/internal/otel"
)

//go:embed rego/*.rego
var embeddedPolicies embed.FS

const (
	accessModule = "rego/request_access.rego"
	accessQuery  = "data.warden.request_access.deny"
)

// AccessInput describes an intercepted request for the access guard.
type AccessInput struct {
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	Agent            string `json:"agent"`
	TaintedCount     int    `json:"tainted_count"`
	UntrustedContext bool   `json:"untrusted_context"`
}

// AccessDecision is the guard's verdict.
type AccessDecision struct {
	Allowed bool
	Reasons []string
}

// AccessGuard evaluates the embedded request-access Rego policy.
type AccessGuard struct {
	prepared rego.PreparedEvalQuery
}

// NewAccessGuard prepares the Rego query with cfg loaded as OPA data.
func NewAccessGuard(ctx context.Context, cfg AccessConfig) (*AccessGuard, error) {
	ctx, span := tracer.Start(ctx, "policy.access_guard.new")
	defer span.End()

	data, err := toData(cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("converting access config to OPA data: %w", err)
	}

	module, err := embeddedPolicies.ReadFile(accessModule)
	if err != nil {
		return nil, fmt.Errorf("reading embedded policy %s: %w", accessModule, err)
	}

	pq, err := rego.New(
		rego.Query(accessQuery),
		rego.Module(accessModule, string(module)),
		rego.Store(inmem.NewFromObject(map[string]interface{}{"access": data})),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("preparing Rego policy %s: %w", accessModule, err)
	}
	return &AccessGuard{prepared: pq}, nil
}

// Evaluate returns the deny reasons for in, if any.
func (g *AccessGuard) Evaluate(ctx context.Context, in AccessInput) (*AccessDecision, error) {
	ctx, span := tracer.Start(ctx, "policy.access_guard.evaluate",
		trace.WithAttributes(
			attribute.String("provider", in.Provider),
			attribute.String("model", in.Model),
			attribute.Int("tainted_count", in.TaintedCount),
		))
	defer span.End()

	input, err := toData(in)
	if err != nil {
		return nil, fmt.Errorf("converting access input: %w", err)
	}
	results, err := g.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("evaluating %s: %w", accessModule, err)
	}

	decision := &AccessDecision{Allowed: true}
	if len(results) > 0 && len(results[0].Expressions) > 0 {
		// A set of strings comes back as []interface{}.
		if msgs, ok := results[0].Expressions[0].Value.([]interface{}); ok {
			for _, m := range msgs {
				if s, ok := m.(string); ok {
					decision.Reasons = append(decision.Reasons, s)
				}
			}
		}
	}
	decision.Allowed = len(decision.Reasons) == 0

	outcome := "allow"
	if !decision.Allowed {
		outcome = "deny"
	}
	span.SetAttributes(wardenotel.Decision.String(outcome))
	wardenotel.RecordDecision(ctx, "request_access", outcome)
	return decision, nil
}

// EvaluateAccess runs the set's access guard. A Set built without Parse has
// no guard and allows every request.
func (s *Set) EvaluateAccess(ctx context.Context, in AccessInput) (*AccessDecision, error) {
	if s.guard == nil {
		return &AccessDecision{Allowed: true}, nil
	}
	return s.guard.Evaluate(ctx, in)
}

// WithAccess returns a copy of s with a guard prepared for cfg.
func (s *Set) WithAccess(ctx context.Context, cfg AccessConfig) (*Set, error) {
	guard, err := NewAccessGuard(ctx, cfg)
	if err != nil {
		return nil, err
	}
	cp := *s
	cp.Access = cfg
	cp.guard = guard
	return &cp, nil
}

// toData round-trips v through JSON so OPA sees plain maps and slices.
func toData(v interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
