package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToolInvocation_DefaultAllow(t *testing.T) {
	e := NewToolInvocationEngine(NewSet(nil, []ToolInvocationPolicy{
		{ID: "p1", ToolID: "send_email", ArgumentName: "to", Operator: OpEndsWith, Value: "@evil.com", Action: ActionDeny},
	}))
	ctx := context.Background()

	for _, untrusted := range []bool{false, true} {
		d := e.Evaluate(ctx, "send_email", map[string]interface{}{"to": "a@corp.com"}, untrusted)
		assert.Equal(t, InvocationDecision{Allowed: true}, d)

		d = e.Evaluate(ctx, "read_file", map[string]interface{}{"to": "a@evil.com"}, untrusted)
		assert.True(t, d.Allowed)

		d = e.Evaluate(ctx, "send_email", map[string]interface{}{}, untrusted)
		assert.True(t, d.Allowed, "missing argument never matches")
	}
}

func TestToolInvocation_Deny(t *testing.T) {
	e := NewToolInvocationEngine(NewSet(nil, []ToolInvocationPolicy{
		{ID: "p1", ToolID: "send_email", ArgumentName: "to", Operator: OpEndsWith, Value: "@evil.com", Action: ActionDeny, Reason: "external recipient"},
	}))
	d := e.Evaluate(context.Background(), "send_email", map[string]interface{}{"to": "x@evil.com"}, false)
	assert.False(t, d.Allowed)
	assert.Equal(t, "external recipient", d.Reason)
	assert.Equal(t, "p1", d.PolicyID)
	assert.Contains(t, DenialMessage("send_email", d), "external recipient")
}

func TestToolInvocation_UntrustedOnlyRulesNeverTriggerInTrustedContext(t *testing.T) {
	ops := []struct {
		op    Operator
		value string
	}{
		{OpEqual, "rm -rf /"}, {OpContains, "rm"}, {OpStartsWith, "rm"}, {OpMatchesRegex, "^rm"},
		{OpNotEqual, "ls"}, {OpNotContains, "ls"}, {OpEndsWith, "/"},
	}
	args := map[string]interface{}{"cmd": "rm -rf /"}
	for _, o := range ops {
		for _, action := range []InvocationAction{ActionDenyWhenContextIsUntrusted, ActionAllowWhenContextIsUntrusted} {
			e := NewToolInvocationEngine(NewSet(nil, []ToolInvocationPolicy{
				{ID: "u", ToolID: "shell", ArgumentName: "cmd", Operator: o.op, Value: o.value, Action: action},
				{ID: "fallback", ToolID: "shell", ArgumentName: "cmd", Operator: OpContains, Value: "-rf", Action: ActionDeny},
			}))
			d := e.Evaluate(context.Background(), "shell", args, false)
			assert.Equal(t, "fallback", d.PolicyID, "%s/%s must be skipped in a trusted context", action, o.op)
			assert.False(t, d.Allowed)

			d = e.Evaluate(context.Background(), "shell", args, true)
			assert.Equal(t, "u", d.PolicyID, "%s/%s applies in an untrusted context", action, o.op)
			assert.Equal(t, action == ActionAllowWhenContextIsUntrusted, d.Allowed)
		}
	}
}

func TestToolInvocation_FirstMatchWins(t *testing.T) {
	e := NewToolInvocationEngine(NewSet(nil, []ToolInvocationPolicy{
		{ID: "allow-internal", ToolID: "http_get", ArgumentName: "url", Operator: OpStartsWith, Value: "https://intranet", Action: ActionAllow},
		{ID: "deny-all", ToolID: "*", ArgumentName: "url", Operator: OpStartsWith, Value: "http", Action: ActionDeny},
	}))
	ctx := context.Background()
	assert.True(t, e.Evaluate(ctx, "http_get", map[string]interface{}{"url": "https://intranet/x"}, true).Allowed)
	assert.False(t, e.Evaluate(ctx, "http_get", map[string]interface{}{"url": "https://example.com"}, true).Allowed)
}

func TestToolInvocation_RequireConfirmation(t *testing.T) {
	e := NewToolInvocationEngine(NewSet(nil, []ToolInvocationPolicy{
		{ID: "big-transfer", ToolID: "transfer", ArgumentName: "amount", Operator: OpGreaterThan, Value: "1000", Action: ActionRequireConfirmation},
	}))
	d := e.Evaluate(context.Background(), "transfer", map[string]interface{}{"amount": float64(5000)}, false)
	assert.False(t, d.Allowed)
	assert.True(t, d.RequiresConfirmation)
	assert.Contains(t, DenialMessage("transfer", d), "confirm")

	d = e.Evaluate(context.Background(), "transfer", map[string]interface{}{"amount": "lots"}, false)
	assert.True(t, d.Allowed, "non-numeric argument is a non-match")
}
