package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessGuard(t *testing.T) {
	ctx := context.Background()
	g, err := NewAccessGuard(ctx, AccessConfig{
		BlockedModels:          []string{"gpt-3.5-turbo"},
		MaxTaintedInteractions: 3,
		TrustedOnlyProviders:   []string{"ollama"},
	})
	require.NoError(t, err)

	tests := []struct {
		name    string
		in      AccessInput
		allowed bool
		reason  string
	}{
		{"clean request", AccessInput{Provider: "openai", Model: "gpt-4o"}, true, ""},
		{"blocked model", AccessInput{Provider: "openai", Model: "gpt-3.5-turbo"}, false, "not permitted"},
		{"at taint limit", AccessInput{Provider: "openai", Model: "gpt-4o", TaintedCount: 3, UntrustedContext: true}, true, ""},
		{"over taint limit", AccessInput{Provider: "openai", Model: "gpt-4o", TaintedCount: 4, UntrustedContext: true}, false, "limit 3"},
		{"trusted-only provider untrusted", AccessInput{Provider: "ollama", Model: "llama3", TaintedCount: 1, UntrustedContext: true}, false, "only accepts"},
		{"trusted-only provider trusted", AccessInput{Provider: "ollama", Model: "llama3"}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := g.Evaluate(ctx, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, d.Allowed)
			if tt.reason != "" {
				require.NotEmpty(t, d.Reasons)
				assert.Contains(t, d.Reasons[0], tt.reason)
			} else {
				assert.Empty(t, d.Reasons)
			}
		})
	}
}

func TestAccessGuard_EmptyConfigAllows(t *testing.T) {
	g, err := NewAccessGuard(context.Background(), AccessConfig{})
	require.NoError(t, err)
	d, err := g.Evaluate(context.Background(), AccessInput{Provider: "anthropic", Model: "claude", TaintedCount: 100, UntrustedContext: true})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestSet_EvaluateAccessWithoutGuard(t *testing.T) {
	d, err := NewSet(nil, nil).EvaluateAccess(context.Background(), AccessInput{Model: "x"})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	s, err := NewSet(nil, nil).WithAccess(context.Background(), AccessConfig{BlockedModels: []string{"x"}})
	require.NoError(t, err)
	d, err = s.EvaluateAccess(context.Background(), AccessInput{Model: "x"})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}
