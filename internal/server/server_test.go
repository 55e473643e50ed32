package server

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/warden/internal/ledger"
	"github.com/dativo-io/warden/internal/policy"
	"github.com/dativo-io/warden/internal/requestctx"
	"github.com/dativo-io/warden/internal/testutil"
)

const testKey = "test-key-123"

type serverFixture struct {
	handler  http.Handler
	ledger   *ledger.Store
	policies *policy.FileStore
	path     string
}

func newServerFixture(t *testing.T, opts ...Option) *serverFixture {
	t.Helper()
	path := testutil.WritePolicyFile(t, t.TempDir(), testutil.ScenarioPolicy)
	policies, err := policy.NewFileStore(context.Background(), path)
	require.NoError(t, err)
	store := testutil.NewTestLedger(t)
	srv := NewServer(store, policies, map[string]string{testKey: "ops"}, opts...)
	return &serverFixture{handler: srv.Routes(), ledger: store, policies: policies, path: path}
}

func (f *serverFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Warden-Key", testKey)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) seed(t *testing.T) (userID, toolID string) {
	t.Helper()
	ctx := context.Background()
	var err error
	userID, err = f.ledger.Append(ctx, &ledger.Interaction{
		ConversationID: "conv-1", Role: ledger.RoleUser, Provider: "openai", Text: "summarize the page",
	})
	require.NoError(t, err)
	toolID, err = f.ledger.Append(ctx, &ledger.Interaction{
		ConversationID: "conv-1", Role: ledger.RoleTool, Provider: "openai",
		ToolCallID: "call_1", ToolName: "fetch_url", Text: "page body",
		Tainted: true, TaintReason: "untrusted domain", Trusted: ledger.Bool(false),
	})
	require.NoError(t, err)
	_, err = f.ledger.Append(ctx, &ledger.Interaction{
		ConversationID: "conv-2", Role: ledger.RoleUser, Provider: "anthropic", Text: "hello",
	})
	require.NoError(t, err)
	return userID, toolID
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t, WithQuarantine(true))

	for _, path := range []string{"/health", "/v1/health"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, path)
		body := decode(t, rec)
		assert.Equal(t, "ok", body["status"])
		assert.NotContains(t, body, "components")
	}

	req := httptest.NewRequest(http.MethodGet, "/health?detail=true", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	body := decode(t, rec)
	components, ok := body["components"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ok", components["quarantine"])
	assert.Equal(t, "disabled", components["proxy"])
	assert.Equal(t, f.policies.Snapshot().Version, body["policy_version"])
}

func TestAuthMiddleware(t *testing.T) {
	var operator string
	h := AuthMiddleware(map[string]string{testKey: "ops"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator = requestctx.Operator(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong key", "X-Warden-Key", "nope", http.StatusUnauthorized},
		{"header key", "X-Warden-Key", testKey, http.StatusNoContent},
		{"bearer", "Authorization", "Bearer " + testKey, http.StatusNoContent},
		{"basic is not bearer", "Authorization", "Basic " + testKey, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			operator = ""
			req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusNoContent {
				assert.Equal(t, "ops", operator)
			} else {
				assert.Contains(t, rec.Body.String(), "unauthorized")
			}
		})
	}
}

func TestManagementRoutesRequireKey(t *testing.T) {
	f := newServerFixture(t)
	for _, path := range []string{"/v1/conversations", "/v1/interactions", "/v1/policies"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestCORS(t *testing.T) {
	h := CORSMiddleware([]string{"https://console.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/policies", nil)
	req.Header.Set("Origin", "https://console.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://console.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Warden-Key")

	req = httptest.NewRequest(http.MethodGet, "/v1/policies", nil)
	req.Header.Set("Origin", "https://evil.example.net")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestConversations(t *testing.T) {
	f := newServerFixture(t)
	f.seed(t)

	rec := f.do(t, http.MethodGet, "/v1/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Conversations []ledger.ConversationSummary `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Conversations, 2)
	byID := map[string]ledger.ConversationSummary{}
	for _, c := range body.Conversations {
		byID[c.ConversationID] = c
	}
	assert.Equal(t, 2, byID["conv-1"].Interactions)
	assert.Equal(t, 1, byID["conv-1"].Tainted)
	assert.Equal(t, 1, byID["conv-2"].Interactions)

	rec = f.do(t, http.MethodGet, "/v1/conversations?limit=1", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Conversations, 1)

	rec = f.do(t, http.MethodGet, "/v1/conversations?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConversationInteractions(t *testing.T) {
	f := newServerFixture(t)
	f.seed(t)

	rec := f.do(t, http.MethodGet, "/v1/conversations/conv-1/interactions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		ConversationID string               `json:"conversation_id"`
		Interactions   []ledger.Interaction `json:"interactions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "conv-1", body.ConversationID)
	require.Len(t, body.Interactions, 2)
	assert.Equal(t, ledger.RoleUser, body.Interactions[0].Role)
	assert.Equal(t, "call_1", body.Interactions[1].ToolCallID)
	assert.True(t, body.Interactions[1].Tainted)

	rec = f.do(t, http.MethodGet, "/v1/conversations/missing/interactions", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInteractionGetAndVerify(t *testing.T) {
	f := newServerFixture(t)
	_, toolID := f.seed(t)

	rec := f.do(t, http.MethodGet, "/v1/interactions/"+toolID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var in ledger.Interaction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &in))
	assert.Equal(t, toolID, in.ID)
	assert.Equal(t, "fetch_url", in.ToolName)
	assert.NotEmpty(t, in.Signature)

	rec = f.do(t, http.MethodGet, "/v1/interactions/"+toolID+"/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["valid"])

	rec = f.do(t, http.MethodGet, "/v1/interactions/int_missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodGet, "/v1/interactions/int_missing/verify", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInteractionsExport(t *testing.T) {
	f := newServerFixture(t)
	f.seed(t)

	rec := f.do(t, http.MethodGet, "/v1/interactions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Interactions []ledger.Interaction `json:"interactions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Interactions, 3)

	rec = f.do(t, http.MethodGet, "/v1/interactions?format=csv&limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")
	rows, err := csv.NewReader(rec.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3, "header plus two rows")
	assert.Equal(t, "id", rows[0][0])
	assert.Equal(t, "conversation_id", rows[0][1])

	rec = f.do(t, http.MethodGet, "/v1/interactions?since=2999-01-01T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Interactions)

	for _, q := range []string{"format=xml", "since=yesterday", "limit=0"} {
		rec = f.do(t, http.MethodGet, "/v1/interactions?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestPoliciesList(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/policies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, f.policies.Snapshot().Version, body["version"])
	assert.Len(t, body["trusted_data_policies"], 2)
	assert.Len(t, body["tool_invocation_policies"], 2)
	assert.Empty(t, body["problems"])
}

func TestPoliciesEvaluate(t *testing.T) {
	f := newServerFixture(t)

	tests := []struct {
		name  string
		body  string
		check func(t *testing.T, body map[string]interface{})
	}{
		{
			name: "untrusted result",
			body: `{"tool":"fetch_url","result":{"url":"https://attacker.test/page"}}`,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "trusted_data", body["kind"])
				assert.Equal(t, false, body["trusted"])
				assert.Equal(t, true, body["tainted"])
				assert.Equal(t, "td-web", body["policy_id"])
			},
		},
		{
			name: "blocked result",
			body: `{"tool":"read_file","result":{"path":"/etc/passwd"}}`,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, true, body["blocked"])
				assert.Equal(t, "td-etc", body["policy_id"])
			},
		},
		{
			name: "call allowed in clean context",
			body: `{"tool":"send_email","arguments":{"to":"x@attacker.test"}}`,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "tool_invocation", body["kind"])
				assert.Equal(t, true, body["allowed"])
				assert.NotContains(t, body, "message")
			},
		},
		{
			name: "call denied in untrusted context",
			body: `{"tool":"send_email","arguments":{"to":"x@attacker.test"},"untrusted":true}`,
			check: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, false, body["allowed"])
				assert.Equal(t, "ti-email", body["policy_id"])
				assert.Contains(t, body["message"], "blocked by security policy")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/policies/evaluate", tt.body)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			tt.check(t, decode(t, rec))
		})
	}

	rec := f.do(t, http.MethodPost, "/v1/policies/evaluate", `{"result":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/v1/policies/evaluate", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPoliciesReload(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/policies/reload", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	f = newServerFixture(t)
	srv := NewServer(f.ledger, f.policies, map[string]string{testKey: "ops"}, WithPolicyReloader(f.policies))
	f.handler = srv.Routes()
	before := f.policies.Snapshot().Version

	require.NoError(t, os.WriteFile(f.path, []byte(testutil.ScenarioPolicy+`
  - id: ti-curl
    tool_id: shell
    argument_name: command
    operator: contains
    value: curl
    action: deny
`), 0o600))
	rec = f.do(t, http.MethodPost, "/v1/policies/reload", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.NotEqual(t, before, body["version"])
	assert.Len(t, f.policies.Snapshot().ToolInvocation, 3)

	require.NoError(t, os.WriteFile(f.path, []byte("trusted_data_policies: [oops"), 0o600))
	rec = f.do(t, http.MethodPost, "/v1/policies/reload", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Len(t, f.policies.Snapshot().ToolInvocation, 3, "previous snapshot stays active")
}

func TestGatewayMount(t *testing.T) {
	var gotPath string
	gw := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusTeapot)
	})
	f := newServerFixture(t, WithGateway("/v1/proxy/", gw))

	req := httptest.NewRequest(http.MethodPost, "/v1/proxy/openai/v1/chat/completions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code, "proxy routes need no management key")
	assert.Equal(t, "/v1/proxy/openai/v1/chat/completions", gotPath)

	req = httptest.NewRequest(http.MethodGet, "/health?detail=true", nil)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	components := decode(t, rec)["components"].(map[string]interface{})
	assert.Equal(t, "ok", components["proxy"])
}

func TestAuthMiddleware_NoKeysConfigured(t *testing.T) {
	h := AuthMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))
	req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	req.Header.Set("X-Warden-Key", "anything")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "no API keys configured")
}
