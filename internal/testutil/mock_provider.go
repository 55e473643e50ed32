// Package testutil provides shared test helpers, mocks, and utilities for Warden tests.
package testutil

import (
	"context"
	"sync"

	"github.com/dativo-io/warden/internal/llm"
)

// MockModel implements llm.Model for tests without live API calls.
// Call N gets Responses[N], or the last one once the sequence is exhausted.
// Set Err to make every call fail, or Block to make calls wait for the
// context to end.
type MockModel struct {
	ProviderName string
	Responses    []string
	Err          error
	Block        bool

	mu       sync.Mutex
	requests []*llm.Request
}

// NewMockModel returns a MockModel answering with responses in order.
func NewMockModel(responses ...string) *MockModel {
	return &MockModel{ProviderName: "mock", Responses: responses}
}

// Name returns the provider identifier.
func (m *MockModel) Name() string { return m.ProviderName }

// Generate records the request and returns the next canned response.
func (m *MockModel) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	cp := *req
	cp.Messages = append([]llm.Message(nil), req.Messages...)
	m.requests = append(m.requests, &cp)
	idx := len(m.requests) - 1
	m.mu.Unlock()

	if m.Block {
		<-ctx.Done()
		return nil, &llm.InvocationError{Provider: m.ProviderName, Kind: llm.KindTimeout, Err: ctx.Err()}
	}
	if m.Err != nil {
		return nil, m.Err
	}
	content := ""
	if len(m.Responses) > 0 {
		if idx >= len(m.Responses) {
			idx = len(m.Responses) - 1
		}
		content = m.Responses[idx]
	}
	return &llm.Response{
		Content:      content,
		FinishReason: "stop",
		InputTokens:  10,
		OutputTokens: 20,
		Model:        req.Model,
	}, nil
}

// Calls returns how many times Generate was invoked.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns copies of the requests received so far.
func (m *MockModel) Requests() []*llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*llm.Request(nil), m.requests...)
}
