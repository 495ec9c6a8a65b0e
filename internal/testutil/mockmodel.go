package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// MockModelName is the model name the mock registers under. Pass it to
// anything that takes a model name.
const MockModelName = "mock/test-model"

// MockResponse scripts one backend call.
type MockResponse struct {
	// Fragments are streamed one at a time to the streaming callback.
	// When nil, Text is streamed as a single fragment.
	Fragments []string
	// Text is the final message text. Defaults to the joined fragments.
	Text string
	// Tools are tool requests attached to the response message.
	Tools []*ai.ToolRequest
	// Usage attaches a backend usage report to the response.
	Usage *ai.GenerationUsage
	// Err fails the call. With Fragments set, the fragments are streamed
	// first so mid-stream failures can be simulated; without, the call
	// fails before producing anything.
	Err error
}

// MockModel is a scripted Genkit model for testing. Responses queued with
// Enqueue are consumed in order; when the queue is empty, pattern rules
// apply, then the fallback. Safe for concurrent use.
type MockModel struct {
	mu       sync.Mutex
	queue    []MockResponse
	rules    []mockRule
	fallback string
	calls    []string // last user message per call
}

type mockRule struct {
	pattern  string // case-insensitive substring of the last user message
	response MockResponse
}

// NewMockModel creates a mock with the given fallback text.
func NewMockModel(fallback string) *MockModel {
	return &MockModel{fallback: fallback}
}

// Enqueue appends scripted responses consumed one per call.
func (m *MockModel) Enqueue(responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, responses...)
}

// AddRule registers a pattern rule used when the queue is empty. First
// match wins.
func (m *MockModel) AddRule(pattern string, response MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{pattern: strings.ToLower(pattern), response: response})
}

// Calls returns the last user message of every call so far.
func (m *MockModel) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]string, len(m.calls))
	copy(cp, m.calls)
	return cp
}

// Register registers the mock as a Genkit model under MockModelName.
func (m *MockModel) Register(g *genkit.Genkit) ai.Model {
	return genkit.DefineModel(g, MockModelName, &ai.ModelOptions{
		Label: "Mock Test Model",
		Supports: &ai.ModelSupports{
			Multiturn:  true,
			Tools:      true,
			SystemRole: true,
		},
	}, m.generate)
}

func (m *MockModel) generate(ctx context.Context, req *ai.ModelRequest, cb ai.ModelStreamCallback) (*ai.ModelResponse, error) {
	var userText string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == ai.RoleUser {
			userText = req.Messages[i].Text()
			break
		}
	}

	m.mu.Lock()
	m.calls = append(m.calls, userText)
	resp := m.next(userText)
	m.mu.Unlock()

	fragments := resp.Fragments
	text := resp.Text
	if fragments == nil && text != "" {
		fragments = []string{text}
	}
	if text == "" {
		text = strings.Join(fragments, "")
	}

	if resp.Err != nil && len(resp.Fragments) == 0 {
		return nil, resp.Err
	}

	if cb != nil {
		for _, f := range fragments {
			if err := cb(ctx, &ai.ModelResponseChunk{
				Content: []*ai.Part{ai.NewTextPart(f)},
			}); err != nil {
				return nil, err
			}
		}
	}

	if resp.Err != nil {
		return nil, resp.Err
	}

	var parts []*ai.Part
	for _, tr := range resp.Tools {
		parts = append(parts, &ai.Part{Kind: ai.PartToolRequest, ToolRequest: tr})
	}
	if text != "" || len(parts) == 0 {
		parts = append(parts, ai.NewTextPart(text))
	}

	return &ai.ModelResponse{
		Request: req,
		Usage:   resp.Usage,
		Message: &ai.Message{Role: ai.RoleModel, Content: parts},
	}, nil
}

// next pops the queue or matches a rule; callers hold m.mu.
func (m *MockModel) next(userText string) MockResponse {
	if len(m.queue) > 0 {
		resp := m.queue[0]
		m.queue = m.queue[1:]
		return resp
	}
	lower := strings.ToLower(userText)
	for _, r := range m.rules {
		if strings.Contains(lower, r.pattern) {
			return r.response
		}
	}
	return MockResponse{Text: m.fallback}
}
