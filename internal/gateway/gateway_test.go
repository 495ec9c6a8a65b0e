package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/google/uuid"

	"github.com/koopa0/relay/internal/agent"
	"github.com/koopa0/relay/internal/session"
	"github.com/koopa0/relay/internal/testutil"
	"github.com/koopa0/relay/internal/tokens"
	"github.com/koopa0/relay/internal/tools"
	"github.com/koopa0/relay/internal/usage"
)

// fakeBackend is an in-memory SessionStore plus UsageRecorder that records
// write order so persistence ordering can be asserted.
type fakeBackend struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*session.Session
	messages map[uuid.UUID][]session.Message
	bots     map[uuid.UUID]*session.Bot
	access   map[uuid.UUID]bool
	events   []usage.Event
	ops      []string // "message:<role>" and "usage" in write order
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		sessions: make(map[uuid.UUID]*session.Session),
		messages: make(map[uuid.UUID][]session.Message),
		bots:     make(map[uuid.UUID]*session.Bot),
		access:   make(map[uuid.UUID]bool),
	}
}

func (f *fakeBackend) Create(_ context.Context, userID string, botID *uuid.UUID, title string) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &session.Session{ID: uuid.New(), UserID: userID, BotID: botID, Title: title}
	f.sessions[s.ID] = s
	return s, nil
}

func (f *fakeBackend) Get(_ context.Context, id uuid.UUID) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	return s, nil
}

func (f *fakeBackend) History(_ context.Context, sessionID uuid.UUID) ([]session.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session.Message(nil), f.messages[sessionID]...), nil
}

func (f *fakeBackend) AppendMessage(_ context.Context, sessionID uuid.UUID, role, content string, tokenCount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[sessionID] = append(f.messages[sessionID], session.Message{
		SessionID:  sessionID,
		Role:       role,
		Content:    content,
		TokenCount: tokenCount,
		Sequence:   len(f.messages[sessionID]) + 1,
	})
	f.ops = append(f.ops, "message:"+role)
	return nil
}

func (f *fakeBackend) ResolveBot(_ context.Context, botID uuid.UUID) (*session.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bots[botID]
	if !ok {
		return nil, session.ErrBotNotFound
	}
	return b, nil
}

func (f *fakeBackend) CheckAccess(_ context.Context, botID uuid.UUID, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.access[botID], nil
}

func (f *fakeBackend) Record(_ context.Context, ev usage.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	f.ops = append(f.ops, "usage")
	return nil
}

func (f *fakeBackend) snapshot() ([]string, []usage.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...), append([]usage.Event(nil), f.events...)
}

// testGateway wires a gateway against the mock model and fake backend.
func testGateway(t *testing.T, mock *testutil.MockModel, backend *fakeBackend, withTools bool) *Gateway {
	t.Helper()

	g := genkit.Init(context.Background())
	if g == nil {
		t.Fatal("genkit.Init returned nil")
	}
	mock.Register(g)

	cfg := Config{
		Store:      backend,
		Usage:      backend,
		Accountant: tokens.New(tokens.Config{}),
		Streamer: NewStreamer(g, nil, nil, RetryConfig{
			MaxRetries:      2,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
		}, nil),
		DefaultModel: testutil.MockModelName,
		SystemPrompt: "You are a helpful AI assistant.",
	}
	if withTools {
		cfg.Registry = tools.NewRegistry(g, nil, nil, nil)
		orch, err := agent.New(agent.Config{
			Genkit: g,
			Bridge: agent.NewBridge(2, time.Second, nil),
		})
		if err != nil {
			t.Fatalf("orchestrator: %v", err)
		}
		cfg.Orchestrator = orch
	}

	gw, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(gw.Close)
	return gw
}

func collectChunks(chunks *[]Chunk) EmitChunk {
	return func(_ context.Context, ch Chunk) error {
		*chunks = append(*chunks, ch)
		return nil
	}
}

func TestGateway_StreamedExchange(t *testing.T) {
	mock := testutil.NewMockModel("fallback")
	mock.Enqueue(testutil.MockResponse{
		Fragments: []string{"Hel", "lo", "!"},
		Usage:     &ai.GenerationUsage{InputTokens: 10, OutputTokens: 5},
	})
	backend := newFakeBackend()
	gw := testGateway(t, mock, backend, false)

	var chunks []Chunk
	result, err := gw.Respond(context.Background(), Request{
		UserID:  "alice",
		Message: "Hi",
	}, collectChunks(&chunks))
	if err != nil {
		t.Fatalf("Respond() error: %v", err)
	}

	if result.Completion != "Hello!" {
		t.Errorf("Completion = %q, want Hello!", result.Completion)
	}

	// Concatenated content chunks must equal the accounted completion.
	var sb strings.Builder
	finals := 0
	for i, ch := range chunks {
		if ch.Final {
			finals++
			if i != len(chunks)-1 {
				t.Error("terminal chunk is not last")
			}
			continue
		}
		sb.WriteString(ch.Content)
	}
	if finals != 1 {
		t.Fatalf("terminal chunks = %d, want exactly 1", finals)
	}
	if sb.String() != result.Completion {
		t.Errorf("chunk concatenation = %q, completion = %q", sb.String(), result.Completion)
	}

	// Backend usage report wins over local estimates.
	terminal := chunks[len(chunks)-1]
	if terminal.Usage == nil {
		t.Fatal("terminal chunk has no usage")
	}
	if terminal.Usage.PromptTokens != 10 || terminal.Usage.CompletionTokens != 5 || terminal.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v, want 10/5/15", terminal.Usage)
	}

	for _, ch := range chunks {
		if ch.SessionID != result.SessionID {
			t.Errorf("chunk session = %s, want %s", ch.SessionID, result.SessionID)
		}
	}

	// Drain persistence and assert write order.
	gw.Close()
	ops, events := backend.snapshot()
	want := []string{"message:user", "message:assistant", "usage"}
	if len(ops) != len(want) {
		t.Fatalf("persist ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("persist ops = %v, want %v", ops, want)
		}
	}
	if len(events) != 1 || events[0].TotalTokens != 15 {
		t.Errorf("usage events = %+v", events)
	}
}

func TestGateway_NewSessionTitledFromMessage(t *testing.T) {
	mock := testutil.NewMockModel("ok")
	backend := newFakeBackend()
	gw := testGateway(t, mock, backend, false)

	msg := "one two three four five six seven eight nine ten"
	var chunks []Chunk
	result, err := gw.Respond(context.Background(), Request{UserID: "alice", Message: msg},
		collectChunks(&chunks))
	if err != nil {
		t.Fatalf("Respond() error: %v", err)
	}

	sess, err := backend.Get(context.Background(), result.SessionID)
	if err != nil {
		t.Fatalf("Get session: %v", err)
	}
	if sess.Title != "one two three four five six seven eight..." {
		t.Errorf("Title = %q", sess.Title)
	}
}

func TestGateway_MidStreamFailure(t *testing.T) {
	mock := testutil.NewMockModel("fallback")
	mock.Enqueue(testutil.MockResponse{
		Fragments: []string{"par", "tial"},
		Err:       errors.New("backend exploded"),
	})
	backend := newFakeBackend()
	gw := testGateway(t, mock, backend, false)

	var chunks []Chunk
	result, err := gw.Respond(context.Background(), Request{UserID: "alice", Message: "Hi"},
		collectChunks(&chunks))
	if err != nil {
		t.Fatalf("Respond() error: %v (mid-stream failure must not be a preflight error)", err)
	}
	if result.StreamErr == nil {
		t.Fatal("StreamErr = nil, want error")
	}

	// Two content fragments plus one errored terminal, no usage.
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	terminal := chunks[2]
	if !terminal.Final || !terminal.Errored {
		t.Errorf("terminal = %+v, want Final and Errored", terminal)
	}
	if !strings.HasPrefix(terminal.Content, "Error:") {
		t.Errorf("terminal content = %q, want failure message", terminal.Content)
	}
	if terminal.Usage != nil {
		t.Error("errored terminal carries usage, want none")
	}

	// Mid-stream failures are never retried.
	if calls := len(mock.Calls()); calls != 1 {
		t.Errorf("backend calls = %d, want 1 (no retry after delivery)", calls)
	}

	// Nothing is persisted for a failed stream.
	gw.Close()
	ops, events := backend.snapshot()
	if len(ops) != 0 || len(events) != 0 {
		t.Errorf("persisted ops=%v events=%v, want none", ops, events)
	}
}

func TestGateway_PreStreamFailureIsStructuredError(t *testing.T) {
	mock := testutil.NewMockModel("fallback")
	mock.Enqueue(testutil.MockResponse{Err: errors.New("invalid api key")})
	backend := newFakeBackend()
	gw := testGateway(t, mock, backend, false)

	var chunks []Chunk
	_, err := gw.Respond(context.Background(), Request{UserID: "alice", Message: "Hi"},
		collectChunks(&chunks))
	if !errors.Is(err, ErrBackend) {
		t.Fatalf("Respond() error = %v, want ErrBackend", err)
	}
	if len(chunks) != 0 {
		t.Errorf("chunks emitted before failure = %d, want 0", len(chunks))
	}
}

func TestGateway_RetriesBeforeFirstFragment(t *testing.T) {
	mock := testutil.NewMockModel("fallback")
	mock.Enqueue(
		testutil.MockResponse{Err: errors.New("503 service unavailable")},
		testutil.MockResponse{Fragments: []string{"recovered"}},
	)
	backend := newFakeBackend()
	gw := testGateway(t, mock, backend, false)

	var chunks []Chunk
	result, err := gw.Respond(context.Background(), Request{UserID: "alice", Message: "Hi"},
		collectChunks(&chunks))
	if err != nil {
		t.Fatalf("Respond() error: %v", err)
	}
	if result.Completion != "recovered" {
		t.Errorf("Completion = %q", result.Completion)
	}
	if calls := len(mock.Calls()); calls != 2 {
		t.Errorf("backend calls = %d, want 2 (one retry)", calls)
	}
}

func TestGateway_ForeignSessionNotFound(t *testing.T) {
	mock := testutil.NewMockModel("ok")
	backend := newFakeBackend()
	gw := testGateway(t, mock, backend, false)

	sess, _ := backend.Create(context.Background(), "alice", nil, "hers")

	_, err := gw.Respond(context.Background(), Request{
		SessionID: &sess.ID,
		UserID:    "bob",
		Message:   "Hi",
	}, collectChunks(&[]Chunk{}))
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Respond() error = %v, want session.ErrNotFound", err)
	}
}

func TestGateway_PrivateBotAccessDenied(t *testing.T) {
	mock := testutil.NewMockModel("ok")
	backend := newFakeBackend()
	gw := testGateway(t, mock, backend, false)

	botID := uuid.New()
	backend.bots[botID] = &session.Bot{ID: botID, Name: "private", IsPublic: false}
	backend.access[botID] = false

	_, err := gw.Respond(context.Background(), Request{
		UserID:  "bob",
		BotID:   &botID,
		Message: "Hi",
	}, collectChunks(&[]Chunk{}))
	if !errors.Is(err, session.ErrAccessDenied) {
		t.Errorf("Respond() error = %v, want session.ErrAccessDenied", err)
	}

	// The denied request must not leave a session behind.
	if n := len(backend.sessions); n != 0 {
		t.Errorf("sessions created = %d, want 0", n)
	}
}

func TestGateway_UnknownBotIsPreflightNotFound(t *testing.T) {
	mock := testutil.NewMockModel("ok")
	backend := newFakeBackend()
	gw := testGateway(t, mock, backend, false)

	botID := uuid.New()
	_, err := gw.Respond(context.Background(), Request{
		UserID:  "alice",
		BotID:   &botID,
		Message: "Hi",
	}, collectChunks(&[]Chunk{}))
	if !errors.Is(err, session.ErrBotNotFound) {
		t.Errorf("Respond() error = %v, want session.ErrBotNotFound", err)
	}
	if n := len(backend.sessions); n != 0 {
		t.Errorf("sessions created = %d, want 0", n)
	}
}

func TestGateway_InvalidRequest(t *testing.T) {
	mock := testutil.NewMockModel("ok")
	gw := testGateway(t, mock, newFakeBackend(), false)

	tests := []struct {
		name string
		req  Request
	}{
		{"missing user", Request{Message: "Hi"}},
		{"blank message", Request{UserID: "alice", Message: "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := gw.Respond(context.Background(), tt.req, collectChunks(&[]Chunk{}))
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("Respond() error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestGateway_ToolTurnSingleContentChunk(t *testing.T) {
	mock := testutil.NewMockModel("fallback")
	mock.Enqueue(
		testutil.MockResponse{Tools: []*ai.ToolRequest{
			{Name: "SQL_Query", Input: map[string]any{"query": "SELECT count(*) FROM users"}},
		}},
		testutil.MockResponse{Text: "There are 42 users."},
	)
	backend := newFakeBackend()

	botID := uuid.New()
	backend.bots[botID] = &session.Bot{
		ID:       botID,
		Name:     "analyst",
		IsPublic: true,
		Tools: []session.ToolConfig{
			{Name: "SQL_Query", Kind: string(tools.KindSQLQuery), Enabled: true},
		},
	}
	backend.access[botID] = true

	gw := testGateway(t, mock, backend, true)

	var chunks []Chunk
	result, err := gw.Respond(context.Background(), Request{
		UserID:  "alice",
		BotID:   &botID,
		Message: "how many users?",
	}, collectChunks(&chunks))
	if err != nil {
		t.Fatalf("Respond() error: %v", err)
	}

	// Tool turns deliver the whole answer as one content chunk plus the
	// terminal chunk.
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if chunks[0].Content != "There are 42 users." {
		t.Errorf("content chunk = %q", chunks[0].Content)
	}
	if !chunks[1].Final || chunks[1].Usage == nil {
		t.Errorf("terminal chunk = %+v", chunks[1])
	}
	if result.ToolUsed != "SQL_Query" {
		t.Errorf("ToolUsed = %q, want SQL_Query", result.ToolUsed)
	}
}
