//go:build integration

package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/koopa0/relay/internal/session"
	"github.com/koopa0/relay/internal/testutil"
)

func TestStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := session.NewStore(db.Pool, nil)
	ctx := context.Background()

	created, err := store.Create(ctx, "user-1", nil, "Quarterly numbers")
	if err != nil {
		t.Fatalf("Create() unexpected error: %v", err)
	}
	if created.ID == uuid.Nil {
		t.Fatal("Create() returned zero session ID")
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	if got.UserID != "user-1" {
		t.Errorf("Get() UserID = %q, want %q", got.UserID, "user-1")
	}
	if got.Title != "Quarterly numbers" {
		t.Errorf("Get() Title = %q, want %q", got.Title, "Quarterly numbers")
	}
	if got.BotID != nil {
		t.Errorf("Get() BotID = %v, want nil", got.BotID)
	}
}

func TestStore_CreateEmptyTitleStoredAsNull(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := session.NewStore(db.Pool, nil)
	ctx := context.Background()

	created, err := store.Create(ctx, "user-1", nil, "")
	if err != nil {
		t.Fatalf("Create() unexpected error: %v", err)
	}

	var title *string
	err = db.Pool.QueryRow(ctx,
		`SELECT title FROM sessions WHERE id = $1`, created.ID).Scan(&title)
	if err != nil {
		t.Fatalf("querying title: %v", err)
	}
	if title != nil {
		t.Errorf("title = %q, want NULL", *title)
	}

	got, err := store.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() unexpected error: %v", err)
	}
	if got.Title != "" {
		t.Errorf("Get() Title = %q, want empty", got.Title)
	}
}

func TestStore_GetNotFound(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := session.NewStore(db.Pool, nil)

	_, err := store.Get(context.Background(), uuid.New())
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestStore_AppendMessageAndHistory(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := session.NewStore(db.Pool, nil)
	ctx := context.Background()

	sess, err := store.Create(ctx, "user-1", nil, "t")
	if err != nil {
		t.Fatalf("Create() unexpected error: %v", err)
	}

	appends := []struct {
		role    string
		content string
		tokens  int
	}{
		{"user", "hello", 2},
		{"assistant", "hi there", 3},
		{"user", "what time is it", 5},
	}
	for _, a := range appends {
		if err := store.AppendMessage(ctx, sess.ID, a.role, a.content, a.tokens); err != nil {
			t.Fatalf("AppendMessage(%q) unexpected error: %v", a.role, err)
		}
	}

	history, err := store.History(ctx, sess.ID)
	if err != nil {
		t.Fatalf("History() unexpected error: %v", err)
	}
	if len(history) != len(appends) {
		t.Fatalf("History() returned %d messages, want %d", len(history), len(appends))
	}
	for i, m := range history {
		if m.Role != appends[i].role || m.Content != appends[i].content {
			t.Errorf("History()[%d] = (%q, %q), want (%q, %q)",
				i, m.Role, m.Content, appends[i].role, appends[i].content)
		}
		if m.Sequence != i+1 {
			t.Errorf("History()[%d] Sequence = %d, want %d", i, m.Sequence, i+1)
		}
		if m.TokenCount != appends[i].tokens {
			t.Errorf("History()[%d] TokenCount = %d, want %d", i, m.TokenCount, appends[i].tokens)
		}
	}
}

// Concurrent appends to one session must produce distinct, gap-free
// sequence numbers. The row lock in AppendMessage is what makes this hold.
func TestStore_AppendMessageConcurrentSequences(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := session.NewStore(db.Pool, nil)
	ctx := context.Background()

	sess, err := store.Create(ctx, "user-1", nil, "")
	if err != nil {
		t.Fatalf("Create() unexpected error: %v", err)
	}

	const writers = 10
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- store.AppendMessage(ctx, sess.ID, "user", "concurrent", 1)
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("concurrent AppendMessage() unexpected error: %v", err)
		}
	}

	history, err := store.History(ctx, sess.ID)
	if err != nil {
		t.Fatalf("History() unexpected error: %v", err)
	}
	if len(history) != writers {
		t.Fatalf("History() returned %d messages, want %d", len(history), writers)
	}
	seen := make(map[int]bool, writers)
	for _, m := range history {
		if seen[m.Sequence] {
			t.Errorf("duplicate sequence %d", m.Sequence)
		}
		seen[m.Sequence] = true
	}
	for i := 1; i <= writers; i++ {
		if !seen[i] {
			t.Errorf("missing sequence %d", i)
		}
	}
}

func TestStore_AppendMessageToMissingSession(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := session.NewStore(db.Pool, nil)

	err := store.AppendMessage(context.Background(), uuid.New(), "user", "x", 1)
	if !errors.Is(err, session.ErrNotFound) {
		t.Errorf("AppendMessage() error = %v, want ErrNotFound", err)
	}
}

func TestStore_ResolveBot(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := session.NewStore(db.Pool, nil)
	ctx := context.Background()

	var botID uuid.UUID
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO bots (name, model_name, system_prompt, is_public)
		 VALUES ('analyst', 'gpt-4o', 'You answer from the warehouse.', true)
		 RETURNING id`).Scan(&botID)
	if err != nil {
		t.Fatalf("seeding bot: %v", err)
	}
	_, err = db.Pool.Exec(ctx,
		`INSERT INTO bot_tools (bot_id, name, kind, config, enabled) VALUES
		   ($1, 'SQL_Query', 'sql_query', '{"max_rows": 50}', true),
		   ($1, 'SP_Retrieval', 'sharepoint_search', '{}', false)`, botID)
	if err != nil {
		t.Fatalf("seeding bot tools: %v", err)
	}

	bot, err := store.ResolveBot(ctx, botID)
	if err != nil {
		t.Fatalf("ResolveBot() unexpected error: %v", err)
	}
	if bot.Name != "analyst" || bot.ModelName != "gpt-4o" {
		t.Errorf("ResolveBot() = (%q, %q), want (analyst, gpt-4o)", bot.Name, bot.ModelName)
	}
	if !bot.IsPublic {
		t.Error("ResolveBot() IsPublic = false, want true")
	}
	if len(bot.Tools) != 2 {
		t.Fatalf("ResolveBot() returned %d tools, want 2", len(bot.Tools))
	}
	// bot_tools rows come back ordered by name.
	if bot.Tools[0].Name != "SP_Retrieval" || bot.Tools[0].Enabled {
		t.Errorf("Tools[0] = (%q, enabled=%v), want (SP_Retrieval, disabled)",
			bot.Tools[0].Name, bot.Tools[0].Enabled)
	}
	if bot.Tools[1].Name != "SQL_Query" || !bot.Tools[1].Enabled {
		t.Errorf("Tools[1] = (%q, enabled=%v), want (SQL_Query, enabled)",
			bot.Tools[1].Name, bot.Tools[1].Enabled)
	}
	if got, ok := bot.Tools[1].Config["max_rows"].(float64); !ok || got != 50 {
		t.Errorf("Tools[1] max_rows = %v, want 50", bot.Tools[1].Config["max_rows"])
	}
}

func TestStore_ResolveBotNotFound(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := session.NewStore(db.Pool, nil)

	_, err := store.ResolveBot(context.Background(), uuid.New())
	if !errors.Is(err, session.ErrBotNotFound) {
		t.Errorf("ResolveBot() error = %v, want ErrBotNotFound", err)
	}
}

func TestStore_CheckAccess(t *testing.T) {
	t.Parallel()

	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	store := session.NewStore(db.Pool, nil)
	ctx := context.Background()

	var publicID, privateID uuid.UUID
	err := db.Pool.QueryRow(ctx,
		`INSERT INTO bots (name, model_name, is_public) VALUES ('open', 'gpt-4o-mini', true)
		 RETURNING id`).Scan(&publicID)
	if err != nil {
		t.Fatalf("seeding public bot: %v", err)
	}
	err = db.Pool.QueryRow(ctx,
		`INSERT INTO bots (name, model_name, is_public) VALUES ('locked', 'gpt-4o-mini', false)
		 RETURNING id`).Scan(&privateID)
	if err != nil {
		t.Fatalf("seeding private bot: %v", err)
	}
	_, err = db.Pool.Exec(ctx,
		`INSERT INTO bot_access (bot_id, user_id) VALUES ($1, 'insider')`, privateID)
	if err != nil {
		t.Fatalf("seeding access grant: %v", err)
	}

	tests := []struct {
		name   string
		botID  uuid.UUID
		userID string
		want   bool
	}{
		{"public bot open to anyone", publicID, "stranger", true},
		{"private bot with grant", privateID, "insider", true},
		{"private bot without grant", privateID, "stranger", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.CheckAccess(ctx, tt.botID, tt.userID)
			if err != nil {
				t.Fatalf("CheckAccess() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("CheckAccess() = %v, want %v", got, tt.want)
			}
		})
	}

	if _, err := store.CheckAccess(ctx, uuid.New(), "anyone"); !errors.Is(err, session.ErrBotNotFound) {
		t.Errorf("CheckAccess() for missing bot = %v, want ErrBotNotFound", err)
	}
}
