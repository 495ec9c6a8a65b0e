// Package session persists conversation sessions, message history, and bot
// configuration in PostgreSQL.
package session

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message roles stored in the messages table.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TitleWordLimit is the number of leading words kept for auto-generated
// session titles.
const TitleWordLimit = 8

// Session represents a conversation session.
type Session struct {
	ID        uuid.UUID
	UserID    string
	BotID     *uuid.UUID
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message represents a single conversation message.
type Message struct {
	ID         uuid.UUID
	SessionID  uuid.UUID
	Role       string
	Content    string
	TokenCount int
	Sequence   int
	CreatedAt  time.Time
}

// ToolConfig describes one tool enabled for a bot. Config is an opaque
// key-value map interpreted by the matching adapter; the core never
// mutates it. Tool names are declared to the model once per process, so
// a name should map to a single kind across all bots.
type ToolConfig struct {
	Name    string
	Kind    string
	Config  map[string]any
	Enabled bool
}

// Bot is a named assistant configuration resolved once per request.
type Bot struct {
	ID           uuid.UUID
	Name         string
	ModelName    string
	SystemPrompt string
	IsPublic     bool
	Tools        []ToolConfig
}

// EnabledTools returns the subset of the bot's tools that are enabled.
func (b *Bot) EnabledTools() []ToolConfig {
	var out []ToolConfig
	for _, t := range b.Tools {
		if t.Enabled {
			out = append(out, t)
		}
	}
	return out
}

// TitleFromMessage derives a session title from the first user message:
// the first TitleWordLimit words, with an ellipsis whenever the title
// dropped anything from the message, extra whitespace included.
func TitleFromMessage(msg string) string {
	words := strings.Fields(msg)
	if len(words) == 0 {
		return ""
	}
	if len(words) > TitleWordLimit {
		words = words[:TitleWordLimit]
	}
	title := strings.Join(words, " ")
	if len(msg) > len(title) {
		title += "..."
	}
	return title
}
