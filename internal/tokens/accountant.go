// Package tokens computes token counts and monetary cost for model requests.
//
// Counting uses the model's own BPE tokenizer via tiktoken; unknown models
// fall back to the cl100k_base encoding. The fallback changes counts
// silently, so it is logged once per model rather than surfaced as an
// error.
package tokens

import (
	"log/slog"
	"math"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Message framing constants matching the chat-completions accounting
// convention: every message costs a fixed overhead plus the tokens of each
// field value, and every reply is primed with a fixed constant.
const (
	perMessageOverhead = 4
	replyPriming       = 2
)

// fallbackEncoding is used when the exact model tokenizer is unknown.
const fallbackEncoding = "cl100k_base"

// Message is the minimal shape the accountant needs for framing counts.
type Message struct {
	Role    string
	Content string
}

// Price is a per-1K-token price entry.
type Price struct {
	PromptPerK     float64
	CompletionPerK float64
}

// defaultPrices is the built-in per-1K price table. DefaultPriceModel names
// the entry applied to unknown models; both are overridable via Config.
var defaultPrices = map[string]Price{
	"gpt-4o-mini":   {PromptPerK: 0.00015, CompletionPerK: 0.0006},
	"gpt-4":         {PromptPerK: 0.03, CompletionPerK: 0.06},
	"gpt-3.5-turbo": {PromptPerK: 0.0005, CompletionPerK: 0.0015},
}

// DefaultPriceModel is the price entry used for models missing from the table.
const DefaultPriceModel = "gpt-4o-mini"

// Config configures an Accountant. Zero values use built-in defaults.
type Config struct {
	Logger *slog.Logger

	// Prices overrides or extends the built-in price table.
	Prices map[string]Price

	// DefaultPriceModel names the table entry used for unknown models.
	DefaultPriceModel string
}

// Accountant tokenizes text per model and converts counts to cost.
// Safe for concurrent use; encoders are cached per model.
type Accountant struct {
	logger       *slog.Logger
	prices       map[string]Price
	defaultModel string

	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
	warned   map[string]bool
}

// New creates an Accountant.
func New(cfg Config) *Accountant {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	prices := make(map[string]Price, len(defaultPrices)+len(cfg.Prices))
	for k, v := range defaultPrices {
		prices[k] = v
	}
	for k, v := range cfg.Prices {
		prices[k] = v
	}

	defaultModel := cfg.DefaultPriceModel
	if defaultModel == "" {
		defaultModel = DefaultPriceModel
	}

	return &Accountant{
		logger:       logger,
		prices:       prices,
		defaultModel: defaultModel,
		encoders:     make(map[string]*tiktoken.Tiktoken),
		warned:       make(map[string]bool),
	}
}

// CountText returns the token count of text under the given model's encoding.
// Unknown models degrade to cl100k_base; if no encoding can be loaded at all
// (for example in an offline environment), a rune-based heuristic is used so
// counting never fails the request.
func (a *Accountant) CountText(text, model string) int {
	if text == "" {
		return 0
	}

	enc := a.encoderFor(model)
	if enc == nil {
		// ~4 chars per token for English text; intentionally rough.
		return (utf8.RuneCountInString(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// CountMessages returns the framed token count for a message list:
// perMessageOverhead per message, the encoded length of each field value
// with the role field billed one token under its length, and replyPriming
// once. Used for pre-flight estimates; backend-reported counts take
// precedence when available.
func (a *Accountant) CountMessages(msgs []Message, model string) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead
		total += a.CountText(m.Role, model) - 1
		total += a.CountText(m.Content, model)
	}
	return total + replyPriming
}

// EstimateCost converts token counts to a cost in USD using the per-model
// price table. Unknown models fall back to the configured default entry and
// are logged once. The result is rounded to 6 decimal places, matching the
// NUMERIC(12,6) storage column so round-trips are lossless.
func (a *Accountant) EstimateCost(promptTokens, completionTokens int, model string) float64 {
	price, ok := a.prices[model]
	if !ok {
		a.warnOnce("price", model)
		price = a.prices[a.defaultModel]
	}

	cost := float64(promptTokens)/1000*price.PromptPerK +
		float64(completionTokens)/1000*price.CompletionPerK
	return math.Round(cost*1e6) / 1e6
}

// encoderFor returns the cached tokenizer for model, loading it on first use.
// Returns nil when neither the model encoding nor the fallback can be loaded.
func (a *Accountant) encoderFor(model string) *tiktoken.Tiktoken {
	a.mu.Lock()
	defer a.mu.Unlock()

	if enc, ok := a.encoders[model]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		a.warnOnceLocked("tokenizer", model)
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			a.logger.Warn("loading fallback encoding failed, using heuristic counts",
				"encoding", fallbackEncoding, "error", err)
			a.encoders[model] = nil
			return nil
		}
	}

	a.encoders[model] = enc
	return enc
}

func (a *Accountant) warnOnce(kind, model string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.warnOnceLocked(kind, model)
}

func (a *Accountant) warnOnceLocked(kind, model string) {
	key := kind + ":" + model
	if a.warned[key] {
		return
	}
	a.warned[key] = true
	switch kind {
	case "price":
		a.logger.Warn("unknown model in price table, using default entry",
			"model", model, "default", a.defaultModel)
	case "tokenizer":
		a.logger.Warn("unknown model tokenizer, falling back",
			"model", model, "fallback", fallbackEncoding)
	}
}
