// Package agent runs the bounded tool-use loop: the model is repeatedly
// asked to either answer or request one tool call, tool results are fed
// back as observations, and a hard iteration cap guarantees termination.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/koopa0/relay/internal/tools"
)

// DefaultMaxIterations caps the reasoning loop when no value is configured.
const DefaultMaxIterations = 3

// truncationNotice is appended to the best partial answer when the
// iteration cap is reached before the model produced a final answer.
const truncationNotice = "\n\n(Note: tool use was cut short after reaching the iteration limit; " +
	"this answer may be incomplete.)"

// degradedAnswer is returned when the model repeatedly requests tools that
// do not exist and no usable text was produced.
const degradedAnswer = "I was unable to complete the requested tool calls. " +
	"Please try rephrasing your question."

// Outcome is the result of one agent loop run.
type Outcome struct {
	FinalText string
	ToolUsed  string // last tool that executed, empty if none
	Success   bool
	Truncated bool // iteration cap reached before a final answer
}

// Config configures an Orchestrator.
type Config struct {
	Genkit        *genkit.Genkit
	Bridge        *Bridge
	Logger        *slog.Logger
	MaxIterations int // <= 0 uses DefaultMaxIterations
}

// Orchestrator drives the agent loop. It is stateless across requests and
// safe for concurrent use.
type Orchestrator struct {
	g             *genkit.Genkit
	bridge        *Bridge
	logger        *slog.Logger
	maxIterations int
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Genkit == nil {
		return nil, errors.New("genkit instance is required")
	}
	if cfg.Bridge == nil {
		return nil, errors.New("bridge is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}
	return &Orchestrator{
		g:             cfg.Genkit,
		bridge:        cfg.Bridge,
		logger:        logger,
		maxIterations: maxIterations,
	}, nil
}

// Run executes the loop for one turn. messages already contain the full
// conversation including the new user message; system is passed separately.
// adapters and refs come from the tool registry for the request's bot.
//
// The loop terminates in one of three ways: the model answers without
// requesting a tool (final answer), the iteration cap is hit (best partial
// answer plus a truncation notice), or a model call fails (error).
func (o *Orchestrator) Run(ctx context.Context, modelName, system string, messages []*ai.Message, adapters []tools.Adapter, refs []ai.ToolRef) (*Outcome, error) {
	byName := make(map[string]tools.Adapter, len(adapters))
	for _, a := range adapters {
		byName[a.Name()] = a
	}

	msgs := messages
	var (
		lastText  string
		toolUsed  string
		reprompts int
	)

	for iteration := 0; iteration < o.maxIterations; iteration++ {
		resp, err := genkit.Generate(ctx, o.g,
			ai.WithModelName(modelName),
			ai.WithSystem(system),
			ai.WithMessages(msgs...),
			ai.WithTools(refs...),
			ai.WithReturnToolRequests(true),
		)
		if err != nil {
			return nil, fmt.Errorf("agent generate (iteration %d): %w", iteration+1, err)
		}

		if text := resp.Text(); text != "" {
			lastText = text
		}

		requests := resp.ToolRequests()
		if len(requests) == 0 {
			// Final answer.
			return &Outcome{FinalText: lastText, ToolUsed: toolUsed, Success: true}, nil
		}

		// One tool call per iteration; extra requests are dropped with a log
		// so a chatty model cannot multiply tool work.
		req := requests[0]
		if len(requests) > 1 {
			o.logger.Debug("model requested multiple tools, taking first",
				"requested", len(requests), "tool", req.Name)
		}

		adapter, ok := byName[req.Name]
		if !ok {
			// Malformed or hallucinated tool call. Re-prompt once with a
			// corrective observation; a second occurrence degrades the turn.
			if reprompts >= 1 {
				o.logger.Warn("repeated unknown tool request, degrading answer", "tool", req.Name)
				text := lastText
				if text == "" {
					text = degradedAnswer
				}
				return &Outcome{FinalText: text, ToolUsed: toolUsed, Success: false}, nil
			}
			reprompts++
			msgs = append(msgs, resp.Message, correctiveMessage(req))
			continue
		}

		query := queryFromInput(req.Input)
		result := o.bridge.Invoke(ctx, adapter, query, inputMap(req.Input))
		if ctx.Err() != nil {
			return nil, fmt.Errorf("agent loop canceled: %w", ctx.Err())
		}
		toolUsed = adapter.Name()

		o.logger.Debug("tool executed",
			"tool", adapter.Name(), "success", result.Success, "iteration", iteration+1)

		// Feed the result back as an observation. Failures are observations
		// too: the model gets a chance to recover or answer without the tool.
		msgs = append(msgs, resp.Message, observationMessage(req, result))
	}

	text := lastText
	if text == "" {
		text = degradedAnswer
	}
	o.logger.Warn("agent loop hit iteration cap", "max_iterations", o.maxIterations)
	return &Outcome{
		FinalText: text + truncationNotice,
		ToolUsed:  toolUsed,
		Success:   true,
		Truncated: true,
	}, nil
}

// observationMessage wraps a tool result as the tool-role message the next
// reasoning step consumes.
func observationMessage(req *ai.ToolRequest, result tools.Result) *ai.Message {
	output := map[string]any{"success": result.Success}
	if result.Success {
		output["data"] = result.Data
	} else {
		output["error"] = result.Error
	}

	return &ai.Message{
		Role: ai.RoleTool,
		Content: []*ai.Part{ai.NewToolResponsePart(&ai.ToolResponse{
			Name:   req.Name,
			Ref:    req.Ref,
			Output: output,
		})},
	}
}

// correctiveMessage tells the model a requested tool does not exist.
func correctiveMessage(req *ai.ToolRequest) *ai.Message {
	return &ai.Message{
		Role: ai.RoleTool,
		Content: []*ai.Part{ai.NewToolResponsePart(&ai.ToolResponse{
			Name: req.Name,
			Ref:  req.Ref,
			Output: map[string]any{
				"success": false,
				"error":   fmt.Sprintf("tool %q does not exist; answer directly or use one of the provided tools", req.Name),
			},
		})},
	}
}

// queryFromInput extracts the query string from a tool request input.
func queryFromInput(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case map[string]any:
		if q, ok := v["query"].(string); ok {
			return q
		}
	}
	return fmt.Sprint(input)
}

// inputMap returns the request input as a map when it is one, else nil.
func inputMap(input any) map[string]any {
	if m, ok := input.(map[string]any); ok {
		return m
	}
	return nil
}
