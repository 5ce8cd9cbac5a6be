package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/frinny-ai/frinny/internal/contexts"
	"github.com/frinny-ai/frinny/internal/llm"
	"github.com/frinny-ai/frinny/internal/tools"
)

// EmptyResponseNudge is sent once when the model returns neither text
// nor tool calls.
const EmptyResponseNudge = "You returned an empty response. Please answer the user's last message."

// LoopConfig tunes a [Loop].
type LoopConfig struct {
	Model         string
	MaxIterations int
}

// Loop is the tool-calling response pipeline.
type Loop struct {
	llm           llm.Client
	tools         *tools.Registry
	personalities *Personalities
	provider      ContextProvider
	cfg           LoopConfig
	logger        *slog.Logger
}

// NewLoop creates a pipeline. reg and personalities may be nil.
func NewLoop(client llm.Client, reg *tools.Registry, personalities *Personalities, cfg LoopConfig, logger *slog.Logger) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 8
	}
	if personalities == nil {
		personalities = NewPersonalities()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		llm:           client,
		tools:         reg,
		personalities: personalities,
		provider:      EventProvider{},
		cfg:           cfg,
		logger:        logger,
	}
}

// SetContextProvider replaces the system prompt context provider.
func (l *Loop) SetContextProvider(p ContextProvider) {
	l.provider = p
}

// Run implements [Pipeline].
func (l *Loop) Run(ctx context.Context, history []contexts.Message, ev Event) (*Reply, error) {
	start := time.Now()
	requested, _ := ev.Payload["personality"].(string)
	pers, ok := l.personalities.Get(requested)
	if !ok {
		l.logger.Warn("unknown personality requested, using default",
			"request_id", ev.RequestID, "personality", requested, "default", pers.Name)
	}

	fail := func(err error) (*Reply, error) {
		return nil, &PipelineError{Personality: pers.Name, UserMessage: pers.ErrorMessage, Err: err}
	}

	msgs := l.buildMessages(ctx, pers, history, ev)
	var defs []llm.Tool
	if l.tools != nil {
		defs = l.tools.Definitions()
	}

	l.logger.Info("pipeline started",
		"request_id", ev.RequestID,
		"context_id", ev.ContextID,
		"event_type", ev.Type,
		"personality", pers.Name,
		"history", len(history),
	)

	var toolCalls int
	nudged := false
	for iter := 0; iter < l.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}

		resp, err := l.llm.Chat(ctx, l.cfg.Model, msgs, defs)
		if err != nil {
			return fail(fmt.Errorf("chat (iteration %d): %w", iter, err))
		}

		if len(resp.Message.ToolCalls) > 0 {
			msgs = append(msgs, llm.Message{
				Role:      llm.RoleAssistant,
				Content:   resp.Message.Content,
				ToolCalls: resp.Message.ToolCalls,
			})
			for i, call := range resp.Message.ToolCalls {
				toolCalls++
				id := call.ID
				if id == "" {
					id = fmt.Sprintf("call_%d_%d", iter, i)
				}
				msgs = append(msgs, llm.Message{
					Role:       llm.RoleTool,
					Content:    l.execTool(ctx, ev, call),
					ToolCallID: id,
				})
			}
			continue
		}

		content := resp.Message.Content
		if content == "" {
			if !nudged {
				nudged = true
				l.logger.Debug("empty model response, nudging", "request_id", ev.RequestID, "iteration", iter)
				msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: EmptyResponseNudge})
				continue
			}
			return fail(errors.New("model returned an empty response"))
		}

		l.logger.Info("pipeline completed",
			"request_id", ev.RequestID,
			"context_id", ev.ContextID,
			"model", resp.Model,
			"iterations", iter+1,
			"tool_calls", toolCalls,
			"input_tokens", resp.InputTokens,
			"output_tokens", resp.OutputTokens,
			"elapsed", time.Since(start).Round(time.Millisecond),
		)
		return &Reply{
			Content: content,
			Metadata: map[string]string{
				"personality": pers.Name,
				"model":       resp.Model,
				"event_type":  ev.Type,
			},
			Model:      resp.Model,
			Iterations: iter + 1,
			ToolCalls:  toolCalls,
		}, nil
	}
	return fail(fmt.Errorf("%w (%d)", ErrMaxIterations, l.cfg.MaxIterations))
}

func (l *Loop) buildMessages(ctx context.Context, pers Personality, history []contexts.Message, ev Event) []llm.Message {
	system := pers.SystemPrompt
	if l.provider != nil {
		extra, err := l.provider.GetContext(ctx, ev)
		if err != nil {
			l.logger.Warn("context provider failed", "request_id", ev.RequestID, "error", err)
		} else if extra != "" {
			system += "\n\n" + extra
		}
	}

	msgs := make([]llm.Message, 0, len(history)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: system})
	for _, m := range history {
		role := llm.RoleUser
		if m.Role == contexts.RoleAssistant {
			role = llm.RoleAssistant
		}
		msgs = append(msgs, llm.Message{Role: role, Content: m.Content})
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: ev.Message})
}

// execTool runs one call. Failures become tool output so the model can
// recover; they never fail the turn.
func (l *Loop) execTool(ctx context.Context, ev Event, call llm.ToolCall) string {
	name := call.Function.Name
	if l.tools == nil {
		return "Error: " + (&tools.ErrToolUnavailable{ToolName: name}).Error()
	}
	start := time.Now()
	out, err := l.tools.Execute(ctx, name, call.Function.Arguments)
	if err != nil {
		l.logger.Warn("tool call failed",
			"request_id", ev.RequestID,
			"tool", name,
			"error", err,
		)
		return "Error: " + err.Error()
	}
	l.logger.Debug("tool call completed",
		"request_id", ev.RequestID,
		"tool", name,
		"bytes", len(out),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return out
}
