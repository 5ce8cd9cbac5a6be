package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/frinny-ai/frinny/internal/httpkit"
)

// OpenAIClient talks to the OpenAI chat completions API, or any server
// that speaks the same protocol.
type OpenAIClient struct {
	client      *openai.Client
	temperature float32
	logger      *slog.Logger
}

// NewOpenAIClient creates a client authenticated with apiKey. A non-empty
// baseURL replaces the public endpoint (for example ".../v1" on a
// compatible proxy).
func NewOpenAIClient(apiKey, baseURL string, temperature float32, logger *slog.Logger) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = httpkit.NewClient(
		httpkit.WithTimeout(2*time.Minute),
		httpkit.WithRetry(2, time.Second),
		httpkit.WithStatusRetry(http.StatusTooManyRequests),
		httpkit.WithLogger(logger),
	)
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(cfg),
		temperature: temperature,
		logger:      logger,
	}, nil
}

// Chat implements [Client].
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*ChatResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: c.temperature,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		msg, err := toOpenAIMessage(m)
		if err != nil {
			return nil, err
		}
		req.Messages = append(req.Messages, msg)
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("openai API error %d: %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai chat: no completion choices returned")
	}

	choice := resp.Choices[0].Message
	out := &ChatResponse{
		Model:         resp.Model,
		CreatedAt:     time.Unix(resp.Created, 0),
		Message:       Message{Role: RoleAssistant, Content: choice.Content},
		InputTokens:   resp.Usage.PromptTokens,
		OutputTokens:  resp.Usage.CompletionTokens,
		TotalDuration: time.Since(start),
	}
	for _, tc := range choice.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				c.logger.Warn("tool call arguments are not a JSON object",
					"tool", tc.Function.Name, "error", err)
				args = map[string]any{}
			}
		}
		out.Message.ToolCalls = append(out.Message.ToolCalls, ToolCall{
			ID:       tc.ID,
			Function: FunctionCall{Name: tc.Function.Name, Arguments: args},
		})
	}
	return out, nil
}

// Ping implements [Client] by listing models.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return fmt.Errorf("openai ping: %w", err)
	}
	return nil
}

func toOpenAIMessage(m Message) (openai.ChatCompletionMessage, error) {
	out := openai.ChatCompletionMessage{
		Role:       m.Role,
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		args, err := json.Marshal(tc.Function.Arguments)
		if err != nil {
			return out, fmt.Errorf("marshal tool arguments for %s: %w", tc.Function.Name, err)
		}
		out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: string(args),
			},
		})
	}
	return out, nil
}
