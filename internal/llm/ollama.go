package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/frinny-ai/frinny/internal/httpkit"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// OllamaClient talks to the Ollama /api/chat endpoint.
type OllamaClient struct {
	baseURL     string
	temperature float32
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewOllamaClient creates a client for the Ollama server at baseURL.
func NewOllamaClient(baseURL string, temperature float32, logger *slog.Logger) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		temperature: temperature,
		// Tool-heavy turns on local models can take minutes.
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(5*time.Minute),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithStatusRetry(http.StatusServiceUnavailable),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

type ollamaTool struct {
	Type     string `json:"type"`
	Function Tool   `json:"function"`
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature"`
}

type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Tools    []ollamaTool   `json:"tools,omitempty"`
	Options  *ollamaOptions `json:"options,omitempty"`
}

type ollamaResponse struct {
	Model           string  `json:"model"`
	CreatedAt       string  `json:"created_at"`
	Message         Message `json:"message"`
	Done            bool    `json:"done"`
	TotalDuration   int64   `json:"total_duration,omitempty"`
	PromptEvalCount int     `json:"prompt_eval_count,omitempty"`
	EvalCount       int     `json:"eval_count,omitempty"`
}

func (r *ollamaResponse) toChatResponse() *ChatResponse {
	created, _ := time.Parse(time.RFC3339Nano, r.CreatedAt)
	return &ChatResponse{
		Model:         r.Model,
		CreatedAt:     created,
		Message:       r.Message,
		InputTokens:   r.PromptEvalCount,
		OutputTokens:  r.EvalCount,
		TotalDuration: time.Duration(r.TotalDuration),
	}
}

// Chat implements [Client].
func (c *OllamaClient) Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*ChatResponse, error) {
	req := ollamaRequest{
		Model:    model,
		Messages: messages,
		Options:  &ollamaOptions{Temperature: c.temperature},
	}
	for _, t := range tools {
		req.Tools = append(req.Tools, ollamaTool{Type: "function", Function: t})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "ollama request", "model", model, "body", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama API error %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 2048))
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	var wire ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	out := wire.toChatResponse()
	// Smaller local models often emit tool calls as text.
	if len(out.Message.ToolCalls) == 0 && len(tools) > 0 {
		if parsed := parseTextToolCalls(out.Message.Content, toolNames(tools)); len(parsed) > 0 {
			out.Message.ToolCalls = parsed
			out.Message.Content = ""
		}
	}
	return out, nil
}

// Ping implements [Client].
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama API error %d", resp.StatusCode)
	}
	return nil
}

func toolNames(tools []Tool) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

type textCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// parseTextToolCalls extracts tool calls a model wrote into its content
// instead of the tool_calls field. Recognized shapes:
//
//	{"name": "...", "arguments": {...}}
//	[{"name": ...}, {"name": ...}]
//	{...}{...}             (concatenated objects, trailing prose ignored)
//	<tool_call>{...}</tool_call>
//	tool_name {...}
//
// When validTools is non-empty, calls naming other tools are dropped.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		content = content[start+len("<tool_call>"):]
		if end := strings.Index(content, "</tool_call>"); end != -1 {
			content = content[:end]
		}
		content = strings.TrimSpace(content)
	}

	valid := func(name string) bool {
		return name != "" && (len(validTools) == 0 || slices.Contains(validTools, name))
	}
	build := func(calls []textCall) []ToolCall {
		var out []ToolCall
		for _, c := range calls {
			if valid(c.Name) {
				out = append(out, ToolCall{Function: FunctionCall{Name: c.Name, Arguments: c.Arguments}})
			}
		}
		return out
	}

	var arr []textCall
	if err := json.Unmarshal([]byte(content), &arr); err == nil {
		return build(arr)
	}

	if strings.HasPrefix(content, "{") {
		dec := json.NewDecoder(strings.NewReader(content))
		var calls []textCall
		for {
			var c textCall
			if err := dec.Decode(&c); err != nil {
				break
			}
			calls = append(calls, c)
		}
		return build(calls)
	}

	// "tool_name {json}"
	name, rest, ok := strings.Cut(content, " ")
	if !ok || len(validTools) == 0 || !valid(name) {
		return nil
	}
	var args map[string]any
	if err := json.NewDecoder(strings.NewReader(strings.TrimSpace(rest))).Decode(&args); err != nil {
		return nil
	}
	return []ToolCall{{Function: FunctionCall{Name: name, Arguments: args}}}
}
