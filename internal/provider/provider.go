// Package provider implements a bare net/http client against an
// OpenAI-compatible Chat Completions endpoint: request/response wire shapes,
// tool-call marshaling, and the one documented model-specific quirk
// (NeedsToolChoiceWorkaround).
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cireilclaw/cireilclaw/internal/cerrors"
)

// FinishReason is the raw string the endpoint reports for why generation stopped.
type FinishReason string

const (
	FinishToolCalls FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
)

// ToolCall is one function call the model emitted.
type ToolCall struct {
	ID string
	Name string
	Arguments string // raw JSON, per the wire format
}

// Usage mirrors the endpoint's token accounting block.
type Usage struct {
	PromptTokens int
	CompletionTokens int
	TotalTokens int
}

// Response is the parsed result of one chat completion call.
type Response struct {
	Content string
	ToolCalls []ToolCall
	FinishReason FinishReason
	Usage Usage
}

// WireMessage is one entry of the "messages" array sent to the endpoint.
// Exactly one of the optional fields is populated mapping.
type WireMessage struct {
	Role string
	Content interface{} // string, or []map[string]interface{} for multi-part content
	ToolCalls []wireToolCall
	ToolCallID string
}

type wireToolCall struct {
	ID string `json:"id"`
	Type string `json:"type"`
	Function struct {
		Name string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// NewWireToolCall builds the wire-format representation of an
// assistant-emitted tool call.
func NewWireToolCall(id, name, argumentsJSON string) wireToolCall {
	tc := wireToolCall{ID: id, Type: "function"}
	tc.Function.Name = name
	tc.Function.Arguments = argumentsJSON
	return tc
}

// ToolDef is one entry of the "tools" array, an OpenAPI-3.0 function schema.
type ToolDef struct {
	Name string
	Description string
	Parameters map[string]interface{}
}

// Request is one chat completion call.
type Request struct {
	Model string
	Messages []WireMessage
	Tools []ToolDef
	ToolChoice string // "required" | "auto"
}

// Config is a resolved per-call endpoint configuration (after engine
// override resolution by the turn engine).
type Config struct {
	APIBase string
	APIKey string
}

// Client calls one OpenAI-compatible Chat Completions endpoint.
type Client struct {
	http *http.Client
}

// New builds a Client with a generous timeout; the turn engine bounds total
// turn duration at a higher layer.
func New() *Client {
	return &Client{http: &http.Client{Timeout: 120 * time.Second}}
}

// Chat issues one non-streaming chat completion call.
func (c *Client) Chat(ctx context.Context, cfg Config, req Request) (*Response, error) {
	body, err := buildRequestBody(req)
	if err != nil {
		return nil, cerrors.New(cerrors.KindProvider, "encode request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(cfg.APIBase, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, cerrors.New(cerrors.KindProvider, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, cerrors.New(cerrors.KindProvider, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, cerrors.New(cerrors.KindProvider, "read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, cerrors.New(cerrors.KindProvider, fmt.Sprintf("endpoint returned %d: %s", resp.StatusCode, truncate(string(respBody), 500)), nil)
	}

	return parseResponse(respBody)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

type wireRequest struct {
	Model string `json:"model"`
	Messages []map[string]interface{} `json:"messages"`
	Tools []map[string]interface{} `json:"tools,omitempty"`
	ToolChoice string `json:"tool_choice,omitempty"`
}

func buildRequestBody(req Request) ([]byte, error) {
	messages := make([]map[string]interface{}, 0, len(req.Messages))
	for _, m := range req.Messages {
		entry := map[string]interface{}{"role": m.Role}
		if m.Content != nil {
			entry["content"] = m.Content
		}
		if len(m.ToolCalls) > 0 {
			entry["tool_calls"] = m.ToolCalls
		}
		if m.ToolCallID != "" {
			entry["tool_call_id"] = m.ToolCallID
		}
		messages = append(messages, entry)
	}

	var tools []map[string]interface{}
	for _, t := range req.Tools {
		tools = append(tools, map[string]interface{}{
			"type": "function",
			"function": map[string]interface{}{
				"name": t.Name,
				"description": t.Description,
				"parameters": t.Parameters,
			},
		})
	}

	wr := wireRequest{
		Model: req.Model,
		Messages: messages,
		Tools: tools,
		ToolChoice: req.ToolChoice,
	}
	return json.Marshal(wr)
}

type wireResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func parseResponse(body []byte) (*Response, error) {
	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, cerrors.New(cerrors.KindProvider, "malformed response body", err)
	}
	if len(wr.Choices) == 0 {
		return nil, cerrors.New(cerrors.KindProvider, "response carried no choices", nil)
	}
	choice := wr.Choices[0]

	var calls []ToolCall
	for _, tc := range choice.Message.ToolCalls {
		calls = append(calls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}

	return &Response{
		Content: choice.Message.Content,
		ToolCalls: calls,
		FinishReason: FinishReason(choice.FinishReason),
		Usage: Usage{
			PromptTokens: wr.Usage.PromptTokens,
			CompletionTokens: wr.Usage.CompletionTokens,
			TotalTokens: wr.Usage.TotalTokens,
		},
	}, nil
}

// NeedsToolChoiceWorkaround reports whether model matches the documented
// Kimi 2.5 defect: substring match on the model identifier for both "kimi"
// and "2.5".
func NeedsToolChoiceWorkaround(model string) bool {
	lower := strings.ToLower(model)
	return strings.Contains(lower, "kimi") && strings.Contains(lower, "2.5")
}
