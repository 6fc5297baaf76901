package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"menucost"
)

// Client speaks the chat-completions wire protocol: request/response
// messages, optional tool invocation, and a structured-output mode that
// forces schema-conformant JSON. Any endpoint implementing that contract
// works; nothing here is vendor-specific beyond the URL shape.
type Client struct {
	endpoint    string
	apiKey      string
	model       string
	maxTokens   int32
	temperature float32
	httpClient  menucost.HTTPClient
}

type ClientOpts struct {
	BaseEndpoint string
	APIKey       string
	ModelID      string
	MaxTokens    int32
	Temperature  float32
	HTTPClient   menucost.HTTPClient
}

func NewClient(opts ClientOpts) (*Client, error) {
	if strings.TrimSpace(opts.BaseEndpoint) == "" {
		return nil, fmt.Errorf("invalid base endpoint")
	}
	if strings.TrimSpace(opts.ModelID) == "" {
		return nil, fmt.Errorf("invalid model id")
	}
	if opts.HTTPClient == nil {
		return nil, fmt.Errorf("http client is required")
	}

	return &Client{
		endpoint:    strings.TrimRight(opts.BaseEndpoint, "/") + "/chat/completions",
		apiKey:      opts.APIKey,
		model:       opts.ModelID,
		maxTokens:   opts.MaxTokens,
		temperature: opts.Temperature,
		httpClient:  opts.HTTPClient,
	}, nil
}

type responseFormat struct {
	Type string `json:"type"`
}

type wireRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Tools          []Tool          `json:"tools,omitempty"`
	ToolChoice     string          `json:"tool_choice,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	MaxTokens      int32           `json:"max_tokens,omitempty"`
	Temperature    float32         `json:"temperature"`
}

type wireResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Invoke sends the prompt to the reasoning service. With forceJSON set, the
// request runs in structured-output mode (response_format json_object) and
// offers no tools; this is the synthesis call that yields the final
// LineItem payload.
func (c *Client) Invoke(ctx context.Context, prompt Prompt, forceJSON bool) (Response, error) {
	reqID := uuid.New().String()
	slog.Info("LLM_CLIENT: Invoked", "req_id", reqID, "messages_len", len(prompt.Messages), "force_json", forceJSON)

	reqBody := wireRequest{
		Model:       c.model,
		Messages:    prompt.Messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
	if forceJSON {
		reqBody.ResponseFormat = &responseFormat{Type: "json_object"}
	} else if len(prompt.Tools) > 0 {
		reqBody.Tools = prompt.Tools
		reqBody.ToolChoice = "auto"
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return Response{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewBuffer(reqBytes))
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("LLM_CLIENT: %s: %s", resp.Status, string(body))
	}

	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return Response{}, fmt.Errorf("LLM_CLIENT: failed to decode response: %w", err)
	}
	if wr.Error != nil {
		return Response{}, fmt.Errorf("LLM_CLIENT: service error: %s", wr.Error.Message)
	}
	if len(wr.Choices) == 0 {
		return Response{}, fmt.Errorf("LLM_CLIENT: response has no choices")
	}

	msg := wr.Choices[0].Message
	if len(msg.ToolCalls) > 0 {
		tc := make([]ToolCall, 0, len(msg.ToolCalls))
		for _, call := range msg.ToolCalls {
			args := map[string]any{}
			if call.Function.Arguments != "" {
				if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
					slog.Warn("LLM_CLIENT: unparsable tool arguments, passing empty args", "req_id", reqID, "tool", call.Function.Name, "err", err)
				}
			}
			tc = append(tc, ToolCall{
				ID:   call.ID,
				Name: call.Function.Name,
				Args: args,
			})
		}
		return Response{Content: msg.Content, ToolCalls: tc}, nil
	}

	return Response{Content: msg.Content}, nil
}
