package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
)

// mockHTTPClient returns canned responses and captures the outgoing request
// for wire-format assertions.
type mockHTTPClient struct {
	statusCode int
	body       string
	err        error
	lastReq    *http.Request
	lastBody   []byte
}

func (m *mockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	m.lastReq = req
	if req.Body != nil {
		m.lastBody, _ = io.ReadAll(req.Body)
	}
	if m.err != nil {
		return nil, m.err
	}
	return &http.Response{
		StatusCode: m.statusCode,
		Status:     http.StatusText(m.statusCode),
		Body:       io.NopCloser(bytes.NewBufferString(m.body)),
	}, nil
}

func TestNewClient(t *testing.T) {
	tests := []struct {
		name        string
		opts        ClientOpts
		expectError bool
	}{
		{
			name: "valid options",
			opts: ClientOpts{
				BaseEndpoint: "https://api.example.com/v1",
				APIKey:       "sk-test",
				ModelID:      "gpt-4.1",
				HTTPClient:   &mockHTTPClient{},
			},
		},
		{
			name: "missing endpoint",
			opts: ClientOpts{
				ModelID:    "gpt-4.1",
				HTTPClient: &mockHTTPClient{},
			},
			expectError: true,
		},
		{
			name: "missing model",
			opts: ClientOpts{
				BaseEndpoint: "https://api.example.com/v1",
				HTTPClient:   &mockHTTPClient{},
			},
			expectError: true,
		},
		{
			name: "missing http client",
			opts: ClientOpts{
				BaseEndpoint: "https://api.example.com/v1",
				ModelID:      "gpt-4.1",
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := NewClient(tt.opts)
			if tt.expectError {
				if err == nil {
					t.Fatal("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if client.endpoint != "https://api.example.com/v1/chat/completions" {
				t.Errorf("Unexpected endpoint %q", client.endpoint)
			}
		})
	}
}

func TestClient_Invoke_Content(t *testing.T) {
	httpClient := &mockHTTPClient{
		statusCode: http.StatusOK,
		body:       `{"choices":[{"message":{"role":"assistant","content":"{\"item_name\":\"x\"}"}}]}`,
	}
	client := newTestClient(t, httpClient)

	res, err := client.Invoke(context.Background(), testPrompt(), false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if res.Content != `{"item_name":"x"}` {
		t.Errorf("Unexpected content %q", res.Content)
	}
	if len(res.ToolCalls) != 0 {
		t.Errorf("Expected no tool calls, got %d", len(res.ToolCalls))
	}

	if got := httpClient.lastReq.Header.Get("Authorization"); got != "Bearer sk-test" {
		t.Errorf("Expected bearer auth header, got %q", got)
	}

	var sent map[string]any
	if err := json.Unmarshal(httpClient.lastBody, &sent); err != nil {
		t.Fatalf("Failed to decode outgoing request: %v", err)
	}
	if _, ok := sent["response_format"]; ok {
		t.Error("Expected no response_format on a reasoning turn")
	}
	if _, ok := sent["tools"]; !ok {
		t.Error("Expected tools to be offered on a reasoning turn")
	}
	if sent["tool_choice"] != "auto" {
		t.Errorf("Expected tool_choice auto, got %v", sent["tool_choice"])
	}
}

func TestClient_Invoke_ForceJSON(t *testing.T) {
	httpClient := &mockHTTPClient{
		statusCode: http.StatusOK,
		body:       `{"choices":[{"message":{"role":"assistant","content":"{}"}}]}`,
	}
	client := newTestClient(t, httpClient)

	if _, err := client.Invoke(context.Background(), testPrompt(), true); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var sent map[string]any
	if err := json.Unmarshal(httpClient.lastBody, &sent); err != nil {
		t.Fatalf("Failed to decode outgoing request: %v", err)
	}

	rf, ok := sent["response_format"].(map[string]any)
	if !ok || rf["type"] != "json_object" {
		t.Errorf("Expected response_format json_object, got %v", sent["response_format"])
	}
	if _, ok := sent["tools"]; ok {
		t.Error("Expected no tools in structured-output mode")
	}
}

func TestClient_Invoke_ToolCalls(t *testing.T) {
	httpClient := &mockHTTPClient{
		statusCode: http.StatusOK,
		body: `{"choices":[{"message":{"role":"assistant","content":"","tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"catalog_search","arguments":"{\"query\":\"eggs\",\"limit\":3}"}}
		]}}]}`,
	}
	client := newTestClient(t, httpClient)

	res, err := client.Invoke(context.Background(), testPrompt(), false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(res.ToolCalls) != 1 {
		t.Fatalf("Expected 1 tool call, got %d", len(res.ToolCalls))
	}

	call := res.ToolCalls[0]
	if call.ID != "call_1" || call.Name != "catalog_search" {
		t.Errorf("Unexpected tool call %+v", call)
	}
	if call.Args["query"] != "eggs" {
		t.Errorf("Expected decoded query arg, got %v", call.Args["query"])
	}
	if call.Args["limit"] != float64(3) {
		t.Errorf("Expected decoded limit arg, got %v", call.Args["limit"])
	}
}

func TestClient_Invoke_UnparsableToolArguments(t *testing.T) {
	httpClient := &mockHTTPClient{
		statusCode: http.StatusOK,
		body: `{"choices":[{"message":{"role":"assistant","content":"","tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"catalog_search","arguments":"not json"}}
		]}}]}`,
	}
	client := newTestClient(t, httpClient)

	res, err := client.Invoke(context.Background(), testPrompt(), false)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(res.ToolCalls) != 1 {
		t.Fatalf("Expected 1 tool call, got %d", len(res.ToolCalls))
	}
	if len(res.ToolCalls[0].Args) != 0 {
		t.Errorf("Expected empty args for unparsable arguments, got %v", res.ToolCalls[0].Args)
	}
}

func TestClient_Invoke_Errors(t *testing.T) {
	tests := []struct {
		name       string
		httpClient *mockHTTPClient
	}{
		{
			name:       "network error",
			httpClient: &mockHTTPClient{err: errors.New("connection refused")},
		},
		{
			name:       "http error status",
			httpClient: &mockHTTPClient{statusCode: http.StatusInternalServerError, body: `{"error":{"message":"overloaded"}}`},
		},
		{
			name:       "service error payload",
			httpClient: &mockHTTPClient{statusCode: http.StatusOK, body: `{"error":{"message":"invalid model","type":"invalid_request_error"}}`},
		},
		{
			name:       "no choices",
			httpClient: &mockHTTPClient{statusCode: http.StatusOK, body: `{"choices":[]}`},
		},
		{
			name:       "malformed body",
			httpClient: &mockHTTPClient{statusCode: http.StatusOK, body: `{not json`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, tt.httpClient)
			if _, err := client.Invoke(context.Background(), testPrompt(), false); err == nil {
				t.Fatal("Expected error but got none")
			}
		})
	}
}

func newTestClient(t *testing.T, httpClient *mockHTTPClient) *Client {
	t.Helper()
	client, err := NewClient(ClientOpts{
		BaseEndpoint: "https://api.example.com/v1",
		APIKey:       "sk-test",
		ModelID:      "gpt-4.1",
		MaxTokens:    512,
		Temperature:  0.2,
		HTTPClient:   httpClient,
	})
	if err != nil {
		t.Fatalf("Failed to build client: %v", err)
	}
	return client
}

func testPrompt() Prompt {
	return Prompt{
		Messages: []Message{
			{Role: "system", Content: "You price dishes."},
			{Role: "user", Content: "Estimate this item: {\"name\":\"Quiche\"}"},
		},
		Tools: []Tool{
			{
				Type: "function",
				Function: ToolSchema{
					Name:        "catalog_search",
					Description: "Search the supplier catalog",
					Parameters: map[string]any{
						"type":       "object",
						"properties": map[string]any{"query": map[string]any{"type": "string"}},
						"required":   []string{"query"},
					},
				},
			},
		},
	}
}
