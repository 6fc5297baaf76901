package openai

// Message is a chat-completions message. Tool results use role "tool" with
// the originating tool_call_id; Name is carried alongside so history checks
// do not need the id mapping.
type Message struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []WireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// WireToolCall is a tool invocation as it appears on the wire: arguments are
// a JSON-encoded string, not an object.
type WireToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function WireFunctionCall `json:"function"`
}

type WireFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Prompt is the conversation plus offered capabilities for one estimation.
type Prompt struct {
	Messages []Message `json:"messages"`
	Tools    []Tool    `json:"tools,omitempty"`
}

// HasToolResult returns true if a result for the named tool exists in the
// prompt's message history.
func (p *Prompt) HasToolResult(tool string) bool {
	for _, msg := range p.Messages {
		if msg.Role == "tool" && msg.Name == tool {
			return true
		}
	}
	return false
}

// Tool represents a callable capability in the chat-completions format
type Tool struct {
	Type     string     `json:"type"`
	Function ToolSchema `json:"function"`
}

// ToolSchema represents the function schema offered to the service
type ToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Response is the decoded service reply for one request
type Response struct {
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a capability call requested by the service, with arguments
// decoded into a map
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}
