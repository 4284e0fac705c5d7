package llm

import "fmt"

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn in provider-neutral form.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

func System(content string) Message    { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message      { return Message{Role: RoleUser, Content: content} }
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// ResponseFormat asks the provider to constrain its output. Type is one
// of "text", "json", or "json_schema"; JSONSchema is only consulted for
// the latter. Adapters translate this to whatever their API offers and
// ignore modes the provider does not support.
type ResponseFormat struct {
	Type       string
	JSONSchema map[string]any
}

// Request is a provider-neutral completion request. Provider may be
// empty to use the client's default.
type Request struct {
	Provider       string
	Model          string
	Messages       []Message
	Temperature    *float64
	MaxTokens      *int
	ResponseFormat *ResponseFormat
}

// Validate checks the request before it reaches an adapter, so every
// provider sees the same minimal contract.
func (r Request) Validate() error {
	if r.Model == "" {
		return &ConfigurationError{Message: "request missing model"}
	}
	if len(r.Messages) == 0 {
		return &ConfigurationError{Message: "request has no messages"}
	}
	for i, m := range r.Messages {
		switch m.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return &ConfigurationError{Message: fmt.Sprintf("message %d has unknown role %q", i, m.Role)}
		}
	}
	return nil
}

// Usage reports token accounting when the provider supplies it.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Response is a provider-neutral completion response. Raw preserves the
// provider's decoded body for diagnostics.
type Response struct {
	ID       string
	Provider string
	Model    string
	Message  Message
	Usage    Usage
	Raw      map[string]any
}

// Text returns the assistant message content.
func (r Response) Text() string { return r.Message.Content }
