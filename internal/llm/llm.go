// Package llm abstracts the chat models used for intent extraction and
// response generation. Two backends exist: a local Ollama server and any
// OpenAI-compatible endpoint.
package llm

import (
	"context"
	"errors"
)

// ErrNoStructuredOutput is returned when a schema was requested but the model
// answered without filling it in.
var ErrNoStructuredOutput = errors.New("model returned no structured output")

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// System and User build the two message roles the callers need.
func System(content string) Message { return Message{Role: "system", Content: content} }
func User(content string) Message   { return Message{Role: "user", Content: content} }

// Schema describes the structured output a caller expects. Name and
// Description identify it when a backend exposes schemas as callable
// functions; they are not part of the JSON schema itself.
type Schema struct {
	Name        string                    `json:"-"`
	Description string                    `json:"-"`
	Type        string                    `json:"type"`
	Properties  map[string]SchemaProperty `json:"properties"`
	Required    []string                  `json:"required,omitempty"`
}

// SchemaProperty describes a single field within a Schema.
type SchemaProperty struct {
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Enum        []string        `json:"enum,omitempty"`
	Items       *SchemaProperty `json:"items,omitempty"`
}

// Chatter sends a conversation to a model. With a non-nil schema the
// returned string is the JSON object the model produced for it.
type Chatter interface {
	Chat(ctx context.Context, model string, messages []Message, schema *Schema) (string, error)
}
