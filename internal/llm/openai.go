package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAI talks to any OpenAI-compatible chat completions endpoint. Schemas
// are offered to the model as a single callable function and the function
// arguments are returned as the structured output.
type OpenAI struct {
	client openai.Client
}

// NewOpenAI creates a client. baseURL may be empty for the public API.
func NewOpenAI(apiKey, baseURL string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAI{client: openai.NewClient(opts...)}, nil
}

// Chat implements Chatter.
func (c *OpenAI) Chat(ctx context.Context, model string, messages []Message, schema *Schema) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: convertMessages(messages),
	}
	if schema != nil {
		tool, err := schemaTool(schema)
		if err != nil {
			return "", err
		}
		params.Tools = []openai.ChatCompletionToolParam{tool}
	}

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai chat: no choices in response")
	}

	slog.DebugContext(ctx, "llm chat completed",
		"model", model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)

	msg := resp.Choices[0].Message
	if schema == nil {
		return msg.Content, nil
	}
	for _, tc := range msg.ToolCalls {
		if tc.Function.Name == schema.Name {
			return tc.Function.Arguments, nil
		}
	}
	return "", ErrNoStructuredOutput
}

func convertMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func schemaTool(s *Schema) (openai.ChatCompletionToolParam, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return openai.ChatCompletionToolParam{}, fmt.Errorf("encoding schema %s: %w", s.Name, err)
	}
	var params shared.FunctionParameters
	if err := json.Unmarshal(data, &params); err != nil {
		return openai.ChatCompletionToolParam{}, fmt.Errorf("encoding schema %s: %w", s.Name, err)
	}
	return openai.ChatCompletionToolParam{
		Function: shared.FunctionDefinitionParam{
			Name:        s.Name,
			Description: openai.String(s.Description),
			Parameters:  params,
		},
	}, nil
}
