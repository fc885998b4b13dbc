// Package respond phrases action results as spoken confirmations in the
// selected response style.
package respond

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/fielddispatch/internal/action"
	"github.com/kalambet/fielddispatch/internal/bandit"
	"github.com/kalambet/fielddispatch/internal/intent"
	"github.com/kalambet/fielddispatch/internal/llm"
)

const defaultTimeout = 10 * time.Second

var styleInstructions = map[bandit.Style]string{
	bandit.Concise:  "Respond in 5 words or less. Be brief and direct.",
	bandit.Detailed: "Provide a clear, one-sentence confirmation with key details.",
	bandit.Verbose:  "Provide full details, confirm the action, and ask about next steps.",
}

const systemPromptTemplate = `You are a field service assistant giving spoken feedback to technicians.
%s

Guidelines:
- Be professional but friendly.
- Confirm what was done.
- Include relevant details such as job IDs and billing hours.
- Use natural conversational language; the reply will be read aloud.`

// Generator produces the confirmation text. With a nil client it always
// uses the deterministic fallback.
type Generator struct {
	client  llm.Chatter
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewGenerator creates a Generator. client may be nil.
func NewGenerator(client llm.Chatter, model string) *Generator {
	return &Generator{
		client:  client,
		model:   model,
		timeout: defaultTimeout,
		logger:  slog.Default(),
	}
}

// Generate returns the text to speak. It never fails: model errors and
// empty replies fall back to a fixed template.
func (g *Generator) Generate(ctx context.Context, in intent.Intent, res action.Result, style bandit.Style) string {
	if g.client == nil {
		return Fallback(in, res, style)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	text, err := g.client.Chat(ctx, g.model, BuildPrompt(in, res, style), nil)
	if err != nil {
		g.logger.Warn("response generation failed, using fallback", "style", style, "error", err)
		return Fallback(in, res, style)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		g.logger.Warn("model returned empty response, using fallback", "style", style)
		return Fallback(in, res, style)
	}
	return text
}

// BuildPrompt constructs the chat messages for response generation.
func BuildPrompt(in intent.Intent, res action.Result, style bandit.Style) []llm.Message {
	instr, ok := styleInstructions[style]
	if !ok {
		instr = styleInstructions[bandit.Detailed]
	}
	summary, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		summary = []byte(res.Message)
	}
	user := fmt.Sprintf("The technician said: %q\n\nWe interpreted this as: %s\nAction result: %s\n\nGenerate an appropriate response.",
		in.RawText, in.Kind, summary)
	return []llm.Message{
		llm.System(fmt.Sprintf(systemPromptTemplate, instr)),
		llm.User(user),
	}
}

// Fallback is the template reply used when no model answer is available.
func Fallback(in intent.Intent, res action.Result, style bandit.Style) string {
	if !res.Success {
		return "I encountered an error processing your request. Please try again."
	}

	switch style {
	case bandit.Concise:
		return "Done."
	case bandit.Verbose:
		msg := res.Message
		if msg == "" {
			msg = "Action completed"
		}
		return msg + ". Is there anything else you need?"
	}

	id := res.JobID()
	if id == "" {
		id = "unknown"
	}
	switch in.Kind {
	case intent.CloseJob:
		return fmt.Sprintf("Job %s closed successfully.", id)
	case intent.CreateJob:
		return fmt.Sprintf("Created job %s.", id)
	}
	return "Request processed successfully."
}
