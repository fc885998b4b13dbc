// Package intent turns a transcribed utterance into a structured Intent
// using an LLM with a function-style schema.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/fielddispatch/internal/llm"
)

const (
	defaultTimeout = 15 * time.Second

	structuredConfidence = 0.9
	fallbackConfidence   = 0.3
)

// Extractor uses an LLM to extract structured intent from utterances.
type Extractor struct {
	client  llm.Chatter
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewExtractor creates an Extractor using the given chat client and model name.
func NewExtractor(client llm.Chatter, model string) *Extractor {
	return &Extractor{
		client:  client,
		model:   model,
		timeout: defaultTimeout,
		logger:  slog.Default(),
	}
}

// WithTimeout bounds each extraction call.
func (e *Extractor) WithTimeout(d time.Duration) *Extractor {
	if d > 0 {
		e.timeout = d
	}
	return e
}

type rawIntent struct {
	Intent       string   `json:"intent"`
	Customer     string   `json:"customer"`
	Action       string   `json:"action"`
	Parts        []string `json:"parts"`
	BillingHours *float64 `json:"billing_hours"`
	JobID        string   `json:"job_id"`
	Notes        string   `json:"notes"`
}

// Extract reads text into an Intent. When the model answers without
// structured output the result is Unknown with low confidence and no error.
// Malformed output wraps ErrMalformedOutput; any other failure wraps
// ErrExtraction.
func (e *Extractor) Extract(ctx context.Context, text string, extra map[string]any) (Intent, error) {
	if strings.TrimSpace(text) == "" {
		return Intent{Kind: Unknown, Parts: []string{}, RawText: text}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, err := e.client.Chat(ctx, e.model, BuildPrompt(text, extra), Schema())
	if errors.Is(err, llm.ErrNoStructuredOutput) {
		e.logger.Warn("no structured output from model, treating as unknown", "model", e.model)
		return Intent{Kind: Unknown, Parts: []string{}, Confidence: fallbackConfidence, RawText: text}, nil
	}
	if err != nil {
		return Intent{}, fmt.Errorf("%w: %w", ErrExtraction, err)
	}

	var r rawIntent
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		e.logger.Warn("failed to unmarshal intent from LLM response", "error", err, "response", raw)
		return Intent{}, fmt.Errorf("%w: %w", ErrMalformedOutput, err)
	}

	in := Intent{
		Kind:         ParseKind(r.Intent),
		Customer:     strings.TrimSpace(r.Customer),
		Action:       r.Action,
		Parts:        r.Parts,
		BillingHours: r.BillingHours,
		JobID:        strings.TrimSpace(r.JobID),
		Notes:        r.Notes,
		Confidence:   structuredConfidence,
		RawText:      text,
	}
	if in.Parts == nil {
		in.Parts = []string{}
	}

	e.logger.Info("extracted intent", "intent", in.Kind, "customer", in.Customer)
	return in, nil
}
