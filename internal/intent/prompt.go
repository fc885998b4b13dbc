package intent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kalambet/fielddispatch/internal/llm"
)

// ToolName is the function name the model fills in.
const ToolName = "extract_field_service_intent"

const systemPrompt = `You are an assistant for field service technicians.
Extract structured information from their voice commands about service jobs.
Focus on job updates, customer names, parts used, billing hours and any notes.
Be lenient with informal language and messy speech-to-text transcriptions.
Always answer by filling in the provided schema; never reply with prose.`

// BuildPrompt constructs the chat messages for intent extraction. extra is
// optional caller context appended to the system prompt as JSON.
func BuildPrompt(text string, extra map[string]any) []llm.Message {
	var sb strings.Builder
	sb.WriteString(systemPrompt)

	if len(extra) > 0 {
		if data, err := json.Marshal(extra); err == nil {
			fmt.Fprintf(&sb, "\n\nAdditional context: %s", data)
		}
	}

	return []llm.Message{
		llm.System(sb.String()),
		llm.User(text),
	}
}

// Schema returns the structured output the model must produce.
func Schema() *llm.Schema {
	kinds := make([]string, len(Kinds))
	for i, k := range Kinds {
		kinds[i] = string(k)
	}
	return &llm.Schema{
		Name:        ToolName,
		Description: "Extract structured information from technician voice input about field service jobs",
		Type:        "object",
		Properties: map[string]llm.SchemaProperty{
			"intent": {
				Type:        "string",
				Enum:        kinds,
				Description: "The primary action the technician wants to perform",
			},
			"customer":      {Type: "string", Description: "Customer name or identifier mentioned in the input"},
			"action":        {Type: "string", Description: "Specific action requested, e.g. close_ticket, add_parts, update_status"},
			"parts":         {Type: "array", Items: &llm.SchemaProperty{Type: "string"}, Description: "Parts or equipment used or mentioned"},
			"billing_hours": {Type: "number", Description: "Number of hours to bill for the service"},
			"job_id":        {Type: "string", Description: "Specific job ID if mentioned"},
			"notes":         {Type: "string", Description: "Additional notes, descriptions or context"},
		},
		Required: []string{"intent"},
	}
}
