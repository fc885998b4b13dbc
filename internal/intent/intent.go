package intent

import "errors"

var (
	// ErrExtraction is returned when the model could not be reached or failed.
	ErrExtraction = errors.New("intent extraction failed")

	// ErrMalformedOutput is returned when the model's structured output is not valid JSON.
	ErrMalformedOutput = errors.New("malformed intent output")
)

// Kind is what the technician wants done.
type Kind string

const (
	CreateJob Kind = "create_job"
	UpdateJob Kind = "update_job"
	CloseJob  Kind = "close_job"
	QueryJob  Kind = "query_job"
	ListJobs  Kind = "list_jobs"
	AddNotes  Kind = "add_notes"
	Unknown   Kind = "unknown"
)

// Kinds lists every actionable kind, in the order offered to the model.
var Kinds = []Kind{CreateJob, UpdateJob, CloseJob, QueryJob, ListJobs, AddNotes}

// ParseKind maps a model-provided label to a Kind. Anything unrecognised is Unknown.
func ParseKind(s string) Kind {
	for _, k := range Kinds {
		if string(k) == s {
			return k
		}
	}
	return Unknown
}

// Intent is the structured reading of one utterance.
type Intent struct {
	Kind         Kind     `json:"intent"`
	Customer     string   `json:"customer,omitempty"`
	Action       string   `json:"action,omitempty"`
	Parts        []string `json:"parts"`
	BillingHours *float64 `json:"billing_hours,omitempty"`
	JobID        string   `json:"job_id,omitempty"`
	Notes        string   `json:"notes,omitempty"`
	Confidence   float64  `json:"confidence"`
	RawText      string   `json:"raw_text"`
}

// Hours is a convenience for building intents by hand.
func Hours(h float64) *float64 { return &h }
