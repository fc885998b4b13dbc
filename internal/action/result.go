package action

import (
	"github.com/kalambet/fielddispatch/internal/intent"
	"github.com/kalambet/fielddispatch/internal/job"
)

// ErrorKind classifies a failed action for the caller and the response generator.
type ErrorKind string

const (
	ErrJobNotFound     ErrorKind = "job_not_found"
	ErrInvalidJobState ErrorKind = "invalid_job_state"
	ErrActionFailed    ErrorKind = "action_failed"
)

// Result is the outcome of executing one intent. Detail carries the
// kind-specific payload of a successful action and is nil otherwise.
type Result struct {
	Kind      intent.Kind `json:"intent"`
	Success   bool        `json:"success"`
	Message   string      `json:"message"`
	ErrorKind ErrorKind   `json:"error,omitempty"`
	Detail    Detail      `json:"detail,omitempty"`
}

// JobID returns the id of the job the action touched, if any.
func (r Result) JobID() string {
	switch d := r.Detail.(type) {
	case Created:
		return d.JobID
	case Closed:
		return d.JobID
	case Updated:
		return d.JobID
	case Queried:
		return d.JobID
	case Noted:
		return d.JobID
	}
	return ""
}

// Detail is implemented by the per-kind payloads below.
type Detail interface {
	detail()
}

type Created struct {
	JobID    string `json:"job_id"`
	Customer string `json:"customer"`
}

type Closed struct {
	JobID        string   `json:"job_id"`
	Customer     string   `json:"customer"`
	BillingHours float64  `json:"billing_hours"`
	PartsUsed    []string `json:"parts_used"`
}

type Updated struct {
	JobID    string `json:"job_id"`
	Customer string `json:"customer"`
}

type Queried struct {
	JobID        string     `json:"job_id"`
	Customer     string     `json:"customer"`
	Status       job.Status `json:"status"`
	PartsUsed    []string   `json:"parts_used"`
	BillingHours float64    `json:"billing_hours"`
}

// JobSummary is one entry of a Listed result.
type JobSummary struct {
	ID       string     `json:"id"`
	Customer string     `json:"customer"`
	Status   job.Status `json:"status"`
}

type Listed struct {
	Count int          `json:"job_count"`
	Jobs  []JobSummary `json:"jobs"`
}

type Noted struct {
	JobID string `json:"job_id"`
}

func (Created) detail() {}
func (Closed) detail()  {}
func (Updated) detail() {}
func (Queried) detail() {}
func (Listed) detail()  {}
func (Noted) detail()   {}
