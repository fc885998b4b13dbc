package job

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a job id is not in the store.
	ErrNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a status change is not allowed
	// by the job lifecycle.
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// Status is the lifecycle state of a field service job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCompleted, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether a job may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseStatus accepts a status name such as "in_progress".
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusInProgress, StatusCompleted, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Job is a field service ticket.
type Job struct {
	ID                 string    `json:"id"`
	CustomerName       string    `json:"customer_name"`
	Location           string    `json:"location,omitempty"`
	Description        string    `json:"description,omitempty"`
	Status             Status    `json:"status"`
	AssignedTechnician string    `json:"assigned_technician"`
	PartsUsed          []string  `json:"parts_used"`
	BillingHours       float64   `json:"billing_hours"`
	Notes              []string  `json:"notes"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Transition moves the job to the given status.
func (j *Job) Transition(to Status) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
	}
	j.Status = to
	return nil
}

// Open reports whether the job still counts as active work.
func (j Job) Open() bool {
	return j.Status != StatusCompleted
}

// Actionable reports whether voice commands may still act on the job.
// Cancelled jobs stay listed as open work but can no longer be closed,
// updated or annotated.
func (j Job) Actionable() bool {
	return !j.Status.Terminal()
}

func (j Job) clone() Job {
	cp := j
	if j.PartsUsed != nil {
		cp.PartsUsed = append([]string(nil), j.PartsUsed...)
	}
	if j.Notes != nil {
		cp.Notes = append([]string(nil), j.Notes...)
	}
	return cp
}
