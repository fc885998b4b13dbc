// Package action applies extracted intents to the job store.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/kalambet/fielddispatch/internal/intent"
	"github.com/kalambet/fielddispatch/internal/job"
)

const (
	defaultCustomer = "Unknown Customer"
	listLimit       = 5
)

// JobStore defines the storage operations the Executor needs.
// Implemented by job.Store.
type JobStore interface {
	Create(j job.Job) (job.Job, error)
	Get(id string) (job.Job, error)
	Update(j job.Job) (job.Job, error)
	ListByTechnician(technicianID string) []job.Job
}

// Executor turns intents into job mutations.
type Executor struct {
	store  JobStore
	logger *slog.Logger
}

// NewExecutor creates an Executor over the given store.
func NewExecutor(store JobStore) *Executor {
	return &Executor{store: store, logger: slog.Default()}
}

// Execute applies the intent on behalf of the technician. It never returns
// an error or panics; every failure is reported through the Result.
func (e *Executor) Execute(ctx context.Context, in intent.Intent, technicianID string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "action panicked", "intent", in.Kind, "technician_id", technicianID, "panic", r)
			res = failure(in.Kind, ErrActionFailed, fmt.Sprintf("Failed to execute action: %v", r))
		}
	}()

	var err error
	switch in.Kind {
	case intent.CreateJob:
		res, err = e.create(in, technicianID)
	case intent.CloseJob:
		res, err = e.close(in, technicianID)
	case intent.UpdateJob:
		res, err = e.update(in, technicianID)
	case intent.QueryJob:
		res = e.query(in, technicianID)
	case intent.ListJobs:
		res = e.list(technicianID)
	case intent.AddNotes:
		res, err = e.addNotes(in, technicianID)
	default:
		e.logger.WarnContext(ctx, "unknown intent", "intent", in.Kind, "technician_id", technicianID)
		return Result{Kind: in.Kind, Message: "I didn't understand that command"}
	}

	if err != nil {
		res = e.classify(ctx, in, technicianID, err)
	} else if res.Success {
		e.logger.InfoContext(ctx, "action executed", "intent", in.Kind, "technician_id", technicianID, "job_id", res.JobID())
	}
	res.Kind = in.Kind
	return res
}

var errNoActiveJob = errors.New("no active job")

func (e *Executor) classify(ctx context.Context, in intent.Intent, technicianID string, err error) Result {
	switch {
	case errors.Is(err, errNoActiveJob), errors.Is(err, job.ErrNotFound):
		e.logger.WarnContext(ctx, "job not found", "intent", in.Kind, "technician_id", technicianID, "customer", in.Customer)
		return failure(in.Kind, ErrJobNotFound, fmt.Sprintf("No active job found for customer: %s", in.Customer))
	case errors.Is(err, job.ErrInvalidTransition):
		e.logger.WarnContext(ctx, "invalid job state", "intent", in.Kind, "technician_id", technicianID, "error", err)
		return failure(in.Kind, ErrInvalidJobState, fmt.Sprintf("Cannot %s: %v", strings.ReplaceAll(string(in.Kind), "_", " "), err))
	default:
		e.logger.ErrorContext(ctx, "action execution failed", "intent", in.Kind, "technician_id", technicianID, "error", err)
		return failure(in.Kind, ErrActionFailed, fmt.Sprintf("Failed to execute action: %v", err))
	}
}

func failure(kind intent.Kind, ek ErrorKind, msg string) Result {
	return Result{Kind: kind, ErrorKind: ek, Message: msg}
}

func (e *Executor) create(in intent.Intent, technicianID string) (Result, error) {
	customer := in.Customer
	if customer == "" {
		customer = defaultCustomer
	}
	j, err := e.store.Create(job.Job{
		CustomerName:       customer,
		AssignedTechnician: technicianID,
		Description:        in.Notes,
		PartsUsed:          append([]string{}, in.Parts...),
	})
	if err != nil {
		return Result{}, err
	}
	return Result{
		Success: true,
		Message: fmt.Sprintf("Created job %s for %s", j.ID, j.CustomerName),
		Detail:  Created{JobID: j.ID, Customer: j.CustomerName},
	}, nil
}

func (e *Executor) close(in intent.Intent, technicianID string) (Result, error) {
	j, ok := e.lookup(in, technicianID)
	if !ok {
		return Result{}, errNoActiveJob
	}
	if err := j.Transition(job.StatusCompleted); err != nil {
		return Result{}, err
	}
	j.PartsUsed = append(j.PartsUsed, in.Parts...)
	if in.BillingHours != nil {
		j.BillingHours = max(0, *in.BillingHours)
	}
	if in.Notes != "" {
		j.Notes = append(j.Notes, in.Notes)
	}
	j, err := e.store.Update(j)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Success: true,
		Message: fmt.Sprintf("Closed job %s, billed %s hours", j.ID, formatHours(j.BillingHours)),
		Detail: Closed{
			JobID:        j.ID,
			Customer:     j.CustomerName,
			BillingHours: j.BillingHours,
			PartsUsed:    j.PartsUsed,
		},
	}, nil
}

func (e *Executor) update(in intent.Intent, technicianID string) (Result, error) {
	j, ok := e.lookup(in, technicianID)
	if !ok {
		return Result{}, errNoActiveJob
	}
	j.PartsUsed = append(j.PartsUsed, in.Parts...)
	if in.Notes != "" {
		j.Notes = append(j.Notes, in.Notes)
	}
	if in.BillingHours != nil {
		j.BillingHours = max(0, j.BillingHours+*in.BillingHours)
	}
	j, err := e.store.Update(j)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Success: true,
		Message: fmt.Sprintf("Updated job %s", j.ID),
		Detail:  Updated{JobID: j.ID, Customer: j.CustomerName},
	}, nil
}

func (e *Executor) query(in intent.Intent, technicianID string) Result {
	j, ok := e.lookup(in, technicianID)
	if !ok {
		return Result{Message: fmt.Sprintf("No job found for %s", in.Customer)}
	}
	return Result{
		Success: true,
		Message: fmt.Sprintf("Job %s status: %s", j.ID, j.Status),
		Detail: Queried{
			JobID:        j.ID,
			Customer:     j.CustomerName,
			Status:       j.Status,
			PartsUsed:    j.PartsUsed,
			BillingHours: j.BillingHours,
		},
	}
}

func (e *Executor) list(technicianID string) Result {
	var active []job.Job
	for _, j := range e.store.ListByTechnician(technicianID) {
		if j.Open() {
			active = append(active, j)
		}
	}
	summaries := make([]JobSummary, 0, min(len(active), listLimit))
	for _, j := range active[:min(len(active), listLimit)] {
		summaries = append(summaries, JobSummary{ID: j.ID, Customer: j.CustomerName, Status: j.Status})
	}
	return Result{
		Success: true,
		Message: fmt.Sprintf("You have %d active job(s)", len(active)),
		Detail:  Listed{Count: len(active), Jobs: summaries},
	}
}

func (e *Executor) addNotes(in intent.Intent, technicianID string) (Result, error) {
	j, ok := e.lookup(in, technicianID)
	if !ok || in.Notes == "" {
		return Result{Message: "Could not add notes"}, nil
	}
	j.Notes = append(j.Notes, in.Notes)
	j, err := e.store.Update(j)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Success: true,
		Message: fmt.Sprintf("Added notes to job %s", j.ID),
		Detail:  Noted{JobID: j.ID},
	}, nil
}

// lookup resolves the job an intent refers to. An explicit job id wins when
// it names an actionable job of this technician; otherwise the most recently
// updated actionable job whose customer name contains the query is used.
// Completed and cancelled jobs never match.
func (e *Executor) lookup(in intent.Intent, technicianID string) (job.Job, bool) {
	if in.JobID != "" {
		if j, err := e.store.Get(in.JobID); err == nil && j.AssignedTechnician == technicianID && j.Actionable() {
			return j, true
		}
	}

	query := strings.ToLower(strings.TrimSpace(in.Customer))
	if query == "" {
		return job.Job{}, false
	}

	var best job.Job
	found := false
	for _, j := range e.store.ListByTechnician(technicianID) {
		if !j.Actionable() || !strings.Contains(strings.ToLower(j.CustomerName), query) {
			continue
		}
		if !found || j.UpdatedAt.After(best.UpdatedAt) || (j.UpdatedAt.Equal(best.UpdatedAt) && j.ID > best.ID) {
			best, found = j, true
		}
	}
	return best, found
}

func formatHours(h float64) string {
	return strconv.FormatFloat(h, 'f', -1, 64)
}
