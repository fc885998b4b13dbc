// Package job holds the field service job entity, its lifecycle rules, and
// the in-memory store shared by every interaction.
package job

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// IDGenerator produces candidate job identifiers.
type IDGenerator func() string

// NewID returns an identifier of the form "JOB-1a2b3c4d".
func NewID() string {
	return "JOB-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

const maxIDAttempts = 16

// Store is a concurrency-safe in-memory job store. A single mutex guards the
// whole key space; every read and write is serialized. Callers always receive
// copies, so mutating a returned Job has no effect until Update is called.
type Store struct {
	clock Clock
	newID IDGenerator

	mu   sync.Mutex
	jobs map[string]Job
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return NewStoreWith(realClock{}, NewID)
}

// NewStoreWith creates a Store with a custom clock and id generator (for testing).
func NewStoreWith(clock Clock, gen IDGenerator) *Store {
	if clock == nil {
		clock = realClock{}
	}
	if gen == nil {
		gen = NewID
	}
	return &Store{
		clock: clock,
		newID: gen,
		jobs:  make(map[string]Job),
	}
}

// Create assigns a fresh unique id and timestamps and stores the job.
// A caller-supplied ID is ignored. Status defaults to pending.
func (s *Store) Create(j Job) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := ""
	for range maxIDAttempts {
		candidate := s.newID()
		if _, taken := s.jobs[candidate]; !taken {
			id = candidate
			break
		}
	}
	if id == "" {
		return Job{}, fmt.Errorf("allocating job id: %d collisions in a row", maxIDAttempts)
	}

	now := s.clock.Now()
	j = j.clone()
	j.ID = id
	if j.Status == "" {
		j.Status = StatusPending
	}
	if j.PartsUsed == nil {
		j.PartsUsed = []string{}
	}
	if j.Notes == nil {
		j.Notes = []string{}
	}
	j.CreatedAt = now
	j.UpdatedAt = now

	s.jobs[id] = j
	return j.clone(), nil
}

// Get returns the job with the given id.
func (s *Store) Get(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j.clone(), nil
}

// Update replaces a stored job. CreatedAt is kept from the stored copy and
// UpdatedAt is always set by the store, never taken from the caller; it
// never moves backwards even if the clock does.
func (s *Store) Update(j Job) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.jobs[j.ID]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, j.ID)
	}

	j = j.clone()
	j.CreatedAt = prev.CreatedAt
	now := s.clock.Now()
	if now.Before(prev.UpdatedAt) {
		now = prev.UpdatedAt
	}
	j.UpdatedAt = now

	s.jobs[j.ID] = j
	return j.clone(), nil
}

// Delete removes a job. Deleting an unknown id is a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// ListByTechnician returns the technician's jobs, oldest first.
func (s *Store) ListByTechnician(technicianID string) []Job {
	return s.filter(func(j Job) bool { return j.AssignedTechnician == technicianID })
}

// ListByStatus returns all jobs in the given status, oldest first.
func (s *Store) ListByStatus(status Status) []Job {
	return s.filter(func(j Job) bool { return j.Status == status })
}

// ListAll returns every job, oldest first.
func (s *Store) ListAll() []Job {
	return s.filter(func(Job) bool { return true })
}

// Count returns the number of stored jobs.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Store) filter(keep func(Job) bool) []Job {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, j.clone())
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].ID < out[b].ID
	})
	return out
}
