package job

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// --- Mock clock ---

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore() (*Store, *mockClock) {
	clock := &mockClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return NewStoreWith(clock, nil), clock
}

// --- Tests ---

func TestCreate_AssignsIDAndDefaults(t *testing.T) {
	s, clock := newTestStore()

	j, err := s.Create(Job{ID: "caller-id", CustomerName: "Acme", AssignedTechnician: "tech-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if j.ID == "caller-id" || len(j.ID) != len("JOB-")+8 || j.ID[:4] != "JOB-" {
		t.Errorf("unexpected id %q", j.ID)
	}
	if j.Status != StatusPending {
		t.Errorf("status = %q, want pending", j.Status)
	}
	if !j.CreatedAt.Equal(clock.Now()) || !j.UpdatedAt.Equal(clock.Now()) {
		t.Errorf("timestamps not stamped from clock: %v %v", j.CreatedAt, j.UpdatedAt)
	}
	if j.PartsUsed == nil || j.Notes == nil {
		t.Error("expected non-nil parts and notes")
	}
}

func TestCreate_ConcurrentIDsDistinct(t *testing.T) {
	s := NewStore()
	const n = 200

	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			j, err := s.Create(Job{CustomerName: fmt.Sprintf("cust-%d", i), AssignedTechnician: "tech-1"})
			if err != nil {
				t.Errorf("create %d: %v", i, err)
				return
			}
			ids[i] = j.ID
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
	if s.Count() != n {
		t.Errorf("count = %d, want %d", s.Count(), n)
	}
}

func TestCreate_RetriesOnCollision(t *testing.T) {
	calls := 0
	gen := func() string {
		calls++
		if calls <= 2 {
			return "JOB-aaaaaaaa"
		}
		return "JOB-bbbbbbbb"
	}
	s := NewStoreWith(nil, gen)

	first, _ := s.Create(Job{CustomerName: "A"})
	second, err := s.Create(Job{CustomerName: "B"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ID != "JOB-aaaaaaaa" || second.ID != "JOB-bbbbbbbb" {
		t.Errorf("ids = %q, %q", first.ID, second.ID)
	}
}

func TestCreate_GivesUpAfterRepeatedCollisions(t *testing.T) {
	s := NewStoreWith(nil, func() string { return "JOB-same" })
	if _, err := s.Create(Job{}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := s.Create(Job{}); err == nil {
		t.Fatal("expected error when every candidate collides")
	}
}

func TestUpdate_NotFound(t *testing.T) {
	s, _ := newTestStore()
	_, err := s.Update(Job{ID: "JOB-missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdate_PreservesUntargetedFields(t *testing.T) {
	s, clock := newTestStore()
	created, _ := s.Create(Job{
		CustomerName:       "Acme",
		Location:           "Dock 4",
		Description:        "Chiller fault",
		AssignedTechnician: "tech-1",
		PartsUsed:          []string{"filter"},
	})

	clock.Advance(time.Minute)
	j, _ := s.Get(created.ID)
	j.BillingHours = 1.5
	j.CreatedAt = time.Time{}
	j.UpdatedAt = time.Time{}
	updated, err := s.Update(j)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if updated.Location != "Dock 4" || updated.Description != "Chiller fault" || updated.CustomerName != "Acme" {
		t.Errorf("untargeted fields changed: %+v", updated)
	}
	if len(updated.PartsUsed) != 1 || updated.PartsUsed[0] != "filter" {
		t.Errorf("parts = %v", updated.PartsUsed)
	}
	if updated.BillingHours != 1.5 {
		t.Errorf("billing = %v, want 1.5", updated.BillingHours)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Errorf("created_at changed: %v", updated.CreatedAt)
	}
	if !updated.UpdatedAt.Equal(clock.Now()) {
		t.Errorf("updated_at = %v, want %v", updated.UpdatedAt, clock.Now())
	}
}

func TestUpdate_UpdatedAtNeverMovesBackwards(t *testing.T) {
	s, clock := newTestStore()
	created, _ := s.Create(Job{CustomerName: "Acme"})

	clock.Advance(-time.Hour)
	updated, err := s.Update(created)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.UpdatedAt.Before(created.UpdatedAt) {
		t.Errorf("updated_at went backwards: %v < %v", updated.UpdatedAt, created.UpdatedAt)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	s, _ := newTestStore()
	created, _ := s.Create(Job{CustomerName: "Acme", PartsUsed: []string{"valve"}})

	got, _ := s.Get(created.ID)
	got.PartsUsed[0] = "mutated"
	got.CustomerName = "Other"

	again, _ := s.Get(created.ID)
	if again.PartsUsed[0] != "valve" || again.CustomerName != "Acme" {
		t.Errorf("store state leaked through returned copy: %+v", again)
	}
}

func TestListByTechnician_OldestFirst(t *testing.T) {
	s, clock := newTestStore()
	a, _ := s.Create(Job{CustomerName: "A", AssignedTechnician: "tech-1"})
	clock.Advance(time.Second)
	_, _ = s.Create(Job{CustomerName: "B", AssignedTechnician: "tech-2"})
	clock.Advance(time.Second)
	c, _ := s.Create(Job{CustomerName: "C", AssignedTechnician: "tech-1"})

	got := s.ListByTechnician("tech-1")
	if len(got) != 2 {
		t.Fatalf("got %d jobs, want 2", len(got))
	}
	if got[0].ID != a.ID || got[1].ID != c.ID {
		t.Errorf("order = %s, %s", got[0].ID, got[1].ID)
	}
}

func TestListByStatus(t *testing.T) {
	s, _ := newTestStore()
	a, _ := s.Create(Job{CustomerName: "A"})
	_, _ = s.Create(Job{CustomerName: "B"})

	a.Status = StatusCompleted
	if _, err := s.Update(a); err != nil {
		t.Fatal(err)
	}

	if n := len(s.ListByStatus(StatusCompleted)); n != 1 {
		t.Errorf("completed = %d, want 1", n)
	}
	if n := len(s.ListByStatus(StatusPending)); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
	if n := len(s.ListAll()); n != 2 {
		t.Errorf("all = %d, want 2", n)
	}
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore()
	j, _ := s.Create(Job{CustomerName: "A"})
	s.Delete(j.ID)
	s.Delete("JOB-unknown")

	if _, err := s.Get(j.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if s.Count() != 0 {
		t.Errorf("count = %d, want 0", s.Count())
	}
}
