// Package tracker keeps per-technician behaviour: how often they talk to the
// system, how recently things went wrong, and how long interactions take.
package tracker

import (
	"sync"
	"time"

	"github.com/kalambet/fielddispatch/internal/bandit"
)

// emaAlpha weights the newest response time sample.
const emaAlpha = 0.3

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// UserContext is a snapshot of one technician's behaviour.
type UserContext struct {
	TechnicianID     string       `json:"technician_id"`
	Hour             int          `json:"hour"`
	InteractionCount int          `json:"interaction_count"`
	RecentErrors     int          `json:"recent_errors"`
	AvgResponseTime  float64      `json:"avg_response_time_seconds"`
	PreferredStyle   bandit.Style `json:"preferred_style,omitempty"`
}

// Bandit projects the snapshot onto the selector's context.
func (u UserContext) Bandit() bandit.Context {
	return bandit.Context{
		Hour:             u.Hour,
		InteractionCount: u.InteractionCount,
		RecentErrors:     u.RecentErrors,
		PreferredStyle:   u.PreferredStyle,
	}
}

// Tracker lazily creates a context per technician on first touch.
type Tracker struct {
	clock Clock

	mu       sync.RWMutex
	contexts map[string]*UserContext
}

// New creates a Tracker using the UTC wall clock.
func New() *Tracker {
	return NewWithClock(realClock{})
}

// NewWithClock creates a Tracker with a custom clock (for testing).
func NewWithClock(clock Clock) *Tracker {
	return &Tracker{
		clock:    clock,
		contexts: make(map[string]*UserContext),
	}
}

// Context returns the technician's current snapshot. Hour always reflects
// the clock at the time of the call.
func (t *Tracker) Context(technicianID string) UserContext {
	t.mu.RLock()
	uc, ok := t.contexts[technicianID]
	if ok {
		snap := t.snapshot(uc)
		t.mu.RUnlock()
		return snap
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot(t.getOrCreate(technicianID))
}

// Record folds one interaction into the technician's context and returns
// the updated snapshot. userRepeated only matters to the reward signal and
// leaves the context untouched.
func (t *Tracker) Record(technicianID string, responseTime time.Duration, errorOccurred, userRepeated bool) UserContext {
	t.mu.Lock()
	defer t.mu.Unlock()

	uc := t.getOrCreate(technicianID)
	uc.InteractionCount++
	if errorOccurred {
		uc.RecentErrors++
	} else if uc.RecentErrors > 0 {
		uc.RecentErrors--
	}
	uc.AvgResponseTime = emaAlpha*responseTime.Seconds() + (1-emaAlpha)*uc.AvgResponseTime
	return t.snapshot(uc)
}

// SetPreferredStyle pins a style for the technician, bypassing the bandit.
func (t *Tracker) SetPreferredStyle(technicianID string, style bandit.Style) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getOrCreate(technicianID).PreferredStyle = style
}

// ClearPreferredStyle hands style selection back to the bandit.
func (t *Tracker) ClearPreferredStyle(technicianID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getOrCreate(technicianID).PreferredStyle = ""
}

// Count returns the number of technicians seen so far.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.contexts)
}

// Technicians returns a snapshot of every tracked technician.
func (t *Tracker) Technicians() []UserContext {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]UserContext, 0, len(t.contexts))
	for _, uc := range t.contexts {
		out = append(out, t.snapshot(uc))
	}
	return out
}

// getOrCreate must be called with the write lock held.
func (t *Tracker) getOrCreate(technicianID string) *UserContext {
	uc, ok := t.contexts[technicianID]
	if !ok {
		uc = &UserContext{TechnicianID: technicianID}
		t.contexts[technicianID] = uc
	}
	return uc
}

func (t *Tracker) snapshot(uc *UserContext) UserContext {
	snap := *uc
	snap.Hour = t.clock.Now().Hour()
	return snap
}
