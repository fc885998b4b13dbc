// Package bandit learns which response style works best for each
// discretized technician context using an epsilon-greedy policy.
package bandit

import (
	"math/rand/v2"
	"sync"
	"time"
)

// DefaultWindow is the number of recent rewards kept per arm.
const DefaultWindow = 1000

// Decision is the outcome of one Select call. The dispatcher keeps it on the
// session so the reward is credited to the arm that was actually played.
type Decision struct {
	Bucket   Bucket `json:"bucket"`
	Style    Style  `json:"style"`
	Explored bool   `json:"explored"`
	Override bool   `json:"override"`
}

type arm struct {
	rewards []float64
	count   int
}

func (a *arm) mean() (float64, bool) {
	if len(a.rewards) == 0 {
		return 0, false
	}
	var sum float64
	for _, r := range a.rewards {
		sum += r
	}
	return sum / float64(len(a.rewards)), true
}

// Selector is an epsilon-greedy contextual bandit over Styles. All state,
// the random source included, is guarded by one mutex.
type Selector struct {
	mu           sync.Mutex
	epsilon      float64
	window       int
	rng          *rand.Rand
	arms         map[Bucket]map[Style]*arm
	interactions int
}

// NewSelector creates a Selector seeded from the wall clock.
func NewSelector(epsilon float64, window int) *Selector {
	seed := uint64(time.Now().UnixNano())
	return NewSelectorWithRand(epsilon, window, rand.New(rand.NewPCG(seed, seed>>1|1)))
}

// NewSelectorWithRand creates a Selector with a custom random source (for testing).
func NewSelectorWithRand(epsilon float64, window int, rng *rand.Rand) *Selector {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Selector{
		epsilon: clamp01(epsilon),
		window:  window,
		rng:     rng,
		arms:    make(map[Bucket]map[Style]*arm),
	}
}

// Select picks a style for the context. A preferred style always wins.
func (s *Selector) Select(c Context) Decision {
	b := BucketFor(c)
	if c.PreferredStyle != "" {
		return Decision{Bucket: b, Style: c.PreferredStyle, Override: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rng.Float64() < s.epsilon {
		return Decision{Bucket: b, Style: s.randomStyle(), Explored: true}
	}

	best, bestMean, found := Style(""), 0.0, false
	for _, st := range Styles {
		a, ok := s.arms[b][st]
		if !ok {
			continue
		}
		m, ok := a.mean()
		if !ok {
			continue
		}
		if !found || m > bestMean {
			best, bestMean, found = st, m, true
		}
	}
	if !found {
		return Decision{Bucket: b, Style: s.randomStyle(), Explored: true}
	}
	return Decision{Bucket: b, Style: best}
}

func (s *Selector) randomStyle() Style {
	return Styles[s.rng.IntN(len(Styles))]
}

// UpdateReward credits reward to the given style in the context's bucket.
func (s *Selector) UpdateReward(c Context, style Style, reward float64) {
	s.Record(Decision{Bucket: BucketFor(c), Style: style}, reward)
}

// Record credits reward to the arm a Decision played. Rewards are clamped
// to [0, 1] and only the most recent window rewards per arm are kept.
// Decisions forced by a preferred style are not learned from.
func (s *Selector) Record(d Decision, reward float64) {
	if d.Override {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	styles, ok := s.arms[d.Bucket]
	if !ok {
		styles = make(map[Style]*arm, len(Styles))
		s.arms[d.Bucket] = styles
	}
	a, ok := styles[d.Style]
	if !ok {
		a = &arm{}
		styles[d.Style] = a
	}

	a.rewards = append(a.rewards, clamp01(reward))
	if over := len(a.rewards) - s.window; over > 0 {
		a.rewards = append(a.rewards[:0], a.rewards[over:]...)
	}
	a.count++
	s.interactions++
}

// ArmStats summarizes one style.
type ArmStats struct {
	Count      int     `json:"count"`
	MeanReward float64 `json:"mean_reward"`
}

// Stats is a snapshot of the selector's learning state.
type Stats struct {
	Arms              map[Style]ArmStats `json:"arms"`
	Buckets           int                `json:"buckets"`
	TotalInteractions int                `json:"total_interactions"`
	Epsilon           float64            `json:"epsilon"`
}

// BucketStats summarizes the arms of a single bucket.
type BucketStats struct {
	Bucket string             `json:"bucket"`
	Arms   map[Style]ArmStats `json:"arms"`
}

// Statistics aggregates every bucket per style.
func (s *Selector) Statistics() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Stats{
		Arms:              make(map[Style]ArmStats, len(Styles)),
		Buckets:           len(s.arms),
		TotalInteractions: s.interactions,
		Epsilon:           s.epsilon,
	}
	for _, st := range Styles {
		var count, n int
		var sum float64
		for _, styles := range s.arms {
			a, ok := styles[st]
			if !ok {
				continue
			}
			count += a.count
			for _, r := range a.rewards {
				sum += r
			}
			n += len(a.rewards)
		}
		as := ArmStats{Count: count}
		if n > 0 {
			as.MeanReward = sum / float64(n)
		}
		out.Arms[st] = as
	}
	return out
}

// ContextStatistics reports the arms of the bucket c falls into.
func (s *Selector) ContextStatistics(c Context) BucketStats {
	b := BucketFor(c)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := BucketStats{Bucket: b.String(), Arms: make(map[Style]ArmStats, len(Styles))}
	for _, st := range Styles {
		var as ArmStats
		if a, ok := s.arms[b][st]; ok {
			as.Count = a.count
			as.MeanReward, _ = a.mean()
		}
		out.Arms[st] = as
	}
	return out
}

// SetEpsilon changes the exploration rate, clamped to [0, 1].
func (s *Selector) SetEpsilon(epsilon float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epsilon = clamp01(epsilon)
}

// Epsilon returns the current exploration rate.
func (s *Selector) Epsilon() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epsilon
}

// Reset forgets everything learned. Epsilon is kept.
func (s *Selector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.arms = make(map[Bucket]map[Style]*arm)
	s.interactions = 0
}
