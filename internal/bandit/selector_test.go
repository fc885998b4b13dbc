package bandit

import (
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"
)

func newTestSelector(epsilon float64, window int) *Selector {
	return NewSelectorWithRand(epsilon, window, rand.New(rand.NewPCG(1, 2)))
}

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestBucketFor(t *testing.T) {
	tests := []struct {
		ctx  Context
		want string
	}{
		{Context{Hour: 0}, "morning/low/none"},
		{Context{Hour: 11, InteractionCount: 4, RecentErrors: 0}, "morning/low/none"},
		{Context{Hour: 12, InteractionCount: 5, RecentErrors: 1}, "afternoon/medium/some"},
		{Context{Hour: 17, InteractionCount: 19, RecentErrors: 2}, "afternoon/medium/some"},
		{Context{Hour: 18, InteractionCount: 20, RecentErrors: 3}, "evening/high/many"},
		{Context{Hour: 23, InteractionCount: 500, RecentErrors: 40}, "evening/high/many"},
	}
	for _, tt := range tests {
		if got := BucketFor(tt.ctx).String(); got != tt.want {
			t.Errorf("BucketFor(%+v) = %s, want %s", tt.ctx, got, tt.want)
		}
	}
}

func TestSelect_GreedyPicksBestArm(t *testing.T) {
	s := newTestSelector(0, 0)
	ctx := Context{Hour: 9, InteractionCount: 2}

	for range 100 {
		s.UpdateReward(ctx, Detailed, 1.0)
		s.UpdateReward(ctx, Concise, 0.0)
		s.UpdateReward(ctx, Verbose, 0.0)
	}

	for range 20 {
		d := s.Select(ctx)
		if d.Style != Detailed {
			t.Fatalf("style = %s, want detailed", d.Style)
		}
		if d.Explored {
			t.Error("greedy pick must not be flagged as exploration")
		}
	}
}

func TestSelect_TieBreaksInArmOrder(t *testing.T) {
	s := newTestSelector(0, 0)
	ctx := Context{Hour: 14}

	s.UpdateReward(ctx, Verbose, 0.5)
	s.UpdateReward(ctx, Detailed, 0.5)

	if d := s.Select(ctx); d.Style != Detailed {
		t.Errorf("style = %s, want detailed (earlier arm wins ties)", d.Style)
	}
}

func TestSelect_PreferredOverride(t *testing.T) {
	s := newTestSelector(1.0, 0)
	ctx := Context{Hour: 9, PreferredStyle: Verbose}
	for range 100 {
		s.UpdateReward(ctx, Concise, 1.0)
	}

	for range 50 {
		if d := s.Select(ctx); d.Style != Verbose || !d.Override {
			t.Fatalf("decision = %+v, want verbose override", d)
		}
	}
}

func TestRecord_IgnoresOverrideDecisions(t *testing.T) {
	s := newTestSelector(0, 0)
	ctx := Context{Hour: 9, PreferredStyle: Verbose}

	d := s.Select(ctx)
	s.Record(d, 1.0)

	stats := s.Statistics()
	if stats.TotalInteractions != 0 || stats.Buckets != 0 {
		t.Errorf("stats = %+v, want nothing learned", stats)
	}

	// Once the preference is cleared the bucket is still unexplored.
	ctx.PreferredStyle = ""
	if d := s.Select(ctx); !d.Explored {
		t.Errorf("decision = %+v, want exploration", d)
	}
}

func TestSelect_NoObservationsExplores(t *testing.T) {
	s := newTestSelector(0, 0)
	d := s.Select(Context{Hour: 20})
	if !d.Explored {
		t.Error("expected exploration with an empty bucket")
	}
	valid := false
	for _, st := range Styles {
		if d.Style == st {
			valid = true
		}
	}
	if !valid {
		t.Errorf("invalid style %q", d.Style)
	}
}

func TestSelect_BucketsAreIndependent(t *testing.T) {
	s := newTestSelector(0, 0)
	morning := Context{Hour: 8}
	evening := Context{Hour: 20}

	s.UpdateReward(morning, Concise, 1.0)
	s.UpdateReward(evening, Verbose, 1.0)

	if d := s.Select(morning); d.Style != Concise {
		t.Errorf("morning style = %s, want concise", d.Style)
	}
	if d := s.Select(evening); d.Style != Verbose {
		t.Errorf("evening style = %s, want verbose", d.Style)
	}
}

func TestRecord_ClampsAndCounts(t *testing.T) {
	s := newTestSelector(0, 0)
	ctx := Context{Hour: 9}
	d := Decision{Bucket: BucketFor(ctx), Style: Concise}

	s.Record(d, 5)
	s.Record(d, -3)

	cs := s.ContextStatistics(ctx)
	if cs.Arms[Concise].Count != 2 {
		t.Errorf("count = %d, want 2", cs.Arms[Concise].Count)
	}
	if !approxEqual(cs.Arms[Concise].MeanReward, 0.5) {
		t.Errorf("mean = %v, want 0.5", cs.Arms[Concise].MeanReward)
	}
}

func TestRecord_WindowEvictsOldest(t *testing.T) {
	s := newTestSelector(0, 3)
	ctx := Context{Hour: 9}

	for _, r := range []float64{0, 0, 1, 1, 1} {
		s.UpdateReward(ctx, Concise, r)
	}

	cs := s.ContextStatistics(ctx)
	if cs.Arms[Concise].Count != 5 {
		t.Errorf("count = %d, want 5", cs.Arms[Concise].Count)
	}
	if !approxEqual(cs.Arms[Concise].MeanReward, 1.0) {
		t.Errorf("mean = %v, want 1.0 after eviction", cs.Arms[Concise].MeanReward)
	}
}

func TestStatistics(t *testing.T) {
	s := newTestSelector(0.2, 0)
	s.UpdateReward(Context{Hour: 9}, Concise, 1.0)
	s.UpdateReward(Context{Hour: 20}, Concise, 0.0)
	s.UpdateReward(Context{Hour: 20}, Verbose, 0.6)

	st := s.Statistics()
	if st.TotalInteractions != 3 {
		t.Errorf("total = %d, want 3", st.TotalInteractions)
	}
	if st.Buckets != 2 {
		t.Errorf("buckets = %d, want 2", st.Buckets)
	}
	if st.Arms[Concise].Count != 2 || !approxEqual(st.Arms[Concise].MeanReward, 0.5) {
		t.Errorf("concise = %+v", st.Arms[Concise])
	}
	if st.Arms[Detailed].Count != 0 {
		t.Errorf("detailed = %+v", st.Arms[Detailed])
	}
	if !approxEqual(st.Epsilon, 0.2) {
		t.Errorf("epsilon = %v", st.Epsilon)
	}
}

func TestSetEpsilonAndReset(t *testing.T) {
	s := newTestSelector(0.1, 0)
	s.SetEpsilon(7)
	if s.Epsilon() != 1 {
		t.Errorf("epsilon = %v, want clamped 1", s.Epsilon())
	}
	s.SetEpsilon(-1)
	if s.Epsilon() != 0 {
		t.Errorf("epsilon = %v, want clamped 0", s.Epsilon())
	}

	s.UpdateReward(Context{}, Concise, 1)
	s.Reset()
	st := s.Statistics()
	if st.TotalInteractions != 0 || st.Buckets != 0 {
		t.Errorf("stats after reset = %+v", st)
	}
}

func TestSelector_ConcurrentUse(t *testing.T) {
	s := NewSelector(0.3, 50)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx := Context{Hour: i, InteractionCount: i}
			for range 50 {
				d := s.Select(ctx)
				s.Record(d, 0.5)
			}
		}(i)
	}
	wg.Wait()

	if got := s.Statistics().TotalInteractions; got != 1000 {
		t.Errorf("total = %d, want 1000", got)
	}
}

func TestImplicitReward(t *testing.T) {
	tests := []struct {
		name     string
		elapsed  time.Duration
		err, rep bool
		want     float64
	}{
		{"fast clean", time.Second, false, false, 1.0},
		{"five seconds", 5 * time.Second, false, false, 0.8},
		{"penalty capped", 30 * time.Second, false, false, 0.7},
		{"error", time.Second, true, false, 0.5},
		{"repeat", time.Second, false, true, 0.6},
		{"slow error repeat", 6 * time.Second, true, true, 0.0},
		{"exactly threshold", 3 * time.Second, false, false, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ImplicitReward(tt.elapsed, tt.err, tt.rep); !approxEqual(got, tt.want) {
				t.Errorf("ImplicitReward = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseStyle(t *testing.T) {
	if st, err := ParseStyle(" Verbose "); err != nil || st != Verbose {
		t.Errorf("ParseStyle = %q, %v", st, err)
	}
	if _, err := ParseStyle("chatty"); err == nil {
		t.Error("expected error for unknown style")
	}
}
