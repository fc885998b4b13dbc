package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/fielddispatch/internal/action"
	"github.com/kalambet/fielddispatch/internal/bandit"
	"github.com/kalambet/fielddispatch/internal/intent"
	"github.com/kalambet/fielddispatch/internal/job"
	"github.com/kalambet/fielddispatch/internal/queue"
	"github.com/kalambet/fielddispatch/internal/speech"
	"github.com/kalambet/fielddispatch/internal/tracker"
)

// stepClock advances by step on every read.
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

type mockExtractor struct {
	fn func(text string) (intent.Intent, error)
}

func (m *mockExtractor) Extract(_ context.Context, text string, _ map[string]any) (intent.Intent, error) {
	return m.fn(text)
}

func returns(in intent.Intent) *mockExtractor {
	return &mockExtractor{fn: func(text string) (intent.Intent, error) {
		in.RawText = text
		return in, nil
	}}
}

type mockSender struct {
	mu   sync.Mutex
	sent []queue.Envelope
	err  error
}

func (m *mockSender) Send(_ context.Context, e queue.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, e)
	return nil
}

func (m *mockSender) SendBatch(ctx context.Context, es []queue.Envelope) error {
	for _, e := range es {
		if err := m.Send(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

type failingSynth struct{ calls int }

func (f *failingSynth) Speak(context.Context, string, speech.Options) error {
	f.calls++
	return errors.New("speaker unplugged")
}

type panicSynth struct{ calls atomic.Int32 }

func (p *panicSynth) Speak(context.Context, string, speech.Options) error {
	p.calls.Add(1)
	panic("tts crashed")
}

type panicGenerator struct{}

func (panicGenerator) Generate(context.Context, intent.Intent, action.Result, bandit.Style) string {
	panic("generator exploded")
}

type fixture struct {
	svc      *Service
	jobs     *job.Store
	tracker  *tracker.Tracker
	selector *bandit.Selector
	sender   *mockSender
}

func newFixture(t *testing.T, o Options) fixture {
	t.Helper()
	f := fixture{
		jobs:     job.NewStore(),
		tracker:  tracker.New(),
		selector: bandit.NewSelectorWithRand(0, 0, rand.New(rand.NewPCG(1, 2))),
		sender:   &mockSender{},
	}
	o.Jobs = f.jobs
	o.Tracker = f.tracker
	o.Selector = f.selector
	if o.Sender == nil {
		o.Sender = f.sender
	}
	if o.Clock == nil {
		o.Clock = &stepClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), step: time.Second}
	}
	o.Capture = speech.CaptureConfig{MaxRetries: 1}
	svc, err := New(o)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.svc = svc
	return f
}

func totalRewarded(s bandit.Stats) int {
	var n int
	for _, a := range s.Arms {
		n += a.Count
	}
	return n
}

func TestNew_RequiresExtractor(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without extractor")
	}
}

func TestHandle_CloseTicketEndToEnd(t *testing.T) {
	f := newFixture(t, Options{Extractor: returns(intent.Intent{
		Kind:         intent.CloseJob,
		Customer:     "Acme",
		BillingHours: intent.Hours(2),
		Confidence:   0.9,
	})})
	open, err := f.jobs.Create(job.Job{CustomerName: "Acme Corp", AssignedTechnician: "tech-1"})
	if err != nil {
		t.Fatal(err)
	}

	spk := &speech.Buffer{}
	out := f.svc.Handle(context.Background(), "tech-1", Devices{
		Recognizer:  speech.Text("Close the ticket for Acme, billed 2 hours"),
		Synthesizer: spk,
	})

	if out.Err != nil {
		t.Fatalf("Err = %v", out.Err)
	}
	if !out.Result.Success || out.Result.Kind != intent.CloseJob {
		t.Errorf("result = %+v", out.Result)
	}
	got, _ := f.jobs.Get(open.ID)
	if got.Status != job.StatusCompleted || got.BillingHours != 2.0 {
		t.Errorf("job = %s, %.1f hours; want completed, 2.0", got.Status, got.BillingHours)
	}
	if spoken := spk.Spoken(); len(spoken) != 1 || spoken[0] != out.Response {
		t.Errorf("spoken = %v, response = %q", spoken, out.Response)
	}

	if len(f.sender.sent) != 1 {
		t.Fatalf("sent %d envelopes, want 1", len(f.sender.sent))
	}
	env := f.sender.sent[0]
	if env.Type != queue.VoiceInput || env.TechnicianID != "tech-1" || env.SessionID != out.SessionID ||
		env.Text() != "Close the ticket for Acme, billed 2 hours" || !env.Handled() {
		t.Errorf("envelope = %+v", env)
	}

	uc := f.tracker.Context("tech-1")
	if uc.InteractionCount != 1 || uc.RecentErrors != 0 {
		t.Errorf("context = %+v", uc)
	}
	stats := f.selector.Statistics()
	if stats.TotalInteractions != 1 || totalRewarded(stats) != 1 {
		t.Errorf("bandit stats = %+v", stats)
	}
	if arm := stats.Arms[out.Style]; arm.Count != 1 || arm.MeanReward != 1.0 {
		t.Errorf("arm %s = %+v, want one reward of 1.0", out.Style, arm)
	}
}

func TestHandleVoiceInput_UsesDefaultDevices(t *testing.T) {
	spk := &speech.Buffer{}
	f := newFixture(t, Options{
		Extractor: returns(intent.Intent{Kind: intent.CreateJob, Customer: "Globex"}),
		Devices:   Devices{Recognizer: speech.Text("new job for Globex"), Synthesizer: spk},
	})

	resp := f.svc.HandleVoiceInput(context.Background(), "tech-2")
	if resp == "" || resp == Apology {
		t.Fatalf("response = %q", resp)
	}
	if len(spk.Spoken()) != 1 {
		t.Errorf("spoken = %v", spk.Spoken())
	}
	if jobs := f.jobs.ListByTechnician("tech-2"); len(jobs) != 1 || jobs[0].CustomerName != "Globex" {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestHandle_ExtractionFailureApologises(t *testing.T) {
	f := newFixture(t, Options{Extractor: &mockExtractor{fn: func(string) (intent.Intent, error) {
		return intent.Intent{}, fmt.Errorf("%w: model down", intent.ErrExtraction)
	}}})

	spk := &speech.Buffer{}
	out := f.svc.Handle(context.Background(), "tech-1", Devices{Recognizer: speech.Text("hello"), Synthesizer: spk})

	if out.Response != Apology || !errors.Is(out.Err, intent.ErrExtraction) {
		t.Errorf("outcome = %+v", out)
	}
	if spoken := spk.Spoken(); len(spoken) != 1 || spoken[0] != Apology {
		t.Errorf("spoken = %v", spoken)
	}
	if uc := f.tracker.Context("tech-1"); uc.InteractionCount != 1 || uc.RecentErrors != 1 {
		t.Errorf("context = %+v", uc)
	}
	if stats := f.selector.Statistics(); stats.TotalInteractions != 0 {
		t.Errorf("no style was selected, but bandit recorded %d", stats.TotalInteractions)
	}
}

func TestHandle_CaptureFailure(t *testing.T) {
	f := newFixture(t, Options{Extractor: returns(intent.Intent{Kind: intent.ListJobs})})

	spk := &speech.Buffer{}
	out := f.svc.Handle(context.Background(), "tech-1", Devices{Recognizer: speech.Text("   "), Synthesizer: spk})

	if !errors.Is(out.Err, speech.ErrCapture) || out.Response != Apology {
		t.Errorf("outcome = %+v", out)
	}
	if len(f.sender.sent) != 0 {
		t.Error("nothing should be sent when capture fails")
	}
}

func TestHandle_SendFailure(t *testing.T) {
	sender := &mockSender{err: fmt.Errorf("%w: broker gone", queue.ErrTransport)}
	f := newFixture(t, Options{Extractor: returns(intent.Intent{Kind: intent.CreateJob}), Sender: sender})

	out := f.svc.Handle(context.Background(), "tech-1", Devices{Recognizer: speech.Text("new job"), Synthesizer: &speech.Buffer{}})

	if !errors.Is(out.Err, queue.ErrTransport) || out.Response != Apology {
		t.Errorf("outcome = %+v", out)
	}
	if f.jobs.Count() != 0 {
		t.Error("job must not be created when the envelope could not be sent")
	}
}

func TestHandle_SynthesisFailureRewardsOnceWithPenalty(t *testing.T) {
	f := newFixture(t, Options{Extractor: returns(intent.Intent{Kind: intent.ListJobs})})

	synth := &failingSynth{}
	out := f.svc.Handle(context.Background(), "tech-1", Devices{Recognizer: speech.Text("list my jobs"), Synthesizer: synth})

	if !errors.Is(out.Err, speech.ErrSynthesis) || out.Response != Apology {
		t.Errorf("outcome = %+v", out)
	}
	if synth.calls != 2 {
		t.Errorf("synth calls = %d, want reply then apology", synth.calls)
	}
	stats := f.selector.Statistics()
	if totalRewarded(stats) != 1 {
		t.Fatalf("rewards = %d, want exactly 1", totalRewarded(stats))
	}
	if arm := stats.Arms[out.Style]; arm.MeanReward != 0.5 {
		t.Errorf("reward = %v, want 0.5 (error penalty at 1s)", arm.MeanReward)
	}
	if uc := f.tracker.Context("tech-1"); uc.RecentErrors != 1 {
		t.Errorf("context = %+v", uc)
	}
}

func TestHandle_RecoversPanic(t *testing.T) {
	f := newFixture(t, Options{
		Extractor: returns(intent.Intent{Kind: intent.ListJobs}),
		Generator: panicGenerator{},
	})

	out := f.svc.Handle(context.Background(), "tech-1", Devices{Recognizer: speech.Text("list"), Synthesizer: &speech.Buffer{}})

	if out.Response != Apology || out.Err == nil {
		t.Errorf("outcome = %+v", out)
	}
	if n := totalRewarded(f.selector.Statistics()); n != 1 {
		t.Errorf("rewards = %d, want 1", n)
	}
	if uc := f.tracker.Context("tech-1"); uc.InteractionCount != 1 {
		t.Errorf("interaction count = %d, want 1", uc.InteractionCount)
	}
}

func TestHandle_MissingDevices(t *testing.T) {
	f := newFixture(t, Options{Extractor: returns(intent.Intent{Kind: intent.ListJobs})})
	out := f.svc.Handle(context.Background(), "tech-1", Devices{})
	if out.Response != Apology || !errors.Is(out.Err, errNoDevices) {
		t.Errorf("outcome = %+v", out)
	}
}

func TestHandle_PreferredStyleWins(t *testing.T) {
	f := newFixture(t, Options{Extractor: returns(intent.Intent{Kind: intent.ListJobs})})
	f.tracker.SetPreferredStyle("tech-1", bandit.Verbose)

	for range 3 {
		out := f.svc.Handle(context.Background(), "tech-1", Devices{Recognizer: speech.Text("list"), Synthesizer: &speech.Buffer{}})
		if out.Style != bandit.Verbose {
			t.Errorf("style = %s, want verbose", out.Style)
		}
	}

	if n := f.tracker.Context("tech-1").InteractionCount; n != 3 {
		t.Errorf("interaction count = %d, want 3", n)
	}
	if stats := f.selector.Statistics(); stats.TotalInteractions != 0 || totalRewarded(stats) != 0 {
		t.Errorf("bandit stats = %+v, want no learning under an override", stats)
	}
}

func TestHandle_ApologyPanicIsSwallowed(t *testing.T) {
	f := newFixture(t, Options{Extractor: returns(intent.Intent{Kind: intent.ListJobs})})
	syn := &panicSynth{}

	var out Outcome
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("panic escaped Handle: %v", r)
			}
		}()
		out = f.svc.Handle(context.Background(), "tech-1", Devices{Recognizer: speech.Text("list"), Synthesizer: syn})
	}()

	if out.Response != Apology || out.Err == nil {
		t.Errorf("outcome = %+v, want apology with error", out)
	}
	if n := syn.calls.Load(); n != 2 {
		t.Errorf("synthesizer calls = %d, want reply and apology", n)
	}
	uc := f.tracker.Context("tech-1")
	if uc.InteractionCount != 1 || uc.RecentErrors != 1 {
		t.Errorf("context = %+v", uc)
	}
	if stats := f.selector.Statistics(); stats.TotalInteractions != 1 {
		t.Errorf("bandit interactions = %d, want 1", stats.TotalInteractions)
	}
}

func TestHandle_ConcurrentSessions(t *testing.T) {
	f := newFixture(t, Options{Extractor: returns(intent.Intent{Kind: intent.CreateJob, Customer: "Initech"})})

	const n = 50
	var wg sync.WaitGroup
	sessions := make(chan string, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tech := fmt.Sprintf("tech-%d", i%5)
			out := f.svc.Handle(context.Background(), tech, Devices{Recognizer: speech.Text("new job"), Synthesizer: &speech.Buffer{}})
			if out.Err != nil {
				t.Errorf("session failed: %v", out.Err)
			}
			sessions <- out.SessionID
		}()
	}
	wg.Wait()
	close(sessions)

	seen := make(map[string]bool)
	for id := range sessions {
		if seen[id] {
			t.Errorf("duplicate session id %s", id)
		}
		seen[id] = true
	}

	st := f.svc.Statistics()
	if st.TotalJobs != n || st.ActiveTechnicians != 5 || st.Bandit.TotalInteractions != n {
		t.Errorf("stats = %+v", st)
	}
}

func TestProcessEnvelope(t *testing.T) {
	f := newFixture(t, Options{Extractor: returns(intent.Intent{Kind: intent.CreateJob, Customer: "Umbrella"})})
	ctx := context.Background()

	resp, err := f.svc.ProcessEnvelope(ctx, queue.NewVoiceInput("tech-3", "sess-9", "new job for Umbrella"))
	if err != nil || resp == "" {
		t.Fatalf("ProcessEnvelope = %q, %v", resp, err)
	}
	if jobs := f.jobs.ListByTechnician("tech-3"); len(jobs) != 1 {
		t.Errorf("jobs = %+v", jobs)
	}
	if uc := f.tracker.Context("tech-3"); uc.InteractionCount != 1 {
		t.Errorf("context = %+v", uc)
	}
	if n := totalRewarded(f.selector.Statistics()); n != 1 {
		t.Errorf("rewards = %d, want 1", n)
	}
}

func TestProcessEnvelope_SkipsHandled(t *testing.T) {
	f := newFixture(t, Options{Extractor: returns(intent.Intent{Kind: intent.CreateJob})})
	env := queue.NewVoiceInput("tech-1", "s", "new job")
	env.Payload[queue.PayloadHandled] = "true"

	if _, err := f.svc.ProcessEnvelope(context.Background(), env); err != nil {
		t.Fatal(err)
	}
	if f.jobs.Count() != 0 || f.tracker.Count() != 0 {
		t.Error("handled envelope must not be processed again")
	}
}

func TestProcessEnvelope_Errors(t *testing.T) {
	f := newFixture(t, Options{Extractor: &mockExtractor{fn: func(string) (intent.Intent, error) {
		return intent.Intent{}, intent.ErrMalformedOutput
	}}})
	ctx := context.Background()

	env := queue.NewVoiceInput("tech-1", "s", "x")
	env.Type = queue.ActionCompleted
	if _, err := f.svc.ProcessEnvelope(ctx, env); !errors.Is(err, ErrUnsupportedMessage) {
		t.Errorf("err = %v, want ErrUnsupportedMessage", err)
	}

	if _, err := f.svc.ProcessEnvelope(ctx, queue.NewVoiceInput("tech-1", "s", "x")); !errors.Is(err, intent.ErrMalformedOutput) {
		t.Errorf("err = %v, want ErrMalformedOutput", err)
	}
	if uc := f.tracker.Context("tech-1"); uc.RecentErrors != 1 {
		t.Errorf("context = %+v", uc)
	}
}

func TestEnqueueThenWorker(t *testing.T) {
	q, err := queue.OpenSQLite(":memory:", "dispatch", "dispatch-dlq")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })

	f := newFixture(t, Options{
		Extractor: returns(intent.Intent{Kind: intent.CreateJob, Customer: "Hooli"}),
		Sender:    q,
	})
	ctx := context.Background()

	env, err := f.svc.Enqueue(ctx, "tech-4", speech.Text("new job for Hooli"))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if env.Handled() {
		t.Error("enqueued envelope must be left for the worker")
	}

	c := queue.NewConsumer(q, func(ctx context.Context, e queue.Envelope) error {
		_, err := f.svc.ProcessEnvelope(ctx, e)
		return err
	}, queue.ConsumerConfig{Wait: 10 * time.Millisecond})
	if n, err := c.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}
	if jobs := f.jobs.ListByTechnician("tech-4"); len(jobs) != 1 || jobs[0].CustomerName != "Hooli" {
		t.Errorf("jobs = %+v", jobs)
	}
}
