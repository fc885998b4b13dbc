// Package dispatch runs one voice interaction end to end: capture, queue,
// intent extraction, job action, style selection, phrasing and synthesis.
// It is the single error boundary of the pipeline.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/fielddispatch/internal/action"
	"github.com/kalambet/fielddispatch/internal/bandit"
	"github.com/kalambet/fielddispatch/internal/intent"
	"github.com/kalambet/fielddispatch/internal/job"
	"github.com/kalambet/fielddispatch/internal/queue"
	"github.com/kalambet/fielddispatch/internal/respond"
	"github.com/kalambet/fielddispatch/internal/speech"
	"github.com/kalambet/fielddispatch/internal/tracker"
)

// Apology is spoken and returned whenever an interaction fails.
const Apology = "I'm sorry, I encountered an error. Please try again."

// ErrUnsupportedMessage is returned by ProcessEnvelope for envelopes that do
// not carry an utterance.
var ErrUnsupportedMessage = errors.New("unsupported message type")

var errNoDevices = errors.New("no capture or synthesis device configured")

// IntentExtractor reads an utterance.
type IntentExtractor interface {
	Extract(ctx context.Context, text string, extra map[string]any) (intent.Intent, error)
}

// ActionExecutor applies an intent to the job store.
type ActionExecutor interface {
	Execute(ctx context.Context, in intent.Intent, technicianID string) action.Result
}

// ResponseGenerator phrases a result in a style.
type ResponseGenerator interface {
	Generate(ctx context.Context, in intent.Intent, res action.Result, style bandit.Style) string
}

// Clock provides the wall time used to measure interactions.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Devices are the microphone and speaker for one interaction.
type Devices struct {
	Recognizer  speech.Recognizer
	Synthesizer speech.Synthesizer
}

// Session is the per-interaction state. The decision is recorded once a
// style is selected so the reward goes to the arm that was played.
type Session struct {
	ID           string
	TechnicianID string
	StartedAt    time.Time
	Decision     *bandit.Decision

	settled bool
}

// Outcome describes a finished interaction.
type Outcome struct {
	SessionID string
	Text      string
	Response  string
	Intent    intent.Intent
	Result    action.Result
	Style     bandit.Style
	Err       error
}

// Options wires a Service. Extractor is required; other nil fields get
// in-memory defaults.
type Options struct {
	Jobs      *job.Store
	Tracker   *tracker.Tracker
	Selector  *bandit.Selector
	Extractor IntentExtractor
	Executor  ActionExecutor
	Generator ResponseGenerator
	Sender    queue.Sender
	Devices   Devices
	Capture   speech.CaptureConfig
	Voice     speech.Options
	Clock     Clock
}

// Service is the interaction orchestrator. Sessions run concurrently; only
// the job store, tracker and selector are shared between them.
type Service struct {
	jobs      *job.Store
	tracker   *tracker.Tracker
	selector  *bandit.Selector
	extractor IntentExtractor
	executor  ActionExecutor
	generator ResponseGenerator
	sender    queue.Sender
	devices   Devices
	capture   speech.CaptureConfig
	voice     speech.Options
	clock     Clock
	logger    *slog.Logger
}

// New creates a Service.
func New(o Options) (*Service, error) {
	if o.Extractor == nil {
		return nil, fmt.Errorf("dispatch: intent extractor is required")
	}
	s := &Service{
		jobs:      o.Jobs,
		tracker:   o.Tracker,
		selector:  o.Selector,
		extractor: o.Extractor,
		executor:  o.Executor,
		generator: o.Generator,
		sender:    o.Sender,
		devices:   o.Devices,
		capture:   o.Capture,
		voice:     o.Voice,
		clock:     o.Clock,
		logger:    slog.Default(),
	}
	if s.jobs == nil {
		s.jobs = job.NewStore()
	}
	if s.tracker == nil {
		s.tracker = tracker.New()
	}
	if s.selector == nil {
		s.selector = bandit.NewSelector(0.1, bandit.DefaultWindow)
	}
	if s.executor == nil {
		s.executor = action.NewExecutor(s.jobs)
	}
	if s.generator == nil {
		s.generator = respond.NewGenerator(nil, "")
	}
	if s.clock == nil {
		s.clock = realClock{}
	}
	return s, nil
}

// Jobs returns the shared job store.
func (s *Service) Jobs() *job.Store { return s.jobs }

// Tracker returns the shared technician tracker.
func (s *Service) Tracker() *tracker.Tracker { return s.tracker }

// Selector returns the shared style selector.
func (s *Service) Selector() *bandit.Selector { return s.selector }

// HandleVoiceInput runs one interaction on the service's default devices and
// returns the text that was spoken. It never fails: any error yields Apology.
func (s *Service) HandleVoiceInput(ctx context.Context, technicianID string) string {
	return s.Handle(ctx, technicianID, s.devices).Response
}

// Handle runs one interaction on the given devices.
func (s *Service) Handle(ctx context.Context, technicianID string, dev Devices) (out Outcome) {
	sess := s.newSession(technicianID)
	out.SessionID = sess.ID
	logger := s.logger.With("technician_id", technicianID, "session_id", sess.ID)

	defer func() {
		if r := recover(); r != nil {
			out = s.fail(ctx, sess, dev, logger, out, fmt.Errorf("panic: %v", r))
		}
	}()

	logger.InfoContext(ctx, "interaction started")

	if dev.Recognizer == nil || dev.Synthesizer == nil {
		return s.fail(ctx, sess, dev, logger, out, errNoDevices)
	}

	text, err := speech.Capture(ctx, dev.Recognizer, s.capture)
	if err != nil {
		return s.fail(ctx, sess, dev, logger, out, err)
	}
	out.Text = text

	if s.sender != nil {
		env := queue.NewVoiceInput(technicianID, sess.ID, text)
		env.Payload[queue.PayloadHandled] = "true"
		if err := s.sender.Send(ctx, env); err != nil {
			return s.fail(ctx, sess, dev, logger, out, err)
		}
	}

	out, err = s.process(ctx, sess, text, out)
	if err != nil {
		return s.fail(ctx, sess, dev, logger, out, err)
	}

	if err := speech.Speak(ctx, dev.Synthesizer, out.Response, s.voice); err != nil {
		return s.fail(ctx, sess, dev, logger, out, err)
	}

	elapsed := s.settle(sess, false)
	logger.InfoContext(ctx, "interaction completed",
		"intent", out.Intent.Kind, "success", out.Result.Success, "style", out.Style, "elapsed", elapsed)
	return out
}

// ProcessEnvelope is the queue worker's handler. It extracts, executes,
// selects a style and phrases the reply without capture or synthesis.
// Errors are returned so the consumer can dead-letter the message.
func (s *Service) ProcessEnvelope(ctx context.Context, env queue.Envelope) (string, error) {
	logger := s.logger.With("technician_id", env.TechnicianID, "session_id", env.SessionID, "message_id", env.MessageID)
	if env.Type != queue.VoiceInput {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMessage, env.Type)
	}
	if env.Handled() {
		logger.DebugContext(ctx, "envelope already handled by sender")
		return "", nil
	}

	sess := s.newSession(env.TechnicianID)
	if env.SessionID != "" {
		sess.ID = env.SessionID
	}

	out, err := s.process(ctx, sess, env.Text(), Outcome{SessionID: sess.ID, Text: env.Text()})
	if err != nil {
		s.settle(sess, true)
		logger.ErrorContext(ctx, "envelope processing failed", "error", err)
		return "", err
	}
	s.settle(sess, false)
	logger.InfoContext(ctx, "envelope processed", "intent", out.Intent.Kind, "success", out.Result.Success, "style", out.Style)
	return out.Response, nil
}

// Enqueue captures one utterance and sends it unprocessed, for a queue
// worker to pick up.
func (s *Service) Enqueue(ctx context.Context, technicianID string, rec speech.Recognizer) (queue.Envelope, error) {
	if s.sender == nil {
		return queue.Envelope{}, fmt.Errorf("%w: no sender configured", queue.ErrTransport)
	}
	text, err := speech.Capture(ctx, rec, s.capture)
	if err != nil {
		return queue.Envelope{}, err
	}
	env := queue.NewVoiceInput(technicianID, uuid.NewString(), text)
	if err := s.sender.Send(ctx, env); err != nil {
		return queue.Envelope{}, err
	}
	s.logger.InfoContext(ctx, "utterance enqueued", "technician_id", technicianID, "message_id", env.MessageID)
	return env, nil
}

func (s *Service) newSession(technicianID string) *Session {
	return &Session{
		ID:           uuid.NewString(),
		TechnicianID: technicianID,
		StartedAt:    s.clock.Now(),
	}
}

// process runs extraction, execution, style selection and generation.
func (s *Service) process(ctx context.Context, sess *Session, text string, out Outcome) (Outcome, error) {
	in, err := s.extractor.Extract(ctx, text, nil)
	if err != nil {
		return out, err
	}
	out.Intent = in

	out.Result = s.executor.Execute(ctx, in, sess.TechnicianID)

	uc := s.tracker.Context(sess.TechnicianID)
	d := s.selector.Select(uc.Bandit())
	sess.Decision = &d
	out.Style = d.Style

	out.Response = s.generator.Generate(ctx, in, out.Result, d.Style)
	return out, nil
}

func (s *Service) fail(ctx context.Context, sess *Session, dev Devices, logger *slog.Logger, out Outcome, err error) Outcome {
	logger.ErrorContext(ctx, "interaction failed", "error", err)

	if dev.Synthesizer != nil {
		if serr := s.speakApology(ctx, dev.Synthesizer); serr != nil {
			logger.ErrorContext(ctx, "failed to speak apology", "error", serr)
		}
	}

	elapsed := s.settle(sess, true)
	logger.InfoContext(ctx, "interaction ended with error", "elapsed", elapsed)

	out.Response = Apology
	out.Err = err
	return out
}

// speakApology runs inside the recovery path of Handle, so a panicking
// synthesizer is turned into an error here rather than escaping.
func (s *Service) speakApology(ctx context.Context, syn speech.Synthesizer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", speech.ErrSynthesis, r)
		}
	}()
	return speech.Speak(ctx, syn, Apology, s.voice)
}

// settle records the interaction in the tracker and credits the selected
// arm. It runs at most once per session. Override decisions are ignored by
// the selector.
func (s *Service) settle(sess *Session, errorOccurred bool) time.Duration {
	elapsed := s.clock.Now().Sub(sess.StartedAt)
	if sess.settled {
		return elapsed
	}
	sess.settled = true

	s.tracker.Record(sess.TechnicianID, elapsed, errorOccurred, false)
	if sess.Decision != nil {
		s.selector.Record(*sess.Decision, bandit.ImplicitReward(elapsed, errorOccurred, false))
	}
	return elapsed
}

// Stats is a snapshot of the service.
type Stats struct {
	TotalJobs         int          `json:"total_jobs"`
	ActiveTechnicians int          `json:"active_technicians"`
	Bandit            bandit.Stats `json:"bandit"`
}

// Statistics reports job, technician and bandit counters.
func (s *Service) Statistics() Stats {
	return Stats{
		TotalJobs:         s.jobs.Count(),
		ActiveTechnicians: s.tracker.Count(),
		Bandit:            s.selector.Statistics(),
	}
}
