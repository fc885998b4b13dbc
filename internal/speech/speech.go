// Package speech defines the capture and synthesis boundaries and the
// retry policy around them. Engines plug in behind Recognizer and Synthesizer.
package speech

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/fielddispatch/internal/retry"
)

var (
	// ErrCapture is returned when no utterance could be captured.
	ErrCapture = errors.New("speech capture failed")

	// ErrSynthesis is returned when text could not be spoken.
	ErrSynthesis = errors.New("speech synthesis failed")

	// ErrClosed is returned by a Recognizer whose input has ended for good.
	// Capture does not retry it.
	ErrClosed = errors.New("speech input closed")

	errSilence = errors.New("no speech detected")
)

const (
	DefaultVoice      = "en-US-DavisNeural"
	DefaultMaxRetries = 3
	DefaultTimeout    = 10 * time.Second

	silenceBackoff = 500 * time.Millisecond
	errorBackoff   = time.Second
)

// Recognizer turns one utterance into text. An empty string means silence.
type Recognizer interface {
	Recognize(ctx context.Context) (string, error)
}

// Synthesizer speaks text aloud.
type Synthesizer interface {
	Speak(ctx context.Context, text string, opts Options) error
}

// Rate is the speaking rate.
type Rate string

const (
	RateSlow    Rate = "slow"
	RateDefault Rate = "default"
	RateFast    Rate = "fast"
)

// Options tune synthesis.
type Options struct {
	Voice string
	Rate  Rate
}

func (o Options) withDefaults() Options {
	if o.Voice == "" {
		o.Voice = DefaultVoice
	}
	if o.Rate == "" {
		o.Rate = RateDefault
	}
	return o
}

// CaptureConfig bounds Capture.
type CaptureConfig struct {
	MaxRetries int
	Timeout    time.Duration
	Clock      retry.Clock
}

// Capture listens for one utterance, retrying on silence and on recognizer
// errors. Each attempt is bounded by cfg.Timeout.
func Capture(ctx context.Context, r Recognizer, cfg CaptureConfig) (string, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	var text string
	policy := retry.Policy{
		MaxAttempts: cfg.MaxRetries,
		Clock:       cfg.Clock,
		Backoff: func(_ int, err error) time.Duration {
			if errors.Is(err, errSilence) {
				return silenceBackoff
			}
			return errorBackoff
		},
	}
	err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		actx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()

		got, err := r.Recognize(actx)
		if errors.Is(err, ErrClosed) {
			return retry.Permanent(err)
		}
		if err != nil {
			return err
		}
		if strings.TrimSpace(got) == "" {
			return errSilence
		}
		text = strings.TrimSpace(got)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCapture, err)
	}
	return text, nil
}

// Speak synthesizes text. Blank text is a no-op.
func Speak(ctx context.Context, s Synthesizer, text string, opts Options) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if err := s.Speak(ctx, text, opts.withDefaults()); err != nil {
		return fmt.Errorf("%w: %w", ErrSynthesis, err)
	}
	return nil
}

// ParseRate accepts slow, default or fast.
func ParseRate(s string) (Rate, error) {
	switch r := Rate(strings.ToLower(s)); r {
	case RateSlow, RateDefault, RateFast:
		return r, nil
	case "":
		return RateDefault, nil
	}
	return "", fmt.Errorf("unknown speech rate %q (valid: slow, default, fast)", s)
}
