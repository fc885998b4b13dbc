package speech

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
)

// Console reads utterances as lines from an input stream, one per
// Recognize call. End of input surfaces as ErrClosed.
type Console struct {
	once      sync.Once
	closeOnce sync.Once
	in        io.Reader
	lines     chan string
	done      chan struct{}
	err       error
}

// NewConsole creates a console microphone over r.
func NewConsole(r io.Reader) *Console {
	return &Console{in: r, lines: make(chan string), done: make(chan struct{})}
}

func (c *Console) start() {
	go func() {
		defer close(c.lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case c.lines <- sc.Text():
			case <-c.done:
				return
			}
		}
		c.err = sc.Err()
	}()
}

// Close stops the reader goroutine once its pending read returns. Later
// Recognize calls report ErrClosed.
func (c *Console) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// Recognize implements Recognizer.
func (c *Console) Recognize(ctx context.Context) (string, error) {
	select {
	case <-c.done:
		return "", ErrClosed
	default:
	}
	c.once.Do(c.start)
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		return "", ErrClosed
	case line, ok := <-c.lines:
		if !ok {
			if c.err != nil {
				return "", fmt.Errorf("%w: %w", ErrClosed, c.err)
			}
			return "", ErrClosed
		}
		return line, nil
	}
}

// Speaker writes spoken text to an output stream.
type Speaker struct {
	mu  sync.Mutex
	out io.Writer
}

// NewSpeaker creates a console speaker over w.
func NewSpeaker(w io.Writer) *Speaker {
	return &Speaker{out: w}
}

// Speak implements Synthesizer.
func (s *Speaker) Speak(_ context.Context, text string, opts Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.out, "[%s] %s\n", opts.Voice, text)
	return err
}

// Text is a Recognizer that yields a fixed utterance, used when the text is
// already known (HTTP and MCP callers).
type Text string

// Recognize implements Recognizer.
func (t Text) Recognize(context.Context) (string, error) {
	return string(t), nil
}

// Buffer is a Synthesizer that records what would have been spoken.
type Buffer struct {
	mu     sync.Mutex
	spoken []string
}

// Speak implements Synthesizer.
func (b *Buffer) Speak(_ context.Context, text string, _ Options) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spoken = append(b.spoken, text)
	return nil
}

// Spoken returns everything spoken so far, oldest first.
func (b *Buffer) Spoken() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.spoken...)
}
