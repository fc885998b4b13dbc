// Package queue carries interaction envelopes between the capture side and
// the processing side. Two transports exist: a local SQLite-backed queue
// and Redis streams.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrTransport wraps every failure talking to the underlying transport.
var ErrTransport = errors.New("transport error")

// MessageType tags what an envelope carries.
type MessageType string

const (
	VoiceInput      MessageType = "voice_input"
	IntentExtracted MessageType = "intent_extracted"
	ActionCompleted MessageType = "action_completed"
	ErrorMessage    MessageType = "error"
)

// Envelope is the unit put on the wire, encoded as JSON.
type Envelope struct {
	MessageID    string            `json:"message_id"`
	Type         MessageType       `json:"message_type"`
	Timestamp    time.Time         `json:"timestamp"`
	Payload      map[string]string `json:"payload"`
	TechnicianID string            `json:"technician_id"`
	SessionID    string            `json:"session_id,omitempty"`
}

// PayloadHandled marks an envelope whose utterance was already processed by
// the sender. Consumers acknowledge such envelopes without reprocessing.
const PayloadHandled = "handled"

// NewVoiceInput wraps an utterance for the given technician and session.
func NewVoiceInput(technicianID, sessionID, text string) Envelope {
	return Envelope{
		MessageID:    uuid.NewString(),
		Type:         VoiceInput,
		Timestamp:    time.Now().UTC(),
		Payload:      map[string]string{"text": text},
		TechnicianID: technicianID,
		SessionID:    sessionID,
	}
}

// Text returns the utterance carried in the payload.
func (e Envelope) Text() string {
	return e.Payload["text"]
}

// Handled reports whether the sender already processed the utterance.
func (e Envelope) Handled() bool {
	return e.Payload[PayloadHandled] == "true"
}

// Encode serializes the envelope.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses and validates an encoded envelope.
func Decode(body []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(body, &e); err != nil {
		return Envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}
	if e.MessageID == "" || e.Type == "" || e.TechnicianID == "" {
		return Envelope{}, fmt.Errorf("decoding envelope: missing message_id, message_type or technician_id")
	}
	return e, nil
}

// Delivery is one received, not yet settled message.
type Delivery struct {
	ID   string
	Body []byte
}

// Sender publishes envelopes.
type Sender interface {
	Send(ctx context.Context, e Envelope) error
	SendBatch(ctx context.Context, es []Envelope) error
}

// Receiver pulls deliveries and settles them. Every delivery must end in
// exactly one Ack or DeadLetter.
type Receiver interface {
	Receive(ctx context.Context, limit int, wait time.Duration) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	DeadLetter(ctx context.Context, d Delivery, reason, description string) error
}

// Stats counts messages by state.
type Stats struct {
	Pending     int64 `json:"pending"`
	InFlight    int64 `json:"in_flight"`
	DeadLetters int64 `json:"dead_letters"`
}

// Transport is a full queue backend.
type Transport interface {
	Sender
	Receiver
	Stats(ctx context.Context) (Stats, error)
	Close() error
}
