// Package pulse exposes a stream.Sink implementation that publishes
// coordination display events to goa.design/pulse streams backed by Redis.
// Services build a Redis client, wrap it in the pulse client, and hand the
// resulting sink to the orchestrator; frontends subscribe to the session
// stream to render live agent output.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"massgen.dev/massgen/features/display/pulse/clients/pulse"
	"massgen.dev/massgen/runtime/agent/stream"
)

type (
	// Options configures the Pulse sink.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client pulse.Client
		// SessionID names the coordination session; events are published to
		// the stream "session/<SessionID>". Required.
		SessionID string
		// MarshalEnvelope overrides the envelope serialization (primarily for
		// tests).
		MarshalEnvelope func(envelope) ([]byte, error)
	}

	// Sink publishes display events into a Pulse stream. Safe for concurrent
	// Send calls.
	Sink struct {
		client    pulse.Client
		streamID  string
		sessionID string
		marshal   func(envelope) ([]byte, error)
	}

	// envelope wraps display events for transmission over Pulse streams.
	envelope struct {
		// Type identifies the event kind (e.g., "agent_chunk", "vote_cast").
		Type string `json:"type"`
		// AgentID is the event's subject agent, when any.
		AgentID string `json:"agent_id,omitempty"`
		// SessionID links the event to the coordination session.
		SessionID string `json:"session_id"`
		// Timestamp records when the event was published (UTC).
		Timestamp time.Time `json:"timestamp"`
		// Payload contains the event-specific data, if any.
		Payload any `json:"payload,omitempty"`
	}
)

// NewSink constructs a Pulse-backed display sink.
func NewSink(opts Options) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.SessionID == "" {
		return nil, errors.New("session id is required")
	}
	marshal := opts.MarshalEnvelope
	if marshal == nil {
		marshal = defaultMarshal
	}
	return &Sink{
		client:    opts.Client,
		streamID:  fmt.Sprintf("session/%s", opts.SessionID),
		sessionID: opts.SessionID,
		marshal:   marshal,
	}, nil
}

// Send publishes the event to the session's Pulse stream.
func (s *Sink) Send(ctx context.Context, event stream.Event) error {
	handle, err := s.client.Stream(s.streamID)
	if err != nil {
		return err
	}
	env := envelope{
		Type:      string(event.Type()),
		AgentID:   event.AgentID(),
		SessionID: s.sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   event.Payload(),
	}
	payload, err := s.marshal(env)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, env.Type, payload); err != nil {
		return err
	}
	return nil
}

// Close releases resources owned by the sink.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

func defaultMarshal(env envelope) ([]byte, error) {
	return json.Marshal(env)
}
