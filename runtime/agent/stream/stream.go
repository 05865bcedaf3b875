// Package stream defines the display event port: the abstract sink every
// runtime component emits user-visible events to. Display events differ from
// backend chunks: chunks are the raw per-agent model output, while display
// events add orchestrator-level context (status transitions, answers, votes,
// convergence) in a wire-friendly shape suitable for terminals, Server-Sent
// Events, WebSockets, or message buses like Pulse.
//
// The core always submits whole events, never partial fields, and treats the
// sink as append-only. Chunks from a single agent stream are delivered in the
// order the backend produced them.
package stream

import (
	"context"

	"massgen.dev/massgen/runtime/agent/model"
)

type (
	// Sink delivers display events to clients over a transport. Implementations
	// must be thread-safe: the orchestrator calls Send concurrently while
	// multiple agents stream in parallel.
	Sink interface {
		// Send publishes an event. The implementation is responsible for
		// marshaling the event into its wire format and for transport-specific
		// delivery semantics (buffering, backpressure).
		Send(ctx context.Context, event Event) error

		// Close releases resources owned by the sink. Close is idempotent; the
		// context bounds graceful shutdown.
		Close(ctx context.Context) error
	}

	// Event describes a display event. All concrete event types embed Base.
	// Sinks use the interface to marshal events generically; consumers
	// type-assert to concrete types for structured field access.
	Event interface {
		// Type returns the event type constant.
		Type() EventType
		// AgentID returns the agent the event concerns, or empty for
		// orchestrator-level events.
		AgentID() string
		// Payload returns the event-specific data in a JSON-serializable form.
		Payload() any
	}

	// EventType identifies the display event category.
	EventType string

	// Base provides a default implementation of Event. Embed it in concrete
	// event types. Field names are abbreviated to minimize clutter when
	// constructing events.
	Base struct {
		// T is the event type constant.
		T EventType
		// A is the agent identifier, empty for orchestrator-level events.
		A string
		// P is the JSON-serializable payload.
		P any
	}

	// AgentChunk carries one backend chunk routed through the orchestrator's
	// fan-in loop. The chunk order per agent matches the backend order.
	AgentChunk struct {
		Base
		// Chunk is the raw backend chunk.
		Chunk model.Chunk
	}

	// AgentStatus reports an agent state transition (waiting, working,
	// answered, voting, completed, error, canceled).
	AgentStatus struct {
		Base
		// Status is the new agent status.
		Status string
	}

	// AnswerSubmitted reports that an agent stored a new answer via the
	// new_answer workflow tool.
	AnswerSubmitted struct {
		Base
		// Content is the submitted answer text.
		Content string
		// Count is the agent's answer count after this submission.
		Count int
	}

	// VoteCast reports a vote recorded via the vote workflow tool.
	VoteCast struct {
		Base
		// TargetID is the agent voted for.
		TargetID string
		// Reason is the voter's stated justification.
		Reason string
	}

	// AgentRestarted reports that an agent's in-flight run was cancelled
	// because peer context changed, and the agent is being relaunched.
	AgentRestarted struct {
		Base
		// Restarts is the number of restarts performed so far, this one included.
		Restarts int
		// Reason explains the restart trigger.
		Reason string
	}

	// BroadcastPosted reports a question injected into peer agents through the
	// broadcast channel.
	BroadcastPosted struct {
		Base
		// RequestID identifies the broadcast request.
		RequestID string
		// Question is the broadcast question text.
		Question string
	}

	// Notice carries a synthetic orchestrator message, such as the
	// announcement that a peer submitted a new answer.
	Notice struct {
		Base
		// Text is the notice content.
		Text string
	}

	// FinalAnswer reports convergence: the winning agent and answer.
	FinalAnswer struct {
		Base
		// WinnerID is the selected agent.
		WinnerID string
		// Content is the winning answer text.
		Content string
		// Votes is the winner's vote count at selection time.
		Votes int
	}

	// AgentError reports a failure scoped to one agent. Failures inside one
	// agent never terminate other agents or the orchestrator.
	AgentError struct {
		Base
		// Message is the failure description.
		Message string
		// Retryable reports whether the agent's turn may be retried.
		Retryable bool
	}
)

// Display event types.
const (
	EventAgentChunk      EventType = "agent_chunk"
	EventAgentStatus     EventType = "agent_status"
	EventAnswerSubmitted EventType = "answer_submitted"
	EventVoteCast        EventType = "vote_cast"
	EventAgentRestarted  EventType = "agent_restarted"
	EventBroadcastPosted EventType = "broadcast_posted"
	EventNotice          EventType = "notice"
	EventFinalAnswer     EventType = "final_answer"
	EventAgentError      EventType = "agent_error"
)

// Type returns the event type constant.
func (b Base) Type() EventType { return b.T }

// AgentID returns the agent identifier, or empty for orchestrator events.
func (b Base) AgentID() string { return b.A }

// Payload returns the JSON-serializable payload.
func (b Base) Payload() any { return b.P }

// NewAgentChunk builds an AgentChunk event.
func NewAgentChunk(agentID string, chunk model.Chunk) *AgentChunk {
	return &AgentChunk{
		Base:  Base{T: EventAgentChunk, A: agentID, P: chunk},
		Chunk: chunk,
	}
}

// NewAgentStatus builds an AgentStatus event.
func NewAgentStatus(agentID, status string) *AgentStatus {
	return &AgentStatus{
		Base:   Base{T: EventAgentStatus, A: agentID, P: map[string]any{"status": status}},
		Status: status,
	}
}

// NewAnswerSubmitted builds an AnswerSubmitted event.
func NewAnswerSubmitted(agentID, content string, count int) *AnswerSubmitted {
	return &AnswerSubmitted{
		Base:    Base{T: EventAnswerSubmitted, A: agentID, P: map[string]any{"content": content, "count": count}},
		Content: content,
		Count:   count,
	}
}

// NewVoteCast builds a VoteCast event.
func NewVoteCast(agentID, targetID, reason string) *VoteCast {
	return &VoteCast{
		Base:     Base{T: EventVoteCast, A: agentID, P: map[string]any{"target_id": targetID, "reason": reason}},
		TargetID: targetID,
		Reason:   reason,
	}
}

// NewAgentRestarted builds an AgentRestarted event.
func NewAgentRestarted(agentID string, restarts int, reason string) *AgentRestarted {
	return &AgentRestarted{
		Base:     Base{T: EventAgentRestarted, A: agentID, P: map[string]any{"restarts": restarts, "reason": reason}},
		Restarts: restarts,
		Reason:   reason,
	}
}

// NewBroadcastPosted builds a BroadcastPosted event.
func NewBroadcastPosted(senderID, requestID, question string) *BroadcastPosted {
	return &BroadcastPosted{
		Base:      Base{T: EventBroadcastPosted, A: senderID, P: map[string]any{"request_id": requestID, "question": question}},
		RequestID: requestID,
		Question:  question,
	}
}

// NewNotice builds a Notice event.
func NewNotice(text string) *Notice {
	return &Notice{
		Base: Base{T: EventNotice, P: map[string]any{"text": text}},
		Text: text,
	}
}

// NewFinalAnswer builds a FinalAnswer event.
func NewFinalAnswer(winnerID, content string, votes int) *FinalAnswer {
	return &FinalAnswer{
		Base:     Base{T: EventFinalAnswer, A: winnerID, P: map[string]any{"winner_id": winnerID, "content": content, "votes": votes}},
		WinnerID: winnerID,
		Content:  content,
		Votes:    votes,
	}
}

// NewAgentError builds an AgentError event.
func NewAgentError(agentID, message string, retryable bool) *AgentError {
	return &AgentError{
		Base:      Base{T: EventAgentError, A: agentID, P: map[string]any{"message": message, "retryable": retryable}},
		Message:   message,
		Retryable: retryable,
	}
}
