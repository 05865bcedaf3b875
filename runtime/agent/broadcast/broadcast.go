// Package broadcast implements the question/response bus agents use to
// consult each other (and optionally a human) mid-turn. One Channel is
// scoped to one orchestrator instance; all state lives behind its lock,
// never in package globals.
//
// The channel enforces two safety rules at create time: a per-sender cap
// on concurrently active broadcasts, and a deadlock guard that rejects a
// new broadcast while the sender still owes a response to someone else.
// Together they make the "everyone waits for everyone" cycle impossible.
package broadcast

import (
	"context"
	"fmt"
	"time"
)

type (
	// Mode selects who participates in a broadcast.
	Mode string

	// Status is the lifecycle state of one broadcast request. Transitions
	// are monotonic: pending → collecting → {complete, timeout, cancelled}.
	Status string

	// Request describes one broadcast question.
	Request struct {
		// ID is the channel-assigned request identifier.
		ID string
		// SenderID is the asking agent.
		SenderID string
		// Question is the text delivered to every other participant.
		Question string
		// CreatedAt is the allocation time.
		CreatedAt time.Time
		// Timeout bounds the sender's wait for responses.
		Timeout time.Duration
		// Mode is the participation mode the request was created with.
		Mode Mode
		// ExpectedCount is how many responses complete the request.
		ExpectedCount int
		// ReceivedCount is how many responses counted toward completion.
		ReceivedCount int
		// Status is the current lifecycle state.
		Status Status
	}

	// Response is one participant's answer to a broadcast.
	Response struct {
		// RequestID identifies the broadcast being answered.
		RequestID string
		// ResponderID identifies the answering agent, or the human port.
		ResponderID string
		// Content is the answer text.
		Content string
		// At is the collection time.
		At time.Time
		// IsHuman marks responses collected from the human port.
		IsHuman bool
	}

	// StatusInfo is the snapshot returned by Channel.Status.
	StatusInfo struct {
		// Status is the current lifecycle state.
		Status Status
		// Received and Expected count responses toward completion.
		Received int
		Expected int
		// WaitingFor lists participants that have not responded yet.
		WaitingFor []string
	}

	// HumanPort collects a human answer for human-mode broadcasts. Ask
	// blocks until the human replies or ctx is done.
	HumanPort interface {
		Ask(ctx context.Context, question string) (string, error)
	}

	// PendingBroadcastError rejects a create while the sender owes a
	// response to another agent's broadcast.
	PendingBroadcastError struct {
		// AgentID is the agent whose create was rejected.
		AgentID string
		// PendingSender is the agent whose broadcast must be answered first.
		PendingSender string
		// PendingID is the unanswered request.
		PendingID string
	}

	// RateLimitError rejects a create once the sender reaches the cap on
	// concurrently active broadcasts.
	RateLimitError struct {
		AgentID string
		Limit   int
	}
)

// Participation modes.
const (
	ModeOff    Mode = "off"
	ModeAgents Mode = "agents"
	ModeHuman  Mode = "human"
)

// Lifecycle states.
const (
	StatusPending    Status = "pending"
	StatusCollecting Status = "collecting"
	StatusComplete   Status = "complete"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
)

// DefaultTimeout bounds a broadcast wait when the request does not carry
// its own timeout.
const DefaultTimeout = 60 * time.Second

// Error implements error. The message names the pending sender so the
// model can route its next respond_to_broadcast call.
func (e *PendingBroadcastError) Error() string {
	return fmt.Sprintf("broadcast: PENDING_BROADCAST: agent %q must answer the pending broadcast from %q (request %s) before asking others",
		e.AgentID, e.PendingSender, e.PendingID)
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("broadcast: agent %q already has %d active broadcast(s), the configured maximum", e.AgentID, e.Limit)
}

// terminal reports whether the status admits no further transition.
func (s Status) terminal() bool {
	return s == StatusComplete || s == StatusTimeout || s == StatusCancelled
}
