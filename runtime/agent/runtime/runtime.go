// Package runtime executes one agent: a single backend stream at a time,
// the tool loop around it, and the coordination plumbing: workflow tools
// routed to the orchestrator, broadcast questions queued and injected
// between turns, cooperative cancellation via the restart token.
//
// Agents are single-threaded inside: at most one run, one tool, one hook
// chain at a time. Parallelism lives above, in the orchestrator, which
// runs one Agent per configured model.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"massgen.dev/massgen/runtime/agent/broadcast"
	"massgen.dev/massgen/runtime/agent/hooks"
	"massgen.dev/massgen/runtime/agent/model"
	"massgen.dev/massgen/runtime/agent/telemetry"
)

type (
	// ToolExecutor runs non-workflow tools (MCP servers, local functions).
	// The result string is returned to the model verbatim; an error is
	// converted into a structured tool error, never a stream failure.
	ToolExecutor interface {
		Execute(ctx context.Context, name, input string) (string, error)
	}

	// WorkflowSink receives the coordination tools the orchestrator
	// intercepts. Implementations return the text handed back to the model
	// as the tool result; an error becomes a structured tool error (a
	// protocol violation never terminates the stream).
	WorkflowSink interface {
		NewAnswer(ctx context.Context, agentID, content string) (string, error)
		Vote(ctx context.Context, agentID, targetID, reason string) (string, error)
	}

	// ConfirmPort is the UI side of the hook "ask" decision: it is consulted
	// synchronously before an ask-gated tool call runs. Returning false skips
	// the call the way a deny does.
	ConfirmPort interface {
		Confirm(ctx context.Context, agentID, toolName, input, reason string) (bool, error)
	}

	// Options configure an Agent.
	Options struct {
		// ID is the agent identifier. Required.
		ID string
		// SessionID and OrchestratorID scope hook events.
		SessionID      string
		OrchestratorID string
		// Backend produces the model stream. Required.
		Backend model.Backend
		// Workflow receives intercepted coordination tools. Required.
		Workflow WorkflowSink
		// Tools runs client tools. Optional; without it any non-workflow
		// call returns a tool error.
		Tools ToolExecutor
		// ToolDefs are the client tool definitions advertised to the model.
		// Names colliding with workflow tools are rejected by New.
		ToolDefs []*model.ToolDefinition
		// Hooks intercepts tool calls. Optional.
		Hooks *hooks.Manager
		// Confirm resolves hook "ask" decisions. Optional; without it an ask
		// behaves like allow.
		Confirm ConfirmPort
		// Broadcasts is the shared question bus. Optional; without it the
		// broadcast tools return a tool error.
		Broadcasts *broadcast.Channel
		// BroadcastMode is the participation mode used by ask_others.
		BroadcastMode broadcast.Mode
		// BroadcastTimeout bounds ask_others waits. Zero uses the channel
		// default.
		BroadcastTimeout time.Duration
		// Workspace is the agent's working directory.
		Workspace string
		// Params seeds every backend request (model name, temperature,
		// token and reasoning budgets). Messages and Tools are overwritten
		// per turn.
		Params model.Request
		// Logger receives runtime telemetry. Defaults to a no-op.
		Logger telemetry.Logger
	}

	// Agent runs one model with its own workspace and broadcast queue.
	Agent struct {
		id             string
		sessionID      string
		orchestratorID string
		backend        model.Backend
		workflow       WorkflowSink
		tools          ToolExecutor
		toolDefs       []*model.ToolDefinition
		hooks          *hooks.Manager
		confirm        ConfirmPort
		broadcasts     *broadcast.Channel
		broadcastMode  broadcast.Mode
		broadcastWait  time.Duration
		workspace      string
		params         model.Request
		logger         telemetry.Logger

		mu           sync.Mutex
		queue        []broadcast.Request
		restartToken int
		cancelReason string
		running      bool
		// turnCancel aborts the in-flight backend stream so ctx-aware
		// providers stop promptly rather than at the next chunk boundary.
		turnCancel context.CancelFunc
	}
)

// ErrRunInFlight is returned by Run while a previous run is still open.
var ErrRunInFlight = errors.New("runtime: agent already has a run in flight")

// New constructs an Agent, validating that client tools do not shadow the
// reserved workflow tool names.
func New(opts Options) (*Agent, error) {
	if opts.ID == "" {
		return nil, errors.New("runtime: agent id is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("runtime: backend is required")
	}
	if opts.Workflow == nil {
		return nil, errors.New("runtime: workflow sink is required")
	}
	if err := model.ValidateToolDefinitions(opts.ToolDefs); err != nil {
		return nil, fmt.Errorf("runtime: agent %q: %w", opts.ID, err)
	}
	if opts.Hooks == nil {
		opts.Hooks = hooks.NewManager()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.BroadcastMode == "" {
		opts.BroadcastMode = broadcast.ModeOff
	}
	return &Agent{
		id:             opts.ID,
		sessionID:      opts.SessionID,
		orchestratorID: opts.OrchestratorID,
		backend:        opts.Backend,
		workflow:       opts.Workflow,
		tools:          opts.Tools,
		toolDefs:       opts.ToolDefs,
		hooks:          opts.Hooks,
		confirm:        opts.Confirm,
		broadcasts:     opts.Broadcasts,
		broadcastMode:  opts.BroadcastMode,
		broadcastWait:  opts.BroadcastTimeout,
		workspace:      opts.Workspace,
		params:         opts.Params,
		logger:         opts.Logger,
	}, nil
}

// ID returns the agent identifier.
func (a *Agent) ID() string { return a.id }

// Workspace returns the agent's working directory.
func (a *Agent) Workspace() string { return a.workspace }

// Cancel raises the restart token. The in-flight run (if any) finishes
// with an error chunk carrying reason and retryable=true, then done.
func (a *Agent) Cancel(reason string) {
	a.mu.Lock()
	a.restartToken++
	a.cancelReason = reason
	cancel := a.turnCancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (a *Agent) setTurnCancel(cancel context.CancelFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turnCancel = cancel
}

// InjectBroadcast appends an incoming question to the agent's queue. The
// queue is drained into synthetic user messages at the next turn boundary.
// It has the signature of broadcast.Options.Deliver so a channel can route
// directly into a set of agents.
func (a *Agent) InjectBroadcast(req broadcast.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = append(a.queue, req)
}

// token returns the current restart token.
func (a *Agent) token() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.restartToken
}

// cancelledSince reports whether Cancel was called after the token was
// taken, returning the recorded reason.
func (a *Agent) cancelledSince(token int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.restartToken == token {
		return "", false
	}
	reason := a.cancelReason
	if reason == "" {
		reason = "cancelled"
	}
	return reason, true
}

// drainQueue removes and returns the pending broadcast questions.
func (a *Agent) drainQueue() []broadcast.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	q := a.queue
	a.queue = nil
	return q
}

func (a *Agent) setRunning(v bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v && a.running {
		return false
	}
	a.running = v
	return true
}
