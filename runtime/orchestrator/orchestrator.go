// Package orchestrator supervises N agent runtimes answering one user
// query: it launches them in parallel, fans their chunk streams into the
// display, intercepts the coordination tools (new_answer, vote), restarts
// agents when peers submit new answers, and selects the final answer once
// the vote converges.
//
// One Orchestrator instance runs one query at a time. All coordination
// state (answers, votes, statuses, restart bookkeeping) lives behind its
// lock, scoped to the instance.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/google/uuid"

	"massgen.dev/massgen/runtime/agent/broadcast"
	"massgen.dev/massgen/runtime/agent/hooks"
	"massgen.dev/massgen/runtime/agent/model"
	"massgen.dev/massgen/runtime/agent/plan"
	"massgen.dev/massgen/runtime/agent/runtime"
	"massgen.dev/massgen/runtime/agent/stream"
	"massgen.dev/massgen/runtime/agent/telemetry"
)

type (
	// Status is the coordination state of one agent.
	Status string

	// Answer is an artifact submitted via new_answer.
	Answer struct {
		Content string
		At      time.Time
	}

	// Vote is a recorded vote.
	Vote struct {
		TargetID string
		Reason   string
		At       time.Time
	}

	// AgentState is a snapshot of one agent's coordination state.
	AgentState struct {
		ID            string
		Status        Status
		CurrentAnswer *Answer
		AnswerCount   int
		Vote          *Vote
		Restarts      int
	}

	// AgentSpec describes one agent to spawn.
	AgentSpec struct {
		// Backend produces the agent's model stream. Required.
		Backend model.Backend
		// Tools runs the agent's client tools. Optional.
		Tools runtime.ToolExecutor
		// ToolDefs are the client tool definitions. Names colliding with
		// workflow tools fail construction.
		ToolDefs []*model.ToolDefinition
		// Workspace is the agent's working directory.
		Workspace string
		// Params seeds every backend request for this agent.
		Params model.Request
	}

	// Config is the coordination configuration.
	Config struct {
		// VotingSensitivity is the fraction of agents that must back the
		// winner. Defaults to 0.5; the winner needs
		// ceil(sensitivity × |agents|) votes, at least one.
		VotingSensitivity float64
		// MaxNewAnswers caps new_answer calls per agent. Defaults to 3.
		MaxNewAnswers int
		// Novelty accepts or rejects a replacement answer given the
		// previous one. Defaults to non-identical after whitespace
		// normalization.
		Novelty func(prev, next string) bool
		// MaxRestarts caps peer-triggered restarts per agent. Defaults
		// to 2.
		MaxRestarts int
		// Broadcast is the participation mode for ask_others.
		Broadcast broadcast.Mode
		// BroadcastTimeout bounds broadcast waits.
		BroadcastTimeout time.Duration
		// MaxBroadcastsPerAgent caps concurrently active broadcasts per
		// sender.
		MaxBroadcastsPerAgent int
		// AsyncInjection delivers peer answers mid-stream through the
		// built-in post-tool-use injector while an agent is executing a
		// tool, instead of cancelling and restarting the agent.
		AsyncInjection bool
		// AsyncInjectionStrategy selects how injected updates are delivered.
		// Defaults to tool_result.
		AsyncInjectionStrategy hooks.Strategy
		// PostEvaluation grants the winner one extra turn over all peer
		// answers before the final answer is emitted.
		PostEvaluation bool
		// PostEvaluationPrompt renders that turn's user message. Executed
		// with {Question, Answers}. Defaults to a built-in template.
		PostEvaluationPrompt *template.Template
	}

	// Options configure an Orchestrator.
	Options struct {
		// Agents maps agent id to its spec. Required, at least one.
		Agents map[string]AgentSpec
		// Config is the coordination configuration.
		Config Config
		// Display receives every user-visible event. Optional.
		Display stream.Sink
		// Hooks intercepts tool calls across all agents. Optional.
		Hooks *hooks.Manager
		// Confirm resolves hook "ask" decisions. Optional; without it an
		// ask behaves like allow.
		Confirm runtime.ConfirmPort
		// Human answers human-mode broadcasts. Optional.
		Human broadcast.HumanPort
		// Plans persists plan-and-execute sessions. Optional; when set each
		// Run allocates a session, appends coordination events to its
		// execution log, and freezes the winner's workspace on selection.
		Plans *plan.Store
		// SessionID identifies the coordination session. Defaults to a
		// fresh UUID.
		SessionID string
		// Logger receives orchestrator telemetry. Defaults to a no-op.
		Logger telemetry.Logger
		// Metrics records coordination counters. Defaults to a no-op.
		Metrics telemetry.Metrics
		// Tracer opens spans around agent turns. Defaults to a no-op.
		Tracer telemetry.Tracer
	}

	// Result is the outcome of one Run.
	Result struct {
		// AgentID is the selected agent.
		AgentID string
		// Content is the final answer text.
		Content string
		// Converged reports whether the vote converged (false means the
		// fallback selection was used).
		Converged bool
		// Votes is the winner's vote count at selection time.
		Votes int
	}

	// Orchestrator coordinates the agents for one query at a time.
	Orchestrator struct {
		id        string
		sessionID string
		cfg       Config
		display   stream.Sink
		channel   *broadcast.Channel
		plans     *plan.Store
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		tracer    telemetry.Tracer

		agents map[string]*runtime.Agent
		order  []string

		mu     sync.Mutex
		states map[string]*agentState
		// postedBroadcasts dedupes the per-recipient delivery callback
		// into one display event per request.
		postedBroadcasts map[string]bool
		// converged is closed when the vote converges; winnerID is set
		// under mu first.
		converged chan struct{}
		winnerID  string
		running   bool
		// planSess is the plan session of the current run, nil when plans
		// are off.
		planSess *plan.Session
	}

	// agentState is the mutable per-agent record behind the lock.
	agentState struct {
		status        Status
		currentAnswer *Answer
		answerCount   int
		vote          *Vote
		restarts      int
		// restartWanted is set when a peer answered mid-run; the agent's
		// supervisor loop consumes it after the cancelled stream drains.
		restartWanted bool
		// pendingUpdates holds peer answers awaiting mid-stream injection,
		// drained by the injector hook at the next tool boundary.
		pendingUpdates []string
		// transcript accumulates content chunks, for fallback selection
		// when no agent ever called new_answer.
		transcript strings.Builder
	}
)

// Agent coordination statuses.
const (
	StatusWaiting   Status = "waiting"
	StatusWorking   Status = "working"
	StatusAnswered  Status = "answered"
	StatusVoting    Status = "voting"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCanceled  Status = "canceled"
)

// ErrRunInFlight is returned by Run while a previous run is still open.
var ErrRunInFlight = errors.New("orchestrator: a run is already in flight")

// defaultPostEvaluationPrompt asks the winner to refine its answer given
// everything on file.
var defaultPostEvaluationPrompt = template.Must(template.New("post_evaluation").Parse(
	`The original question was:

{{.Question}}

Your answer was selected by the group. Review the other agents' answers below and produce the final, refined answer.
{{range .Answers}}
--- answer from {{.AgentID}} ---
{{.Content}}
{{end}}`))

// New constructs an Orchestrator and spawns its agent runtimes.
func New(opts Options) (*Orchestrator, error) {
	if len(opts.Agents) == 0 {
		return nil, errors.New("orchestrator: at least one agent is required")
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewNoopTracer()
	}
	if opts.Display == nil {
		opts.Display = stream.NoopSink{}
	}
	if opts.Hooks == nil {
		opts.Hooks = hooks.NewManager()
	}
	cfg := opts.Config
	if cfg.VotingSensitivity <= 0 {
		cfg.VotingSensitivity = 0.5
	}
	if cfg.MaxNewAnswers <= 0 {
		cfg.MaxNewAnswers = 3
	}
	if cfg.Novelty == nil {
		cfg.Novelty = DefaultNovelty
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 2
	}
	if cfg.Broadcast == "" {
		cfg.Broadcast = broadcast.ModeOff
	}
	if cfg.PostEvaluationPrompt == nil {
		cfg.PostEvaluationPrompt = defaultPostEvaluationPrompt
	}

	o := &Orchestrator{
		id:               uuid.NewString(),
		sessionID:        opts.SessionID,
		cfg:              cfg,
		display:          opts.Display,
		plans:            opts.Plans,
		logger:           opts.Logger,
		metrics:          opts.Metrics,
		tracer:           opts.Tracer,
		agents:           make(map[string]*runtime.Agent, len(opts.Agents)),
		states:           make(map[string]*agentState, len(opts.Agents)),
		postedBroadcasts: make(map[string]bool),
	}

	if cfg.AsyncInjection {
		inj := hooks.NewMidStreamInjector(o.drainPeerUpdates, cfg.AsyncInjectionStrategy)
		if err := opts.Hooks.Register(inj); err != nil {
			return nil, err
		}
	}

	ids := make([]string, 0, len(opts.Agents))
	for id := range opts.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	o.order = ids

	if cfg.Broadcast != broadcast.ModeOff {
		ch, err := broadcast.New(broadcast.Options{
			Agents:         ids,
			MaxPerAgent:    cfg.MaxBroadcastsPerAgent,
			DefaultTimeout: cfg.BroadcastTimeout,
			Human:          opts.Human,
			Deliver:        o.deliverBroadcast,
			Logger:         opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		o.channel = ch
	}

	for _, id := range ids {
		spec := opts.Agents[id]
		ag, err := runtime.New(runtime.Options{
			ID:               id,
			SessionID:        o.sessionID,
			OrchestratorID:   o.id,
			Backend:          spec.Backend,
			Workflow:         o,
			Tools:            spec.Tools,
			ToolDefs:         spec.ToolDefs,
			Hooks:            opts.Hooks,
			Confirm:          opts.Confirm,
			Broadcasts:       o.channel,
			BroadcastMode:    cfg.Broadcast,
			BroadcastTimeout: cfg.BroadcastTimeout,
			Workspace:        spec.Workspace,
			Params:           spec.Params,
			Logger:           opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		o.agents[id] = ag
		o.states[id] = &agentState{status: StatusWaiting}
	}
	return o, nil
}

// SessionID returns the coordination session identifier.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// State returns a snapshot of one agent's coordination state.
func (o *Orchestrator) State(agentID string) (AgentState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.states[agentID]
	if !ok {
		return AgentState{}, fmt.Errorf("orchestrator: unknown agent %q", agentID)
	}
	return o.snapshotLocked(agentID, st), nil
}

func (o *Orchestrator) snapshotLocked(id string, st *agentState) AgentState {
	snap := AgentState{
		ID:          id,
		Status:      st.status,
		AnswerCount: st.answerCount,
		Restarts:    st.restarts,
	}
	if st.currentAnswer != nil {
		a := *st.currentAnswer
		snap.CurrentAnswer = &a
	}
	if st.vote != nil {
		v := *st.vote
		snap.Vote = &v
	}
	return snap
}

// deliverBroadcast routes an injected broadcast into the recipient's queue
// and surfaces it on the display.
func (o *Orchestrator) deliverBroadcast(agentID string, req broadcast.Request) {
	if ag, ok := o.agents[agentID]; ok {
		ag.InjectBroadcast(req)
	}
	o.mu.Lock()
	seen := o.postedBroadcasts[req.ID]
	o.postedBroadcasts[req.ID] = true
	o.mu.Unlock()
	if !seen {
		o.emit(context.Background(), stream.NewBroadcastPosted(req.SenderID, req.ID, req.Question))
	}
}

// drainPeerUpdates removes and returns the agent's pending mid-stream
// updates, joined for injection. It is the fetch callback of the built-in
// mid-stream injector hook.
func (o *Orchestrator) drainPeerUpdates(_ context.Context, agentID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.states[agentID]
	if !ok || len(st.pendingUpdates) == 0 {
		return ""
	}
	updates := st.pendingUpdates
	st.pendingUpdates = nil
	return strings.Join(updates, "\n\n")
}

// logPlan appends one event to the current plan session's execution log.
// A no-op when plan-and-execute is off.
func (o *Orchestrator) logPlan(ctx context.Context, eventType string, data any) {
	o.mu.Lock()
	sess := o.planSess
	o.mu.Unlock()
	if o.plans == nil || sess == nil {
		return
	}
	if err := o.plans.LogEvent(sess, eventType, data); err != nil {
		o.logger.Warn(ctx, "plan log append failed", "event", eventType, "err", err)
	}
}

// emit submits one whole event to the display.
func (o *Orchestrator) emit(ctx context.Context, ev stream.Event) {
	if err := o.display.Send(ctx, ev); err != nil {
		o.logger.Warn(ctx, "display send failed", "event", string(ev.Type()), "err", err)
	}
}
