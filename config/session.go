package config

import (
	"context"
	"path/filepath"

	"massgen.dev/massgen/runtime/agent/broadcast"
	"massgen.dev/massgen/runtime/agent/hooks"
	"massgen.dev/massgen/runtime/agent/model"
	"massgen.dev/massgen/runtime/agent/plan"
	"massgen.dev/massgen/runtime/agent/runtime"
	"massgen.dev/massgen/runtime/agent/stream"
	"massgen.dev/massgen/runtime/agent/telemetry"
	"massgen.dev/massgen/runtime/orchestrator"
)

// DefaultSnapshotStorage is where plan sessions land when the file enables
// plan_and_execute without naming a snapshot_storage root.
const DefaultSnapshotStorage = ".massgen/plans"

// SessionOptions supplies the runtime collaborators a configuration file
// cannot express.
type SessionOptions struct {
	// Display receives every user-visible event. Optional.
	Display stream.Sink
	// Human answers human-mode broadcasts. Required when the file sets
	// broadcast: human.
	Human broadcast.HumanPort
	// Confirm resolves hook "ask" decisions. Optional; without it an ask
	// behaves like allow.
	Confirm runtime.ConfirmPort
	// Tools maps agent id to its client tool executor. Optional.
	Tools map[string]runtime.ToolExecutor
	// ModelOverride replaces every agent's model identifier when non-empty.
	ModelOverride string
	// SessionID identifies the coordination session. Defaults to a fresh
	// UUID.
	SessionID string
	// Logger, Metrics, and Tracer receive coordination telemetry. Default
	// to no-ops.
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
	// NewBackend overrides backend construction, primarily for tests.
	// Defaults to NewBackend.
	NewBackend func(ctx context.Context, b Backend) (model.Backend, error)
}

// Session assembles a runnable orchestrator from a validated file.
func (f *File) Session(ctx context.Context, opts SessionOptions) (*orchestrator.Orchestrator, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	newBackend := opts.NewBackend
	if newBackend == nil {
		newBackend = NewBackend
	}

	mgr := hooks.NewManager()
	for _, h := range f.Hooks {
		if err := mgr.Register(h.hook()); err != nil {
			return nil, err
		}
	}

	agents := make(map[string]orchestrator.AgentSpec)
	for _, a := range f.AgentList() {
		b := a.Backend
		if opts.ModelOverride != "" {
			b.Model = opts.ModelOverride
		}
		backend, err := newBackend(ctx, b)
		if err != nil {
			return nil, err
		}
		for _, h := range b.Hooks {
			if err := mgr.RegisterForAgent(a.ID, h.hook()); err != nil {
				return nil, err
			}
		}
		workspace := a.Workspace
		if workspace == "" && f.AgentTemporaryWorkspace != "" {
			workspace = filepath.Join(f.AgentTemporaryWorkspace, a.ID)
		}
		agents[a.ID] = orchestrator.AgentSpec{
			Backend:   backend,
			Tools:     opts.Tools[a.ID],
			ToolDefs:  toolDefinitions(a.Tools),
			Workspace: workspace,
			Params:    b.Params(),
		}
	}

	var plans *plan.Store
	if f.Orchestrator.PlanAndExecute {
		root := f.Orchestrator.SnapshotStorage
		if root == "" {
			root = DefaultSnapshotStorage
		}
		var err error
		if plans, err = plan.NewStore(root); err != nil {
			return nil, err
		}
	}

	coord := f.Orchestrator.Coordination
	return orchestrator.New(orchestrator.Options{
		Agents: agents,
		Config: orchestrator.Config{
			VotingSensitivity:      coord.VotingSensitivity,
			MaxNewAnswers:          coord.MaxNewAnswersPerAgent,
			Novelty:                orchestrator.NoveltyFloor(coord.AnswerNoveltyRequirement),
			MaxRestarts:            coord.MaxRestarts,
			Broadcast:              broadcast.Mode(coord.Broadcast),
			BroadcastTimeout:       coord.BroadcastTimeoutDuration(),
			MaxBroadcastsPerAgent:  coord.MaxBroadcastsPerAgent,
			AsyncInjection:         coord.AsyncSubagents.Enabled,
			AsyncInjectionStrategy: hooks.Strategy(coord.AsyncSubagents.InjectionStrategy),
			PostEvaluation:         coord.PostEvaluation,
		},
		Display:   opts.Display,
		Hooks:     mgr,
		Confirm:   opts.Confirm,
		Human:     opts.Human,
		Plans:     plans,
		SessionID: opts.SessionID,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
		Tracer:    opts.Tracer,
	})
}

func toolDefinitions(tools []Tool) []*model.ToolDefinition {
	if len(tools) == 0 {
		return nil
	}
	defs := make([]*model.ToolDefinition, len(tools))
	for i, t := range tools {
		defs[i] = &model.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}
	return defs
}
