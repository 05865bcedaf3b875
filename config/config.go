// Package config loads the MassGen YAML configuration tree, validates it,
// and assembles it into a runnable coordination session. Validation fails
// fast at load time: a missing model, a client tool shadowing a workflow
// tool, or a malformed tool schema is reported before any agent starts.
package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"massgen.dev/massgen/runtime/agent/broadcast"
	"massgen.dev/massgen/runtime/agent/hooks"
	"massgen.dev/massgen/runtime/agent/model"
)

type (
	// File is the root of the configuration tree.
	File struct {
		// Agent configures a single-agent session. Mutually exclusive with
		// Agents.
		Agent *Agent `yaml:"agent"`
		// Agents configures a multi-agent session.
		Agents []*Agent `yaml:"agents"`
		// Orchestrator holds the coordination settings.
		Orchestrator Orchestrator `yaml:"orchestrator"`
		// AgentTemporaryWorkspace is the root under which agents without an
		// explicit workspace get a scratch directory.
		AgentTemporaryWorkspace string `yaml:"agent_temporary_workspace"`
		// Hooks are global hook registrations, applied to every agent.
		Hooks []Hook `yaml:"hooks"`
	}

	// Agent configures one agent.
	Agent struct {
		// ID identifies the agent. Defaults to "agent<N>" by position.
		ID string `yaml:"id"`
		// Backend selects and tunes the provider adapter.
		Backend Backend `yaml:"backend"`
		// Tools are the client tool definitions advertised to the model.
		Tools []Tool `yaml:"tools"`
		// Workspace is the agent's working directory.
		Workspace string `yaml:"workspace"`
	}

	// Backend selects a provider adapter and its per-agent parameters.
	Backend struct {
		// Type is the adapter: "openai", "anthropic", or "bedrock".
		Type string `yaml:"type"`
		// Model is the provider model identifier. Required.
		Model string `yaml:"model"`
		// APIKeyEnv names the environment variable holding the API key.
		// Defaults per adapter (OPENAI_API_KEY, ANTHROPIC_API_KEY).
		APIKeyEnv string `yaml:"api_key_env"`
		// Region is the AWS region for bedrock backends.
		Region string `yaml:"region"`
		// Temperature, MaxTokens, reasoning and web-search flags seed every
		// request issued on this agent's behalf.
		Temperature     float64 `yaml:"temperature"`
		MaxTokens       int     `yaml:"max_tokens"`
		EnableReasoning bool    `yaml:"enable_reasoning"`
		ReasoningBudget int     `yaml:"reasoning_budget"`
		EnableWebSearch bool    `yaml:"enable_web_search"`
		// ContextWindow enables the compression sub-protocol when positive.
		ContextWindow int `yaml:"context_window"`
		// CompressionThreshold and CompressionTarget override the protocol
		// defaults (0.5 and 0.2) when positive.
		CompressionThreshold float64 `yaml:"compression_threshold"`
		CompressionTarget    float64 `yaml:"compression_target"`
		// TailKeep overrides the number of trailing pairs kept verbatim.
		TailKeep int `yaml:"tail_keep"`
		// RateLimitTPM enables the adaptive token-per-minute limiter when
		// positive; RateLimitMaxTPM caps its recovery ceiling.
		RateLimitTPM    float64 `yaml:"rate_limit_tpm"`
		RateLimitMaxTPM float64 `yaml:"rate_limit_max_tpm"`
		// Hooks are registered for this agent only, after global hooks.
		Hooks []Hook `yaml:"hooks"`
	}

	// Tool is a client tool definition. InputSchema is a JSON Schema object;
	// it is compiled at load time so schema errors surface before a session
	// starts.
	Tool struct {
		Name        string         `yaml:"name"`
		Description string         `yaml:"description"`
		InputSchema map[string]any `yaml:"input_schema"`
	}

	// Orchestrator holds the coordination block.
	Orchestrator struct {
		Coordination Coordination `yaml:"coordination"`
		// PlanAndExecute enables the plan session store: each run allocates
		// a session under SnapshotStorage, logs coordination events to it,
		// and freezes the winner's workspace.
		PlanAndExecute bool `yaml:"plan_and_execute"`
		// SnapshotStorage is the root for plan session snapshots. Defaults
		// to .massgen/plans.
		SnapshotStorage string `yaml:"snapshot_storage"`
	}

	// Coordination tunes answer collection, voting, and broadcasts.
	Coordination struct {
		// VotingSensitivity is the fraction of agents that must back the
		// winner. Defaults to 0.5.
		VotingSensitivity float64 `yaml:"voting_sensitivity"`
		// MaxNewAnswersPerAgent caps new_answer calls. Defaults to 3.
		MaxNewAnswersPerAgent int `yaml:"max_new_answers_per_agent"`
		// AnswerNoveltyRequirement is the minimum textual difference a
		// replacement answer must show, in [0,1]. Zero uses the default
		// predicate (non-identical after whitespace normalization).
		AnswerNoveltyRequirement float64 `yaml:"answer_novelty_requirement"`
		// Broadcast is "off", "agents", or "human". Defaults to "off".
		Broadcast string `yaml:"broadcast"`
		// BroadcastTimeout bounds ask_others waits, in milliseconds.
		BroadcastTimeout int `yaml:"broadcast_timeout"`
		// MaxBroadcastsPerAgent caps concurrently active broadcasts per
		// sender.
		MaxBroadcastsPerAgent int `yaml:"max_broadcasts_per_agent"`
		// AsyncSubagents configures subagent result delivery.
		AsyncSubagents AsyncSubagents `yaml:"async_subagents"`
		// PostEvaluation grants the winner one refinement turn before the
		// final answer is emitted.
		PostEvaluation bool `yaml:"post_evaluation"`
		// MaxRestarts caps peer-triggered restarts per agent.
		MaxRestarts int `yaml:"max_restarts"`
	}

	// AsyncSubagents configures how asynchronous subagent results are
	// injected into the parent conversation.
	AsyncSubagents struct {
		Enabled bool `yaml:"enabled"`
		// InjectionStrategy is "tool_result" or "user_message".
		InjectionStrategy string `yaml:"injection_strategy"`
	}

	// Hook registers a built-in hook from configuration. Custom hooks are
	// registered programmatically; configuration can only name built-ins.
	Hook struct {
		// Name identifies the hook in logs. Defaults to the builtin name.
		Name string `yaml:"name"`
		// Builtin selects the hook: "task_reminder" or "deny".
		Builtin string `yaml:"builtin"`
		// Patterns are tool-name globs the hook applies to.
		Patterns []string `yaml:"patterns"`
		// Reason is the message surfaced by the "deny" builtin.
		Reason string `yaml:"reason"`
	}
)

// Backend adapter types.
const (
	BackendOpenAI    = "openai"
	BackendAnthropic = "anthropic"
	BackendBedrock   = "bedrock"
)

// ErrNoAgents reports a file that configures neither agent nor agents.
var ErrNoAgents = errors.New("config: at least one agent is required (agent or agents)")

// AgentList returns the configured agents with positional default ids
// applied. The single-agent and multi-agent forms normalize to the same
// shape.
func (f *File) AgentList() []*Agent {
	list := f.Agents
	if f.Agent != nil {
		list = []*Agent{f.Agent}
	}
	for i, a := range list {
		if a.ID == "" {
			a.ID = fmt.Sprintf("agent%d", i+1)
		}
	}
	return list
}

// Validate checks the tree for the failures that must surface before a
// session starts.
func (f *File) Validate() error {
	if f.Agent != nil && len(f.Agents) > 0 {
		return errors.New("config: agent and agents are mutually exclusive")
	}
	agents := f.AgentList()
	if len(agents) == 0 {
		return ErrNoAgents
	}
	seen := make(map[string]bool, len(agents))
	for _, a := range agents {
		if seen[a.ID] {
			return fmt.Errorf("config: duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
		if err := a.validate(); err != nil {
			return err
		}
	}
	if err := f.Orchestrator.Coordination.validate(); err != nil {
		return err
	}
	for _, h := range f.Hooks {
		if err := h.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) validate() error {
	b := a.Backend
	switch b.Type {
	case BackendOpenAI, BackendAnthropic, BackendBedrock:
	case "":
		return fmt.Errorf("config: agent %q: backend type is required", a.ID)
	default:
		return fmt.Errorf("config: agent %q: unknown backend type %q", a.ID, b.Type)
	}
	if b.Model == "" {
		return fmt.Errorf("config: agent %q: backend model is required", a.ID)
	}
	defs := make([]*model.ToolDefinition, len(a.Tools))
	for i, tl := range a.Tools {
		if tl.Name == "" {
			return fmt.Errorf("config: agent %q: tool %d has no name", a.ID, i)
		}
		if err := compileToolSchema(tl.Name, tl.InputSchema); err != nil {
			return fmt.Errorf("config: agent %q: %w", a.ID, err)
		}
		defs[i] = &model.ToolDefinition{Name: tl.Name}
	}
	if err := model.ValidateToolDefinitions(defs); err != nil {
		return fmt.Errorf("config: agent %q: %w", a.ID, err)
	}
	for _, h := range b.Hooks {
		if err := h.validate(); err != nil {
			return fmt.Errorf("config: agent %q: %w", a.ID, err)
		}
	}
	return nil
}

func (c *Coordination) validate() error {
	if c.VotingSensitivity < 0 || c.VotingSensitivity > 1 {
		return fmt.Errorf("config: voting_sensitivity %v out of [0,1]", c.VotingSensitivity)
	}
	if c.AnswerNoveltyRequirement < 0 || c.AnswerNoveltyRequirement > 1 {
		return fmt.Errorf("config: answer_novelty_requirement %v out of [0,1]", c.AnswerNoveltyRequirement)
	}
	switch broadcast.Mode(c.Broadcast) {
	case "", broadcast.ModeOff, broadcast.ModeAgents, broadcast.ModeHuman:
	default:
		return fmt.Errorf("config: unknown broadcast mode %q", c.Broadcast)
	}
	if s := c.AsyncSubagents.InjectionStrategy; s != "" {
		switch hooks.Strategy(s) {
		case hooks.StrategyToolResult, hooks.StrategyUserMessage:
		default:
			return fmt.Errorf("config: unknown injection_strategy %q", s)
		}
	}
	return nil
}

func (h Hook) validate() error {
	switch h.Builtin {
	case "task_reminder":
		return nil
	case "deny":
		if h.Reason == "" {
			return errors.New("config: deny hook requires a reason")
		}
		if len(h.Patterns) == 0 {
			return errors.New("config: deny hook requires patterns")
		}
		return nil
	case "":
		return errors.New("config: hook builtin is required")
	default:
		return fmt.Errorf("config: unknown hook builtin %q", h.Builtin)
	}
}

// hook materializes the registration as a runtime hook.
func (h Hook) hook() hooks.Hook {
	name := h.Name
	if name == "" {
		name = h.Builtin
	}
	switch h.Builtin {
	case "task_reminder":
		built := hooks.NewTaskReminderHook()
		built.Name = name
		return built
	case "deny":
		reason := h.Reason
		return hooks.Hook{
			Name:     name,
			Type:     hooks.PreToolUse,
			Patterns: h.Patterns,
			Fn: func(context.Context, hooks.Event) (hooks.Result, error) {
				return hooks.Deny(reason), nil
			},
		}
	}
	// validate rejects anything else before this is reached.
	return hooks.Hook{}
}

// BroadcastTimeoutDuration converts the millisecond setting.
func (c *Coordination) BroadcastTimeoutDuration() time.Duration {
	return time.Duration(c.BroadcastTimeout) * time.Millisecond
}
