package hooks

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Manager holds hook registrations at global and per-agent scope and runs
// them at the two hook points. It is safe for concurrent use: agents fire
// hooks in parallel while registrations are (rarely) added.
type Manager struct {
	mu       sync.RWMutex
	global   []Hook
	perAgent map[string][]Hook
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{perAgent: make(map[string][]Hook)}
}

// Register adds a global hook, applied to every tool call of every agent.
// Hooks run in registration order.
func (m *Manager) Register(h Hook) error {
	if h.Fn == nil {
		return errors.New("hooks: hook callback is required")
	}
	if h.Type != PreToolUse && h.Type != PostToolUse {
		return fmt.Errorf("hooks: unknown hook type %q", h.Type)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global = append(m.global, h)
	return nil
}

// RegisterForAgent adds a hook applied only to one agent's tool calls.
// Per-agent hooks run after global hooks, in registration order.
func (m *Manager) RegisterForAgent(agentID string, h Hook) error {
	if agentID == "" {
		return errors.New("hooks: agent id is required")
	}
	if h.Fn == nil {
		return errors.New("hooks: hook callback is required")
	}
	if h.Type != PreToolUse && h.Type != PostToolUse {
		return fmt.Errorf("hooks: unknown hook type %q", h.Type)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perAgent[agentID] = append(m.perAgent[agentID], h)
	return nil
}

// Run fires all matching hooks for the event and aggregates their results:
//
//   - Decision: deny wins over ask, ask wins over allow. The first deny's
//     reason is kept.
//   - UpdatedInput: applied sequentially; later hooks observe the rewritten
//     input and the last rewrite wins.
//   - Injections: concatenated grouped by strategy (tool_result first, then
//     user_message), preserving registration order within each group.
//   - Failures: any error or panic is recorded in Errors and the hook is
//     treated as allow with no injection.
func (m *Manager) Run(ctx context.Context, ev Event) Result {
	m.mu.RLock()
	hooks := make([]Hook, 0, len(m.global)+len(m.perAgent[ev.AgentID]))
	hooks = append(hooks, m.global...)
	hooks = append(hooks, m.perAgent[ev.AgentID]...)
	m.mu.RUnlock()

	agg := Result{Decision: DecisionAllow}
	var toolResult, userMessage []Injection

	for _, h := range hooks {
		if h.Type != ev.Type || !h.Matches(ev.ToolName) {
			continue
		}
		res, err := runOne(ctx, h, ev)
		if err != nil {
			agg.Errors = append(agg.Errors, fmt.Errorf("hook %q: %w", h.Name, err))
			continue
		}
		switch res.Decision {
		case DecisionDeny:
			if agg.Decision != DecisionDeny {
				agg.Decision = DecisionDeny
				agg.Reason = res.Reason
			}
		case DecisionAsk:
			if agg.Decision == DecisionAllow {
				agg.Decision = DecisionAsk
				agg.Reason = res.Reason
			}
		}
		if res.UpdatedInput != "" {
			agg.UpdatedInput = res.UpdatedInput
			ev.ToolInput = res.UpdatedInput
		}
		for _, inj := range res.Injections {
			if inj.Content == "" {
				continue
			}
			switch inj.Strategy {
			case StrategyUserMessage:
				userMessage = append(userMessage, inj)
			default:
				// tool_result is the default strategy.
				inj.Strategy = StrategyToolResult
				toolResult = append(toolResult, inj)
			}
		}
		agg.Errors = append(agg.Errors, res.Errors...)
	}

	agg.Injections = append(toolResult, userMessage...)
	return agg
}

// runOne executes a single hook, converting panics into errors so a broken
// hook cannot take down the agent.
func runOne(ctx context.Context, h Hook, ev Event) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	res, err = h.Fn(ctx, ev)
	if err == nil && res.Decision == "" {
		res.Decision = DecisionAllow
	}
	return res, err
}
