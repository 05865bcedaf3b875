// Package hooks provides pre/post tool-call interception for agent runs.
// Hooks are registered globally (every tool call of every agent) or per
// agent (additionally, after global hooks), and can block a call, rewrite
// its input, or inject extra content into the conversation after it runs.
//
// The framework is fail-open: any panic or error inside a hook is caught,
// recorded on the aggregated result, and treated as allow with no injection,
// so a misbehaving hook can never stall an agent.
package hooks

import (
	"context"
	"path"
	"time"
)

type (
	// Type identifies a hook point.
	Type string

	// Decision determines how the tool call proceeds after PreToolUse hooks.
	Decision string

	// Strategy selects where injected content is delivered.
	Strategy string

	// Event carries the context of one hook invocation.
	Event struct {
		// Type is the hook point being fired.
		Type Type
		// SessionID identifies the coordination session.
		SessionID string
		// OrchestratorID identifies the orchestrator instance.
		OrchestratorID string
		// AgentID identifies the agent executing the tool.
		AgentID string
		// At is the invocation time.
		At time.Time
		// ToolName is the tool being called.
		ToolName string
		// ToolInput is the serialized tool arguments. For PreToolUse hooks
		// running after an earlier hook rewrote the input, this is the
		// rewritten value.
		ToolInput string
		// ToolOutput is the tool result, set only for PostToolUse events.
		ToolOutput string
	}

	// Injection is extra content contributed by a PostToolUse hook.
	Injection struct {
		// Content is the injected text.
		Content string
		// Strategy selects delivery: appended to the tool's own result, or as
		// a separate synthetic user message immediately after it.
		Strategy Strategy
	}

	// Result aggregates the outcome of running all matching hooks at one
	// hook point.
	Result struct {
		// Decision is allow, deny, or ask. Deny skips the tool call and
		// surfaces Reason to the model as the tool result. Ask behaves like
		// allow but requires synchronous UI confirmation before running.
		Decision Decision
		// Reason explains a deny or ask decision.
		Reason string
		// UpdatedInput replaces the tool arguments when non-empty and the
		// decision allows execution.
		UpdatedInput string
		// Injections lists injected contents grouped by strategy: all
		// tool_result injections first, then user_message, preserving
		// registration order within each group.
		Injections []Injection
		// Errors records hook failures absorbed by the fail-open policy so
		// the caller can log partial failures.
		Errors []error
	}

	// Func is a hook callback. Returning an error (or panicking) marks the
	// hook failed without affecting the tool call.
	Func func(ctx context.Context, ev Event) (Result, error)

	// Hook is a registered interceptor. A hook fires when its Type matches
	// the event and any of its Patterns matches the tool name.
	Hook struct {
		// Name identifies the hook in logs and error messages.
		Name string
		// Type is the hook point this hook listens on.
		Type Type
		// Patterns are tool-name globs ("*" wildcards allowed, e.g.
		// "*update_task_status"). Empty means every tool.
		Patterns []string
		// Fn is the callback.
		Fn Func
	}
)

// Hook points.
const (
	PreToolUse  Type = "PreToolUse"
	PostToolUse Type = "PostToolUse"
)

// Decisions.
const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
	DecisionAsk   Decision = "ask"
)

// Injection strategies.
const (
	StrategyToolResult  Strategy = "tool_result"
	StrategyUserMessage Strategy = "user_message"
)

// Matches reports whether the hook applies to the given tool name.
func (h Hook) Matches(tool string) bool {
	if len(h.Patterns) == 0 {
		return true
	}
	for _, p := range h.Patterns {
		if p == "" || p == "*" {
			return true
		}
		if ok, err := path.Match(p, tool); err == nil && ok {
			return true
		}
	}
	return false
}

// Allow is the zero-effect result: execution continues unchanged.
func Allow() Result {
	return Result{Decision: DecisionAllow}
}

// Deny blocks the tool call; reason is surfaced to the model as the tool
// result.
func Deny(reason string) Result {
	return Result{Decision: DecisionDeny, Reason: reason}
}

// Ask allows execution pending synchronous UI confirmation.
func Ask(reason string) Result {
	return Result{Decision: DecisionAsk, Reason: reason}
}

// Inject builds an allow result carrying one injection.
func Inject(content string, strategy Strategy) Result {
	return Result{Decision: DecisionAllow, Injections: []Injection{{Content: content, Strategy: strategy}}}
}
