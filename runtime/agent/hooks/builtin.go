package hooks

import (
	"context"
	"encoding/json"
)

// HighPriorityReminder is the paragraph injected when an agent reports a
// high-priority task as completed. Delivered as a synthetic user message so
// it stands out from tool output.
const HighPriorityReminder = "Reminder: you just completed a high-priority task. " +
	"Before moving on, double-check the result against the original requirement, " +
	"note any follow-up work it created, and surface anything that still blocks " +
	"the overall goal."

// NewMidStreamInjector builds the built-in PostToolUse hook that delivers
// cross-agent updates accumulated while the agent was executing a tool. The
// fetch callback returns the pending update text for the agent, or empty when
// nothing accumulated. An empty strategy delivers the update appended to the
// tool's own result.
func NewMidStreamInjector(fetch func(ctx context.Context, agentID string) string, strategy Strategy) Hook {
	if strategy == "" {
		strategy = StrategyToolResult
	}
	return Hook{
		Name: "midstream_injection",
		Type: PostToolUse,
		Fn: func(ctx context.Context, ev Event) (Result, error) {
			update := fetch(ctx, ev.AgentID)
			if update == "" {
				return Allow(), nil
			}
			return Inject(update, strategy), nil
		},
	}
}

// NewTaskReminderHook builds the built-in PostToolUse hook that watches task
// status tools and injects HighPriorityReminder when a high-priority task is
// reported completed.
func NewTaskReminderHook() Hook {
	return Hook{
		Name:     "high_priority_task_reminder",
		Type:     PostToolUse,
		Patterns: []string{"*update_task_status", "*complete_task"},
		Fn: func(_ context.Context, ev Event) (Result, error) {
			var input struct {
				Priority string `json:"priority"`
				Status   string `json:"status"`
			}
			if err := json.Unmarshal([]byte(ev.ToolInput), &input); err != nil {
				// Malformed input is the tool's problem, not ours.
				return Allow(), nil
			}
			if input.Status == "" && matchesComplete(ev.ToolName) {
				input.Status = "completed"
			}
			if input.Priority != "high" || input.Status != "completed" {
				return Allow(), nil
			}
			return Inject(HighPriorityReminder, StrategyUserMessage), nil
		},
	}
}

func matchesComplete(tool string) bool {
	return Hook{Patterns: []string{"*complete_task"}}.Matches(tool)
}
