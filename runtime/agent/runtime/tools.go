package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"massgen.dev/massgen/runtime/agent/broadcast"
	"massgen.dev/massgen/runtime/agent/hooks"
	"massgen.dev/massgen/runtime/agent/model"
)

// execTool runs one tool call through the hook chain and returns the
// continuation messages: the tool result, then any user_message-strategy
// injections as synthetic user messages. The tool_result chunk is emitted
// on out so the display sees tool activity as it happens.
func (a *Agent) execTool(ctx context.Context, call model.ToolCall, out chan<- model.Chunk) []*model.Message {
	pre := a.hooks.Run(ctx, a.hookEvent(hooks.PreToolUse, call.Name, call.Arguments, ""))
	a.logHookErrors(ctx, call.Name, pre.Errors)
	input := call.Arguments
	if pre.UpdatedInput != "" {
		input = pre.UpdatedInput
	}

	var output string
	if blocked, reason := a.gate(ctx, pre, call.Name, input); blocked {
		output = toolError(fmt.Errorf("blocked by hook: %s", reason))
	} else {
		result, err := a.invoke(ctx, call.Name, input)
		if err != nil {
			a.logger.Warn(ctx, "tool failed", "agent", a.id, "tool", call.Name, "err", err)
			output = toolError(err)
		} else {
			output = result
		}
	}

	post := a.hooks.Run(ctx, a.hookEvent(hooks.PostToolUse, call.Name, input, output))
	a.logHookErrors(ctx, call.Name, post.Errors)

	var userNotes []string
	for _, inj := range post.Injections {
		switch inj.Strategy {
		case hooks.StrategyToolResult:
			output += "\n\n" + inj.Content
		case hooks.StrategyUserMessage:
			userNotes = append(userNotes, inj.Content)
		}
	}

	emit(ctx, out, model.ToolResultChunk(call.ID, output))
	msgs := []*model.Message{model.ToolResultMessage(call.ID, output)}
	for _, note := range userNotes {
		msgs = append(msgs, model.UserMessage(note))
	}
	return msgs
}

// gate resolves the PreToolUse decision. Deny blocks outright; ask asks the
// confirmation port synchronously and blocks on refusal or failure. Without
// a port, ask behaves like allow.
func (a *Agent) gate(ctx context.Context, pre hooks.Result, tool, input string) (blocked bool, reason string) {
	switch pre.Decision {
	case hooks.DecisionDeny:
		return true, pre.Reason
	case hooks.DecisionAsk:
		if a.confirm == nil {
			return false, ""
		}
		ok, err := a.confirm.Confirm(ctx, a.id, tool, input, pre.Reason)
		if err != nil {
			a.logger.Warn(ctx, "confirmation failed", "agent", a.id, "tool", tool, "err", err)
			return true, fmt.Sprintf("confirmation unavailable: %s", err)
		}
		if !ok {
			return true, fmt.Sprintf("declined by user: %s", pre.Reason)
		}
	}
	return false, ""
}

// invoke dispatches a call: workflow tools are handled here, everything
// else goes to the client tool executor.
func (a *Agent) invoke(ctx context.Context, name, input string) (string, error) {
	if model.IsWorkflowTool(name) {
		return a.workflowTool(ctx, name, input)
	}
	if a.tools == nil {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	return a.tools.Execute(ctx, name, input)
}

func (a *Agent) workflowTool(ctx context.Context, name, input string) (string, error) {
	switch name {
	case model.ToolNewAnswer:
		var args struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(input), &args); err != nil {
			return "", fmt.Errorf("new_answer: %w", err)
		}
		return a.workflow.NewAnswer(ctx, a.id, args.Content)

	case model.ToolVote:
		var args struct {
			TargetID string `json:"target_id"`
			AgentID  string `json:"agent_id"`
			Reason   string `json:"reason"`
		}
		if err := json.Unmarshal([]byte(input), &args); err != nil {
			return "", fmt.Errorf("vote: %w", err)
		}
		target := args.TargetID
		if target == "" {
			target = args.AgentID
		}
		return a.workflow.Vote(ctx, a.id, target, args.Reason)

	case model.ToolAskOthers:
		return a.askOthers(ctx, input)

	case model.ToolRespondToBroadcast:
		return a.respondToBroadcast(input)

	case model.ToolCheckBroadcastStatus:
		var args struct {
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal([]byte(input), &args); err != nil {
			return "", fmt.Errorf("check_broadcast_status: %w", err)
		}
		if a.broadcasts == nil {
			return "", errBroadcastsOff
		}
		info, err := a.broadcasts.Status(args.RequestID)
		if err != nil {
			return "", err
		}
		return marshalResult(map[string]any{
			"status":      info.Status,
			"received":    info.Received,
			"expected":    info.Expected,
			"waiting_for": info.WaitingFor,
		})

	case model.ToolGetBroadcastResponses:
		var args struct {
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal([]byte(input), &args); err != nil {
			return "", fmt.Errorf("get_broadcast_responses: %w", err)
		}
		if a.broadcasts == nil {
			return "", errBroadcastsOff
		}
		status, responses, err := a.broadcasts.Responses(args.RequestID)
		if err != nil {
			return "", err
		}
		return marshalResult(map[string]any{
			"status":    status,
			"responses": responseList(responses),
		})

	default:
		return "", fmt.Errorf("workflow tool %q not implemented", name)
	}
}

// askOthers creates, injects, and waits on a broadcast in one call, which
// is how the model consumes the bus.
func (a *Agent) askOthers(ctx context.Context, input string) (string, error) {
	if a.broadcasts == nil || a.broadcastMode == broadcast.ModeOff {
		return "", errBroadcastsOff
	}
	var args struct {
		Question string `json:"question"`
		Timeout  int64  `json:"timeout_ms"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", fmt.Errorf("ask_others: %w", err)
	}
	timeout := a.broadcastWait
	if args.Timeout > 0 {
		timeout = time.Duration(args.Timeout) * time.Millisecond
	}

	id, err := a.broadcasts.Create(a.id, args.Question, a.broadcastMode, timeout)
	if err != nil {
		return "", err
	}
	if err := a.broadcasts.Inject(ctx, id); err != nil {
		return "", err
	}
	status, responses, err := a.broadcasts.Wait(ctx, id, timeout)
	if err != nil {
		return "", err
	}
	return marshalResult(map[string]any{
		"request_id": id,
		"status":     status,
		"responses":  responseList(responses),
	})
}

func (a *Agent) respondToBroadcast(input string) (string, error) {
	if a.broadcasts == nil {
		return "", errBroadcastsOff
	}
	var args struct {
		RequestID string `json:"request_id"`
		Content   string `json:"content"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		return "", fmt.Errorf("respond_to_broadcast: %w", err)
	}
	id := args.RequestID
	if id == "" {
		// Default to the oldest broadcast the agent still owes.
		pending := a.broadcasts.PendingFor(a.id)
		if len(pending) == 0 {
			return "", fmt.Errorf("no pending broadcast to respond to")
		}
		id = pending[0].ID
	}
	if err := a.broadcasts.Collect(id, a.id, args.Content, false); err != nil {
		return "", err
	}
	return marshalResult(map[string]any{"request_id": id, "recorded": true})
}

func (a *Agent) hookEvent(typ hooks.Type, tool, input, output string) hooks.Event {
	return hooks.Event{
		Type:           typ,
		SessionID:      a.sessionID,
		OrchestratorID: a.orchestratorID,
		AgentID:        a.id,
		At:             time.Now(),
		ToolName:       tool,
		ToolInput:      input,
		ToolOutput:     output,
	}
}

func (a *Agent) logHookErrors(ctx context.Context, tool string, errs []error) {
	for _, err := range errs {
		a.logger.Warn(ctx, "hook failed", "agent", a.id, "tool", tool, "err", err)
	}
}

// turnTools returns the definitions advertised for the next stream: the
// client tools plus the coordination tools, with the broadcast set only
// when a channel is wired.
func (a *Agent) turnTools() []*model.ToolDefinition {
	defs := make([]*model.ToolDefinition, 0, len(a.toolDefs)+6)
	defs = append(defs, a.toolDefs...)
	defs = append(defs,
		&model.ToolDefinition{
			Name:        model.ToolNewAnswer,
			Description: "Submit or replace your answer to the original question.",
			InputSchema: objectSchema(map[string]any{
				"content": map[string]any{"type": "string", "description": "The full answer text."},
			}, "content"),
		},
		&model.ToolDefinition{
			Name:        model.ToolVote,
			Description: "Vote for the agent whose current answer should be final.",
			InputSchema: objectSchema(map[string]any{
				"target_id": map[string]any{"type": "string", "description": "Agent id to vote for."},
				"reason":    map[string]any{"type": "string", "description": "Why this answer wins."},
			}, "target_id"),
		},
	)
	if a.broadcasts != nil && a.broadcastMode != broadcast.ModeOff {
		defs = append(defs,
			&model.ToolDefinition{
				Name:        model.ToolAskOthers,
				Description: "Ask the other agents a question and wait for their responses.",
				InputSchema: objectSchema(map[string]any{
					"question": map[string]any{"type": "string"},
				}, "question"),
			},
			&model.ToolDefinition{
				Name:        model.ToolRespondToBroadcast,
				Description: "Answer a pending question from another agent.",
				InputSchema: objectSchema(map[string]any{
					"request_id": map[string]any{"type": "string"},
					"content":    map[string]any{"type": "string"},
				}, "content"),
			},
			&model.ToolDefinition{
				Name:        model.ToolCheckBroadcastStatus,
				Description: "Check how many responses a broadcast has collected.",
				InputSchema: objectSchema(map[string]any{
					"request_id": map[string]any{"type": "string"},
				}, "request_id"),
			},
			&model.ToolDefinition{
				Name:        model.ToolGetBroadcastResponses,
				Description: "Fetch the responses collected for a broadcast.",
				InputSchema: objectSchema(map[string]any{
					"request_id": map[string]any{"type": "string"},
				}, "request_id"),
			},
		)
	}
	return defs
}

var errBroadcastsOff = fmt.Errorf("broadcasts are not enabled for this session")

func objectSchema(props map[string]any, required ...string) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// toolError renders an error as the structured JSON tool result the model
// receives. Tool failures never terminate the stream.
func toolError(err error) string {
	raw, mErr := json.Marshal(map[string]string{"error": err.Error()})
	if mErr != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return string(raw)
}

func marshalResult(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func responseList(responses []broadcast.Response) []map[string]any {
	list := make([]map[string]any, 0, len(responses))
	for _, r := range responses {
		list = append(list, map[string]any{
			"responder_id": r.ResponderID,
			"content":      r.Content,
			"is_human":     r.IsHuman,
		})
	}
	return list
}
