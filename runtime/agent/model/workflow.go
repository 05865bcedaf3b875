package model

import (
	"fmt"
	"sort"
	"strings"
)

// Workflow tool names. These are interpreted by the orchestrator and the
// broadcast channel rather than forwarded to a generic tool runner, and are
// therefore reserved: any client-provided tool that collides is rejected with
// a configuration error before the stream begins.
const (
	ToolNewAnswer             = "new_answer"
	ToolVote                  = "vote"
	ToolAskOthers             = "ask_others"
	ToolRespondToBroadcast    = "respond_to_broadcast"
	ToolCheckBroadcastStatus  = "check_broadcast_status"
	ToolGetBroadcastResponses = "get_broadcast_responses"
)

var reservedToolNames = map[string]struct{}{
	ToolNewAnswer:             {},
	ToolVote:                  {},
	ToolAskOthers:             {},
	ToolRespondToBroadcast:    {},
	ToolCheckBroadcastStatus:  {},
	ToolGetBroadcastResponses: {},
}

// ReservedToolNames returns the workflow tool names in sorted order.
func ReservedToolNames() []string {
	names := make([]string, 0, len(reservedToolNames))
	for n := range reservedToolNames {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IsWorkflowTool reports whether name is a reserved workflow tool.
func IsWorkflowTool(name string) bool {
	_, ok := reservedToolNames[name]
	return ok
}

// ToolNameCollisionError reports client tool definitions whose names collide
// with the reserved workflow tools.
type ToolNameCollisionError struct {
	// Collisions lists the offending names in sorted order.
	Collisions []string
}

// Error implements the error interface.
func (e *ToolNameCollisionError) Error() string {
	return fmt.Sprintf("model: tool names collide with reserved workflow tools: %s",
		strings.Join(e.Collisions, ", "))
}

// ValidateToolDefinitions rejects client tool definitions that collide with
// the reserved workflow tool names. It returns a *ToolNameCollisionError
// listing every collision, or nil when the definitions are clean.
func ValidateToolDefinitions(defs []*ToolDefinition) error {
	var collisions []string
	seen := make(map[string]struct{})
	for _, def := range defs {
		if def == nil {
			continue
		}
		if !IsWorkflowTool(def.Name) {
			continue
		}
		if _, dup := seen[def.Name]; dup {
			continue
		}
		seen[def.Name] = struct{}{}
		collisions = append(collisions, def.Name)
	}
	if len(collisions) == 0 {
		return nil
	}
	sort.Strings(collisions)
	return &ToolNameCollisionError{Collisions: collisions}
}
