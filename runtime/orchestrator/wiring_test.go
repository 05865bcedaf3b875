package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"massgen.dev/massgen/runtime/agent/hooks"
	"massgen.dev/massgen/runtime/agent/plan"
	"massgen.dev/massgen/runtime/agent/stream"
)

func postToolEvent(agentID string) hooks.Event {
	return hooks.Event{Type: hooks.PostToolUse, AgentID: agentID, ToolName: "search"}
}

// With async injection on, a peer answer is queued for mid-stream delivery
// at the peer's next tool boundary instead of cancelling its run.
func TestAsyncInjectionDeliversPeerAnswers(t *testing.T) {
	m := hooks.NewManager()
	o, err := New(Options{
		Agents: map[string]AgentSpec{
			"a": {Backend: &scriptBackend{}},
			"b": {Backend: &scriptBackend{}},
		},
		Config:  Config{AsyncInjection: true},
		Hooks:   m,
		Display: stream.NewBufferSink(),
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = o.NewAnswer(ctx, "a", "plan A")
	require.NoError(t, err)

	// The update reaches b through the registered injector hook, appended
	// to the tool result.
	res := m.Run(ctx, postToolEvent("b"))
	require.Len(t, res.Injections, 1)
	require.Equal(t, hooks.StrategyToolResult, res.Injections[0].Strategy)
	require.Contains(t, res.Injections[0].Content, "agent a")
	require.Contains(t, res.Injections[0].Content, "plan A")

	// Drained once delivered; the sender never sees its own update.
	require.Empty(t, m.Run(ctx, postToolEvent("b")).Injections)
	require.Empty(t, m.Run(ctx, postToolEvent("a")).Injections)

	// No restart was scheduled for the peer.
	o.mu.Lock()
	restartWanted := o.states["b"].restartWanted
	o.mu.Unlock()
	require.False(t, restartWanted)
}

func TestAsyncInjectionHonorsUserMessageStrategy(t *testing.T) {
	m := hooks.NewManager()
	o, err := New(Options{
		Agents: map[string]AgentSpec{
			"a": {Backend: &scriptBackend{}},
			"b": {Backend: &scriptBackend{}},
		},
		Config: Config{
			AsyncInjection:         true,
			AsyncInjectionStrategy: hooks.StrategyUserMessage,
		},
		Hooks:   m,
		Display: stream.NewBufferSink(),
	})
	require.NoError(t, err)

	_, err = o.NewAnswer(context.Background(), "a", "plan A")
	require.NoError(t, err)
	res := m.Run(context.Background(), postToolEvent("b"))
	require.Len(t, res.Injections, 1)
	require.Equal(t, hooks.StrategyUserMessage, res.Injections[0].Strategy)
}

// A run with a plan store allocates a session, logs the coordination events,
// and freezes the winner's workspace; an untouched workspace diffs clean.
func TestPlanStoreRecordsRun(t *testing.T) {
	store, err := plan.NewStore(t.TempDir())
	require.NoError(t, err)

	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "project_plan.json"),
		[]byte(`{"tasks":[{"id":"1","title":"scaffold"},{"id":"2","title":"ship"}]}`), 0o644))

	a := &scriptBackend{turns: []scriptTurn{
		{chunks: answer("the plan")},
		{chunks: vote("a")},
	}}
	o, err := New(Options{
		Agents:  map[string]AgentSpec{"a": {Backend: a, Workspace: ws}},
		Display: stream.NewBufferSink(),
		Plans:   store,
	})
	require.NoError(t, err)

	res, err := o.Run(context.Background(), "plan the project")
	require.NoError(t, err)
	require.True(t, res.Converged)

	sess, err := store.Latest()
	require.NoError(t, err)
	require.Equal(t, plan.StatusReady, sess.Status)
	require.FileExists(t, filepath.Join(sess.Dir, "frozen", "plan.json"))

	diff, err := store.Diff(sess)
	require.NoError(t, err)
	require.Zero(t, diff.DivergenceScore)
	require.Empty(t, diff.TasksAdded)

	raw, err := os.ReadFile(filepath.Join(sess.Dir, "execution_log.jsonl"))
	require.NoError(t, err)
	var events []string
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var rec struct {
			Timestamp string `json:"timestamp"`
			EventType string `json:"event_type"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		require.NotEmpty(t, rec.Timestamp)
		events = append(events, rec.EventType)
	}
	require.Equal(t, []string{"run_started", "answer_submitted", "vote_cast", "final_answer"}, events)
}
