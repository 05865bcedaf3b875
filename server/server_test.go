package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"massgen.dev/massgen/runtime/agent/stream"
	"massgen.dev/massgen/runtime/orchestrator"
)

type fakeSession struct {
	display stream.Sink
	events  []stream.Event
	result  *orchestrator.Result
	err     error
}

func (f *fakeSession) Run(ctx context.Context, _ string) (*orchestrator.Result, error) {
	for _, ev := range f.events {
		_ = f.display.Send(ctx, ev)
	}
	return f.result, f.err
}

// newTestServer wires a stub session factory and records the specs it saw.
func newTestServer(t *testing.T, sess *fakeSession, sessErr error) (*Server, *[]SessionSpec) {
	t.Helper()
	var specs []SessionSpec
	s, err := New(Options{
		ConfigPath: "/etc/massgen/default.yaml",
		NewSession: func(_ context.Context, spec SessionSpec) (Session, error) {
			specs = append(specs, spec)
			if sessErr != nil {
				return nil, sessErr
			}
			sess.display = spec.Display
			return sess, nil
		},
	})
	require.NoError(t, err)
	return s, &specs
}

func postJSON(t *testing.T, h http.Handler, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(raw))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestChatCompletionNonStreaming(t *testing.T) {
	sess := &fakeSession{result: &orchestrator.Result{AgentID: "a1", Content: "final text", Converged: true}}
	s, specs := newTestServer(t, sess, nil)

	w := postJSON(t, s.Handler(), ChatCompletionRequest{
		Model:    "massgen/model:gpt-5-mini",
		Messages: []ChatMessage{{Role: "user", Content: "what is 2+2?"}},
	})

	require.Equal(t, http.StatusOK, w.Code)
	var resp ChatCompletion
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "chat.completion", resp.Object)
	require.Len(t, resp.Choices, 1)
	require.Equal(t, "assistant", resp.Choices[0].Message.Role)
	require.Equal(t, "final text", resp.Choices[0].Message.Content)
	require.Equal(t, "stop", resp.Choices[0].FinishReason)

	require.Len(t, *specs, 1)
	require.Equal(t, "/etc/massgen/default.yaml", (*specs)[0].ConfigPath)
	require.Equal(t, "gpt-5-mini", (*specs)[0].ModelOverride)
}

func TestChatCompletionStreaming(t *testing.T) {
	sess := &fakeSession{
		events: []stream.Event{
			stream.NewVoteCast("a2", "a1", "clearer"),
			stream.NewFinalAnswer("a1", "the answer is 4", 2),
		},
		result: &orchestrator.Result{AgentID: "a1", Content: "the answer is 4", Converged: true},
	}
	s, _ := newTestServer(t, sess, nil)

	w := postJSON(t, s.Handler(), ChatCompletionRequest{
		Model:    "massgen/path:/tmp/team.yaml",
		Stream:   true,
		Messages: []ChatMessage{{Role: "user", Content: "what is 2+2?"}},
	})

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	lines := sseDataLines(t, w.Body.String())
	require.GreaterOrEqual(t, len(lines), 3)
	require.Equal(t, "[DONE]", lines[len(lines)-1])

	var sawVote, sawContent, sawStop bool
	var content strings.Builder
	for _, line := range lines[:len(lines)-1] {
		var chunk ChatCompletionChunk
		require.NoError(t, json.Unmarshal([]byte(line), &chunk))
		require.Equal(t, "chat.completion.chunk", chunk.Object)
		for _, ev := range chunk.Events {
			if ev.Type == "vote_cast" {
				sawVote = true
			}
		}
		require.Len(t, chunk.Choices, 1)
		if c := chunk.Choices[0].Delta.Content; c != "" {
			sawContent = true
			content.WriteString(c)
		}
		if chunk.Choices[0].FinishReason == "stop" {
			sawStop = true
		}
	}
	require.True(t, sawVote)
	require.True(t, sawContent)
	require.True(t, sawStop)
	require.Equal(t, "the answer is 4", content.String())
}

func TestStreamingSplitsLongFinalAnswer(t *testing.T) {
	long := strings.Repeat("x", 250)
	sess := &fakeSession{
		events: []stream.Event{stream.NewFinalAnswer("a1", long, 1)},
		result: &orchestrator.Result{AgentID: "a1", Content: long},
	}
	s, _ := newTestServer(t, sess, nil)

	w := postJSON(t, s.Handler(), ChatCompletionRequest{
		Model:    "massgen/path:/tmp/team.yaml",
		Stream:   true,
		Messages: []ChatMessage{{Role: "user", Content: "go"}},
	})

	var deltas int
	var content strings.Builder
	lines := sseDataLines(t, w.Body.String())
	for _, line := range lines[:len(lines)-1] {
		var chunk ChatCompletionChunk
		require.NoError(t, json.Unmarshal([]byte(line), &chunk))
		if c := chunk.Choices[0].Delta.Content; c != "" {
			deltas++
			content.WriteString(c)
		}
	}
	require.Equal(t, 3, deltas) // 100 + 100 + 50 runes
	require.Equal(t, long, content.String())
}

func TestReservedToolNamesRejected(t *testing.T) {
	s, _ := newTestServer(t, &fakeSession{}, nil)

	w := postJSON(t, s.Handler(), ChatCompletionRequest{
		Model:    "gpt-5",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
		Tools: []ChatToolParam{
			{Type: "function", Function: ChatFunction{Name: "new_answer"}},
			{Type: "function", Function: ChatFunction{Name: "vote"}},
			{Type: "function", Function: ChatFunction{Name: "read_file"}},
		},
	})

	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp struct {
		Error      string   `json:"error"`
		Collisions []string `json:"collisions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Contains(t, resp.Error, "reserved")
	require.ElementsMatch(t, []string{"new_answer", "vote"}, resp.Collisions)
}

func TestModelPathSelectsConfig(t *testing.T) {
	sess := &fakeSession{result: &orchestrator.Result{Content: "ok"}}
	s, specs := newTestServer(t, sess, nil)

	w := postJSON(t, s.Handler(), ChatCompletionRequest{
		Model:    "massgen/path:/srv/team.yaml",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "/srv/team.yaml", (*specs)[0].ConfigPath)
	require.Empty(t, (*specs)[0].ModelOverride)
}

func TestRequiresUserMessage(t *testing.T) {
	s, _ := newTestServer(t, &fakeSession{}, nil)
	w := postJSON(t, s.Handler(), ChatCompletionRequest{
		Model:    "gpt-5",
		Messages: []ChatMessage{{Role: "system", Content: "be brief"}},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConfigurationErrorFailsFast(t *testing.T) {
	s, _ := newTestServer(t, &fakeSession{}, errors.New("config: path \"/bad\" does not resolve to a file"))
	w := postJSON(t, s.Handler(), ChatCompletionRequest{
		Model:    "massgen/path:/bad",
		Messages: []ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "does not resolve")
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, &fakeSession{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/v1/chat/completions", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

// sseDataLines extracts the payloads of every "data:" line in order.
func sseDataLines(t *testing.T, body string) []string {
	t.Helper()
	var lines []string
	for _, line := range strings.Split(body, "\n") {
		if after, ok := strings.CutPrefix(line, "data: "); ok {
			lines = append(lines, after)
		}
	}
	require.NotEmpty(t, lines)
	return lines
}
