// Package server exposes the coordination runtime behind an OpenAI-compatible
// HTTP adapter. POST /v1/chat/completions accepts the standard request shape;
// the model string selects the configuration: "massgen/path:<yaml_path>"
// loads that file, "massgen/model:<model>" overrides every agent's model in
// the server's default configuration.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"massgen.dev/massgen/config"
	"massgen.dev/massgen/runtime/agent/model"
	"massgen.dev/massgen/runtime/agent/stream"
	"massgen.dev/massgen/runtime/agent/telemetry"
	"massgen.dev/massgen/runtime/orchestrator"
)

type (
	// Session runs one coordinated query. Satisfied by
	// *orchestrator.Orchestrator.
	Session interface {
		Run(ctx context.Context, query string) (*orchestrator.Result, error)
	}

	// SessionSpec describes the session a request asked for.
	SessionSpec struct {
		// ConfigPath is the configuration file to load.
		ConfigPath string
		// ModelOverride replaces every agent's model when non-empty.
		ModelOverride string
		// Display receives the run's display events.
		Display stream.Sink
	}

	// Options configures the server.
	Options struct {
		// ConfigPath is the default configuration, used when the request does
		// not carry a massgen/path: model string.
		ConfigPath string
		// Logger receives request telemetry. Defaults to a no-op.
		Logger telemetry.Logger
		// NewSession overrides session construction, primarily for tests.
		NewSession func(ctx context.Context, spec SessionSpec) (Session, error)
	}

	// Server is the OpenAI-compatible HTTP adapter.
	Server struct {
		configPath string
		logger     telemetry.Logger
		newSession func(ctx context.Context, spec SessionSpec) (Session, error)
	}
)

// New constructs a Server.
func New(opts Options) (*Server, error) {
	if opts.ConfigPath == "" && opts.NewSession == nil {
		return nil, errors.New("server: a default config path is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	s := &Server{
		configPath: opts.ConfigPath,
		logger:     opts.Logger,
		newSession: opts.NewSession,
	}
	if s.newSession == nil {
		s.newSession = newConfigSession
	}
	return s, nil
}

// newConfigSession loads the configuration file and assembles the
// orchestrator it describes.
func newConfigSession(ctx context.Context, spec SessionSpec) (Session, error) {
	f, err := config.Load(spec.ConfigPath)
	if err != nil {
		return nil, err
	}
	return f.Session(ctx, config.SessionOptions{
		Display:       spec.Display,
		ModelOverride: spec.ModelOverride,
	})
}

// Handler returns the HTTP handler serving the OpenAI-compatible surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	return mux
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
		return
	}
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error(), nil)
		return
	}
	if collisions := reservedCollisions(req.Tools); len(collisions) > 0 {
		writeError(w, http.StatusBadRequest, "tool names collide with reserved workflow tools", collisions)
		return
	}
	query := lastUserMessage(req.Messages)
	if query == "" {
		writeError(w, http.StatusBadRequest, "at least one user message is required", nil)
		return
	}
	sel := parseModelString(req.Model)
	path := sel.ConfigPath
	if path == "" {
		path = s.configPath
	}

	ctx := r.Context()
	if req.Stream {
		s.streamCompletion(ctx, w, req, path, sel.ModelOverride, query)
		return
	}
	s.completion(ctx, w, req, path, sel.ModelOverride, query)
}

func (s *Server) completion(ctx context.Context, w http.ResponseWriter, req ChatCompletionRequest, path, override, query string) {
	sess, err := s.newSession(ctx, SessionSpec{
		ConfigPath:    path,
		ModelOverride: override,
		Display:       stream.NoopSink{},
	})
	if err != nil {
		// Configuration problems fail fast, before any agent starts.
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	res, err := sess.Run(ctx, query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, ChatCompletion{
		ID:      newCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []CompletionChoice{{
			Message:      ChatMessage{Role: "assistant", Content: res.Content},
			FinishReason: "stop",
		}},
	})
}

func (s *Server) streamCompletion(ctx context.Context, w http.ResponseWriter, req ChatCompletionRequest, path, override, query string) {
	streamer, err := newSSEStreamer(w, req.Model)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), nil)
		return
	}
	sess, err := s.newSession(ctx, SessionSpec{
		ConfigPath:    path,
		ModelOverride: override,
		Display:       streamer,
	})
	if err != nil {
		// The SSE headers are not committed until the first write, so the
		// configuration failure can still use plain HTTP framing.
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if _, err := sess.Run(ctx, query); err != nil {
		s.logger.Warn(ctx, "run failed", "err", err)
		streamer.writeError(err.Error())
		streamer.writeDone()
		return
	}
	includeUsage := req.StreamOptions != nil && req.StreamOptions.IncludeUsage
	streamer.writeFinal(includeUsage)
}

// reservedCollisions lists request tool names that shadow workflow tools.
func reservedCollisions(tools []ChatToolParam) []string {
	var collisions []string
	seen := make(map[string]bool)
	for _, t := range tools {
		name := t.Function.Name
		if name == "" || seen[name] {
			continue
		}
		if model.IsWorkflowTool(name) {
			collisions = append(collisions, name)
			seen[name] = true
		}
	}
	return collisions
}

// lastUserMessage extracts the query: the content of the final user message.
func lastUserMessage(msgs []ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string, collisions []string) {
	writeJSON(w, status, errorResponse{Error: msg, Collisions: collisions})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
