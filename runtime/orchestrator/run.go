package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/codes"

	"massgen.dev/massgen/runtime/agent/model"
	"massgen.dev/massgen/runtime/agent/stream"
)

// Run answers one user query: primes every agent with it, supervises the
// parallel runs until the vote converges or everyone finishes, and returns
// the selected answer. Only one Run may be open at a time.
func (o *Orchestrator) Run(ctx context.Context, query string) (*Result, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrRunInFlight
	}
	o.running = true
	o.converged = make(chan struct{})
	o.winnerID = ""
	for _, st := range o.states {
		*st = agentState{status: StatusWaiting}
	}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.converged = nil
		o.planSess = nil
		o.mu.Unlock()
	}()

	if o.plans != nil {
		sess, err := o.plans.Create(o.sessionID)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: allocate plan session: %w", err)
		}
		o.mu.Lock()
		o.planSess = sess
		o.mu.Unlock()
		o.logPlan(ctx, "run_started", map[string]any{"query": query})
	}

	ctx, cancel := context.WithCancel(ctx)

	// User cancellation propagates as a cooperative cancel to every agent.
	// Joined before Run returns so a stale cancel can never leak into a
	// later run.
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		<-ctx.Done()
		for _, id := range o.order {
			o.agents[id].Cancel("session cancelled")
		}
	}()
	defer func() {
		cancel()
		<-watcherDone
	}()

	var wg sync.WaitGroup
	for _, id := range o.order {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			o.superviseAgent(ctx, id, query)
		}(id)
	}
	wg.Wait()

	o.mu.Lock()
	winner := o.winnerID
	o.mu.Unlock()

	var res *Result
	if winner != "" {
		o.mu.Lock()
		st := o.states[winner]
		_, votes := o.leaderLocked()
		res = &Result{AgentID: winner, Content: st.currentAnswer.Content, Converged: true, Votes: votes}
		o.mu.Unlock()
		if o.cfg.PostEvaluation {
			if refined := o.postEvaluate(ctx, winner, query); refined != "" {
				res.Content = refined
			}
		}
	} else {
		res = o.fallbackResult()
	}
	if res == nil {
		return nil, fmt.Errorf("orchestrator: no agent produced an answer")
	}

	o.metrics.IncCounter("massgen.runs", 1)
	o.logPlan(ctx, "final_answer", map[string]any{
		"agent_id": res.AgentID, "converged": res.Converged, "votes": res.Votes,
	})
	o.finalizePlan(ctx, res.AgentID)
	o.emit(ctx, stream.NewFinalAnswer(res.AgentID, res.Content, res.Votes))
	return res, nil
}

// finalizePlan freezes the winning agent's workspace into the plan session.
// Skipped when plans are off or the winner has no workspace on disk.
func (o *Orchestrator) finalizePlan(ctx context.Context, winner string) {
	o.mu.Lock()
	sess := o.planSess
	o.mu.Unlock()
	if o.plans == nil || sess == nil {
		return
	}
	ws := o.agents[winner].Workspace()
	if ws == "" {
		return
	}
	if _, err := os.Stat(ws); err != nil {
		o.logger.Warn(ctx, "plan finalize skipped", "agent", winner, "workspace", ws, "err", err)
		return
	}
	if err := o.plans.Finalize(sess, ws); err != nil {
		o.logger.Warn(ctx, "plan finalize failed", "agent", winner, "err", err)
	}
}

// superviseAgent owns one agent's launch/restart cycle for the duration of
// a Run.
func (o *Orchestrator) superviseAgent(ctx context.Context, id, query string) {
	ag := o.agents[id]
	msgs := []*model.Message{model.UserMessage(query)}
	for {
		o.setStatus(ctx, id, StatusWorking)
		turnCtx, span := o.tracer.Start(ctx, "massgen.agent_turn")
		span.AddEvent("turn started", "agent", id)
		s, err := ag.Run(turnCtx, msgs)
		if err != nil {
			span.SetStatus(codes.Error, "launch failed")
			span.RecordError(err)
			span.End()
			o.logger.Error(ctx, "agent launch failed", "agent", id, "err", err)
			o.setStatus(ctx, id, StatusError)
			o.emit(ctx, stream.NewAgentError(id, err.Error(), false))
			o.checkConvergence(ctx)
			return
		}
		o.route(turnCtx, id, s)
		span.End()

		o.mu.Lock()
		st := o.states[id]
		restart := st.restartWanted && st.restarts < o.cfg.MaxRestarts &&
			o.winnerID == "" && ctx.Err() == nil && st.status != StatusError
		if restart {
			st.restartWanted = false
			st.restarts++
		}
		restarts := st.restarts
		o.mu.Unlock()

		if !restart {
			o.finishAgent(ctx, id)
			return
		}
		o.metrics.IncCounter("massgen.restarts", 1, "agent", id)
		o.emit(ctx, stream.NewAgentRestarted(id, restarts, "peer answers updated"))
		msgs = o.restartMessages(id, query)
	}
}

// route relays one stream to the display and folds its chunks into the
// agent's state. Chunks from an agent already completed are dropped except
// the done sentinel.
func (o *Orchestrator) route(ctx context.Context, id string, s model.Streamer) {
	defer s.Close()
	for {
		c, err := s.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			o.logger.Warn(ctx, "stream receive failed", "agent", id, "err", err)
			return
		}

		o.mu.Lock()
		st := o.states[id]
		dropped := st.status == StatusCompleted && c.Type != model.ChunkTypeDone
		if !dropped && c.Type == model.ChunkTypeContent {
			st.transcript.WriteString(c.Text)
		}
		o.mu.Unlock()
		if dropped {
			continue
		}

		o.emit(ctx, stream.NewAgentChunk(id, c))
		if c.Type == model.ChunkTypeError && !c.Retryable {
			o.setStatus(ctx, id, StatusError)
			o.emit(ctx, stream.NewAgentError(id, c.Error, false))
		}
	}
}

// finishAgent records the terminal status once a stream drained with no
// restart pending, and re-checks convergence: a completed agent may be the
// last one the rule was waiting on.
func (o *Orchestrator) finishAgent(ctx context.Context, id string) {
	o.mu.Lock()
	st := o.states[id]
	switch st.status {
	case StatusError, StatusCanceled, StatusCompleted:
	default:
		st.status = StatusCompleted
	}
	status := st.status
	o.mu.Unlock()
	if status == StatusCompleted {
		o.emit(ctx, stream.NewAgentStatus(id, string(StatusCompleted)))
	}
	o.checkConvergence(ctx)
}

func (o *Orchestrator) setStatus(ctx context.Context, id string, status Status) {
	o.mu.Lock()
	o.states[id].status = status
	o.mu.Unlock()
	o.emit(ctx, stream.NewAgentStatus(id, string(status)))
}

// restartMessages rebuilds the priming turn with the peer answers
// currently on file.
func (o *Orchestrator) restartMessages(id, query string) []*model.Message {
	var b strings.Builder
	b.WriteString(query)
	b.WriteString("\n\nOther agents have submitted answers:\n")
	o.mu.Lock()
	for _, peer := range o.order {
		if peer == id {
			continue
		}
		if a := o.states[peer].currentAnswer; a != nil {
			fmt.Fprintf(&b, "\n--- answer from %s ---\n%s\n", peer, a.Content)
		}
	}
	o.mu.Unlock()
	b.WriteString("\nReview them, then either submit a better answer with new_answer or vote for the best one with vote.")
	return []*model.Message{model.UserMessage(b.String())}
}

// postEvaluate gives the winner one extra turn over all answers on file
// and returns the refined text, or empty to keep the original.
func (o *Orchestrator) postEvaluate(ctx context.Context, winner, query string) string {
	type peerAnswer struct {
		AgentID string
		Content string
	}
	data := struct {
		Question string
		Answers  []peerAnswer
	}{Question: query}

	o.mu.Lock()
	for _, id := range o.order {
		if a := o.states[id].currentAnswer; a != nil {
			data.Answers = append(data.Answers, peerAnswer{AgentID: id, Content: a.Content})
		}
	}
	o.mu.Unlock()

	var prompt bytes.Buffer
	if err := o.cfg.PostEvaluationPrompt.Execute(&prompt, data); err != nil {
		o.logger.Warn(ctx, "post-evaluation prompt failed", "err", err)
		return ""
	}

	s, err := o.agents[winner].Run(ctx, []*model.Message{model.UserMessage(prompt.String())})
	if err != nil {
		o.logger.Warn(ctx, "post-evaluation run failed", "agent", winner, "err", err)
		return ""
	}
	defer s.Close()

	var refined strings.Builder
	for {
		c, err := s.Recv()
		if err != nil {
			break
		}
		if c.Type == model.ChunkTypeContent {
			refined.WriteString(c.Text)
		}
		o.emit(ctx, stream.NewAgentChunk(winner, c))
	}
	return strings.TrimSpace(refined.String())
}

// fallbackResult selects an answer when the run ended without convergence:
// the most recent answer on file, or failing that the longest transcript.
func (o *Orchestrator) fallbackResult() *Result {
	o.mu.Lock()
	defer o.mu.Unlock()

	var best string
	for _, id := range o.order {
		a := o.states[id].currentAnswer
		if a == nil {
			continue
		}
		if best == "" || a.At.After(o.states[best].currentAnswer.At) {
			best = id
		}
	}
	if best != "" {
		return &Result{AgentID: best, Content: o.states[best].currentAnswer.Content}
	}
	for _, id := range o.order {
		if text := strings.TrimSpace(o.states[id].transcript.String()); text != "" {
			return &Result{AgentID: id, Content: text}
		}
	}
	return nil
}
