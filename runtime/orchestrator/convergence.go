package orchestrator

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"massgen.dev/massgen/runtime/agent/stream"
)

// DefaultNovelty is the default answer-novelty predicate: a replacement is
// novel when it differs from the previous answer after lowercasing and
// collapsing whitespace.
func DefaultNovelty(prev, next string) bool {
	return normalize(prev) != normalize(next)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NoveltyFloor builds a novelty predicate that requires the replacement to
// differ from the previous answer by at least min, measured as one minus the
// Jaccard similarity of the two word sets. A non-positive min falls back to
// DefaultNovelty.
func NoveltyFloor(min float64) func(prev, next string) bool {
	if min <= 0 {
		return DefaultNovelty
	}
	return func(prev, next string) bool {
		return 1-wordJaccard(prev, next) >= min
	}
}

func wordJaccard(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 && len(wb) == 0 {
		return 1
	}
	var both int
	for w := range wa {
		if _, ok := wb[w]; ok {
			both++
		}
	}
	union := len(wa) + len(wb) - both
	return float64(both) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		set[w] = struct{}{}
	}
	return set
}

// NewAnswer implements runtime.WorkflowSink. It records the answer,
// triggers peer restarts, and re-checks convergence. Protocol violations
// (cap exceeded, novelty failure) are returned as errors and become the
// tool result, never a stream failure.
func (o *Orchestrator) NewAnswer(ctx context.Context, agentID, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("new_answer: content is required")
	}

	o.mu.Lock()
	st, ok := o.states[agentID]
	if !ok {
		o.mu.Unlock()
		return "", fmt.Errorf("new_answer: unknown agent %q", agentID)
	}
	if st.answerCount >= o.cfg.MaxNewAnswers {
		o.mu.Unlock()
		return "", fmt.Errorf("new_answer: limit of %d answers reached", o.cfg.MaxNewAnswers)
	}
	if st.currentAnswer != nil && !o.cfg.Novelty(st.currentAnswer.Content, content) {
		o.mu.Unlock()
		return "", fmt.Errorf("new_answer: answer is not novel enough, refine it or vote for an existing one")
	}
	st.currentAnswer = &Answer{Content: content, At: time.Now()}
	st.answerCount++
	st.status = StatusAnswered
	count := st.answerCount

	// Peers see the new answer either mid-stream, injected at their next
	// tool boundary, or on their next turn after a cancel and restart.
	var restart []string
	for _, id := range o.order {
		if id == agentID {
			continue
		}
		peer := o.states[id]
		if peer.status == StatusCompleted || peer.status == StatusError || peer.status == StatusCanceled {
			continue
		}
		if o.cfg.AsyncInjection {
			peer.pendingUpdates = append(peer.pendingUpdates,
				fmt.Sprintf("[coordination update] agent %s submitted a new answer:\n%s", agentID, content))
			continue
		}
		if peer.restarts >= o.cfg.MaxRestarts {
			continue
		}
		peer.restartWanted = true
		restart = append(restart, id)
	}
	o.mu.Unlock()

	o.logger.Info(ctx, "answer submitted", "agent", agentID, "count", count)
	o.metrics.IncCounter("massgen.answers", 1, "agent", agentID)
	o.logPlan(ctx, "answer_submitted", map[string]any{"agent_id": agentID, "answer_count": count})
	o.emit(ctx, stream.NewAnswerSubmitted(agentID, content, count))
	o.emit(ctx, stream.NewAgentStatus(agentID, string(StatusAnswered)))

	reason := fmt.Sprintf("agent %s submitted a new answer", agentID)
	for _, id := range restart {
		o.agents[id].Cancel(reason)
	}

	o.checkConvergence(ctx)
	return fmt.Sprintf(`{"status":"accepted","answer_count":%d}`, count), nil
}

// Vote implements runtime.WorkflowSink. A vote is valid only when the
// target has a current answer on file.
func (o *Orchestrator) Vote(ctx context.Context, agentID, targetID, reason string) (string, error) {
	o.mu.Lock()
	st, ok := o.states[agentID]
	if !ok {
		o.mu.Unlock()
		return "", fmt.Errorf("vote: unknown agent %q", agentID)
	}
	target, ok := o.states[targetID]
	if !ok {
		o.mu.Unlock()
		return "", fmt.Errorf("vote: unknown target %q", targetID)
	}
	if target.currentAnswer == nil {
		o.mu.Unlock()
		return "", fmt.Errorf("vote: agent %q has no answer on file", targetID)
	}
	st.vote = &Vote{TargetID: targetID, Reason: reason, At: time.Now()}
	st.status = StatusVoting
	o.mu.Unlock()

	o.logger.Info(ctx, "vote cast", "agent", agentID, "target", targetID)
	o.metrics.IncCounter("massgen.votes", 1, "agent", agentID, "target", targetID)
	o.logPlan(ctx, "vote_cast", map[string]any{"agent_id": agentID, "target_id": targetID})
	o.emit(ctx, stream.NewVoteCast(agentID, targetID, reason))
	o.emit(ctx, stream.NewAgentStatus(agentID, string(StatusVoting)))

	o.checkConvergence(ctx)
	return fmt.Sprintf(`{"status":"recorded","target_id":%q}`, targetID), nil
}

// checkConvergence applies the convergence rule: every agent has voted or
// finished, and the leading target holds at least
// ceil(sensitivity × |agents|) votes (minimum one). Ties break by newest
// answer, then lexicographic agent id.
func (o *Orchestrator) checkConvergence(ctx context.Context) {
	o.mu.Lock()
	if o.converged == nil || o.winnerID != "" {
		o.mu.Unlock()
		return
	}
	for _, id := range o.order {
		switch o.states[id].status {
		case StatusVoting, StatusCompleted, StatusError, StatusCanceled:
		default:
			o.mu.Unlock()
			return
		}
	}

	winner, votes := o.leaderLocked()
	needed := int(math.Ceil(o.cfg.VotingSensitivity * float64(len(o.order))))
	if needed < 1 {
		needed = 1
	}
	if winner == "" || votes < needed {
		o.mu.Unlock()
		return
	}
	o.winnerID = winner
	done := o.converged
	o.mu.Unlock()

	o.logger.Info(ctx, "vote converged", "winner", winner, "votes", votes)
	for _, id := range o.order {
		o.agents[id].Cancel("vote converged")
	}
	close(done)
}

// leaderLocked returns the current vote leader and its count. Caller holds
// o.mu.
func (o *Orchestrator) leaderLocked() (string, int) {
	counts := make(map[string]int)
	for _, id := range o.order {
		if v := o.states[id].vote; v != nil {
			counts[v.TargetID]++
		}
	}
	var winner string
	best := 0
	for _, id := range o.order {
		c := counts[id]
		if c == 0 {
			continue
		}
		switch {
		case c > best:
			winner, best = id, c
		case c == best && newerAnswerLocked(o.states[id], o.states[winner]):
			winner = id
		}
	}
	return winner, best
}

// newerAnswerLocked reports whether a's answer is more recent than b's.
// Order iteration is lexicographic, so equal timestamps keep the earlier
// id, which is the final tiebreaker.
func newerAnswerLocked(a, b *agentState) bool {
	if a.currentAnswer == nil || b.currentAnswer == nil {
		return b.currentAnswer == nil && a.currentAnswer != nil
	}
	return a.currentAnswer.At.After(b.currentAnswer.At)
}
