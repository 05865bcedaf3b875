// Package compress implements the reactive compression sub-protocol that
// keeps long conversations inside each provider's context window. Histories
// are shrunk deterministically: the last K user/assistant pairs are kept
// verbatim, everything before them is folded into a single sentinel-prefixed
// summary system message, and K is reduced until the history fits the target
// budget. Compression never changes the transcript the orchestrator observes,
// only the internal history the backend sends the provider.
package compress

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"massgen.dev/massgen/runtime/agent/model"
)

// Defaults for the sub-protocol. Token estimation follows the common
// chars-per-token approximation used across compaction implementations.
const (
	// DefaultThreshold is the fraction of the context window at which
	// proactive compression triggers.
	DefaultThreshold = 0.5

	// DefaultTarget is the fraction of the context window compression aims
	// to shrink the history under.
	DefaultTarget = 0.2

	// DefaultTailKeep is the number of trailing user/assistant pairs kept
	// verbatim.
	DefaultTailKeep = 2

	// CharsPerToken is the approximate character-to-token ratio used for
	// estimation.
	CharsPerToken = 4

	// messageOverheadTokens accounts for per-message framing the provider
	// charges beyond raw text.
	messageOverheadTokens = 4

	// SummarySentinel prefixes the synthetic summary system message so it can
	// be detected on reload and never re-summarized.
	SummarySentinel = "[massgen:summary]"
)

// ErrCannotCompress reports that the history still exceeds the target after
// the tail was reduced to zero pairs. The next turn surfaces this as a
// non-retryable error chunk.
var ErrCannotCompress = errors.New("compress: history exceeds target with no tail left to drop")

type (
	// Summarizer folds a slice of messages into one summary string. The
	// default is deterministic and needs no model call; adapters may plug a
	// model-backed implementation instead.
	Summarizer func(ctx context.Context, msgs []*model.Message) (string, error)

	// Options configures a Compressor.
	Options struct {
		// ContextWindow is the provider's context window in tokens. Required.
		ContextWindow int
		// Threshold overrides DefaultThreshold when positive.
		Threshold float64
		// Target overrides DefaultTarget when positive.
		Target float64
		// TailKeep overrides DefaultTailKeep when positive.
		TailKeep int
		// Summarizer overrides the deterministic default summarizer.
		Summarizer Summarizer
	}

	// Compressor applies the sub-protocol to message histories.
	Compressor struct {
		window    int
		threshold float64
		target    float64
		tailKeep  int
		summarize Summarizer
	}

	// Result reports a successful compression.
	Result struct {
		// Messages is the compressed history: system prompt, summary, tail.
		Messages []*model.Message
		// Kept is the number of trailing user/assistant pairs preserved verbatim.
		Kept int
		// Ratio is the post-compression token estimate over the context window.
		Ratio float64
	}
)

// New constructs a Compressor. ContextWindow must be positive.
func New(opts Options) (*Compressor, error) {
	if opts.ContextWindow <= 0 {
		return nil, errors.New("compress: context window must be positive")
	}
	c := &Compressor{
		window:    opts.ContextWindow,
		threshold: DefaultThreshold,
		target:    DefaultTarget,
		tailKeep:  DefaultTailKeep,
		summarize: DefaultSummarizer,
	}
	if opts.Threshold > 0 {
		c.threshold = opts.Threshold
	}
	if opts.Target > 0 {
		c.target = opts.Target
	}
	if opts.TailKeep > 0 {
		c.tailKeep = opts.TailKeep
	}
	if opts.Summarizer != nil {
		c.summarize = opts.Summarizer
	}
	return c, nil
}

// EstimateTokens approximates the token cost of a history using the
// chars-per-token ratio plus per-message overhead.
func EstimateTokens(msgs []*model.Message) int {
	total := 0
	for _, m := range msgs {
		if m == nil {
			continue
		}
		chars := len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
		total += chars/CharsPerToken + messageOverheadTokens
	}
	return total
}

// ShouldCompress reports whether the outgoing history crosses the proactive
// threshold.
func (c *Compressor) ShouldCompress(msgs []*model.Message) bool {
	return float64(EstimateTokens(msgs)) >= c.threshold*float64(c.window)
}

// Compress shrinks the history under the target budget. It keeps the leading
// system prompt, folds everything before the last K user/assistant pairs into
// one sentinel-prefixed summary system message, and reduces K until the
// target is met. Returns ErrCannotCompress when K reaches zero and the
// history still exceeds the target.
func (c *Compressor) Compress(ctx context.Context, msgs []*model.Message) (Result, error) {
	prompt, rest := splitSystemPrompt(msgs)

	for kept := c.tailKeep; kept >= 0; kept-- {
		head, tail := splitTail(rest, kept)
		summary, err := c.summarize(ctx, head)
		if err != nil {
			return Result{}, fmt.Errorf("compress: summarize: %w", err)
		}
		out := make([]*model.Message, 0, len(tail)+2)
		if prompt != nil {
			out = append(out, prompt)
		}
		if summary != "" {
			out = append(out, model.SystemMessage(SummarySentinel+" "+summary))
		}
		out = append(out, model.CloneMessages(tail)...)

		ratio := float64(EstimateTokens(out)) / float64(c.window)
		if ratio <= c.target {
			return Result{Messages: out, Kept: countUserTurns(tail), Ratio: ratio}, nil
		}
	}
	return Result{}, ErrCannotCompress
}

// IsSummary reports whether the message is a synthetic summary produced by a
// previous compression.
func IsSummary(m *model.Message) bool {
	return m != nil && m.Role == model.RoleSystem && strings.HasPrefix(m.Content, SummarySentinel)
}

// DefaultSummarizer produces a deterministic extractive summary: one line per
// message with the role prefix and a truncated excerpt. Prior summaries are
// folded in without their sentinel so reloads never stack sentinels.
func DefaultSummarizer(_ context.Context, msgs []*model.Message) (string, error) {
	const excerptLen = 160
	var b strings.Builder
	for _, m := range msgs {
		if m == nil || (m.Content == "" && len(m.ToolCalls) == 0) {
			continue
		}
		text := m.Content
		if IsSummary(m) {
			text = strings.TrimSpace(strings.TrimPrefix(text, SummarySentinel))
		}
		if len(m.ToolCalls) > 0 {
			names := make([]string, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				names = append(names, tc.Name)
			}
			text = strings.TrimSpace(text + " [called: " + strings.Join(names, ", ") + "]")
		}
		if len(text) > excerptLen {
			text = text[:excerptLen] + "…"
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(text)
	}
	return b.String(), nil
}

// splitSystemPrompt separates the leading system prompt from the rest of the
// history. Only the first message qualifies; later system messages (including
// prior summaries) are treated as history.
func splitSystemPrompt(msgs []*model.Message) (*model.Message, []*model.Message) {
	if len(msgs) > 0 && msgs[0] != nil && msgs[0].Role == model.RoleSystem && !IsSummary(msgs[0]) {
		return msgs[0], msgs[1:]
	}
	return nil, msgs
}

// splitTail splits the history so the tail contains the last pairs complete
// user/assistant exchanges. A pair starts at a user message and runs through
// the following assistant (and tool) messages.
func splitTail(msgs []*model.Message, pairs int) (head, tail []*model.Message) {
	if pairs <= 0 {
		return msgs, nil
	}
	seen := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i] != nil && msgs[i].Role == model.RoleUser {
			seen++
			if seen == pairs {
				return msgs[:i], msgs[i:]
			}
		}
	}
	// Fewer user turns than requested pairs: the whole history is the tail.
	return nil, msgs
}

// countUserTurns counts the user/assistant pairs actually present in the
// kept tail, so the reported kept count never exceeds the history length.
func countUserTurns(msgs []*model.Message) int {
	n := 0
	for _, m := range msgs {
		if m != nil && m.Role == model.RoleUser {
			n++
		}
	}
	return n
}
