package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"massgen.dev/massgen/runtime/agent/model"
)

type fakeBackend struct {
	calls int
	errs  []error
}

func (b *fakeBackend) Stream(context.Context, model.Request) (model.Streamer, error) {
	b.calls++
	if len(b.errs) > 0 {
		err := b.errs[0]
		b.errs = b.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return nopStream{}, nil
}

type nopStream struct{}

func (nopStream) Recv() (model.Chunk, error) { return model.DoneChunk(), nil }
func (nopStream) Close() error               { return nil }

func rateLimited() error {
	return model.NewProviderError("test", "stream", model.ProviderErrorKindRateLimited, "throttled", true, nil)
}

func unavailable() error {
	return model.NewProviderError("test", "stream", model.ProviderErrorKindUnavailable, "boom", true, nil)
}

func overflow() error {
	return model.NewProviderError("test", "stream", model.ProviderErrorKindContextOverflow, "too long", false, nil)
}

func TestLimiterBacksOffOnRateLimitAndProbesOnSuccess(t *testing.T) {
	l := newAdaptiveRateLimiter(6000, 12000)
	require.InDelta(t, 6000, l.currentTPM, 1e-9)

	l.observe(rateLimited())
	require.InDelta(t, 3000, l.currentTPM, 1e-9)
	l.observe(rateLimited())
	require.InDelta(t, 1500, l.currentTPM, 1e-9)

	// Recovery is additive: initial * 0.05 per success.
	l.observe(nil)
	require.InDelta(t, 1800, l.currentTPM, 1e-9)

	// Non-rate-limit errors leave the budget untouched.
	l.observe(unavailable())
	require.InDelta(t, 1800, l.currentTPM, 1e-9)
	l.observe(errors.New("plain"))
	require.InDelta(t, 1800, l.currentTPM, 1e-9)
}

func TestLimiterClampsToFloorAndCeiling(t *testing.T) {
	l := newAdaptiveRateLimiter(1000, 1100)
	for range 20 {
		l.observe(rateLimited())
	}
	require.InDelta(t, 100, l.currentTPM, 1e-9) // initial * 0.1

	for range 100 {
		l.observe(nil)
	}
	require.InDelta(t, 1100, l.currentTPM, 1e-9)
}

func TestLimitedBackendDelegates(t *testing.T) {
	next := &fakeBackend{}
	l := newAdaptiveRateLimiter(100000, 0)
	b := l.Middleware()(next)

	s, err := b.Stream(context.Background(), model.Request{
		Messages: []*model.Message{model.UserMessage("hello")},
	})
	require.NoError(t, err)
	require.NotNil(t, s)
	require.Equal(t, 1, next.calls)
}

func TestEstimateTokens(t *testing.T) {
	require.Equal(t, 500, estimateTokens(model.Request{}))

	req := model.Request{Messages: []*model.Message{
		model.UserMessage("aaa"),
		{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{Arguments: "bbbbbb"}}},
	}}
	// 9 chars / 3 + 500 buffer.
	require.Equal(t, 503, estimateTokens(req))
}
