package broadcast

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func newTestChannel(t *testing.T, opts Options) *Channel {
	t.Helper()
	if opts.Agents == nil {
		opts.Agents = []string{"a1", "a2", "a3"}
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func TestCreateInjectCollectComplete(t *testing.T) {
	var delivered []string
	c := newTestChannel(t, Options{Deliver: func(agentID string, _ Request) {
		delivered = append(delivered, agentID)
	}})

	id, err := c.Create("a1", "which approach?", ModeAgents, 0)
	require.NoError(t, err)
	require.NoError(t, c.Inject(context.Background(), id))
	require.Equal(t, []string{"a2", "a3"}, delivered)

	info, err := c.Status(id)
	require.NoError(t, err)
	require.Equal(t, StatusCollecting, info.Status)
	require.Equal(t, 2, info.Expected)
	require.Equal(t, []string{"a2", "a3"}, info.WaitingFor)

	require.NoError(t, c.Collect(id, "a2", "use the cache", false))
	require.NoError(t, c.Collect(id, "a3", "agree", false))

	status, responses, err := c.Wait(context.Background(), id, time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, status)
	require.Len(t, responses, 2)
	require.Zero(t, c.Active("a1"))
}

// Two agents ask each other in the same instant. The create that lands
// second is rejected with PENDING_BROADCAST naming the first sender, and
// succeeds once the owed response is collected.
func TestDeadlockGuard(t *testing.T) {
	c := newTestChannel(t, Options{Agents: []string{"a1", "a2"}})

	first, err := c.Create("a1", "q from a1", ModeAgents, 0)
	require.NoError(t, err)
	require.NoError(t, c.Inject(context.Background(), first))

	_, err = c.Create("a2", "q from a2", ModeAgents, 0)
	var pending *PendingBroadcastError
	require.ErrorAs(t, err, &pending)
	require.Equal(t, "a2", pending.AgentID)
	require.Equal(t, "a1", pending.PendingSender)
	require.Contains(t, err.Error(), "PENDING_BROADCAST")
	require.Contains(t, err.Error(), `"a1"`)

	require.NoError(t, c.Collect(first, "a2", "answer", false))
	_, err = c.Create("a2", "q from a2", ModeAgents, 0)
	require.NoError(t, err)
}

// The guard binds at create, not at delivery: when two creates race in the
// window before either is injected, the second still fails and names the
// first sender, so both waits can never time out against each other.
func TestDeadlockGuardBeforeInjection(t *testing.T) {
	c := newTestChannel(t, Options{Agents: []string{"a1", "a2"}})

	first, err := c.Create("a1", "q from a1", ModeAgents, 0)
	require.NoError(t, err)

	_, err = c.Create("a2", "q from a2", ModeAgents, 0)
	var pending *PendingBroadcastError
	require.ErrorAs(t, err, &pending)
	require.Equal(t, "a2", pending.AgentID)
	require.Equal(t, "a1", pending.PendingSender)
	require.Equal(t, first, pending.PendingID)

	require.NoError(t, c.Inject(context.Background(), first))
	require.NoError(t, c.Collect(first, "a2", "answer", false))
	status, _, err := c.Wait(context.Background(), first, time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, status)
}

func TestRateLimit(t *testing.T) {
	c := newTestChannel(t, Options{MaxPerAgent: 1})

	id, err := c.Create("a1", "first", ModeAgents, 0)
	require.NoError(t, err)

	_, err = c.Create("a1", "second", ModeAgents, 0)
	var limit *RateLimitError
	require.ErrorAs(t, err, &limit)
	require.Equal(t, "a1", limit.AgentID)
	require.Equal(t, 1, limit.Limit)

	// A terminal request frees the slot.
	c.Cleanup(id)
	_, err = c.Create("a1", "second", ModeAgents, 0)
	require.NoError(t, err)
}

func TestWaitTimeoutRecordsLateResponses(t *testing.T) {
	c := newTestChannel(t, Options{})
	id, err := c.Create("a1", "q", ModeAgents, 0)
	require.NoError(t, err)
	require.NoError(t, c.Inject(context.Background(), id))
	require.NoError(t, c.Collect(id, "a2", "early", false))

	status, responses, err := c.Wait(context.Background(), id, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, StatusTimeout, status)
	require.Len(t, responses, 1)

	// Late arrival is recorded but the status stays timeout and the
	// received count no longer moves.
	require.NoError(t, c.Collect(id, "a3", "late", false))
	status, responses, err = c.Responses(id)
	require.NoError(t, err)
	require.Equal(t, StatusTimeout, status)
	require.Len(t, responses, 2)
	info, err := c.Status(id)
	require.NoError(t, err)
	require.Equal(t, 1, info.Received)
}

func TestWaitWakesOnCompletion(t *testing.T) {
	c := newTestChannel(t, Options{Agents: []string{"a1", "a2"}})
	id, err := c.Create("a1", "q", ModeAgents, 0)
	require.NoError(t, err)
	require.NoError(t, c.Inject(context.Background(), id))

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = c.Collect(id, "a2", "done", false)
	}()
	status, responses, err := c.Wait(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, status)
	require.Len(t, responses, 1)
}

func TestCancelWakesWaiter(t *testing.T) {
	c := newTestChannel(t, Options{})
	id, err := c.Create("a1", "q", ModeAgents, 0)
	require.NoError(t, err)
	require.NoError(t, c.Inject(context.Background(), id))

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = c.Cancel(id)
	}()
	status, _, err := c.Wait(context.Background(), id, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, status)
}

type scriptedHuman struct {
	answer string
	err    error
}

func (h scriptedHuman) Ask(context.Context, string) (string, error) {
	return h.answer, h.err
}

func TestHumanModeCountsHumanResponse(t *testing.T) {
	c := newTestChannel(t, Options{
		Agents: []string{"a1", "a2"},
		Human:  scriptedHuman{answer: "ship it"},
	})
	id, err := c.Create("a1", "q", ModeHuman, 0)
	require.NoError(t, err)
	require.NoError(t, c.Inject(context.Background(), id))

	info, err := c.Status(id)
	require.NoError(t, err)
	require.Equal(t, 2, info.Expected)
	require.Equal(t, 1, info.Received)

	require.NoError(t, c.Collect(id, "a2", "agree", false))
	status, responses, err := c.Responses(id)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, status)
	require.True(t, responses[0].IsHuman)
}

func TestHumanModeRequiresPort(t *testing.T) {
	c := newTestChannel(t, Options{})
	_, err := c.Create("a1", "q", ModeHuman, 0)
	require.Error(t, err)
}

func TestCollectRejectsSenderAndDuplicates(t *testing.T) {
	c := newTestChannel(t, Options{})
	id, err := c.Create("a1", "q", ModeAgents, 0)
	require.NoError(t, err)
	require.NoError(t, c.Inject(context.Background(), id))

	require.Error(t, c.Collect(id, "a1", "self", false))
	require.NoError(t, c.Collect(id, "a2", "once", false))
	require.Error(t, c.Collect(id, "a2", "twice", false))
}

func TestUnknownRequest(t *testing.T) {
	c := newTestChannel(t, Options{})
	_, err := c.Status("nope")
	require.ErrorIs(t, err, ErrUnknownRequest)
	require.ErrorIs(t, c.Inject(context.Background(), "nope"), ErrUnknownRequest)
	require.ErrorIs(t, c.Collect("nope", "a2", "", false), ErrUnknownRequest)
}

// All agents attempt to ask at once. The first create wins and every later
// one gets PENDING_BROADCAST, so exactly one broadcast is in flight.
func TestSimultaneousAsksNeverAllFail(t *testing.T) {
	agents := []string{"a1", "a2", "a3", "a4"}
	c := newTestChannel(t, Options{Agents: agents})

	succeeded := 0
	for _, id := range agents {
		rid, err := c.Create(id, "q from "+id, ModeAgents, 0)
		if err != nil {
			var pending *PendingBroadcastError
			require.ErrorAs(t, err, &pending)
			continue
		}
		succeeded++
		require.NoError(t, c.Inject(context.Background(), rid))
	}
	require.Equal(t, 1, succeeded)
}

// Property: the number of active broadcasts per sender never exceeds the
// configured cap, under arbitrary interleavings of creates and cleanups.
func TestActiveBroadcastBoundProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100

	properties := gopter.NewProperties(params)
	properties.Property("active broadcasts per sender stay within the cap", prop.ForAll(
		func(ops []bool, maxPer int) bool {
			agents := []string{"a1", "a2"}
			c, err := New(Options{Agents: agents, MaxPerAgent: maxPer})
			if err != nil {
				return false
			}
			var open []string
			for i, create := range ops {
				if create {
					id, err := c.Create("a1", fmt.Sprintf("q%d", i), ModeAgents, 0)
					if err == nil {
						open = append(open, id)
					} else if _, ok := err.(*RateLimitError); !ok {
						return false
					}
				} else if len(open) > 0 {
					c.Cleanup(open[0])
					open = open[1:]
				}
				if c.Active("a1") > maxPer {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
		gen.IntRange(1, 4),
	))
	properties.TestingRun(t)
}
