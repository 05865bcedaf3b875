package broadcast

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"massgen.dev/massgen/runtime/agent/telemetry"
)

type (
	// Options configure a Channel.
	Options struct {
		// Agents lists the participating agent ids. Required, at least two
		// for agent mode to be meaningful.
		Agents []string
		// MaxPerAgent caps concurrently active broadcasts per sender.
		// Defaults to 1.
		MaxPerAgent int
		// DefaultTimeout bounds waits for requests created without a
		// timeout. Defaults to DefaultTimeout.
		DefaultTimeout time.Duration
		// Human answers human-mode broadcasts. Optional; human-mode creates
		// fail without it.
		Human HumanPort
		// Deliver is invoked once per recipient when a request is injected,
		// in recipient order. Optional.
		Deliver func(agentID string, req Request)
		// Logger receives channel telemetry. Defaults to a no-op.
		Logger telemetry.Logger
	}

	// Channel is the shared broadcast bus. All methods are safe for
	// concurrent use.
	Channel struct {
		agents         []string
		maxPerAgent    int
		defaultTimeout time.Duration
		human          HumanPort
		deliver        func(agentID string, req Request)
		logger         telemetry.Logger

		mu       sync.Mutex
		requests map[string]*requestState
		// pending maps each agent to the broadcasts it still owes a
		// response to, in creation order. Recipients are queued at create
		// time, under the same lock as the deadlock-guard check, so two
		// racing creates always resolve to exactly one winner.
		pending map[string][]*requestState
		active  map[string]int
	}

	requestState struct {
		req       Request
		responses []Response
		responded map[string]bool
		done      chan struct{}
	}
)

// ErrUnknownRequest is returned for operations on request ids the channel
// does not track (never created, or already cleaned up).
var ErrUnknownRequest = errors.New("broadcast: unknown request id")

// New constructs a Channel.
func New(opts Options) (*Channel, error) {
	if len(opts.Agents) == 0 {
		return nil, errors.New("broadcast: at least one agent id is required")
	}
	if opts.MaxPerAgent < 0 {
		return nil, fmt.Errorf("broadcast: max broadcasts per agent must be non-negative, got %d", opts.MaxPerAgent)
	}
	if opts.MaxPerAgent == 0 {
		opts.MaxPerAgent = 1
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	return &Channel{
		agents:         slices.Clone(opts.Agents),
		maxPerAgent:    opts.MaxPerAgent,
		defaultTimeout: opts.DefaultTimeout,
		human:          opts.Human,
		deliver:        opts.Deliver,
		logger:         opts.Logger,
		requests:       make(map[string]*requestState),
		pending:        make(map[string][]*requestState),
		active:         make(map[string]int),
	}, nil
}

// Create allocates a broadcast request. It fails with *PendingBroadcastError
// when the sender owes a response to another agent's broadcast, and with
// *RateLimitError when the sender is at its active-broadcast cap.
func (c *Channel) Create(senderID, question string, mode Mode, timeout time.Duration) (string, error) {
	if !slices.Contains(c.agents, senderID) {
		return "", fmt.Errorf("broadcast: unknown sender %q", senderID)
	}
	if mode != ModeAgents && mode != ModeHuman {
		return "", fmt.Errorf("broadcast: cannot create a broadcast in mode %q", mode)
	}
	if mode == ModeHuman && c.human == nil {
		return "", errors.New("broadcast: human mode requires a human port")
	}
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, st := range c.pending[senderID] {
		if st.req.SenderID != senderID && !st.req.Status.terminal() {
			return "", &PendingBroadcastError{
				AgentID:       senderID,
				PendingSender: st.req.SenderID,
				PendingID:     st.req.ID,
			}
		}
	}
	if c.active[senderID] >= c.maxPerAgent {
		return "", &RateLimitError{AgentID: senderID, Limit: c.maxPerAgent}
	}

	expected := len(c.agents) - 1
	if mode == ModeHuman {
		expected++
	}
	st := &requestState{
		req: Request{
			ID:            uuid.NewString(),
			SenderID:      senderID,
			Question:      question,
			CreatedAt:     time.Now(),
			Timeout:       timeout,
			Mode:          mode,
			ExpectedCount: expected,
			Status:        StatusPending,
		},
		responded: make(map[string]bool),
		done:      make(chan struct{}),
	}
	c.requests[st.req.ID] = st
	for _, id := range c.recipientsLocked(st) {
		c.pending[id] = append(c.pending[id], st)
	}
	c.active[senderID]++
	c.logger.Info(context.Background(), "broadcast created", "request_id", st.req.ID, "sender", senderID, "mode", string(mode))
	return st.req.ID, nil
}

// Inject delivers the question to every agent except the sender, in agent
// order, and moves the request to collecting. In human mode it then blocks
// on the human port and collects the human answer before returning.
func (c *Channel) Inject(ctx context.Context, requestID string) error {
	c.mu.Lock()
	st, ok := c.requests[requestID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownRequest
	}
	if st.req.Status != StatusPending {
		c.mu.Unlock()
		return fmt.Errorf("broadcast: request %s already injected (status %s)", requestID, st.req.Status)
	}
	st.req.Status = StatusCollecting
	recipients := c.recipientsLocked(st)
	req := st.req
	c.mu.Unlock()

	if c.deliver != nil {
		for _, id := range recipients {
			c.deliver(id, req)
		}
	}

	if req.Mode == ModeHuman {
		answer, err := c.human.Ask(ctx, req.Question)
		if err != nil {
			c.logger.Warn(ctx, "human response failed", "request_id", requestID, "err", err)
			return fmt.Errorf("broadcast: human response: %w", err)
		}
		return c.Collect(requestID, "human", answer, true)
	}
	return nil
}

// Collect records one response. When the response count reaches the
// expected count the request completes and waiters wake. Responses arriving
// after a terminal status are still recorded but change nothing else.
func (c *Channel) Collect(requestID, responderID, content string, isHuman bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.requests[requestID]
	if !ok {
		return ErrUnknownRequest
	}
	if responderID == st.req.SenderID {
		return fmt.Errorf("broadcast: sender %q cannot respond to its own broadcast", responderID)
	}
	if st.responded[responderID] {
		return fmt.Errorf("broadcast: %q already responded to request %s", responderID, requestID)
	}
	st.responded[responderID] = true
	st.responses = append(st.responses, Response{
		RequestID:   requestID,
		ResponderID: responderID,
		Content:     content,
		At:          time.Now(),
		IsHuman:     isHuman,
	})
	c.dropPendingLocked(responderID, st)
	if st.req.Status.terminal() {
		// Late response: keep it for responses(), nothing wakes.
		return nil
	}
	st.req.ReceivedCount++
	if st.req.ReceivedCount >= st.req.ExpectedCount {
		c.finishLocked(st, StatusComplete)
	}
	return nil
}

// Wait blocks until the request completes, the timeout elapses, or ctx is
// done. A zero timeout uses the request's own timeout. On expiry the
// request transitions to timeout and the responses gathered so far are
// returned.
func (c *Channel) Wait(ctx context.Context, requestID string, timeout time.Duration) (Status, []Response, error) {
	c.mu.Lock()
	st, ok := c.requests[requestID]
	if !ok {
		c.mu.Unlock()
		return "", nil, ErrUnknownRequest
	}
	if timeout <= 0 {
		timeout = st.req.Timeout
	}
	done := st.done
	if st.req.Status.terminal() {
		status, responses := st.req.Status, slices.Clone(st.responses)
		c.mu.Unlock()
		return status, responses, nil
	}
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.expire(requestID)
	case <-ctx.Done():
		c.cancel(requestID)
		c.mu.Lock()
		status, responses := st.req.Status, slices.Clone(st.responses)
		c.mu.Unlock()
		return status, responses, ctx.Err()
	}

	c.mu.Lock()
	status, responses := st.req.Status, slices.Clone(st.responses)
	c.mu.Unlock()
	return status, responses, nil
}

// Status reports the request's progress, including which participants have
// not responded yet.
func (c *Channel) Status(requestID string) (StatusInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.requests[requestID]
	if !ok {
		return StatusInfo{}, ErrUnknownRequest
	}
	var waiting []string
	for _, id := range c.recipientsLocked(st) {
		if !st.responded[id] {
			waiting = append(waiting, id)
		}
	}
	if st.req.Mode == ModeHuman && !st.responded["human"] {
		waiting = append(waiting, "human")
	}
	return StatusInfo{
		Status:     st.req.Status,
		Received:   st.req.ReceivedCount,
		Expected:   st.req.ExpectedCount,
		WaitingFor: waiting,
	}, nil
}

// Responses returns the request's status and every response recorded so
// far, late arrivals included.
func (c *Channel) Responses(requestID string) (Status, []Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st, ok := c.requests[requestID]
	if !ok {
		return "", nil, ErrUnknownRequest
	}
	return st.req.Status, slices.Clone(st.responses), nil
}

// Cancel moves a live request to cancelled and wakes its waiters.
func (c *Channel) Cancel(requestID string) error {
	if !c.cancel(requestID) {
		return ErrUnknownRequest
	}
	return nil
}

// Cleanup forgets the request entirely. Live requests are cancelled first.
func (c *Channel) Cleanup(requestID string) {
	c.cancel(requestID)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.requests, requestID)
}

// Active reports how many broadcasts the sender currently has in flight.
func (c *Channel) Active(senderID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active[senderID]
}

// PendingFor returns the broadcasts the agent still owes a response to, in
// delivery order.
func (c *Channel) PendingFor(agentID string) []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	reqs := make([]Request, 0, len(c.pending[agentID]))
	for _, st := range c.pending[agentID] {
		reqs = append(reqs, st.req)
	}
	return reqs
}

func (c *Channel) expire(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.requests[requestID]
	if !ok || st.req.Status.terminal() {
		return
	}
	c.logger.Warn(context.Background(), "broadcast timed out", "request_id", requestID, "received", st.req.ReceivedCount, "expected", st.req.ExpectedCount)
	c.finishLocked(st, StatusTimeout)
}

func (c *Channel) cancel(requestID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.requests[requestID]
	if !ok {
		return false
	}
	if !st.req.Status.terminal() {
		c.finishLocked(st, StatusCancelled)
	}
	return true
}

// finishLocked applies a terminal transition: status, sender slot release,
// pending-queue purge, waiter wakeup. Caller holds c.mu.
func (c *Channel) finishLocked(st *requestState, status Status) {
	st.req.Status = status
	if c.active[st.req.SenderID] > 0 {
		c.active[st.req.SenderID]--
	}
	for _, id := range c.recipientsLocked(st) {
		c.dropPendingLocked(id, st)
	}
	close(st.done)
}

func (c *Channel) recipientsLocked(st *requestState) []string {
	recipients := make([]string, 0, len(c.agents)-1)
	for _, id := range c.agents {
		if id != st.req.SenderID {
			recipients = append(recipients, id)
		}
	}
	return recipients
}

func (c *Channel) dropPendingLocked(agentID string, st *requestState) {
	queue := c.pending[agentID]
	for i, q := range queue {
		if q == st {
			c.pending[agentID] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
}
