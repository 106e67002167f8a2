// Package session multiplexes concurrent voice sessions onto the shared
// dispatcher. Each session tracks its in-flight calls so teardown can reason
// about outstanding work; no cross-session state is shared beyond the
// process-wide registry and credential store.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okyeame/toolgate/pkg/config"
	"github.com/okyeame/toolgate/pkg/dispatch"
	"github.com/okyeame/toolgate/pkg/metrics"
	"github.com/okyeame/toolgate/pkg/result"
)

// ClosePolicy selects how Close treats outstanding calls.
type ClosePolicy string

const (
	// PolicyCancel cancels outstanding calls immediately; they resolve as
	// Cancelled. This is the default.
	PolicyCancel ClosePolicy = "cancel"
	// PolicyDrain waits up to the grace period for outstanding calls to
	// finish naturally, then cancels the stragglers.
	PolicyDrain ClosePolicy = "drain"
)

// ParsePolicy validates a configured policy string, defaulting to cancel.
func ParsePolicy(s string) (ClosePolicy, error) {
	switch s {
	case "", string(PolicyCancel):
		return PolicyCancel, nil
	case string(PolicyDrain):
		return PolicyDrain, nil
	}
	return "", &result.Failure{Kind: result.KindProviderError, Detail: "invalid close policy " + s + " (valid: cancel, drain)"}
}

// Dispatcher is the downstream call executor; implemented by
// dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) result.Result
}

type session struct {
	id        string
	createdAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	mu     sync.Mutex
	closed bool
	calls  map[string]struct{}
	wg     sync.WaitGroup
}

// Coordinator owns all session records for the process lifetime.
type Coordinator struct {
	dispatcher Dispatcher
	policy     ClosePolicy
	grace      time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

// NewCoordinator creates a Coordinator with the given close policy and grace
// period (the grace only applies under drain).
func NewCoordinator(d Dispatcher, policy ClosePolicy, grace time.Duration) *Coordinator {
	if grace <= 0 {
		grace = config.DefaultCloseGrace
	}
	return &Coordinator{
		dispatcher: d,
		policy:     policy,
		grace:      grace,
		sessions:   make(map[string]*session),
	}
}

// Open creates a new session and returns its id.
func (c *Coordinator) Open() string {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:        uuid.NewString(),
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		calls:     make(map[string]struct{}),
	}
	c.mu.Lock()
	c.sessions[s.id] = s
	c.mu.Unlock()
	metrics.SessionsActive.Inc()
	slog.Info("Session opened", "session", s.id)
	return s.id
}

// Dispatch executes one tool call under the session, tracking it in the
// session's active set until it resolves. The call context is cancelled by
// whichever happens first: the caller's context or session teardown.
func (c *Coordinator) Dispatch(ctx context.Context, sessionID, toolName string, arguments json.RawMessage) result.Result {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return result.Failed(result.KindUnknownSession, "session %s is not open", sessionID)
	}

	req := dispatch.Request{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		ToolName:  toolName,
		Arguments: arguments,
		IssuedAt:  time.Now(),
	}

	if !s.track(req.ID) {
		// Lost the race against Close; the session is already torn down.
		return result.Failed(result.KindUnknownSession, "session %s is not open", sessionID)
	}
	defer s.untrack(req.ID)

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	return c.dispatcher.Dispatch(callCtx, req)
}

// Close tears down a session. The record becomes unreachable immediately
// (further references fail with UnknownSession); outstanding calls are
// handled per the configured policy, bounded by the grace period, before
// Close returns.
func (c *Coordinator) Close(id string) error {
	c.mu.Lock()
	s, ok := c.sessions[id]
	if ok {
		delete(c.sessions, id)
	}
	c.mu.Unlock()
	if !ok {
		return &result.Failure{Kind: result.KindUnknownSession, Detail: "session " + id + " is not open"}
	}
	metrics.SessionsActive.Dec()

	// Refuse new call tracking before waiting so wg.Wait observes a
	// monotonically draining counter.
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	switch c.policy {
	case PolicyDrain:
		if !s.waitCalls(c.grace) {
			slog.Warn("Session drain grace expired, cancelling outstanding calls", "session", id)
		}
		s.cancel()
	default:
		s.cancel()
	}
	// Cancelled calls unwind quickly; bound the wait anyway so a wedged
	// transport cannot hang teardown.
	s.waitCalls(c.grace)
	slog.Info("Session closed", "session", id, "age", time.Since(s.createdAt))
	return nil
}

// ActiveCalls returns the number of in-flight calls for a session, or -1 when
// the session is not open.
func (c *Coordinator) ActiveCalls(id string) int {
	c.mu.Lock()
	s, ok := c.sessions[id]
	c.mu.Unlock()
	if !ok {
		return -1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *session) track(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.calls[callID] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *session) untrack(callID string) {
	s.mu.Lock()
	delete(s.calls, callID)
	s.mu.Unlock()
	s.wg.Done()
}

// waitCalls waits for all tracked calls up to the timeout, reporting whether
// they all finished.
func (s *session) waitCalls(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
