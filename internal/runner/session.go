package runner

import (
	"sync"

	"github.com/weftlabs/weft/internal/core"
)

// Session is the control surface of one live run: cooperative cancellation
// and the approval hand-off. The executor goroutine is the only consumer;
// the engine and the approval controller talk to it from request handlers.
type Session struct {
	runID string

	cancelOnce sync.Once
	cancelCh   chan struct{}
	approvalCh chan core.ApprovalOutcome

	mu      sync.Mutex
	reason  string
	pending *core.ApprovalRequest
}

// NewSession creates the session for a run id.
func NewSession(runID string) *Session {
	return &Session{
		runID:      runID,
		cancelCh:   make(chan struct{}),
		approvalCh: make(chan core.ApprovalOutcome, 1),
	}
}

// RunID returns the owning run id.
func (s *Session) RunID() string { return s.runID }

// Cancel requests cooperative shutdown. The first reason wins; in-flight
// blocks settle before the run goes terminal.
func (s *Session) Cancel(reason string) {
	s.cancelOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.cancelCh)
	})
}

// Done is closed once cancellation was requested.
func (s *Session) Done() <-chan struct{} { return s.cancelCh }

// CancelReason returns the reason passed to Cancel, if any.
func (s *Session) CancelReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Pending returns a copy of the approval request currently blocking the run.
func (s *Session) Pending() *core.ApprovalRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil
	}
	cp := *s.pending
	return &cp
}

func (s *Session) setPending(req *core.ApprovalRequest) {
	s.mu.Lock()
	s.pending = req
	s.mu.Unlock()
}

// Deliver hands a decision to the waiting executor. It reports false when no
// approval is pending, which makes a second decision on the same request a
// clean no-op for the caller to reject.
func (s *Session) Deliver(out core.ApprovalOutcome) bool {
	s.mu.Lock()
	if s.pending == nil || (out.Token != "" && out.Token != s.pending.Token) {
		s.mu.Unlock()
		return false
	}
	s.pending = nil
	s.mu.Unlock()

	select {
	case s.approvalCh <- out:
		return true
	default:
		return false
	}
}
