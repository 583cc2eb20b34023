package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/user/glasslink/logger"
)

var (
	// ErrDuplicateRequestID is returned by Register for an id that is still outstanding
	ErrDuplicateRequestID = errors.New("pending: duplicate request id")
	// ErrUnknownRequestID is used when a resolution names no outstanding request
	ErrUnknownRequestID = errors.New("pending: unknown request id")
	// ErrTimeout is delivered when a request is not resolved in time
	ErrTimeout = errors.New("pending: request timed out")
	// ErrCancelled is delivered when the owning session goes away
	ErrCancelled = errors.New("pending: request cancelled")
)

// Tracker correlates outbound requests with their asynchronous responses.
// Every registered request completes exactly once: resolved, rejected or timed out.
type Tracker struct {
	mu             sync.Mutex
	pending        map[string]*Request
	defaultTimeout time.Duration
	name           string
	onTimeout      func(id string)
}

// Request is a single outstanding request
type Request struct {
	ID        string
	SentAt    time.Time
	responseC chan Response
	timer     *time.Timer
}

// Response is what a waiter receives
type Response struct {
	Value interface{}
	Error error
}

// Handle lets the registrant wait for its response
type Handle struct {
	ID string
	c  <-chan Response
}

// NewTracker creates a tracker. A zero timeout defaults to 30 seconds.
func NewTracker(name string, timeout time.Duration) *Tracker {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Tracker{
		pending:        make(map[string]*Request),
		defaultTimeout: timeout,
		name:           name,
	}
}

// SetTimeoutCallback sets a callback invoked after a request times out
func (t *Tracker) SetTimeoutCallback(cb func(id string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTimeout = cb
}

// Register records a new outstanding request. A timeout of 0 uses the tracker default.
func (t *Tracker) Register(id string, timeout time.Duration) (*Handle, error) {
	if id == "" {
		return nil, fmt.Errorf("pending: empty request id")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequestID, id)
	}
	if timeout == 0 {
		timeout = t.defaultTimeout
	}

	req := &Request{
		ID:        id,
		SentAt:    time.Now(),
		responseC: make(chan Response, 1),
	}
	req.timer = time.AfterFunc(timeout, func() { t.expire(req) })
	t.pending[id] = req

	return &Handle{ID: id, c: req.responseC}, nil
}

// Resolve completes a request with a value. Unknown ids are logged and ignored.
func (t *Tracker) Resolve(id string, value interface{}) bool {
	return t.complete(id, Response{Value: value})
}

// Reject completes a request with an error. Unknown ids are logged and ignored.
func (t *Tracker) Reject(id string, err error) bool {
	if err == nil {
		err = errors.New("pending: rejected")
	}
	return t.complete(id, Response{Error: err})
}

func (t *Tracker) complete(id string, resp Response) bool {
	req := t.take(id, nil)
	if req == nil {
		logger.Warn(t.name, "No pending request %q (%v)", id, ErrUnknownRequestID)
		return false
	}
	req.timer.Stop()
	deliver(req, resp)
	return true
}

// expire fires from the request timer. It only acts if the very same request
// is still registered, so a late timer cannot touch a re-registered id.
func (t *Tracker) expire(req *Request) {
	if t.take(req.ID, req) == nil {
		return
	}
	logger.Warn(t.name, "Request %s timed out after %v", req.ID, time.Since(req.SentAt).Round(time.Millisecond))
	deliver(req, Response{Error: fmt.Errorf("%w: %s", ErrTimeout, req.ID)})

	t.mu.Lock()
	cb := t.onTimeout
	t.mu.Unlock()
	if cb != nil {
		cb(req.ID)
	}
}

// take removes and returns the request for id. When want is non-nil the
// entry is only removed if it is that exact request.
func (t *Tracker) take(id string, want *Request) *Request {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok := t.pending[id]
	if !ok || (want != nil && req != want) {
		return nil
	}
	delete(t.pending, id)
	return req
}

func deliver(req *Request, resp Response) {
	req.responseC <- resp
	close(req.responseC)
}

// CancelAll fails every outstanding request, used when the session is torn down
func (t *Tracker) CancelAll(reason error) int {
	if reason == nil {
		reason = ErrCancelled
	}

	t.mu.Lock()
	reqs := make([]*Request, 0, len(t.pending))
	for id, req := range t.pending {
		reqs = append(reqs, req)
		delete(t.pending, id)
	}
	t.mu.Unlock()

	for _, req := range reqs {
		req.timer.Stop()
		deliver(req, Response{Error: reason})
	}
	return len(reqs)
}

// Has reports whether id is outstanding
func (t *Tracker) Has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// Len returns the number of outstanding requests
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Done exposes the response channel for select loops
func (h *Handle) Done() <-chan Response {
	return h.c
}

// Wait blocks until the request completes or ctx ends. Context cancellation
// does not remove the request; its timeout still applies.
func (h *Handle) Wait(ctx context.Context) (interface{}, error) {
	select {
	case resp := <-h.c:
		return resp.Value, resp.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
