// Package correlation pairs server-issued requests with the client replies that answer them.
package correlation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultTimeout = 30 * time.Second

var (
	ErrDuplicateID = errors.New("correlation: duplicate request id")
	ErrCancelled   = errors.New("correlation: request cancelled")
	ErrPending     = errors.New("correlation: request still pending")
)

// TimeoutError is the outcome of a request nobody answered in time.
type TimeoutError struct {
	RequestID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("correlation: request %s timed out after %v", e.RequestID, e.Timeout)
}

// ReplyError is a reply that carried an error object instead of data.
type ReplyError struct {
	RequestID string
	Code      string
	Message   string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("correlation: request %s answered with %s: %s", e.RequestID, e.Code, e.Message)
}

// Handle completes exactly once with the first Resolve, Reject or Cancel for its id.
type Handle struct {
	id        string
	timeout   time.Duration
	completed atomic.Bool
	done      chan struct{}
	value     json.RawMessage
	err       error
}

func newHandle(id string, timeout time.Duration) *Handle {
	return &Handle{id: id, timeout: timeout, done: make(chan struct{})}
}

func (h *Handle) complete(v json.RawMessage, err error) bool {
	if !h.completed.CompareAndSwap(false, true) {
		return false
	}
	h.value, h.err = v, err
	close(h.done)
	return true
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Timeout() time.Duration { return h.timeout }

func (h *Handle) Done() <-chan struct{} { return h.done }

// Outcome returns the reply or the completion error; ErrPending until Done is closed.
func (h *Handle) Outcome() (json.RawMessage, error) {
	select {
	case <-h.done:
		return h.value, h.err
	default:
		return nil, ErrPending
	}
}

type Info struct {
	RequestID string         `json:"requestId"`
	Category  string         `json:"category"`
	CreatedAt time.Time      `json:"createdAt"`
	Timeout   time.Duration  `json:"timeout"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type pendingRequest struct {
	handle *Handle
	info   Info
}

// Registry holds the requests of one connection. It runs no timers; callers race the
// handle against their own deadline, see Await.
type Registry struct {
	mu             sync.Mutex
	pending        map[string]*pendingRequest
	defaultTimeout time.Duration
}

func NewRegistry(defaultTimeout time.Duration) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Registry{
		pending:        make(map[string]*pendingRequest),
		defaultTimeout: defaultTimeout,
	}
}

// Create registers a request. An empty id asks the registry to generate one; an id that
// is already pending returns ErrDuplicateID. A zero timeout uses the registry default.
func (r *Registry) Create(id, category string, timeout time.Duration, metadata map[string]any) (string, *Handle, error) {
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" {
		for {
			generated, err := NewRequestID(time.Now())
			if err != nil {
				return "", nil, err
			}
			if _, exists := r.pending[generated]; !exists {
				id = generated
				break
			}
		}
	} else if _, exists := r.pending[id]; exists {
		return "", nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
	}

	h := newHandle(id, timeout)
	r.pending[id] = &pendingRequest{
		handle: h,
		info: Info{
			RequestID: id,
			Category:  category,
			CreatedAt: time.Now(),
			Timeout:   timeout,
			Metadata:  metadata,
		},
	}
	return id, h, nil
}

func (r *Registry) take(id string) *pendingRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	if !ok {
		return nil
	}
	delete(r.pending, id)
	return p
}

func (r *Registry) Resolve(id string, v json.RawMessage) bool {
	p := r.take(id)
	return p != nil && p.handle.complete(v, nil)
}

func (r *Registry) Reject(id string, err error) bool {
	p := r.take(id)
	return p != nil && p.handle.complete(nil, err)
}

func (r *Registry) Cancel(id string) bool {
	return r.Reject(id, ErrCancelled)
}

// CancelAll cancels every pending request and returns how many it completed.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]*pendingRequest)
	r.mu.Unlock()

	n := 0
	for _, p := range pending {
		if p.handle.complete(nil, ErrCancelled) {
			n++
		}
	}
	return n
}

func (r *Registry) IsPending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// PendingIDs returns the pending ids in lexical order, which is roughly creation order.
func (r *Registry) PendingIDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (r *Registry) Info(id string) (Info, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[id]
	if !ok {
		return Info{}, false
	}
	return p.info, true
}

// Await blocks until h completes, its timeout elapses or ctx ends. On timeout the request
// is rejected with a *TimeoutError; if a reply wins that race the reply is returned.
func Await(ctx context.Context, r *Registry, id string, h *Handle) (json.RawMessage, error) {
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()

	select {
	case <-h.Done():
	case <-timer.C:
		r.Reject(id, &TimeoutError{RequestID: id, Timeout: h.timeout})
	case <-ctx.Done():
		r.Reject(id, ctx.Err())
	}
	<-h.Done()
	return h.Outcome()
}

// NewRequestID returns "<unix millis>-<16 url-safe random chars>".
func NewRequestID(now time.Time) (string, error) {
	var buf [12]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate request id: %w", err)
	}
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + base64.RawURLEncoding.EncodeToString(buf[:]), nil
}
