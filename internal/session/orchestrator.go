// Package session drives one authenticated WebSocket connection from admission to teardown.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/auth"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/connection"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/correlation"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/heartbeat"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/journal"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/protocol"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/ratelimit"
)

type Deps struct {
	Registry *connection.Registry
	Limiter  *ratelimit.Limiter
	// Handler answers "query" frames; nil uses DefaultHandler.
	Handler  Handler
	Recorder *journal.Recorder
	Metrics  *metrics.Metrics
}

type Options struct {
	Heartbeat       heartbeat.Config
	CallbackTimeout time.Duration
	WriteTimeout    time.Duration
	QueryQueueSize  int
	// NewID defaults to uuid.NewString.
	NewID func() string
}

// Orchestrator owns the shared registry and limiter and runs one Session per connection.
type Orchestrator struct {
	deps Deps
	opts Options
	wg   sync.WaitGroup
}

func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	if deps.Handler == nil {
		deps.Handler = DefaultHandler{}
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.QueryQueueSize <= 0 {
		opts.QueryQueueSize = 16
	}
	if opts.CallbackTimeout <= 0 {
		opts.CallbackTimeout = correlation.DefaultTimeout
	}
	return &Orchestrator{deps: deps, opts: opts}
}

func (o *Orchestrator) Registry() *connection.Registry { return o.deps.Registry }

func (o *Orchestrator) Limiter() *ratelimit.Limiter { return o.deps.Limiter }

// Wait blocks until every Serve call has returned.
func (o *Orchestrator) Wait() { o.wg.Wait() }

// CloseCodeFor maps an authentication error to the close code it is rejected with.
func CloseCodeFor(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrNoPrincipal):
		return protocol.ClosePolicyViolation, protocol.ReasonNoPrincipal
	default:
		return protocol.CloseAuthFailed, protocol.ReasonAuthFailed
	}
}

// Reject closes a transport that never gets admitted.
func (o *Orchestrator) Reject(t connection.Transport, err error) {
	code, reason := CloseCodeFor(err)
	id := o.opts.NewID()
	logger.InfoF("[%s] Rejecting connection: %v", id, err)

	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	if werr := t.WriteControl(websocket.CloseMessage, msg, deadline); werr != nil {
		logger.DebugF("[%s] Fail to send close frame, details: %v", id, werr)
	}
	_ = t.Close()

	o.deps.Metrics.ConnectionOutcome(metrics.OutcomeRejected)
	o.deps.Recorder.Record(journal.Record{ConnectionID: id, Event: journal.EventRejected, CloseCode: code, Reason: err.Error()})
}

// Serve admits p on t and runs the session until the transport closes, the heartbeat
// gives up, or ctx ends. A nil principal is rejected and auth.ErrNoPrincipal returned.
func (o *Orchestrator) Serve(ctx context.Context, p *auth.Principal, t connection.Transport) error {
	if p == nil || p.ID == "" {
		o.Reject(t, auth.ErrNoPrincipal)
		return auth.ErrNoPrincipal
	}

	o.wg.Add(1)
	defer o.wg.Done()

	s := o.admit(ctx, p, t)
	s.serve()
	return nil
}

func (o *Orchestrator) admit(ctx context.Context, p *auth.Principal, t connection.Transport) *Session {
	conn := connection.New(o.opts.NewID(), p, t, o.opts.WriteTimeout)
	s := newSession(ctx, o, conn)

	if evicted := o.deps.Registry.Admit(conn); evicted != nil {
		logger.InfoF("[%s] Superseded by %s for %s", evicted.ID(), conn.ID(), p.ID)
		if err := evicted.Close(protocol.CloseSuperseded, protocol.ReasonSuperseded); err != nil {
			logger.DebugF("[%s] Fail to close superseded connection, details: %v", evicted.ID(), err)
		}
		o.deps.Metrics.ConnectionOutcome(metrics.OutcomeSuperseded)
		o.deps.Recorder.Record(journal.Record{
			ConnectionID: evicted.ID(),
			PrincipalID:  p.ID,
			Event:        journal.EventSuperseded,
			CloseCode:    protocol.CloseSuperseded,
			Reason:       protocol.ReasonSuperseded,
		})
	}
	s.setState(Admitted)
	o.deps.Metrics.ConnectionOpened()
	o.deps.Recorder.Record(journal.Record{ConnectionID: conn.ID(), PrincipalID: p.ID, Event: journal.EventAdmitted})
	return s
}
