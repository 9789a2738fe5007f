package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

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

var ErrSessionClosed = errors.New("session: closed")

// requestCreated runs between registering a correlation and sending its frame.
var requestCreated = func(*Session) {}

type State int32

const (
	Connecting State = iota
	Admitted
	Serving
	Closing
	Closed
)

var stateNames = map[State]string{
	Connecting: "connecting",
	Admitted:   "admitted",
	Serving:    "serving",
	Closing:    "closing",
	Closed:     "closed",
}

func (s State) String() string {
	return stateNames[s]
}

// RequestKind selects the frame a server-initiated request is sent as.
type RequestKind string

const (
	RequestData          RequestKind = "data"
	RequestAPI           RequestKind = "api"
	RequestClarification RequestKind = "clarification"
)

var requestFrames = map[RequestKind]protocol.FrameType{
	RequestData:          protocol.RequestAvailableData,
	RequestAPI:           protocol.RequestAPI,
	RequestClarification: protocol.ClarificationRequest,
}

type queryJob struct {
	frame     *protocol.Inbound
	rateLimit ratelimit.Info
}

// Session is one admitted connection together with its heartbeat and pending requests.
type Session struct {
	orch  *Orchestrator
	conn  *connection.Connection
	corr  *correlation.Registry
	hb    *heartbeat.Monitor
	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc

	queries    chan queryJob
	workerDone chan struct{}
	peerClose  *websocket.CloseError
}

func newSession(ctx context.Context, o *Orchestrator, conn *connection.Connection) *Session {
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		orch:       o,
		conn:       conn,
		corr:       correlation.NewRegistry(o.opts.CallbackTimeout),
		ctx:        sctx,
		cancel:     cancel,
		queries:    make(chan queryJob, o.opts.QueryQueueSize),
		workerDone: make(chan struct{}),
	}
	hbCfg := o.opts.Heartbeat
	hbCfg.OnExhausted = func(int) { o.deps.Metrics.HeartbeatClosure() }
	s.hb = heartbeat.New(conn, hbCfg)
	return s
}

func (s *Session) ID() string { return s.conn.ID() }

func (s *Session) Principal() auth.Principal { return s.conn.Principal() }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Context ends when the session starts tearing down.
func (s *Session) Context() context.Context { return s.ctx }

// Send writes v to the client as one JSON frame.
func (s *Session) Send(v any) error { return s.conn.SendJSON(v) }

// PendingRequests reports how many server-initiated requests await a reply.
func (s *Session) PendingRequests() int { return s.corr.Count() }

// Request sends a server-initiated request and waits for the client's reply, its timeout,
// ctx, or session teardown, whichever comes first.
func (s *Session) Request(ctx context.Context, kind RequestKind, payload map[string]any) (json.RawMessage, error) {
	if s.State() >= Closing {
		return nil, ErrSessionClosed
	}
	frameType, ok := requestFrames[kind]
	if !ok {
		return nil, fmt.Errorf("session: unknown request kind %q", kind)
	}

	id, h, err := s.corr.Create("", string(kind), 0, payload)
	if err != nil {
		return nil, err
	}
	requestCreated(s)
	// teardown may have run CancelAll between the state check above and Create.
	if s.State() >= Closing {
		s.corr.Cancel(id)
		s.orch.deps.Metrics.Correlation(metrics.CorrelationCancelled)
		return nil, ErrSessionClosed
	}
	if err := s.conn.SendJSON(protocol.NewRequest(frameType, id, payload)); err != nil {
		s.corr.Cancel(id)
		s.orch.deps.Metrics.Correlation(metrics.CorrelationCancelled)
		return nil, fmt.Errorf("send %s: %w", frameType, err)
	}
	logger.DebugF("[%s] Sent %s %s", s.ID(), frameType, id)

	raw, err := correlation.Await(ctx, s.corr, id, h)
	s.orch.deps.Metrics.Correlation(correlationOutcome(err))
	return raw, err
}

func correlationOutcome(err error) string {
	var timeoutErr *correlation.TimeoutError
	var replyErr *correlation.ReplyError
	switch {
	case err == nil:
		return metrics.CorrelationResolved
	case errors.As(err, &timeoutErr):
		return metrics.CorrelationTimeout
	case errors.As(err, &replyErr):
		return metrics.CorrelationRejected
	default:
		return metrics.CorrelationCancelled
	}
}

func (s *Session) serve() {
	deps := s.orch.deps
	p := s.conn.Principal()

	stopShutdown := context.AfterFunc(s.ctx, func() {
		_ = s.conn.Close(protocol.CloseGoingAway, protocol.ReasonShutdown)
	})
	defer s.teardown(stopShutdown)
	go s.runQueries()

	count := deps.Registry.CountFor(p.ID)
	connected := protocol.NewConnected(
		time.Now(),
		Summary(p),
		s.ID(),
		count,
		deps.Limiter.GetStatus(p.ID, s.ID()),
		protocol.Settings{
			SingleSessionPerUser: deps.Registry.SingleSession(),
			ShareRateLimit:       deps.Limiter.ShareLimit(),
		},
	)
	if err := s.conn.SendJSON(connected); err != nil {
		logger.WarnF("[%s] Fail to send connected frame, details: %v", s.ID(), err)
		return
	}
	logger.InfoF("[%s] Client %s connected (%d connections)", s.ID(), p.ID, count)

	s.hb.Start()
	s.setState(Serving)
	s.handleFrames()
}

func (s *Session) handleFrames() {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorF("[%s] Panic in receive loop: %v\n%s", s.ID(), r, debug.Stack())
			_ = s.conn.Close(protocol.CloseInternalError, protocol.ReasonInternal)
		}
	}()

	for {
		data, err := s.conn.Read()
		if err != nil {
			errors.As(err, &s.peerClose)
			connection.HandleReadError(s.ID(), err)
			return
		}
		s.handleFrame(data)
	}
}

func (s *Session) handleFrame(data []byte) {
	deps := s.orch.deps
	frame, err := protocol.Decode(data)
	if err != nil {
		deps.Metrics.FrameReceived("malformed")
		logger.DebugF("[%s] %v", s.ID(), err)
		s.reply(protocol.NewError(protocol.CodeInvalidMessage, "malformed frame: expected a JSON object"))
		return
	}

	kind := protocol.Classify(frame.Type)
	if kind == protocol.KindUnknown {
		deps.Metrics.FrameReceived("unknown")
	} else {
		deps.Metrics.FrameReceived(string(frame.Type))
	}
	logger.DebugF("[%s] Receive %s frame", s.ID(), frame.Type)

	p := s.conn.Principal()
	switch kind {
	case protocol.KindLiveness:
		s.hb.OnLivenessSignal()
	case protocol.KindControl:
		s.reply(protocol.NewRateLimitStatus(deps.Limiter.GetStatus(p.ID, s.ID())))
	case protocol.KindCorrelationReply:
		s.handleReply(frame)
	case protocol.KindApplication:
		allowed, info := deps.Limiter.IsAllowed(p.ID, s.ID())
		if !allowed {
			deps.Metrics.RateLimited()
			logger.InfoF("[%s] Query rate limited, retry in %ds", s.ID(), info.RetryAfter)
			s.reply(protocol.NewRateLimited(info, info.RetryAfter))
			return
		}
		select {
		case s.queries <- queryJob{frame: frame, rateLimit: info}:
		default:
			s.reply(protocol.NewError(protocol.CodeBusy, "too many queries in progress"))
		}
	default:
		s.reply(protocol.NewInvalidMessage(frame.Type))
	}
}

func (s *Session) handleReply(frame *protocol.Inbound) {
	var ok bool
	if frame.Error != nil {
		ok = s.corr.Reject(frame.RequestID, &correlation.ReplyError{
			RequestID: frame.RequestID,
			Code:      frame.Error.Code,
			Message:   frame.Error.Message,
		})
	} else {
		ok = s.corr.Resolve(frame.RequestID, frame.Raw)
	}
	if !ok {
		logger.DebugF("[%s] Reply for unknown request %q", s.ID(), frame.RequestID)
		s.reply(protocol.NewInvalidToken(frame.RequestID))
	}
}

func (s *Session) reply(v any) {
	if err := s.conn.SendJSON(v); err != nil {
		logger.DebugF("[%s] Fail to send reply, details: %v", s.ID(), err)
	}
}

// runQueries handles queries one at a time, in arrival order, off the receive loop so
// pongs and correlation replies keep flowing while a handler waits on the client.
func (s *Session) runQueries() {
	defer close(s.workerDone)
	for job := range s.queries {
		if s.ctx.Err() != nil {
			continue
		}
		s.runQuery(job)
	}
}

func (s *Session) runQuery(job queryJob) {
	deps := s.orch.deps
	start := time.Now()
	success := false
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorF("[%s] Panic in query handler: %v\n%s", s.ID(), r, debug.Stack())
			_ = s.conn.Close(protocol.CloseInternalError, protocol.ReasonInternal)
		}
		deps.Metrics.QueryHandled(time.Since(start), success)
	}()

	frames, err := deps.Handler.HandleQuery(s.ctx, s, job.frame, job.rateLimit)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		logger.ErrorF("[%s] Query handler failed, details: %v", s.ID(), err)
		s.reply(protocol.NewError(protocol.CodeInternal, "query failed"))
		return
	}
	for _, f := range frames {
		if err := s.conn.SendJSON(f); err != nil {
			logger.DebugF("[%s] Fail to send query result, details: %v", s.ID(), err)
			return
		}
	}
	success = true
}

// teardown stops the heartbeat, cancels pending requests and leaves the registry, in that order.
// A per-connection rate window is released with the connection.
func (s *Session) teardown(stopShutdown func() bool) {
	deps := s.orch.deps
	stopShutdown()
	s.setState(Closing)
	s.cancel()

	s.hb.Stop()
	cancelled := s.corr.CancelAll()
	removed := deps.Registry.Remove(s.ID())
	if !deps.Limiter.ShareLimit() {
		deps.Limiter.Reset(s.conn.PrincipalID(), s.ID())
	}

	_ = s.conn.Close(protocol.CloseNormal, "")
	close(s.queries)
	select {
	case <-s.workerDone:
	case <-time.After(time.Second):
		logger.WarnF("[%s] Query worker still busy after teardown", s.ID())
	}

	code, reason := s.conn.CloseStatus()
	if s.peerClose != nil {
		code, reason = s.peerClose.Code, s.peerClose.Text
	}
	deps.Metrics.ConnectionClosed()
	deps.Recorder.Record(journal.Record{
		ConnectionID: s.ID(),
		PrincipalID:  s.conn.PrincipalID(),
		Event:        journal.EventClosed,
		CloseCode:    code,
		Reason:       reason,
	})
	s.setState(Closed)
	logger.InfoF("[%s] Connection closed (code %d, %d requests cancelled, removed=%v, %d remaining for %s)",
		s.ID(), code, cancelled, removed, deps.Registry.CountFor(s.conn.PrincipalID()), s.conn.PrincipalID())
}

// Summary is the principal as shown to the client.
func Summary(p auth.Principal) protocol.PrincipalSummary {
	roles := p.Roles
	if roles == nil {
		roles = []string{}
	}
	return protocol.PrincipalSummary{ID: p.ID, DisplayName: p.DisplayName, Email: p.Email, Roles: roles}
}
