// Package heartbeat probes one connection with ping frames and closes it when pongs stop.
package heartbeat

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/protocol"
)

// Target is the connection a Monitor watches.
type Target interface {
	ID() string
	SendJSON(v any) error
	MarkDead()
	Close(code int, reason string) error
}

type Config struct {
	Interval       time.Duration
	PongTimeout    time.Duration
	MaxMissedPongs int
	// OnExhausted runs after the connection is marked dead, before it is closed.
	OnExhausted func(missed int)
}

type State int32

const (
	Idle State = iota
	Probing
	AwaitingReply
	Healthy
	Missed
	Terminated
)

var stateNames = map[State]string{
	Idle:          "idle",
	Probing:       "probing",
	AwaitingReply: "awaiting_reply",
	Healthy:       "healthy",
	Missed:        "missed",
	Terminated:    "terminated",
}

func (s State) String() string {
	return stateNames[s]
}

type Monitor struct {
	target Target
	cfg    Config

	state    atomic.Int32
	missed   atomic.Int32
	awaiting atomic.Bool
	pong     chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func New(target Target, cfg Config) *Monitor {
	if cfg.MaxMissedPongs <= 0 {
		cfg.MaxMissedPongs = 1
	}
	return &Monitor{
		target: target,
		cfg:    cfg,
		pong:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		go m.run()
	})
}

// Stop ends the probe loop and waits for it to exit. Safe to call at any time,
// including before Start, and more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.startOnce.Do(func() {
		m.state.Store(int32(Terminated))
		close(m.done)
	})
	<-m.done
}

// Done is closed when the probe loop has exited.
func (m *Monitor) Done() <-chan struct{} { return m.done }

func (m *Monitor) Missed() int { return int(m.missed.Load()) }

func (m *Monitor) State() State { return State(m.state.Load()) }

// OnLivenessSignal wakes the probe waiting for a pong. Without an outstanding probe it does nothing.
func (m *Monitor) OnLivenessSignal() {
	if !m.awaiting.Load() {
		return
	}
	select {
	case m.pong <- struct{}{}:
	default:
	}
}

func (m *Monitor) stopped() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

func (m *Monitor) run() {
	defer close(m.done)
	defer m.state.Store(int32(Terminated))

	interval := time.NewTimer(m.cfg.Interval)
	defer interval.Stop()
	for {
		m.state.Store(int32(Probing))
		if m.stopped() {
			return
		}
		select {
		case <-m.stop:
			return
		case <-interval.C:
		}
		if m.stopped() {
			return
		}
		if m.probe() {
			return
		}
		interval.Reset(m.cfg.Interval)
	}
}

// probe sends one ping and waits for the pong. It reports whether the loop must end.
func (m *Monitor) probe() bool {
	select {
	case <-m.pong:
	default:
	}
	m.awaiting.Store(true)
	m.state.Store(int32(AwaitingReply))

	missed := int(m.missed.Load())
	if err := m.target.SendJSON(protocol.NewPing(missed, m.cfg.MaxMissedPongs)); err != nil {
		logger.DebugF("[%s] Fail to send ping, details: %v", m.target.ID(), err)
	}

	timeout := time.NewTimer(m.cfg.PongTimeout)
	defer timeout.Stop()
	defer m.awaiting.Store(false)

	select {
	case <-m.pong:
		m.missed.Store(0)
		m.state.Store(int32(Healthy))
		return false
	case <-m.stop:
		return true
	case <-timeout.C:
	}

	missed = int(m.missed.Add(1))
	m.state.Store(int32(Missed))
	logger.WarnF("[%s] Pong timeout, %d/%d missed", m.target.ID(), missed, m.cfg.MaxMissedPongs)
	if missed < m.cfg.MaxMissedPongs {
		return false
	}

	m.state.Store(int32(Terminated))
	m.target.MarkDead()
	if m.cfg.OnExhausted != nil {
		m.cfg.OnExhausted(missed)
	}
	reason := fmt.Sprintf("Pong timeout (%d missed)", missed)
	logger.WarnF("[%s] Closing connection: %s", m.target.ID(), reason)
	if err := m.target.Close(protocol.CloseHeartbeatExhausted, reason); err != nil {
		logger.DebugF("[%s] Fail to close connection, details: %v", m.target.ID(), err)
	}
	return true
}
