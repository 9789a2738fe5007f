// Package connection owns the per-socket write path and the registry of live connections.
package connection

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/auth"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/logger"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/protocol"
)

var ErrClosed = errors.New("connection: closed")

// Transport is the subset of *websocket.Conn a Connection needs.
type Transport interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connection is one authenticated client socket. Writes are serialized.
type Connection struct {
	id          string
	principal   auth.Principal
	connectedAt time.Time

	transport    Transport
	writeTimeout time.Duration
	writeMu      sync.Mutex

	alive atomic.Bool

	closeOnce   sync.Once
	done        chan struct{}
	closeCode   int
	closeReason string
}

func New(id string, p *auth.Principal, t Transport, writeTimeout time.Duration) *Connection {
	c := &Connection{
		id:           id,
		principal:    *p,
		connectedAt:  time.Now(),
		transport:    t,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	c.principal.Roles = append([]string(nil), p.Roles...)
	c.alive.Store(true)
	return c
}

func (c *Connection) ID() string { return c.id }
func (c *Connection) PrincipalID() string { return c.principal.ID }
func (c *Connection) Principal() auth.Principal { return c.principal }
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// Alive reports whether the heartbeat still considers the peer reachable.
func (c *Connection) Alive() bool { return c.alive.Load() }

// MarkDead is called only by the connection's heartbeat monitor.
func (c *Connection) MarkDead() { c.alive.Store(false) }

// Done is closed once Close has run.
func (c *Connection) Done() <-chan struct{} { return c.done }

// CloseStatus returns the code and reason Close was called with, or 0 while open.
func (c *Connection) CloseStatus() (int, string) {
	select {
	case <-c.done:
		return c.closeCode, c.closeReason
	default:
		return 0, ""
	}
}

// Read returns the next data frame. Control frames are handled by the transport.
func (c *Connection) Read() ([]byte, error) {
	_, data, err := c.transport.ReadMessage()
	return data, err
}

func (c *Connection) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return c.SendRaw(data)
}

func (c *Connection) SendRaw(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		if err := c.transport.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if err := c.transport.WriteMessage(websocket.TextMessage, data); err != nil {
		logger.DebugF("[%s] Fail to send frame, details: %v", c.id, err)
		return fmt.Errorf("write frame: %w", err)
	}
	logger.DebugF("[%s] Send %d bytes to client", c.id, len(data))
	return nil
}

// Close sends a close frame with code and reason, then closes the transport.
// Only the first call has any effect.
func (c *Connection) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.closeCode, c.closeReason = code, reason

		c.writeMu.Lock()
		deadline := time.Now().Add(c.closeTimeout())
		msg := websocket.FormatCloseMessage(code, protocol.FormatCloseReason(reason))
		if werr := c.transport.WriteControl(websocket.CloseMessage, msg, deadline); werr != nil && !IsNetClosedError(werr) {
			logger.DebugF("[%s] Fail to send close frame, details: %v", c.id, werr)
		}
		c.writeMu.Unlock()

		err = c.transport.Close()
		close(c.done)
	})
	return err
}

func (c *Connection) closeTimeout() time.Duration {
	if c.writeTimeout > 0 {
		return c.writeTimeout
	}
	return time.Second
}

type Summary struct {
	ConnectionID string    `json:"connectionId"`
	PrincipalID  string    `json:"principalId"`
	DisplayName  string    `json:"displayName,omitempty"`
	Roles        []string  `json:"roles"`
	ConnectedAt  time.Time `json:"connectedAt"`
	Alive        bool      `json:"alive"`
}

func (c *Connection) Summary() Summary {
	return Summary{
		ConnectionID: c.id,
		PrincipalID:  c.principal.ID,
		DisplayName:  c.principal.DisplayName,
		Roles:        append([]string(nil), c.principal.Roles...),
		ConnectedAt:  c.connectedAt,
		Alive:        c.Alive(),
	}
}
