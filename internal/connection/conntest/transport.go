// Package conntest provides an in-memory connection.Transport for tests.
package conntest

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrTransportClosed = errors.New("conntest: transport closed")

// Transport records written frames and replays pushed inbound frames.
type Transport struct {
	inbound   chan []byte
	written   chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	frames      [][]byte
	closeCode   int
	closeReason string
	hangup      *websocket.CloseError
	writeErr    error
}

func New() *Transport {
	return &Transport{
		inbound: make(chan []byte, 64),
		written: make(chan []byte, 1024),
		closed:  make(chan struct{}),
	}
}

// Push queues a raw inbound text frame.
func (t *Transport) Push(frame string) {
	t.inbound <- []byte(frame)
}

// PushJSON queues v encoded as JSON.
func (t *Transport) PushJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	t.inbound <- data
}

// Hangup simulates the peer closing the socket with code.
func (t *Transport) Hangup(code int) {
	t.mu.Lock()
	t.hangup = &websocket.CloseError{Code: code}
	t.mu.Unlock()
	_ = t.Close()
}

// FailWrites makes every later write return err.
func (t *Transport) FailWrites(err error) {
	t.mu.Lock()
	t.writeErr = err
	t.mu.Unlock()
}

func (t *Transport) ReadMessage() (int, []byte, error) {
	select {
	case data := <-t.inbound:
		return websocket.TextMessage, data, nil
	case <-t.closed:
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.hangup != nil {
			return 0, nil, t.hangup
		}
		return 0, nil, ErrTransportClosed
	}
}

func (t *Transport) WriteMessage(_ int, data []byte) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}
	t.mu.Lock()
	if t.writeErr != nil {
		err := t.writeErr
		t.mu.Unlock()
		return err
	}
	frame := append([]byte(nil), data...)
	t.frames = append(t.frames, frame)
	t.mu.Unlock()

	select {
	case t.written <- frame:
	default:
	}
	return nil
}

func (t *Transport) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType != websocket.CloseMessage {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(data) >= 2 {
		t.closeCode = int(binary.BigEndian.Uint16(data))
		t.closeReason = string(data[2:])
	} else {
		t.closeCode = websocket.CloseNoStatusReceived
	}
	return nil
}

func (t *Transport) SetWriteDeadline(time.Time) error { return nil }

func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// Closed is closed once the transport has been closed by either side.
func (t *Transport) Closed() <-chan struct{} { return t.closed }

// CloseFrame returns the code and reason of the close frame written by the server.
func (t *Transport) CloseFrame() (int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCode, t.closeReason
}

// Frames returns every text frame written so far, decoded.
func (t *Transport) Frames() []map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]map[string]any, 0, len(t.frames))
	for _, f := range t.frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Next waits for the next written frame.
func (t *Transport) Next(timeout time.Duration) (map[string]any, error) {
	select {
	case data := <-t.written:
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("conntest: written frame is not JSON: %w", err)
		}
		return m, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("conntest: no frame written within %v", timeout)
	}
}

// NextOfType skips written frames until one has the given type.
func (t *Transport) NextOfType(frameType string, timeout time.Duration) (map[string]any, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("conntest: no %q frame within %v", frameType, timeout)
		}
		m, err := t.Next(remaining)
		if err != nil {
			return nil, fmt.Errorf("conntest: waiting for %q: %w", frameType, err)
		}
		if m["type"] == frameType {
			return m, nil
		}
	}
}
