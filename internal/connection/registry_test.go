package connection

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/auth"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/connection/conntest"
	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConn(id, principal string) (*Connection, *conntest.Transport) {
	tr := conntest.New()
	return New(id, &auth.Principal{ID: principal, Roles: []string{"user"}}, tr, time.Second), tr
}

// checkIndexes asserts both maps agree.
func checkIndexes(t *testing.T, r *Registry) {
	t.Helper()
	r.mu.RLock()
	defer r.mu.RUnlock()
	sum := 0
	for principal, conns := range r.byPrincipal {
		require.NotEmpty(t, conns, "empty slice kept for %s", principal)
		sum += len(conns)
		for _, c := range conns {
			require.Same(t, c, r.byID[c.ID()])
			require.Equal(t, principal, c.PrincipalID())
		}
	}
	require.Equal(t, sum, len(r.byID))
	if r.singleSession {
		for principal, conns := range r.byPrincipal {
			require.Len(t, conns, 1, "principal %s", principal)
		}
	}
}

func TestMultiSessionAdmitKeepsBoth(t *testing.T) {
	r := NewRegistry(false)
	a, _ := newConn("A", "u1")
	b, _ := newConn("B", "u1")

	assert.Nil(t, r.Admit(a))
	assert.Nil(t, r.Admit(b))
	assert.Equal(t, 2, r.CountFor("u1"))
	checkIndexes(t, r)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "A", snap[0].ConnectionID)
	assert.Equal(t, "B", snap[1].ConnectionID)
}

func TestSingleSessionEvictsPrior(t *testing.T) {
	r := NewRegistry(true)
	a, _ := newConn("A", "u1")
	b, _ := newConn("B", "u1")

	assert.Nil(t, r.Admit(a))
	evicted := r.Admit(b)
	require.Same(t, a, evicted)
	assert.Equal(t, 1, r.CountFor("u1"))
	_, ok := r.Get("A")
	assert.False(t, ok)
	got, ok := r.Get("B")
	require.True(t, ok)
	assert.Same(t, b, got)

	assert.False(t, r.Remove("A"), "evicted connection's teardown must be a no-op")
	assert.Equal(t, 1, r.CountFor("u1"))
	checkIndexes(t, r)
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry(false)
	a, _ := newConn("A", "u1")
	b, _ := newConn("B", "u1")
	r.Admit(a)
	r.Admit(b)

	assert.True(t, r.Remove("A"))
	assert.False(t, r.Remove("A"))
	assert.False(t, r.Remove("missing"))
	assert.Equal(t, 1, r.CountFor("u1"))
	assert.True(t, r.Remove("B"))
	assert.Equal(t, 0, r.CountFor("u1"))
	assert.Empty(t, r.Principals())
	checkIndexes(t, r)
}

func TestConcurrentAdmitsSingleSession(t *testing.T) {
	r := NewRegistry(true)
	const n = 64
	evictions := make(chan *Connection, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, _ := newConn(fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i%4))
			if ev := r.Admit(c); ev != nil {
				evictions <- ev
			}
			if i%3 == 0 {
				r.Remove(c.ID())
			}
		}(i)
	}
	wg.Wait()
	close(evictions)

	checkIndexes(t, r)
	seen := map[string]bool{}
	for ev := range evictions {
		require.False(t, seen[ev.ID()], "connection %s evicted twice", ev.ID())
		seen[ev.ID()] = true
	}
	for _, p := range []string{"u0", "u1", "u2", "u3"} {
		assert.LessOrEqual(t, r.CountFor(p), 1)
	}
}

func TestAggregateStats(t *testing.T) {
	r := NewRegistry(false)
	for i, p := range []string{"u1", "u1", "u2"} {
		c, _ := newConn(fmt.Sprintf("c%d", i), p)
		r.Admit(c)
	}
	stats := r.AggregateStats()
	assert.Equal(t, 2, stats.TotalPrincipals)
	assert.Equal(t, 3, stats.TotalConnections)
	assert.Equal(t, map[string]int{"u1": 2, "u2": 1}, stats.PerPrincipal)
	assert.Equal(t, []string{"u1", "u2"}, r.Principals())
}

func TestBroadcastSkipsFailures(t *testing.T) {
	r := NewRegistry(false)
	a, ta := newConn("A", "u1")
	b, tb := newConn("B", "u2")
	c, tc := newConn("C", "u2")
	r.Admit(a)
	r.Admit(b)
	r.Admit(c)

	tb.FailWrites(errors.New("broken pipe"))
	sent := r.Broadcast(map[string]string{"type": "notice"}, "A")
	assert.Equal(t, 1, sent)
	assert.Empty(t, ta.Frames())
	assert.Len(t, tc.Frames(), 1)

	sent = r.SendToPrincipal("u2", map[string]string{"type": "notice"})
	assert.Equal(t, 1, sent)
	assert.Len(t, tc.Frames(), 2)
	assert.Equal(t, 0, r.SendToPrincipal("nobody", map[string]string{"type": "notice"}))
}

func TestConnectionClose(t *testing.T) {
	c, tr := newConn("A", "u1")
	assert.True(t, c.Alive())
	code, _ := c.CloseStatus()
	assert.Equal(t, 0, code)

	require.NoError(t, c.Close(protocol.CloseSuperseded, protocol.ReasonSuperseded))
	require.NoError(t, c.Close(protocol.CloseGoingAway, "again"))

	code, reason := tr.CloseFrame()
	assert.Equal(t, protocol.CloseSuperseded, code)
	assert.Equal(t, protocol.ReasonSuperseded, reason)
	code, reason = c.CloseStatus()
	assert.Equal(t, protocol.CloseSuperseded, code)
	assert.Equal(t, protocol.ReasonSuperseded, reason)

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.ErrorIs(t, c.SendJSON(map[string]string{"type": "late"}), ErrClosed)

	_, err := c.Read()
	assert.ErrorIs(t, err, conntest.ErrTransportClosed)
}

func TestConnectionReadPeerClose(t *testing.T) {
	c, tr := newConn("A", "u1")
	tr.Push(`{"type":"pong"}`)
	data, err := c.Read()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(data))

	tr.Hangup(websocket.CloseNormalClosure)
	_, err = c.Read()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}

func TestMarkDead(t *testing.T) {
	c, _ := newConn("A", "u1")
	c.MarkDead()
	assert.False(t, c.Alive())
	assert.False(t, c.Summary().Alive)
}
