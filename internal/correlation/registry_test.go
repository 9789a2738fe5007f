package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateGeneratesIDs(t *testing.T) {
	r := NewRegistry(0)
	id, h, err := r.Create("", "data", 0, map[string]any{"dataTypes": []string{"cost"}})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^\d{13}-[A-Za-z0-9_-]{16}$`), id)
	assert.Equal(t, id, h.ID())
	assert.Equal(t, DefaultTimeout, h.Timeout())
	assert.True(t, r.IsPending(id))

	info, ok := r.Info(id)
	require.True(t, ok)
	assert.Equal(t, "data", info.Category)
	assert.Equal(t, DefaultTimeout, info.Timeout)
	assert.Contains(t, info.Metadata, "dataTypes")

	_, err = h.Outcome()
	assert.ErrorIs(t, err, ErrPending)
}

func TestCreateDuplicateID(t *testing.T) {
	r := NewRegistry(time.Second)
	_, _, err := r.Create("fixed", "data", 0, nil)
	require.NoError(t, err)
	_, _, err = r.Create("fixed", "data", 0, nil)
	require.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, 1, r.Count())

	require.True(t, r.Cancel("fixed"))
	_, _, err = r.Create("fixed", "data", 0, nil)
	assert.NoError(t, err, "a completed id may be reused")
}

func TestCompletesOnce(t *testing.T) {
	tests := []struct {
		name    string
		first   func(r *Registry, id string) bool
		wantErr error
	}{
		{"resolve", func(r *Registry, id string) bool { return r.Resolve(id, json.RawMessage(`{"ok":true}`)) }, nil},
		{"reject", func(r *Registry, id string) bool { return r.Reject(id, errors.New("denied")) }, nil},
		{"cancel", func(r *Registry, id string) bool { return r.Cancel(id) }, ErrCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(time.Second)
			id, h, err := r.Create("", "data", 0, nil)
			require.NoError(t, err)

			require.True(t, tt.first(r, id))
			v1, err1 := h.Outcome()

			assert.False(t, r.Resolve(id, json.RawMessage(`{"late":true}`)))
			assert.False(t, r.Reject(id, errors.New("late")))
			assert.False(t, r.Cancel(id))
			assert.Zero(t, r.CancelAll())

			v2, err2 := h.Outcome()
			assert.Equal(t, v1, v2)
			assert.Equal(t, err1, err2)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err2, tt.wantErr)
			}
			assert.Zero(t, r.Count())
		})
	}
}

func TestCancelAllRacesResolve(t *testing.T) {
	r := NewRegistry(time.Second)
	const n = 200
	handles := make(map[string]*Handle, n)
	for i := 0; i < n; i++ {
		id, h, err := r.Create("", "data", 0, nil)
		require.NoError(t, err)
		handles[id] = h
	}

	var resolved atomic.Int64
	var wg sync.WaitGroup
	for id := range handles {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if r.Resolve(id, json.RawMessage(`1`)) {
				resolved.Add(1)
			}
		}(id)
	}
	cancelled := r.CancelAll()
	wg.Wait()

	assert.Equal(t, int64(n), resolved.Load()+int64(cancelled))
	assert.Zero(t, r.Count())
	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			t.Fatal("handle left incomplete")
		}
	}
}

func TestTimeoutThenCancel(t *testing.T) {
	r := NewRegistry(time.Second)
	id, h, err := r.Create("", "data", 100*time.Millisecond, nil)
	require.NoError(t, err)

	timer := time.NewTimer(h.Timeout())
	defer timer.Stop()
	select {
	case <-h.Done():
		t.Fatal("handle completed without a reply")
	case <-timer.C:
	}
	require.True(t, r.Cancel(id))
	assert.Zero(t, r.Count())
	assert.False(t, r.Resolve(id, json.RawMessage(`{}`)))
}

func TestAwait(t *testing.T) {
	t.Run("reply", func(t *testing.T) {
		r := NewRegistry(time.Second)
		id, h, err := r.Create("", "data", 0, nil)
		require.NoError(t, err)
		go r.Resolve(id, json.RawMessage(`{"cost":1}`))

		v, err := Await(context.Background(), r, id, h)
		require.NoError(t, err)
		assert.JSONEq(t, `{"cost":1}`, string(v))
	})

	t.Run("timeout", func(t *testing.T) {
		r := NewRegistry(time.Second)
		id, h, err := r.Create("", "data", 50*time.Millisecond, nil)
		require.NoError(t, err)

		_, err = Await(context.Background(), r, id, h)
		var te *TimeoutError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, id, te.RequestID)
		assert.Zero(t, r.Count())
		assert.False(t, r.Resolve(id, json.RawMessage(`{}`)))
	})

	t.Run("context", func(t *testing.T) {
		r := NewRegistry(time.Second)
		id, h, err := r.Create("", "data", 0, nil)
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err = Await(ctx, r, id, h)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, r.IsPending(id))
	})

	t.Run("teardown", func(t *testing.T) {
		r := NewRegistry(time.Second)
		id, h, err := r.Create("", "data", 0, nil)
		require.NoError(t, err)
		go r.CancelAll()

		_, err = Await(context.Background(), r, id, h)
		assert.ErrorIs(t, err, ErrCancelled)
	})
}

func TestPendingIDsOrdered(t *testing.T) {
	r := NewRegistry(time.Second)
	for _, id := range []string{"3-c", "1-a", "2-b"} {
		_, _, err := r.Create(id, "data", 0, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"1-a", "2-b", "3-c"}, r.PendingIDs())
}

func TestNewRequestIDPrefix(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	id, err := NewRequestID(now)
	require.NoError(t, err)
	assert.Regexp(t, `^1700000000123-`, id)

	other, err := NewRequestID(now)
	require.NoError(t, err)
	assert.NotEqual(t, id, other)
}
