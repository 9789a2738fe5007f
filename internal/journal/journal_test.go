package journal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(3)
	base := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		p := "u1"
		if i%2 == 1 {
			p = "u2"
		}
		require.NoError(t, store.Append(ctx, Record{
			ConnectionID: fmt.Sprintf("c%d", i),
			PrincipalID:  p,
			Event:        EventAdmitted,
			At:           base.Add(time.Duration(i) * time.Second),
		}))
	}
	assert.Equal(t, 3, store.Len())

	all, err := store.Recent(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c4", all[0].ConnectionID)
	assert.Equal(t, "c2", all[2].ConnectionID)

	u2, err := store.Recent(ctx, "u2", 10)
	require.NoError(t, err)
	require.Len(t, u2, 1)
	assert.Equal(t, "c3", u2[0].ConnectionID)

	one, err := store.Recent(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)

	assert.ErrorIs(t, store.Append(ctx, Record{}), ErrConnectionIDEmpty)
}

func TestRecorderFlushesOnInvoke(t *testing.T) {
	store := NewMemoryStore(100)
	rec := NewRecorder(store, 100)
	for i := 0; i < 20; i++ {
		rec.Record(Record{ConnectionID: fmt.Sprintf("c%d", i), PrincipalID: "u1", Event: EventClosed})
	}
	require.NoError(t, rec.Invoke(context.Background()))
	require.NoError(t, rec.Invoke(context.Background()))

	assert.Equal(t, 20, store.Len())
	records, err := store.Recent(context.Background(), "u1", 1)
	require.NoError(t, err)
	assert.False(t, records[0].At.IsZero(), "Record stamps a time")

	rec.Record(Record{ConnectionID: "late"})
	assert.Equal(t, 20, store.Len())
}

type blockingStore struct {
	release chan struct{}
	inner   *MemoryStore
}

func (b *blockingStore) Append(ctx context.Context, r Record) error {
	<-b.release
	return b.inner.Append(ctx, r)
}

func (b *blockingStore) Recent(ctx context.Context, p string, limit int) ([]Record, error) {
	return b.inner.Recent(ctx, p, limit)
}

func TestRecorderDropsWhenFull(t *testing.T) {
	store := &blockingStore{release: make(chan struct{}), inner: NewMemoryStore(10)}
	rec := NewRecorder(store, 1)

	for i := 0; i < 10; i++ {
		rec.Record(Record{ConnectionID: fmt.Sprintf("c%d", i), Event: EventAdmitted})
	}
	assert.GreaterOrEqual(t, rec.Dropped(), uint64(8))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rec.Invoke(ctx), context.DeadlineExceeded)

	close(store.release)
	require.NoError(t, rec.Invoke(context.Background()))
	assert.Equal(t, uint64(10), rec.Dropped()+uint64(store.inner.Len()))
}

func TestNilRecorder(t *testing.T) {
	var rec *Recorder
	rec.Record(Record{ConnectionID: "c"})
	assert.Zero(t, rec.Dropped())
	assert.Nil(t, rec.Store())
	assert.NoError(t, rec.Invoke(context.Background()))
}
