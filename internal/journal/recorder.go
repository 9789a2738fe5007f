package journal

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-ws-gateway/internal/logger"
)

// Recorder writes records to a Store from one background goroutine so the session
// path never waits on storage. A nil *Recorder discards everything.
type Recorder struct {
	store   Store
	ch      chan Record
	wg      sync.WaitGroup
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

func NewRecorder(store Store, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = 256
	}
	r := &Recorder{store: store, ch: make(chan Record, queueSize)}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for record := range r.ch {
		if err := r.store.Append(context.Background(), record); err != nil {
			logger.WarnF("[%s] Fail to write journal record %s, details: %v", record.ConnectionID, record.Event, err)
		}
	}
}

// Record queues record. When the queue is full the record is dropped.
func (r *Recorder) Record(record Record) {
	if r == nil {
		return
	}
	if record.At.IsZero() {
		record.At = time.Now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- record:
	default:
		n := r.dropped.Add(1)
		logger.WarnF("[%s] Journal queue full, dropped %s record (%d dropped so far)", record.ConnectionID, record.Event, n)
	}
}

func (r *Recorder) Dropped() uint64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// Store returns the backing store, or nil for a nil Recorder.
func (r *Recorder) Store() Store {
	if r == nil {
		return nil
	}
	return r.store
}

// Invoke stops accepting records and waits until the queue is flushed or ctx ends.
func (r *Recorder) Invoke(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()

	flushed := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
