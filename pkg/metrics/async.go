package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver decouples recording from the hot path: events are queued
// and drained on a dedicated goroutine, dropping on overflow.
type AsyncObserver struct {
	inner   Observer
	dropped int64
	once    sync.Once

	// mu guards ch against a send racing the close.
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		inner: inner,
		ch:    make(chan Event, buffer),
	}
	go a.loop()
	return a
}

func (a *AsyncObserver) Record(ev Event) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- ev:
	default:
		atomic.AddInt64(&a.dropped, 1)
	}
}

func (a *AsyncObserver) Dropped() int64 {
	return atomic.LoadInt64(&a.dropped)
}

func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.ch)
		a.mu.Unlock()
	})
}

func (a *AsyncObserver) loop() {
	for ev := range a.ch {
		a.inner.Record(ev)
	}
}
