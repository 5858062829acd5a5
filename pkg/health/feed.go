package health

import (
	"context"
	"sync"
)

// feed fans snapshots out to subscribers without ever blocking the monitor.
// A subscriber whose buffer is full is dropped and its channel closed.
type feed struct {
	mu     sync.Mutex
	subs   map[*subscription]struct{}
	buffer int
	closed bool
}

type subscription struct {
	ch   chan Snapshot
	once sync.Once
}

func (s *subscription) close() {
	s.once.Do(func() { close(s.ch) })
}

func newFeed(buffer int) *feed {
	return &feed{
		subs:   make(map[*subscription]struct{}),
		buffer: max(buffer, 1),
	}
}

func (f *feed) subscribe(ctx context.Context) <-chan Snapshot {
	sub := &subscription{ch: make(chan Snapshot, f.buffer)}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		sub.close()
		return sub.ch
	}
	f.subs[sub] = struct{}{}

	if ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			f.drop(sub)
		}()
	}
	return sub.ch
}

func (f *feed) publish(s Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for sub := range f.subs {
		select {
		case sub.ch <- s:
		default:
			delete(f.subs, sub)
			sub.close()
		}
	}
}

func (f *feed) drop(sub *subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, sub)
	sub.close()
}

func (f *feed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for sub := range f.subs {
		sub.close()
	}
	clear(f.subs)
}
