package client

import (
	"sync"

	"github.com/steveyegge/docsync/internal/syncengine"
)

type observed struct {
	snap *syncengine.ViewSnapshot
	err  error
}

// asyncObserver hands snapshots to a user callback on its own goroutine, in order, so a
// slow or re-entrant callback never blocks the queue. It stops after delivering an error.
type asyncObserver struct {
	fn func(*syncengine.ViewSnapshot, error)

	mu      sync.Mutex
	pending []observed
	muted   bool

	wake     chan struct{}
	done     chan struct{}
	muteOnce sync.Once
}

func newAsyncObserver(fn func(*syncengine.ViewSnapshot, error)) *asyncObserver {
	o := &asyncObserver{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go o.run()
	return o
}

// next is the syncengine.Observer. It runs on the queue.
func (o *asyncObserver) next(snap *syncengine.ViewSnapshot, err error) {
	o.mu.Lock()
	if o.muted {
		o.mu.Unlock()
		return
	}
	o.pending = append(o.pending, observed{snap: snap, err: err})
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *asyncObserver) run() {
	for {
		select {
		case <-o.done:
			return
		case <-o.wake:
		}
		for {
			o.mu.Lock()
			if o.muted || len(o.pending) == 0 {
				o.mu.Unlock()
				break
			}
			ev := o.pending[0]
			o.pending = o.pending[1:]
			o.mu.Unlock()

			o.fn(ev.snap, ev.err)
			if ev.err != nil {
				o.mute()
				return
			}
		}
	}
}

// mute drops pending and future events and stops the goroutine.
func (o *asyncObserver) mute() {
	o.muteOnce.Do(func() {
		o.mu.Lock()
		o.muted = true
		o.pending = nil
		o.mu.Unlock()
		close(o.done)
	})
}
