package concurrency

import (
	"context"
	"sync"
	"time"
)

// cooperativeAdapter serializes all spawned work through one run loop so that
// no two tasks ever mutate shared state at the same time. Locks and maps stay
// mutex-backed: callers outside the loop, like net/http running one goroutine
// per request, still touch adapter-owned state.
type cooperativeAdapter struct {
	tasks chan func()
	done  chan struct{}
	once  sync.Once
}

// NewCooperative returns the single-flow adapter. Its run loop starts
// immediately and stops when Close is called.
func NewCooperative() Adapter {
	a := &cooperativeAdapter{
		tasks: make(chan func(), 128),
		done:  make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *cooperativeAdapter) run() {
	for {
		select {
		case fn := <-a.tasks:
			fn()
		case <-a.done:
			return
		}
	}
}

// NewLock returns a real mutex. Tasks on the run loop never contend with each
// other, but transport goroutines may enter concurrently.
func (a *cooperativeAdapter) NewLock() Lock { return &mutexLock{} }

func (a *cooperativeAdapter) Go(fn func()) {
	select {
	case a.tasks <- fn:
	case <-a.done:
	}
}

func (a *cooperativeAdapter) Sleep(ctx context.Context, d time.Duration) error {
	return sleep(ctx, d)
}

func (a *cooperativeAdapter) NewMap() Map {
	return &lockedMap{entries: make(map[string]any)}
}

func (a *cooperativeAdapter) Close() {
	a.once.Do(func() { close(a.done) })
}
