// Package concurrency abstracts the two execution models the runtime supports:
// preemptive OS threads (goroutines with real mutexes) and a cooperative
// single-threaded scheduler where all work is serialized through one run loop.
//
// Shared broadcast and timer logic in the transports and the subscription
// manager is written once against the Adapter contract and runs correctly
// under either model.
package concurrency

import (
	"context"
	"fmt"
	"time"
)

// Mode selects the execution model. The choice is made once at startup; there
// is no runtime auto-detection.
type Mode string

const (
	// ModeAuto resolves to ModeThreaded at construction time.
	ModeAuto Mode = "auto"
	// ModeThreaded uses goroutines and mutexes.
	ModeThreaded Mode = "threaded"
	// ModeCooperative serializes all spawned work through a single run loop.
	ModeCooperative Mode = "cooperative"
)

// Lock guards a critical section.
type Lock interface {
	// Do runs fn while holding the lock.
	Do(fn func())
}

// Map is a string-keyed map safe for use under the owning adapter's model.
type Map interface {
	Load(key string) (any, bool)
	Store(key string, value any)
	Delete(key string)
	// Range calls fn for each entry until fn returns false. The iteration
	// order is unspecified.
	Range(fn func(key string, value any) bool)
	Len() int
}

// Adapter is the uniform surface over both execution models.
type Adapter interface {
	// NewLock returns a lock guarding a critical section. Both models hand out
	// real mutexes; state owned by an adapter may still be reached from
	// goroutines outside it, such as net/http request handlers.
	NewLock() Lock

	// Go runs fn as background work: a goroutine under the threaded model, a
	// task on the shared run loop under the cooperative model.
	Go(fn func())

	// Sleep blocks for d or until ctx is done, whichever comes first.
	Sleep(ctx context.Context, d time.Duration) error

	// NewMap returns a map safe for concurrent mutation under the model.
	NewMap() Map

	// Close releases scheduler resources. It is a no-op for the threaded
	// adapter.
	Close()
}

// New constructs an adapter for the given mode. ModeAuto resolves to
// ModeThreaded: picking the model is a deployment decision, not something the
// protocol layer should guess at.
func New(mode Mode) (Adapter, error) {
	switch mode {
	case ModeThreaded, ModeAuto, "":
		return NewThreaded(), nil
	case ModeCooperative:
		return NewCooperative(), nil
	default:
		return nil, fmt.Errorf("unknown concurrency mode %q", mode)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
