// Package memory implements broker.Broker with in-process channels. Suitable
// for single-node deployments and tests; state is local to the process.
package memory

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/contexthost/mcprt/broker"
)

// backlogLimit caps the per-stream replay buffer. Entries that fall off are
// no longer resumable; a consumer that far behind restarts from the live
// feed.
const backlogLimit = 256

// Broker keeps one buffered stream per key. Event ids are process-global and
// monotonic so resumption cursors remain unambiguous across streams.
type Broker struct {
	mu      sync.Mutex
	streams map[string]*stream
	counter atomic.Int64
}

type stream struct {
	mu          sync.Mutex
	backlog     []broker.Envelope
	subscribers map[*subscription]struct{}
	closed      bool
}

type subscription struct {
	owner  *stream
	ch     chan broker.Envelope
	done   chan struct{}
	closed atomic.Bool
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{streams: make(map[string]*stream)}
}

func (b *Broker) get(name string) *stream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[name]
	if !ok {
		s = &stream{subscribers: make(map[*subscription]struct{})}
		b.streams[name] = s
	}
	return s
}

func (b *Broker) Publish(ctx context.Context, name string, data []byte) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	env := broker.Envelope{
		ID:   strconv.FormatInt(b.counter.Add(1), 10),
		Data: append([]byte(nil), data...),
	}

	s := b.get(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", fmt.Errorf("stream %q has been cleaned up", name)
	}

	s.backlog = append(s.backlog, env)
	if len(s.backlog) > backlogLimit {
		trimmed := make([]broker.Envelope, backlogLimit)
		copy(trimmed, s.backlog[len(s.backlog)-backlogLimit:])
		s.backlog = trimmed
	}
	for sub := range s.subscribers {
		select {
		case sub.ch <- env:
		case <-sub.done:
			delete(s.subscribers, sub)
		default:
			// Slow consumer: drop from the live feed. The message stays in
			// the backlog and is recoverable via Last-Event-ID resumption.
		}
	}
	return env.ID, nil
}

func (b *Broker) Subscribe(ctx context.Context, name string, lastEventID string) (broker.Stream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	s := b.get(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("stream %q has been cleaned up", name)
	}

	sub := &subscription{
		owner: s,
		ch:    make(chan broker.Envelope, 100),
		done:  make(chan struct{}),
	}
	s.subscribers[sub] = struct{}{}

	if lastEventID != "" {
		start := -1
		for i, env := range s.backlog {
			if env.ID == lastEventID {
				start = i + 1
				break
			}
		}
		if start >= 0 {
			for _, env := range s.backlog[start:] {
				select {
				case sub.ch <- env:
				default:
					// Replay overflow: the consumer can reconnect with a
					// fresher cursor.
				}
			}
		}
	}

	return sub, nil
}

func (b *Broker) Cleanup(ctx context.Context, name string) error {
	b.mu.Lock()
	s, ok := b.streams[name]
	delete(b.streams, name)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for sub := range s.subscribers {
		if sub.closed.CompareAndSwap(false, true) {
			close(sub.done)
			close(sub.ch)
		}
	}
	s.subscribers = make(map[*subscription]struct{})
	s.backlog = nil
	return nil
}

func (sub *subscription) Next(ctx context.Context) (broker.Envelope, error) {
	select {
	case env, ok := <-sub.ch:
		if !ok {
			return broker.Envelope{}, io.EOF
		}
		return env, nil
	case <-ctx.Done():
		return broker.Envelope{}, ctx.Err()
	case <-sub.done:
		// Drain anything already buffered before reporting EOF.
		select {
		case env, ok := <-sub.ch:
			if ok {
				return env, nil
			}
		default:
		}
		return broker.Envelope{}, io.EOF
	}
}

func (sub *subscription) Close() error {
	if sub.closed.CompareAndSwap(false, true) {
		sub.owner.mu.Lock()
		delete(sub.owner.subscribers, sub)
		sub.owner.mu.Unlock()
		close(sub.done)
	}
	return nil
}

var (
	_ broker.Broker = (*Broker)(nil)
	_ broker.Stream = (*subscription)(nil)
)
