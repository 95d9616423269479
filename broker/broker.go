// Package broker provides ordered, resumable message delivery for streaming
// transports. Each logical stream (keyed by session id) buffers outbound
// messages with monotonically increasing event ids so a reconnecting client
// can resume from its Last-Event-ID cursor.
package broker

import "context"

// Envelope wraps a message with the event id used for resumption.
type Envelope struct {
	// ID is unique and monotonically increasing within its stream.
	ID string `json:"id"`
	// Data is the serialized JSON-RPC message.
	Data []byte `json:"data"`
}

// Stream is an ordered consumer over one logical stream. A Stream is safe for
// use by a single consumer.
type Stream interface {
	// Next blocks until a message is available or ctx is done. It returns
	// io.EOF once the stream is closed and drained.
	Next(ctx context.Context) (Envelope, error)

	// Close releases the subscription.
	Close() error
}

// Broker fans messages out to all subscribers of a stream.
type Broker interface {
	// Publish appends data to the stream and returns the generated event id.
	Publish(ctx context.Context, stream string, data []byte) (eventID string, err error)

	// Subscribe starts consuming the stream. With a non-empty lastEventID the
	// subscription replays buffered messages after that id; otherwise it
	// starts at the next published message.
	Subscribe(ctx context.Context, stream string, lastEventID string) (Stream, error)

	// Cleanup drops the stream's buffer and terminates its subscribers.
	Cleanup(ctx context.Context, stream string) error
}
