package topic

import (
	"context"
	"errors"
)

var (
	// ErrQueueClosed is returned by Queue operations after Close.
	ErrQueueClosed = errors.New("topic: queue closed")
	// ErrStreamEnded is reported when an upstream stream ends on its own.
	ErrStreamEnded = errors.New("topic: upstream stream ended")
)

// Producer is the upstream data capability behind a route. Open is called
// once per topic, when its first subscriber arrives, and must return only
// after the upstream is ready to deliver. The returned Stream is owned by
// the topic's producer task.
//
// Coalescing or throttling, where a route wants it, belongs in the Stream
// implementation; the task publishes every value Next returns.
type Producer interface {
	Open(ctx context.Context, key Key) (Stream, error)
}

// Stream yields updates for one topic.
//
// Next blocks until the next update is available and must return promptly
// when ctx is cancelled. Returning io.EOF (or ErrStreamEnded) means the
// upstream closed; any other error is an upstream failure. Close releases the
// upstream subscription and is called exactly once by the task.
type Stream interface {
	Next(ctx context.Context) (any, error)
	Close() error
}

// ProducerFunc adapts a function to Producer.
type ProducerFunc func(ctx context.Context, key Key) (Stream, error)

// Open calls f.
func (f ProducerFunc) Open(ctx context.Context, key Key) (Stream, error) {
	return f(ctx, key)
}

// StreamFuncs adapts a pair of functions to Stream.
type StreamFuncs struct {
	NextFunc  func(ctx context.Context) (any, error)
	CloseFunc func() error
}

// Next calls NextFunc.
func (s StreamFuncs) Next(ctx context.Context) (any, error) {
	return s.NextFunc(ctx)
}

// Close calls CloseFunc if set.
func (s StreamFuncs) Close() error {
	if s.CloseFunc == nil {
		return nil
	}
	return s.CloseFunc()
}

// Observer receives topic lifecycle events, typically for metrics. All
// methods must be safe for concurrent use and must not block.
type Observer interface {
	TopicStarted(route string)
	TopicStopped(route string, reason string)
	SubscriberAdded(route string)
	SubscriberRemoved(route string)
	Published(route string, delivered int)
	Dropped(route string, n int)
}

type nopObserver struct{}

func (nopObserver) TopicStarted(string)         {}
func (nopObserver) TopicStopped(string, string) {}
func (nopObserver) SubscriberAdded(string)      {}
func (nopObserver) SubscriberRemoved(string)    {}
func (nopObserver) Published(string, int)       {}
func (nopObserver) Dropped(string, int)         {}
