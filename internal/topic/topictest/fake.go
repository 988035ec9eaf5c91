// Package topictest provides a controllable in-memory Producer for tests of
// code built on package topic.
package topictest

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"qstream/internal/topic"
)

// Producer is a topic.Producer whose streams are driven by the test. Every
// Open creates a Stream registered under its key; Emit, Fail and End act
// on the most recent stream for a key.
type Producer struct {
	// OpenErr, when set, is returned by Open for keys it returns non-nil for.
	OpenErr func(key topic.Key) error
	// OnOpen, when set, runs inside Open before the stream is registered.
	OnOpen func(ctx context.Context, key topic.Key)

	opens  atomic.Int64
	closes atomic.Int64

	mu      sync.Mutex
	streams map[topic.Key]*Stream
	opened  chan topic.Key
}

// NewProducer returns an empty fake producer.
func NewProducer() *Producer {
	return &Producer{
		streams: make(map[topic.Key]*Stream),
		opened:  make(chan topic.Key, 1024),
	}
}

// Open implements topic.Producer.
func (p *Producer) Open(ctx context.Context, key topic.Key) (topic.Stream, error) {
	if p.OnOpen != nil {
		p.OnOpen(ctx, key)
	}
	if p.OpenErr != nil {
		if err := p.OpenErr(key); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s := &Stream{
		key:     key,
		p:       p,
		updates: make(chan any, 1024),
		failure: make(chan error, 1),
		closed:  make(chan struct{}),
	}
	p.mu.Lock()
	p.streams[key] = s
	p.mu.Unlock()
	p.opens.Add(1)

	select {
	case p.opened <- key:
	default:
	}
	return s, nil
}

// Opens returns how many streams were opened.
func (p *Producer) Opens() int { return int(p.opens.Load()) }

// Closes returns how many streams were closed.
func (p *Producer) Closes() int { return int(p.closes.Load()) }

// Opened delivers the key of each opened stream.
func (p *Producer) Opened() <-chan topic.Key { return p.opened }

// Stream returns the latest stream opened for key.
func (p *Producer) Stream(key topic.Key) *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams[key]
}

// Emit queues data on the latest stream for key. It reports false if no
// stream was ever opened for key.
func (p *Producer) Emit(key topic.Key, data any) bool {
	s := p.Stream(key)
	if s == nil {
		return false
	}
	s.updates <- data
	return true
}

// Fail makes the latest stream for key return err from Next.
func (p *Producer) Fail(key topic.Key, err error) bool {
	s := p.Stream(key)
	if s == nil {
		return false
	}
	select {
	case s.failure <- err:
	default:
	}
	return true
}

// End makes the latest stream for key report io.EOF.
func (p *Producer) End(key topic.Key) bool {
	return p.Fail(key, io.EOF)
}

// Stream is one fake upstream subscription.
type Stream struct {
	key     topic.Key
	p       *Producer
	updates chan any
	failure chan error

	closeOnce sync.Once
	closed    chan struct{}
}

// Next implements topic.Stream.
func (s *Stream) Next(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-s.failure:
		return nil, err
	case v := <-s.updates:
		return v, nil
	case <-s.closed:
		return nil, errors.New("topictest: stream used after close")
	}
}

// Close implements topic.Stream.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.p.closes.Add(1)
	})
	return nil
}

// Closed is closed once the stream has been released.
func (s *Stream) Closed() <-chan struct{} { return s.closed }
