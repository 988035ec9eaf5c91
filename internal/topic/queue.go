package topic

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	apperrors "qstream/internal/errors"
)

// Envelope is one update published on a topic. Err is set only on the
// terminal envelope a queue yields after its topic failed or shut down.
type Envelope struct {
	Key  Key
	Seq  uint64
	Data any
	Err  error
	Time time.Time
}

// OverflowPolicy decides what Push does when a queue is full.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest buffered envelope to make room.
	DropOldest OverflowPolicy = iota
	// Block waits up to BlockTimeout for the reader to make room, then
	// fails the queue with SLOW_CONSUMER.
	Block
)

// String returns the config spelling of the policy.
func (p OverflowPolicy) String() string {
	switch p {
	case Block:
		return "block"
	default:
		return "drop_oldest"
	}
}

// ParseOverflowPolicy maps "drop_oldest" and "block" to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, bool) {
	switch s {
	case "", "drop_oldest":
		return DropOldest, true
	case "block":
		return Block, true
	default:
		return DropOldest, false
	}
}

const (
	DefaultQueueCapacity = 256
	DefaultBlockTimeout  = 250 * time.Millisecond
)

// QueueOptions bounds a subscriber queue.
type QueueOptions struct {
	Capacity     int            `json:"capacity" yaml:"capacity"`
	Policy       OverflowPolicy `json:"-" yaml:"-"`
	BlockTimeout time.Duration  `json:"block_timeout" yaml:"block_timeout"`
}

// WithDefaults fills zero fields with the package defaults.
func (o QueueOptions) WithDefaults() QueueOptions {
	if o.Capacity <= 0 {
		o.Capacity = DefaultQueueCapacity
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = DefaultBlockTimeout
	}
	return o
}

// Queue is a bounded FIFO of envelopes owned by one subscriber. It has a
// single writer (the topic's producer) and a single reader (the owning
// connection).
type Queue struct {
	opts QueueOptions

	mu     sync.Mutex
	buf    []Envelope
	closed bool
	err    error // delivered once as a terminal envelope
	errKey Key

	ready   chan struct{} // signalled when buf becomes non-empty or the queue closes
	space   chan struct{} // signalled when the reader frees a slot
	done    chan struct{}
	dropped atomic.Uint64
}

// NewQueue returns an empty queue bounded by opts.
func NewQueue(opts QueueOptions) *Queue {
	opts = opts.WithDefaults()
	return &Queue{
		opts:  opts,
		buf:   make([]Envelope, 0, min(opts.Capacity, 64)),
		ready: make(chan struct{}, 1),
		space: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Push appends env. It reports whether an older envelope was dropped to
// make room. With the Block policy it waits for room; if none frees up within
// BlockTimeout the queue is failed with SLOW_CONSUMER and that error is
// returned. Pushing to a closed queue returns ErrQueueClosed.
func (q *Queue) Push(ctx context.Context, env Envelope) (dropped bool, err error) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return false, ErrQueueClosed
		}
		if len(q.buf) < q.opts.Capacity {
			q.buf = append(q.buf, env)
			q.mu.Unlock()
			signal(q.ready)
			return dropped, nil
		}
		if q.opts.Policy == DropOldest {
			q.buf[0] = Envelope{}
			q.buf = append(q.buf[1:], env)
			q.mu.Unlock()
			q.dropped.Add(1)
			signal(q.ready)
			return true, nil
		}
		q.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(q.opts.BlockTimeout)
		}
		select {
		case <-q.space:
		case <-q.done:
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			slow := apperrors.Newf(apperrors.ErrCodeSlowConsumer, "Subscriber too slow",
				"queue full for %s", q.opts.BlockTimeout)
			q.Close(env.Key, slow)
			return false, slow
		}
	}
}

// Pop returns the next envelope, waiting until one is available. After the
// queue is closed the buffered envelopes are still returned in order, then
// the terminal error envelope (if the queue was closed with an error), and
// then ErrQueueClosed.
func (q *Queue) Pop(ctx context.Context) (Envelope, error) {
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			env := q.buf[0]
			q.buf[0] = Envelope{}
			q.buf = q.buf[1:]
			q.mu.Unlock()
			signal(q.space)
			return env, nil
		}
		if q.closed {
			err := q.err
			q.err = nil
			key := q.errKey
			q.mu.Unlock()
			if err != nil {
				return Envelope{Key: key, Err: err, Time: time.Now()}, nil
			}
			return Envelope{}, ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
	}
}

// Close marks the queue closed. A non-nil err is handed to the reader as a
// terminal envelope once the buffered envelopes are drained. Close is
// idempotent; only the first call's error is kept.
func (q *Queue) Close(key Key, err error) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.closed = true
	q.err = err
	q.errKey = key
	q.mu.Unlock()
	close(q.done)
	return true
}

// Done is closed once the queue is closed.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Len returns the number of buffered envelopes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Dropped returns how many envelopes DropOldest has evicted.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Options returns the effective queue options.
func (q *Queue) Options() QueueOptions {
	return q.opts
}
