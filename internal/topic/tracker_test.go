package topic_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "qstream/internal/errors"
	"qstream/internal/logger"
	"qstream/internal/topic"
	"qstream/internal/topic/topictest"
)

func newTracker(t *testing.T, p topic.Producer, obs topic.Observer) *topic.Tracker {
	t.Helper()
	tr := topic.NewTracker(p, topic.Options{
		Name:     "test",
		Logger:   logger.NewWithWriter(io.Discard, logger.LevelError),
		Observer: obs,
	})
	t.Cleanup(tr.Shutdown)
	return tr
}

func pop(t *testing.T, q *topic.Queue) topic.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := q.Pop(ctx)
	require.NoError(t, err)
	return env
}

func assertClosed(t *testing.T, s *topictest.Stream) {
	t.Helper()
	select {
	case <-s.Closed():
	default:
		t.Fatal("upstream stream still open")
	}
}

func TestTrackerTopicLifecycle(t *testing.T) {
	p := topictest.NewProducer()
	tr := newTracker(t, p, nil)
	ctx := context.Background()
	key := topic.NewKey("bars", "AAPL", "1m")

	qx := topic.NewQueue(topic.QueueOptions{})
	hx, err := tr.Subscribe(ctx, key, qx)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Opens())

	info, ok := tr.Stats(key)
	require.True(t, ok)
	assert.Equal(t, 1, info.Subscribers)
	assert.True(t, info.Running)
	assert.Equal(t, "bars:AAPL:1m", info.Key)

	qy := topic.NewQueue(topic.QueueOptions{})
	hy, err := tr.Subscribe(ctx, key, qy)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Opens(), "second subscriber must share the producer")

	info, _ = tr.Stats(key)
	assert.Equal(t, 2, info.Subscribers)

	require.True(t, p.Emit(key, "bar-1"))
	for _, q := range []*topic.Queue{qx, qy} {
		env := pop(t, q)
		assert.Equal(t, "bar-1", env.Data)
		assert.Equal(t, uint64(1), env.Seq)
		assert.Equal(t, key, env.Key)
	}

	assert.True(t, tr.Unsubscribe(hx))
	info, ok = tr.Stats(key)
	require.True(t, ok)
	assert.Equal(t, 1, info.Subscribers)
	assert.True(t, info.Running)
	assert.Equal(t, 0, p.Closes())

	assert.True(t, tr.Unsubscribe(hy))
	assertClosed(t, p.Stream(key))
	_, ok = tr.Stats(key)
	assert.False(t, ok)
	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, 0, tr.ProducersRunning())
	assert.Equal(t, 1, p.Closes())
}

func TestTrackerConcurrentSubscribeStartsOneProducerPerKey(t *testing.T) {
	p := topictest.NewProducer()
	tr := newTracker(t, p, nil)

	const keys, perKey = 10, 100
	handles := make([]topic.Handle, keys*perKey)

	var wg sync.WaitGroup
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := topic.NewKey("bars", fmt.Sprintf("SYM%d", i%keys), "1m")
			h, err := tr.Subscribe(context.Background(), key, topic.NewQueue(topic.QueueOptions{Capacity: 4}))
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, keys, p.Opens())
	assert.Equal(t, uint64(keys), tr.ProducersStarted())
	assert.Equal(t, keys, tr.Len())
	for _, info := range tr.Topics() {
		assert.Equal(t, perKey, info.Subscribers, info.Key)
	}

	for i := range handles {
		wg.Add(1)
		go func(h topic.Handle) {
			defer wg.Done()
			assert.True(t, tr.Unsubscribe(h))
		}(handles[i])
	}
	wg.Wait()

	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, keys, p.Closes())
	assert.Equal(t, 0, tr.ProducersRunning())
}

func TestTrackerChurnNeverOverlapsProducers(t *testing.T) {
	var active, peak atomic.Int64
	p := topic.ProducerFunc(func(ctx context.Context, key topic.Key) (topic.Stream, error) {
		n := active.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		return topic.StreamFuncs{
			NextFunc: func(ctx context.Context) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			CloseFunc: func() error {
				active.Add(-1)
				return nil
			},
		}, nil
	})
	tr := newTracker(t, p, nil)
	key := topic.NewKey("orders", "acct123")

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				h, err := tr.Subscribe(context.Background(), key, topic.NewQueue(topic.QueueOptions{}))
				if !assert.NoError(t, err) {
					return
				}
				tr.Unsubscribe(h)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), peak.Load())
	assert.Equal(t, int64(0), active.Load())
	assert.Equal(t, 0, tr.Len())
}

func TestTrackerUnsubscribeIsIdempotent(t *testing.T) {
	p := topictest.NewProducer()
	tr := newTracker(t, p, nil)
	key := topic.NewKey("bars", "MSFT", "5m")

	h, err := tr.Subscribe(context.Background(), key, topic.NewQueue(topic.QueueOptions{}))
	require.NoError(t, err)

	assert.True(t, tr.Unsubscribe(h))
	assert.False(t, tr.Unsubscribe(h))
	assert.False(t, tr.Unsubscribe(topic.Handle{}))

	// A handle from an earlier generation must not touch the new topic.
	fresh, err := tr.Subscribe(context.Background(), key, topic.NewQueue(topic.QueueOptions{}))
	require.NoError(t, err)
	assert.False(t, tr.Unsubscribe(h))

	info, ok := tr.Stats(key)
	require.True(t, ok)
	assert.Equal(t, 1, info.Subscribers)
	assert.True(t, tr.Unsubscribe(fresh))
	assert.Equal(t, 2, p.Closes())
}

func TestTrackerFanOutPreservesOrder(t *testing.T) {
	p := topictest.NewProducer()
	tr := newTracker(t, p, nil)
	key := topic.NewKey("bars", "AAPL", "1m")

	qa := topic.NewQueue(topic.QueueOptions{Capacity: 100})
	qb := topic.NewQueue(topic.QueueOptions{Capacity: 100})
	_, err := tr.Subscribe(context.Background(), key, qa)
	require.NoError(t, err)
	_, err = tr.Subscribe(context.Background(), key, qb)
	require.NoError(t, err)

	const n = 50
	for i := 1; i <= n; i++ {
		p.Emit(key, i)
	}

	for _, q := range []*topic.Queue{qa, qb} {
		for i := 1; i <= n; i++ {
			env := pop(t, q)
			assert.Equal(t, i, env.Data)
			assert.Equal(t, uint64(i), env.Seq)
		}
	}
}

func TestTrackerLateJoinerStartsFromNextUpdate(t *testing.T) {
	p := topictest.NewProducer()
	tr := newTracker(t, p, nil)
	key := topic.NewKey("bars", "AAPL", "1m")

	qa := topic.NewQueue(topic.QueueOptions{})
	_, err := tr.Subscribe(context.Background(), key, qa)
	require.NoError(t, err)

	p.Emit(key, "u1")
	assert.Equal(t, "u1", pop(t, qa).Data)

	qb := topic.NewQueue(topic.QueueOptions{})
	_, err = tr.Subscribe(context.Background(), key, qb)
	require.NoError(t, err)

	p.Emit(key, "u2")
	env := pop(t, qb)
	assert.Equal(t, "u2", env.Data)
	assert.Equal(t, uint64(2), env.Seq)
	assert.Equal(t, "u2", pop(t, qa).Data)
}

func TestTrackerProducerFailureNotifiesEverySubscriber(t *testing.T) {
	p := topictest.NewProducer()
	tr := newTracker(t, p, nil)
	key := topic.NewKey("orders", "acct123")

	q1 := topic.NewQueue(topic.QueueOptions{})
	q2 := topic.NewQueue(topic.QueueOptions{})
	h1, err := tr.Subscribe(context.Background(), key, q1)
	require.NoError(t, err)
	_, err = tr.Subscribe(context.Background(), key, q2)
	require.NoError(t, err)

	p.Fail(key, errors.New("connection reset by peer"))

	for _, q := range []*topic.Queue{q1, q2} {
		env := pop(t, q)
		require.Error(t, env.Err)
		assert.True(t, errors.Is(env.Err, apperrors.ErrProducerFailed))
		assert.Contains(t, env.Err.Error(), "connection reset by peer")
		assert.Equal(t, key, env.Key)

		_, err := q.Pop(context.Background())
		assert.ErrorIs(t, err, topic.ErrQueueClosed)
	}

	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, 0, tr.ProducersRunning())
	assertClosed(t, p.Stream(key))
	assert.False(t, tr.Unsubscribe(h1))

	_, err = tr.Subscribe(context.Background(), key, topic.NewQueue(topic.QueueOptions{}))
	require.NoError(t, err)
	assert.Equal(t, 2, p.Opens(), "a new subscriber gets a fresh producer")
}

func TestTrackerUpstreamEndIsFailure(t *testing.T) {
	p := topictest.NewProducer()
	tr := newTracker(t, p, nil)
	key := topic.NewKey("executions", "acct9")

	q := topic.NewQueue(topic.QueueOptions{})
	_, err := tr.Subscribe(context.Background(), key, q)
	require.NoError(t, err)

	p.End(key)
	env := pop(t, q)
	assert.True(t, errors.Is(env.Err, apperrors.ErrProducerFailed))
	assert.True(t, errors.Is(env.Err, topic.ErrStreamEnded))
}

func TestTrackerOpenFailureLeavesNoState(t *testing.T) {
	p := topictest.NewProducer()
	var refuse atomic.Bool
	refuse.Store(true)
	p.OpenErr = func(topic.Key) error {
		if refuse.Load() {
			return errors.New("upstream refused")
		}
		return nil
	}
	tr := newTracker(t, p, nil)
	key := topic.NewKey("bars", "ZZZ", "1m")

	q := topic.NewQueue(topic.QueueOptions{})
	_, err := tr.Subscribe(context.Background(), key, q)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrProducerUnavailable))
	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, uint64(0), tr.ProducersStarted())

	refuse.Store(false)
	_, err = tr.Subscribe(context.Background(), key, q)
	require.NoError(t, err)
	assert.Equal(t, 1, tr.Len())
}

func TestTrackerPanicsBecomeErrors(t *testing.T) {
	t.Run("open", func(t *testing.T) {
		p := topic.ProducerFunc(func(context.Context, topic.Key) (topic.Stream, error) {
			panic("boom")
		})
		tr := newTracker(t, p, nil)
		_, err := tr.Subscribe(context.Background(), topic.NewKey("bars", "A", "1m"), topic.NewQueue(topic.QueueOptions{}))
		assert.True(t, errors.Is(err, apperrors.ErrProducerUnavailable))
		assert.Equal(t, 0, tr.Len())
	})

	t.Run("next", func(t *testing.T) {
		p := topic.ProducerFunc(func(context.Context, topic.Key) (topic.Stream, error) {
			return topic.StreamFuncs{NextFunc: func(context.Context) (any, error) {
				panic("boom")
			}}, nil
		})
		tr := newTracker(t, p, nil)
		q := topic.NewQueue(topic.QueueOptions{})
		_, err := tr.Subscribe(context.Background(), topic.NewKey("bars", "A", "1m"), q)
		require.NoError(t, err)

		env := pop(t, q)
		assert.True(t, errors.Is(env.Err, apperrors.ErrProducerFailed))
		assert.Contains(t, env.Err.Error(), "producer panic")
	})
}

func TestTrackerSubscribeCancelledDuringOpen(t *testing.T) {
	p := topictest.NewProducer()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.OnOpen = func(openCtx context.Context, _ topic.Key) {
		cancel()
		<-openCtx.Done()
	}
	tr := newTracker(t, p, nil)

	_, err := tr.Subscribe(ctx, topic.NewKey("bars", "AAPL", "1m"), topic.NewQueue(topic.QueueOptions{}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrProducerUnavailable))
	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, 0, p.Opens())
}

func TestTrackerSlowSubscriberDoesNotStallOthers(t *testing.T) {
	p := topictest.NewProducer()
	tr := newTracker(t, p, nil)
	key := topic.NewKey("bars", "AAPL", "1m")

	slow := topic.NewQueue(topic.QueueOptions{Capacity: 1, Policy: topic.Block, BlockTimeout: 20 * time.Millisecond})
	fast := topic.NewQueue(topic.QueueOptions{Capacity: 16})
	hs, err := tr.Subscribe(context.Background(), key, slow)
	require.NoError(t, err)
	_, err = tr.Subscribe(context.Background(), key, fast)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		p.Emit(key, i)
	}
	for i := 1; i <= 3; i++ {
		assert.Equal(t, i, pop(t, fast).Data)
	}

	assert.Equal(t, 1, pop(t, slow).Data)
	env := pop(t, slow)
	assert.True(t, errors.Is(env.Err, apperrors.ErrSlowConsumer))

	assert.True(t, tr.Unsubscribe(hs))
	info, ok := tr.Stats(key)
	require.True(t, ok)
	assert.Equal(t, 1, info.Subscribers)
}

func TestTrackerReleasesAllTopicsOfOneOwner(t *testing.T) {
	p := topictest.NewProducer()
	tr := newTracker(t, p, nil)

	var handles []topic.Handle
	for _, sym := range []string{"AAPL", "MSFT", "GOOG", "TSLA", "NVDA"} {
		h, err := tr.Subscribe(context.Background(), topic.NewKey("bars", sym, "1m"), topic.NewQueue(topic.QueueOptions{}))
		require.NoError(t, err)
		handles = append(handles, h)
	}
	assert.Equal(t, 5, tr.Len())

	for _, h := range handles {
		assert.True(t, tr.Unsubscribe(h))
		select {
		case <-h.Queue().Done():
		default:
			t.Fatal("queue left open after unsubscribe")
		}
	}
	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, 5, p.Closes())
}

func TestTrackerShutdown(t *testing.T) {
	p := topictest.NewProducer()
	obs := &countingObserver{}
	tr := newTracker(t, p, obs)

	q1 := topic.NewQueue(topic.QueueOptions{})
	q2 := topic.NewQueue(topic.QueueOptions{})
	_, err := tr.Subscribe(context.Background(), topic.NewKey("bars", "AAPL", "1m"), q1)
	require.NoError(t, err)
	_, err = tr.Subscribe(context.Background(), topic.NewKey("orders", "acct1"), q2)
	require.NoError(t, err)

	tr.Shutdown()
	tr.Shutdown()

	for _, q := range []*topic.Queue{q1, q2} {
		env := pop(t, q)
		assert.True(t, errors.Is(env.Err, apperrors.ErrServiceUnavailable))
	}
	assert.Equal(t, 2, p.Closes())
	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, int64(2), obs.stopped.Load())

	_, err = tr.Subscribe(context.Background(), topic.NewKey("bars", "AAPL", "1m"), topic.NewQueue(topic.QueueOptions{}))
	assert.True(t, errors.Is(err, apperrors.ErrServiceUnavailable))
}

func TestTrackerRejectsNilQueue(t *testing.T) {
	tr := newTracker(t, topictest.NewProducer(), nil)
	_, err := tr.Subscribe(context.Background(), topic.NewKey("bars", "A", "1m"), nil)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
}

func TestTrackerTopicsAndObserver(t *testing.T) {
	p := topictest.NewProducer()
	obs := &countingObserver{}
	tr := newTracker(t, p, obs)

	hb, err := tr.Subscribe(context.Background(), topic.NewKey("bars", "MSFT", "1m"), topic.NewQueue(topic.QueueOptions{}))
	require.NoError(t, err)
	_, err = tr.Subscribe(context.Background(), topic.NewKey("bars", "AAPL", "1m"), topic.NewQueue(topic.QueueOptions{}))
	require.NoError(t, err)

	topics := tr.Topics()
	require.Len(t, topics, 2)
	assert.Equal(t, "bars:AAPL:1m", topics[0].Key)
	assert.Equal(t, "bars:MSFT:1m", topics[1].Key)
	assert.Equal(t, "bars", topics[0].Route)

	p.Emit(hb.Key(), "x")
	require.Eventually(t, func() bool { return obs.published.Load() == 1 }, time.Second, 5*time.Millisecond)

	tr.Unsubscribe(hb)
	assert.Equal(t, int64(2), obs.started.Load())
	assert.Equal(t, int64(2), obs.added.Load())
	assert.Equal(t, int64(1), obs.removed.Load())
	assert.Equal(t, int64(1), obs.stopped.Load())
	assert.Equal(t, "test", tr.Name())
}

type countingObserver struct {
	started, stopped, added, removed, published, dropped atomic.Int64
}

func (o *countingObserver) TopicStarted(string)         { o.started.Add(1) }
func (o *countingObserver) TopicStopped(string, string) { o.stopped.Add(1) }
func (o *countingObserver) SubscriberAdded(string)      { o.added.Add(1) }
func (o *countingObserver) SubscriberRemoved(string)    { o.removed.Add(1) }
func (o *countingObserver) Published(_ string, n int)   { o.published.Add(int64(n)) }
func (o *countingObserver) Dropped(_ string, n int)     { o.dropped.Add(int64(n)) }
