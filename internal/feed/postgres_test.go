package feed

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qstream/internal/logger"
	"qstream/internal/testutils"
	"qstream/internal/topic"
)

type fakeListener struct {
	mu        sync.Mutex
	listening map[string]bool
	listenErr error
	notify    chan *pq.Notification
	closeOnce sync.Once
}

func newFakeListener() *fakeListener {
	return &fakeListener{listening: make(map[string]bool), notify: make(chan *pq.Notification, 16)}
}

func (f *fakeListener) Listen(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listenErr != nil {
		return f.listenErr
	}
	if f.listening[channel] {
		return pq.ErrChannelAlreadyOpen
	}
	f.listening[channel] = true
	return nil
}

func (f *fakeListener) Unlisten(channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.listening[channel] {
		return pq.ErrChannelNotOpen
	}
	delete(f.listening, channel)
	return nil
}

func (f *fakeListener) isListening(channel string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listening[channel]
}

func (f *fakeListener) NotificationChannel() <-chan *pq.Notification { return f.notify }

func (f *fakeListener) Close() error {
	f.closeOnce.Do(func() { close(f.notify) })
	return nil
}

func newPGSource(t *testing.T) (*PGNotifySource, *fakeListener) {
	t.Helper()
	l := newFakeListener()
	src := newPGNotifySource(l, "executions_%s", DecodeJSON[Execution], logger.NewWithWriter(io.Discard, logger.LevelInfo))
	t.Cleanup(func() { src.Close() })
	return src, l
}

func TestPGNotifySourceChannel(t *testing.T) {
	src, _ := newPGSource(t)
	assert.Equal(t, "executions_acct123", src.Channel(topic.NewKey("executions", "acct123")))
}

func TestPGNotifySourceRoutesNotifications(t *testing.T) {
	src, l := newPGSource(t)
	ctx := testutils.TimeoutContext(t, 5*time.Second)

	a, err := src.Open(ctx, topic.NewKey("executions", "a1"))
	require.NoError(t, err)
	b, err := src.Open(ctx, topic.NewKey("executions", "b2"))
	require.NoError(t, err)
	assert.True(t, l.isListening("executions_a1"))

	l.notify <- nil
	l.notify <- &pq.Notification{Channel: "executions_zz", Extra: `{"execution_id":"ignored"}`}
	l.notify <- &pq.Notification{Channel: "executions_b2", Extra: `{"execution_id":"x-b","price":"10.5"}`}
	l.notify <- &pq.Notification{Channel: "executions_a1", Extra: `garbage`}
	l.notify <- &pq.Notification{Channel: "executions_a1", Extra: `{"execution_id":"x-a"}`}

	v, err := a.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "x-a", v.(Execution).ExecutionID)

	v, err = b.Next(ctx)
	require.NoError(t, err)
	exec := v.(Execution)
	assert.Equal(t, "x-b", exec.ExecutionID)
	assert.Equal(t, "10.5", exec.Price.String())

	require.NoError(t, a.Close())
	assert.False(t, l.isListening("executions_a1"))
	assert.NoError(t, a.Close())
	require.NoError(t, b.Close())
}

func TestPGNotifySourceOpenErrors(t *testing.T) {
	src, l := newPGSource(t)
	key := topic.NewKey("executions", "a1")

	first, err := src.Open(context.Background(), key)
	require.NoError(t, err)
	_, err = src.Open(context.Background(), key)
	assert.ErrorContains(t, err, "already listened")
	require.NoError(t, first.Close())

	l.listenErr = assert.AnError
	_, err = src.Open(context.Background(), key)
	assert.ErrorIs(t, err, assert.AnError)

	l.listenErr = nil
	s, err := src.Open(context.Background(), key)
	require.NoError(t, err, "failed opens leave no registration behind")
	s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = src.Open(ctx, key)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPGNotifySourceRejectsLongChannel(t *testing.T) {
	src, l := newPGSource(t)
	account := strings.Repeat("a", 64)
	long := topic.NewKey("executions", account)

	_, err := src.Open(context.Background(), long)
	assert.ErrorContains(t, err, "exceeds 63 bytes")
	assert.False(t, l.isListening("executions_"+account))
	assert.False(t, l.isListening(("executions_" + account)[:63]))

	fits := topic.NewKey("executions", strings.Repeat("a", 52))
	s, err := src.Open(context.Background(), fits)
	require.NoError(t, err)
	assert.True(t, l.isListening(src.Channel(fits)))
	require.NoError(t, s.Close())
}

func TestPGNotifySourceBacklogFailsStream(t *testing.T) {
	src, l := newPGSource(t)
	ctx := testutils.TimeoutContext(t, 5*time.Second)

	s, err := src.Open(ctx, topic.NewKey("executions", "a1"))
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i <= notifyBacklog; i++ {
		l.notify <- &pq.Notification{Channel: "executions_a1", Extra: `{}`}
	}

	testutils.Eventually(t, func() bool {
		select {
		case <-s.(*pgStream).failed:
			return true
		default:
			return false
		}
	}, 2*time.Second, "stream not failed")

	var lastErr error
	for lastErr == nil {
		_, lastErr = s.Next(ctx)
	}
	assert.ErrorIs(t, lastErr, ErrNotifyBacklog)
}

func TestPGNotifySourceCloseEndsStreams(t *testing.T) {
	src, _ := newPGSource(t)
	s, err := src.Open(context.Background(), topic.NewKey("executions", "a1"))
	require.NoError(t, err)

	require.NoError(t, src.Close())
	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, s.Close(), "closing after the listener is gone is a no-op")
}
