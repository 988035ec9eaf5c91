package topic

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	apperrors "qstream/internal/errors"
	"qstream/internal/logger"
)

const shardCount = 32

// Reasons passed to Observer.TopicStopped.
const (
	ReasonUnsubscribed = "unsubscribed"
	ReasonFailed       = "failed"
	ReasonShutdown     = "shutdown"
)

// Options configures a Tracker.
type Options struct {
	// Name labels logs and metrics, normally the route name.
	Name     string
	Logger   logger.Logger
	Observer Observer
}

// Tracker owns the lifecycle of every topic of one route: which queues are
// subscribed to each key and the single producer task feeding them. A
// producer is opened when a key gets its first subscriber and cancelled when
// it loses its last one.
//
// Each key has its own lock, so subscribes and unsubscribes on unrelated
// keys never wait on each other. The key map itself is sharded and its locks
// are held only for lookup, insert and delete.
type Tracker struct {
	name     string
	producer Producer
	log      logger.Logger
	obs      Observer

	seed   maphash.Seed
	shards [shardCount]shard
	closed atomic.Bool

	nextGen atomic.Uint64
	nextID  atomic.Uint64
	started atomic.Uint64
	running atomic.Int64
}

type shard struct {
	mu     sync.Mutex
	topics map[Key]*topicState
}

// topicState is the arena entry for one key. subs, task and closed are
// guarded by mu; the fanout is read lock-free by the producer task.
type topicState struct {
	key Key
	gen uint64
	out *fanout

	mu        sync.Mutex
	subs      map[uint64]*Queue
	task      *task
	closed    bool
	startedAt time.Time
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// fanout is the part of a topic the producer task touches: a copy-on-write
// snapshot of the subscribed queues and the publish sequence.
type fanout struct {
	queues atomic.Pointer[[]*Queue]
	seq    atomic.Uint64
}

func (f *fanout) load() []*Queue {
	if p := f.queues.Load(); p != nil {
		return *p
	}
	return nil
}

// Handle references one queue's registration under one key. The zero
// Handle is invalid; unsubscribing it is a no-op.
type Handle struct {
	key   Key
	gen   uint64
	id    uint64
	queue *Queue
}

// Key returns the topic key the handle is registered under.
func (h Handle) Key() Key { return h.key }

// Queue returns the subscriber queue the handle registered.
func (h Handle) Queue() *Queue { return h.queue }

// Valid reports whether h came from a successful Subscribe.
func (h Handle) Valid() bool { return h.queue != nil }

// TopicInfo is a point-in-time view of one topic.
type TopicInfo struct {
	Key         string    `json:"key"`
	Route       string    `json:"route"`
	Subscribers int       `json:"subscribers"`
	Running     bool      `json:"running"`
	Published   uint64    `json:"published"`
	StartedAt   time.Time `json:"started_at"`
}

// NewTracker returns a tracker that opens producer for each new topic.
func NewTracker(producer Producer, opts Options) *Tracker {
	t := &Tracker{
		name:     opts.Name,
		producer: producer,
		log:      opts.Logger,
		obs:      opts.Observer,
		seed:     maphash.MakeSeed(),
	}
	if t.log == nil {
		t.log = logger.GetGlobalLogger()
	}
	t.log = t.log.WithField("route", opts.Name)
	if t.obs == nil {
		t.obs = nopObserver{}
	}
	for i := range t.shards {
		t.shards[i].topics = make(map[Key]*topicState)
	}
	return t
}

func (t *Tracker) shardFor(key Key) *shard {
	var h maphash.Hash
	h.SetSeed(t.seed)
	h.WriteString(key.Route)
	h.WriteByte(0)
	h.WriteString(key.params)
	return &t.shards[h.Sum64()%shardCount]
}

func (t *Tracker) lookup(key Key) *topicState {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topics[key]
}

// acquire returns the live state for key, creating an empty one if needed.
func (t *Tracker) acquire(key Key) (*topicState, error) {
	s := t.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.closed.Load() {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeServiceUnavailable,
			"Service unavailable", "tracker "+t.name+" is shut down", nil)
	}
	if st, ok := s.topics[key]; ok {
		return st, nil
	}
	st := &topicState{
		key:  key,
		gen:  t.nextGen.Add(1),
		out:  &fanout{},
		subs: make(map[uint64]*Queue),
	}
	s.topics[key] = st
	return st, nil
}

// release removes st from the arena. Callers hold st.mu.
func (t *Tracker) release(st *topicState) {
	s := t.shardFor(st.key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topics[st.key] == st {
		delete(s.topics, st.key)
	}
}

// refresh republishes the queue snapshot. Callers hold st.mu.
func (st *topicState) refresh() {
	queues := make([]*Queue, 0, len(st.subs))
	for _, q := range st.subs {
		queues = append(queues, q)
	}
	st.out.queues.Store(&queues)
}

// takeQueues empties the subscriber set. Callers hold st.mu.
func (st *topicState) takeQueues() []*Queue {
	queues := make([]*Queue, 0, len(st.subs))
	for id, q := range st.subs {
		queues = append(queues, q)
		delete(st.subs, id)
	}
	st.out.queues.Store(nil)
	return queues
}

// Subscribe registers q under key. When q is the first queue for key the
// producer is opened before Subscribe returns; if that fails nothing is
// retained for key and a PRODUCER_UNAVAILABLE error is returned.
//
// Delivery starts with the first update published after registration.
// An update the producer emits while Subscribe is still running may or may
// not reach q.
func (t *Tracker) Subscribe(ctx context.Context, key Key, q *Queue) (Handle, error) {
	if q == nil {
		return Handle{}, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "nil subscriber queue", nil)
	}
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}

	for {
		st, err := t.acquire(key)
		if err != nil {
			return Handle{}, err
		}

		st.mu.Lock()
		if st.closed {
			// Torn down while we waited for the lock; the arena no longer
			// holds it, so the next acquire creates a fresh state.
			st.mu.Unlock()
			continue
		}
		if st.task == nil {
			if err := t.start(ctx, st); err != nil {
				st.closed = true
				t.release(st)
				st.mu.Unlock()
				t.log.Warn("Producer failed to start", "topic", key.String(), "error", err)
				return Handle{}, err
			}
		}

		id := t.nextID.Add(1)
		st.subs[id] = q
		st.refresh()
		count := len(st.subs)
		st.mu.Unlock()

		t.obs.SubscriberAdded(t.name)
		t.log.Debug("Subscriber added", "topic", key.String(), "subscribers", count)
		return Handle{key: key, gen: st.gen, id: id, queue: q}, nil
	}
}

// start opens the producer for st and launches its task. Callers hold st.mu.
func (t *Tracker) start(ctx context.Context, st *topicState) error {
	taskCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)

	stream, err := t.open(taskCtx, st.key)
	if !stop() && err == nil {
		// The subscriber gave up while the upstream was opening.
		t.closeStream(st.key, stream)
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeProducerUnavailable,
			"Upstream producer unavailable", err.Error(), err).WithContext("topic", st.key.String())
	}

	tk := &task{cancel: cancel, done: make(chan struct{})}
	st.task = tk
	st.startedAt = time.Now()
	t.started.Add(1)
	t.running.Add(1)
	t.obs.TopicStarted(t.name)
	t.log.Info("Topic started", "topic", st.key.String())

	go t.run(taskCtx, st.key, st.gen, st.out, stream, tk)
	return nil
}

func (t *Tracker) open(ctx context.Context, key Key) (stream Stream, err error) {
	defer func() {
		if r := recover(); r != nil {
			stream, err = nil, fmt.Errorf("producer open panic: %v", r)
		}
	}()
	stream, err = t.producer.Open(ctx, key)
	if err == nil && stream == nil {
		err = errors.New("producer returned nil stream")
	}
	return stream, err
}

func (t *Tracker) closeStream(key Key, stream Stream) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("Stream close panic", "topic", key.String(), "panic", fmt.Sprint(r))
		}
	}()
	if err := stream.Close(); err != nil {
		t.log.Warn("Stream close failed", "topic", key.String(), "error", err)
	}
}

// run is the producer task for one topic generation. It holds only the key
// and generation of its topic; teardown after an upstream failure goes
// through the arena.
func (t *Tracker) run(ctx context.Context, key Key, gen uint64, out *fanout, stream Stream, tk *task) {
	cause := t.pump(ctx, key, out, stream)
	t.closeStream(key, stream)
	t.running.Add(-1)
	close(tk.done)

	if cause != nil {
		t.fail(key, gen, cause)
	}
}

func (t *Tracker) pump(ctx context.Context, key Key, out *fanout, stream Stream) (cause error) {
	defer func() {
		if r := recover(); r != nil {
			cause = fmt.Errorf("producer panic: %v", r)
		}
	}()

	for {
		data, err := stream.Next(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrStreamEnded
			}
			return err
		}
		t.publish(ctx, key, out, data)
	}
}

// publish fans one update out to the queues subscribed at this moment.
func (t *Tracker) publish(ctx context.Context, key Key, out *fanout, data any) {
	env := Envelope{Key: key, Seq: out.seq.Add(1), Data: data, Time: time.Now()}

	delivered, dropped := 0, 0
	for _, q := range out.load() {
		d, err := q.Push(ctx, env)
		switch {
		case err == nil:
			delivered++
			if d {
				dropped++
			}
		case errors.Is(err, apperrors.ErrSlowConsumer):
			t.log.Warn("Slow subscriber cut off", "topic", key.String(), "error", err)
		}
	}

	t.obs.Published(t.name, delivered)
	if dropped > 0 {
		t.obs.Dropped(t.name, dropped)
	}
}

// fail tears a topic down after its producer stopped on its own. Every
// subscriber gets a PRODUCER_FAILED terminal envelope.
func (t *Tracker) fail(key Key, gen uint64, cause error) {
	st := t.lookup(key)
	if st == nil || st.gen != gen {
		return
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.closed = true
	queues := st.takeQueues()
	t.release(st)
	st.mu.Unlock()

	appErr := apperrors.NewAppErrorWithDetails(apperrors.ErrCodeProducerFailed,
		"Upstream producer failed", cause.Error(), cause).WithContext("topic", key.String())
	for _, q := range queues {
		q.Close(key, appErr)
		t.obs.SubscriberRemoved(t.name)
	}
	t.obs.TopicStopped(t.name, ReasonFailed)
	t.log.Warn("Producer failed", "topic", key.String(), "subscribers", len(queues), "error", cause)
}

// Unsubscribe removes the handle's queue and closes it. When the topic loses
// its last subscriber its producer is cancelled, and Unsubscribe returns only
// after the producer has released the upstream and the topic entry is gone.
// Unknown, stale or repeated handles are ignored; the result reports whether
// anything was removed.
func (t *Tracker) Unsubscribe(h Handle) bool {
	if !h.Valid() {
		return false
	}
	st := t.lookup(h.key)
	if st == nil || st.gen != h.gen {
		return false
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return false
	}
	q, ok := st.subs[h.id]
	if !ok {
		st.mu.Unlock()
		return false
	}
	delete(st.subs, h.id)
	st.refresh()
	q.Close(h.key, nil)
	t.obs.SubscriberRemoved(t.name)

	if len(st.subs) > 0 {
		count := len(st.subs)
		st.mu.Unlock()
		t.log.Debug("Subscriber removed", "topic", h.key.String(), "subscribers", count)
		return true
	}

	// Last subscriber: stop the producer while still holding the key lock so
	// a concurrent subscribe cannot start a second producer before the first
	// has released the upstream.
	st.closed = true
	if st.task != nil {
		st.task.cancel()
		<-st.task.done
	}
	t.release(st)
	st.mu.Unlock()

	t.obs.TopicStopped(t.name, ReasonUnsubscribed)
	t.log.Info("Topic stopped", "topic", h.key.String(), "reason", ReasonUnsubscribed)
	return true
}

// Shutdown cancels every producer, closes every queue with a
// SERVICE_UNAVAILABLE terminal envelope and clears all state. Subsequent
// subscribes fail.
func (t *Tracker) Shutdown() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}

	var states []*topicState
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, st := range s.topics {
			states = append(states, st)
		}
		s.mu.Unlock()
	}

	for _, st := range states {
		st.mu.Lock()
		if st.closed {
			st.mu.Unlock()
			continue
		}
		st.closed = true
		queues := st.takeQueues()
		if st.task != nil {
			st.task.cancel()
			<-st.task.done
		}
		t.release(st)
		st.mu.Unlock()

		appErr := apperrors.NewAppErrorWithDetails(apperrors.ErrCodeServiceUnavailable,
			"Service unavailable", "stream service shutting down", nil)
		for _, q := range queues {
			q.Close(st.key, appErr)
			t.obs.SubscriberRemoved(t.name)
		}
		t.obs.TopicStopped(t.name, ReasonShutdown)
	}
	t.log.Info("Tracker shut down", "topics", len(states))
}

// Stats returns the current view of key, or false if it has no topic.
func (t *Tracker) Stats(key Key) (TopicInfo, bool) {
	st := t.lookup(key)
	if st == nil {
		return TopicInfo{}, false
	}
	return st.info()
}

func (st *topicState) info() (TopicInfo, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return TopicInfo{}, false
	}
	return TopicInfo{
		Key:         st.key.String(),
		Route:       st.key.Route,
		Subscribers: len(st.subs),
		Running:     st.task != nil,
		Published:   st.out.seq.Load(),
		StartedAt:   st.startedAt,
	}, true
}

// Topics returns every live topic sorted by key.
func (t *Tracker) Topics() []TopicInfo {
	var states []*topicState
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for _, st := range s.topics {
			states = append(states, st)
		}
		s.mu.Unlock()
	}

	infos := make([]TopicInfo, 0, len(states))
	for _, st := range states {
		if info, ok := st.info(); ok {
			infos = append(infos, info)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

// Len returns the number of topic entries in the arena.
func (t *Tracker) Len() int {
	n := 0
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		n += len(s.topics)
		s.mu.Unlock()
	}
	return n
}

// ProducersStarted returns how many producers this tracker has opened.
func (t *Tracker) ProducersStarted() uint64 {
	return t.started.Load()
}

// ProducersRunning returns how many producer tasks have not yet exited.
func (t *Tracker) ProducersRunning() int {
	return int(t.running.Load())
}

// Name returns the tracker's route name.
func (t *Tracker) Name() string {
	return t.name
}
