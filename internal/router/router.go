// Package router runs the subscribe/unsubscribe protocol of one client
// connection against the stream service. It is independent of the transport:
// anything that can read requests and write messages is a Conn.
package router

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"qstream/internal/auth"
	apperrors "qstream/internal/errors"
	"qstream/internal/logger"
	"qstream/internal/stream"
	"qstream/internal/topic"
)

// Conn is one client connection. Read must return promptly once Close has
// been called; Close must be safe to call more than once.
type Conn interface {
	Read(ctx context.Context) (Request, error)
	Write(ctx context.Context, msg Message) error
	Close() error
}

// Subscriber is the part of stream.Service the router needs.
type Subscriber interface {
	Subscribe(ctx context.Context, req stream.Request) (*stream.Subscription, error)
	Unsubscribe(sub *stream.Subscription) bool
}

// Options bounds what one connection may do.
type Options struct {
	Logger           logger.Logger
	MaxSubscriptions int
	// SubscribeRate is subscribe requests per second; zero disables the limit.
	SubscribeRate  float64
	SubscribeBurst int
	SendBuffer     int
	MaxIDLength    int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = logger.GetGlobalLogger()
	}
	if o.MaxSubscriptions <= 0 {
		o.MaxSubscriptions = 100
	}
	if o.SubscribeBurst <= 0 {
		o.SubscribeBurst = 1
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.MaxIDLength <= 0 {
		o.MaxIDLength = 128
	}
	return o
}

// Router serves connections against one stream service.
type Router struct {
	svc    Subscriber
	opts   Options
	active atomic.Int64
}

// New creates a router.
func New(svc Subscriber, opts Options) *Router {
	return &Router{svc: svc, opts: opts.withDefaults()}
}

// Active returns the number of connections being served.
func (r *Router) Active() int {
	return int(r.active.Load())
}

// Serve runs the protocol on conn until the client disconnects, a write
// fails or ctx is cancelled. Every subscription the connection made is
// released before Serve returns, and conn is closed. The returned error is
// nil for an orderly end and CONNECTION_LOST otherwise.
func (r *Router) Serve(ctx context.Context, conn Conn, identity *auth.Identity) error {
	r.active.Add(1)
	defer r.active.Add(-1)

	s := r.newSession(ctx, conn, identity)
	stop := context.AfterFunc(s.ctx, func() { _ = conn.Close() })
	defer stop()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	err := s.readLoop()
	s.shutdown()
	<-writerDone
	_ = conn.Close()

	s.log.Debug("Connection closed", "error", err)
	return err
}

type session struct {
	r        *Router
	conn     Conn
	identity *auth.Identity
	log      logger.Logger
	limiter  *rate.Limiter

	ctx    context.Context
	cancel context.CancelCauseFunc
	send   chan Message

	mu   sync.Mutex
	subs map[string]*activeSub
	wg   sync.WaitGroup
}

type activeSub struct {
	id     string
	sub    *stream.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

func (r *Router) newSession(ctx context.Context, conn Conn, identity *auth.Identity) *session {
	ctx, cancel := context.WithCancelCause(ctx)
	s := &session{
		r:        r,
		conn:     conn,
		identity: identity,
		log:      r.opts.Logger.WithContext(ctx),
		ctx:      ctx,
		cancel:   cancel,
		send:     make(chan Message, r.opts.SendBuffer),
		subs:     make(map[string]*activeSub),
	}
	if r.opts.SubscribeRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(r.opts.SubscribeRate), r.opts.SubscribeBurst)
	}
	return s
}

func (s *session) readLoop() error {
	for {
		req, err := s.conn.Read(s.ctx)
		if err != nil {
			var de *DecodeError
			if errors.As(err, &de) {
				s.enqueue(s.ctx, errorMessage("", apperrors.NewAppErrorWithDetails(
					apperrors.ErrCodeInvalidInput, "Invalid input parameters", de.Error(), err)))
				continue
			}
			if werr, ok := context.Cause(s.ctx).(*writeError); ok {
				return apperrors.NewAppError(apperrors.ErrCodeConnectionLost, "Connection lost", werr.err)
			}
			if s.ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return apperrors.NewAppError(apperrors.ErrCodeConnectionLost, "Connection lost", err)
		}
		s.handle(req)
	}
}

// writeError is the session's cancel cause when a write fails.
type writeError struct{ err error }

func (e *writeError) Error() string { return "write: " + e.err.Error() }

// writeLoop is the only goroutine writing to the connection.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.send:
			if err := s.conn.Write(s.ctx, msg); err != nil {
				if s.ctx.Err() == nil {
					s.log.Debug("Write failed", "error", err)
				}
				s.cancel(&writeError{err: err})
				return
			}
		}
	}
}

// enqueue hands msg to the writer. It reports false if ctx ended first.
func (s *session) enqueue(ctx context.Context, msg Message) bool {
	select {
	case s.send <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *session) handle(req Request) {
	switch req.Action {
	case ActionSubscribe:
		s.subscribe(req)
	case ActionUnsubscribe:
		s.unsubscribe(req.ID)
	case ActionPing:
		s.enqueue(s.ctx, Message{Type: TypePong, ID: req.ID})
	case ActionList:
		s.enqueue(s.ctx, Message{Type: TypeSubscriptions, ID: req.ID, Subscriptions: s.list()})
	default:
		s.enqueue(s.ctx, errorMessage(req.ID, apperrors.Newf(apperrors.ErrCodeInvalidInput,
			"Invalid input parameters", "unknown action %q", req.Action)))
	}
}

func (s *session) reject(id string, err error) {
	s.log.Debug("Subscribe rejected", "id", id, "error", err)
	s.enqueue(s.ctx, errorMessage(id, err))
}

func (s *session) subscribe(req Request) {
	opts := s.r.opts
	if req.Route == "" {
		s.reject(req.ID, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidInput,
			"Invalid input parameters", "route is required", nil))
		return
	}
	if len(req.ID) > opts.MaxIDLength {
		s.reject(req.ID, apperrors.Newf(apperrors.ErrCodeInvalidInput,
			"Invalid input parameters", "id longer than %d bytes", opts.MaxIDLength))
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.reject(req.ID, apperrors.NewAppError(apperrors.ErrCodeRateLimit, "Rate limit exceeded", nil))
		return
	}
	if req.ID != "" && s.has(req.ID) {
		s.reject(req.ID, apperrors.Newf(apperrors.ErrCodeDuplicateSubscription,
			"Subscription id already in use", "id %q", req.ID))
		return
	}
	if s.count() >= opts.MaxSubscriptions {
		s.reject(req.ID, apperrors.Newf(apperrors.ErrCodeSubscriptionLimit,
			"Too many subscriptions", "limit is %d per connection", opts.MaxSubscriptions))
		return
	}

	sub, err := s.r.svc.Subscribe(s.ctx, stream.Request{
		Route:    req.Route,
		Params:   req.Params,
		Identity: s.identity,
	})
	if err != nil {
		s.reject(req.ID, err)
		return
	}

	id := req.ID
	if id == "" {
		id = sub.Key().String()
	}

	ctx, cancel := context.WithCancel(s.ctx)
	a := &activeSub{id: id, sub: sub, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	_, dup := s.subs[id]
	if !dup {
		s.subs[id] = a
	}
	s.mu.Unlock()
	if dup {
		cancel()
		s.r.svc.Unsubscribe(sub)
		s.reject(id, apperrors.Newf(apperrors.ErrCodeDuplicateSubscription,
			"Subscription id already in use", "id %q", id))
		return
	}

	// The acknowledgement is queued before delivery starts so it always
	// precedes the first update.
	s.enqueue(s.ctx, Message{Type: TypeSubscribed, ID: id, Route: sub.Route(), Topic: sub.Key().String()})
	s.wg.Add(1)
	go s.deliver(ctx, a)
	s.log.Debug("Subscribed", "id", id, "topic", sub.Key().String())
}

// deliver forwards one subscription's queue to the writer in order.
func (s *session) deliver(ctx context.Context, a *activeSub) {
	defer s.wg.Done()
	defer close(a.done)
	route := a.sub.Route()
	for {
		env, err := a.sub.Next(ctx)
		if err != nil {
			return
		}
		if env.Err != nil {
			s.terminate(ctx, a, env)
			return
		}
		msg := Message{
			Type:    TypeUpdate,
			ID:      a.id,
			Route:   route,
			Topic:   env.Key.String(),
			Seq:     env.Seq,
			Time:    env.Time.UnixMilli(),
			Payload: env.Data,
		}
		if !s.enqueue(ctx, msg) {
			return
		}
	}
}

// terminate drops a subscription whose topic ended underneath it and tells
// the client why.
func (s *session) terminate(ctx context.Context, a *activeSub, env topic.Envelope) {
	s.mu.Lock()
	if s.subs[a.id] == a {
		delete(s.subs, a.id)
	}
	s.mu.Unlock()
	s.r.svc.Unsubscribe(a.sub)

	s.log.Info("Subscription closed by server", "id", a.id, "topic", env.Key.String(), "error", env.Err)
	s.enqueue(ctx, Message{
		Type:  TypeClosed,
		ID:    a.id,
		Route: a.sub.Route(),
		Topic: env.Key.String(),
		Error: errorBody(env.Err),
	})
}

func (s *session) unsubscribe(id string) {
	s.mu.Lock()
	a, ok := s.subs[id]
	if ok {
		delete(s.subs, id)
	}
	s.mu.Unlock()

	if !ok {
		s.enqueue(s.ctx, Message{Type: TypeNotSubscribed, ID: id})
		return
	}
	s.release(a)
	s.enqueue(s.ctx, Message{Type: TypeUnsubscribed, ID: id, Route: a.sub.Route(), Topic: a.sub.Key().String()})
}

// release stops a's delivery and unregisters it. No update for a is queued
// after release returns.
func (s *session) release(a *activeSub) {
	a.cancel()
	<-a.done
	s.r.svc.Unsubscribe(a.sub)
}

// shutdown releases every subscription of the connection.
func (s *session) shutdown() {
	s.cancel(nil)

	s.mu.Lock()
	subs := make([]*activeSub, 0, len(s.subs))
	for id, a := range s.subs {
		subs = append(subs, a)
		delete(s.subs, id)
	}
	s.mu.Unlock()

	for _, a := range subs {
		s.release(a)
	}
	s.wg.Wait()
	if len(subs) > 0 {
		s.log.Debug("Released subscriptions", "count", len(subs))
	}
}

func (s *session) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[id]
	return ok
}

func (s *session) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *session) list() []SubscriptionInfo {
	s.mu.Lock()
	infos := make([]SubscriptionInfo, 0, len(s.subs))
	for id, a := range s.subs {
		infos = append(infos, SubscriptionInfo{ID: id, Route: a.sub.Route(), Topic: a.sub.Key().String()})
	}
	s.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}
