// Package stream hosts named subscription routes. Each route pairs a
// declared parameter list with a producer and owns one topic tracker, so
// every distinct parameter combination shares a single upstream.
package stream

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"qstream/internal/auth"
	apperrors "qstream/internal/errors"
	"qstream/internal/logger"
	"qstream/internal/topic"
)

// SubscribeRecorder counts subscribe outcomes; monitoring.Metrics is one.
type SubscribeRecorder interface {
	RecordSubscribe(route, result string)
}

// Options configures a Service.
type Options struct {
	Logger   logger.Logger
	Observer topic.Observer
	Recorder SubscribeRecorder
	// Queue bounds every subscriber queue unless the route overrides it.
	Queue topic.QueueOptions
}

// Request asks for one subscription.
type Request struct {
	Route    string
	Params   map[string]string
	Identity *auth.Identity
}

// Subscription is a live registration on a route. Updates are read with
// Next; Service.Unsubscribe releases it.
type Subscription struct {
	route  string
	params map[string]string
	handle topic.Handle
}

// Route returns the route name.
func (s *Subscription) Route() string { return s.route }

// Key returns the topic key the subscription is registered under.
func (s *Subscription) Key() topic.Key { return s.handle.Key() }

// Params returns the validated subscription parameters.
func (s *Subscription) Params() map[string]string { return s.params }

// Queue returns the subscriber queue.
func (s *Subscription) Queue() *topic.Queue { return s.handle.Queue() }

// Next blocks for the next update. After the subscription ends it returns a
// terminal envelope if the topic failed, then topic.ErrQueueClosed.
func (s *Subscription) Next(ctx context.Context) (topic.Envelope, error) {
	return s.handle.Queue().Pop(ctx)
}

type routeEntry struct {
	route   Route
	queue   topic.QueueOptions
	tracker *topic.Tracker
}

// Service is the registry of routes.
type Service struct {
	log      logger.Logger
	obs      topic.Observer
	recorder SubscribeRecorder
	queue    topic.QueueOptions
	validate *validator.Validate

	mu     sync.RWMutex
	routes map[string]*routeEntry
	closed bool
}

// NewService creates an empty service.
func NewService(opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &Service{
		log:      log.WithField("component", "stream"),
		obs:      opts.Observer,
		recorder: opts.Recorder,
		queue:    opts.Queue,
		validate: validator.New(),
		routes:   make(map[string]*routeEntry),
	}
}

// Register adds a route. Names must be unique and free of ':'; parameter
// rules must be valid validator tags.
func (s *Service) Register(r Route) error {
	if r.Name == "" || strings.Contains(r.Name, ":") {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput, "Invalid route", "bad route name %q", r.Name)
	}
	if r.Producer == nil {
		return apperrors.Newf(apperrors.ErrCodeInvalidInput, "Invalid route", "route %s has no producer", r.Name)
	}
	seen := make(map[string]bool, len(r.Params))
	for _, p := range r.Params {
		if p.Name == "" || seen[p.Name] {
			return apperrors.Newf(apperrors.ErrCodeInvalidInput, "Invalid route",
				"route %s: empty or duplicate param %q", r.Name, p.Name)
		}
		seen[p.Name] = true
		if err := s.checkRules(p.Rules); err != nil {
			return apperrors.Newf(apperrors.ErrCodeInvalidInput, "Invalid route",
				"route %s: param %s: %v", r.Name, p.Name, err)
		}
	}
	r.Params = append([]Param(nil), r.Params...)

	queue := s.queue
	if r.Queue != nil {
		queue = *r.Queue
	}
	queue = queue.WithDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperrors.ErrServiceUnavailable
	}
	if _, exists := s.routes[r.Name]; exists {
		return apperrors.Newf(apperrors.ErrCodeConflict, "Route already registered", "route %s", r.Name)
	}
	s.routes[r.Name] = &routeEntry{
		route: r,
		queue: queue,
		tracker: topic.NewTracker(r.Producer, topic.Options{
			Name:     r.Name,
			Logger:   s.log,
			Observer: s.obs,
		}),
	}
	s.log.Info("Route registered", "route", r.Name, "params", len(r.Params), "auth", r.RequiresAuth)
	return nil
}

// checkRules reports whether rules is a usable validator tag. The validator
// panics on unknown tags, so the probe runs under recover.
func (s *Service) checkRules(rules string) (err error) {
	if rules == "" {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid rules %q: %v", rules, r)
		}
	}()
	_ = s.validate.Var("", rules)
	return nil
}

func (s *Service) hasRoute(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.routes[name]
	return ok
}

func (s *Service) entry(name string) (*routeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeServiceUnavailable,
			"Service unavailable", "stream service shutting down", nil)
	}
	e, ok := s.routes[name]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidSubscriptionParams,
			"Invalid subscription parameters", "unknown route %q", name)
	}
	return e, nil
}

// Subscribe validates req, derives its topic key and registers a fresh
// queue under it. Unknown routes and bad params fail with
// INVALID_SUBSCRIPTION_PARAMS before any topic is touched.
func (s *Service) Subscribe(ctx context.Context, req Request) (*Subscription, error) {
	sub, err := s.subscribe(ctx, req)
	if s.recorder != nil {
		route, result := req.Route, "ok"
		if err != nil {
			result = string(apperrors.CodeOf(err))
		}
		if !s.hasRoute(route) {
			route = "unknown"
		}
		s.recorder.RecordSubscribe(route, result)
	}
	return sub, err
}

func (s *Service) subscribe(ctx context.Context, req Request) (*Subscription, error) {
	e, err := s.entry(req.Route)
	if err != nil {
		return nil, err
	}
	r := &e.route

	if r.RequiresAuth && req.Identity.Anonymous() {
		return nil, apperrors.NewAppErrorWithDetails(apperrors.ErrCodeUnauthorized,
			"Unauthorized access", "route "+r.Name+" requires authentication", nil)
	}

	key, params, err := s.keyFor(r, req.Params)
	if err != nil {
		return nil, err
	}

	if r.Authorize != nil {
		if err := r.Authorize(req.Identity, params); err != nil {
			appErr := apperrors.WrapError(err, apperrors.ErrCodeForbidden, "Access forbidden")
			if appErr.Details == "" && appErr.Cause != nil {
				appErr.Details = appErr.Cause.Error()
			}
			return nil, appErr
		}
	}

	h, err := e.tracker.Subscribe(ctx, key, topic.NewQueue(e.queue))
	if err != nil {
		return nil, err
	}
	s.log.Debug("Subscribed", "topic", key.String())
	return &Subscription{route: r.Name, params: params, handle: h}, nil
}

// keyFor validates params against the route's declaration and builds the key
// from the values in declaration order.
func (s *Service) keyFor(r *Route, params map[string]string) (topic.Key, map[string]string, error) {
	invalid := func(format string, args ...interface{}) error {
		return apperrors.Newf(apperrors.ErrCodeInvalidSubscriptionParams,
			"Invalid subscription parameters", format, args...).WithContext("route", r.Name)
	}

	for name := range params {
		if !r.hasParam(name) {
			return topic.Key{}, nil, invalid("unknown param %q", name)
		}
	}

	values := make([]string, 0, len(r.Params))
	clean := make(map[string]string, len(r.Params))
	for _, p := range r.Params {
		v, ok := params[p.Name]
		if !ok || v == "" {
			return topic.Key{}, nil, invalid("missing param %q", p.Name)
		}
		if !topic.ValidValue(v) {
			return topic.Key{}, nil, invalid("param %q contains ':'", p.Name)
		}
		if p.Rules != "" {
			if err := s.validate.Var(v, p.Rules); err != nil {
				return topic.Key{}, nil, invalid("param %q fails %q", p.Name, p.Rules)
			}
		}
		values = append(values, v)
		clean[p.Name] = v
	}
	return topic.NewKey(r.Name, values...), clean, nil
}

func (r *Route) hasParam(name string) bool {
	for _, p := range r.Params {
		if p.Name == name {
			return true
		}
	}
	return false
}

// Unsubscribe releases sub. It is idempotent and returns whether anything
// was removed.
func (s *Service) Unsubscribe(sub *Subscription) bool {
	if sub == nil {
		return false
	}
	s.mu.RLock()
	e, ok := s.routes[sub.route]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return e.tracker.Unsubscribe(sub.handle)
}

// Routes describes every registered route, sorted by name.
func (s *Service) Routes() []RouteSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()

	specs := make([]RouteSpec, 0, len(s.routes))
	for _, e := range s.routes {
		specs = append(specs, e.route.spec(e.queue))
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Topics lists the live topics of every route.
func (s *Service) Topics() []topic.TopicInfo {
	s.mu.RLock()
	entries := make([]*routeEntry, 0, len(s.routes))
	for _, e := range s.routes {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var infos []topic.TopicInfo
	for _, e := range entries {
		infos = append(infos, e.tracker.Topics()...)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Key < infos[j].Key })
	return infos
}

// Shutdown stops every route's producers and fails their subscribers with
// SERVICE_UNAVAILABLE. Later subscribes fail.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	entries := make([]*routeEntry, 0, len(s.routes))
	for _, e := range s.routes {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(tr *topic.Tracker) {
			defer wg.Done()
			tr.Shutdown()
		}(e.tracker)
	}
	wg.Wait()
	s.log.Info("Stream service shut down", "routes", len(entries))
}
