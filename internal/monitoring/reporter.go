package monitoring

import (
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"qstream/internal/logger"
	"qstream/internal/topic"
)

// TopicLister is anything that can list live topics; stream.Service is one.
type TopicLister interface {
	Topics() []topic.TopicInfo
}

// Reporter periodically logs a snapshot of the live topics.
type Reporter struct {
	cron   *cron.Cron
	source TopicLister
	log    logger.Logger

	mu   sync.Mutex
	last []topic.TopicInfo
}

// NewReporter schedules a snapshot of source on the cron spec schedule
// (standard five-field syntax or descriptors such as "@every 1m").
func NewReporter(schedule string, source TopicLister, log logger.Logger) (*Reporter, error) {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	r := &Reporter{
		cron:   cron.New(),
		source: source,
		log:    log.WithField("component", "reporter"),
	}
	if _, err := r.cron.AddFunc(schedule, r.Report); err != nil {
		return nil, fmt.Errorf("failed to add cron job: %w", err)
	}
	return r, nil
}

// Start starts the scheduler
func (r *Reporter) Start() {
	r.cron.Start()
}

// Stop stops the scheduler and waits for a running report to finish.
func (r *Reporter) Stop() {
	<-r.cron.Stop().Done()
}

// Report logs one snapshot. The cron job calls it; it is exported so the
// snapshot can also be taken on demand.
func (r *Reporter) Report() {
	topics := r.source.Topics()

	subscribers := 0
	byRoute := make(map[string]int)
	for _, t := range topics {
		subscribers += t.Subscribers
		byRoute[t.Route]++
	}

	r.mu.Lock()
	r.last = topics
	r.mu.Unlock()

	r.log.Info("Topic snapshot", "topics", len(topics), "subscribers", subscribers, "by_route", byRoute)
	for _, t := range topics {
		r.log.Debug("Topic", "topic", t.Key, "subscribers", t.Subscribers, "published", t.Published)
	}
}

// Last returns the most recent snapshot.
func (r *Reporter) Last() []topic.TopicInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
