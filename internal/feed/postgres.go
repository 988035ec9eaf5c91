package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/lib/pq"

	"qstream/internal/config"
	"qstream/internal/logger"
	"qstream/internal/topic"
)

const notifyBacklog = 256

// maxChannelLen is Postgres' NAMEDATALEN-1. Longer LISTEN identifiers are
// silently truncated by the server.
const maxChannelLen = 63

// ErrNotifyBacklog fails a stream whose reader fell behind the listener.
var ErrNotifyBacklog = errors.New("notification backlog overflow")

// listener is the part of *pq.Listener the source uses.
type listener interface {
	Listen(channel string) error
	Unlisten(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Close() error
}

// PGNotifySource is a topic.Producer over Postgres LISTEN/NOTIFY. All
// topics share one listener connection; each topic LISTENs on the channel
// produced by formatting the channel template with the key values.
type PGNotifySource struct {
	l        listener
	template string
	decode   Decoder
	log      logger.Logger

	mu      sync.Mutex
	streams map[string]*pgStream
	done    chan struct{}
}

// NewPGNotifySource opens a lib/pq listener for cfg and starts dispatching.
func NewPGNotifySource(cfg config.DatabaseConfig, decode Decoder, log logger.Logger) *PGNotifySource {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	events := func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed:
			log.Warn("Postgres listener connection attempt failed", "error", err)
		case pq.ListenerEventDisconnected:
			log.Warn("Postgres listener disconnected", "error", err)
		case pq.ListenerEventReconnected:
			log.Info("Postgres listener reconnected")
		}
	}
	l := pq.NewListener(cfg.DSN(), cfg.MinReconnect, cfg.MaxReconnect, events)
	return newPGNotifySource(l, cfg.ChannelTemplate, decode, log)
}

func newPGNotifySource(l listener, template string, decode Decoder, log logger.Logger) *PGNotifySource {
	s := &PGNotifySource{
		l:        l,
		template: template,
		decode:   decode,
		log:      log,
		streams:  make(map[string]*pgStream),
		done:     make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// Channel returns the NOTIFY channel for key.
func (s *PGNotifySource) Channel(key topic.Key) string {
	args := make([]any, 0, len(key.Values()))
	for _, v := range key.Values() {
		args = append(args, v)
	}
	return fmt.Sprintf(s.template, args...)
}

// Open LISTENs on the key's channel.
func (s *PGNotifySource) Open(ctx context.Context, key topic.Key) (topic.Stream, error) {
	channel := s.Channel(key)
	if len(channel) > maxChannelLen {
		return nil, fmt.Errorf("channel %q exceeds %d bytes", channel, maxChannelLen)
	}
	st := &pgStream{
		channel: channel,
		src:     s,
		notes:   make(chan string, notifyBacklog),
		failed:  make(chan struct{}),
	}

	s.mu.Lock()
	if _, busy := s.streams[channel]; busy {
		s.mu.Unlock()
		return nil, fmt.Errorf("channel %s already listened", channel)
	}
	s.streams[channel] = st
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		s.drop(channel)
		return nil, err
	}
	if err := s.l.Listen(channel); err != nil {
		s.drop(channel)
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}
	s.log.Debug("Postgres channel listened", "channel", channel)
	return st, nil
}

func (s *PGNotifySource) drop(channel string) {
	s.mu.Lock()
	delete(s.streams, channel)
	s.mu.Unlock()
}

func (s *PGNotifySource) dispatch() {
	defer close(s.done)
	for n := range s.l.NotificationChannel() {
		if n == nil {
			// Sent after a reconnect; notifications in the gap are lost.
			s.log.Warn("Postgres listener reconnected, notifications may have been missed")
			continue
		}
		s.mu.Lock()
		st := s.streams[n.Channel]
		s.mu.Unlock()
		if st != nil {
			st.deliver(n.Extra)
		}
	}
}

// Close closes the listener. Open streams then report io.EOF.
func (s *PGNotifySource) Close() error {
	err := s.l.Close()
	<-s.done
	return err
}

type pgStream struct {
	channel string
	src     *PGNotifySource
	notes   chan string

	failOnce  sync.Once
	failed    chan struct{}
	closeOnce sync.Once
}

func (p *pgStream) deliver(payload string) {
	select {
	case p.notes <- payload:
	default:
		p.failOnce.Do(func() { close(p.failed) })
	}
}

func (p *pgStream) Next(ctx context.Context) (any, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.failed:
			return nil, fmt.Errorf("%s: %w", p.channel, ErrNotifyBacklog)
		case <-p.src.done:
			return nil, io.EOF
		case payload := <-p.notes:
			v, err := p.src.decode([]byte(payload))
			if err != nil {
				p.src.log.Warn("Dropping malformed notification", "channel", p.channel, "error", err)
				continue
			}
			return v, nil
		}
	}
}

func (p *pgStream) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.src.drop(p.channel)
		select {
		case <-p.src.done:
		default:
			err = p.src.l.Unlisten(p.channel)
		}
	})
	return err
}
