// Package market provides the simulated bar feed behind the bars route.
package market

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"qstream/internal/logger"
	"qstream/internal/topic"
)

const (
	DefaultPollInterval = time.Second

	volatility = 0.001
)

var minPrice = decimal.RequireFromString("0.01")

// BarSource is a poll-based topic.Producer for bars{symbol, resolution}. Each
// open stream samples a random-walk trade every poll interval and folds it
// into the current bar.
type BarSource struct {
	seeds    map[string]decimal.Decimal
	interval time.Duration
	now      func() time.Time
	log      logger.Logger
}

// BarOption configures a BarSource.
type BarOption func(*BarSource)

// WithClock replaces time.Now for bar windowing.
func WithClock(now func() time.Time) BarOption {
	return func(s *BarSource) { s.now = now }
}

// WithLogger sets the source logger.
func WithLogger(l logger.Logger) BarOption {
	return func(s *BarSource) { s.log = l }
}

// WithSeedPrice fixes the starting price of symbol.
func WithSeedPrice(symbol string, price decimal.Decimal) BarOption {
	return func(s *BarSource) {
		if _, ok := s.seeds[symbol]; ok {
			s.seeds[symbol] = price
		}
	}
}

// NewBarSource serves the given symbol universe. Symbols are upper-cased.
func NewBarSource(symbols []string, interval time.Duration, opts ...BarOption) *BarSource {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	s := &BarSource{
		seeds:    make(map[string]decimal.Decimal, len(symbols)),
		interval: interval,
		now:      time.Now,
		log:      logger.GetGlobalLogger(),
	}
	for _, sym := range symbols {
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if sym != "" {
			s.seeds[sym] = seedPrice(sym)
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func seedPrice(symbol string) decimal.Decimal {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return decimal.NewFromInt(int64(10 + h.Sum32()%490))
}

// Symbols returns the configured universe, sorted.
func (s *BarSource) Symbols() []string {
	out := make([]string, 0, len(s.seeds))
	for sym := range s.seeds {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Open implements topic.Producer. The key values are symbol and resolution.
func (s *BarSource) Open(ctx context.Context, key topic.Key) (topic.Stream, error) {
	values := key.Values()
	if len(values) != 2 {
		return nil, fmt.Errorf("bars topic %s: want symbol and resolution", key)
	}
	seed, ok := s.seeds[values[0]]
	if !ok {
		return nil, fmt.Errorf("unknown symbol %q", values[0])
	}
	res, err := ParseResolution(values[1])
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h := fnv.New64a()
	h.Write([]byte(key.String()))
	s.log.Debug("Bar stream opened", "topic", key.String(), "interval", s.interval)
	return &barStream{
		symbol: values[0],
		res:    res,
		price:  seed,
		rng:    rand.New(rand.NewPCG(h.Sum64(), uint64(s.now().UnixNano()))),
		ticker: time.NewTicker(s.interval),
		now:    s.now,
	}, nil
}

type barStream struct {
	symbol string
	res    Resolution
	price  decimal.Decimal
	rng    *rand.Rand
	ticker *time.Ticker
	now    func() time.Time

	bar       *Bar
	closeOnce sync.Once
}

func (b *barStream) Next(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.ticker.C:
	}
	return b.tick(b.now()), nil
}

// tick samples one trade at ts. When ts leaves the current window the
// finished bar is returned with Complete set and the trade opens the next bar.
func (b *barStream) tick(ts time.Time) Bar {
	price, volume := b.trade()

	if b.bar != nil && !b.bar.Contains(ts) {
		done := *b.bar
		done.Complete = true
		b.bar = NewBar(b.symbol, b.res, ts)
		b.bar.Update(price, volume)
		return done
	}
	if b.bar == nil {
		b.bar = NewBar(b.symbol, b.res, ts)
	}
	b.bar.Update(price, volume)
	return *b.bar
}

func (b *barStream) trade() (price, volume decimal.Decimal) {
	step := b.price.Mul(decimal.NewFromFloat(b.rng.NormFloat64() * volatility)).Round(2)
	b.price = b.price.Add(step)
	if b.price.LessThan(minPrice) {
		b.price = minPrice
	}
	volume = decimal.NewFromFloat(b.rng.Float64() * 100).Round(4)
	return b.price, volume
}

func (b *barStream) Close() error {
	b.closeOnce.Do(b.ticker.Stop)
	return nil
}
