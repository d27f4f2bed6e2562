package marketdata

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elitesignals/elite/internal/broker"
)

// StreamConfig tunes the reconnect backoff.
type StreamConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultStreamConfig returns the standard backoff schedule.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

// StreamStats is a counter snapshot for telemetry.
type StreamStats struct {
	Reconnects uint64
	Conflated  uint64
	Published  uint64
}

// Stream owns the broker quote feed and fans it out to subscribers. Each
// subscriber channel holds exactly one update: when a subscriber lags, the
// stale update is replaced by the latest one rather than queued.
type Stream struct {
	adapter broker.Adapter
	keys    []string
	cfg     StreamConfig

	mu     sync.Mutex
	subs   map[int]chan broker.QuoteUpdate
	nextID int

	reconnects uint64
	conflated  uint64
	published  uint64
}

// NewStream builds a fan-out over the given instrument subscriptions.
func NewStream(adapter broker.Adapter, instrumentKeys []string, cfg StreamConfig) *Stream {
	return &Stream{
		adapter: adapter,
		keys:    instrumentKeys,
		cfg:     cfg,
		subs:    make(map[int]chan broker.QuoteUpdate),
	}
}

// Subscribe registers a conflated consumer. The returned id releases it.
func (s *Stream) Subscribe() (int, <-chan broker.QuoteUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan broker.QuoteUpdate, 1)
	s.subs[id] = ch
	return id, ch
}

// Unsubscribe releases a consumer and closes its channel.
func (s *Stream) Unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

// Run consumes the upstream feed until ctx is cancelled, reconnecting with
// exponential backoff whenever the feed dies. Backoff resets after a healthy
// connection delivers traffic.
func (s *Stream) Run(ctx context.Context) error {
	backoff := s.cfg.InitialBackoff
	for {
		updates, err := s.adapter.SubscribeQuotes(ctx, s.keys)
		if err != nil {
			log.Warn().Err(err).Dur("backoff", backoff).Msg("quote feed connect failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff = nextBackoff(backoff, s.cfg.MaxBackoff)
			continue
		}

		delivered := s.drain(ctx, updates)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered > 0 {
			backoff = s.cfg.InitialBackoff
		}

		atomic.AddUint64(&s.reconnects, 1)
		log.Warn().Uint64("delivered", delivered).Dur("backoff", backoff).Msg("quote feed closed, reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, s.cfg.MaxBackoff)
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		cur = max
	}
	return cur
}

// drain publishes updates until the feed channel closes or ctx is done,
// returning the number delivered.
func (s *Stream) drain(ctx context.Context, updates <-chan broker.QuoteUpdate) uint64 {
	var n uint64
	for {
		select {
		case <-ctx.Done():
			return n
		case u, ok := <-updates:
			if !ok {
				return n
			}
			s.publish(u)
			n++
		}
	}
}

// publish delivers latest-wins: a full subscriber buffer is drained so the
// fresh update replaces the stale one.
func (s *Stream) publish(u broker.QuoteUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	atomic.AddUint64(&s.published, 1)
	for _, ch := range s.subs {
		select {
		case ch <- u:
		default:
			select {
			case <-ch:
				atomic.AddUint64(&s.conflated, 1)
			default:
			}
			select {
			case ch <- u:
			default:
			}
		}
	}
}

// Stats snapshots the stream counters.
func (s *Stream) Stats() StreamStats {
	return StreamStats{
		Reconnects: atomic.LoadUint64(&s.reconnects),
		Conflated:  atomic.LoadUint64(&s.conflated),
		Published:  atomic.LoadUint64(&s.published),
	}
}
