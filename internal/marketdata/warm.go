package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/elitesignals/elite/internal/domain"
)

const warmKeyPrefix = "elite:quote:"

// WarmTier is an optional Redis layer between the in-process cache and the
// broker. Quotes survive process restarts for their TTL, so a freshly booted
// core avoids a cold-start burst against the upstream.
type WarmTier struct {
	client *redis.Client
	ttl    time.Duration
}

// NewWarmTier wraps an already-connected client.
func NewWarmTier(client *redis.Client, ttl time.Duration) *WarmTier {
	return &WarmTier{client: client, ttl: ttl}
}

// GetQuote returns the warm copy of a quote, reporting a miss on redis.Nil.
func (w *WarmTier) GetQuote(ctx context.Context, instrumentKey string) (domain.Quote, bool, error) {
	raw, err := w.client.Get(ctx, warmKeyPrefix+instrumentKey).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Quote{}, false, nil
	}
	if err != nil {
		return domain.Quote{}, false, fmt.Errorf("warm tier get %s: %w", instrumentKey, err)
	}

	var q domain.Quote
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		return domain.Quote{}, false, fmt.Errorf("warm tier decode %s: %w", instrumentKey, err)
	}
	return q, true, nil
}

// SetQuote stores a quote with the tier TTL.
func (w *WarmTier) SetQuote(ctx context.Context, q domain.Quote) error {
	raw, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("warm tier encode %s: %w", q.InstrumentKey, err)
	}
	if err := w.client.Set(ctx, warmKeyPrefix+q.InstrumentKey, raw, w.ttl).Err(); err != nil {
		return fmt.Errorf("warm tier set %s: %w", q.InstrumentKey, err)
	}
	return nil
}
