package portfolio

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/elitesignals/elite/internal/domain"
)

// Valuer produces a marked-to-market portfolio snapshot. The order router is
// the production implementation.
type Valuer interface {
	Valuation(ctx context.Context) domain.PortfolioSnapshot
}

// SnapshotterConfig controls cadence, the forced end-of-session snapshot and
// retention.
type SnapshotterConfig struct {
	Interval   time.Duration
	SessionEnd string // wall-clock HH:MM in Location
	Horizon    time.Duration
	Location   *time.Location
	// OnSnapshot, when set, is called after every successful snapshot.
	OnSnapshot func(domain.PortfolioSnapshot)
}

// Snapshotter periodically values the portfolio and appends to the store.
// An extra snapshot is forced at the session close regardless of cadence,
// and snapshots older than the horizon are pruned after each write.
type Snapshotter struct {
	valuer Valuer
	store  *Store
	cfg    SnapshotterConfig
	now    func() time.Time
}

// NewSnapshotter wires a valuer to a store.
func NewSnapshotter(valuer Valuer, store *Store, cfg SnapshotterConfig) (*Snapshotter, error) {
	if _, err := time.Parse("15:04", cfg.SessionEnd); err != nil {
		return nil, fmt.Errorf("session end %q not HH:MM: %w", cfg.SessionEnd, err)
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Snapshotter{valuer: valuer, store: store, cfg: cfg, now: time.Now}, nil
}

// Take values the portfolio, appends one snapshot and applies retention.
func (s *Snapshotter) Take(ctx context.Context) (domain.PortfolioSnapshot, error) {
	snap := s.valuer.Valuation(ctx)
	if err := s.store.Append(snap); err != nil {
		return domain.PortfolioSnapshot{}, err
	}
	if s.cfg.Horizon > 0 {
		removed, err := s.store.Prune(s.now().Add(-s.cfg.Horizon))
		if err != nil {
			log.Warn().Err(err).Msg("snapshot retention prune failed")
		} else if removed > 0 {
			log.Debug().Int("removed", removed).Msg("pruned aged snapshots")
		}
	}
	if s.cfg.OnSnapshot != nil {
		s.cfg.OnSnapshot(snap)
	}
	return snap, nil
}

// Run snapshots on the cadence and at every session close until ctx is done.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	sessionTimer := time.NewTimer(time.Until(s.nextSessionEnd(s.now())))
	defer sessionTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Take(ctx); err != nil {
				log.Error().Err(err).Msg("periodic snapshot failed")
			}
		case <-sessionTimer.C:
			if _, err := s.Take(ctx); err != nil {
				log.Error().Err(err).Msg("session-close snapshot failed")
			} else {
				log.Info().Msg("session-close snapshot written")
			}
			sessionTimer.Reset(time.Until(s.nextSessionEnd(s.now())))
		}
	}
}

// nextSessionEnd returns the next wall-clock session close strictly after now.
func (s *Snapshotter) nextSessionEnd(now time.Time) time.Time {
	parsed, _ := time.Parse("15:04", s.cfg.SessionEnd)
	local := now.In(s.cfg.Location)
	end := time.Date(local.Year(), local.Month(), local.Day(),
		parsed.Hour(), parsed.Minute(), 0, 0, s.cfg.Location)
	if !end.After(now) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}
