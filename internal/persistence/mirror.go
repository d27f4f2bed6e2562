// Package persistence mirrors signals, observations and portfolio snapshots
// into Postgres for ad-hoc analysis. The file stores under data_dir remain
// the source of truth; the mirror is best-effort and never blocks them.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/elitesignals/elite/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS portfolio_snapshots (
	snapshot_ts  TIMESTAMPTZ PRIMARY KEY,
	cash         DOUBLE PRECISION NOT NULL,
	total_value  DOUBLE PRECISION NOT NULL,
	holdings     JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS performance_observations (
	model_id           TEXT NOT NULL,
	prediction_ts      TIMESTAMPTZ NOT NULL,
	realised_ts        TIMESTAMPTZ NOT NULL,
	predicted_prob     DOUBLE PRECISION NOT NULL,
	realised_direction TEXT NOT NULL,
	realised_return    DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (model_id, prediction_ts)
);

CREATE TABLE IF NOT EXISTS signals (
	ticker      TEXT NOT NULL,
	as_of_ts    TIMESTAMPTZ NOT NULL,
	label       TEXT NOT NULL,
	probability DOUBLE PRECISION NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL,
	entry       DOUBLE PRECISION NOT NULL,
	stop_loss   DOUBLE PRECISION NOT NULL,
	target_1    DOUBLE PRECISION NOT NULL,
	target_2    DOUBLE PRECISION NOT NULL,
	method      TEXT NOT NULL,
	payload     JSONB NOT NULL,
	PRIMARY KEY (ticker, as_of_ts)
);

CREATE INDEX IF NOT EXISTS idx_signals_as_of ON signals (as_of_ts);
`

// Mirror is a thin sqlx wrapper. A nil *Mirror is valid and ignores all
// writes, so callers never branch on whether the DB is configured.
type Mirror struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects, pings and ensures the schema. An empty DSN returns a nil
// mirror and no error.
func Open(dsn string, timeout time.Duration) (*Mirror, error) {
	if dsn == "" {
		return nil, nil
	}
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mirror database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	m := &Mirror{db: db, timeout: timeout}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure mirror schema: %w", err)
	}
	log.Info().Msg("postgres mirror connected")
	return m, nil
}

// SaveSnapshot upserts a portfolio snapshot.
func (m *Mirror) SaveSnapshot(ctx context.Context, snap domain.PortfolioSnapshot) error {
	if m == nil {
		return nil
	}
	holdings, err := json.Marshal(snap.Holdings)
	if err != nil {
		return fmt.Errorf("failed to marshal holdings: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO portfolio_snapshots (snapshot_ts, cash, total_value, holdings)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (snapshot_ts) DO UPDATE SET
			cash = EXCLUDED.cash,
			total_value = EXCLUDED.total_value,
			holdings = EXCLUDED.holdings`,
		snap.SnapshotTS, snap.Cash, snap.TotalValue, holdings)
	if err != nil {
		return fmt.Errorf("failed to mirror snapshot: %w", err)
	}
	return nil
}

// SaveObservation inserts an observation; replays are ignored, matching the
// tracker's (model_id, prediction_ts) idempotency key.
func (m *Mirror) SaveObservation(ctx context.Context, obs domain.Observation) error {
	if m == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO performance_observations
			(model_id, prediction_ts, realised_ts, predicted_prob, realised_direction, realised_return)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (model_id, prediction_ts) DO NOTHING`,
		obs.ModelID, obs.PredictionTS, obs.RealisedTS, obs.PredictedProb, obs.Realised, obs.Return)
	if err != nil {
		return fmt.Errorf("failed to mirror observation: %w", err)
	}
	return nil
}

// SaveSignal upserts a signal record with the full payload as JSONB.
func (m *Mirror) SaveSignal(ctx context.Context, sig domain.Signal) error {
	if m == nil {
		return nil
	}
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO signals
			(ticker, as_of_ts, label, probability, confidence, entry, stop_loss, target_1, target_2, method, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (ticker, as_of_ts) DO UPDATE SET
			label = EXCLUDED.label,
			probability = EXCLUDED.probability,
			confidence = EXCLUDED.confidence,
			entry = EXCLUDED.entry,
			stop_loss = EXCLUDED.stop_loss,
			target_1 = EXCLUDED.target_1,
			target_2 = EXCLUDED.target_2,
			method = EXCLUDED.method,
			payload = EXCLUDED.payload`,
		sig.Ticker, sig.AsOf, sig.Label, sig.Probability, sig.Confidence,
		sig.Entry, sig.StopLoss, sig.Target1, sig.Target2, sig.EnsembleMethod, payload)
	if err != nil {
		return fmt.Errorf("failed to mirror signal: %w", err)
	}
	return nil
}

type signalRow struct {
	Ticker  string    `db:"ticker"`
	AsOf    time.Time `db:"as_of_ts"`
	Payload []byte    `db:"payload"`
}

// RecentSignals returns the latest mirrored signals for a ticker, newest
// first.
func (m *Mirror) RecentSignals(ctx context.Context, ticker string, limit int) ([]domain.Signal, error) {
	if m == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var rows []signalRow
	err := m.db.SelectContext(ctx, &rows, `
		SELECT ticker, as_of_ts, payload FROM signals
		WHERE ticker = $1 ORDER BY as_of_ts DESC LIMIT $2`, ticker, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read mirrored signals: %w", err)
	}

	out := make([]domain.Signal, 0, len(rows))
	for _, row := range rows {
		var sig domain.Signal
		if err := json.Unmarshal(row.Payload, &sig); err != nil {
			return nil, fmt.Errorf("failed to decode mirrored signal: %w", err)
		}
		out = append(out, sig)
	}
	return out, nil
}

// Close releases the pool. Safe on a nil mirror.
func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	return m.db.Close()
}
