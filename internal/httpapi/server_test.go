package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elitesignals/elite/internal/broker"
	"github.com/elitesignals/elite/internal/config"
	"github.com/elitesignals/elite/internal/domain"
	"github.com/elitesignals/elite/internal/marketdata"
	"github.com/elitesignals/elite/internal/models"
	"github.com/elitesignals/elite/internal/orders"
	"github.com/elitesignals/elite/internal/pipeline"
	"github.com/elitesignals/elite/internal/portfolio"
	"github.com/elitesignals/elite/internal/registry"
	"github.com/elitesignals/elite/internal/telemetry"
	"github.com/elitesignals/elite/internal/tracker"
)

type testEnv struct {
	server *Server
	core   *pipeline.Core
	fake   *broker.Fake
	stream *marketdata.Stream
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	fake := broker.NewFake()
	fake.SetQuote(domain.Quote{InstrumentKey: "NSE:INFY", LastTradePrice: 1500})
	fake.SetQuote(domain.Quote{InstrumentKey: "X", LastTradePrice: 100})

	market := marketdata.NewService(fake, marketdata.NewCache(cfg.Cache.TTL, cfg.Cache.Capacity), nil)
	stream := marketdata.NewStream(fake, []string{"NSE:INFY"}, marketdata.DefaultStreamConfig())

	reg, err := registry.Open(t.TempDir())
	require.NoError(t, err)
	trk, err := tracker.Open(t.TempDir(), tracker.Config{
		WindowDays:      cfg.Tracker.WindowDays,
		MinObservations: cfg.Tracker.MinObservations,
	})
	require.NoError(t, err)
	t.Cleanup(func() { trk.Close() })

	core, err := pipeline.New(cfg, market, reg, trk, nil)
	require.NoError(t, err)

	orderRouter := orders.NewRouter(cfg.Orders, fake, market)
	snaps, err := portfolio.OpenStore(cfg.DataDir)
	require.NoError(t, err)
	t.Cleanup(func() { snaps.Close() })

	metrics := telemetry.New(cfg.LabelHorizonBars, market.CacheStats, stream.Stats)
	server := NewServer(cfg.HTTP, core, orderRouter, snaps, stream, metrics)

	return &testEnv{server: server, core: core, fake: fake, stream: stream}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestMode_ConfirmationFlow(t *testing.T) {
	env := newTestEnv(t)

	// First attempt without confirmation: rejected, token issued.
	rec := env.do(t, http.MethodPost, "/mode", modeRequest{Mode: domain.ModeLive})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	var denial errorBody
	decodeBody(t, rec, &denial)
	assert.Equal(t, "ConfirmationRequired", denial.Error)
	require.NotEmpty(t, denial.ConfirmationToken)

	// Mode is still paper.
	health := env.do(t, http.MethodGet, "/health", nil)
	assert.Contains(t, health.Body.String(), `"mode":"paper"`)

	// Second attempt with the token succeeds.
	rec = env.do(t, http.MethodPost, "/mode", modeRequest{
		Mode: domain.ModeLive, Confirmation: denial.ConfirmationToken,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mode":"live"`)
}

func TestOrders_PaperFillOverHTTP(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/orders", orders.PlaceRequest{
		Symbol: "X", Side: domain.SideBuy, Type: domain.OrderMarket, Quantity: 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var ack orderAck
	decodeBody(t, rec, &ack)
	assert.Equal(t, domain.OrderFilled, ack.State)
	assert.Equal(t, domain.ModePaper, ack.Mode)
	require.Len(t, ack.Fills, 1)
	assert.InDelta(t, 100.05, ack.Fills[0].Price, 1e-6)

	t.Run("order_lookup", func(t *testing.T) {
		got := env.do(t, http.MethodGet, "/orders/"+ack.OrderID, nil)
		assert.Equal(t, http.StatusOK, got.Code)
	})

	t.Run("rejected_order_is_structured_error", func(t *testing.T) {
		bad := env.do(t, http.MethodPost, "/orders", orders.PlaceRequest{
			Symbol: "X", Side: domain.SideBuy, Type: domain.OrderMarket, Quantity: -5,
		})
		assert.Equal(t, http.StatusBadRequest, bad.Code)
		var body errorBody
		decodeBody(t, bad, &body)
		assert.Equal(t, "InvalidOrder", body.Error)

		// The rejection is counted under its real mode and state labels.
		scrape := env.do(t, http.MethodGet, "/metrics", nil)
		assert.Contains(t, scrape.Body.String(),
			`elite_orders_total{mode="paper",state="rejected"} 1`)
	})
}

func TestSignals_Endpoint(t *testing.T) {
	env := newTestEnv(t)

	t.Run("no_models", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/signals/NSE:INFY", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		var body errorBody
		decodeBody(t, rec, &body)
		assert.Equal(t, "NoActivePredictors", body.Error)
	})

	_, err := env.core.TrainModel(context.Background(), "NSE:INFY", "logistic-1", models.KindLogistic)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/signals/NSE:INFY", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sig domain.Signal
	decodeBody(t, rec, &sig)
	assert.Equal(t, "NSE:INFY", sig.Ticker)
	assert.InDelta(t, 1.0, sig.Weights["logistic-1"], 1e-9)

	t.Run("history_serves_latest", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/signals/NSE:INFY/history", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var sigs []domain.Signal
		decodeBody(t, rec, &sigs)
		require.Len(t, sigs, 1)
		assert.Equal(t, "NSE:INFY", sigs[0].Ticker)
	})

	t.Run("history_unknown_ticker", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/signals/NSE:GHOST/history", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("history_bad_limit", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/signals/NSE:INFY/history?limit=0", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestModels_AndPerformance(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.core.TrainModel(context.Background(), "NSE:INFY", "logistic-1", models.KindLogistic)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []modelView
	decodeBody(t, rec, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "logistic-1", list[0].ModelID)
	assert.InDelta(t, 1.0, list[0].Weight, 1e-9)

	t.Run("insufficient_samples", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/models/logistic-1/performance?window=30", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		var body errorBody
		decodeBody(t, rec, &body)
		assert.Equal(t, "InsufficientSamples", body.Error)
	})

	t.Run("unknown_model", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/models/ghost/performance", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad_window", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/models/logistic-1/performance?window=banana", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestSnapshots_RangeQuery(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/portfolio/snapshots", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	t.Run("bad_from", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/portfolio/snapshots?from=yesterday", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestQuotesWS_SubscribeAndReceive(t *testing.T) {
	env := newTestEnv(t)

	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.stream.Run(ctx)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/quotes"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(subscribeMessage{Symbols: []string{"NSE:INFY"}}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var update broker.QuoteUpdate
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "NSE:INFY", update.InstrumentKey)
	assert.Greater(t, update.LastPrice, 0.0)
}

func TestQuotesWS_RejectsEmptySubscribe(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/quotes"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(subscribeMessage{}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
		fmt.Sprintf("expected policy violation close, got %v", err))
}
