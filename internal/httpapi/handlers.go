package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/elitesignals/elite/internal/domain"
	"github.com/elitesignals/elite/internal/models"
	"github.com/elitesignals/elite/internal/orders"
	"github.com/elitesignals/elite/internal/tracker"
)

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]

	ctx, cancel := context.WithTimeout(r.Context(), signalRequestTimeout)
	defer cancel()

	start := time.Now()
	signal, err := s.core.Signal(ctx, symbol)
	s.metrics.SignalLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		s.metrics.SignalsTotal.WithLabelValues("error").Inc()
		writeError(w, err)
		return
	}
	s.metrics.SignalsTotal.WithLabelValues(string(signal.Label)).Inc()
	writeJSON(w, http.StatusOK, signal)
}

func (s *Server) handleSignalHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, fmt.Errorf("%w: limit must be a positive count", domain.ErrInvalidOrder))
			return
		}
		limit = parsed
	}

	sigs, err := s.core.RecentSignals(r.Context(), mux.Vars(r)["symbol"], limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sigs)
}

type modelView struct {
	models.Metadata
	Weight float64 `json:"current_weight"`
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	active := s.core.Registry().ListActive()
	weights := s.core.Tracker().Weights(active)

	all := s.core.Registry().List()
	out := make([]modelView, 0, len(all))
	for _, meta := range all {
		out = append(out, modelView{Metadata: meta, Weight: weights[meta.ModelID]})
	}
	writeJSON(w, http.StatusOK, out)
}

type performanceView struct {
	ModelID    string          `json:"model_id"`
	WindowDays int             `json:"window_days"`
	Metrics    tracker.Metrics `json:"metrics"`
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	modelID := mux.Vars(r)["id"]
	if _, _, err := s.core.Registry().Get(modelID); err != nil {
		writeError(w, err)
		return
	}

	window := s.core.Config().Tracker.WindowDays
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, fmt.Errorf("%w: window must be a positive day count", domain.ErrInvalidOrder))
			return
		}
		window = parsed
	}

	m, err := s.core.Tracker().MetricsFor(modelID, window)
	if err != nil {
		writeError(w, err)
		return
	}
	if m.Insufficient {
		writeError(w, fmt.Errorf("model %s has %d observations in window: %w",
			modelID, m.Count, domain.ErrInsufficientSamples))
		return
	}
	writeJSON(w, http.StatusOK, performanceView{ModelID: modelID, WindowDays: window, Metrics: m})
}

type orderAck struct {
	OrderID string             `json:"order_id"`
	State   domain.OrderState  `json:"state"`
	Mode    domain.TradingMode `json:"mode"`
	Fills   []domain.Fill      `json:"fills,omitempty"`
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.PlaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: malformed order payload: %v", domain.ErrInvalidOrder, err))
		return
	}

	order, err := s.orders.Place(r.Context(), req)
	s.metrics.OrdersTotal.WithLabelValues(string(order.Mode), string(order.State)).Inc()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderAck{
		OrderID: order.OrderID, State: order.State, Mode: order.Mode, Fills: order.Fills,
	})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.orders.Get(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

type modeRequest struct {
	Mode         domain.TradingMode `json:"mode"`
	Confirmation string             `json:"confirmation,omitempty"`
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: malformed mode payload: %v", domain.ErrInvalidOrder, err))
		return
	}

	token, err := s.orders.SetMode(req.Mode, req.Confirmation)
	if err != nil {
		code, status := classify(err)
		writeJSON(w, status, errorBody{
			Error:             code,
			Message:           err.Error(),
			ConfirmationToken: token,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]domain.TradingMode{"mode": s.orders.Mode()})
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	var from, to time.Time
	var err error
	if raw := r.URL.Query().Get("from"); raw != "" {
		if from, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, fmt.Errorf("%w: from must be RFC3339", domain.ErrInvalidOrder))
			return
		}
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		if to, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, fmt.Errorf("%w: to must be RFC3339", domain.ErrInvalidOrder))
			return
		}
	}

	snaps := s.snapshots.Query(from, to)
	if snaps == nil {
		snaps = []domain.PortfolioSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}
