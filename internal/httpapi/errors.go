package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/elitesignals/elite/internal/domain"
)

// errorBody is the machine-readable error object plus a human string. A
// failed request never returns a partial payload.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	// ConfirmationToken rides along on ConfirmationRequired responses.
	ConfirmationToken string `json:"confirmation_token,omitempty"`
}

var errorCodes = []struct {
	sentinel error
	code     string
	status   int
}{
	{domain.ErrInvalidSymbol, "InvalidSymbol", http.StatusBadRequest},
	{domain.ErrInvalidOrder, "InvalidOrder", http.StatusBadRequest},
	{domain.ErrInsufficientHistory, "InsufficientHistory", http.StatusUnprocessableEntity},
	{domain.ErrConfirmationRequired, "ConfirmationRequired", http.StatusForbidden},
	{domain.ErrInsufficientSamples, "InsufficientSamples", http.StatusUnprocessableEntity},
	{domain.ErrNoActivePredictors, "NoActivePredictors", http.StatusServiceUnavailable},
	{domain.ErrNotFound, "NotFound", http.StatusNotFound},
	{domain.ErrNotReady, "NotReady", http.StatusNotFound},
	{domain.ErrRateLimited, "RateLimited", http.StatusTooManyRequests},
	{domain.ErrUpstreamTransient, "UpstreamTransient", http.StatusBadGateway},
	{domain.ErrUpstreamPermanent, "UpstreamPermanent", http.StatusBadGateway},
	{domain.ErrAuth, "AuthFailure", http.StatusUnauthorized},
	{domain.ErrRegistryCorruption, "RegistryCorruption", http.StatusInternalServerError},
	{domain.ErrStaleWrite, "StaleWrite", http.StatusConflict},
}

func classify(err error) (string, int) {
	for _, e := range errorCodes {
		if errors.Is(err, e.sentinel) {
			return e.code, e.status
		}
	}
	return "Internal", http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code, status := classify(err)
	writeJSON(w, status, errorBody{Error: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
