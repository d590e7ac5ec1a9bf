package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/captain-dispatch/internal/models"
	"github.com/example/captain-dispatch/internal/offer"
	"github.com/example/captain-dispatch/internal/orders"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// statusFor is the one place errors become HTTP codes.
func statusFor(err error) (int, string) {
	switch {
	case models.IsValidation(err):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, orders.ErrUnknownOrder):
		return http.StatusNotFound, "unknown_order"
	case errors.Is(err, offer.ErrOfferNotFound), errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, offer.ErrNotOfferCaptain):
		return http.StatusForbidden, "wrong_captain"
	case errors.Is(err, offer.ErrCaptainBusy):
		return http.StatusConflict, "captain_busy"
	case errors.Is(err, offer.ErrIdempotencyConflict):
		return http.StatusConflict, "idempotency_conflict"
	case errors.Is(err, orders.ErrNotAssignable):
		return http.StatusConflict, "order_not_assignable"
	case errors.Is(err, offer.ErrOfferNotPending):
		return http.StatusGone, "offer_not_pending"
	case errors.Is(err, offer.ErrClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("route", routeTemplate(r)).Str("request_id", requestIDFromContext(r.Context())).Msg("request failed")
	}
	writeJSON(w, status, errorBody{Error: code, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
