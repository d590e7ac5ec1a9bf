package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/example/captain-dispatch/internal/models"
	"github.com/example/captain-dispatch/internal/notify"
	"github.com/example/captain-dispatch/internal/offer"
	"github.com/example/captain-dispatch/internal/orders"
	"github.com/example/captain-dispatch/internal/registry"
	"github.com/example/captain-dispatch/internal/selector"
)

// PositionPublisher mirrors accepted pings to the position stream.
type PositionPublisher interface {
	PublishPosition(ctx context.Context, p models.PositionPing) error
}

// ReadyCheck is one dependency check behind /ready.
type ReadyCheck func(ctx context.Context) error

type Deps struct {
	Coordinator *offer.Coordinator
	Selector    *selector.Service
	Registry    registry.Registry
	Orders      orders.Store
	Hub         *notify.Hub
	// Positions is optional.
	Positions PositionPublisher
	Ready     map[string]ReadyCheck

	DefaultRadiusKm      float64
	DefaultMaxCandidates int
	Log                  zerolog.Logger
}

type Server struct {
	Deps
	logger zerolog.Logger
	mux    *mux.Router
}

func NewServer(d Deps) *Server {
	if d.DefaultRadiusKm <= 0 {
		d.DefaultRadiusKm = 5
	}
	if d.DefaultMaxCandidates <= 0 {
		d.DefaultMaxCandidates = 5
	}
	s := &Server{Deps: d, logger: d.Log.With().Str("component", "http").Logger(), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1/assign").Subrouter()
	api.HandleFunc("/orders/{orderId:[0-9]+}/candidates", s.handleCandidates).Methods(http.MethodGet)
	api.HandleFunc("/orders/{orderId:[0-9]+}/assign", s.handleAssign).Methods(http.MethodPost)
	api.HandleFunc("/orders/{orderId:[0-9]+}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/orders/{orderId:[0-9]+}/offers", s.handleOrderOffers).Methods(http.MethodGet)
	api.HandleFunc("/orders/{orderId:[0-9]+}/offers/pending", s.handlePendingOffer).Methods(http.MethodGet)
	api.HandleFunc("/offers/{offerId}", s.handleGetOffer).Methods(http.MethodGet)
	api.HandleFunc("/offers/{offerId}/respond", s.handleRespond).Methods(http.MethodPost)

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.HandleFunc("/captains/locations", s.handleCaptainLocation).Methods(http.MethodPost)
	internal.HandleFunc("/captains/{captainId:[0-9]+}", s.handleCaptainProfile).Methods(http.MethodPut)
	internal.HandleFunc("/captains/{captainId:[0-9]+}/session", s.handleCaptainSession).Methods(http.MethodGet)
	internal.HandleFunc("/orders/{orderId:[0-9]+}", s.handleOrderIntake).Methods(http.MethodPut)
	internal.HandleFunc("/dispatch", s.handleDispatchState).Methods(http.MethodGet)

	s.mux.HandleFunc("/ws/captain/{captainId:[0-9]+}", s.handleCaptainWS)
	s.mux.HandleFunc("/ws/dashboard", s.handleDashboardWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "orderId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ord, err := s.Orders.Lookup(r.Context(), orderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	radius := ord.RadiusKm
	if radius <= 0 {
		radius = s.DefaultRadiusKm
	}
	if v := r.URL.Query().Get("radius_km"); v != "" {
		if radius, err = strconv.ParseFloat(v, 64); err != nil {
			s.writeError(w, r, models.Invalid("radius_km", "not a number"))
			return
		}
	}
	limit := s.DefaultMaxCandidates
	if v := r.URL.Query().Get("max_candidates"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit <= 0 {
			s.writeError(w, r, models.Invalid("max_candidates", "must be a positive integer"))
			return
		}
	}

	out, err := s.Selector.SelectCandidates(r.Context(), orderID, ord.Restaurant, radius, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type assignRequest struct {
	CaptainID int64 `json:"captain_id"`
}

type assignResponse struct {
	OK        bool              `json:"ok"`
	OfferID   string            `json:"offer_id"`
	OrderID   int64             `json:"order_id"`
	CaptainID int64             `json:"captain_id"`
	State     models.OfferState `json:"state"`
	ExpiresAt time.Time         `json:"expires_at"`
	Duplicate bool              `json:"duplicate"`
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "orderId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req assignRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.Coordinator.Dispatch(r.Context(), orderID, req.CaptainID, r.Header.Get("Idempotency-Key"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assignResponse{
		OK:        true,
		OfferID:   d.Offer.ID,
		OrderID:   d.Offer.OrderID,
		CaptainID: d.Offer.CaptainID,
		State:     d.Offer.State,
		ExpiresAt: d.Offer.ExpiresAt,
		Duplicate: d.Duplicate,
	})
}

type respondRequest struct {
	CaptainID int64           `json:"captain_id"`
	Decision  models.Decision `json:"decision"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.CaptainID <= 0 {
		s.writeError(w, r, models.Invalid("captain_id", "must be positive"))
		return
	}
	o, err := s.Coordinator.RespondOnBehalf(r.Context(), mux.Vars(r)["offerId"], req.CaptainID, req.Decision)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "offer": o})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "orderId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Coordinator.CancelOrder(r.Context(), orderID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "order_id": orderID})
}

func (s *Server) handleOrderOffers(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "orderId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offers, err := s.Coordinator.OffersForOrder(r.Context(), orderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offers)
}

// handlePendingOffer serves the live offer from memory, not the ledger.
func (s *Server) handlePendingOffer(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathID(r, "orderId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	o, ok := s.Coordinator.PendingForOrder(orderID)
	if !ok {
		s.writeError(w, r, offer.ErrOfferNotFound)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	o, err := s.Coordinator.Get(r.Context(), mux.Vars(r)["offerId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.Ready {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil || id <= 0 {
		return 0, models.Invalid(name, "must be a positive integer")
	}
	return id, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return models.Invalid("body", err.Error())
	}
	return nil
}
