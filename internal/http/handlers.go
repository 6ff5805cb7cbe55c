package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/rider-dispatch/internal/auth"
	"github.com/example/rider-dispatch/internal/matcher"
	"github.com/example/rider-dispatch/internal/models"
	"github.com/example/rider-dispatch/internal/orders"
	"github.com/example/rider-dispatch/internal/payments"
	"github.com/example/rider-dispatch/internal/registry"
	"github.com/example/rider-dispatch/internal/storage"
)

const maxBodyBytes = 1 << 20

type orderView struct {
	Order *models.Order `json:"order"`
	Rider *models.Rider `json:"rider,omitempty"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var draft models.OrderDraft
	if !s.decode(w, r, &draft) {
		return
	}
	if p, ok := auth.FromContext(r.Context()); ok {
		draft.RequesterID = p.UserID
	}
	o, err := s.Dispatcher.Assign(r.Context(), draft)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.view(o))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.Orders.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(o))
}

func (s *Server) handleOrderEvent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Event string `json:"event"`
	}
	if !s.decode(w, r, &body) {
		return
	}
	ev, err := models.ParseEvent(body.Event)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if p, ok := auth.FromContext(r.Context()); ok && !p.CanReportDelivery() &&
		(ev == models.EventPickedUp || ev == models.EventDelivered) {
		s.writeError(w, r, fmt.Errorf("%s may not report %s: %w", p.Role, ev, auth.ErrForbidden))
		return
	}
	o, err := s.Orders.Transition(r.Context(), mux.Vars(r)["id"], ev)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(o))
}

func (s *Server) handleRedispatch(w http.ResponseWriter, r *http.Request) {
	o, err := s.Dispatcher.Redispatch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(o))
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	var req payments.ChargeRequest
	if !s.decode(w, r, &req) {
		return
	}
	if p, ok := auth.FromContext(r.Context()); ok {
		req.UserID = p.UserID
	}
	ch, err := s.Payments.Charge(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "payment": ch})
}

func (s *Server) handleRegisterRider(w http.ResponseWriter, r *http.Request) {
	var rider models.Rider
	if !s.decode(w, r, &rider) {
		return
	}
	if err := s.Riders.Register(r.Context(), rider); err != nil {
		s.writeError(w, r, err)
		return
	}
	got, _ := s.Riders.Get(rider.ID)
	writeJSON(w, http.StatusCreated, got)
}

func (s *Server) handleGetRider(w http.ResponseWriter, r *http.Request) {
	rider, ok := s.Riders.Get(mux.Vars(r)["id"])
	if !ok {
		s.writeError(w, r, registry.ErrRiderNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rider)
}

func (s *Server) handleDeregisterRider(w http.ResponseWriter, r *http.Request) {
	if err := s.Riders.Deregister(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRiderLocation applies a position report. With a position feed
// configured the report is queued on the feed instead and the feed consumer
// applies it, so reports for one rider keep a single order.
func (s *Server) handleRiderLocation(w http.ResponseWriter, r *http.Request) {
	var rep models.PositionReport
	if !s.decode(w, r, &rep) {
		return
	}
	if rep.RiderID == "" {
		s.writeError(w, r, &models.ValidationError{Field: "rider_id", Reason: "required"})
		return
	}
	if err := rep.Loc.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.Positions != nil {
		if _, ok := s.Riders.Get(rep.RiderID); !ok {
			s.writeError(w, r, registry.ErrRiderNotFound)
			return
		}
		if err := s.Positions.PublishPosition(r.Context(), rep); err != nil {
			s.logger.Error("position publish failed", "rider_id", rep.RiderID, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "position feed unavailable"})
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err := s.Riders.UpdatePosition(r.Context(), rep.RiderID, rep.Loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) view(o *models.Order) orderView {
	v := orderView{Order: o}
	if o.RiderID != nil {
		if rider, ok := s.Riders.Get(*o.RiderID); ok {
			v.Rider = &rider
		}
	}
	return v
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
}

func statusFor(err error) int {
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, registry.ErrRiderNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrVersionConflict),
		errors.Is(err, orders.ErrIllegalTransition),
		errors.Is(err, registry.ErrRiderBusy):
		return http.StatusConflict
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, payments.ErrDeclined):
		return http.StatusBadRequest
	case errors.Is(err, matcher.ErrPersistence),
		errors.Is(err, payments.ErrDisabled),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
