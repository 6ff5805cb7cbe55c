package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/rider-dispatch/internal/auth"
	"github.com/example/rider-dispatch/internal/models"
)

const wsReadTimeout = 60 * time.Second

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

// handleWS keeps a rider session open for assignment pushes. The rider app
// may stream {"lat":..,"lon":..} frames over the same socket as position
// reports. Only the rider itself (or ops) may open the session.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["rider_id"]
	if p, ok := auth.FromContext(r.Context()); !ok || !p.ActsFor(id) {
		http.Error(w, "not this rider", http.StatusForbidden)
		return
	}
	if _, ok := s.Riders.Get(id); !ok {
		http.Error(w, "unknown rider", http.StatusNotFound)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "rider_id", id, "error", err)
		return
	}
	s.Sessions.Add(id, conn)
	defer func() {
		s.Sessions.Remove(id, conn)
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
	ctx := r.Context()
	for {
		var loc models.Coord
		if err := conn.ReadJSON(&loc); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("ws closed", "rider_id", id, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if err := s.reportPosition(ctx, id, loc); err != nil {
			s.logger.Debug("ws position rejected", "rider_id", id, "error", err)
		}
	}
}

// reportPosition sends a position through the feed when one is configured,
// so socket and HTTP reports share a single ordering.
func (s *Server) reportPosition(ctx context.Context, id string, loc models.Coord) error {
	if s.Positions == nil {
		return s.Riders.UpdatePosition(ctx, id, loc)
	}
	if err := loc.Validate(); err != nil {
		return err
	}
	return s.Positions.PublishPosition(ctx, models.PositionReport{RiderID: id, Loc: loc, At: time.Now().UTC()})
}
