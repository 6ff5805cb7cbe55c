// Package dispatch notifies riders about orders assigned to them.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/rider-dispatch/internal/models"
)

var ErrNoSession = errors.New("no ws session")

// writeWait bounds a single push so a stalled rider socket fails fast.
const writeWait = 5 * time.Second

// Conn is the part of *websocket.Conn a session needs.
type Conn interface {
	SetWriteDeadline(t time.Time) error
	WriteJSON(v any) error
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// WSSession represents a connected rider app
type WSSession struct {
	conn Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

// WSRegistry holds rider sessions
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	logger   *slog.Logger
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), logger: logger.With("component", "ws")}
}

// Add registers conn for riderID, closing any previous session.
func (r *WSRegistry) Add(riderID string, conn Conn) {
	r.mu.Lock()
	old := r.sessions[riderID]
	r.sessions[riderID] = &WSSession{conn: conn}
	r.mu.Unlock()
	if old != nil {
		_ = old.conn.Close()
	}
}

// Remove drops the session only if it still belongs to conn.
func (r *WSRegistry) Remove(riderID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[riderID]; ok && s.conn == conn {
		delete(r.sessions, riderID)
	}
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *WSRegistry) Send(riderID string, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[riderID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(v); err != nil {
		r.logger.Warn("ws send error", "rider_id", riderID, "error", err)
		return err
	}
	return nil
}

// Publish forwards an order event to the rider it concerns. Riders without a
// live session simply miss the push; they can poll the order.
func (r *WSRegistry) Publish(_ context.Context, ev models.OrderEvent) error {
	if ev.RiderID == "" {
		return nil
	}
	if err := r.Send(ev.RiderID, ev); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	return nil
}
