package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/captain-dispatch/internal/models"
	"github.com/example/captain-dispatch/internal/observability"
)

const writeWait = 5 * time.Second

// Session is one websocket connection. Writes are serialised.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

func (s *Session) Close() error { return s.conn.Close() }

// Hub holds captain and dashboard websocket sessions. A captain may have
// several devices connected at once.
type Hub struct {
	mu         sync.RWMutex
	captains   map[int64]map[*Session]struct{}
	dashboards map[*Session]struct{}
}

var _ Gateway = (*Hub)(nil)

func NewHub() *Hub {
	return &Hub{captains: make(map[int64]map[*Session]struct{}), dashboards: make(map[*Session]struct{})}
}

func (h *Hub) AddCaptain(captainID int64, conn *websocket.Conn) *Session {
	s := &Session{conn: conn}
	h.mu.Lock()
	set, ok := h.captains[captainID]
	if !ok {
		set = make(map[*Session]struct{})
		h.captains[captainID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	observability.ChannelSessions.WithLabelValues("captain").Inc()
	return s
}

func (h *Hub) RemoveCaptain(captainID int64, s *Session) {
	h.mu.Lock()
	set := h.captains[captainID]
	_, ok := set[s]
	delete(set, s)
	if len(set) == 0 {
		delete(h.captains, captainID)
	}
	h.mu.Unlock()
	if ok {
		observability.ChannelSessions.WithLabelValues("captain").Dec()
	}
}

func (h *Hub) AddDashboard(conn *websocket.Conn) *Session {
	s := &Session{conn: conn}
	h.mu.Lock()
	h.dashboards[s] = struct{}{}
	h.mu.Unlock()
	observability.ChannelSessions.WithLabelValues("dashboard").Inc()
	return s
}

func (h *Hub) RemoveDashboard(s *Session) {
	h.mu.Lock()
	_, ok := h.dashboards[s]
	delete(h.dashboards, s)
	h.mu.Unlock()
	if ok {
		observability.ChannelSessions.WithLabelValues("dashboard").Dec()
	}
}

// Connected reports whether the captain has at least one open session.
func (h *Hub) Connected(captainID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.captains[captainID]) > 0
}

// Dashboards is the number of open dashboard sessions.
func (h *Hub) Dashboards() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.dashboards)
}

func (h *Hub) NotifyCaptain(_ context.Context, captainID int64, msg models.Message) error {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.captains[captainID]))
	for s := range h.captains[captainID] {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()
	if len(sessions) == 0 {
		return ErrNoSession
	}
	return sendAll(sessions, msg)
}

// NotifyDashboard broadcasts to every dashboard. No dashboards is not an error.
func (h *Hub) NotifyDashboard(_ context.Context, msg models.Message) error {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.dashboards))
	for s := range h.dashboards {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()
	if len(sessions) == 0 {
		return nil
	}
	return sendAll(sessions, msg)
}

// sendAll succeeds when at least one session took the message.
func sendAll(sessions []*Session, msg models.Message) error {
	var errs []error
	for _, s := range sessions {
		if err := s.Send(msg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(sessions) {
		return errors.Join(errs...)
	}
	return nil
}
