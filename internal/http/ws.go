package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/captain-dispatch/internal/models"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxFrameSize = 4096
)

// origin checks happen at the gateway in front of this service
var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (s *Server) handleCaptainWS(w http.ResponseWriter, r *http.Request) {
	captainID, err := pathID(r, "captainId")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Int64("captain_id", captainID).Msg("captain upgrade failed")
		return
	}
	sess := s.Hub.AddCaptain(captainID, conn)
	defer func() {
		s.Hub.RemoveCaptain(captainID, sess)
		_ = sess.Close()
	}()
	log := s.logger.With().Int64("captain_id", captainID).Logger()
	log.Info().Msg("captain connected")

	// a reconnecting captain gets its outstanding offer again
	if o, ok := s.Coordinator.PendingForCaptain(captainID); ok {
		if err := sess.Send(models.AssignMessage(o)); err != nil {
			log.Debug().Err(err).Msg("resend pending offer")
		}
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	go keepAlive(ctx, conn)
	prepareRead(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("captain read")
			}
			log.Info().Msg("captain disconnected")
			return
		}
		var in models.CaptainInbound
		var reply *models.Message
		if err := json.Unmarshal(data, &in); err != nil {
			reply = errorMessage(captainID, 0, models.Invalid("frame", err.Error()))
		} else {
			reply = s.handleCaptainMessage(ctx, captainID, in)
		}
		if reply != nil {
			if err := sess.Send(reply); err != nil {
				log.Debug().Err(err).Msg("captain reply")
				return
			}
		}
	}
}

// handleCaptainMessage applies one inbound frame and returns a reply when the
// captain needs to hear about a failure.
func (s *Server) handleCaptainMessage(ctx context.Context, captainID int64, in models.CaptainInbound) *models.Message {
	switch in.Type {
	case models.MsgPos:
		_, err := s.applyPing(ctx, models.PositionPing{CaptainID: captainID, Lat: in.Lat, Lng: in.Lng, At: time.Now()})
		if err != nil {
			return errorMessage(captainID, in.OrderID, err)
		}
		return nil
	case models.MsgAccepted, models.MsgRejected:
		d := models.DecisionAccept
		if in.Type == models.MsgRejected {
			d = models.DecisionReject
		}
		if _, err := s.Coordinator.RespondForOrder(ctx, in.OrderID, captainID, d); err != nil {
			return errorMessage(captainID, in.OrderID, err)
		}
		return nil
	default:
		return errorMessage(captainID, in.OrderID, models.Invalid("type", in.Type))
	}
}

func errorMessage(captainID, orderID int64, err error) *models.Message {
	_, code := statusFor(err)
	return &models.Message{Type: models.MsgError, CaptainID: captainID, OrderID: orderID, Reason: code}
}

func (s *Server) handleDashboardWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("dashboard upgrade failed")
		return
	}
	sess := s.Hub.AddDashboard(conn)
	defer func() {
		s.Hub.RemoveDashboard(sess)
		_ = sess.Close()
	}()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	go keepAlive(ctx, conn)
	prepareRead(conn)
	// dashboards only listen; reading keeps control frames flowing
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func prepareRead(conn *websocket.Conn) {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func keepAlive(ctx context.Context, conn *websocket.Conn) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
