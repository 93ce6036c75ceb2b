package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"castswap/internal/check"
	"castswap/internal/metrics"
	"castswap/internal/order"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// StreamMessage is pushed to live-check clients after every re-check.
type StreamMessage struct {
	Type     string         `json:"type"` // "check" | "error"
	ClientID string         `json:"clientId"`
	Check    *CheckResponse `json:"check,omitempty"`
	Error    string         `json:"error,omitempty"`
	Time     time.Time      `json:"time"`
}

// GET /ws/check?order=<token>&viewer=<address>
//
// The order is re-checked every refresh interval until it reaches a terminal state or the
// client disconnects. Results are snapshots and go stale as soon as chain state moves.
func (s *Server) handleCheckStream(c *gin.Context) {
	o, err := order.DecodeText(c.Query("order"))
	if err != nil {
		badRequest(c, err)
		return
	}
	viewer, err := parseAddress(c.Query("viewer"), "viewer")
	if err != nil {
		badRequest(c, err)
		return
	}
	n, ok := s.network(o.ChainID)
	if !ok {
		badRequest(c, errors.New("chain is not served"))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("⚠️ websocket upgrade failed")
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	log := s.log.WithFields(logrus.Fields{"client": clientID, "viewer": viewer.Hex(), "nonce": order.Int(o.Nonce).String()})
	metrics.WebsocketClients.Inc()
	defer metrics.WebsocketClients.Dec()
	log.Info("📡 live check client connected")

	// The read loop only services control frames and notices the client leaving.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		}
	}()

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()
	ctx := c.Request.Context()
	for {
		res, err := n.Checker.Check(ctx, o, viewer)
		msg := StreamMessage{Type: "check", ClientID: clientID, Time: time.Now().UTC()}
		if err != nil && !check.IsTerminal(err) {
			msg.Type, msg.Error = "error", err.Error()
		} else {
			resp := checkResponse(res, err)
			msg.Check = &resp
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			log.WithError(err).Debug("write failed, closing")
			return
		}
		if check.IsTerminal(err) {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, msg.Check.Status),
				time.Now().Add(writeWait))
			log.WithField("status", msg.Check.Status).Info("🔌 order reached a terminal state, closing stream")
			return
		}

		select {
		case <-ticker.C:
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		case <-done:
			log.Info("🔌 live check client disconnected")
			return
		case <-ctx.Done():
			return
		}
	}
}
