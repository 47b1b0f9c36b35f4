package websocket

import (
	"net/http"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/eldercare/ehr/internal/platform/auth"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Handler upgrades HTTP requests to WebSocket live-event streams.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
	logger   zerolog.Logger
}

// NewHandler creates a handler. allowedOrigins empty or containing "*"
// accepts any origin.
func NewHandler(hub *Hub, allowedOrigins []string, logger zerolog.Logger) *Handler {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowAll || origin == "" || allowed[origin]
			},
		},
		logger: logger.With().Str("component", "live-handler").Logger(),
	}
}

// RegisterRoutes mounts GET /audit/live on g, restricted to compliance
// officers.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/audit/live", h.HandleConnect, auth.RequireRole(auth.RoleComplianceOfficer, auth.RoleAdmin))
}

// HandleConnect upgrades the connection, subscribes it to the hub and
// starts its pumps.
func (h *Handler) HandleConnect(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	sub := h.hub.Subscribe()
	h.logger.Info().
		Str("subscriber_id", sub.ID).
		Str("user_id", auth.UserIDFromContext(c.Request().Context())).
		Msg("live stream opened")

	go h.writePump(sub, ws)
	go h.readPump(sub, ws)
	return nil
}

// readPump discards client messages and unsubscribes when the peer goes away.
func (h *Handler) readPump(sub *Subscriber, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unsubscribe(sub)
		ws.Close()
	}()

	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if gorillawebsocket.IsUnexpectedCloseError(err, gorillawebsocket.CloseGoingAway, gorillawebsocket.CloseAbnormalClosure) {
				h.logger.Debug().Err(err).Str("subscriber_id", sub.ID).Msg("live stream read error")
			}
			return
		}
	}
}

// writePump copies frames to the connection until the subscriber closes.
func (h *Handler) writePump(sub *Subscriber, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case frame, ok := <-sub.Frames():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, frame); err != nil {
				h.hub.Unsubscribe(sub)
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				h.hub.Unsubscribe(sub)
				return
			}
		}
	}
}
