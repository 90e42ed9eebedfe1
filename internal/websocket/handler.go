package websocket

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"mapsync/internal/config"
	"mapsync/internal/dispatch"
	"mapsync/internal/logging"
	"mapsync/internal/session"
	"mapsync/pkg/protocol"
)

// Handler upgrades HTTP requests and runs each connection's read loop.
type Handler struct {
	upgrader   websocket.Upgrader
	sessions   *session.Manager
	dispatcher *dispatch.Dispatcher
	cfg        config.WebSocketConfig
}

// NewHandler creates the websocket endpoint handler.
func NewHandler(sessions *session.Manager, dispatcher *dispatch.Dispatcher, cfg config.WebSocketConfig) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins; access
			// control happens at the deployment boundary.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions:   sessions,
		dispatcher: dispatcher,
		cfg:        cfg,
	}
}

// ServeHTTP upgrades the request and serves the connection until it
// drops. Identity comes from query parameters; absent values get
// server-assigned defaults.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	conn := NewConnection(ws, h.cfg.SendBuffer, h.cfg.WriteTimeout)
	s := h.sessions.Open(conn, r.URL.Query().Get("user_id"), r.URL.Query().Get("username"))

	ws.SetReadLimit(h.cfg.MaxMessageSize)
	// Pong frames count as traffic for liveness.
	ws.SetPongHandler(func(string) error {
		s.Touch()
		return nil
	})

	h.readLoop(ws, s)
}

// readLoop pumps inbound frames into the dispatcher until the
// connection errors out, then tears the session down. Malformed and
// unknown frames get an error reply and the loop continues.
func (h *Handler) readLoop(ws *websocket.Conn, s *session.Session) {
	defer h.dispatcher.Disconnect(s)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Warn().Err(err).Str("session", s.ID()).Msg("connection dropped")
			} else {
				logging.Debug().Str("session", s.ID()).Msg("connection closed")
			}
			return
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			// Unrecognized kinds are dropped silently apart from the log;
			// malformed frames earn the sender an error reply. Neither
			// closes the connection.
			if errors.Is(err, protocol.ErrUnknownKind) {
				logging.Warn().Err(err).Str("session", s.ID()).Msg("unknown message kind, ignoring")
				continue
			}
			h.dispatcher.SendDecodeError(s, err)
			continue
		}

		h.dispatcher.Handle(s, env)
	}
}
