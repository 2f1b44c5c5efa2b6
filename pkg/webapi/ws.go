package webapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard is served from wherever the operator hosts it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient adapts one dashboard connection to the broadcaster. The
// broadcaster calls Send from whatever goroutine published, so writes
// are serialized here.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// Send writes one dashboard frame: {"msg": kind, kind: data}.
func (c *wsClient) Send(kind string, data interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(map[string]interface{}{"msg": kind, kind: data})
}

// handleDashboardWS upgrades a dashboard session and keeps it attached
// to the broadcaster until the peer goes away. Inbound messages are
// ignored; the read loop only exists to notice the close.
func (s *Server) handleDashboardWS(w http.ResponseWriter, r *http.Request) {
	if !s.checkDashboardAuth(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="Arbiter"`)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Dashboard upgrade failed")
		return
	}
	client := &wsClient{conn: conn}
	defer conn.Close()

	if err := s.ui.Attach(client); err != nil {
		s.logger.Debug().Err(err).Msg("Dashboard replay failed")
		return
	}
	defer s.ui.Detach(client)
	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("Dashboard connected")

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
