package realtimehub

import (
	"net/http"

	"github.com/gorilla/websocket"
)

// upgrader is shared across all connections; origin checking is left to the
// surrounding HTTP middleware stack (CORS lives at the API-gateway layer).
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request to a websocket connection and runs the
// connection's read/write pumps until it closes. Intended to be mounted as
// an HTTP handler by the client-facing API surface.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithContext(r.Context()).WithError(err).Warn("websocket upgrade failed")
		return
	}
	if h.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(h.cfg.MaxMessageSize)
	}

	c := h.register()
	go h.writePump(ws, c)
	h.readPump(ws, c)
}

func (h *Hub) writePump(ws *websocket.Conn, c *connection) {
	defer ws.Close()
	for {
		select {
		case <-c.closeCh:
			ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			if err := ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(ws *websocket.Conn, c *connection) {
	defer func() {
		h.removeConnection(c.clientID)
		c.close()
		ws.Close()
	}()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if resp, stop := h.handleFrame(c, data); resp != nil {
			c.enqueue(resp)
			if stop {
				return
			}
		}
	}
}
