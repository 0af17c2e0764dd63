package api

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/technosupport/ts-dispatch/internal/broadcast"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // console is served same-origin behind the proxy
	},
}

// WSHandler upgrades authenticated clients onto the realtime hub. Auth runs
// in the JWT middleware; browsers pass the token as a query param since
// WebSocket handshakes cannot carry headers.
type WSHandler struct {
	Hub *broadcast.Hub
}

// GET /api/v1/ws
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	ac, ok := authOperator(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade failed: %v", err)
		return
	}

	log.Printf("[WS] connected operator=%s", ac.OperatorID)
	h.Hub.Serve(ac.OperatorID, conn)
}
