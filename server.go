package main

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Clients and gesture devices connect from arbitrary origins on the LAN.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWebSocket upgrades the connection and runs its read loop. One
// goroutine per connection; every decoded frame goes through the session, and
// the loop ending for any reason runs the disconnect supervisor exactly once.
func handleWebSocket(session *Session, hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logError("handleWebSocket: upgrade", err)
			return
		}

		c := newWSConn(conn)
		hub.register(c)

		defer func() {
			hub.unregister(c)
			session.HandleDisconnect(c)
			conn.Close()
		}()

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Printf("WebSocket read error (%s): %v", c.id, err)
				}
				return
			}
			if msgType != websocket.TextMessage {
				continue
			}

			LogWSMessage("IN", c.id.String(), string(data))
			env, ok := decodeEnvelope(data)
			if !ok {
				log.Printf("Malformed frame from %s, dropping", c.id)
				continue
			}
			session.HandleFrame(c, env)
		}
	}
}

// handleHealthz is a liveness probe.
func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
