package relay

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// EchoHandler answers every text frame x with "Echo: x"
func EchoHandler() http.Handler {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[relay] echo upgrade failed: %v", err)
			return
		}
		defer func() { _ = conn.Close() }()
		conn.SetReadLimit(maxClientFrameSize)
		clearDeadlines(conn)

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt != websocket.TextMessage {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte("Echo: "+string(data))); err != nil {
				log.Printf("[relay] echo write failed: %v", err)
				return
			}
		}
	})
}

// clearDeadlines drops the read and write deadlines the HTTP server set on
// the connection before it was hijacked.
func clearDeadlines(conn *websocket.Conn) {
	if err := conn.NetConn().SetDeadline(time.Time{}); err != nil {
		log.Printf("[relay] failed to clear connection deadlines: %v", err)
	}
}
