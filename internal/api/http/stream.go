package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mossmaurice/iceoryx/internal/ipc"
)

const (
	streamWriteWait  = 5 * time.Second
	streamPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	// Same policy as the CORS middleware: introspection is read-only.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// StreamIntrospection upgrades to a websocket and pushes the current
// snapshot, then one per cyclic update until either side goes away.
func (h *Handlers) StreamIntrospection(c *gin.Context) {
	// Upgrade answers failed handshakes itself.
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	updates, stop := h.broker.Watch()
	defer stop()

	// Clients only send control frames; reading keeps pongs and close
	// frames flowing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if err := push(conn, h.broker.Introspection()); err != nil {
		return
	}

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case snapshot, ok := <-updates:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "roudi stopped"),
					time.Now().Add(streamWriteWait))
				return
			}
			if err := push(conn, snapshot); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}

func push(conn *websocket.Conn, snapshot ipc.Introspection) error {
	conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
	return conn.WriteJSON(gin.H{
		"type":     "introspection",
		"snapshot": snapshot,
	})
}
