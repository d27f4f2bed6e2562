package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The surface is exposed to the hosting process, not to browsers.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingPeriod   = 30 * time.Second
)

// subscribeMessage is the first frame a client sends.
type subscribeMessage struct {
	Symbols []string `json:"symbols"`
}

// handleQuotesWS streams conflated quote updates for the subscribed symbols.
// Delivery is latest-wins: a slow reader skips intermediate ticks.
func (s *Server) handleQuotesWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	var sub subscribeMessage
	if err := conn.ReadJSON(&sub); err != nil || len(sub.Symbols) == 0 {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected subscribe {symbols[]}"),
			time.Now().Add(wsWriteTimeout))
		return
	}
	wanted := make(map[string]bool, len(sub.Symbols))
	for _, sym := range sub.Symbols {
		wanted[sym] = true
	}

	id, updates := s.stream.Subscribe()
	defer s.stream.Unsubscribe(id)

	// Reader goroutine: surfaces client close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case u, ok := <-updates:
			if !ok {
				return
			}
			if !wanted[u.InstrumentKey] {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(u); err != nil {
				log.Debug().Err(err).Msg("websocket write failed, dropping subscriber")
				return
			}
		}
	}
}
