package rest

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/relayq/relayq/internal/events"
)

const (
	eventBuffer  = 256
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// events streams bus events to a websocket client. The optional types query
// parameter is a comma separated filter, e.g. ?types=jobCompleted,jobFailed.
// Events of other queues are skipped when queue is set.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	var types []events.Type
	if v := r.URL.Query().Get("types"); v != "" {
		for _, t := range strings.Split(v, ",") {
			types = append(types, events.Type(strings.TrimSpace(t)))
		}
	}
	queueName := r.URL.Query().Get("queue")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade event stream")
		return
	}
	defer conn.Close()

	sub := s.manager.Subscribe(eventBuffer, types...)
	defer sub.Close()

	// the reader only watches for the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	log.Debug().Str("remote", r.RemoteAddr).Msg("event stream opened")
	defer log.Debug().Str("remote", r.RemoteAddr).Uint64("dropped", sub.Dropped()).Msg("event stream closed")

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case ev, ok := <-sub.C():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeTimeout))
				return
			}
			if queueName != "" && ev.Queue != "" && ev.Queue != queueName {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Msg("failed to write event")
				return
			}
		}
	}
}
