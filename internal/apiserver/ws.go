package apiserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	wsSubscriberBuffer = 64
	wsWriteWait        = 10 * time.Second
	wsPingInterval     = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Event stream readers are expected to be the orchestrator's own UI
	// and operator tooling across arbitrary origins, not a same-origin
	// browser app; same posture as the REST API's open CORS.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleJobEvents upgrades to a WebSocket and forwards every event on
// jobID's Bus to the client until either side disconnects.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "job_id", jobID, "error", err)
		return
	}
	defer conn.Close()

	bus := s.buses.Get(jobID)
	events, unsubscribe := bus.Subscribe(wsSubscriberBuffer)
	defer unsubscribe()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
