package controlplane

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Server upgrades incoming HTTP connections to websockets and registers
// them with a Hub.
type Server struct {
	hub      *Hub
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewServer builds a Server over hub. The upgrader allows any origin
// since subscribers are trusted operator/worker processes, not browsers.
func NewServer(hub *Hub, log zerolog.Logger) *Server {
	return &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Handler serves /ws, registering each accepted connection under a
// generated subscriber ID and keeping it open (discarding any inbound
// messages) until the peer disconnects.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("control plane websocket upgrade failed")
		return
	}

	id := uuid.NewString()
	s.hub.Register(id, conn)
	defer s.hub.Unregister(id)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
