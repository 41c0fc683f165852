package bridge

import (
	"context"
	"net/http"
	"time"

	"log"
)

// Server is the bridge's HTTP entry point: it owns the Hub and the
// http.Server that exposes it, the way the teacher's server.Server owns
// its webrtc.Manager and session.Manager. Unlike the teacher it serves no
// static frontend and no REST session-management API; a single WebSocket
// endpoint is the entire surface, since this module's scope stops at the
// control/input channel and session fan-out, not the player-facing UI.
type Server struct {
	config *Config
	hub    *Hub
	http   *http.Server
}

// New constructs a Server from cfg, handing the caller-supplied
// keySource factory to the Hub that serves /ws (the out-of-scope pairing
// handshake is assumed to have already produced the values it returns).
func New(cfg *Config, keySource KeySourceFactory) *Server {
	hub := NewHub(keySource, cfg.ICEServers)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeHTTP)

	return &Server{
		config: cfg,
		hub:    hub,
		http: &http.Server{
			Addr:         cfg.ListenAddr,
			Handler:      mux,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Run starts serving and blocks until the server stops or errors.
func (s *Server) Run() error {
	log.Printf("bridge: listening on %s", s.config.ListenAddr)
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server. In-flight bridge sessions
// finish tearing down their own control sessions and pipelines as their
// WebSocket reads fail.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		log.Printf("bridge: http server shutdown error: %v", err)
	}
}
