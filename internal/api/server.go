package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/dappnode/validator-launcher/internal/application/domain"
	"github.com/dappnode/validator-launcher/internal/application/ports"
	"github.com/dappnode/validator-launcher/internal/logger"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LaunchControl is the slice of the launch controller the API needs:
// snapshots out, intents in. Mutating handlers never block on
// subprocess operations.
type LaunchControl interface {
	Status() domain.LaunchStatus
	RequestStart()
	RequestStop()
}

// ReadinessSource is the read-only view of the readiness watcher.
type ReadinessSource interface {
	Current() domain.ReadinessState
}

// Server is the stateless control API: every handler is a thin
// translation to a component call.
type Server struct {
	addr      string
	validator ports.KeystoreValidatorPort
	store     ports.KeystoreStorePort
	readiness ReadinessSource
	launcher  LaunchControl
	journal   ports.LaunchJournalPort // optional

	// Websocket fan-out of launch transitions.
	events   <-chan domain.LaunchEvent
	upgrader websocket.Upgrader
	mu       sync.Mutex
	clients  map[*websocket.Conn]bool
}

func NewServer(addr string, validator ports.KeystoreValidatorPort, store ports.KeystoreStorePort, readiness ReadinessSource, launcher LaunchControl, journal ports.LaunchJournalPort, events <-chan domain.LaunchEvent) *Server {
	return &Server{
		addr:      addr,
		validator: validator,
		store:     store,
		readiness: readiness,
		launcher:  launcher,
		journal:   journal,
		events:    events,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
	}
}

// Handler builds the route table. Exposed separately so tests can
// exercise the API with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/readiness", s.handleReadiness)
	mux.HandleFunc("/launch/status", s.handleLaunchStatus)
	mux.HandleFunc("/launch/start", s.handleLaunchStart)
	mux.HandleFunc("/launch/stop", s.handleLaunchStop)
	mux.HandleFunc("/launch/history", s.handleLaunchHistory)
	mux.HandleFunc("/launch/events", s.handleLaunchEvents)
	mux.HandleFunc("/keystores", s.handleKeystores)
	mux.HandleFunc("/keystores/", s.handleKeystoreByKey)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Run serves the API until the context is cancelled, then shuts down
// gracefully. The event pump fans launch transitions out to websocket
// clients for the lifetime of the server.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	go s.pumpEvents(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.InfoWithPrefix("api", "Control API listening on %s", s.addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func (s *Server) pumpEvents(ctx context.Context) {
	if s.events == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			s.closeClients()
			return
		case event := <-s.events:
			s.broadcast(event)
		}
	}
}

func (s *Server) broadcast(event domain.LaunchEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		if err := client.WriteJSON(event); err != nil {
			client.Close()
			delete(s.clients, client)
		}
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		client.Close()
		delete(s.clients, client)
	}
}

func (s *Server) handleLaunchEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnWithPrefix("api", "Websocket upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	// Current status first so a fresh client starts from the truth.
	status := s.launcher.Status()
	if err := conn.WriteJSON(status); err != nil {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}
}
