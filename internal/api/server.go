// Package api is the local HTTP control surface of one node. It binds to
// loopback only; whatever drives the node (a UI, a script, curl) talks to
// these endpoints and watches the websocket event stream.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/parleyhq/parley/internal/call"
	"github.com/parleyhq/parley/internal/session"
	"github.com/parleyhq/parley/internal/state"
)

// Deps is everything the route handlers reach into.
type Deps struct {
	SelfID    string
	SelfLabel func() string
	Addrs     func() []string

	Peers      *state.PeerTable
	Store      *session.Store
	Controller *call.Controller

	// EventLog returns the most recent call events, oldest first. Lets a
	// client that (re)connects to the event stream catch up on what it missed.
	EventLog func() []call.Event
}

// Server wraps the HTTP control listener.
type Server struct {
	srv *http.Server
}

// New builds the server with all routes registered.
func New(addr string, d Deps) *Server {
	mux := http.NewServeMux()
	registerSelfRoutes(mux, d)
	registerPeerRoutes(mux, d)
	registerCallRoutes(mux, d)

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves until ctx is cancelled, then drains with a short grace
// period. Blocks.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("API: listening on http://%s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
