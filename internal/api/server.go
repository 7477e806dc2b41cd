// Package api serves the local HTTP control surface: call operations, live
// event streams for a UI, chat history and debug introspection. It binds to
// loopback; this is a control socket, not a public API.
package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/goopkit/huddle/internal/call"
	"github.com/goopkit/huddle/internal/history"
	"github.com/goopkit/huddle/internal/p2p"
	"github.com/goopkit/huddle/internal/presence"
	"github.com/goopkit/huddle/internal/store"
)

// Deps are the collaborators the routes need.
type Deps struct {
	Node    *p2p.Node
	Calls   *call.Manager
	History *history.Logger
	Peers   *presence.PeerTable
	DB      *store.DB
	Debug   bool
}

// Server is the local HTTP control server.
type Server struct {
	deps Deps
	mux  *http.ServeMux
	srv  *http.Server
}

func New(deps Deps) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
	}
	s.register()
	return s
}

// Start serves on addr until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("API: listening on http://%s", addr)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
