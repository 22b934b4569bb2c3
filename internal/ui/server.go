// Package ui serves the HTTP control API and the websocket event feed
// that user interfaces attach to.
package ui

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"sphub/internal/engine"
	"sphub/internal/history"
	"sphub/internal/sp"
)

const shutdownTimeout = 10 * time.Second

// Engine runs closures on the daemon loop.
type Engine interface {
	Do(ctx context.Context, fn func(*engine.Engine)) error
}

// Server is the control API.
type Server struct {
	eng     Engine
	history *history.Store
	hub     *Hub
	logger  sp.Logger
}

// NewServer creates a server. history may be nil, which leaves the
// history endpoints out.
func NewServer(eng Engine, store *history.Store, hub *Hub, logger sp.Logger) *Server {
	return &Server{eng: eng, history: store, hub: hub, logger: sp.OrNop(logger)}
}

// Routes returns the API router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/queue", GetQueueHandler(s.eng))
	r.Post("/queue/files", AddFileHandler(s.eng))
	r.Post("/queue/directories", AddDirectoryHandler(s.eng))
	r.Post("/queue/filelists/{nick}", AddFilelistHandler(s.eng))
	r.Put("/queue/priority", SetPriorityHandler(s.eng))
	r.Delete("/queue/targets", RemoveTargetHandler(s.eng))
	r.Delete("/queue/directories", RemoveDirectoryHandler(s.eng))
	r.Delete("/queue/filelists/{nick}", RemoveFilelistHandler(s.eng))
	r.Delete("/queue/nicks/{nick}", RemoveNickHandler(s.eng))

	r.Get("/share", GetShareHandler(s.eng))
	r.Post("/share", AddShareHandler(s.eng))
	r.Delete("/share", RemoveShareHandler(s.eng))
	r.Post("/share/rescan", RescanHandler(s.eng))
	r.Post("/share/hashes", AddHashHandler(s.eng))

	r.Post("/search-responses", SearchResponseHandler(s.eng))

	r.Get("/slots", GetSlotsHandler(s.eng))
	r.Put("/slots", SetSlotsHandler(s.eng))
	r.Post("/slots/grants", GrantSlotsHandler(s.eng))

	r.Get("/transfers", GetTransfersHandler(s.eng))
	r.Delete("/transfers", CancelTransferHandler(s.eng))

	r.Get("/peers", GetPeersHandler(s.eng))
	r.Post("/peers", SetPeerHandler(s.eng))
	r.Delete("/peers/{nick}", RemovePeerHandler(s.eng))

	r.Get("/extip", GetExtIPHandler(s.eng))

	if s.history != nil {
		r.Get("/history", GetHistoryHandler(s.history))
		r.Get("/history/sessions", GetSessionsHandler(s.history))
		r.Get("/history/totals", GetTotalsHandler(s.history))
	}

	if s.hub != nil {
		r.Get("/ws", s.hub.WsHandler)
	}
	return r
}

// Serve answers API requests on ln until ctx is done, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{Handler: s.Routes()}
	done := make(chan struct{})

	go func() {
		defer close(done)
		<-ctx.Done()
		s.logger.Info("shutting down ui server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			s.logger.Warn("ui server forced to shut down", "error", err)
		}
	}()

	s.logger.Info("ui server listening", "addr", ln.Addr().String())
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving ui: %w", err)
	}
	<-done
	return nil
}
