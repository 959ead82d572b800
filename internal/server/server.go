// ABOUTME: HTTP server wiring for the conversation REST surface
// ABOUTME: chi router, JWT middleware on every route, graceful shutdown

package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/campuslink/campus-chat/internal/auth"
	"github.com/campuslink/campus-chat/internal/dedupe"
	"github.com/campuslink/campus-chat/internal/hub"
	"github.com/campuslink/campus-chat/internal/store"
)

// Server serves the durable-store REST surface and the live upgrade.
type Server struct {
	store        store.Store
	hub          *hub.Hub
	dedupe       *dedupe.Cache
	verifier     auth.TokenVerifier
	logger       *slog.Logger
	historyLimit int

	httpServer *http.Server
}

// New creates a server. Pass nil logger for default; historyLimit <= 0
// falls back to the store default.
func New(s store.Store, h *hub.Hub, cache *dedupe.Cache, verifier auth.TokenVerifier, historyLimit int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:        s,
		hub:          h,
		dedupe:       cache,
		verifier:     verifier,
		logger:       logger.With("component", "server"),
		historyLimit: historyLimit,
	}
}

// Router builds the route table. Every route sits behind the JWT
// middleware; the websocket upgrade authenticates via the token query
// param the same middleware accepts.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(auth.Middleware(s.verifier, s.store, s.logger))

	r.Get("/conversations", s.handleListConversations)
	r.Post("/conversations/direct", s.handleCreateDirect)
	r.Post("/conversations/group/{eventID}", s.handleCreateGroup)
	r.Get("/conversations/{conversationID}/messages", s.handleListMessages)
	r.Post("/messages", s.handleSendMessage)
	r.Get("/ws", s.hub.HandleWS)

	return r
}

// Start begins serving on addr and blocks until the listener fails or
// Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http server listening", "addr", addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and tears down live sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
