package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/famchat-relay/internal/config"
	"github.com/npezzotti/famchat-relay/internal/server"
	"go.uber.org/zap"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type RelayApp struct {
	log     *zap.Logger
	db      Pinger
	mux     *http.Server
	gateway *server.Gateway
}

// NewRelayApp registers the relay routes on mux. The mux is shared with the
// stats updater, which serves /metrics on it.
func NewRelayApp(mux *http.ServeMux, logger *zap.Logger, gw *server.Gateway, db Pinger, cfg *config.Config) *RelayApp {
	s := &RelayApp{
		log:     logger,
		db:      db,
		gateway: gw,
	}

	mux.HandleFunc("GET /ws/chat", s.serveChat)
	mux.HandleFunc("GET /ws/family-status", s.serveFamilyStatus)
	mux.HandleFunc("GET /healthz", s.healthz)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.mux = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *RelayApp) Handler() http.Handler {
	return s.mux.Handler
}

func (s *RelayApp) Start() error {
	s.log.Info("starting server", zap.String("addr", s.mux.Addr))
	return s.mux.ListenAndServe()
}

func (s *RelayApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
