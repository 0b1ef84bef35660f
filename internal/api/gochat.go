package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-chatgateway/internal/config"
	"github.com/npezzotti/go-chatgateway/internal/server"
	"github.com/rs/zerolog"
)

type GatewayApp struct {
	log            zerolog.Logger
	srv            *http.Server
	cs             *server.ChatServer
	allowedOrigins []string
}

// NewGatewayApp serves the websocket endpoint and the operator routes on mux.
// Metrics are registered on mux separately by the stats package.
func NewGatewayApp(mux *http.ServeMux, l zerolog.Logger, cs *server.ChatServer, cfg *config.Config) *GatewayApp {
	s := &GatewayApp{
		log:            l,
		cs:             cs,
		allowedOrigins: cfg.Server.AllowedOrigins,
	}

	mux.Handle("GET /ws", s.handshakeMiddleware(s.serveWs))
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /api/online", s.online)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.Server.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: h,
	}

	return s
}

func (s *GatewayApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *GatewayApp) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("starting server")
	return s.srv.ListenAndServe()
}

func (s *GatewayApp) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
