package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatgateway/internal/server"
)

type OnlineResponse struct {
	Users       int `json:"users"`
	Connections int `json:"connections"`
}

func (s *GatewayApp) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

func (s *GatewayApp) health(w http.ResponseWriter, _ *http.Request) {
	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *GatewayApp) online(w http.ResponseWriter, _ *http.Request) {
	reg := s.cs.Registry()
	s.writeJson(w, http.StatusOK, OnlineResponse{
		Users:       reg.CountOnline(),
		Connections: reg.CountConnections(),
	})
}

func (s *GatewayApp) serveWs(w http.ResponseWriter, r *http.Request) {
	hs, ok := HandshakeFrom(r.Context())
	if !ok {
		errResp := NewUnauthorizedError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("error upgrading connection")
		return
	}

	client := server.NewClient(conn, s.cs, hs, s.log)
	go client.Write()

	// the upgraded connection outlives the request context
	go func() {
		if err := s.cs.Open(context.Background(), client); err != nil {
			s.log.Debug().Err(err).Str("remote", hs.RemoteAddr).Msg("connection not opened")
			return
		}
		client.Read()
	}()
}
