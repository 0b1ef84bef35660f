package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatgateway/internal/config"
	"github.com/npezzotti/go-chatgateway/internal/server"
	"github.com/npezzotti/go-chatgateway/internal/services"
	"github.com/npezzotti/go-chatgateway/internal/stats"
	"github.com/npezzotti/go-chatgateway/internal/testutil"
	"github.com/npezzotti/go-chatgateway/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) (*GatewayApp, *services.MockAuth) {
	t.Helper()

	mux := http.NewServeMux()
	auth := &services.MockAuth{}
	cs, err := server.NewChatServer(testutil.TestLogger(t), services.Set{
		Auth:          auth,
		Messages:      &services.MockMessages{},
		Conversations: &services.MockConversations{},
		Groups:        &services.MockGroups{},
		SocialGraph:   &services.MockSocialGraph{},
		Settings:      &services.MockSettings{},
	}, stats.NewStatsUpdater(mux), server.Options{})
	require.NoError(t, err)

	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:           "localhost:8080",
			AllowedOrigins: []string{"http://localhost:3000"},
		},
	}
	return NewGatewayApp(mux, testutil.TestLogger(t), cs, cfg), auth
}

func TestNewGatewayApp(t *testing.T) {
	app, _ := newTestApp(t)

	assert.NotNil(t, app.srv, "expected http server to be initialized")
	assert.NotNil(t, app.cs, "expected chat server to be set")
	assert.Equal(t, "localhost:8080", app.srv.Addr, "expected server address to match config")
	assert.Equal(t, []string{"http://localhost:3000"}, app.allowedOrigins)
}

func TestOperatorRoutes(t *testing.T) {
	app, _ := newTestApp(t)

	tcases := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{"health", http.MethodGet, "/health", http.StatusOK, `"status":"ok"`},
		{"online", http.MethodGet, "/api/online", http.StatusOK, `"users":0`},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK, "chat_gateway_active_connections"},
		{"websocket without token", http.MethodGet, "/ws", http.StatusUnauthorized, "unauthorized"},
		{"wrong method", http.MethodPost, "/health", http.StatusMethodNotAllowed, ""},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(tc.method, tc.path, nil)

			app.Handler().ServeHTTP(rr, req)

			assert.Equal(t, tc.wantStatus, rr.Code)
			assert.Contains(t, rr.Body.String(), tc.wantBody)
		})
	}
}

func TestCORS(t *testing.T) {
	app, _ := newTestApp(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://localhost:3000")

	app.Handler().ServeHTTP(rr, req)

	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestServeWs(t *testing.T) {
	app, auth := newTestApp(t)
	defer auth.AssertExpectations(t)

	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	auth.On("ValidateConnection", mock.Anything, mock.MatchedBy(func(hs services.Handshake) bool {
		return hs.Token == "good" && hs.HasOffset == false
	})).Return(nil).Once()
	auth.On("ValidateSession", mock.Anything, mock.Anything).
		Return(services.Identity{User: types.User{Id: "u1", Username: "alice"}}, nil).Once()
	auth.On("ValidateConnection", mock.Anything, mock.MatchedBy(func(hs services.Handshake) bool {
		return hs.Token == "bad"
	})).Return(services.ErrUnauthenticated).Once()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	t.Run("accepted", func(t *testing.T) {
		ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?token=good", nil)
		require.NoError(t, err)
		defer ws.Close()
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))

		var hello server.ServerMessage
		for hello.Event != server.EventServerHello {
			var raw json.RawMessage
			require.NoError(t, ws.ReadJSON(&raw))
			require.NoError(t, json.Unmarshal(raw, &hello))
		}

		assert.Eventually(t, func() bool {
			return app.cs.Registry().IsOnline("u1")
		}, time.Second, 10*time.Millisecond)

		rr := httptest.NewRecorder()
		app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/online", nil))
		assert.JSONEq(t, `{"users":1,"connections":1}`, rr.Body.String())
	})

	t.Run("rejected credential", func(t *testing.T) {
		ws, _, err := websocket.DefaultDialer.Dial(wsURL+"?token=bad", nil)
		require.NoError(t, err, "rejection happens after the upgrade")
		defer ws.Close()
		ws.SetReadDeadline(time.Now().Add(2 * time.Second))

		var reply struct {
			Response server.Response `json:"response"`
		}
		require.NoError(t, ws.ReadJSON(&reply))
		assert.Equal(t, http.StatusUnauthorized, reply.Response.ResponseCode)

		_, _, err = ws.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected close frame, got %v", err)
	})

	t.Run("disallowed origin", func(t *testing.T) {
		header := http.Header{"Origin": []string{"http://evil.example"}}
		_, resp, err := websocket.DefaultDialer.Dial(wsURL+"?token=good", header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}
