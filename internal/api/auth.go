package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/npezzotti/go-chatgateway/internal/services"
)

const (
	tokenCookieKey = "token"
	tokenQueryKey  = "token"

	offsetQueryKey      = "offset"
	directChatQueryKey  = "direct_chat_id"
	groupChatQueryKey   = "group_chat_id"
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
)

type contextKey string

const handshakeKey contextKey = "handshake"

func WithHandshake(ctx context.Context, hs services.Handshake) context.Context {
	return context.WithValue(ctx, handshakeKey, hs)
}

func HandshakeFrom(ctx context.Context) (services.Handshake, bool) {
	hs, ok := ctx.Value(handshakeKey).(services.Handshake)
	return hs, ok
}

// extractToken looks for the credential in the Authorization header, then the
// token query parameter, then the token cookie.
func extractToken(r *http.Request) string {
	if h := r.Header.Get(authorizationHeader); strings.HasPrefix(h, bearerPrefix) {
		return strings.TrimSpace(strings.TrimPrefix(h, bearerPrefix))
	}
	if t := r.URL.Query().Get(tokenQueryKey); t != "" {
		return t
	}
	if c, err := r.Cookie(tokenCookieKey); err == nil {
		return c.Value
	}
	return ""
}

func handshakeFromRequest(r *http.Request) (services.Handshake, error) {
	q := r.URL.Query()
	hs := services.Handshake{
		Token:        extractToken(r),
		RemoteAddr:   r.RemoteAddr,
		DirectChatId: q.Get(directChatQueryKey),
		GroupChatId:  q.Get(groupChatQueryKey),
	}

	if raw := q.Get(offsetQueryKey); raw != "" {
		offset, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || offset < 0 {
			return services.Handshake{}, fmt.Errorf("invalid offset %q", raw)
		}
		hs.Offset = offset
		hs.HasOffset = true
	}

	return hs, nil
}
