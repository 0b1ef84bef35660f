// Package jwtauth performs the local token check that gates every connection
// before any remote call is made.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-chatgateway/internal/services"
	"github.com/npezzotti/go-chatgateway/internal/types"
)

const (
	userIdClaim   = "user-id"
	usernameClaim = "username"
	expClaim      = "exp"
)

// SessionResolver resolves a token to a full identity, usually remotely.
type SessionResolver interface {
	ValidateSession(ctx context.Context, hs services.Handshake) (services.Identity, error)
}

type Verifier struct {
	key      []byte
	sessions SessionResolver
}

// New returns a Verifier implementing services.Auth. When sessions is nil the
// identity is taken from the token claims alone.
func New(key []byte, sessions SessionResolver) *Verifier {
	return &Verifier{key: key, sessions: sessions}
}

func (v *Verifier) ValidateConnection(_ context.Context, hs services.Handshake) error {
	_, err := v.parse(hs.Token)
	return err
}

func (v *Verifier) ValidateSession(ctx context.Context, hs services.Handshake) (services.Identity, error) {
	if v.sessions != nil {
		return v.sessions.ValidateSession(ctx, hs)
	}

	claims, err := v.parse(hs.Token)
	if err != nil {
		return services.Identity{}, err
	}

	user := types.User{Id: claims[userIdClaim].(string)}
	if name, ok := claims[usernameClaim].(string); ok {
		user.Username = name
	}

	return services.Identity{User: user, Recovery: hs.Recovery()}, nil
}

// Sign issues a token for user valid for exp.
func (v *Verifier) Sign(user types.User, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim:   user.Id,
		usernameClaim: user.Username,
		expClaim:      time.Now().Add(exp).Unix(),
	})

	return token.SignedString(v.key)
}

func (v *Verifier) parse(tokenString string) (jwt.MapClaims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("missing token: %w", services.ErrUnauthenticated)
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", errors.Join(services.ErrUnauthenticated, err))
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", services.ErrUnauthenticated)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims: %w", services.ErrUnauthenticated)
	}

	if id, ok := claims[userIdClaim].(string); !ok || id == "" {
		return nil, fmt.Errorf("invalid user id claim: %w", services.ErrUnauthenticated)
	}

	return claims, nil
}
