// Package auth is an optional connection guard: joins must present an HS256
// token naming the client and, optionally, the rooms it may open.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"

	"github.com/manpreetbhatti/lattice-collab/internal/room"
)

// TokenOption is the join option carrying the token.
const TokenOption = "token"

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrWrongClient  = errors.New("token issued to another client")
	ErrRoomDenied   = errors.New("token does not grant this room")
)

type Claims struct {
	ClientID string `json:"clientID"`

	// Rooms restricts the token to these room names. Empty allows all.
	Rooms []string `json:"rooms,omitempty"`

	jwt.StandardClaims
}

type Authenticator struct {
	secret []byte
}

func New(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Sign issues a token for claims valid for ttl. A ttl of 0 never expires.
func (a *Authenticator) Sign(claims Claims, ttl time.Duration) (string, error) {
	if ttl > 0 {
		claims.ExpiresAt = time.Now().Add(ttl).Unix()
	}
	claims.IssuedAt = time.Now().Unix()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Parse validates token and returns its claims.
func (a *Authenticator) Parse(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Guard is a room.Hooks ConnectionGuard.
func (a *Authenticator) Guard(_ context.Context, hc room.HookContext) error {
	raw, _ := hc.Options[TokenOption].(string)
	if raw == "" {
		return ErrMissingToken
	}

	claims, err := a.Parse(raw)
	if err != nil {
		return err
	}
	if claims.ClientID != hc.ClientID {
		return ErrWrongClient
	}
	if len(claims.Rooms) == 0 {
		return nil
	}
	for _, r := range claims.Rooms {
		if r == hc.Room {
			return nil
		}
	}
	return ErrRoomDenied
}
