package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMissingToken is returned when auth is enabled and no token was sent
	ErrMissingToken = errors.New("missing authorization token")

	// ErrInvalidToken is returned for tokens that fail validation
	ErrInvalidToken = errors.New("invalid token")
)

// Claims are the JWT claims accepted by the gateway
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id,omitempty"`
}

// User returns the user id, falling back to the subject
func (c *Claims) User() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// Authenticator validates HS256 bearer tokens. A nil Authenticator accepts
// every request.
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewAuthenticator returns nil when secret is empty
func NewAuthenticator(secret string) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{
		secret: []byte(secret),
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired()),
	}
}

// Authenticate reads the token from the Authorization header or, since
// browsers cannot set headers on websocket requests, the token query parameter
func (a *Authenticator) Authenticate(r *http.Request) (*Claims, error) {
	if a == nil {
		return &Claims{}, nil
	}

	tokenString := bearerToken(r)
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	claims := &Claims{}
	token, err := a.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
