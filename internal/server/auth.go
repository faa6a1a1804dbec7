package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned by authorizers that reject a request.
var ErrUnauthorized = errors.New("unauthorized")

// Authorizer identifies the user a request acts for.
type Authorizer interface {
	Authorize(r *http.Request) (user string, err error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(r *http.Request) (string, error)

func (f AuthorizerFunc) Authorize(r *http.Request) (string, error) { return f(r) }

// SingleUser authorizes every request as user. It suits local deployments
// without authentication.
func SingleUser(user string) Authorizer {
	return AuthorizerFunc(func(*http.Request) (string, error) { return user, nil })
}

// JWTAuthorizer accepts HS256 bearer tokens and uses their subject as the
// user. Browsers cannot set headers on WebSocket handshakes, so the token may
// also be passed in the access_token query parameter.
type JWTAuthorizer struct {
	secret []byte
	now    func() time.Time
}

// NewJWTAuthorizer returns an authorizer for tokens signed with secret.
func NewJWTAuthorizer(secret []byte) *JWTAuthorizer {
	return &JWTAuthorizer{secret: secret, now: time.Now}
}

func (a *JWTAuthorizer) Authorize(r *http.Request) (string, error) {
	raw, err := bearerToken(r)
	if err != nil {
		return "", err
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(a.now))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return claims.Subject, nil
}

// Issue signs a token for user that expires after ttl.
func (a *JWTAuthorizer) Issue(user string, ttl time.Duration) (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Subject:   user,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if t := r.URL.Query().Get("access_token"); t != "" {
			return t, nil
		}
		return "", fmt.Errorf("%w: missing Authorization header", ErrUnauthorized)
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", fmt.Errorf("%w: invalid Authorization header format", ErrUnauthorized)
	}
	return parts[1], nil
}

type userKey struct{}

// UserFrom returns the authorized user of a request context.
func UserFrom(ctx context.Context) string {
	user, _ := ctx.Value(userKey{}).(string)
	return user
}

func withUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}
