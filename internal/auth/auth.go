package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"os"
	"strings"
)

var (
	ErrMissingBearer = errors.New("missing bearer token")
	ErrInvalidToken  = errors.New("invalid token")
)

type Claims struct {
	Subject string
	Token   string
}

type Authenticator interface {
	Authenticate(r *http.Request) (Claims, error)
}

// TokenAuthenticator accepts a single shared operator token. An empty Token
// disables authentication, which is only meant for local development.
type TokenAuthenticator struct {
	Token string
}

func NewAuthenticatorFromEnv() *TokenAuthenticator {
	return &TokenAuthenticator{Token: os.Getenv("AFU9_API_TOKEN")}
}

func (a *TokenAuthenticator) Authenticate(r *http.Request) (Claims, error) {
	if a == nil || a.Token == "" {
		return Claims{Subject: "anonymous"}, nil
	}
	bearer, err := extractBearer(r)
	if err != nil {
		return Claims{}, err
	}
	if subtle.ConstantTimeCompare([]byte(bearer), []byte(a.Token)) != 1 {
		return Claims{}, ErrInvalidToken
	}
	return Claims{Subject: "operator", Token: bearer}, nil
}

// Middleware rejects unauthenticated requests with 401 before they reach next.
func Middleware(a Authenticator, onError func(w http.ResponseWriter, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a != nil {
				if _, err := a.Authenticate(r); err != nil {
					onError(w, err)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", ErrMissingBearer
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", ErrInvalidToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}
