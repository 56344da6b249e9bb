package middleware

import (
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/leadmarket/backend/internal/identity"
	"github.com/leadmarket/backend/internal/services"
)

var (
	errMissingToken = errors.New("authorization header required")
	errMalformed    = errors.New("invalid authorization header format")
	errNoEmail      = errors.New("token carries no email claim")
)

// Authenticator verifies HS256 bearer tokens and exposes the verified email
// claim to handlers as an identity.Caller.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	if secret == "" {
		log.Printf("[AUTH] JWT secret is empty, every token will be rejected")
	}
	return &Authenticator{secret: []byte(secret)}
}

// AuthMiddleware rejects requests without a valid token.
func (a *Authenticator) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := a.callerFromRequest(r)
		if err != nil {
			services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(identity.WithCaller(r.Context(), caller)))
	})
}

// OptionalAuth attaches a caller when a valid token is present and lets
// anonymous requests through. A bad token is still rejected.
func (a *Authenticator) OptionalAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := a.callerFromRequest(r)
		switch {
		case errors.Is(err, errMissingToken):
			next.ServeHTTP(w, r)
		case err != nil:
			services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		default:
			next.ServeHTTP(w, r.WithContext(identity.WithCaller(r.Context(), caller)))
		}
	})
}

func (a *Authenticator) callerFromRequest(r *http.Request) (identity.Caller, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return identity.Caller{}, errMissingToken
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return identity.Caller{}, errMalformed
	}

	return a.validateToken(parts[1])
}

func (a *Authenticator) validateToken(tokenString string) (identity.Caller, error) {
	if len(a.secret) == 0 {
		return identity.Caller{}, jwt.ErrTokenUnverifiable
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return identity.Caller{}, err
	}
	if !token.Valid {
		return identity.Caller{}, jwt.ErrTokenInvalidClaims
	}

	email, _ := claims["email"].(string)
	caller := identity.NewCaller(email)
	if caller.IsZero() {
		return identity.Caller{}, errNoEmail
	}
	return caller, nil
}
