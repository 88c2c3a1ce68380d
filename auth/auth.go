// Package auth verifies the bearer token presented at WebSocket
// upgrade (C14, §6 "Session attach"). Token verification is the entire
// scope of auth here: once a token is recognised, its subject claim
// becomes the session's principal, and authorization policy beyond
// that is out of scope.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ErrMissingToken is returned when the upgrade request carries no
// bearer token at all.
var ErrMissingToken = errors.New("missing bearer token")

// Verifier validates bearer tokens presented at connection time and
// extracts the caller's principal from the subject claim.
type Verifier struct {
	secret []byte
	logger *zap.Logger
}

// NewVerifier builds a Verifier over an HMAC secret (GATEWAY_JWT_SECRET).
func NewVerifier(secret string, logger *zap.Logger) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		logger: logger.With(zap.String("component", "auth")),
	}
}

// ExtractToken pulls the bearer token from the upgrade request: the
// Authorization header, falling back to the `token` query parameter
// for clients that cannot set headers on a WebSocket handshake.
func ExtractToken(r *http.Request) (string, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return "", fmt.Errorf("malformed Authorization header")
		}
		return strings.TrimPrefix(authHeader, "Bearer "), nil
	}
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok, nil
	}
	return "", ErrMissingToken
}

// Verify parses and validates tokenStr, returning the subject claim as
// the caller's principal. Any failure — missing token, bad signature,
// expired, wrong algorithm — is reported uniformly so callers reject
// the upgrade with HTTP 401 without leaking which check failed.
func (v *Verifier) Verify(tokenStr string) (principal string, err error) {
	if tokenStr == "" {
		return "", ErrMissingToken
	}

	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method.Alg())
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		v.logger.Debug("jwt validation failed", zap.Error(err))
		return "", fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token claims")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("token carries no subject claim")
	}
	return sub, nil
}

// VerifyRequest is the convenience entry point used at the WebSocket
// upgrade boundary: extract then verify in one call.
func (v *Verifier) VerifyRequest(r *http.Request) (principal string, err error) {
	tok, err := ExtractToken(r)
	if err != nil {
		return "", err
	}
	return v.Verify(tok)
}
