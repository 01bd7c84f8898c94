package transport

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/callpilot/callpilot/internal/callerr"
)

// tokenIssuer is the iss claim on every token this server signs.
const tokenIssuer = "callpilot"

// Claims are the session-token claims. OperatorID identifies the console
// operator the token was issued to.
type Claims struct {
	OperatorID string `json:"operator_id"`
	jwt.RegisteredClaims
}

// Authenticator issues and verifies the HMAC-signed session tokens every
// websocket upgrade must present. No audio or event is processed before a
// token verifies.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
}

// NewAuthenticator creates an Authenticator signing with secret. Tokens
// expire after ttl.
func NewAuthenticator(secret string, ttl time.Duration) *Authenticator {
	return &Authenticator{secret: []byte(secret), ttl: ttl}
}

// IssueToken signs a new session token for the given operator.
func (a *Authenticator) IssueToken(operatorID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		OperatorID: operatorID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   operatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("transport: sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a signed token. The signing method is pinned to
// HS256; tokens signed any other way are rejected regardless of signature.
func (a *Authenticator) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, callerr.Auth("token_invalid", "session token rejected").
			WithDetails(map[string]any{"reason": err.Error()})
	}
	if !token.Valid {
		return nil, callerr.Auth("token_invalid", "session token rejected")
	}
	return claims, nil
}

// tokenFromRequest extracts the session token from the Authorization header
// (Bearer scheme) or, for browser websocket clients that cannot set headers,
// the token query parameter.
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
	}
	return r.URL.Query().Get("token")
}
