// Package authtoken mints and verifies connect tokens: a small JWT carrying
// a client id and expiry that a transport binding's accept path validates
// before handing a new connection off to the core. The core itself never
// imports this package — only transport bindings (transport/wstp,
// transport/natstp) sit on the connect path where a token is relevant.
package authtoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload carried by a connect token.
type Claims struct {
	ClientID string `json:"clientId"`
	jwt.RegisteredClaims
}

// Codec mints and verifies connect tokens signed with a shared secret.
type Codec struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

// New constructs a Codec. secret must be non-empty; ttl bounds how long a
// minted token remains valid.
func New(secret string, ttl time.Duration, issuer string) *Codec {
	if secret == "" {
		panic("authtoken: secret must not be empty")
	}
	return &Codec{secret: []byte(secret), ttl: ttl, issuer: issuer}
}

// Mint creates a signed connect token for clientID.
func (c *Codec) Mint(clientID string) (string, error) {
	now := time.Now()
	claims := &Claims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    c.issuer,
			Subject:   clientID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(c.secret)
}

// Verify validates a connect token and returns its claims.
func (c *Codec) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authtoken: unexpected signing method %v", token.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("authtoken: invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("authtoken: invalid token claims")
	}
	return claims, nil
}
