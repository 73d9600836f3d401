package jwtverify

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoSubject = errors.New("token has no subject claim")

// Claims identify the bearer of a ctproto access token. UserID comes
// from the standard subject claim; Username is optional display data.
type Claims struct {
	UserID   string
	Username string
}

// tokenClaims is the wire shape of the token payload.
type tokenClaims struct {
	Username string `json:"usr,omitempty"`
	jwt.RegisteredClaims
}

// ParseToken validates an HS256-signed token and returns its claims.
func ParseToken(tokenString string, secret []byte) (Claims, error) {
	var tc tokenClaims
	_, err := jwt.ParseWithClaims(tokenString, &tc,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("parse token: %w", err)
	}
	if tc.Subject == "" {
		return Claims{}, ErrNoSubject
	}

	return Claims{
		UserID:   tc.Subject,
		Username: tc.Username,
	}, nil
}

// NewToken issues an HS256 token carrying the given claims.
func NewToken(claims Claims, secret []byte) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		Username: claims.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: claims.UserID,
		},
	})
	return token.SignedString(secret)
}
