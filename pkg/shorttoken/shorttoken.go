// Package shorttoken issues the compact signed tokens handed to client
// applications in place of the patron's real credentials. A token names the
// library and patron it was minted for, carries an expiration, and is signed
// with the deployment secret; anyone holding the secret can verify it
// offline.
package shorttoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidSignature means the token was not signed with the expected
	// secret, or was tampered with.
	ErrInvalidSignature = errors.New("shorttoken: invalid signature")

	// ErrExpired means the signature verified but the token is past its
	// expiration.
	ErrExpired = errors.New("shorttoken: token expired")

	ErrMalformed = errors.New("shorttoken: malformed token")
)

// Token is the decoded payload.
type Token struct {
	Library string
	Patron  string
	Expires time.Time
}

type claims struct {
	Library string `json:"lib"`
	jwt.RegisteredClaims
}

// Encode signs a token for the given patron. The expiry is absolute.
func Encode(library, patron string, expires time.Time, secret []byte) (string, error) {
	if library == "" || patron == "" {
		return "", errors.New("shorttoken: library and patron are required")
	}
	if len(secret) == 0 {
		return "", errors.New("shorttoken: secret is required")
	}

	c := claims{
		Library: library,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   patron,
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(secret)
}

// Decode verifies the signature and expiration and returns the payload.
func Decode(encoded string, secret []byte) (*Token, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(encoded, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrSignatureInvalid):
		return nil, ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	case !parsed.Valid:
		return nil, ErrMalformed
	}

	var expires time.Time
	if c.ExpiresAt != nil {
		expires = c.ExpiresAt.Time
	}
	return &Token{
		Library: c.Library,
		Patron:  c.Subject,
		Expires: expires,
	}, nil
}
