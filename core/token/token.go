// Package token mints and verifies the HS256 device tokens used by the
// provisioning and hub services. Tokens are signed with a derived attestation
// key, so possession of a valid token proves possession of the key.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// DefaultTTL is the lifetime of a minted token. Tokens are cheap to mint, so
// they are kept short-lived.
const DefaultTTL = 5 * time.Minute

// Sign mints a token for subject (the device identifier) and audience (the
// provisioning ID scope or the hub endpoint), signed with the given key.
func Sign(key []byte, subject, audience string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// Verify parses the token, checks the HMAC signature against key and validates
// expiry, subject and audience. Returns an error when any check fails.
func Verify(tokenString string, key []byte, subject, audience string) error {
	claims := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return err
	}
	if claims.Subject != subject {
		return fmt.Errorf("token subject %q does not match %q", claims.Subject, subject)
	}
	if !claims.VerifyAudience(audience, true) {
		return fmt.Errorf("token audience does not include %q", audience)
	}
	return nil
}
