package registry

import (
	"crypto/rsa"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const assertionLifetime = 5 * time.Minute

// Credentials identify one named client towards the registry.
type Credentials struct {
	Name     string
	ClientID string
	Key      *rsa.PrivateKey
}

// ParsePrivateKey reads an RSA key from inline PEM or from path.
func ParsePrivateKey(pemData, path string) (*rsa.PrivateKey, error) {
	raw := []byte(pemData)
	if len(raw) == 0 {
		if path == "" {
			return nil, fmt.Errorf("no signing key given")
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read signing key: %w", err)
		}
		raw = b
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return key, nil
}

// signAssertion builds the RS256 client assertion exchanged for a token.
func signAssertion(c Credentials, audience string, now time.Time) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    c.ClientID,
		Subject:   c.ClientID,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
		ID:        uuid.NewString(),
	})
	return token.SignedString(c.Key)
}
