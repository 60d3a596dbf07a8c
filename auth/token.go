// Package auth implements the stateless signed-token scheme.
//
// A token binds an account ID to the credential version the account had when
// the token was issued. The service holds no record of issued tokens: when a
// password change bumps the account version, every previously issued token
// for that account stops verifying against the live version, which gives O(1)
// invalidation of all outstanding tokens without a revocation list. The
// trade-off is granularity - invalidation is per-account, not per-token -
// and that is deliberate.
//
// Tokens carry no expiry claim; staleness is decided purely by the version
// comparison performed at validation time by the caller.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors for the auth package.
var (
	// ErrKeyRequired is returned when a signer is created without a key.
	ErrKeyRequired = errors.New("auth: signing key is required")

	// ErrInvalidToken is returned when a token is malformed, carries an
	// unexpected signing method, or fails signature verification.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Claims is the token payload: the registered claim set plus the account
// binding. Version is the account's credential version at issuance.
type Claims struct {
	jwt.RegisteredClaims
	AccountID string `json:"account_id"`
	Version   int64  `json:"account_version"`
}

// Signer issues and parses signed tokens with a process-wide HMAC key.
// The key must be identical between issue and validate; it is configuration,
// not state.
type Signer struct {
	key []byte
}

// NewSigner creates a signer with the given HMAC key.
func NewSigner(key []byte) (*Signer, error) {
	if len(key) == 0 {
		return nil, ErrKeyRequired
	}
	return &Signer{key: key}, nil
}

// Issue produces a signed token embedding the account ID and version.
func (s *Signer) Issue(accountID string, version int64) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		AccountID: accountID,
		Version:   version,
	})

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies the token signature and returns the embedded account ID and
// version. It performs no version comparison - the caller compares against
// the account's current version.
func (s *Signer) Parse(tokenString string) (accountID string, version int64, err error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return s.key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", 0, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.AccountID == "" {
		return "", 0, ErrInvalidToken
	}

	return claims.AccountID, claims.Version, nil
}
