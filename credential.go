package postbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/careloop/postbox/auth"
	"github.com/careloop/postbox/store"
	"golang.org/x/crypto/bcrypt"
)

// SetPassword replaces the account's password.
//
// The bcrypt hash is computed before any store write, so a hashing failure
// leaves the account untouched. The store then swaps the hash and bumps the
// credential version in one atomic operation. As soon as that operation
// commits, every token issued against an earlier version stops validating.
func (m *accountMailbox) SetPassword(ctx context.Context, password string) error {
	if err := m.checkAccess(); err != nil {
		return err
	}
	if password == "" {
		return ErrEmptyPassword
	}

	start := time.Now()
	ctx, endSpan := m.service.otel.startSpan(ctx, "postbox.SetPassword", m.spanAttrs()...)

	version, err := m.setPassword(ctx, password)

	endSpan(err)
	m.service.otel.recordAuth(ctx, time.Since(start), "set_password", err)
	if err != nil {
		return err
	}

	m.service.logger.Info("password changed", "account_id", m.accountID, "version", version)
	return m.service.publishPasswordChanged(ctx, m.accountID, version)
}

func (m *accountMailbox) setPassword(ctx context.Context, password string) (int64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.service.opts.bcryptCost)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}

	version, err := m.service.store.UpdateCredential(ctx, m.accountID, string(hash))
	if err != nil {
		if store.IsNotFound(err) {
			return 0, fmt.Errorf("account %s: %w", m.accountID, ErrNotFound)
		}
		return 0, fmt.Errorf("postbox: update credential: %w", err)
	}
	return version, nil
}

// VerifyPassword checks a plaintext password against the stored hash.
// A mismatch is (false, nil); only infrastructure failures (account lookup,
// malformed stored hash) are returned as errors.
func (m *accountMailbox) VerifyPassword(ctx context.Context, password string) (bool, error) {
	if err := m.checkAccess(); err != nil {
		return false, err
	}

	account, err := m.service.store.GetAccount(ctx, m.accountID)
	if err != nil {
		return false, fmt.Errorf("postbox: get account: %w", err)
	}

	return verifyHash(account.PasswordHash, password)
}

// verifyHash compares a stored bcrypt hash against a plaintext candidate.
func verifyHash(hash, password string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		// Malformed stored hash or similar; not a verdict on the password.
		return false, fmt.Errorf("compare password: %w", err)
	}
}

// Token issues a fresh token bound to the account's current credential version.
func (m *accountMailbox) Token(ctx context.Context) (string, error) {
	if err := m.checkAccess(); err != nil {
		return "", err
	}

	account, err := m.service.store.GetAccount(ctx, m.accountID)
	if err != nil {
		if store.IsNotFound(err) {
			return "", fmt.Errorf("account %s: %w", m.accountID, ErrNotFound)
		}
		return "", fmt.Errorf("postbox: get account: %w", err)
	}

	token, err := m.service.signer.Issue(account.ID, account.Version)
	if err != nil {
		return "", fmt.Errorf("postbox: issue token: %w", err)
	}
	return token, nil
}

// Authenticate verifies an email/password pair and issues a token bound to
// the account's current credential version.
//
// Unknown email and wrong password both fail with ErrInvalidCredentials so
// callers cannot discover which emails are registered.
func (s *service) Authenticate(ctx context.Context, email, password string) (string, *store.Account, error) {
	if atomic.LoadInt32(&s.state) != stateConnected {
		return "", nil, ErrNotConnected
	}

	start := time.Now()
	ctx, endSpan := s.otel.startSpan(ctx, "postbox.Authenticate")

	token, account, err := s.authenticate(ctx, email, password)

	endSpan(err)
	s.otel.recordAuth(ctx, time.Since(start), "authenticate", err)
	return token, account, err
}

func (s *service) authenticate(ctx context.Context, email, password string) (string, *store.Account, error) {
	if password == "" {
		return "", nil, ErrInvalidCredentials
	}

	account, err := s.store.GetAccountByEmail(ctx, normalizeEmail(email))
	if err != nil {
		if store.IsNotFound(err) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, fmt.Errorf("postbox: get account: %w", err)
	}

	ok, err := verifyHash(account.PasswordHash, password)
	if err != nil {
		return "", nil, fmt.Errorf("postbox: %w", err)
	}
	if !ok {
		return "", nil, ErrInvalidCredentials
	}

	token, err := s.signer.Issue(account.ID, account.Version)
	if err != nil {
		return "", nil, fmt.Errorf("postbox: issue token: %w", err)
	}
	return token, account, nil
}

// ValidateToken verifies a token's signature and compares its embedded
// credential version against the account's current version.
//
// The version comparison is what gives O(1) invalidation: a password change
// bumps the account version, and every token issued before it fails here
// with StaleTokenError without any revocation list. Tokens for deleted
// accounts fail with ErrNotFound. A validation racing a concurrent password
// change may resolve either way; both outcomes are correct.
func (s *service) ValidateToken(ctx context.Context, token string) (*store.Account, error) {
	if atomic.LoadInt32(&s.state) != stateConnected {
		return nil, ErrNotConnected
	}

	start := time.Now()
	ctx, endSpan := s.otel.startSpan(ctx, "postbox.ValidateToken")

	account, err := s.validateToken(ctx, token)

	endSpan(err)
	s.otel.recordAuth(ctx, time.Since(start), "validate_token", err)
	return account, err
}

func (s *service) validateToken(ctx context.Context, token string) (*store.Account, error) {
	accountID, version, err := s.signer.Parse(token)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("postbox: parse token: %w", err)
	}

	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		if store.IsNotFound(err) {
			// Token for a deleted account.
			return nil, fmt.Errorf("account %s: %w", accountID, ErrNotFound)
		}
		return nil, fmt.Errorf("postbox: get account: %w", err)
	}

	if account.Version != version {
		return nil, &StaleTokenError{
			AccountID:      accountID,
			TokenVersion:   version,
			CurrentVersion: account.Version,
		}
	}

	return account, nil
}
