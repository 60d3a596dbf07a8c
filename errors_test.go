package postbox

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/careloop/postbox/store"
)

func TestSentinelErrorWrapping(t *testing.T) {
	// Package sentinels wrap the store sentinels so callers can check either.
	cases := []struct {
		name     string
		err      error
		storeErr error
	}{
		{"not found", ErrNotFound, store.ErrNotFound},
		{"not connected", ErrNotConnected, store.ErrNotConnected},
		{"already connected", ErrAlreadyConnected, store.ErrAlreadyConnected},
		{"invalid id", ErrInvalidID, store.ErrInvalidID},
		{"duplicate entry", ErrDuplicateEntry, store.ErrDuplicateEntry},
		{"invalid folder", ErrInvalidFolder, store.ErrInvalidFolder},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if !errors.Is(tc.err, tc.storeErr) {
				t.Errorf("expected %v to wrap %v", tc.err, tc.storeErr)
			}
			// Wrapping an operation error keeps both checks working.
			wrapped := fmt.Errorf("operation failed: %w", tc.err)
			if !errors.Is(wrapped, tc.err) {
				t.Errorf("expected wrapped error to match %v", tc.err)
			}
			if !errors.Is(wrapped, tc.storeErr) {
				t.Errorf("expected wrapped error to match %v", tc.storeErr)
			}
		})
	}
}

func TestAuthErrorWrapping(t *testing.T) {
	if !errors.Is(ErrInvalidCredentials, ErrAuth) {
		t.Error("expected ErrInvalidCredentials to wrap ErrAuth")
	}
	if !errors.Is(ErrInvalidToken, ErrAuth) {
		t.Error("expected ErrInvalidToken to wrap ErrAuth")
	}
	if errors.Is(ErrInvalidCredentials, ErrInvalidToken) {
		t.Error("credential and token errors must be distinct")
	}
}

func TestValidationErrorWrapping(t *testing.T) {
	for _, err := range []error{
		ErrEmptyPassword,
		ErrEmptySubject,
		ErrSubjectTooLong,
		ErrBodyTooLarge,
		ErrInvalidContact,
		ErrInvalidContent,
	} {
		if !errors.Is(err, ErrValidation) {
			t.Errorf("expected %v to wrap ErrValidation", err)
		}
	}
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{Field: "subject", Message: "must not be empty"}

	if !errors.Is(err, ErrValidation) {
		t.Error("expected ValidationError to unwrap to ErrValidation")
	}
	if !strings.Contains(err.Error(), "subject") {
		t.Errorf("expected error message to name the field, got %q", err.Error())
	}

	var verr *ValidationError
	wrapped := fmt.Errorf("deliver: %w", err)
	if !errors.As(wrapped, &verr) {
		t.Fatal("expected errors.As to recover *ValidationError")
	}
	if verr.Field != "subject" {
		t.Errorf("expected field %q, got %q", "subject", verr.Field)
	}
}

func TestStaleTokenError(t *testing.T) {
	err := &StaleTokenError{AccountID: "acc1", TokenVersion: 2, CurrentVersion: 5}

	if !errors.Is(err, ErrAuth) {
		t.Error("expected StaleTokenError to unwrap to ErrAuth")
	}

	ste, ok := IsStaleToken(fmt.Errorf("validate: %w", err))
	if !ok {
		t.Fatal("expected IsStaleToken to match")
	}
	if ste.TokenVersion != 2 || ste.CurrentVersion != 5 {
		t.Errorf("unexpected versions: token %d current %d", ste.TokenVersion, ste.CurrentVersion)
	}
	if ste.AccountID != "acc1" {
		t.Errorf("expected account id %q, got %q", "acc1", ste.AccountID)
	}

	if _, ok := IsStaleToken(ErrInvalidToken); ok {
		t.Error("expected IsStaleToken to reject a plain token error")
	}
	if _, ok := IsStaleToken(nil); ok {
		t.Error("expected IsStaleToken to reject nil")
	}
}

func TestEventPublishError(t *testing.T) {
	cause := errors.New("transport closed")
	err := &EventPublishError{Event: "MessageDelivered", MessageID: "msg1", Err: cause}

	if !errors.Is(err, cause) {
		t.Error("expected EventPublishError to unwrap to its cause")
	}

	epe, ok := IsEventPublishError(fmt.Errorf("deliver: %w", err))
	if !ok {
		t.Fatal("expected IsEventPublishError to match")
	}
	if epe.Event != "MessageDelivered" || epe.MessageID != "msg1" {
		t.Errorf("unexpected details: %+v", epe)
	}

	if _, ok := IsEventPublishError(cause); ok {
		t.Error("expected IsEventPublishError to reject the bare cause")
	}
}

func TestStoreErrorHelpers(t *testing.T) {
	// The store helpers match both bare and wrapped errors.
	if !store.IsNotFound(ErrNotFound) {
		t.Error("expected IsNotFound to match the package sentinel")
	}
	if !store.IsDuplicateEntry(fmt.Errorf("create: %w", ErrDuplicateEntry)) {
		t.Error("expected IsDuplicateEntry to match a wrapped sentinel")
	}
	if store.IsNotFound(ErrValidation) {
		t.Error("expected IsNotFound to reject an unrelated error")
	}
}
