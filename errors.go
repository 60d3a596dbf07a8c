package postbox

import (
	"errors"
	"fmt"

	"github.com/careloop/postbox/store"
)

// Sentinel errors for the postbox package.
// Use errors.Is() to check for these errors.
//
// These errors wrap corresponding store-level errors where applicable,
// so errors.Is(err, postbox.ErrNotFound) will match both postbox-level
// and store-level "not found" errors.
var (
	// ErrNotFound is returned when an account, message, or slot cannot be found.
	// Wraps store.ErrNotFound for consistent error checking.
	ErrNotFound = fmt.Errorf("postbox: %w", store.ErrNotFound)

	// ErrValidation is returned for input validation failures.
	ErrValidation = errors.New("postbox: validation failed")

	// ErrAuth is returned for authentication failures of any kind.
	ErrAuth = errors.New("postbox: authentication failed")

	// ErrInvalidCredentials is returned when an email/password pair does not
	// match a live account. It deliberately does not distinguish between an
	// unknown email and a wrong password.
	ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", ErrAuth)

	// ErrInvalidToken is returned when a token is malformed or fails
	// signature verification.
	ErrInvalidToken = fmt.Errorf("%w: invalid token", ErrAuth)

	// ErrStoreRequired is returned when no store is configured.
	ErrStoreRequired = errors.New("postbox: store is required")

	// ErrSigningKeyRequired is returned when no token signing key is configured.
	ErrSigningKeyRequired = errors.New("postbox: signing key is required")

	// ErrNotConnected is returned when operations are attempted before Connect().
	// Wraps store.ErrNotConnected for consistent error checking.
	ErrNotConnected = fmt.Errorf("postbox: %w", store.ErrNotConnected)

	// ErrAlreadyConnected is returned when Connect() is called twice.
	// Wraps store.ErrAlreadyConnected for consistent error checking.
	ErrAlreadyConnected = fmt.Errorf("postbox: %w", store.ErrAlreadyConnected)

	// ErrInvalidID is returned when an invalid ID is provided.
	// Wraps store.ErrInvalidID for consistent error checking.
	ErrInvalidID = fmt.Errorf("postbox: %w", store.ErrInvalidID)

	// ErrDuplicateEntry is returned when an account with the same email
	// already exists. Wraps store.ErrDuplicateEntry.
	ErrDuplicateEntry = fmt.Errorf("postbox: %w", store.ErrDuplicateEntry)

	// ErrInvalidFolder is returned for unknown folder names.
	// Wraps store.ErrInvalidFolder for consistent error checking.
	ErrInvalidFolder = fmt.Errorf("postbox: %w", store.ErrInvalidFolder)

	// ErrInvalidAccountID is returned when an account ID contains invalid characters.
	ErrInvalidAccountID = errors.New("postbox: invalid account id")

	// ErrEmptyPassword is returned when an empty password is supplied.
	ErrEmptyPassword = fmt.Errorf("%w: password must not be empty", ErrValidation)

	// ErrEmptySubject is returned when a message subject is empty.
	ErrEmptySubject = fmt.Errorf("%w: subject must not be empty", ErrValidation)

	// ErrSubjectTooLong is returned when a subject exceeds the maximum length.
	ErrSubjectTooLong = fmt.Errorf("%w: subject too long", ErrValidation)

	// ErrBodyTooLarge is returned when a body exceeds the maximum size.
	ErrBodyTooLarge = fmt.Errorf("%w: body too large", ErrValidation)

	// ErrInvalidContact is returned when a contact fails validation.
	ErrInvalidContact = fmt.Errorf("%w: invalid contact", ErrValidation)

	// ErrInvalidContent is returned when content contains invalid characters.
	ErrInvalidContent = fmt.Errorf("%w: invalid content", ErrValidation)
)

// ValidationError provides details about a validation failure.
type ValidationError struct {
	Field   string // The field that failed validation
	Message string // Human-readable error message
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("postbox: validation failed for %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// StaleTokenError is returned when a token's embedded credential version no
// longer matches the account's current version. Every token issued before the
// last password change fails this way.
type StaleTokenError struct {
	AccountID      string
	TokenVersion   int64
	CurrentVersion int64
}

func (e *StaleTokenError) Error() string {
	return fmt.Sprintf("postbox: stale token for account %s: token version %d, current version %d",
		e.AccountID, e.TokenVersion, e.CurrentVersion)
}

func (e *StaleTokenError) Unwrap() error {
	return ErrAuth
}

// IsStaleToken checks if the error is a stale token error and returns details.
func IsStaleToken(err error) (*StaleTokenError, bool) {
	var ste *StaleTokenError
	if errors.As(err, &ste) {
		return ste, true
	}
	return nil, false
}

// EventPublishError is returned when event publishing fails but the operation
// succeeded. The message was delivered or reclaimed, but the notification failed.
type EventPublishError struct {
	Event     string // The event name (e.g., "MessageDelivered")
	MessageID string // The message ID the event was for, if any
	Err       error  // The underlying publish error
}

func (e *EventPublishError) Error() string {
	return fmt.Sprintf("postbox: event %s publish failed for message %s: %v", e.Event, e.MessageID, e.Err)
}

func (e *EventPublishError) Unwrap() error {
	return e.Err
}

// IsEventPublishError checks if the error is an event publish error and
// returns details. This is useful when eventErrorsFatal=true but you still
// want to know the underlying operation succeeded.
func IsEventPublishError(err error) (*EventPublishError, bool) {
	var epe *EventPublishError
	if errors.As(err, &epe) {
		return epe, true
	}
	return nil, false
}
