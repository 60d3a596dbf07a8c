package postbox

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/careloop/postbox/store"
)

// ContentLimits holds all content validation limits.
// Used to pass limits to validation functions.
type ContentLimits struct {
	MaxSubjectLength int
	MaxBodySize      int
	MaxNameLength    int
	MaxEmailLength   int
	MaxRecipients    int
}

// MinSubjectLength is the minimum subject length (non-empty after trimming).
const MinSubjectLength = 1

// DefaultLimits returns the default content limits.
func DefaultLimits() ContentLimits {
	return ContentLimits{
		MaxSubjectLength: DefaultMaxSubjectLength,
		MaxBodySize:      DefaultMaxBodySize,
		MaxNameLength:    DefaultMaxNameLength,
		MaxEmailLength:   DefaultMaxEmailLength,
		MaxRecipients:    DefaultMaxRecipients,
	}
}

// ValidateSubject validates a message subject using default limits.
// For configurable limits, use ValidateSubjectWithLimits.
func ValidateSubject(subject string) error {
	return ValidateSubjectWithLimits(subject, DefaultLimits())
}

// ValidateSubjectWithLimits validates a message subject against configurable limits.
func ValidateSubjectWithLimits(subject string, limits ContentLimits) error {
	// Trim whitespace for validation
	trimmed := strings.TrimSpace(subject)
	if len(trimmed) < MinSubjectLength {
		return ErrEmptySubject
	}

	if len(subject) > limits.MaxSubjectLength {
		return fmt.Errorf("%w: subject length %d exceeds max %d", ErrSubjectTooLong, len(subject), limits.MaxSubjectLength)
	}

	// Check for valid UTF-8 and no control characters (except newline/tab)
	if !utf8.ValidString(subject) {
		return fmt.Errorf("%w: subject contains invalid UTF-8", ErrInvalidContent)
	}

	for _, r := range subject {
		if unicode.IsControl(r) && r != '\t' && r != '\n' && r != '\r' {
			return fmt.Errorf("%w: subject contains control character U+%04X", ErrInvalidContent, r)
		}
	}

	return nil
}

// ValidateBody validates a message body using default limits.
// For configurable limits, use ValidateBodyWithLimits.
func ValidateBody(body string) error {
	return ValidateBodyWithLimits(body, DefaultLimits())
}

// ValidateBodyWithLimits validates a message body against configurable limits.
func ValidateBodyWithLimits(body string, limits ContentLimits) error {
	if len(body) > limits.MaxBodySize {
		return fmt.Errorf("%w: body size %d exceeds max %d bytes", ErrBodyTooLarge, len(body), limits.MaxBodySize)
	}

	// Check for valid UTF-8
	if !utf8.ValidString(body) {
		return fmt.Errorf("%w: body contains invalid UTF-8", ErrInvalidContent)
	}

	// Check for null bytes which could indicate injection attempts
	if strings.ContainsRune(body, '\x00') {
		return fmt.Errorf("%w: body contains null bytes", ErrInvalidContent)
	}

	return nil
}

// ValidateContact validates a contact identity against configurable limits.
// Email is required; name is optional. The weak AccountID reference is not
// validated here since it is resolved, not trusted.
func ValidateContact(c store.Contact, limits ContentLimits) error {
	if strings.TrimSpace(c.Email) == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidContact)
	}
	if len(c.Email) > limits.MaxEmailLength {
		return fmt.Errorf("%w: email length %d exceeds max %d", ErrInvalidContact, len(c.Email), limits.MaxEmailLength)
	}
	if !strings.Contains(c.Email, "@") {
		return fmt.Errorf("%w: malformed email %q", ErrInvalidContact, c.Email)
	}
	if len(c.Name) > limits.MaxNameLength {
		return fmt.Errorf("%w: name length %d exceeds max %d", ErrInvalidContact, len(c.Name), limits.MaxNameLength)
	}
	if !utf8.ValidString(c.Name) || !utf8.ValidString(c.Email) {
		return fmt.Errorf("%w: contact contains invalid UTF-8", ErrInvalidContact)
	}
	return nil
}

// ValidateContacts validates a contact list, enforcing the total recipient cap.
func ValidateContacts(contacts []store.Contact, limits ContentLimits) error {
	for _, c := range contacts {
		if err := ValidateContact(c, limits); err != nil {
			return err
		}
	}
	return nil
}

// validateDeliverRequest validates the full content of a deliver request.
func validateDeliverRequest(req DeliverRequest, limits ContentLimits) error {
	if err := ValidateSubjectWithLimits(req.Subject, limits); err != nil {
		return err
	}
	if err := ValidateBodyWithLimits(req.Body, limits); err != nil {
		return err
	}
	total := len(req.To) + len(req.CC) + len(req.BCC)
	if total == 0 {
		return &ValidationError{Field: "to", Message: "at least one recipient contact is required"}
	}
	if total > limits.MaxRecipients {
		return &ValidationError{Field: "to", Message: fmt.Sprintf("recipient count %d exceeds max %d", total, limits.MaxRecipients)}
	}
	if err := ValidateContacts(req.To, limits); err != nil {
		return err
	}
	if err := ValidateContacts(req.CC, limits); err != nil {
		return err
	}
	return ValidateContacts(req.BCC, limits)
}

// isValidAccountID checks if an account ID is valid.
// Valid account IDs are non-empty and contain only safe characters.
func isValidAccountID(accountID string) bool {
	if accountID == "" {
		return false
	}
	// Allow alphanumeric, hyphen, underscore, period, at-sign
	// Disallow: *, :, /, \, spaces, and control characters
	for _, c := range accountID {
		if c == '*' || c == ':' || c == '/' || c == '\\' ||
			c == ' ' || c == '\t' || c == '\n' || c == '\r' ||
			c < 32 || c == 127 {
			return false
		}
	}
	return true
}
