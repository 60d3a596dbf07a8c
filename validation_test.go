package postbox

import (
	"errors"
	"strings"
	"testing"

	"github.com/careloop/postbox/store"
)

func TestValidateSubject(t *testing.T) {
	cases := []struct {
		name    string
		subject string
		wantErr error
	}{
		{"valid", "hello world", nil},
		{"single char", "x", nil},
		{"unicode", "héllo wörld é", nil},
		{"with tab and newline", "line one\n\tline two", nil},
		{"empty", "", ErrEmptySubject},
		{"whitespace only", "   \t\n ", ErrEmptySubject},
		{"too long", strings.Repeat("a", DefaultMaxSubjectLength+1), ErrSubjectTooLong},
		{"invalid utf8", "abc\xff\xfe", ErrInvalidContent},
		{"control character", "abc\x00def", ErrInvalidContent},
		{"bell character", "ding\x07", ErrInvalidContent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSubject(tc.subject)
			if tc.wantErr == nil {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
			// Every subject failure is also a validation failure.
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected error to wrap ErrValidation, got %v", err)
			}
		})
	}

	t.Run("custom limits", func(t *testing.T) {
		limits := DefaultLimits()
		limits.MaxSubjectLength = 5
		if err := ValidateSubjectWithLimits("123456", limits); !errors.Is(err, ErrSubjectTooLong) {
			t.Errorf("expected ErrSubjectTooLong, got %v", err)
		}
		if err := ValidateSubjectWithLimits("12345", limits); err != nil {
			t.Errorf("expected no error at limit, got %v", err)
		}
	})
}

func TestValidateBody(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"valid", "some body text", nil},
		{"empty body is fine", "", nil},
		{"multiline", "line one\nline two\n", nil},
		{"too large", strings.Repeat("b", DefaultMaxBodySize+1), ErrBodyTooLarge},
		{"invalid utf8", "body\xc3\x28", ErrInvalidContent},
		{"null byte", "body\x00hidden", ErrInvalidContent},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateBody(tc.body)
			if tc.wantErr == nil {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidateContact(t *testing.T) {
	limits := DefaultLimits()

	cases := []struct {
		name    string
		contact store.Contact
		wantErr error
	}{
		{"valid", store.Contact{Name: "Alice", Email: "alice@example.com"}, nil},
		{"email only", store.Contact{Email: "bob@example.com"}, nil},
		{"missing email", store.Contact{Name: "No Email"}, ErrInvalidContact},
		{"blank email", store.Contact{Email: "   "}, ErrInvalidContact},
		{"malformed email", store.Contact{Email: "not-an-email"}, ErrInvalidContact},
		{"email too long", store.Contact{Email: strings.Repeat("a", DefaultMaxEmailLength) + "@x.com"}, ErrInvalidContact},
		{"name too long", store.Contact{Name: strings.Repeat("n", DefaultMaxNameLength+1), Email: "a@b.com"}, ErrInvalidContact},
		{"invalid utf8 name", store.Contact{Name: "bad\xff", Email: "a@b.com"}, ErrInvalidContact},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateContact(tc.contact, limits)
			if tc.wantErr == nil {
				if err != nil {
					t.Errorf("expected no error, got %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("expected %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestValidateDeliverRequest(t *testing.T) {
	limits := DefaultLimits()
	to := []Contact{{Email: "rcpt@example.com"}}

	t.Run("valid request", func(t *testing.T) {
		err := validateDeliverRequest(DeliverRequest{Subject: "hi", Body: "there", To: to}, limits)
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
	})

	t.Run("no recipients", func(t *testing.T) {
		err := validateDeliverRequest(DeliverRequest{Subject: "hi", Body: "there"}, limits)
		if !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected *ValidationError, got %T", err)
		}
		if verr.Field != "to" {
			t.Errorf("expected field %q, got %q", "to", verr.Field)
		}
	})

	t.Run("too many recipients", func(t *testing.T) {
		small := limits
		small.MaxRecipients = 2
		req := DeliverRequest{
			Subject: "hi",
			Body:    "there",
			To:      []Contact{{Email: "a@x.com"}, {Email: "b@x.com"}},
			CC:      []Contact{{Email: "c@x.com"}},
		}
		if err := validateDeliverRequest(req, small); !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("cc and bcc are validated", func(t *testing.T) {
		req := DeliverRequest{Subject: "hi", Body: "there", To: to, CC: []Contact{{Name: "no email"}}}
		if err := validateDeliverRequest(req, limits); !errors.Is(err, ErrInvalidContact) {
			t.Errorf("expected ErrInvalidContact for cc, got %v", err)
		}

		req = DeliverRequest{Subject: "hi", Body: "there", To: to, BCC: []Contact{{Email: "bad"}}}
		if err := validateDeliverRequest(req, limits); !errors.Is(err, ErrInvalidContact) {
			t.Errorf("expected ErrInvalidContact for bcc, got %v", err)
		}
	})
}

func TestIsValidAccountID(t *testing.T) {
	cases := []struct {
		id   string
		want bool
	}{
		{"abc123", true},
		{"507f1f77bcf86cd799439011", true},
		{"user-name_1.2@host", true},
		{"", false},
		{"has space", false},
		{"has:colon", false},
		{"has/slash", false},
		{"has\\backslash", false},
		{"wild*card", false},
		{"tab\tchar", false},
		{"new\nline", false},
		{"ctrl\x01char", false},
	}

	for _, tc := range cases {
		if got := isValidAccountID(tc.id); got != tc.want {
			t.Errorf("isValidAccountID(%q) = %v, want %v", tc.id, got, tc.want)
		}
	}
}
