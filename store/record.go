package store

import (
	"time"

	"github.com/google/uuid"
)

// Reserved folder names. Every slot belongs to exactly one folder.
// Reserved folders start with the "__" prefix.
const (
	FolderInbox = "__inbox"
	FolderSent  = "__sent"

	// FolderPrefix is the prefix for reserved system folders.
	FolderPrefix = "__"
)

// FlagRead marks a slot's message as read by the slot's owner. Backends
// compute unread folder counts from its absence, so the value lives here
// rather than in the service package.
const FlagRead = "read"

// IsValidFolder returns true if the folder name is a known folder.
func IsValidFolder(folder string) bool {
	return folder == FolderInbox || folder == FolderSent
}

// NewSlotID returns a new time-ordered slot ID. Lexicographic order of slot
// IDs matches creation order, which is what lets backends satisfy the
// insertion-order listing contract with a plain keyset scan on id.
func NewSlotID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Contact is an addressable identity, optionally resolvable to a real account.
//
// AccountID is a weak back-reference used for liveness checks only: a contact
// never keeps its account alive, and a contact whose account has been deleted
// simply stops resolving. It must never be treated as an owning reference.
type Contact struct {
	Name      string `json:"name" bson:"name" db:"name"`
	Email     string `json:"email" bson:"email" db:"email"`
	AccountID string `json:"account_id,omitempty" bson:"account_id,omitempty" db:"account_id"`
}

// Resolvable reports whether the contact carries an account reference.
// Whether that account is still live is a store lookup, not a field check.
func (c Contact) Resolvable() bool {
	return c.AccountID != ""
}

// Account is a persisted account record.
//
// Version increments by exactly one on every credential change and never
// decreases. New accounts start at version 0. Tokens embed the version they
// were issued against, so bumping it invalidates every outstanding token for
// the account in O(1) without a revocation list.
type Account struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Version      int64     `json:"version"`
	Contacts     []Contact `json:"contacts,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AccountData contains data for creating a new account.
type AccountData struct {
	Name         string
	Email        string
	PasswordHash string
	Contacts     []Contact
}

// Message is a shared, immutable-after-creation document. It is referenced by
// mailbox slots on one or more accounts; only the reference graph around a
// message ever mutates, never the message itself.
type Message struct {
	ID      string    `json:"id"`
	Date    time.Time `json:"date"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	From    Contact   `json:"from"`
	To      []Contact `json:"to"`
	CC      []Contact `json:"cc,omitempty"`
	BCC     []Contact `json:"bcc,omitempty"`
}

// AllContacts returns the message's contact lists flattened into one slice,
// from first. The slice is freshly allocated on each call.
func (m *Message) AllContacts() []Contact {
	out := make([]Contact, 0, 1+len(m.To)+len(m.CC)+len(m.BCC))
	out = append(out, m.From)
	out = append(out, m.To...)
	out = append(out, m.CC...)
	out = append(out, m.BCC...)
	return out
}

// MessageData contains data for creating a new message.
type MessageData struct {
	Date    time.Time
	Subject string
	Body    string
	From    Contact
	To      []Contact
	CC      []Contact
	BCC     []Contact
}

// Slot is a per-account, per-folder record pointing at a shared message plus
// a set of free-form flag strings. A slot always references a live message;
// slots are removed, never nulled.
//
// Slot IDs are assigned by the store at creation time and are unique within
// the account and folder. They are time-ordered (see NewSlotID), replacing
// the original system's use of the message creation timestamp as a slot key,
// which was not collision-safe.
type Slot struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	Flags     []string  `json:"flags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HasFlag reports whether the slot carries the given flag.
func (s *Slot) HasFlag(flag string) bool {
	for _, f := range s.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// SlotData contains data for creating a new slot.
type SlotData struct {
	AccountID string
	Folder    string
	MessageID string
	Flags     []string
}

// SlotRef locates a slot from the message side. The reverse index from
// message ID to slot refs keeps the reclamation check O(references) instead
// of O(all accounts).
type SlotRef struct {
	AccountID string `json:"account_id"`
	Folder    string `json:"folder"`
	SlotID    string `json:"slot_id"`
}

// SlotPage is a page of slots in insertion order.
type SlotPage struct {
	Slots      []Slot
	HasMore    bool
	NextCursor string
}

// ListOptions controls slot listing.
type ListOptions struct {
	// Limit caps the number of slots returned. Zero means no limit.
	Limit int
	// StartAfter resumes listing after the slot with this ID (keyset cursor).
	StartAfter string
}

// FolderCounts holds the slot and unread counts for a folder.
type FolderCounts struct {
	Total  int64
	Unread int64
}

// FolderStats holds per-folder counts for one account. Unread means the slot
// does not carry the "read" flag; the convention matters for inboxes but the
// counts are reported for both folders.
type FolderStats struct {
	Inbox FolderCounts
	Sent  FolderCounts
}
