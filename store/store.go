// Package store provides interfaces and types for postbox storage.
// Implementations are in store/mongo, store/memory, and store/postgres
// subpackages.
//
// # Architectural Principle: No Distributed Locks
//
// This package is designed to avoid distributed locks entirely. All
// concurrency concerns are handled through:
//
//  1. Atomic single-record operations: an account document (with its embedded
//     or row-linked slots) is the unit of locking. Credential updates replace
//     the hash and bump the version in one atomic store operation.
//
//  2. Transactional batches: multi-account operations (delivering a message
//     creates a sent slot on the sender and an inbox slot on the recipient)
//     use database transactions, not external coordination. Either both slots
//     exist afterwards or neither does.
//
//  3. Idempotent reclamation: a message with no remaining references is
//     reclaimed with a plain delete. Two concurrent reclaims of the same
//     message resolve as one delete and one ErrNotFound; the caller treats
//     ErrNotFound as success. No window requires cross-store atomicity
//     because the reachability check is safe to re-run at any time.
package store

import "context"

// Store is the storage interface for the postbox.
//
// All operations must be safe for concurrent use. Implementations must
// serialize conflicting mutations on the same account using database-level
// atomicity (single-document updates, row locks, transactions) rather than
// external locking. See the package documentation for details.
type Store interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	AccountStore
	MessageStore
	SlotStore
	MaintenanceStore
}

// AccountStore provides operations on account records, including the
// credential fields the token scheme depends on.
type AccountStore interface {
	// CreateAccount persists a new account with version 0.
	// Returns ErrDuplicateEntry if an account with the same email exists.
	CreateAccount(ctx context.Context, data AccountData) (*Account, error)

	// GetAccount retrieves an account by ID.
	// Returns ErrNotFound if the account doesn't exist.
	GetAccount(ctx context.Context, id string) (*Account, error)

	// GetAccountByEmail retrieves an account by email address.
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)

	// UpdateCredential atomically replaces the stored password hash and
	// increments the account version by exactly 1, returning the new version.
	// The replace and the increment must be a single atomic operation: a
	// reader must never observe the new hash with the old version or vice
	// versa.
	UpdateCredential(ctx context.Context, id string, passwordHash string) (int64, error)

	// AddContact appends a contact identity to the account's contact book.
	AddContact(ctx context.Context, id string, contact Contact) error

	// DeleteAccount permanently removes an account and all its slots.
	// Messages the account referenced are NOT reclaimed here; the caller
	// runs the reclamation sweep afterwards.
	DeleteAccount(ctx context.Context, id string) error
}

// MessageStore provides operations on shared message documents.
// Messages are immutable after creation; the store does not track reference
// counts itself - the reachability rule lives with the caller so there is a
// single point of truth.
type MessageStore interface {
	// CreateMessage allocates a new message document.
	CreateMessage(ctx context.Context, data MessageData) (*Message, error)

	// GetMessage retrieves a message by ID.
	// Returns ErrNotFound if the message doesn't exist.
	GetMessage(ctx context.Context, id string) (*Message, error)

	// ReclaimMessage permanently removes a message.
	// Returns ErrNotFound if the message is already gone, which makes
	// concurrent reclaims of the same message safe: exactly one delete
	// happens and the loser observes ErrNotFound.
	ReclaimMessage(ctx context.Context, id string) error

	// ClearContactRefs removes the weak account reference from every contact
	// on the message that points at the given account. Called when an account
	// drops its last slot on the message, so that a later liveness check does
	// not resurrect reachability through a contact of an account that already
	// let the message go.
	ClearContactRefs(ctx context.Context, messageID, accountID string) error
}

// SlotStore provides operations on mailbox slots, including the reverse
// index from message ID to referencing slots.
type SlotStore interface {
	// CreateSlots creates all the given slots atomically - either every slot
	// is created or none are. Returns ErrNotFound if any referenced account
	// does not exist. Slot IDs are assigned by the store.
	CreateSlots(ctx context.Context, data []SlotData) ([]SlotRef, error)

	// GetSlot retrieves a single slot.
	GetSlot(ctx context.Context, accountID, folder, slotID string) (*Slot, error)

	// SetSlotFlag adds (on=true) or removes (on=false) a flag on a slot.
	// Adding an already-present flag or removing an absent one is a no-op.
	// Returns ErrNotFound if no matching slot exists.
	SetSlotFlag(ctx context.Context, accountID, folder, slotID, flag string, on bool) error

	// DeleteSlot removes a slot from the account's folder and returns the ID
	// of the message it referenced. Returns ErrNotFound if no matching slot
	// exists.
	DeleteSlot(ctx context.Context, accountID, folder, slotID string) (messageID string, err error)

	// ListSlots returns the account's slots for a folder in insertion order.
	ListSlots(ctx context.Context, accountID, folder string, opts ListOptions) (*SlotPage, error)

	// CountSlotRefs returns how many slots anywhere reference the message.
	CountSlotRefs(ctx context.Context, messageID string) (int64, error)

	// SlotRefs returns every slot referencing the message.
	SlotRefs(ctx context.Context, messageID string) ([]SlotRef, error)

	// FolderStats returns slot and unread counts for the account's folders.
	FolderStats(ctx context.Context, accountID string) (*FolderStats, error)
}

// MaintenanceStore provides operations for the background reclamation sweep.
// These are designed to be safely called concurrently from multiple service
// instances without distributed coordination.
type MaintenanceStore interface {
	// MessageIDs pages through all message IDs in a stable order, resuming
	// after startAfter. The sweep applies the reachability rule to each ID;
	// paging here instead of joining against slots keeps the store contract
	// identical across backends.
	MessageIDs(ctx context.Context, limit int, startAfter string) ([]string, error)
}
