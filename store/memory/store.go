// Package memory provides an in-memory Store implementation for testing.
// This store is not suitable for production use - data is not persisted.
package memory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/careloop/postbox/store"
)

// Store implements store.Store with in-memory storage.
// Thread-safe for concurrent use. Not suitable for production.
//
// Each account record carries its own mutex, so conflicting mutations on the
// same account serialize while operations on different accounts proceed in
// parallel. The reverse index from message ID to slot refs is kept in lock
// step with slot mutations under the owning account's mutex.
type Store struct {
	connected int32

	mu       sync.RWMutex // guards the maps below, not account contents
	accounts map[string]*account
	emailIdx map[string]string // email -> account ID

	msgMu    sync.RWMutex
	messages map[string]*store.Message

	refMu sync.RWMutex
	refs  map[string]map[string]store.SlotRef // message ID -> ref key -> ref
}

// account is the internal account representation. mu serializes all
// mutations of the record and its slot slices.
type account struct {
	mu    sync.Mutex
	data  store.Account
	inbox []store.Slot
	sent  []store.Slot
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		accounts: make(map[string]*account),
		emailIdx: make(map[string]string),
		messages: make(map[string]*store.Message),
		refs:     make(map[string]map[string]store.SlotRef),
	}
}

// Connect marks the store as connected.
func (s *Store) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	return nil
}

// Close marks the store as disconnected.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

// getAccount returns the internal account entry for an ID.
func (s *Store) getAccount(id string) (*account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	return a, ok
}

// =============================================================================
// Account Operations
// =============================================================================

// CreateAccount persists a new account with version 0.
func (s *Store) CreateAccount(ctx context.Context, data store.AccountData) (*store.Account, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.emailIdx[data.Email]; exists {
		return nil, store.ErrDuplicateEntry
	}

	a := &account{
		data: store.Account{
			ID:           uuid.New().String(),
			Name:         data.Name,
			Email:        data.Email,
			PasswordHash: data.PasswordHash,
			Version:      0,
			Contacts:     cloneContacts(data.Contacts),
			CreatedAt:    time.Now().UTC(),
		},
	}

	s.accounts[a.data.ID] = a
	s.emailIdx[data.Email] = a.data.ID

	out := cloneAccount(&a.data)
	return out, nil
}

// GetAccount retrieves an account by ID.
func (s *Store) GetAccount(ctx context.Context, id string) (*store.Account, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}

	a, ok := s.getAccount(id)
	if !ok {
		return nil, store.ErrNotFound
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return cloneAccount(&a.data), nil
}

// GetAccountByEmail retrieves an account by email address.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*store.Account, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	id, ok := s.emailIdx[email]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}

	return s.GetAccount(ctx, id)
}

// UpdateCredential atomically replaces the password hash and bumps the version.
func (s *Store) UpdateCredential(ctx context.Context, id string, passwordHash string) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	a, ok := s.getAccount(id)
	if !ok {
		return 0, store.ErrNotFound
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.data.PasswordHash = passwordHash
	a.data.Version++
	return a.data.Version, nil
}

// AddContact appends a contact identity to the account's contact book.
func (s *Store) AddContact(ctx context.Context, id string, contact store.Contact) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	a, ok := s.getAccount(id)
	if !ok {
		return store.ErrNotFound
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.data.Contacts = append(a.data.Contacts, contact)
	return nil
}

// DeleteAccount permanently removes an account and all its slots.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	s.mu.Lock()
	a, ok := s.accounts[id]
	if !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	delete(s.accounts, id)
	delete(s.emailIdx, a.data.Email)
	s.mu.Unlock()

	// Drop the account's slots from the reverse index. The account is no
	// longer reachable through the maps, so its mutex only guards against
	// an operation that already held the entry.
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, sl := range a.inbox {
		s.removeRef(sl.MessageID, id, store.FolderInbox, sl.ID)
	}
	for _, sl := range a.sent {
		s.removeRef(sl.MessageID, id, store.FolderSent, sl.ID)
	}
	return nil
}

// =============================================================================
// Message Operations
// =============================================================================

// CreateMessage allocates a new message document.
func (s *Store) CreateMessage(ctx context.Context, data store.MessageData) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	date := data.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}

	m := &store.Message{
		ID:      uuid.New().String(),
		Date:    date,
		Subject: data.Subject,
		Body:    data.Body,
		From:    data.From,
		To:      cloneContacts(data.To),
		CC:      cloneContacts(data.CC),
		BCC:     cloneContacts(data.BCC),
	}

	s.msgMu.Lock()
	s.messages[m.ID] = m
	s.msgMu.Unlock()

	return cloneMessage(m), nil
}

// GetMessage retrieves a message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, store.ErrInvalidID
	}

	s.msgMu.RLock()
	defer s.msgMu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneMessage(m), nil
}

// ReclaimMessage permanently removes a message.
func (s *Store) ReclaimMessage(ctx context.Context, id string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	s.msgMu.Lock()
	_, ok := s.messages[id]
	if !ok {
		s.msgMu.Unlock()
		return store.ErrNotFound
	}
	delete(s.messages, id)
	s.msgMu.Unlock()

	s.refMu.Lock()
	delete(s.refs, id)
	s.refMu.Unlock()
	return nil
}

// ClearContactRefs blanks the weak account reference on the message's
// contacts where it points at the given account.
func (s *Store) ClearContactRefs(ctx context.Context, messageID, accountID string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}

	s.msgMu.Lock()
	defer s.msgMu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return store.ErrNotFound
	}

	if m.From.AccountID == accountID {
		m.From.AccountID = ""
	}
	clearRefs(m.To, accountID)
	clearRefs(m.CC, accountID)
	clearRefs(m.BCC, accountID)
	return nil
}

func clearRefs(contacts []store.Contact, accountID string) {
	for i := range contacts {
		if contacts[i].AccountID == accountID {
			contacts[i].AccountID = ""
		}
	}
}

// =============================================================================
// Maintenance Operations
// =============================================================================

// MessageIDs pages through all message IDs in lexicographic order.
func (s *Store) MessageIDs(ctx context.Context, limit int, startAfter string) ([]string, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	s.msgMu.RLock()
	ids := make([]string, 0, len(s.messages))
	for id := range s.messages {
		if id > startAfter {
			ids = append(ids, id)
		}
	}
	s.msgMu.RUnlock()

	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// Compile-time check
var _ store.Store = (*Store)(nil)
