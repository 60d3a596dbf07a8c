package postbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/careloop/postbox/auth"
	"github.com/careloop/postbox/store"
	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/semaphore"
)

// Type aliases for commonly used store types.
// These allow users to work with the postbox package without importing store directly.
type (
	Contact     = store.Contact
	ListOptions = store.ListOptions
	FolderStats = store.FolderStats
)

// Re-exported folder constants.
const (
	FolderInbox = store.FolderInbox
	FolderSent  = store.FolderSent
)

// ServiceHealth provides health and state information about the service.
type ServiceHealth interface {
	// IsConnected returns true if the service is connected and ready.
	IsConnected() bool
}

// AccountRegistry provides account lifecycle and authentication operations.
// These operate across accounts and therefore live on the service rather than
// on a per-account Mailbox handle.
type AccountRegistry interface {
	// CreateAccount registers a new account with a hashed credential at
	// version 0. Returns ErrDuplicateEntry if the email is taken.
	CreateAccount(ctx context.Context, req NewAccount) (*store.Account, error)
	// Authenticate verifies an email/password pair and issues a token bound
	// to the account's current credential version.
	Authenticate(ctx context.Context, email, password string) (string, *store.Account, error)
	// ValidateToken verifies a token's signature and compares its embedded
	// credential version against the account's current version. A token
	// issued before the last password change fails with StaleTokenError.
	ValidateToken(ctx context.Context, token string) (*store.Account, error)
	// DeleteAccount permanently removes an account and all its slots.
	// Messages that were reachable only through this account become orphans
	// and are collected by the next SweepOrphans run.
	DeleteAccount(ctx context.Context, accountID string) error
}

// Service manages the postbox system (server-side).
// It handles connections to storage and creates per-account mailbox clients.
//
// Composed of:
//   - ServiceHealth: Health and state queries (IsConnected)
//   - AccountRegistry: Account lifecycle and authentication
type Service interface {
	ServiceHealth
	AccountRegistry

	// Connect establishes connections to storage backends.
	Connect(ctx context.Context) error
	// Close closes all connections.
	Close(ctx context.Context) error
	// Client returns a mailbox client for the given account.
	// The returned client shares the service's connections.
	Client(accountID string) Mailbox
	// SweepOrphans scans for unreachable messages and reclaims them. Call
	// this periodically using your application's scheduler; it is safe to
	// run repeatedly and from multiple service instances concurrently.
	SweepOrphans(ctx context.Context) (*SweepResult, error)
	// Events returns per-service event instances for subscribing and publishing.
	Events() *ServiceEvents
}

// CredentialManager provides password and token operations for one account.
type CredentialManager interface {
	// SetPassword replaces the account's password. The new hash is computed
	// before any store write; the store then swaps the hash and increments
	// the credential version in one atomic operation, invalidating every
	// outstanding token for the account.
	SetPassword(ctx context.Context, password string) error
	// VerifyPassword checks a plaintext password against the stored hash.
	// A mismatch is (false, nil), not an error.
	VerifyPassword(ctx context.Context, password string) (bool, error)
	// Token issues a fresh token bound to the account's current credential version.
	Token(ctx context.Context) (string, error)
}

// MessageDeliverer provides message delivery.
type MessageDeliverer interface {
	// Deliver creates a shared message and places a sent slot on the sender
	// and an inbox slot on the recipient atomically. If the recipient does
	// not resolve to a live account, nothing is persisted.
	Deliver(ctx context.Context, req DeliverRequest) (*store.Message, error)
}

// SlotReader provides read access to an account's slots and their messages.
type SlotReader interface {
	// Get returns one slot together with the message it references.
	Get(ctx context.Context, folder, slotID string) (*Entry, error)
	// Folder lists the account's slots for a folder in insertion order, each
	// resolved to its message.
	Folder(ctx context.Context, folder string, opts ListOptions) (*FolderPage, error)
	// Stream returns an iterator over a folder for memory-efficient
	// processing of large mailboxes.
	Stream(ctx context.Context, folder string, opts StreamOptions) (EntryIterator, error)
	// Stats returns slot and unread counts for the account's folders.
	Stats(ctx context.Context) (*FolderStats, error)
}

// SlotMutator provides mutation operations on an account's slots.
type SlotMutator interface {
	// SetFlag adds (on=true) or removes (on=false) a flag on a slot.
	SetFlag(ctx context.Context, folder, slotID, flag string, on bool) error
	// MarkRead marks a slot's message as read.
	MarkRead(ctx context.Context, folder, slotID string) error
	// DeleteSlot removes a slot. If the referenced message becomes
	// unreachable as a result it is reclaimed; reclamation failures are
	// logged and left to SweepOrphans rather than surfaced.
	DeleteSlot(ctx context.Context, folder, slotID string) error
}

// ContactBook provides access to the account's saved contacts.
type ContactBook interface {
	// AddContact saves a contact to the account's contact book.
	AddContact(ctx context.Context, c Contact) error
	// Contacts returns the account's saved contacts.
	Contacts(ctx context.Context) ([]Contact, error)
}

// Mailbox provides messaging and credential functionality for one account.
// This is the main interface for per-account operations.
//
// Composed of focused interfaces:
//   - CredentialManager: Password and token operations
//   - MessageDeliverer: Message delivery (Deliver)
//   - SlotReader: Slot and message reads (Get, Folder, Stream, Stats)
//   - SlotMutator: Slot mutations (SetFlag, MarkRead, DeleteSlot)
//   - ContactBook: Saved contacts (AddContact, Contacts)
type Mailbox interface {
	AccountID() string
	CredentialManager
	MessageDeliverer
	SlotReader
	SlotMutator
	ContactBook
}

// Entry is a slot resolved to the message it references.
type Entry struct {
	Slot    store.Slot
	Message *store.Message
}

// FolderPage is a page of resolved entries in insertion order.
type FolderPage struct {
	Entries []Entry
	// HasMore is true if there are more entries after this page.
	HasMore bool
	// NextCursor resumes listing after this page. Pass it as
	// ListOptions.StartAfter on the next call.
	NextCursor string
}

// NewAccount contains the data needed to register an account.
type NewAccount struct {
	Name     string
	Email    string
	Password string
	Contacts []Contact
}

// Connection states for the service.
const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// service is the default implementation of Service.
type service struct {
	store      store.Store
	signer     *auth.Signer
	logger     *slog.Logger
	opts       *options
	state      int32 // stateDisconnected, stateConnecting, or stateConnected
	plugins    *pluginRegistry
	otel       *otelInstrumentation
	deliverSem *semaphore.Weighted // Limits concurrent deliveries to prevent resource exhaustion
	eventBus   *event.Bus          // Event bus for publishing events
	events     *ServiceEvents      // Per-service event instances
}

// NewService creates a new postbox service.
// Call Connect() to establish connections to backends.
//
// A store and a token signing key are both required.
func NewService(opts ...Option) (Service, error) {
	o := newOptions(opts...)

	if o.store == nil {
		return nil, ErrStoreRequired
	}
	if len(o.signingKey) == 0 {
		return nil, ErrSigningKeyRequired
	}

	signer, err := auth.NewSigner(o.signingKey)
	if err != nil {
		return nil, fmt.Errorf("init signer: %w", err)
	}

	// Initialize plugin registry
	plugins := newPluginRegistry(o.logger)
	for _, p := range o.plugins {
		plugins.register(p)
	}

	// Initialize OTel instrumentation
	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	return &service{
		store:      o.store,
		signer:     signer,
		logger:     o.logger,
		opts:       o,
		plugins:    plugins,
		otel:       otelInstr,
		deliverSem: semaphore.NewWeighted(int64(o.maxConcurrentDeliveries)),
	}, nil
}

// Events returns per-service event instances for subscribing and publishing.
func (s *service) Events() *ServiceEvents {
	return s.events
}

// IsConnected returns true if the service is connected and ready.
func (s *service) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == stateConnected
}

// Connect establishes connections to storage backends.
func (s *service) Connect(ctx context.Context) error {
	// Use three-state to prevent Client() from seeing partial initialization
	// stateDisconnected -> stateConnecting -> stateConnected
	if !atomic.CompareAndSwapInt32(&s.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	// Reset to disconnected on failure, set to connected on success
	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&s.state, stateConnected)
		} else {
			atomic.StoreInt32(&s.state, stateDisconnected)
		}
	}()

	if err := s.store.Connect(ctx); err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	// Initialize event bus with appropriate transport
	if err := s.initEventBus(ctx); err != nil {
		s.store.Close(ctx)
		return fmt.Errorf("init event bus: %w", err)
	}

	// Initialize plugins
	if err := s.plugins.initAll(ctx); err != nil {
		s.eventBus.Close(ctx)
		s.store.Close(ctx)
		return fmt.Errorf("init plugins: %w", err)
	}

	success = true
	s.logger.Info("postbox service connected")
	return nil
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// initEventBus initializes the event bus for this service.
// Each service creates its own bus with its own per-service events.
func (s *service) initEventBus(ctx context.Context) error {
	serviceName := s.opts.serviceName
	if serviceName == "" {
		serviceName = "postbox"
	}
	// Each bus needs a unique name, so append a counter suffix
	busName := fmt.Sprintf("%s-%d", serviceName, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error

	switch {
	case s.opts.eventTransport != nil:
		s.logger.Info("initializing event bus with custom transport")
		bus, err = event.NewBus(busName, event.WithTransport(s.opts.eventTransport))
	case s.opts.redisClient != nil:
		s.logger.Info("initializing event bus with Redis transport")
		t, transportErr := eventredis.New(s.opts.redisClient)
		if transportErr != nil {
			return fmt.Errorf("create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		s.logger.Debug("initializing event bus with noop transport")
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}

	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	s.eventBus = bus

	// Create and register per-service events (unique per service instance).
	s.events = newServiceEvents(busName)
	if err := registerServiceEvents(ctx, bus, s.events); err != nil {
		bus.Close(ctx)
		return fmt.Errorf("register service events: %w", err)
	}

	return nil
}

// Close closes connections to storage backends.
func (s *service) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	// Wait for in-flight deliver operations to complete (graceful shutdown).
	// After setting state to disconnected, no new deliveries can start because
	// checkAccess fails. We acquire all semaphore slots to wait for existing
	// operations to finish.
	s.logger.Info("waiting for in-flight operations to complete...", "timeout", s.opts.shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
	defer shutdownCancel()
	if err := s.deliverSem.Acquire(shutdownCtx, int64(s.opts.maxConcurrentDeliveries)); err != nil {
		// Context cancelled or deadline exceeded - log but continue shutdown
		s.logger.Warn("timeout waiting for in-flight operations, proceeding with shutdown",
			"error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		s.deliverSem.Release(int64(s.opts.maxConcurrentDeliveries))
		s.logger.Info("all in-flight operations completed")
	}

	// Close plugins first (reverse order of init)
	if err := s.plugins.closeAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close plugins: %w", err))
	}

	// Close event bus only if using a real transport.
	// For noop transport, the bus doesn't hold resources.
	if s.eventBus != nil && (s.opts.eventTransport != nil || s.opts.redisClient != nil) {
		if err := s.eventBus.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close event bus: %w", err))
		}
	}

	if err := s.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	return errors.Join(errs...)
}

// Client returns a mailbox client for the given account.
func (s *service) Client(accountID string) Mailbox {
	return &accountMailbox{
		accountID:      accountID,
		service:        s,
		validAccountID: isValidAccountID(accountID),
	}
}

// CreateAccount registers a new account with a hashed credential at version 0.
func (s *service) CreateAccount(ctx context.Context, req NewAccount) (*store.Account, error) {
	if atomic.LoadInt32(&s.state) != stateConnected {
		return nil, ErrNotConnected
	}

	limits := s.opts.getLimits()
	if strings.TrimSpace(req.Name) == "" {
		return nil, &ValidationError{Field: "name", Message: "name is required"}
	}
	if len(req.Name) > limits.MaxNameLength {
		return nil, &ValidationError{Field: "name", Message: fmt.Sprintf("name length %d exceeds max %d", len(req.Name), limits.MaxNameLength)}
	}
	if err := ValidateContact(Contact{Email: req.Email}, limits); err != nil {
		return nil, err
	}
	if err := ValidateContacts(req.Contacts, limits); err != nil {
		return nil, err
	}
	if req.Password == "" {
		return nil, ErrEmptyPassword
	}

	// Hash before any store write so a failure here leaves no record behind.
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.opts.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	account, err := s.store.CreateAccount(ctx, store.AccountData{
		Name:         req.Name,
		Email:        normalizeEmail(req.Email),
		PasswordHash: string(hash),
		Contacts:     req.Contacts,
	})
	if err != nil {
		if store.IsDuplicateEntry(err) {
			return nil, fmt.Errorf("account %s: %w", normalizeEmail(req.Email), ErrDuplicateEntry)
		}
		return nil, fmt.Errorf("postbox: create account: %w", err)
	}

	s.logger.Info("account created", "account_id", account.ID)
	return account, nil
}

// DeleteAccount permanently removes an account and all its slots.
func (s *service) DeleteAccount(ctx context.Context, accountID string) error {
	if atomic.LoadInt32(&s.state) != stateConnected {
		return ErrNotConnected
	}
	if !isValidAccountID(accountID) {
		return ErrInvalidAccountID
	}

	if err := s.store.DeleteAccount(ctx, accountID); err != nil {
		if store.IsNotFound(err) {
			return fmt.Errorf("account %s: %w", accountID, ErrNotFound)
		}
		return fmt.Errorf("postbox: delete account: %w", err)
	}

	s.logger.Info("account deleted", "account_id", accountID)

	// Messages reachable only through this account's slots or contact refs
	// are now orphans. Collect them eagerly; any failure here is recovered
	// by the next scheduled sweep.
	if _, err := s.SweepOrphans(ctx); err != nil {
		s.logger.Warn("post-delete sweep failed, orphans left for next sweep",
			"account_id", accountID, "error", err)
	}
	return nil
}

// publishDelivered publishes a MessageDeliveredEvent.
// Returns an error only when eventErrorsFatal is set.
func (s *service) publishDelivered(ctx context.Context, msg *store.Message, senderID, recipientID string) error {
	ev := MessageDeliveredEvent{
		MessageID:   msg.ID,
		SenderID:    senderID,
		RecipientID: recipientID,
		Subject:     msg.Subject,
		DeliveredAt: time.Now().UTC(),
	}
	if err := s.events.MessageDelivered.Publish(ctx, ev); err != nil {
		if s.opts.eventErrorsFatal {
			return &EventPublishError{Event: "MessageDelivered", MessageID: msg.ID, Err: err}
		}
		s.opts.safeEventPublishFailure("MessageDelivered", err)
	}
	return nil
}

// publishReclaimed publishes a MessageReclaimedEvent. Reclamation is already
// durable by the time this runs, so failures only go through the callback.
func (s *service) publishReclaimed(ctx context.Context, messageID string) {
	ev := MessageReclaimedEvent{
		MessageID:   messageID,
		ReclaimedAt: time.Now().UTC(),
	}
	if err := s.events.MessageReclaimed.Publish(ctx, ev); err != nil {
		s.opts.safeEventPublishFailure("MessageReclaimed", err)
	}
}

// publishPasswordChanged publishes a PasswordChangedEvent.
func (s *service) publishPasswordChanged(ctx context.Context, accountID string, version int64) error {
	ev := PasswordChangedEvent{
		AccountID: accountID,
		Version:   version,
		ChangedAt: time.Now().UTC(),
	}
	if err := s.events.PasswordChanged.Publish(ctx, ev); err != nil {
		if s.opts.eventErrorsFatal {
			return &EventPublishError{Event: "PasswordChanged", Err: err}
		}
		s.opts.safeEventPublishFailure("PasswordChanged", err)
	}
	return nil
}

// normalizeEmail lowercases and trims an email address for lookup and storage.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// accountMailbox is the default implementation of Mailbox.
type accountMailbox struct {
	accountID      string
	service        *service
	validAccountID bool // set by Client() after validation
}

// AccountID returns the account ID of this mailbox.
func (m *accountMailbox) AccountID() string {
	return m.accountID
}

// isConnected checks if the service is connected.
func (m *accountMailbox) isConnected() bool {
	return atomic.LoadInt32(&m.service.state) == stateConnected
}

// checkAccess verifies the mailbox is ready for operations.
// Returns ErrNotConnected if service isn't connected,
// or ErrInvalidAccountID if the account ID failed validation.
func (m *accountMailbox) checkAccess() error {
	if !m.isConnected() {
		return ErrNotConnected
	}
	if !m.validAccountID {
		return ErrInvalidAccountID
	}
	return nil
}

// AddContact saves a contact to the account's contact book.
func (m *accountMailbox) AddContact(ctx context.Context, c Contact) error {
	if err := m.checkAccess(); err != nil {
		return err
	}
	if err := ValidateContact(c, m.service.opts.getLimits()); err != nil {
		return err
	}
	if err := m.service.store.AddContact(ctx, m.accountID, c); err != nil {
		if store.IsNotFound(err) {
			return fmt.Errorf("account %s: %w", m.accountID, ErrNotFound)
		}
		return fmt.Errorf("postbox: add contact: %w", err)
	}
	return nil
}

// Contacts returns the account's saved contacts.
func (m *accountMailbox) Contacts(ctx context.Context) ([]Contact, error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}
	account, err := m.service.store.GetAccount(ctx, m.accountID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("account %s: %w", m.accountID, ErrNotFound)
		}
		return nil, fmt.Errorf("postbox: get account: %w", err)
	}
	return account.Contacts, nil
}

// Stats returns slot and unread counts for the account's folders.
func (m *accountMailbox) Stats(ctx context.Context) (*FolderStats, error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}
	stats, err := m.service.store.FolderStats(ctx, m.accountID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("account %s: %w", m.accountID, ErrNotFound)
		}
		return nil, fmt.Errorf("postbox: folder stats: %w", err)
	}
	return stats, nil
}

// spanAttrs returns the common span attributes for this mailbox.
func (m *accountMailbox) spanAttrs() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("postbox.account_id", m.accountID),
	}
}
