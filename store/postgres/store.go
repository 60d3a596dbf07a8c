// Package postgres provides a PostgreSQL implementation of store.Store.
//
// Accounts, messages and slots live in three tables. Slots carry a foreign
// key to their account with ON DELETE CASCADE, so deleting an account drops
// its slots in the same statement; contacts are stored as JSONB.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/careloop/postbox/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// PostgreSQL error codes.
const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// Store implements store.Store using PostgreSQL.
type Store struct {
	db        *sqlx.DB
	opts      *options
	connected int32
	logger    *slog.Logger
}

// New creates a new PostgreSQL store with the provided database connection.
// Call Connect() to initialize the schema and indexes.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:     db,
		opts:   o,
		logger: o.logger,
	}
}

// NewFromDB creates a new PostgreSQL store from a standard sql.DB connection.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

func (s *Store) accountsTable() string { return s.opts.tablePrefix + "accounts" }
func (s *Store) messagesTable() string { return s.opts.tablePrefix + "messages" }
func (s *Store) slotsTable() string    { return s.opts.tablePrefix + "slots" }

// Connect initializes the schema and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return fmt.Errorf("store: %w", store.ErrAlreadyConnected)
	}

	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres ping: %w", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to PostgreSQL", "table_prefix", s.opts.tablePrefix)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the database connection.
func (s *Store) Close(ctx context.Context) error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return fmt.Errorf("store: %w", store.ErrNotConnected)
	}
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// ensureSchema creates the required tables and indexes.
func (s *Store) ensureSchema(ctx context.Context) error {
	accounts := s.accountsTable()
	messages := s.messagesTable()
	slots := s.slotsTable()

	tables := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
				name VARCHAR(255) NOT NULL,
				email VARCHAR(255) NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				version BIGINT NOT NULL DEFAULT 0,
				contacts JSONB NOT NULL DEFAULT '[]',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`, accounts),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
				date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				subject TEXT NOT NULL DEFAULT '',
				body TEXT NOT NULL DEFAULT '',
				from_contact JSONB NOT NULL DEFAULT '{}',
				to_contacts JSONB NOT NULL DEFAULT '[]',
				cc_contacts JSONB NOT NULL DEFAULT '[]',
				bcc_contacts JSONB NOT NULL DEFAULT '[]'
			)
		`, messages),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id UUID PRIMARY KEY,
				account_id UUID NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
				folder VARCHAR(64) NOT NULL,
				message_id UUID NOT NULL,
				flags TEXT[] NOT NULL DEFAULT '{}',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`, slots, accounts),
	}
	for _, stmt := range tables {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_folder ON %s(account_id, folder, id)`, slots, slots),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_message ON %s(message_id)`, slots, slots),
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			s.logger.Warn("failed to create index", "error", err, "sql", idx)
		}
	}
	return nil
}

// checkConnected returns error if not connected.
func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return fmt.Errorf("store: %w", store.ErrNotConnected)
	}
	return nil
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opts.timeout)
}

func validateID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("store: %q: %w", id, store.ErrInvalidID)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqForeignKeyViolation
}

func marshalContacts(contacts []store.Contact) ([]byte, error) {
	if contacts == nil {
		contacts = []store.Contact{}
	}
	return json.Marshal(contacts)
}

func unmarshalContacts(data []byte) ([]store.Contact, error) {
	var contacts []store.Contact
	if len(data) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &contacts); err != nil {
		return nil, err
	}
	if len(contacts) == 0 {
		return nil, nil
	}
	return contacts, nil
}

// =============================================================================
// Account Operations
// =============================================================================

// CreateAccount inserts a new account at version 0.
func (s *Store) CreateAccount(ctx context.Context, data store.AccountData) (*store.Account, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	contactsJSON, err := marshalContacts(data.Contacts)
	if err != nil {
		return nil, fmt.Errorf("marshal contacts: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (name, email, password_hash, version, contacts)
		VALUES ($1, $2, $3, 0, $4)
		RETURNING id, created_at
	`, s.accountsTable())

	account := &store.Account{
		Name:         data.Name,
		Email:        data.Email,
		PasswordHash: data.PasswordHash,
		Contacts:     data.Contacts,
	}
	err = s.db.QueryRowContext(ctx, query,
		data.Name, data.Email, data.PasswordHash, contactsJSON,
	).Scan(&account.ID, &account.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("store: account %q: %w", data.Email, store.ErrDuplicateEntry)
		}
		return nil, fmt.Errorf("insert account: %w", err)
	}
	return account, nil
}

func (s *Store) scanAccount(row *sql.Row) (*store.Account, error) {
	var account store.Account
	var contactsJSON []byte
	err := row.Scan(&account.ID, &account.Name, &account.Email,
		&account.PasswordHash, &account.Version, &contactsJSON, &account.CreatedAt)
	if err != nil {
		return nil, err
	}
	account.Contacts, err = unmarshalContacts(contactsJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal contacts: %w", err)
	}
	return &account, nil
}

// GetAccount fetches an account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*store.Account, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := validateID(id); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, name, email, password_hash, version, contacts, created_at
		FROM %s WHERE id = $1
	`, s.accountsTable())

	account, err := s.scanAccount(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: account %q: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return account, nil
}

// GetAccountByEmail fetches an account by email.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*store.Account, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, name, email, password_hash, version, contacts, created_at
		FROM %s WHERE email = $1
	`, s.accountsTable())

	account, err := s.scanAccount(s.db.QueryRowContext(ctx, query, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: account %q: %w", email, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get account by email: %w", err)
	}
	return account, nil
}

// UpdateCredential replaces the password hash and bumps the credential
// version in one statement. Returns the new version.
func (s *Store) UpdateCredential(ctx context.Context, id, passwordHash string) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	if err := validateID(id); err != nil {
		return 0, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET password_hash = $1, version = version + 1
		WHERE id = $2
		RETURNING version
	`, s.accountsTable())

	var version int64
	err := s.db.QueryRowContext(ctx, query, passwordHash, id).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("store: account %q: %w", id, store.ErrNotFound)
		}
		return 0, fmt.Errorf("update credential: %w", err)
	}
	return version, nil
}

// AddContact appends a contact to the account's contact book.
func (s *Store) AddContact(ctx context.Context, id string, contact store.Contact) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	contactJSON, err := json.Marshal(contact)
	if err != nil {
		return fmt.Errorf("marshal contact: %w", err)
	}

	query := fmt.Sprintf(`
		UPDATE %s SET contacts = contacts || $1::jsonb
		WHERE id = $2
	`, s.accountsTable())

	result, err := s.db.ExecContext(ctx, query, contactJSON, id)
	if err != nil {
		return fmt.Errorf("add contact: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("store: account %q: %w", id, store.ErrNotFound)
	}
	return nil
}

// DeleteAccount removes the account. Its slots are dropped by the cascade;
// messages left unreachable are handled by the orphan sweep.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.accountsTable())
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("store: account %q: %w", id, store.ErrNotFound)
	}
	return nil
}

// =============================================================================
// Message Operations
// =============================================================================

// CreateMessage inserts a new message.
func (s *Store) CreateMessage(ctx context.Context, data store.MessageData) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	fromJSON, err := json.Marshal(data.From)
	if err != nil {
		return nil, fmt.Errorf("marshal from: %w", err)
	}
	toJSON, err := marshalContacts(data.To)
	if err != nil {
		return nil, fmt.Errorf("marshal to: %w", err)
	}
	ccJSON, err := marshalContacts(data.CC)
	if err != nil {
		return nil, fmt.Errorf("marshal cc: %w", err)
	}
	bccJSON, err := marshalContacts(data.BCC)
	if err != nil {
		return nil, fmt.Errorf("marshal bcc: %w", err)
	}

	date := data.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (date, subject, body, from_contact, to_contacts, cc_contacts, bcc_contacts)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, s.messagesTable())

	msg := &store.Message{
		Date:    date,
		Subject: data.Subject,
		Body:    data.Body,
		From:    data.From,
		To:      data.To,
		CC:      data.CC,
		BCC:     data.BCC,
	}
	err = s.db.QueryRowContext(ctx, query,
		date, data.Subject, data.Body, fromJSON, toJSON, ccJSON, bccJSON,
	).Scan(&msg.ID)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// GetMessage fetches a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := validateID(id); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, date, subject, body, from_contact, to_contacts, cc_contacts, bcc_contacts
		FROM %s WHERE id = $1
	`, s.messagesTable())

	var msg store.Message
	var fromJSON, toJSON, ccJSON, bccJSON []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&msg.ID, &msg.Date, &msg.Subject, &msg.Body,
		&fromJSON, &toJSON, &ccJSON, &bccJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: message %q: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	if err := json.Unmarshal(fromJSON, &msg.From); err != nil {
		return nil, fmt.Errorf("unmarshal from: %w", err)
	}
	if msg.To, err = unmarshalContacts(toJSON); err != nil {
		return nil, fmt.Errorf("unmarshal to: %w", err)
	}
	if msg.CC, err = unmarshalContacts(ccJSON); err != nil {
		return nil, fmt.Errorf("unmarshal cc: %w", err)
	}
	if msg.BCC, err = unmarshalContacts(bccJSON); err != nil {
		return nil, fmt.Errorf("unmarshal bcc: %w", err)
	}
	return &msg, nil
}

// ReclaimMessage deletes a message. Returns ErrNotFound when the message is
// already gone, which callers treat as success.
func (s *Store) ReclaimMessage(ctx context.Context, id string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, s.messagesTable())
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("reclaim message: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("store: message %q: %w", id, store.ErrNotFound)
	}
	return nil
}

// ClearContactRefs drops the account reference from every contact on the
// message that points at the given account. Idempotent.
func (s *Store) ClearContactRefs(ctx context.Context, messageID, accountID string) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := validateID(messageID); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	// Strip the account_id key from matching elements of each contact
	// list and from the sender contact, all in one statement.
	stripList := func(column string) string {
		return fmt.Sprintf(`(
			SELECT COALESCE(jsonb_agg(
				CASE WHEN e->>'account_id' = $2 THEN e - 'account_id' ELSE e END
			), '[]'::jsonb)
			FROM jsonb_array_elements(%s) e
		)`, column)
	}
	query := fmt.Sprintf(`
		UPDATE %s SET
			from_contact = CASE WHEN from_contact->>'account_id' = $2
				THEN from_contact - 'account_id' ELSE from_contact END,
			to_contacts = %s,
			cc_contacts = %s,
			bcc_contacts = %s
		WHERE id = $1
	`, s.messagesTable(), stripList("to_contacts"), stripList("cc_contacts"), stripList("bcc_contacts"))

	result, err := s.db.ExecContext(ctx, query, messageID, accountID)
	if err != nil {
		return fmt.Errorf("clear contact refs: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("store: message %q: %w", messageID, store.ErrNotFound)
	}
	return nil
}

// =============================================================================
// Maintenance Operations
// =============================================================================

// MessageIDs returns up to limit message ids ordered by id, starting after
// the given cursor. Used by the orphan sweep.
func (s *Store) MessageIDs(ctx context.Context, limit int, startAfter string) ([]string, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var rows *sql.Rows
	var err error
	if startAfter == "" {
		query := fmt.Sprintf(`SELECT id FROM %s ORDER BY id LIMIT $1`, s.messagesTable())
		rows, err = s.db.QueryContext(ctx, query, limit)
	} else {
		if err := validateID(startAfter); err != nil {
			return nil, err
		}
		query := fmt.Sprintf(`SELECT id FROM %s WHERE id > $1 ORDER BY id LIMIT $2`, s.messagesTable())
		rows, err = s.db.QueryContext(ctx, query, startAfter, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("message ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan message id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message ids: %w", err)
	}
	return ids, nil
}
