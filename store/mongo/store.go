// Package mongo provides a MongoDB backed store for postbox.
//
// Accounts are stored as single documents with their inbox and sent slots
// embedded as arrays, so every slot operation for one account touches one
// document. Messages live in their own collection and are referenced from
// the slot arrays by id; multikey indexes on the embedded message_id fields
// keep reference counting cheap.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/careloop/postbox/store"
)

// Connection states.
const (
	stateDisconnected int32 = iota
	stateConnecting
	stateConnected
)

// Store implements store.Store backed by MongoDB.
type Store struct {
	client    *mongo.Client
	cfg       *config
	logger    *slog.Logger
	connected int32

	accounts *mongo.Collection
	messages *mongo.Collection
}

var _ store.Store = (*Store)(nil)

// New creates a MongoDB store using the given client. The client must be
// connected before calling Connect on the store.
func New(client *mongo.Client, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("store: mongo client required: %w", store.ErrNotConnected)
	}
	cfg := newConfig(opts...)
	return &Store{
		client: client,
		cfg:    cfg,
		logger: cfg.logger,
	}, nil
}

// Connect verifies connectivity and ensures indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, stateDisconnected, stateConnecting) {
		return fmt.Errorf("store: %w", store.ErrAlreadyConnected)
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		atomic.StoreInt32(&s.connected, stateDisconnected)
		return fmt.Errorf("store: ping: %w", err)
	}

	db := s.client.Database(s.cfg.database)
	s.accounts = db.Collection(s.cfg.accounts)
	s.messages = db.Collection(s.cfg.messages)

	if err := s.ensureIndexes(ctx); err != nil {
		atomic.StoreInt32(&s.connected, stateDisconnected)
		return fmt.Errorf("store: indexes: %w", err)
	}

	atomic.StoreInt32(&s.connected, stateConnected)
	s.logger.Debug("mongo store connected",
		"database", s.cfg.database,
		"accounts", s.cfg.accounts,
		"messages", s.cfg.messages)
	return nil
}

// Close marks the store disconnected. The caller owns the client and is
// responsible for disconnecting it.
func (s *Store) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, stateConnected, stateDisconnected) {
		return fmt.Errorf("store: %w", store.ErrNotConnected)
	}
	s.logger.Debug("mongo store closed")
	return nil
}

func (s *Store) isConnected() error {
	if atomic.LoadInt32(&s.connected) != stateConnected {
		return fmt.Errorf("store: %w", store.ErrNotConnected)
	}
	return nil
}

func (s *Store) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.timeout)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	accountIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: mongoopts.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "inbox.message_id", Value: 1}}},
		{Keys: bson.D{{Key: "sent.message_id", Value: 1}}},
	}
	if _, err := s.accounts.Indexes().CreateMany(ctx, accountIndexes); err != nil {
		return err
	}
	return nil
}

// contactDoc is the stored form of a contact.
type contactDoc struct {
	Name      string `bson:"name,omitempty"`
	Email     string `bson:"email"`
	AccountID string `bson:"account_id,omitempty"`
}

// slotDoc is a slot embedded in an account document.
type slotDoc struct {
	ID        string    `bson:"id"`
	MessageID string    `bson:"message_id"`
	Flags     []string  `bson:"flags,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

// accountDoc is the stored form of an account.
type accountDoc struct {
	ID           bson.ObjectID `bson:"_id,omitempty"`
	Name         string        `bson:"name"`
	Email        string        `bson:"email"`
	PasswordHash string        `bson:"password_hash"`
	Version      int64         `bson:"version"`
	Contacts     []contactDoc  `bson:"contacts,omitempty"`
	Inbox        []slotDoc     `bson:"inbox"`
	Sent         []slotDoc     `bson:"sent"`
	CreatedAt    time.Time     `bson:"created_at"`
}

// messageDoc is the stored form of a message.
type messageDoc struct {
	ID      bson.ObjectID `bson:"_id,omitempty"`
	Date    time.Time     `bson:"date"`
	Subject string        `bson:"subject"`
	Body    string        `bson:"body,omitempty"`
	From    contactDoc    `bson:"from"`
	To      []contactDoc  `bson:"to"`
	CC      []contactDoc  `bson:"cc,omitempty"`
	BCC     []contactDoc  `bson:"bcc,omitempty"`
}

func toContactDoc(c store.Contact) contactDoc {
	return contactDoc{Name: c.Name, Email: c.Email, AccountID: c.AccountID}
}

func toContactDocs(contacts []store.Contact) []contactDoc {
	if len(contacts) == 0 {
		return nil
	}
	docs := make([]contactDoc, len(contacts))
	for i, c := range contacts {
		docs[i] = toContactDoc(c)
	}
	return docs
}

func fromContactDoc(d contactDoc) store.Contact {
	return store.Contact{Name: d.Name, Email: d.Email, AccountID: d.AccountID}
}

func fromContactDocs(docs []contactDoc) []store.Contact {
	if len(docs) == 0 {
		return nil
	}
	contacts := make([]store.Contact, len(docs))
	for i, d := range docs {
		contacts[i] = fromContactDoc(d)
	}
	return contacts
}

func (d *accountDoc) toAccount() *store.Account {
	return &store.Account{
		ID:           d.ID.Hex(),
		Name:         d.Name,
		Email:        d.Email,
		PasswordHash: d.PasswordHash,
		Version:      d.Version,
		Contacts:     fromContactDocs(d.Contacts),
		CreatedAt:    d.CreatedAt,
	}
}

func (d *messageDoc) toMessage() *store.Message {
	return &store.Message{
		ID:      d.ID.Hex(),
		Date:    d.Date,
		Subject: d.Subject,
		Body:    d.Body,
		From:    fromContactDoc(d.From),
		To:      fromContactDocs(d.To),
		CC:      fromContactDocs(d.CC),
		BCC:     fromContactDocs(d.BCC),
	}
}

func (d *slotDoc) toSlot() store.Slot {
	return store.Slot{
		ID:        d.ID,
		MessageID: d.MessageID,
		Flags:     append([]string(nil), d.Flags...),
		CreatedAt: d.CreatedAt,
	}
}

func parseObjectID(id string) (bson.ObjectID, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return bson.ObjectID{}, fmt.Errorf("store: %q: %w", id, store.ErrInvalidID)
	}
	return oid, nil
}

// CreateAccount inserts a new account at version 0.
func (s *Store) CreateAccount(ctx context.Context, data store.AccountData) (*store.Account, error) {
	if err := s.isConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	doc := accountDoc{
		ID:           bson.NewObjectID(),
		Name:         data.Name,
		Email:        data.Email,
		PasswordHash: data.PasswordHash,
		Version:      0,
		Contacts:     toContactDocs(data.Contacts),
		Inbox:        []slotDoc{},
		Sent:         []slotDoc{},
		CreatedAt:    time.Now().UTC(),
	}
	if _, err := s.accounts.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("store: account %q: %w", data.Email, store.ErrDuplicateEntry)
		}
		return nil, fmt.Errorf("store: create account: %w", err)
	}
	return doc.toAccount(), nil
}

// GetAccount fetches an account by id.
func (s *Store) GetAccount(ctx context.Context, id string) (*store.Account, error) {
	if err := s.isConnected(); err != nil {
		return nil, err
	}
	oid, err := parseObjectID(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var doc accountDoc
	err = s.accounts.FindOne(ctx, bson.M{"_id": oid},
		mongoopts.FindOne().SetProjection(bson.M{"inbox": 0, "sent": 0})).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("store: account %q: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("store: get account: %w", err)
	}
	return doc.toAccount(), nil
}

// GetAccountByEmail fetches an account by email.
func (s *Store) GetAccountByEmail(ctx context.Context, email string) (*store.Account, error) {
	if err := s.isConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var doc accountDoc
	err := s.accounts.FindOne(ctx, bson.M{"email": email},
		mongoopts.FindOne().SetProjection(bson.M{"inbox": 0, "sent": 0})).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("store: account %q: %w", email, store.ErrNotFound)
		}
		return nil, fmt.Errorf("store: get account by email: %w", err)
	}
	return doc.toAccount(), nil
}

// UpdateCredential replaces the password hash and increments the credential
// version in a single atomic update. Returns the new version.
func (s *Store) UpdateCredential(ctx context.Context, id, passwordHash string) (int64, error) {
	if err := s.isConnected(); err != nil {
		return 0, err
	}
	oid, err := parseObjectID(id)
	if err != nil {
		return 0, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var doc accountDoc
	err = s.accounts.FindOneAndUpdate(ctx,
		bson.M{"_id": oid},
		bson.M{
			"$set": bson.M{"password_hash": passwordHash},
			"$inc": bson.M{"version": 1},
		},
		mongoopts.FindOneAndUpdate().
			SetReturnDocument(mongoopts.After).
			SetProjection(bson.M{"version": 1}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, fmt.Errorf("store: account %q: %w", id, store.ErrNotFound)
		}
		return 0, fmt.Errorf("store: update credential: %w", err)
	}
	return doc.Version, nil
}

// AddContact appends a contact to the account's contact book.
func (s *Store) AddContact(ctx context.Context, id string, contact store.Contact) error {
	if err := s.isConnected(); err != nil {
		return err
	}
	oid, err := parseObjectID(id)
	if err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.accounts.UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{"$push": bson.M{"contacts": toContactDoc(contact)}})
	if err != nil {
		return fmt.Errorf("store: add contact: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("store: account %q: %w", id, store.ErrNotFound)
	}
	return nil
}

// DeleteAccount removes the account document. Slots embedded in it disappear
// with it; messages left unreachable are handled by the orphan sweep.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	if err := s.isConnected(); err != nil {
		return err
	}
	oid, err := parseObjectID(id)
	if err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.accounts.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return fmt.Errorf("store: delete account: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("store: account %q: %w", id, store.ErrNotFound)
	}
	return nil
}

// CreateMessage inserts a new message.
func (s *Store) CreateMessage(ctx context.Context, data store.MessageData) (*store.Message, error) {
	if err := s.isConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	date := data.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}
	doc := messageDoc{
		ID:      bson.NewObjectID(),
		Date:    date,
		Subject: data.Subject,
		Body:    data.Body,
		From:    toContactDoc(data.From),
		To:      toContactDocs(data.To),
		CC:      toContactDocs(data.CC),
		BCC:     toContactDocs(data.BCC),
	}
	if _, err := s.messages.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("store: create message: %w", err)
	}
	return doc.toMessage(), nil
}

// GetMessage fetches a message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	if err := s.isConnected(); err != nil {
		return nil, err
	}
	oid, err := parseObjectID(id)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var doc messageDoc
	err = s.messages.FindOne(ctx, bson.M{"_id": oid}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("store: message %q: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	return doc.toMessage(), nil
}

// ReclaimMessage deletes a message. Returns ErrNotFound when the message is
// already gone, which callers treat as success.
func (s *Store) ReclaimMessage(ctx context.Context, id string) error {
	if err := s.isConnected(); err != nil {
		return err
	}
	oid, err := parseObjectID(id)
	if err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.messages.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return fmt.Errorf("store: reclaim message: %w", err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("store: message %q: %w", id, store.ErrNotFound)
	}
	return nil
}

// ClearContactRefs drops the account reference from every contact on the
// message that points at the given account. Idempotent.
func (s *Store) ClearContactRefs(ctx context.Context, messageID, accountID string) error {
	if err := s.isConnected(); err != nil {
		return err
	}
	oid, err := parseObjectID(messageID)
	if err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	res, err := s.messages.UpdateOne(ctx,
		bson.M{"_id": oid, "from.account_id": accountID},
		bson.M{"$unset": bson.M{"from.account_id": ""}})
	if err != nil {
		return fmt.Errorf("store: clear contact refs: %w", err)
	}
	matched := res.MatchedCount > 0

	// Separate updates per list so messages without cc or bcc arrays do
	// not fail the positional filter.
	for _, field := range []string{"to", "cc", "bcc"} {
		res, err := s.messages.UpdateOne(ctx,
			bson.M{"_id": oid, field + ".account_id": accountID},
			bson.M{"$unset": bson.M{field + ".$[ref].account_id": ""}},
			mongoopts.UpdateOne().SetArrayFilters([]any{
				bson.M{"ref.account_id": accountID},
			}))
		if err != nil {
			return fmt.Errorf("store: clear contact refs: %w", err)
		}
		if res.MatchedCount > 0 {
			matched = true
		}
	}
	if matched {
		return nil
	}

	// Nothing matched: either the message is gone or no contact held the
	// reference. Distinguish so callers can tolerate a vanished message.
	n, err := s.messages.CountDocuments(ctx, bson.M{"_id": oid})
	if err != nil {
		return fmt.Errorf("store: clear contact refs: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("store: message %q: %w", messageID, store.ErrNotFound)
	}
	return nil
}

// MessageIDs returns up to limit message ids ordered by id, starting after
// the given cursor. Used by the orphan sweep.
func (s *Store) MessageIDs(ctx context.Context, limit int, startAfter string) ([]string, error) {
	if err := s.isConnected(); err != nil {
		return nil, err
	}
	filter := bson.M{}
	if startAfter != "" {
		oid, err := parseObjectID(startAfter)
		if err != nil {
			return nil, err
		}
		filter["_id"] = bson.M{"$gt": oid}
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	cur, err := s.messages.Find(ctx, filter,
		mongoopts.Find().
			SetSort(bson.D{{Key: "_id", Value: 1}}).
			SetLimit(int64(limit)).
			SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("store: message ids: %w", err)
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			ID bson.ObjectID `bson:"_id"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("store: message ids: %w", err)
		}
		ids = append(ids, doc.ID.Hex())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("store: message ids: %w", err)
	}
	return ids, nil
}
