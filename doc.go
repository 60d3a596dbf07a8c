// Package postbox provides an account and messaging backend library for Go.
//
// It combines two pieces that usually live together in a messaging product:
// stateless credential-versioned auth tokens, and shared messages whose
// lifetime is governed by reference counting. All functionality is exposed
// via interfaces, with pluggable storage backends (MongoDB, PostgreSQL,
// in-memory).
//
// # Tokens and Credential Versions
//
// Every account carries a credential version starting at 0. Tokens embed the
// account ID and the version they were issued against; changing the password
// bumps the version, which invalidates every outstanding token for the
// account in O(1) with no revocation list. Invalidation is per-account, not
// per-token.
//
// # Shared Messages and Slots
//
// A delivered message is stored once and referenced by slots: a sent slot on
// the sender and an inbox slot on each recipient. Deleting a slot never
// copies or mutates the message. A message stays alive while any slot
// references it or any of its contacts resolves to a live account; when the
// last reference disappears the message is reclaimed. SweepOrphans recovers
// any reclamation that failed inline.
//
// # Basic Usage
//
//	// Create in-memory store for testing
//	st := memory.New()
//
//	// Create postbox service
//	svc, err := postbox.NewService(
//	    postbox.WithStore(st),
//	    postbox.WithSigningKey([]byte("key")),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Connect initializes indexes/schema
//	if err := svc.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
//	// Register an account and authenticate
//	alice, _ := svc.CreateAccount(ctx, postbox.NewAccount{
//	    Name: "Alice", Email: "alice@example.com", Password: "secret",
//	})
//	token, _, _ := svc.Authenticate(ctx, "alice@example.com", "secret")
//
//	// Deliver a message
//	mb := svc.Client(alice.ID)
//	msg, err := mb.Deliver(ctx, postbox.DeliverRequest{
//	    Subject: "Hello",
//	    Body:    "World",
//	    To:      []postbox.Contact{{Email: "bob@example.com"}},
//	})
//
//	// Validate a token later
//	account, err := svc.ValidateToken(ctx, token)
//
// # Mailbox Operations
//
//   - Deliver: Create a shared message with sender/recipient slots
//   - Get/Folder/Stream: Read slots resolved to their messages
//   - SetFlag/MarkRead: Mutate slot flags
//   - DeleteSlot: Drop a reference, reclaiming the message when unreachable
//   - SetPassword/VerifyPassword/Token: Per-account credential operations
//
// # Storage Backends
//
// The store package provides implementations for:
//   - MongoDB (store/mongo) - accepts *mongo.Client
//   - PostgreSQL (store/postgres) - accepts *sql.DB
//   - In-memory (store/memory) - for testing
//
// # Events
//
// Postbox provides typed events for lifecycle notifications. Events use the
// github.com/rbaliyan/event/v3 library which supports multiple transports
// (Redis Streams, NATS, Kafka, in-memory channel).
//
// To enable events, pass WithRedisClient or WithEventTransport when creating
// the service:
//
//	svc, err := postbox.NewService(
//	    postbox.WithStore(st),
//	    postbox.WithSigningKey(key),
//	    postbox.WithRedisClient(redisClient),
//	)
//
// Events are automatically registered during Connect(). Access per-service
// events via the Events() method:
//
//	events := svc.Events()
//	events.MessageDelivered.Subscribe(ctx, handler)
//
// Available events:
//   - MessageDelivered - when a message is delivered
//   - MessageReclaimed - when an unreachable message is removed
//   - PasswordChanged - when an account's credential version changes
package postbox
