package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/careloop/postbox/store"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	return s
}

func createAccount(t *testing.T, s *Store, email string) *store.Account {
	t.Helper()
	account, err := s.CreateAccount(context.Background(), store.AccountData{
		Name:         "Account " + email,
		Email:        email,
		PasswordHash: "hash",
	})
	if err != nil {
		t.Fatalf("create account failed: %v", err)
	}
	return account
}

func TestConnectClose(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.GetAccount(ctx, "x"); !store.IsNotConnected(err) {
		t.Errorf("expected ErrNotConnected before connect, got %v", err)
	}

	if err := s.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := s.Connect(ctx); !errors.Is(err, store.ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
}

func TestAccountOperations(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	t.Run("create and get", func(t *testing.T) {
		account := createAccount(t, s, "alice@example.com")
		if account.Version != 0 {
			t.Errorf("expected version 0, got %d", account.Version)
		}

		got, err := s.GetAccount(ctx, account.ID)
		if err != nil {
			t.Fatalf("get account failed: %v", err)
		}
		if got.Email != "alice@example.com" {
			t.Errorf("unexpected email %q", got.Email)
		}

		byEmail, err := s.GetAccountByEmail(ctx, "alice@example.com")
		if err != nil {
			t.Fatalf("get by email failed: %v", err)
		}
		if byEmail.ID != account.ID {
			t.Error("lookup by email returned a different account")
		}
	})

	t.Run("duplicate email", func(t *testing.T) {
		_, err := s.CreateAccount(ctx, store.AccountData{
			Name:         "Dup",
			Email:        "alice@example.com",
			PasswordHash: "hash",
		})
		if !store.IsDuplicateEntry(err) {
			t.Errorf("expected ErrDuplicateEntry, got %v", err)
		}
	})

	t.Run("update credential bumps version atomically", func(t *testing.T) {
		account := createAccount(t, s, "bob@example.com")

		v, err := s.UpdateCredential(ctx, account.ID, "hash2")
		if err != nil {
			t.Fatalf("update credential failed: %v", err)
		}
		if v != 1 {
			t.Errorf("expected version 1, got %d", v)
		}

		got, err := s.GetAccount(ctx, account.ID)
		if err != nil {
			t.Fatalf("get account failed: %v", err)
		}
		if got.PasswordHash != "hash2" || got.Version != 1 {
			t.Errorf("expected hash2/1, got %q/%d", got.PasswordHash, got.Version)
		}

		if v, _ = s.UpdateCredential(ctx, account.ID, "hash3"); v != 2 {
			t.Errorf("expected version 2, got %d", v)
		}
	})

	t.Run("contacts", func(t *testing.T) {
		account := createAccount(t, s, "carol@example.com")
		if err := s.AddContact(ctx, account.ID, store.Contact{Name: "Bob", Email: "bob@example.com"}); err != nil {
			t.Fatalf("add contact failed: %v", err)
		}
		got, err := s.GetAccount(ctx, account.ID)
		if err != nil {
			t.Fatalf("get account failed: %v", err)
		}
		if len(got.Contacts) != 1 || got.Contacts[0].Email != "bob@example.com" {
			t.Errorf("unexpected contacts %+v", got.Contacts)
		}
	})

	t.Run("delete", func(t *testing.T) {
		account := createAccount(t, s, "dave@example.com")
		if err := s.DeleteAccount(ctx, account.ID); err != nil {
			t.Fatalf("delete account failed: %v", err)
		}
		if _, err := s.GetAccount(ctx, account.ID); !store.IsNotFound(err) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if err := s.DeleteAccount(ctx, account.ID); !store.IsNotFound(err) {
			t.Errorf("expected ErrNotFound on double delete, got %v", err)
		}
	})
}

func TestSlotOperations(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	alice := createAccount(t, s, "alice@example.com")
	bob := createAccount(t, s, "bob@example.com")

	msg, err := s.CreateMessage(ctx, store.MessageData{
		Subject: "hello",
		From:    store.Contact{Email: "alice@example.com", AccountID: alice.ID},
		To:      []store.Contact{{Email: "bob@example.com", AccountID: bob.ID}},
	})
	if err != nil {
		t.Fatalf("create message failed: %v", err)
	}

	t.Run("create slots atomically", func(t *testing.T) {
		refs, err := s.CreateSlots(ctx, []store.SlotData{
			{AccountID: alice.ID, Folder: store.FolderSent, MessageID: msg.ID},
			{AccountID: bob.ID, Folder: store.FolderInbox, MessageID: msg.ID},
		})
		if err != nil {
			t.Fatalf("create slots failed: %v", err)
		}
		if len(refs) != 2 {
			t.Fatalf("expected 2 refs, got %d", len(refs))
		}

		count, err := s.CountSlotRefs(ctx, msg.ID)
		if err != nil {
			t.Fatalf("count refs failed: %v", err)
		}
		if count != 2 {
			t.Errorf("expected 2 refs, got %d", count)
		}
	})

	t.Run("slot creation with unknown account creates nothing", func(t *testing.T) {
		other, err := s.CreateMessage(ctx, store.MessageData{Subject: "x"})
		if err != nil {
			t.Fatalf("create message failed: %v", err)
		}
		_, err = s.CreateSlots(ctx, []store.SlotData{
			{AccountID: alice.ID, Folder: store.FolderSent, MessageID: other.ID},
			{AccountID: "missing", Folder: store.FolderInbox, MessageID: other.ID},
		})
		if !store.IsNotFound(err) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		count, err := s.CountSlotRefs(ctx, other.ID)
		if err != nil {
			t.Fatalf("count refs failed: %v", err)
		}
		if count != 0 {
			t.Errorf("partial slot creation left %d refs", count)
		}
	})

	t.Run("flags", func(t *testing.T) {
		refs, _ := s.SlotRefs(ctx, msg.ID)
		var inboxRef store.SlotRef
		for _, r := range refs {
			if r.Folder == store.FolderInbox {
				inboxRef = r
			}
		}

		if err := s.SetSlotFlag(ctx, inboxRef.AccountID, inboxRef.Folder, inboxRef.SlotID, "read", true); err != nil {
			t.Fatalf("set flag failed: %v", err)
		}
		slot, err := s.GetSlot(ctx, inboxRef.AccountID, inboxRef.Folder, inboxRef.SlotID)
		if err != nil {
			t.Fatalf("get slot failed: %v", err)
		}
		if !slot.HasFlag("read") {
			t.Error("expected read flag")
		}

		if err := s.SetSlotFlag(ctx, inboxRef.AccountID, inboxRef.Folder, inboxRef.SlotID, "read", false); err != nil {
			t.Fatalf("clear flag failed: %v", err)
		}
		slot, _ = s.GetSlot(ctx, inboxRef.AccountID, inboxRef.Folder, inboxRef.SlotID)
		if slot.HasFlag("read") {
			t.Error("expected read flag to be cleared")
		}
	})

	t.Run("delete slot returns message id", func(t *testing.T) {
		refs, _ := s.SlotRefs(ctx, msg.ID)
		var sentRef store.SlotRef
		for _, r := range refs {
			if r.Folder == store.FolderSent {
				sentRef = r
			}
		}

		messageID, err := s.DeleteSlot(ctx, sentRef.AccountID, sentRef.Folder, sentRef.SlotID)
		if err != nil {
			t.Fatalf("delete slot failed: %v", err)
		}
		if messageID != msg.ID {
			t.Errorf("expected message id %q, got %q", msg.ID, messageID)
		}

		if _, err := s.DeleteSlot(ctx, sentRef.AccountID, sentRef.Folder, sentRef.SlotID); !store.IsNotFound(err) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}

		count, _ := s.CountSlotRefs(ctx, msg.ID)
		if count != 1 {
			t.Errorf("expected 1 remaining ref, got %d", count)
		}
	})
}

func TestListSlots(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	alice := createAccount(t, s, "alice@example.com")

	for i := 0; i < 5; i++ {
		msg, err := s.CreateMessage(ctx, store.MessageData{Subject: "m"})
		if err != nil {
			t.Fatalf("create message failed: %v", err)
		}
		if _, err := s.CreateSlots(ctx, []store.SlotData{
			{AccountID: alice.ID, Folder: store.FolderInbox, MessageID: msg.ID},
		}); err != nil {
			t.Fatalf("create slot failed: %v", err)
		}
	}

	t.Run("keyset pagination", func(t *testing.T) {
		seen := map[string]bool{}
		cursor := ""
		for {
			page, err := s.ListSlots(ctx, alice.ID, store.FolderInbox, store.ListOptions{
				Limit:      2,
				StartAfter: cursor,
			})
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			for _, slot := range page.Slots {
				if seen[slot.ID] {
					t.Errorf("slot %q returned twice", slot.ID)
				}
				seen[slot.ID] = true
			}
			if !page.HasMore {
				break
			}
			if page.NextCursor == "" {
				t.Fatal("HasMore without NextCursor")
			}
			cursor = page.NextCursor
		}
		if len(seen) != 5 {
			t.Errorf("expected 5 slots, got %d", len(seen))
		}
	})

	t.Run("zero limit returns everything", func(t *testing.T) {
		page, err := s.ListSlots(ctx, alice.ID, store.FolderInbox, store.ListOptions{})
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(page.Slots) != 5 || page.HasMore {
			t.Errorf("expected all 5 slots and no more, got %d/%v", len(page.Slots), page.HasMore)
		}
	})
}

func TestClearContactRefs(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	alice := createAccount(t, s, "alice@example.com")
	bob := createAccount(t, s, "bob@example.com")

	msg, err := s.CreateMessage(ctx, store.MessageData{
		Subject: "hello",
		From:    store.Contact{Email: "alice@example.com", AccountID: alice.ID},
		To:      []store.Contact{{Email: "bob@example.com", AccountID: bob.ID}},
	})
	if err != nil {
		t.Fatalf("create message failed: %v", err)
	}

	if err := s.ClearContactRefs(ctx, msg.ID, bob.ID); err != nil {
		t.Fatalf("clear contact refs failed: %v", err)
	}

	got, err := s.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get message failed: %v", err)
	}
	if got.To[0].AccountID != "" {
		t.Error("expected recipient reference to be cleared")
	}
	if got.From.AccountID != alice.ID {
		t.Error("sender reference must be untouched")
	}

	// Clearing again is a no-op.
	if err := s.ClearContactRefs(ctx, msg.ID, bob.ID); err != nil {
		t.Errorf("expected idempotent clear, got %v", err)
	}
}

func TestReclaimMessage(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	msg, err := s.CreateMessage(ctx, store.MessageData{Subject: "orphan"})
	if err != nil {
		t.Fatalf("create message failed: %v", err)
	}

	if err := s.ReclaimMessage(ctx, msg.ID); err != nil {
		t.Fatalf("reclaim failed: %v", err)
	}
	if err := s.ReclaimMessage(ctx, msg.ID); !store.IsNotFound(err) {
		t.Errorf("expected ErrNotFound on second reclaim, got %v", err)
	}
	if _, err := s.GetMessage(ctx, msg.ID); !store.IsNotFound(err) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMessageIDs(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	created := map[string]bool{}
	for i := 0; i < 7; i++ {
		msg, err := s.CreateMessage(ctx, store.MessageData{Subject: "m"})
		if err != nil {
			t.Fatalf("create message failed: %v", err)
		}
		created[msg.ID] = true
	}

	seen := map[string]bool{}
	cursor := ""
	for {
		ids, err := s.MessageIDs(ctx, 3, cursor)
		if err != nil {
			t.Fatalf("message ids failed: %v", err)
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			if seen[id] {
				t.Errorf("id %q returned twice", id)
			}
			seen[id] = true
		}
		cursor = ids[len(ids)-1]
		if len(ids) < 3 {
			break
		}
	}
	if len(seen) != len(created) {
		t.Errorf("expected %d ids, got %d", len(created), len(seen))
	}
}
