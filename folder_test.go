package postbox

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestFolderPaging(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	alice := createTestAccount(t, svc, "Alice", "alice@example.com")
	bob := createTestAccount(t, svc, "Bob", "bob@example.com")

	const total = 5
	for i := 0; i < total; i++ {
		if _, err := svc.Client(alice.ID).Deliver(ctx, DeliverRequest{
			Subject: fmt.Sprintf("message %d", i),
			Body:    "body",
			To:      []Contact{{Email: "bob@example.com"}},
		}); err != nil {
			t.Fatalf("deliver %d failed: %v", i, err)
		}
	}

	t.Run("pages through the folder with a cursor", func(t *testing.T) {
		mb := svc.Client(bob.ID)
		seen := map[string]bool{}
		var subjects []string
		cursor := ""
		pages := 0
		for {
			page, err := mb.Folder(ctx, FolderInbox, ListOptions{Limit: 2, StartAfter: cursor})
			if err != nil {
				t.Fatalf("list failed: %v", err)
			}
			pages++
			for _, e := range page.Entries {
				if seen[e.Slot.ID] {
					t.Errorf("slot %q returned twice", e.Slot.ID)
				}
				seen[e.Slot.ID] = true
				if e.Message == nil {
					t.Error("expected entry to carry its message")
					continue
				}
				subjects = append(subjects, e.Message.Subject)
			}
			if !page.HasMore {
				break
			}
			cursor = page.NextCursor
		}
		if len(seen) != total {
			t.Errorf("expected %d entries, got %d", total, len(seen))
		}
		if pages != 3 {
			t.Errorf("expected 3 pages of limit 2, got %d", pages)
		}
		// Entries come back in delivery order, even across cursor boundaries.
		for i, subject := range subjects {
			if want := fmt.Sprintf("message %d", i); subject != want {
				t.Errorf("entry %d: expected %q, got %q", i, want, subject)
			}
		}
	})

	t.Run("invalid folder is rejected", func(t *testing.T) {
		_, err := svc.Client(bob.ID).Folder(ctx, "nonsense", ListOptions{})
		if !errors.Is(err, ErrInvalidFolder) {
			t.Errorf("expected ErrInvalidFolder, got %v", err)
		}
	})

	t.Run("get returns slot and message", func(t *testing.T) {
		page, err := svc.Client(bob.ID).Folder(ctx, FolderInbox, ListOptions{Limit: 1})
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		entry, err := svc.Client(bob.ID).Get(ctx, FolderInbox, page.Entries[0].Slot.ID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if entry.Message == nil || entry.Message.ID != entry.Slot.MessageID {
			t.Error("entry message does not match its slot")
		}
	})

	t.Run("get unknown slot fails", func(t *testing.T) {
		_, err := svc.Client(bob.ID).Get(ctx, FolderInbox, "missing-slot")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStream(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	alice := createTestAccount(t, svc, "Alice", "alice@example.com")
	bob := createTestAccount(t, svc, "Bob", "bob@example.com")

	const total = 5
	for i := 0; i < total; i++ {
		deliverTestMessage(t, svc, alice.ID, "bob@example.com")
	}

	t.Run("iterates the whole folder", func(t *testing.T) {
		it, err := svc.Client(bob.ID).Stream(ctx, FolderInbox, StreamOptions{BatchSize: 2})
		if err != nil {
			t.Fatalf("stream failed: %v", err)
		}

		count := 0
		for {
			ok, err := it.Next(ctx)
			if err != nil {
				t.Fatalf("next failed: %v", err)
			}
			if !ok {
				break
			}
			entry, err := it.Entry()
			if err != nil {
				t.Fatalf("entry failed: %v", err)
			}
			if entry.Message == nil {
				t.Error("expected entry to carry its message")
			}
			count++
		}
		if count != total {
			t.Errorf("expected %d entries, got %d", total, count)
		}
	})

	t.Run("entry before next is out of bounds", func(t *testing.T) {
		it, err := svc.Client(bob.ID).Stream(ctx, FolderInbox, StreamOptions{})
		if err != nil {
			t.Fatalf("stream failed: %v", err)
		}
		if _, err := it.Entry(); !errors.Is(err, ErrIteratorOutOfBounds) {
			t.Errorf("expected ErrIteratorOutOfBounds, got %v", err)
		}
	})

	t.Run("cursor resumes a stream", func(t *testing.T) {
		it, err := svc.Client(bob.ID).Stream(ctx, FolderInbox, StreamOptions{BatchSize: 2})
		if err != nil {
			t.Fatalf("stream failed: %v", err)
		}

		// Consume the first two entries, then restart from the cursor.
		for i := 0; i < 2; i++ {
			if ok, err := it.Next(ctx); err != nil || !ok {
				t.Fatalf("next %d failed: ok=%v err=%v", i, ok, err)
			}
		}
		cursor := it.Cursor()
		if cursor == "" {
			t.Fatal("expected non-empty cursor")
		}

		resumed, err := svc.Client(bob.ID).Stream(ctx, FolderInbox, StreamOptions{
			BatchSize:  2,
			StartAfter: cursor,
		})
		if err != nil {
			t.Fatalf("stream failed: %v", err)
		}
		count := 0
		for {
			ok, err := resumed.Next(ctx)
			if err != nil {
				t.Fatalf("next failed: %v", err)
			}
			if !ok {
				break
			}
			count++
		}
		if count != total-2 {
			t.Errorf("expected %d remaining entries, got %d", total-2, count)
		}
	})

	t.Run("invalid folder is rejected", func(t *testing.T) {
		_, err := svc.Client(bob.ID).Stream(ctx, "nonsense", StreamOptions{})
		if !errors.Is(err, ErrInvalidFolder) {
			t.Errorf("expected ErrInvalidFolder, got %v", err)
		}
	})
}

func TestFlagsAndStats(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	alice := createTestAccount(t, svc, "Alice", "alice@example.com")
	bob := createTestAccount(t, svc, "Bob", "bob@example.com")

	for i := 0; i < 3; i++ {
		deliverTestMessage(t, svc, alice.ID, "bob@example.com")
	}
	mb := svc.Client(bob.ID)

	t.Run("unread counts follow the read flag", func(t *testing.T) {
		stats, err := mb.Stats(ctx)
		if err != nil {
			t.Fatalf("stats failed: %v", err)
		}
		if stats.Inbox.Total != 3 || stats.Inbox.Unread != 3 {
			t.Fatalf("expected 3/3 inbox, got %d/%d", stats.Inbox.Total, stats.Inbox.Unread)
		}

		page, err := mb.Folder(ctx, FolderInbox, ListOptions{Limit: 1})
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if err := mb.MarkRead(ctx, FolderInbox, page.Entries[0].Slot.ID); err != nil {
			t.Fatalf("mark read failed: %v", err)
		}

		stats, err = mb.Stats(ctx)
		if err != nil {
			t.Fatalf("stats failed: %v", err)
		}
		if stats.Inbox.Unread != 2 {
			t.Errorf("expected 2 unread, got %d", stats.Inbox.Unread)
		}

		// Clearing the flag restores the count.
		if err := mb.SetFlag(ctx, FolderInbox, page.Entries[0].Slot.ID, FlagRead, false); err != nil {
			t.Fatalf("clear flag failed: %v", err)
		}
		stats, err = mb.Stats(ctx)
		if err != nil {
			t.Fatalf("stats failed: %v", err)
		}
		if stats.Inbox.Unread != 3 {
			t.Errorf("expected 3 unread, got %d", stats.Inbox.Unread)
		}
	})

	t.Run("setting a flag twice is a no-op", func(t *testing.T) {
		page, err := mb.Folder(ctx, FolderInbox, ListOptions{Limit: 1})
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		slotID := page.Entries[0].Slot.ID
		if err := mb.SetFlag(ctx, FolderInbox, slotID, FlagChecked, true); err != nil {
			t.Fatalf("set flag failed: %v", err)
		}
		if err := mb.SetFlag(ctx, FolderInbox, slotID, FlagChecked, true); err != nil {
			t.Fatalf("second set flag failed: %v", err)
		}
		entry, err := mb.Get(ctx, FolderInbox, slotID)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		n := 0
		for _, f := range entry.Slot.Flags {
			if f == FlagChecked {
				n++
			}
		}
		if n != 1 {
			t.Errorf("expected flag to appear once, got %d", n)
		}
	})

	t.Run("invalid flag is rejected", func(t *testing.T) {
		page, err := mb.Folder(ctx, FolderInbox, ListOptions{Limit: 1})
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		err = mb.SetFlag(ctx, FolderInbox, page.Entries[0].Slot.ID, "has space", true)
		if !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})

	t.Run("unknown slot fails", func(t *testing.T) {
		if err := mb.MarkRead(ctx, FolderInbox, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestContactBook(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	alice := createTestAccount(t, svc, "Alice", "alice@example.com")
	mb := svc.Client(alice.ID)

	t.Run("add and list contacts", func(t *testing.T) {
		if err := mb.AddContact(ctx, Contact{Name: "Bob", Email: "bob@example.com"}); err != nil {
			t.Fatalf("add contact failed: %v", err)
		}
		contacts, err := mb.Contacts(ctx)
		if err != nil {
			t.Fatalf("list contacts failed: %v", err)
		}
		if len(contacts) != 1 || contacts[0].Email != "bob@example.com" {
			t.Errorf("unexpected contacts: %+v", contacts)
		}
	})

	t.Run("invalid contact is rejected", func(t *testing.T) {
		if err := mb.AddContact(ctx, Contact{Name: "No Email"}); !errors.Is(err, ErrValidation) {
			t.Errorf("expected ErrValidation, got %v", err)
		}
	})
}
