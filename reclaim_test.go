package postbox

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/careloop/postbox/store"
	"github.com/careloop/postbox/store/memory"
)

func TestSlotDeletionAndReclaim(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	alice := createTestAccount(t, svc, "Alice", "alice@example.com")
	bob := createTestAccount(t, svc, "Bob", "bob@example.com")

	t.Run("message survives while another slot holds it", func(t *testing.T) {
		deliverTestMessage(t, svc, alice.ID, "bob@example.com")

		inbox, err := svc.Client(bob.ID).Folder(ctx, FolderInbox, ListOptions{})
		if err != nil {
			t.Fatalf("list inbox failed: %v", err)
		}
		if err := svc.Client(bob.ID).DeleteSlot(ctx, FolderInbox, inbox.Entries[0].Slot.ID); err != nil {
			t.Fatalf("delete slot failed: %v", err)
		}

		// Alice still reads it from her sent folder.
		sent, err := svc.Client(alice.ID).Folder(ctx, FolderSent, ListOptions{})
		if err != nil {
			t.Fatalf("list sent failed: %v", err)
		}
		if len(sent.Entries) != 1 {
			t.Fatalf("expected 1 sent entry, got %d", len(sent.Entries))
		}
		if sent.Entries[0].Message == nil {
			t.Fatal("expected the shared message to survive")
		}

		// Dropping the last slot reclaims the message.
		if err := svc.Client(alice.ID).DeleteSlot(ctx, FolderSent, sent.Entries[0].Slot.ID); err != nil {
			t.Fatalf("delete slot failed: %v", err)
		}
		_, err = svc.Client(alice.ID).Get(ctx, FolderSent, sent.Entries[0].Slot.ID)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after reclaim, got %v", err)
		}
	})

	t.Run("deleting a slot twice fails", func(t *testing.T) {
		deliverTestMessage(t, svc, alice.ID, "bob@example.com")
		inbox, err := svc.Client(bob.ID).Folder(ctx, FolderInbox, ListOptions{})
		if err != nil {
			t.Fatalf("list inbox failed: %v", err)
		}
		slotID := inbox.Entries[0].Slot.ID
		if err := svc.Client(bob.ID).DeleteSlot(ctx, FolderInbox, slotID); err != nil {
			t.Fatalf("delete slot failed: %v", err)
		}
		if err := svc.Client(bob.ID).DeleteSlot(ctx, FolderInbox, slotID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestAccountDeletionReclaims(t *testing.T) {
	ctx := context.Background()
	svc := setupTestService(t)
	defer svc.Close(ctx)

	alice := createTestAccount(t, svc, "Alice", "alice@example.com")
	bob := createTestAccount(t, svc, "Bob", "bob@example.com")

	msg := deliverTestMessage(t, svc, alice.ID, "bob@example.com")

	// Deleting the recipient account leaves the message alive through the
	// sender's sent slot.
	if err := svc.DeleteAccount(ctx, bob.ID); err != nil {
		t.Fatalf("delete account failed: %v", err)
	}
	sent, err := svc.Client(alice.ID).Folder(ctx, FolderSent, ListOptions{})
	if err != nil {
		t.Fatalf("list sent failed: %v", err)
	}
	if len(sent.Entries) != 1 || sent.Entries[0].Message.ID != msg.ID {
		t.Fatal("expected the message to survive the recipient's deletion")
	}

	// With the recipient gone, dropping the sender's slot reclaims it:
	// the recipient contact no longer resolves to a live account.
	if err := svc.Client(alice.ID).DeleteSlot(ctx, FolderSent, sent.Entries[0].Slot.ID); err != nil {
		t.Fatalf("delete slot failed: %v", err)
	}
	result, err := svc.SweepOrphans(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if result.Reclaimed != 0 {
		t.Errorf("expected eager reclaim to leave nothing for the sweep, got %d", result.Reclaimed)
	}
}

func TestSweepOrphans(t *testing.T) {
	ctx := context.Background()

	// Plant an orphan directly in the store: a message that no slot and no
	// live contact can reach.
	st := memory.New()
	svc, err := NewService(
		WithStore(st),
		WithSigningKey([]byte("test-signing-key")),
	)
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer svc.Close(ctx)

	orphan, err := st.CreateMessage(ctx, store.MessageData{
		Subject: "orphan",
		From:    store.Contact{Email: "gone@example.com"},
		To:      []store.Contact{{Email: "also-gone@example.com"}},
	})
	if err != nil {
		t.Fatalf("failed to plant orphan: %v", err)
	}

	t.Run("reclaims unreachable messages", func(t *testing.T) {
		result, err := svc.SweepOrphans(ctx)
		if err != nil {
			t.Fatalf("sweep failed: %v", err)
		}
		if result.Examined < 1 {
			t.Errorf("expected at least 1 examined, got %d", result.Examined)
		}
		if result.Reclaimed != 1 {
			t.Errorf("expected 1 reclaimed, got %d", result.Reclaimed)
		}
		if _, err := st.GetMessage(ctx, orphan.ID); !store.IsNotFound(err) {
			t.Errorf("expected orphan to be gone, got %v", err)
		}
	})

	t.Run("sweep is idempotent", func(t *testing.T) {
		result, err := svc.SweepOrphans(ctx)
		if err != nil {
			t.Fatalf("sweep failed: %v", err)
		}
		if result.Reclaimed != 0 {
			t.Errorf("expected 0 reclaimed on second sweep, got %d", result.Reclaimed)
		}
	})

	t.Run("live messages are left alone", func(t *testing.T) {
		alice := createTestAccount(t, svc, "Alice", "alice@example.com")
		createTestAccount(t, svc, "Bob", "bob@example.com")
		msg := deliverTestMessage(t, svc, alice.ID, "bob@example.com")

		result, err := svc.SweepOrphans(ctx)
		if err != nil {
			t.Fatalf("sweep failed: %v", err)
		}
		if result.Reclaimed != 0 {
			t.Errorf("expected 0 reclaimed, got %d", result.Reclaimed)
		}
		if _, err := st.GetMessage(ctx, msg.ID); err != nil {
			t.Errorf("live message was reclaimed: %v", err)
		}
	})

	t.Run("concurrent sweeps reclaim exactly once", func(t *testing.T) {
		planted, err := st.CreateMessage(ctx, store.MessageData{
			Subject: "orphan two",
			From:    store.Contact{Email: "gone@example.com"},
		})
		if err != nil {
			t.Fatalf("failed to plant orphan: %v", err)
		}

		const sweepers = 4
		results := make([]*SweepResult, sweepers)
		var wg sync.WaitGroup
		for i := 0; i < sweepers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				r, err := svc.SweepOrphans(ctx)
				if err != nil {
					t.Errorf("sweep failed: %v", err)
					return
				}
				results[i] = r
			}(i)
		}
		wg.Wait()

		var total int
		for _, r := range results {
			if r != nil {
				total += r.Reclaimed
			}
		}
		if total != 1 {
			t.Errorf("expected exactly 1 reclaim across sweeps, got %d", total)
		}
		if _, err := st.GetMessage(ctx, planted.ID); !store.IsNotFound(err) {
			t.Errorf("expected orphan to be gone, got %v", err)
		}
	})
}

// faultStore wraps a Store with switchable failures on slot creation and
// message reclamation.
type faultStore struct {
	store.Store
	failSlots   bool
	failReclaim bool
}

func (s *faultStore) CreateSlots(ctx context.Context, slots []store.SlotData) ([]store.SlotRef, error) {
	if s.failSlots {
		return nil, errors.New("slots unavailable")
	}
	return s.Store.CreateSlots(ctx, slots)
}

func (s *faultStore) ReclaimMessage(ctx context.Context, messageID string) error {
	if s.failReclaim {
		return errors.New("reclaim unavailable")
	}
	return s.Store.ReclaimMessage(ctx, messageID)
}

func TestDeliverCompensation(t *testing.T) {
	ctx := context.Background()
	st := &faultStore{Store: memory.New()}
	svc := setupTestService(t, WithStore(st))
	defer svc.Close(ctx)

	alice := createTestAccount(t, svc, "Alice", "alice@example.com")
	createTestAccount(t, svc, "Bob", "bob@example.com")

	deliver := func() error {
		_, err := svc.Client(alice.ID).Deliver(ctx, DeliverRequest{
			Subject: "doomed",
			Body:    "body",
			To:      []Contact{{Email: "bob@example.com"}},
		})
		return err
	}

	t.Run("failed slot write reclaims the message", func(t *testing.T) {
		st.failSlots = true
		defer func() { st.failSlots = false }()

		if err := deliver(); err == nil {
			t.Fatal("expected deliver to fail")
		}
		ids, err := st.MessageIDs(ctx, 10, "")
		if err != nil {
			t.Fatalf("list message ids failed: %v", err)
		}
		if len(ids) != 0 {
			t.Errorf("expected no messages to survive, got %d", len(ids))
		}
	})

	t.Run("sweep collects the message when the reclaim fails too", func(t *testing.T) {
		st.failSlots = true
		st.failReclaim = true

		if err := deliver(); err == nil {
			t.Fatal("expected deliver to fail")
		}
		st.failSlots = false
		st.failReclaim = false

		// The compensating delete failed, but the weak account refs were
		// cleared, so the sender's and recipient's live accounts no longer
		// keep the zero-slot message reachable.
		result, err := svc.SweepOrphans(ctx)
		if err != nil {
			t.Fatalf("sweep failed: %v", err)
		}
		if result.Reclaimed != 1 {
			t.Errorf("expected sweep to reclaim 1 message, got %d", result.Reclaimed)
		}
		ids, err := st.MessageIDs(ctx, 10, "")
		if err != nil {
			t.Fatalf("list message ids failed: %v", err)
		}
		if len(ids) != 0 {
			t.Errorf("expected no messages after sweep, got %d", len(ids))
		}
	})
}
