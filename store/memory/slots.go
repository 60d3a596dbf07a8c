package memory

import (
	"context"
	"sort"
	"time"

	"github.com/careloop/postbox/store"
)

// folderSlots returns a pointer to the slot slice for a folder.
func (a *account) folderSlots(folder string) *[]store.Slot {
	if folder == store.FolderInbox {
		return &a.inbox
	}
	return &a.sent
}

// refKey builds the reverse-index key for a slot.
func refKey(accountID, folder, slotID string) string {
	return accountID + "\x00" + folder + "\x00" + slotID
}

// addRef records a slot in the reverse index. Caller holds the owning
// account's mutex.
func (s *Store) addRef(messageID string, ref store.SlotRef) {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	m, ok := s.refs[messageID]
	if !ok {
		m = make(map[string]store.SlotRef)
		s.refs[messageID] = m
	}
	m[refKey(ref.AccountID, ref.Folder, ref.SlotID)] = ref
}

// removeRef drops a slot from the reverse index.
func (s *Store) removeRef(messageID, accountID, folder, slotID string) {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	m, ok := s.refs[messageID]
	if !ok {
		return
	}
	delete(m, refKey(accountID, folder, slotID))
	if len(m) == 0 {
		delete(s.refs, messageID)
	}
}

// CreateSlots creates all the given slots atomically.
//
// Account locks are taken in sorted ID order so that two concurrent
// deliveries touching the same pair of accounts cannot deadlock.
func (s *Store) CreateSlots(ctx context.Context, data []store.SlotData) ([]store.SlotRef, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	for _, d := range data {
		if !store.IsValidFolder(d.Folder) {
			return nil, store.ErrInvalidFolder
		}
		if d.AccountID == "" || d.MessageID == "" {
			return nil, store.ErrInvalidID
		}
	}

	// Resolve every account up front: all-or-nothing.
	entries := make(map[string]*account, len(data))
	for _, d := range data {
		if _, seen := entries[d.AccountID]; seen {
			continue
		}
		a, ok := s.getAccount(d.AccountID)
		if !ok {
			return nil, store.ErrNotFound
		}
		entries[d.AccountID] = a
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		entries[id].mu.Lock()
	}
	defer func() {
		for _, id := range ids {
			entries[id].mu.Unlock()
		}
	}()

	now := time.Now().UTC()
	refs := make([]store.SlotRef, 0, len(data))
	for _, d := range data {
		sl := store.Slot{
			ID:        store.NewSlotID(),
			MessageID: d.MessageID,
			Flags:     append([]string(nil), d.Flags...),
			CreatedAt: now,
		}
		a := entries[d.AccountID]
		slots := a.folderSlots(d.Folder)
		*slots = append(*slots, sl)

		ref := store.SlotRef{AccountID: d.AccountID, Folder: d.Folder, SlotID: sl.ID}
		s.addRef(d.MessageID, ref)
		refs = append(refs, ref)
	}

	return refs, nil
}

// GetSlot retrieves a single slot.
func (s *Store) GetSlot(ctx context.Context, accountID, folder, slotID string) (*store.Slot, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if !store.IsValidFolder(folder) {
		return nil, store.ErrInvalidFolder
	}

	a, ok := s.getAccount(accountID)
	if !ok {
		return nil, store.ErrNotFound
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range *a.folderSlots(folder) {
		sl := (*a.folderSlots(folder))[i]
		if sl.ID == slotID {
			return cloneSlot(&sl), nil
		}
	}
	return nil, store.ErrNotFound
}

// SetSlotFlag adds or removes a flag on a slot.
func (s *Store) SetSlotFlag(ctx context.Context, accountID, folder, slotID, flag string, on bool) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if !store.IsValidFolder(folder) {
		return store.ErrInvalidFolder
	}

	a, ok := s.getAccount(accountID)
	if !ok {
		return store.ErrNotFound
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	slots := *a.folderSlots(folder)
	for i := range slots {
		if slots[i].ID != slotID {
			continue
		}
		if on {
			if !slots[i].HasFlag(flag) {
				slots[i].Flags = append(slots[i].Flags, flag)
			}
		} else {
			flags := slots[i].Flags[:0]
			for _, f := range slots[i].Flags {
				if f != flag {
					flags = append(flags, f)
				}
			}
			slots[i].Flags = flags
		}
		return nil
	}
	return store.ErrNotFound
}

// DeleteSlot removes a slot and returns the message ID it referenced.
func (s *Store) DeleteSlot(ctx context.Context, accountID, folder, slotID string) (string, error) {
	if err := s.checkConnected(); err != nil {
		return "", err
	}
	if !store.IsValidFolder(folder) {
		return "", store.ErrInvalidFolder
	}

	a, ok := s.getAccount(accountID)
	if !ok {
		return "", store.ErrNotFound
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	slots := a.folderSlots(folder)
	for i := range *slots {
		if (*slots)[i].ID != slotID {
			continue
		}
		messageID := (*slots)[i].MessageID
		*slots = append((*slots)[:i], (*slots)[i+1:]...)
		s.removeRef(messageID, accountID, folder, slotID)
		return messageID, nil
	}
	return "", store.ErrNotFound
}

// ListSlots returns the account's slots for a folder in insertion order.
func (s *Store) ListSlots(ctx context.Context, accountID, folder string, opts store.ListOptions) (*store.SlotPage, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if !store.IsValidFolder(folder) {
		return nil, store.ErrInvalidFolder
	}

	a, ok := s.getAccount(accountID)
	if !ok {
		return nil, store.ErrNotFound
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	slots := *a.folderSlots(folder)

	start := 0
	if opts.StartAfter != "" {
		for i := range slots {
			if slots[i].ID == opts.StartAfter {
				start = i + 1
				break
			}
		}
	}

	end := len(slots)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}

	page := &store.SlotPage{
		Slots:   make([]store.Slot, 0, end-start),
		HasMore: end < len(slots),
	}
	for i := start; i < end; i++ {
		page.Slots = append(page.Slots, *cloneSlot(&slots[i]))
	}
	if page.HasMore && len(page.Slots) > 0 {
		page.NextCursor = page.Slots[len(page.Slots)-1].ID
	}
	return page, nil
}

// CountSlotRefs returns how many slots anywhere reference the message.
func (s *Store) CountSlotRefs(ctx context.Context, messageID string) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}

	s.refMu.RLock()
	defer s.refMu.RUnlock()
	return int64(len(s.refs[messageID])), nil
}

// SlotRefs returns every slot referencing the message.
func (s *Store) SlotRefs(ctx context.Context, messageID string) ([]store.SlotRef, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	s.refMu.RLock()
	defer s.refMu.RUnlock()
	refs := make([]store.SlotRef, 0, len(s.refs[messageID]))
	for _, ref := range s.refs[messageID] {
		refs = append(refs, ref)
	}
	return refs, nil
}

// FolderStats returns slot and unread counts for the account's folders.
func (s *Store) FolderStats(ctx context.Context, accountID string) (*store.FolderStats, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}

	a, ok := s.getAccount(accountID)
	if !ok {
		return nil, store.ErrNotFound
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	stats := &store.FolderStats{}
	stats.Inbox = countSlots(a.inbox)
	stats.Sent = countSlots(a.sent)
	return stats, nil
}

func countSlots(slots []store.Slot) store.FolderCounts {
	c := store.FolderCounts{Total: int64(len(slots))}
	for i := range slots {
		if !slots[i].HasFlag(store.FlagRead) {
			c.Unread++
		}
	}
	return c
}
