package postbox

import (
	"context"
	"fmt"
	"time"

	"github.com/careloop/postbox/store"
	"go.opentelemetry.io/otel/attribute"
)

// Get returns one slot together with the message it references.
func (m *accountMailbox) Get(ctx context.Context, folder, slotID string) (*Entry, error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}
	if !store.IsValidFolder(folder) {
		return nil, fmt.Errorf("folder %q: %w", folder, ErrInvalidFolder)
	}

	slot, err := m.service.store.GetSlot(ctx, m.accountID, folder, slotID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("slot %s/%s: %w", folder, slotID, ErrNotFound)
		}
		return nil, fmt.Errorf("postbox: get slot: %w", err)
	}

	msg, err := m.service.store.GetMessage(ctx, slot.MessageID)
	if err != nil {
		if store.IsNotFound(err) {
			// A slot is supposed to keep its message alive; surface as
			// NotFound so callers can treat the entry as gone.
			return nil, fmt.Errorf("message %s: %w", slot.MessageID, ErrNotFound)
		}
		return nil, fmt.Errorf("postbox: get message: %w", err)
	}

	return &Entry{Slot: *slot, Message: msg}, nil
}

// Folder lists the account's slots for a folder in insertion order, each
// resolved to its message.
func (m *accountMailbox) Folder(ctx context.Context, folder string, opts ListOptions) (*FolderPage, error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}
	if !store.IsValidFolder(folder) {
		return nil, fmt.Errorf("folder %q: %w", folder, ErrInvalidFolder)
	}

	start := time.Now()
	attrs := append(m.spanAttrs(), attribute.String("postbox.folder", folder))
	ctx, endSpan := m.service.otel.startSpan(ctx, "postbox.Folder", attrs...)

	page, err := m.listFolder(ctx, folder, opts)

	endSpan(err)
	resultCount := 0
	if page != nil {
		resultCount = len(page.Entries)
	}
	m.service.otel.recordList(ctx, time.Since(start), folder, resultCount, err)
	return page, err
}

func (m *accountMailbox) listFolder(ctx context.Context, folder string, opts ListOptions) (*FolderPage, error) {
	if opts.Limit <= 0 {
		opts.Limit = m.service.opts.defaultListLimit
	}
	if opts.Limit > m.service.opts.maxListLimit {
		opts.Limit = m.service.opts.maxListLimit
	}

	slots, err := m.service.store.ListSlots(ctx, m.accountID, folder, opts)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("account %s: %w", m.accountID, ErrNotFound)
		}
		return nil, fmt.Errorf("postbox: list slots: %w", err)
	}

	page := &FolderPage{
		Entries:    make([]Entry, 0, len(slots.Slots)),
		HasMore:    slots.HasMore,
		NextCursor: slots.NextCursor,
	}
	for _, slot := range slots.Slots {
		msg, err := m.service.store.GetMessage(ctx, slot.MessageID)
		if err != nil {
			if store.IsNotFound(err) {
				// Slot whose message vanished mid-listing (concurrent
				// reclaim race). Skip it rather than failing the page.
				m.service.logger.Warn("slot references missing message, skipping",
					"account_id", m.accountID, "slot_id", slot.ID, "message_id", slot.MessageID)
				continue
			}
			return nil, fmt.Errorf("postbox: get message: %w", err)
		}
		page.Entries = append(page.Entries, Entry{Slot: slot, Message: msg})
	}
	return page, nil
}
