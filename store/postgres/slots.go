package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/careloop/postbox/store"
)

// CreateSlots creates every requested slot or none, inside one transaction.
func (s *Store) CreateSlots(ctx context.Context, slots []store.SlotData) ([]store.SlotRef, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, nil
	}
	for _, data := range slots {
		if err := validateID(data.AccountID); err != nil {
			return nil, err
		}
		if !store.IsValidFolder(data.Folder) {
			return nil, fmt.Errorf("store: folder %q: %w", data.Folder, store.ErrInvalidFolder)
		}
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Slot IDs are generated here rather than by the database so they come
	// out time-ordered; listing relies on id order matching insertion order.
	query := fmt.Sprintf(`
		INSERT INTO %s (id, account_id, folder, message_id, flags)
		VALUES ($1, $2, $3, $4, $5)
	`, s.slotsTable())

	refs := make([]store.SlotRef, 0, len(slots))
	for _, data := range slots {
		slotID := store.NewSlotID()
		_, err := tx.ExecContext(ctx, query,
			slotID, data.AccountID, data.Folder, data.MessageID, pq.Array(data.Flags),
		)
		if err != nil {
			if isForeignKeyViolation(err) {
				return nil, fmt.Errorf("store: account %q: %w", data.AccountID, store.ErrNotFound)
			}
			return nil, fmt.Errorf("insert slot: %w", err)
		}
		refs = append(refs, store.SlotRef{
			AccountID: data.AccountID,
			Folder:    data.Folder,
			SlotID:    slotID,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: %w: %w", store.ErrTransactionFailed, err)
	}
	return refs, nil
}

// GetSlot fetches a single slot from the account's folder.
func (s *Store) GetSlot(ctx context.Context, accountID, folder, slotID string) (*store.Slot, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := validateID(accountID); err != nil {
		return nil, err
	}
	if err := validateID(slotID); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, message_id, flags, created_at
		FROM %s
		WHERE id = $1 AND account_id = $2 AND folder = $3
	`, s.slotsTable())

	var slot store.Slot
	err := s.db.QueryRowContext(ctx, query, slotID, accountID, folder).Scan(
		&slot.ID, &slot.MessageID, pq.Array(&slot.Flags), &slot.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("store: slot %q: %w", slotID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("get slot: %w", err)
	}
	return &slot, nil
}

// SetSlotFlag adds or removes a flag on a slot.
func (s *Store) SetSlotFlag(ctx context.Context, accountID, folder, slotID, flag string, on bool) error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if err := validateID(accountID); err != nil {
		return err
	}
	if err := validateID(slotID); err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var query string
	if on {
		// The CASE keeps the statement idempotent so a matched row always
		// counts even when the flag is already present.
		query = fmt.Sprintf(`
			UPDATE %s
			SET flags = CASE WHEN $4 = ANY(flags) THEN flags ELSE array_append(flags, $4) END
			WHERE id = $1 AND account_id = $2 AND folder = $3
		`, s.slotsTable())
	} else {
		query = fmt.Sprintf(`
			UPDATE %s
			SET flags = array_remove(flags, $4)
			WHERE id = $1 AND account_id = $2 AND folder = $3
		`, s.slotsTable())
	}

	result, err := s.db.ExecContext(ctx, query, slotID, accountID, folder, flag)
	if err != nil {
		return fmt.Errorf("set slot flag: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("store: slot %q: %w", slotID, store.ErrNotFound)
	}
	return nil
}

// DeleteSlot removes a slot and returns the id of the message it referenced.
func (s *Store) DeleteSlot(ctx context.Context, accountID, folder, slotID string) (string, error) {
	if err := s.checkConnected(); err != nil {
		return "", err
	}
	if err := validateID(accountID); err != nil {
		return "", err
	}
	if err := validateID(slotID); err != nil {
		return "", err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE id = $1 AND account_id = $2 AND folder = $3
		RETURNING message_id
	`, s.slotsTable())

	var messageID string
	err := s.db.QueryRowContext(ctx, query, slotID, accountID, folder).Scan(&messageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("store: slot %q: %w", slotID, store.ErrNotFound)
		}
		return "", fmt.Errorf("delete slot: %w", err)
	}
	return messageID, nil
}

// ListSlots returns a page of the account's folder in insertion order.
// Slot ids are time-ordered, so the id keyset scan preserves it.
func (s *Store) ListSlots(ctx context.Context, accountID, folder string, opts store.ListOptions) (*store.SlotPage, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := validateID(accountID); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	// Fetch one extra row past the limit to detect a following page.
	// A zero limit returns the whole folder (LIMIT NULL means no limit).
	var fetch any
	if opts.Limit > 0 {
		fetch = opts.Limit + 1
	}
	var rows *sql.Rows
	var err error
	if opts.StartAfter == "" {
		query := fmt.Sprintf(`
			SELECT id, message_id, flags, created_at
			FROM %s
			WHERE account_id = $1 AND folder = $2
			ORDER BY id
			LIMIT $3
		`, s.slotsTable())
		rows, err = s.db.QueryContext(ctx, query, accountID, folder, fetch)
	} else {
		if err := validateID(opts.StartAfter); err != nil {
			return nil, err
		}
		query := fmt.Sprintf(`
			SELECT id, message_id, flags, created_at
			FROM %s
			WHERE account_id = $1 AND folder = $2 AND id > $3
			ORDER BY id
			LIMIT $4
		`, s.slotsTable())
		rows, err = s.db.QueryContext(ctx, query, accountID, folder, opts.StartAfter, fetch)
	}
	if err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}
	defer rows.Close()

	var slots []store.Slot
	for rows.Next() {
		var slot store.Slot
		if err := rows.Scan(&slot.ID, &slot.MessageID, pq.Array(&slot.Flags), &slot.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan slot: %w", err)
		}
		slots = append(slots, slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list slots: %w", err)
	}

	page := &store.SlotPage{}
	if opts.Limit > 0 && len(slots) > opts.Limit {
		page.HasMore = true
		slots = slots[:opts.Limit]
	}
	page.Slots = slots
	if page.HasMore && len(slots) > 0 {
		page.NextCursor = slots[len(slots)-1].ID
	}
	return page, nil
}

// CountSlotRefs counts slots in any account that reference the message.
func (s *Store) CountSlotRefs(ctx context.Context, messageID string) (int64, error) {
	if err := s.checkConnected(); err != nil {
		return 0, err
	}
	if err := validateID(messageID); err != nil {
		return 0, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE message_id = $1`, s.slotsTable())
	var count int64
	if err := s.db.QueryRowContext(ctx, query, messageID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count slot refs: %w", err)
	}
	return count, nil
}

// SlotRefs returns every slot reference to the message across all accounts.
func (s *Store) SlotRefs(ctx context.Context, messageID string) ([]store.SlotRef, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := validateID(messageID); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT account_id, folder, id FROM %s WHERE message_id = $1
	`, s.slotsTable())

	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("slot refs: %w", err)
	}
	defer rows.Close()

	var refs []store.SlotRef
	for rows.Next() {
		var ref store.SlotRef
		if err := rows.Scan(&ref.AccountID, &ref.Folder, &ref.SlotID); err != nil {
			return nil, fmt.Errorf("scan slot ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("slot refs: %w", err)
	}
	return refs, nil
}

// FolderStats returns totals and unread counts for both folders.
func (s *Store) FolderStats(ctx context.Context, accountID string) (*store.FolderStats, error) {
	if err := s.checkConnected(); err != nil {
		return nil, err
	}
	if err := validateID(accountID); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	// Confirm the account exists so stats for a deleted account fail
	// instead of reading as empty folders.
	existsQuery := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = $1`, s.accountsTable())
	var exists int
	if err := s.db.QueryRowContext(ctx, existsQuery, accountID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("folder stats: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("store: account %q: %w", accountID, store.ErrNotFound)
	}

	query := fmt.Sprintf(`
		SELECT folder,
		       COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE NOT ($2 = ANY(flags))) AS unread
		FROM %s
		WHERE account_id = $1
		GROUP BY folder
	`, s.slotsTable())

	rows, err := s.db.QueryContext(ctx, query, accountID, store.FlagRead)
	if err != nil {
		return nil, fmt.Errorf("folder stats: %w", err)
	}
	defer rows.Close()

	stats := &store.FolderStats{}
	for rows.Next() {
		var folder string
		var counts store.FolderCounts
		if err := rows.Scan(&folder, &counts.Total, &counts.Unread); err != nil {
			return nil, fmt.Errorf("scan folder stats: %w", err)
		}
		switch folder {
		case store.FolderInbox:
			stats.Inbox = counts
		case store.FolderSent:
			stats.Sent = counts
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("folder stats: %w", err)
	}
	return stats, nil
}
