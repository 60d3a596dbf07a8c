package postbox

import (
	"context"
	"fmt"
	"time"

	"github.com/careloop/postbox/store"
	"go.opentelemetry.io/otel/attribute"
)

// SetFlag adds (on=true) or removes (on=false) a flag on a slot.
// Setting a flag that is already present, or clearing one that is absent,
// succeeds without effect.
func (m *accountMailbox) SetFlag(ctx context.Context, folder, slotID, flag string, on bool) error {
	if err := m.checkAccess(); err != nil {
		return err
	}
	if !store.IsValidFolder(folder) {
		return fmt.Errorf("folder %q: %w", folder, ErrInvalidFolder)
	}
	if !isValidFlag(flag) {
		return &ValidationError{Field: "flag", Message: fmt.Sprintf("invalid flag %q", flag)}
	}

	start := time.Now()
	attrs := append(m.spanAttrs(),
		attribute.String("postbox.folder", folder),
		attribute.String("postbox.flag", flag),
	)
	ctx, endSpan := m.service.otel.startSpan(ctx, "postbox.SetFlag", attrs...)

	err := m.service.store.SetSlotFlag(ctx, m.accountID, folder, slotID, flag, on)
	if err != nil {
		if store.IsNotFound(err) {
			err = fmt.Errorf("slot %s/%s: %w", folder, slotID, ErrNotFound)
		} else {
			err = fmt.Errorf("postbox: set flag: %w", err)
		}
	}

	endSpan(err)
	m.service.otel.recordSlot(ctx, time.Since(start), "set_flag", err)
	return err
}

// MarkRead marks a slot's message as read.
func (m *accountMailbox) MarkRead(ctx context.Context, folder, slotID string) error {
	return m.SetFlag(ctx, folder, slotID, FlagRead, true)
}

// DeleteSlot removes a slot from the account's folder.
//
// Dropping a slot can make the referenced message unreachable. After the slot
// is gone, the account's weak references are cleared from the message's
// contact lists (only once the account holds no other slot on the message),
// and the reachability check runs: a message with no slots anywhere and no
// contact resolving to a live account is reclaimed. Reclamation failures are
// logged, never surfaced - SweepOrphans recovers them.
func (m *accountMailbox) DeleteSlot(ctx context.Context, folder, slotID string) error {
	if err := m.checkAccess(); err != nil {
		return err
	}
	if !store.IsValidFolder(folder) {
		return fmt.Errorf("folder %q: %w", folder, ErrInvalidFolder)
	}

	start := time.Now()
	attrs := append(m.spanAttrs(), attribute.String("postbox.folder", folder))
	ctx, endSpan := m.service.otel.startSpan(ctx, "postbox.DeleteSlot", attrs...)

	err := m.deleteSlot(ctx, folder, slotID)

	endSpan(err)
	m.service.otel.recordSlot(ctx, time.Since(start), "delete", err)
	return err
}

func (m *accountMailbox) deleteSlot(ctx context.Context, folder, slotID string) error {
	messageID, err := m.service.store.DeleteSlot(ctx, m.accountID, folder, slotID)
	if err != nil {
		if store.IsNotFound(err) {
			return fmt.Errorf("slot %s/%s: %w", folder, slotID, ErrNotFound)
		}
		return fmt.Errorf("postbox: delete slot: %w", err)
	}

	// When this account no longer holds any slot on the message, its weak
	// contact references must not keep the message alive. Clear them before
	// the reachability check so liveness is decided by the remaining holders.
	refs, err := m.service.store.SlotRefs(ctx, messageID)
	if err != nil {
		m.service.logger.Warn("failed to list slot refs after delete, left for sweep",
			"message_id", messageID, "error", err)
		return nil
	}
	holdsAnother := false
	for _, ref := range refs {
		if ref.AccountID == m.accountID {
			holdsAnother = true
			break
		}
	}
	if !holdsAnother {
		if err := m.service.store.ClearContactRefs(ctx, messageID, m.accountID); err != nil && !store.IsNotFound(err) {
			m.service.logger.Warn("failed to clear contact refs, left for sweep",
				"message_id", messageID, "account_id", m.accountID, "error", err)
			return nil
		}
	}

	m.service.maybeReclaim(ctx, messageID, "delete")
	return nil
}

// maybeReclaim applies the reachability rule to one message and reclaims it
// when unreachable. A message is live iff any slot anywhere references it or
// any of its contacts resolves to a live account.
//
// Failures are logged and swallowed: the caller's operation already
// succeeded, and an unreclaimed orphan is recovered by the sweep. Losing a
// race with a concurrent reclaim (ErrNotFound) counts as success.
// Reports whether the message was reclaimed by this call.
func (s *service) maybeReclaim(ctx context.Context, messageID, source string) bool {
	live, err := s.isReachable(ctx, messageID)
	if err != nil {
		if store.IsNotFound(err) {
			return false // already reclaimed
		}
		s.logger.Warn("reachability check failed, left for sweep",
			"message_id", messageID, "error", err)
		return false
	}
	if live {
		return false
	}

	if err := s.store.ReclaimMessage(ctx, messageID); err != nil {
		if store.IsNotFound(err) {
			return false // concurrent reclaim won
		}
		s.logger.Warn("failed to reclaim message, left for sweep",
			"message_id", messageID, "error", err)
		return false
	}

	s.logger.Debug("message reclaimed", "message_id", messageID, "source", source)
	s.otel.recordReclaim(ctx, source)
	s.publishReclaimed(ctx, messageID)
	return true
}

// isReachable reports whether the message is still reachable: referenced by
// at least one slot, or carrying a contact that resolves to a live account.
// Returns ErrNotFound if the message itself is already gone.
func (s *service) isReachable(ctx context.Context, messageID string) (bool, error) {
	count, err := s.store.CountSlotRefs(ctx, messageID)
	if err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}

	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return false, err
	}
	for _, c := range msg.AllContacts() {
		if !c.Resolvable() {
			continue
		}
		if _, err := s.store.GetAccount(ctx, c.AccountID); err == nil {
			return true, nil
		} else if !store.IsNotFound(err) {
			return false, err
		}
	}
	return false, nil
}
