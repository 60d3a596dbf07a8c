package postbox

import (
	"context"
	"fmt"
	"time"

	"github.com/careloop/postbox/store"
	"go.opentelemetry.io/otel/attribute"
)

// DeliverRequest contains the data needed to deliver a message.
//
// Every To contact must resolve to a live account; CC and BCC contacts are
// carried on the message regardless and receive inbox slots only when they
// resolve. Contact AccountID fields in the request are ignored - resolution
// is always by email against live accounts.
type DeliverRequest struct {
	Subject string
	Body    string
	To      []Contact
	CC      []Contact
	BCC     []Contact
}

// Deliver creates a shared message and the slots referencing it: a sent slot
// on the sender and an inbox slot on each resolved recipient.
//
// Delivery is both-or-nothing. The slots are created in one atomic store
// operation, and if any To contact does not resolve to a live account the
// call fails with ErrNotFound and nothing is persisted. A message created
// before a failed slot write is compensated with an immediate reclaim; if
// even that fails the orphan is picked up by the next sweep.
func (m *accountMailbox) Deliver(ctx context.Context, req DeliverRequest) (*store.Message, error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}

	// Limit concurrent deliveries; also what Close() drains on shutdown.
	if err := m.service.deliverSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("postbox: acquire delivery slot: %w", err)
	}
	defer m.service.deliverSem.Release(1)

	start := time.Now()
	attrs := append(m.spanAttrs(), attribute.Int("postbox.recipient_count", len(req.To)))
	ctx, endSpan := m.service.otel.startSpan(ctx, "postbox.Deliver", attrs...)

	msg, err := m.deliver(ctx, req)

	endSpan(err)
	m.service.otel.recordDeliver(ctx, time.Since(start), len(req.To), err)
	return msg, err
}

func (m *accountMailbox) deliver(ctx context.Context, req DeliverRequest) (*store.Message, error) {
	if err := validateDeliverRequest(req, m.service.opts.getLimits()); err != nil {
		return nil, err
	}

	if err := m.service.plugins.beforeDeliver(ctx, m.accountID, req); err != nil {
		return nil, err
	}

	sender, err := m.service.store.GetAccount(ctx, m.accountID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("sender %s: %w", m.accountID, ErrNotFound)
		}
		return nil, fmt.Errorf("postbox: get sender: %w", err)
	}

	// Resolve recipient contacts to live accounts. To contacts must all
	// resolve; CC/BCC resolution is best-effort.
	to, toAccounts, err := m.resolveContacts(ctx, req.To, true)
	if err != nil {
		return nil, err
	}
	cc, ccAccounts, err := m.resolveContacts(ctx, req.CC, false)
	if err != nil {
		return nil, err
	}
	bcc, bccAccounts, err := m.resolveContacts(ctx, req.BCC, false)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	msg, err := m.service.store.CreateMessage(ctx, store.MessageData{
		Date:    now,
		Subject: req.Subject,
		Body:    req.Body,
		From: Contact{
			Name:      sender.Name,
			Email:     sender.Email,
			AccountID: sender.ID,
		},
		To:  to,
		CC:  cc,
		BCC: bcc,
	})
	if err != nil {
		return nil, fmt.Errorf("postbox: create message: %w", err)
	}

	// One inbox slot per distinct recipient account, plus the sender's sent
	// slot. The store creates them all or none.
	recipientIDs := dedupeAccountIDs(toAccounts, ccAccounts, bccAccounts)
	slots := make([]store.SlotData, 0, len(recipientIDs)+1)
	slots = append(slots, store.SlotData{
		AccountID: m.accountID,
		Folder:    store.FolderSent,
		MessageID: msg.ID,
	})
	for _, id := range recipientIDs {
		slots = append(slots, store.SlotData{
			AccountID: id,
			Folder:    store.FolderInbox,
			MessageID: msg.ID,
		})
	}

	if _, err := m.service.store.CreateSlots(ctx, slots); err != nil {
		m.compensateDelivery(ctx, msg.ID, append([]string{sender.ID}, recipientIDs...))
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("recipient account: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("postbox: create slots: %w", err)
	}

	m.service.logger.Debug("message delivered",
		"message_id", msg.ID, "sender_id", m.accountID, "recipients", len(recipientIDs))

	// Post-delivery hooks and events. Delivery is durable at this point, so
	// failures here surface alongside the message, never instead of it.
	if err := m.service.plugins.afterDeliver(ctx, m.accountID, msg); err != nil {
		return msg, err
	}
	for _, id := range recipientIDs {
		if err := m.service.publishDelivered(ctx, msg, m.accountID, id); err != nil {
			return msg, err
		}
	}

	return msg, nil
}

// compensateDelivery removes a message whose slots were never created.
// ErrNotFound from the reclaim means a concurrent reclaim already won. If
// the delete itself fails, the weak account refs are cleared instead so the
// message stops resolving and the next sweep can reclaim it; a zero-slot
// message with live contact refs would otherwise count as reachable forever.
func (m *accountMailbox) compensateDelivery(ctx context.Context, messageID string, accountIDs []string) {
	err := m.service.store.ReclaimMessage(ctx, messageID)
	if err == nil || store.IsNotFound(err) {
		return
	}
	m.service.logger.Warn("failed to reclaim message after delivery failure",
		"message_id", messageID, "error", err)

	for _, id := range accountIDs {
		cerr := m.service.store.ClearContactRefs(ctx, messageID, id)
		if cerr != nil && !store.IsNotFound(cerr) {
			m.service.logger.Warn("failed to clear contact refs after delivery failure",
				"message_id", messageID, "account_id", id, "error", cerr)
		}
	}
}

// resolveContacts resolves each contact's email to a live account, filling in
// the weak AccountID reference on resolved contacts. When required is true, a
// contact that does not resolve fails the call with ErrNotFound.
// Returns the resolved contact list and the account IDs that resolved.
func (m *accountMailbox) resolveContacts(ctx context.Context, contacts []Contact, required bool) ([]Contact, []string, error) {
	if len(contacts) == 0 {
		return nil, nil, nil
	}

	resolved := make([]Contact, len(contacts))
	var accountIDs []string
	for i, c := range contacts {
		c.AccountID = ""
		account, err := m.service.store.GetAccountByEmail(ctx, normalizeEmail(c.Email))
		switch {
		case err == nil:
			c.AccountID = account.ID
			accountIDs = append(accountIDs, account.ID)
		case store.IsNotFound(err):
			if required {
				return nil, nil, fmt.Errorf("recipient %q: %w", c.Email, ErrNotFound)
			}
		default:
			return nil, nil, fmt.Errorf("postbox: resolve contact: %w", err)
		}
		resolved[i] = c
	}
	return resolved, accountIDs, nil
}

// dedupeAccountIDs merges account ID lists preserving first-seen order.
func dedupeAccountIDs(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
