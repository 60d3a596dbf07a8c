package postbox

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3"
)

// Event names for postbox events.
const (
	EventNameMessageDelivered = "postbox.message.delivered"
	EventNameMessageReclaimed = "postbox.message.reclaimed"
	EventNamePasswordChanged  = "postbox.account.password_changed"
)

// MessageDeliveredEvent is published when a message is delivered.
// This is the primary event for notifying recipients of new mail.
type MessageDeliveredEvent struct {
	MessageID   string    `json:"message_id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Subject     string    `json:"subject"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// MessageReclaimedEvent is published when an unreachable message is
// permanently removed, either inline after a slot delete or by the sweep.
type MessageReclaimedEvent struct {
	MessageID   string    `json:"message_id"`
	ReclaimedAt time.Time `json:"reclaimed_at"`
}

// PasswordChangedEvent is published when an account's password changes.
// Version is the new credential version; every token issued against an
// earlier version is invalid from this point on.
type PasswordChangedEvent struct {
	AccountID string    `json:"account_id"`
	Version   int64     `json:"version"`
	ChangedAt time.Time `json:"changed_at"`
}

// ServiceEvents provides access to per-service event instances.
// Each service creates its own events bound to its own event bus,
// enabling independent event routing and parallel testing.
//
// Subscribe to events:
//
//	svc.Events().MessageDelivered.Subscribe(ctx, handler)
//	svc.Events().MessageReclaimed.Subscribe(ctx, handler)
//	svc.Events().PasswordChanged.Subscribe(ctx, handler)
type ServiceEvents struct {
	// MessageDelivered is published when a message is delivered.
	MessageDelivered event.Event[MessageDeliveredEvent]

	// MessageReclaimed is published when a message is permanently removed.
	MessageReclaimed event.Event[MessageReclaimedEvent]

	// PasswordChanged is published when an account's password changes.
	PasswordChanged event.Event[PasswordChangedEvent]
}

// newServiceEvents creates per-service event instances with a unique name prefix.
func newServiceEvents(namePrefix string) *ServiceEvents {
	return &ServiceEvents{
		MessageDelivered: event.New[MessageDeliveredEvent](namePrefix + "." + EventNameMessageDelivered),
		MessageReclaimed: event.New[MessageReclaimedEvent](namePrefix + "." + EventNameMessageReclaimed),
		PasswordChanged:  event.New[PasswordChangedEvent](namePrefix + "." + EventNamePasswordChanged),
	}
}

// registerServiceEvents registers per-service events with the given bus.
func registerServiceEvents(ctx context.Context, bus *event.Bus, events *ServiceEvents) error {
	if err := event.Register(ctx, bus, events.MessageDelivered); err != nil {
		return fmt.Errorf("register MessageDelivered: %w", err)
	}
	if err := event.Register(ctx, bus, events.MessageReclaimed); err != nil {
		return fmt.Errorf("register MessageReclaimed: %w", err)
	}
	if err := event.Register(ctx, bus, events.PasswordChanged); err != nil {
		return fmt.Errorf("register PasswordChanged: %w", err)
	}
	return nil
}
