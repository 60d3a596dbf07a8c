package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/careloop/postbox/store"
)

// folderField maps a folder name to its embedded array field.
func folderField(folder string) (string, error) {
	switch folder {
	case store.FolderInbox:
		return "inbox", nil
	case store.FolderSent:
		return "sent", nil
	default:
		return "", fmt.Errorf("store: folder %q: %w", folder, store.ErrInvalidFolder)
	}
}

// CreateSlots creates every requested slot or none. With transactions
// enabled the pushes run in one MongoDB transaction; otherwise they run
// sequentially with compensating removal on failure.
func (s *Store) CreateSlots(ctx context.Context, slots []store.SlotData) ([]store.SlotRef, error) {
	if err := s.isConnected(); err != nil {
		return nil, err
	}
	if len(slots) == 0 {
		return nil, nil
	}

	type pending struct {
		oid   bson.ObjectID
		field string
		doc   slotDoc
		ref   store.SlotRef
	}
	now := time.Now().UTC()
	work := make([]pending, 0, len(slots))
	for _, data := range slots {
		oid, err := parseObjectID(data.AccountID)
		if err != nil {
			return nil, err
		}
		field, err := folderField(data.Folder)
		if err != nil {
			return nil, err
		}
		doc := slotDoc{
			ID:        store.NewSlotID(),
			MessageID: data.MessageID,
			Flags:     append([]string(nil), data.Flags...),
			CreatedAt: now,
		}
		work = append(work, pending{
			oid:   oid,
			field: field,
			doc:   doc,
			ref: store.SlotRef{
				AccountID: data.AccountID,
				Folder:    data.Folder,
				SlotID:    doc.ID,
			},
		})
	}

	push := func(ctx context.Context, p pending) error {
		res, err := s.accounts.UpdateOne(ctx,
			bson.M{"_id": p.oid},
			bson.M{"$push": bson.M{p.field: p.doc}})
		if err != nil {
			return fmt.Errorf("store: create slots: %w", err)
		}
		if res.MatchedCount == 0 {
			return fmt.Errorf("store: account %q: %w", p.ref.AccountID, store.ErrNotFound)
		}
		return nil
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	if s.cfg.useTransactions {
		sess, err := s.client.StartSession()
		if err != nil {
			return nil, fmt.Errorf("store: create slots: %w", err)
		}
		defer sess.EndSession(ctx)

		_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
			for _, p := range work {
				if err := push(ctx, p); err != nil {
					return nil, err
				}
			}
			return nil, nil
		})
		if err != nil {
			if store.IsNotFound(err) {
				return nil, err
			}
			return nil, fmt.Errorf("store: %w: %w", store.ErrTransactionFailed, err)
		}
	} else {
		for i, p := range work {
			if err := push(ctx, p); err != nil {
				for _, done := range work[:i] {
					_, pullErr := s.accounts.UpdateOne(ctx,
						bson.M{"_id": done.oid},
						bson.M{"$pull": bson.M{done.field: bson.M{"id": done.doc.ID}}})
					if pullErr != nil {
						s.logger.Warn("slot rollback failed",
							"account_id", done.ref.AccountID,
							"slot_id", done.doc.ID,
							"error", pullErr)
					}
				}
				return nil, err
			}
		}
	}

	refs := make([]store.SlotRef, len(work))
	for i, p := range work {
		refs[i] = p.ref
	}
	return refs, nil
}

// GetSlot fetches a single slot from the account's folder.
func (s *Store) GetSlot(ctx context.Context, accountID, folder, slotID string) (*store.Slot, error) {
	if err := s.isConnected(); err != nil {
		return nil, err
	}
	oid, err := parseObjectID(accountID)
	if err != nil {
		return nil, err
	}
	field, err := folderField(folder)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var doc accountDoc
	err = s.accounts.FindOne(ctx,
		bson.M{"_id": oid, field + ".id": slotID},
		mongoopts.FindOne().SetProjection(bson.M{
			field: bson.M{"$elemMatch": bson.M{"id": slotID}},
		})).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("store: slot %q: %w", slotID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("store: get slot: %w", err)
	}

	arr := doc.Inbox
	if field == "sent" {
		arr = doc.Sent
	}
	if len(arr) == 0 {
		return nil, fmt.Errorf("store: slot %q: %w", slotID, store.ErrNotFound)
	}
	slot := arr[0].toSlot()
	return &slot, nil
}

// SetSlotFlag adds or removes a flag on a slot.
func (s *Store) SetSlotFlag(ctx context.Context, accountID, folder, slotID, flag string, on bool) error {
	if err := s.isConnected(); err != nil {
		return err
	}
	oid, err := parseObjectID(accountID)
	if err != nil {
		return err
	}
	field, err := folderField(folder)
	if err != nil {
		return err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var update bson.M
	if on {
		update = bson.M{"$addToSet": bson.M{field + ".$.flags": flag}}
	} else {
		update = bson.M{"$pull": bson.M{field + ".$.flags": flag}}
	}
	res, err := s.accounts.UpdateOne(ctx,
		bson.M{"_id": oid, field + ".id": slotID},
		update)
	if err != nil {
		return fmt.Errorf("store: set slot flag: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("store: slot %q: %w", slotID, store.ErrNotFound)
	}
	return nil
}

// DeleteSlot removes a slot and returns the id of the message it referenced.
func (s *Store) DeleteSlot(ctx context.Context, accountID, folder, slotID string) (string, error) {
	if err := s.isConnected(); err != nil {
		return "", err
	}
	oid, err := parseObjectID(accountID)
	if err != nil {
		return "", err
	}
	field, err := folderField(folder)
	if err != nil {
		return "", err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	// Return the document before the pull so the removed slot's message
	// id can be recovered from it.
	var doc accountDoc
	err = s.accounts.FindOneAndUpdate(ctx,
		bson.M{"_id": oid, field + ".id": slotID},
		bson.M{"$pull": bson.M{field: bson.M{"id": slotID}}},
		mongoopts.FindOneAndUpdate().
			SetReturnDocument(mongoopts.Before).
			SetProjection(bson.M{
				field: bson.M{"$elemMatch": bson.M{"id": slotID}},
			})).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", fmt.Errorf("store: slot %q: %w", slotID, store.ErrNotFound)
		}
		return "", fmt.Errorf("store: delete slot: %w", err)
	}

	arr := doc.Inbox
	if field == "sent" {
		arr = doc.Sent
	}
	if len(arr) == 0 {
		return "", fmt.Errorf("store: slot %q: %w", slotID, store.ErrNotFound)
	}
	return arr[0].MessageID, nil
}

// ListSlots returns a page of the account's folder in insertion order.
// Slot ids are time-ordered, so sorting by id preserves it.
func (s *Store) ListSlots(ctx context.Context, accountID, folder string, opts store.ListOptions) (*store.SlotPage, error) {
	if err := s.isConnected(); err != nil {
		return nil, err
	}
	oid, err := parseObjectID(accountID)
	if err != nil {
		return nil, err
	}
	field, err := folderField(folder)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	// Slice, sort and count inside the server so only one page of slots
	// crosses the wire. A zero limit returns the whole folder.
	match := bson.M{"$gt": []any{"$$slot.id", opts.StartAfter}}
	if opts.StartAfter == "" {
		match = bson.M{"$literal": true}
	}
	pageExpr := bson.M{"total": bson.M{"$size": "$slots"}}
	if opts.Limit > 0 {
		pageExpr["slots"] = bson.M{"$slice": []any{"$slots", opts.Limit}}
	} else {
		pageExpr["slots"] = "$slots"
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"_id": oid}}},
		{{Key: "$project", Value: bson.M{
			"slots": bson.M{"$sortArray": bson.M{
				"input": bson.M{"$filter": bson.M{
					"input": "$" + field,
					"as":    "slot",
					"cond":  match,
				}},
				"sortBy": bson.M{"id": 1},
			}},
		}}},
		{{Key: "$project", Value: pageExpr}},
	}
	cur, err := s.accounts.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("store: list slots: %w", err)
	}
	defer cur.Close(ctx)

	var result struct {
		Total int       `bson:"total"`
		Slots []slotDoc `bson:"slots"`
	}
	if !cur.Next(ctx) {
		if err := cur.Err(); err != nil {
			return nil, fmt.Errorf("store: list slots: %w", err)
		}
		return nil, fmt.Errorf("store: account %q: %w", accountID, store.ErrNotFound)
	}
	if err := cur.Decode(&result); err != nil {
		return nil, fmt.Errorf("store: list slots: %w", err)
	}

	page := &store.SlotPage{
		Slots:   make([]store.Slot, len(result.Slots)),
		HasMore: result.Total > len(result.Slots),
	}
	for i, d := range result.Slots {
		page.Slots[i] = d.toSlot()
	}
	if page.HasMore && len(page.Slots) > 0 {
		page.NextCursor = page.Slots[len(page.Slots)-1].ID
	}
	return page, nil
}

// CountSlotRefs counts slots in any account that reference the message.
func (s *Store) CountSlotRefs(ctx context.Context, messageID string) (int64, error) {
	if err := s.isConnected(); err != nil {
		return 0, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"$or": []bson.M{
			{"inbox.message_id": messageID},
			{"sent.message_id": messageID},
		}}}},
		{{Key: "$project", Value: bson.M{
			"n": bson.M{"$add": []any{
				bson.M{"$size": bson.M{"$filter": bson.M{
					"input": bson.M{"$ifNull": []any{"$inbox", []any{}}},
					"as":    "slot",
					"cond":  bson.M{"$eq": []any{"$$slot.message_id", messageID}},
				}}},
				bson.M{"$size": bson.M{"$filter": bson.M{
					"input": bson.M{"$ifNull": []any{"$sent", []any{}}},
					"as":    "slot",
					"cond":  bson.M{"$eq": []any{"$$slot.message_id", messageID}},
				}}},
			}},
		}}},
		{{Key: "$group", Value: bson.M{
			"_id":   nil,
			"total": bson.M{"$sum": "$n"},
		}}},
	}
	cur, err := s.accounts.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("store: count slot refs: %w", err)
	}
	defer cur.Close(ctx)

	if !cur.Next(ctx) {
		if err := cur.Err(); err != nil {
			return 0, fmt.Errorf("store: count slot refs: %w", err)
		}
		return 0, nil
	}
	var result struct {
		Total int64 `bson:"total"`
	}
	if err := cur.Decode(&result); err != nil {
		return 0, fmt.Errorf("store: count slot refs: %w", err)
	}
	return result.Total, nil
}

// SlotRefs returns every slot reference to the message across all accounts.
func (s *Store) SlotRefs(ctx context.Context, messageID string) ([]store.SlotRef, error) {
	if err := s.isConnected(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	cur, err := s.accounts.Find(ctx,
		bson.M{"$or": []bson.M{
			{"inbox.message_id": messageID},
			{"sent.message_id": messageID},
		}},
		mongoopts.Find().SetProjection(bson.M{"inbox": 1, "sent": 1}))
	if err != nil {
		return nil, fmt.Errorf("store: slot refs: %w", err)
	}
	defer cur.Close(ctx)

	var refs []store.SlotRef
	for cur.Next(ctx) {
		var doc accountDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("store: slot refs: %w", err)
		}
		accountID := doc.ID.Hex()
		for _, slot := range doc.Inbox {
			if slot.MessageID == messageID {
				refs = append(refs, store.SlotRef{
					AccountID: accountID,
					Folder:    store.FolderInbox,
					SlotID:    slot.ID,
				})
			}
		}
		for _, slot := range doc.Sent {
			if slot.MessageID == messageID {
				refs = append(refs, store.SlotRef{
					AccountID: accountID,
					Folder:    store.FolderSent,
					SlotID:    slot.ID,
				})
			}
		}
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("store: slot refs: %w", err)
	}
	return refs, nil
}

// FolderStats returns totals and unread counts for both folders.
func (s *Store) FolderStats(ctx context.Context, accountID string) (*store.FolderStats, error) {
	if err := s.isConnected(); err != nil {
		return nil, err
	}
	oid, err := parseObjectID(accountID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var doc accountDoc
	err = s.accounts.FindOne(ctx, bson.M{"_id": oid},
		mongoopts.FindOne().SetProjection(bson.M{"inbox": 1, "sent": 1})).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("store: account %q: %w", accountID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("store: folder stats: %w", err)
	}

	stats := &store.FolderStats{}
	stats.Inbox = countFolder(doc.Inbox)
	stats.Sent = countFolder(doc.Sent)
	return stats, nil
}

func countFolder(slots []slotDoc) store.FolderCounts {
	counts := store.FolderCounts{Total: int64(len(slots))}
	for _, slot := range slots {
		read := false
		for _, flag := range slot.Flags {
			if flag == store.FlagRead {
				read = true
				break
			}
		}
		if !read {
			counts.Unread++
		}
	}
	return counts
}
