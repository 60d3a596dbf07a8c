package postbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/careloop/postbox/store"
)

// ErrIteratorOutOfBounds is returned when Entry() is called without a successful Next().
var ErrIteratorOutOfBounds = errors.New("postbox: iterator out of bounds - call Next() first")

// EntryIterator provides streaming access to a folder's entries.
// Use Next() to advance and Entry() to get the current entry.
//
// Use Stream when processing large mailboxes where memory is a concern or
// when you want early termination; use Folder for paginated UI pages.
//
// Ownership: EntryIterator holds no resources requiring cleanup.
// There is no Close method - simply stop calling Next() when done.
//
// Thread Safety: EntryIterator is NOT safe for concurrent use. Each iterator
// should be used by a single goroutine.
//
// Example:
//
//	iter, _ := mb.Stream(ctx, postbox.FolderInbox, postbox.StreamOptions{BatchSize: 100})
//	for {
//	    hasNext, err := iter.Next(ctx)
//	    if err != nil || !hasNext {
//	        break
//	    }
//	    entry, _ := iter.Entry()
//	    // process entry
//	}
type EntryIterator interface {
	// Next advances to the next entry.
	// Returns (true, nil) if there is an entry available.
	// Returns (false, nil) if iteration is done (no more entries).
	// Returns (false, error) if an error occurred (e.g., service
	// disconnected, context cancelled).
	// Must be called before accessing Entry().
	Next(ctx context.Context) (bool, error)

	// Entry returns the current entry.
	// Must be called after a successful Next() call that returned (true, nil).
	// Returns ErrIteratorOutOfBounds if called before Next() or after
	// iteration ends.
	Entry() (*Entry, error)

	// Cursor returns the position after the current entry. Passing it as
	// StreamOptions.StartAfter on a new iterator resumes iteration from the
	// same point, surviving process restarts.
	Cursor() string
}

// StreamOptions configures streaming behavior.
type StreamOptions struct {
	// BatchSize is the number of slots fetched per batch.
	// Larger batches reduce round-trips but use more memory.
	// Default: 100
	BatchSize int
	// StartAfter resumes iteration after the slot with this ID.
	StartAfter string
}

// entryIterator implements EntryIterator with cursor-based batch fetching.
// Uses StartAfter for keyset pagination, so slots deleted or added between
// batches never shift the window.
type entryIterator struct {
	mailbox   *accountMailbox
	folder    string
	opts      store.ListOptions
	batchSize int
	batch     []Entry
	batchIdx  int
	cursor    string
	done      bool
	fetched   bool
	lastBatch bool
}

func (it *entryIterator) Next(ctx context.Context) (bool, error) {
	if it.done {
		return false, nil
	}

	// Verify service is still connected on each iteration
	if err := it.mailbox.checkAccess(); err != nil {
		it.done = true
		return false, err
	}

	// Fetch batches until one yields entries. A batch can come back empty
	// while more remain when every slot in it lost its message to a
	// concurrent reclaim.
	for it.batchIdx >= len(it.batch) {
		// Check if we've exhausted all results
		if it.fetched && it.lastBatch {
			it.done = true
			return false, nil
		}

		page, err := it.mailbox.listFolder(ctx, it.folder, it.opts)
		if err != nil {
			it.done = true
			return false, err
		}

		it.batch = page.Entries
		it.batchIdx = 0
		it.fetched = true
		it.lastBatch = !page.HasMore

		// Set cursor for the next batch
		if page.NextCursor != "" {
			it.opts.StartAfter = page.NextCursor
		} else if len(it.batch) > 0 {
			it.opts.StartAfter = it.batch[len(it.batch)-1].Slot.ID
		}
	}

	it.cursor = it.batch[it.batchIdx].Slot.ID
	it.batchIdx++
	return true, nil
}

func (it *entryIterator) Entry() (*Entry, error) {
	if it.batchIdx <= 0 || it.batchIdx > len(it.batch) {
		return nil, ErrIteratorOutOfBounds
	}
	return &it.batch[it.batchIdx-1], nil
}

func (it *entryIterator) Cursor() string {
	return it.cursor
}

// Stream returns an iterator over a folder's entries in insertion order.
func (m *accountMailbox) Stream(ctx context.Context, folder string, opts StreamOptions) (EntryIterator, error) {
	if err := m.checkAccess(); err != nil {
		return nil, err
	}
	if !store.IsValidFolder(folder) {
		return nil, fmt.Errorf("folder %q: %w", folder, ErrInvalidFolder)
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	return &entryIterator{
		mailbox:   m,
		folder:    folder,
		batchSize: batchSize,
		cursor:    opts.StartAfter,
		opts: store.ListOptions{
			Limit:      batchSize,
			StartAfter: opts.StartAfter,
		},
	}, nil
}
