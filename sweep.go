package postbox

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// SweepResult contains the result of a reclamation sweep.
type SweepResult struct {
	// Examined is the number of messages whose reachability was checked.
	Examined int
	// Reclaimed is the number of unreachable messages removed.
	Reclaimed int
	// Interrupted indicates the sweep stopped early (e.g., context cancelled).
	Interrupted bool
}

// SweepOrphans scans all messages and reclaims the unreachable ones: messages
// with no slot referencing them and no contact resolving to a live account.
//
// The sweep is the recovery path for reclamations that failed inline (after a
// slot delete or an aborted delivery) and for orphans left by account
// deletion. It is idempotent - a second run over the same state reclaims
// nothing - and safe to run concurrently from multiple service instances:
// two sweeps racing on the same message resolve as one delete and one
// ErrNotFound, counted once.
//
// Call this periodically using your application's scheduler. The library does
// not run it automatically.
//
// Example with a simple ticker:
//
//	go func() {
//	    ticker := time.NewTicker(1 * time.Hour)
//	    defer ticker.Stop()
//	    for range ticker.C {
//	        result, err := svc.SweepOrphans(ctx)
//	        if err != nil {
//	            log.Printf("sweep error: %v", err)
//	        } else if result.Reclaimed > 0 {
//	            log.Printf("reclaimed %d orphaned messages", result.Reclaimed)
//	        }
//	    }
//	}()
func (s *service) SweepOrphans(ctx context.Context) (*SweepResult, error) {
	if atomic.LoadInt32(&s.state) != stateConnected {
		return nil, ErrNotConnected
	}

	start := time.Now()
	ctx, endSpan := s.otel.startSpan(ctx, "postbox.SweepOrphans")

	result, err := s.sweep(ctx)

	endSpan(err)
	s.otel.recordSweep(ctx, time.Since(start), result.Examined, result.Reclaimed, err)
	return result, err
}

func (s *service) sweep(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}
	batchSize := s.opts.sweepBatchSize

	var startAfter string
	for {
		if ctx.Err() != nil {
			result.Interrupted = true
			return result, ctx.Err()
		}

		ids, err := s.store.MessageIDs(ctx, batchSize, startAfter)
		if err != nil {
			return result, fmt.Errorf("postbox: list messages: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			result.Examined++
			if s.maybeReclaim(ctx, id, "sweep") {
				result.Reclaimed++
			}
		}

		// Keyset cursor: reclaimed IDs are gone but still order the scan.
		startAfter = ids[len(ids)-1]
		if len(ids) < batchSize {
			break
		}
	}

	if result.Reclaimed > 0 {
		s.logger.Info("sweep completed",
			"examined", result.Examined, "reclaimed", result.Reclaimed)
	} else {
		s.logger.Debug("sweep completed, nothing to reclaim", "examined", result.Examined)
	}
	return result, nil
}
