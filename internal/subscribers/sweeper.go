package subscribers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/maillist/internal/pkg/ctxlog"
)

// SweepResult summarises one sweep pass.
type SweepResult struct {
	Scanned int
	Deleted int
	Failed  int
}

// Sweeper deletes pending subscribers that were never confirmed.
type Sweeper struct {
	repo Repository
	ttl  time.Duration
	now  func() time.Time
}

// NewSweeper creates a sweeper. A non-positive ttl falls back to DefaultPendingTTL.
func NewSweeper(repo Repository, ttl time.Duration, now func() time.Time) *Sweeper {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Sweeper{repo: repo, ttl: ttl, now: now}
}

// Sweep deletes every pending subscriber older than the TTL.
// Expired IDs are collected before any delete so the listing cursor never
// holds a connection the deletes need. A failed delete is logged and the
// pass continues with the next record.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := s.now()

	var expired []int64
	for sub, err := range s.repo.ListPending(ctx) {
		if err != nil {
			return result, storageError("list pending subscribers", err)
		}
		result.Scanned++

		if sub.Age(now) > s.ttl {
			expired = append(expired, sub.ID)
		}
	}

	for _, id := range expired {
		err := s.repo.DeleteByID(ctx, id)
		if errors.Is(err, ErrSubscriberNotFound) {
			// removed concurrently
			continue
		}
		if err != nil {
			ctxlog.FromContext(ctx).Error("failed to delete expired subscriber",
				"subscriber_id", id,
				"error", err,
			)
			result.Failed++
			recordSwept("failed")
			continue
		}
		result.Deleted++
		recordSwept("deleted")
	}

	ctxlog.FromContext(ctx).Info("expired subscribers swept",
		"scanned", result.Scanned,
		"deleted", result.Deleted,
		"failed", result.Failed,
		"ttl", s.ttl,
	)

	if result.Failed > 0 {
		return result, fmt.Errorf("sweep: %d of %d deletions failed", result.Failed, result.Deleted+result.Failed)
	}
	return result, nil
}
