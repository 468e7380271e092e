package subscribers

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/bissquit/maillist/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_Sweep(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	repo := newMockRepository()

	expired := repo.seed("old@x.io", "t1", false, now.Add(-13*time.Hour))
	fresh := repo.seed("new@x.io", "t2", false, now.Add(-time.Hour))
	boundary := repo.seed("edge@x.io", "t3", false, now.Add(-12*time.Hour))
	confirmed := repo.seed("kept@x.io", "t4", true, now.Add(-90*24*time.Hour))

	sweeper := NewSweeper(repo, 12*time.Hour, func() time.Time { return now })

	result, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 3, Deleted: 1}, result)

	var ids []int64
	for _, row := range repo.snapshot() {
		ids = append(ids, row.ID)
	}
	assert.NotContains(t, ids, expired)
	assert.ElementsMatch(t, []int64{fresh, boundary, confirmed}, ids)
}

func TestSweeper_DefaultTTL(t *testing.T) {
	sweeper := NewSweeper(newMockRepository(), 0, nil)
	assert.Equal(t, DefaultPendingTTL, sweeper.ttl)
}

func TestSweeper_ContinuesAfterDeleteFailure(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	repo := newMockRepository()

	first := repo.seed("a@x.io", "t1", false, now.Add(-24*time.Hour))
	repo.seed("b@x.io", "t2", false, now.Add(-24*time.Hour))
	repo.deleteErr[first] = errors.New("database is locked")

	sweeper := NewSweeper(repo, 12*time.Hour, func() time.Time { return now })

	result, err := sweeper.Sweep(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, 1, result.Failed)

	rows := repo.snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, first, rows[0].ID)
}

func TestSweeper_ListFailure(t *testing.T) {
	repo := newMockRepository()
	repo.listErr = errors.New("no such table")

	_, err := NewSweeper(repo, time.Hour, nil).Sweep(context.Background())
	require.ErrorIs(t, err, ErrStorage)
}

// cursorRepository refuses deletes while a pending listing is still being
// iterated, like a store whose only connection is held by the open cursor.
type cursorRepository struct {
	*mockRepository
	listing bool
}

func (c *cursorRepository) ListPending(ctx context.Context) iter.Seq2[domain.Subscriber, error] {
	return func(yield func(domain.Subscriber, error) bool) {
		c.listing = true
		defer func() { c.listing = false }()
		for sub, err := range c.mockRepository.ListPending(ctx) {
			if !yield(sub, err) {
				return
			}
		}
	}
}

func (c *cursorRepository) DeleteByID(ctx context.Context, id int64) error {
	if c.listing {
		return errors.New("no free connection: listing cursor still open")
	}
	return c.mockRepository.DeleteByID(ctx, id)
}

func TestSweeper_DeletesAfterListingCloses(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	repo := &cursorRepository{mockRepository: newMockRepository()}
	repo.seed("a@x.io", "t1", false, now.Add(-24*time.Hour))
	repo.seed("b@x.io", "t2", false, now.Add(-13*time.Hour))
	fresh := repo.seed("c@x.io", "t3", false, now.Add(-time.Hour))

	sweeper := NewSweeper(repo, 12*time.Hour, func() time.Time { return now })

	result, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 3, Deleted: 2}, result)

	rows := repo.snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, fresh, rows[0].ID)
}
