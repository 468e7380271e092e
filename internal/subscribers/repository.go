// Package subscribers provides the mailing list subscriber lifecycle:
// double opt-in sign-up, unsubscribe, expiration sweep and broadcast dispatch.
package subscribers

import (
	"context"
	"iter"

	"github.com/bissquit/maillist/internal/domain"
)

// Repository defines the interface for subscriber data access.
// Lookups that match nothing return ErrSubscriberNotFound.
type Repository interface {
	Insert(ctx context.Context, email, token string) (int64, error)
	FindConfirmedByEmail(ctx context.Context, email string) (*domain.Subscriber, error)
	FindByTokenAndEmail(ctx context.Context, token, email string) (*domain.Subscriber, error)

	// MarkConfirmed is a no-op when no row matches.
	MarkConfirmed(ctx context.Context, token, email string) error

	// DeleteByTokenAndEmail returns ErrSubscriberNotFound when no row was removed.
	DeleteByTokenAndEmail(ctx context.Context, token, email string) error
	DeleteByID(ctx context.Context, id int64) error

	// Listings are queried fresh on every call.
	ListPending(ctx context.Context) iter.Seq2[domain.Subscriber, error]
	ListConfirmed(ctx context.Context) iter.Seq2[domain.Subscriber, error]

	CountByState(ctx context.Context) (pending, confirmed int64, err error)
}
