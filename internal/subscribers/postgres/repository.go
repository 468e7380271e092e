// Package postgres provides PostgreSQL implementation of subscribers repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/bissquit/maillist/internal/domain"
	"github.com/bissquit/maillist/internal/subscribers"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const subscriberColumns = `id, email, ruid, confirmed, created_at`

// Repository implements subscribers.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

var _ subscribers.Repository = (*Repository)(nil)

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Insert creates a pending subscriber and returns its ID.
func (r *Repository) Insert(ctx context.Context, email, token string) (int64, error) {
	query := `
		INSERT INTO subscribers (email, ruid, confirmed)
		VALUES ($1, $2, FALSE)
		RETURNING id
	`
	var id int64
	if err := r.db.QueryRow(ctx, query, email, token).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert subscriber: %w", err)
	}
	return id, nil
}

// FindConfirmedByEmail retrieves a confirmed subscriber by email.
func (r *Repository) FindConfirmedByEmail(ctx context.Context, email string) (*domain.Subscriber, error) {
	query := `
		SELECT ` + subscriberColumns + `
		FROM subscribers
		WHERE email = $1 AND confirmed = TRUE
		ORDER BY id
		LIMIT 1
	`
	return r.queryOne(ctx, query, email)
}

// FindByTokenAndEmail retrieves a subscriber by its token and email.
func (r *Repository) FindByTokenAndEmail(ctx context.Context, token, email string) (*domain.Subscriber, error) {
	query := `
		SELECT ` + subscriberColumns + `
		FROM subscribers
		WHERE ruid = $1 AND email = $2
		ORDER BY id
		LIMIT 1
	`
	return r.queryOne(ctx, query, token, email)
}

// MarkConfirmed confirms every row matching token and email.
func (r *Repository) MarkConfirmed(ctx context.Context, token, email string) error {
	query := `UPDATE subscribers SET confirmed = TRUE WHERE ruid = $1 AND email = $2`
	if _, err := r.db.Exec(ctx, query, token, email); err != nil {
		return fmt.Errorf("mark confirmed: %w", err)
	}
	return nil
}

// DeleteByTokenAndEmail removes the rows matching token and email.
func (r *Repository) DeleteByTokenAndEmail(ctx context.Context, token, email string) error {
	query := `DELETE FROM subscribers WHERE ruid = $1 AND email = $2`
	result, err := r.db.Exec(ctx, query, token, email)
	if err != nil {
		return fmt.Errorf("delete subscriber: %w", err)
	}
	if result.RowsAffected() == 0 {
		return subscribers.ErrSubscriberNotFound
	}
	return nil
}

// DeleteByID removes a subscriber by ID.
func (r *Repository) DeleteByID(ctx context.Context, id int64) error {
	result, err := r.db.Exec(ctx, `DELETE FROM subscribers WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscriber by id: %w", err)
	}
	if result.RowsAffected() == 0 {
		return subscribers.ErrSubscriberNotFound
	}
	return nil
}

// ListPending streams unconfirmed subscribers ordered by ID.
func (r *Repository) ListPending(ctx context.Context) iter.Seq2[domain.Subscriber, error] {
	return r.list(ctx, false)
}

// ListConfirmed streams confirmed subscribers ordered by ID.
func (r *Repository) ListConfirmed(ctx context.Context) iter.Seq2[domain.Subscriber, error] {
	return r.list(ctx, true)
}

// CountByState returns the number of pending and confirmed subscribers.
func (r *Repository) CountByState(ctx context.Context) (pending, confirmed int64, err error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE NOT confirmed),
			COUNT(*) FILTER (WHERE confirmed)
		FROM subscribers
	`
	if err := r.db.QueryRow(ctx, query).Scan(&pending, &confirmed); err != nil {
		return 0, 0, fmt.Errorf("count subscribers: %w", err)
	}
	return pending, confirmed, nil
}

func (r *Repository) list(ctx context.Context, confirmed bool) iter.Seq2[domain.Subscriber, error] {
	return func(yield func(domain.Subscriber, error) bool) {
		query := `
			SELECT ` + subscriberColumns + `
			FROM subscribers
			WHERE confirmed = $1
			ORDER BY id
		`
		rows, err := r.db.Query(ctx, query, confirmed)
		if err != nil {
			yield(domain.Subscriber{}, fmt.Errorf("list subscribers: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var sub domain.Subscriber
			if err := scanSubscriber(rows, &sub); err != nil {
				yield(domain.Subscriber{}, fmt.Errorf("scan subscriber: %w", err))
				return
			}
			if !yield(sub, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Subscriber{}, fmt.Errorf("iterate subscribers: %w", err))
		}
	}
}

func (r *Repository) queryOne(ctx context.Context, query string, args ...any) (*domain.Subscriber, error) {
	var sub domain.Subscriber
	err := scanSubscriber(r.db.QueryRow(ctx, query, args...), &sub)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, subscribers.ErrSubscriberNotFound
		}
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	return &sub, nil
}

func scanSubscriber(row pgx.Row, sub *domain.Subscriber) error {
	return row.Scan(&sub.ID, &sub.Email, &sub.Token, &sub.Confirmed, &sub.CreatedAt)
}
