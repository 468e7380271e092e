// Package sqlite provides SQLite implementation of subscribers repository.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/bissquit/maillist/internal/domain"
	"github.com/bissquit/maillist/internal/subscribers"
)

const subscriberColumns = `id, email, ruid, confirmed, created_at`

// Repository implements subscribers.Repository using SQLite.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

var _ subscribers.Repository = (*Repository)(nil)

// NewRepository creates a new SQLite repository.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// NewRepositoryWithClock creates a repository stamping rows with now.
func NewRepositoryWithClock(db *sql.DB, now func() time.Time) *Repository {
	return &Repository{db: db, now: now}
}

// Insert creates a pending subscriber and returns its ID.
func (r *Repository) Insert(ctx context.Context, email, token string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO subscribers (created_at, email, ruid, confirmed) VALUES (?, ?, ?, 0)`,
		r.now().UnixMilli(), email, token,
	)
	if err != nil {
		return 0, fmt.Errorf("insert subscriber: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert subscriber: %w", err)
	}
	return id, nil
}

// FindConfirmedByEmail retrieves a confirmed subscriber by email.
func (r *Repository) FindConfirmedByEmail(ctx context.Context, email string) (*domain.Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM subscribers WHERE email = ? AND confirmed = 1 ORDER BY id LIMIT 1`
	return r.queryOne(ctx, query, email)
}

// FindByTokenAndEmail retrieves a subscriber by its token and email.
func (r *Repository) FindByTokenAndEmail(ctx context.Context, token, email string) (*domain.Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM subscribers WHERE ruid = ? AND email = ? ORDER BY id LIMIT 1`
	return r.queryOne(ctx, query, token, email)
}

// MarkConfirmed confirms every row matching token and email.
func (r *Repository) MarkConfirmed(ctx context.Context, token, email string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE subscribers SET confirmed = 1 WHERE ruid = ? AND email = ?`, token, email)
	if err != nil {
		return fmt.Errorf("mark confirmed: %w", err)
	}
	return nil
}

// DeleteByTokenAndEmail removes the rows matching token and email.
func (r *Repository) DeleteByTokenAndEmail(ctx context.Context, token, email string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM subscribers WHERE ruid = ? AND email = ?`, token, email)
	if err != nil {
		return fmt.Errorf("delete subscriber: %w", err)
	}
	return requireAffected(result)
}

// DeleteByID removes a subscriber by ID.
func (r *Repository) DeleteByID(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM subscribers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete subscriber by id: %w", err)
	}
	return requireAffected(result)
}

// ListPending returns unconfirmed subscribers ordered by ID.
func (r *Repository) ListPending(ctx context.Context) iter.Seq2[domain.Subscriber, error] {
	return r.list(ctx, false)
}

// ListConfirmed returns confirmed subscribers ordered by ID.
func (r *Repository) ListConfirmed(ctx context.Context) iter.Seq2[domain.Subscriber, error] {
	return r.list(ctx, true)
}

// CountByState returns the number of pending and confirmed subscribers.
func (r *Repository) CountByState(ctx context.Context) (pending, confirmed int64, err error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN confirmed = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN confirmed = 1 THEN 1 ELSE 0 END), 0)
		FROM subscribers
	`
	if err := r.db.QueryRowContext(ctx, query).Scan(&pending, &confirmed); err != nil {
		return 0, 0, fmt.Errorf("count subscribers: %w", err)
	}
	return pending, confirmed, nil
}

// list reads the whole result set before yielding. The pool holds a single
// connection, so callers deleting rows inside the loop would block on an
// open cursor.
func (r *Repository) list(ctx context.Context, confirmed bool) iter.Seq2[domain.Subscriber, error] {
	return func(yield func(domain.Subscriber, error) bool) {
		subs, err := r.fetch(ctx, confirmed)
		if err != nil {
			yield(domain.Subscriber{}, err)
			return
		}
		for _, sub := range subs {
			if !yield(sub, nil) {
				return
			}
		}
	}
}

func (r *Repository) fetch(ctx context.Context, confirmed bool) ([]domain.Subscriber, error) {
	query := `SELECT ` + subscriberColumns + ` FROM subscribers WHERE confirmed = ? ORDER BY id`
	rows, err := r.db.QueryContext(ctx, query, boolToInt(confirmed))
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	subs := make([]domain.Subscriber, 0)
	for rows.Next() {
		var sub domain.Subscriber
		if err := scanSubscriber(rows, &sub); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return subs, nil
}

func (r *Repository) queryOne(ctx context.Context, query string, args ...any) (*domain.Subscriber, error) {
	var sub domain.Subscriber
	if err := scanSubscriber(r.db.QueryRowContext(ctx, query, args...), &sub); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, subscribers.ErrSubscriberNotFound
		}
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	return &sub, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSubscriber(row scanner, sub *domain.Subscriber) error {
	var (
		confirmed int64
		createdAt int64
	)
	if err := row.Scan(&sub.ID, &sub.Email, &sub.Token, &confirmed, &createdAt); err != nil {
		return err
	}
	sub.Confirmed = confirmed != 0
	sub.CreatedAt = time.UnixMilli(createdAt)
	return nil
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return subscribers.ErrSubscriberNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
