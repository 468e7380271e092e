package domain

import "time"

// Subscriber is a single mailing list entry.
// A subscriber starts pending and becomes confirmed once the owner of the
// address follows the confirmation link.
type Subscriber struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	Token     string    `json:"-"`
	Confirmed bool      `json:"confirmed"`
	CreatedAt time.Time `json:"created_at"`
}

// Age returns how long ago the subscriber row was created.
func (s Subscriber) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// IsPending reports whether the subscriber has not confirmed yet.
func (s Subscriber) IsPending() bool {
	return !s.Confirmed
}
