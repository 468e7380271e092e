package subscribers

import (
	"context"
	"errors"
	"iter"
	"sync"
	"time"

	"github.com/bissquit/maillist/internal/domain"
)

// mockRepository is an in-memory Repository for testing.
type mockRepository struct {
	mu     sync.Mutex
	rows   []domain.Subscriber
	nextID int64
	now    func() time.Time

	findErr          error
	findConfirmedErr error
	insertErr        error
	listErr          error
	deleteErr        map[int64]error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		now:       time.Now,
		deleteErr: make(map[int64]error),
	}
}

// seed inserts a row with an explicit creation time.
func (m *mockRepository) seed(email, token string, confirmed bool, createdAt time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.rows = append(m.rows, domain.Subscriber{
		ID:        m.nextID,
		Email:     email,
		Token:     token,
		Confirmed: confirmed,
		CreatedAt: createdAt,
	})
	return m.nextID
}

func (m *mockRepository) snapshot() []domain.Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Subscriber(nil), m.rows...)
}

func (m *mockRepository) Insert(_ context.Context, email, token string) (int64, error) {
	if m.insertErr != nil {
		return 0, m.insertErr
	}
	return m.seed(email, token, false, m.now()), nil
}

func (m *mockRepository) FindConfirmedByEmail(_ context.Context, email string) (*domain.Subscriber, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	if m.findConfirmedErr != nil {
		return nil, m.findConfirmedErr
	}
	for _, row := range m.snapshot() {
		if row.Email == email && row.Confirmed {
			return &row, nil
		}
	}
	return nil, ErrSubscriberNotFound
}

func (m *mockRepository) FindByTokenAndEmail(_ context.Context, token, email string) (*domain.Subscriber, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, row := range m.snapshot() {
		if row.Token == token && row.Email == email {
			return &row, nil
		}
	}
	return nil, ErrSubscriberNotFound
}

func (m *mockRepository) MarkConfirmed(_ context.Context, token, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.rows {
		if m.rows[i].Token == token && m.rows[i].Email == email {
			m.rows[i].Confirmed = true
		}
	}
	return nil
}

func (m *mockRepository) DeleteByTokenAndEmail(_ context.Context, token, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rows[:0]
	removed := 0
	for _, row := range m.rows {
		if row.Token == token && row.Email == email {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	m.rows = kept
	if removed == 0 {
		return ErrSubscriberNotFound
	}
	return nil
}

func (m *mockRepository) DeleteByID(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.deleteErr[id]; err != nil {
		return err
	}
	for i, row := range m.rows {
		if row.ID == id {
			m.rows = append(m.rows[:i], m.rows[i+1:]...)
			return nil
		}
	}
	return ErrSubscriberNotFound
}

func (m *mockRepository) ListPending(_ context.Context) iter.Seq2[domain.Subscriber, error] {
	return m.list(false)
}

func (m *mockRepository) ListConfirmed(_ context.Context) iter.Seq2[domain.Subscriber, error] {
	return m.list(true)
}

func (m *mockRepository) list(confirmed bool) iter.Seq2[domain.Subscriber, error] {
	return func(yield func(domain.Subscriber, error) bool) {
		if m.listErr != nil {
			yield(domain.Subscriber{}, m.listErr)
			return
		}
		for _, row := range m.snapshot() {
			if row.Confirmed != confirmed {
				continue
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

func (m *mockRepository) CountByState(_ context.Context) (pending, confirmed int64, err error) {
	for _, row := range m.snapshot() {
		if row.Confirmed {
			confirmed++
		} else {
			pending++
		}
	}
	return pending, confirmed, nil
}

// recordingSender records every message and fails for configured recipients.
type recordingSender struct {
	mu      sync.Mutex
	sent    []Message
	failFor map[string]error
	delay   time.Duration
}

func newRecordingSender() *recordingSender {
	return &recordingSender{failFor: make(map[string]error)}
}

func (s *recordingSender) Send(ctx context.Context, msg Message) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failFor[msg.To]; err != nil {
		return err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *recordingSender) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.sent...)
}

func (s *recordingSender) recipients() []string {
	var out []string
	for _, msg := range s.messages() {
		out = append(out, msg.To)
	}
	return out
}

var errSMTPDown = errors.New("smtp: connection refused")

// staticSource serves a fixed template.
type staticSource struct {
	tmpl Template
	err  error
}

func (s staticSource) Load(context.Context) (Template, error) {
	return s.tmpl, s.err
}

func newTestRenderer() *Renderer {
	renderer, err := NewRenderer(LinkConfig{
		ConfirmURL:     "https://example.com/confirm",
		UnsubscribeURL: "https://example.com/unsubscribe",
	}, time.UTC)
	if err != nil {
		panic(err)
	}
	return renderer
}

func fixedToken(token string) TokenFunc {
	return func() (string, error) { return token, nil }
}
