package subscribers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bissquit/maillist/internal/domain"
	"github.com/bissquit/maillist/internal/pkg/ctxlog"
)

// DefaultPendingTTL is how long an unconfirmed sign-up stays valid.
const DefaultPendingTTL = 12 * time.Hour

// ServiceConfig contains workflow settings.
type ServiceConfig struct {
	// ConfirmTTL bounds how long a confirmation link is accepted.
	// Zero disables the check and leaves expiry to the sweeper.
	ConfirmTTL time.Duration
}

// Service provides the sign-up, confirmation and unsubscribe workflows.
type Service struct {
	repo     Repository
	sender   Sender
	renderer *Renderer
	config   ServiceConfig

	newToken TokenFunc
	now      func() time.Time
}

// ServiceOption customises the Service.
type ServiceOption func(*Service)

// WithTokenFunc overrides the token generator.
func WithTokenFunc(fn TokenFunc) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.newToken = fn
		}
	}
}

// WithClock overrides the clock used for confirmation expiry.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a new subscribers service.
func NewService(repo Repository, sender Sender, renderer *Renderer, config ServiceConfig, opts ...ServiceOption) *Service {
	s := &Service{
		repo:     repo,
		sender:   sender,
		renderer: renderer,
		config:   config,
		newToken: GenerateToken,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestSubscription registers a pending subscriber and sends the confirmation message.
// If the message cannot be sent the pending row is kept and the subscriber is
// returned together with an error wrapping ErrMailTransport.
func (s *Service) RequestSubscription(ctx context.Context, email string) (*domain.Subscriber, error) {
	email = strings.TrimSpace(email)

	_, err := s.repo.FindConfirmedByEmail(ctx, email)
	switch {
	case err == nil:
		recordOutcome("signup", "duplicate")
		return nil, ErrAlreadySubscribed
	case !errors.Is(err, ErrSubscriberNotFound):
		recordOutcome("signup", "failed")
		return nil, storageError("find confirmed subscriber", err)
	}

	token, err := s.newToken()
	if err != nil {
		recordOutcome("signup", "failed")
		return nil, err
	}

	id, err := s.repo.Insert(ctx, email, token)
	if err != nil {
		recordOutcome("signup", "failed")
		return nil, storageError("insert subscriber", err)
	}

	sub := &domain.Subscriber{
		ID:        id,
		Email:     email,
		Token:     token,
		Confirmed: false,
		CreatedAt: s.now(),
	}

	subject, body, err := s.renderer.RenderConfirmation(*sub)
	if err != nil {
		recordOutcome("signup", "mail_failed")
		return sub, mailError(email, err)
	}

	if err := s.sender.Send(ctx, Message{To: email, Subject: subject, Body: body}); err != nil {
		ctxlog.FromContext(ctx).Error("failed to send confirmation", "subscriber_id", id, "error", err)
		recordOutcome("signup", "mail_failed")
		return sub, mailError(email, err)
	}

	ctxlog.FromContext(ctx).Info("confirmation sent", "subscriber_id", id)
	recordOutcome("signup", "pending")
	return sub, nil
}

// ConfirmSubscription marks the subscriber identified by token and email as confirmed.
// Confirming an already confirmed subscriber succeeds again.
func (s *Service) ConfirmSubscription(ctx context.Context, token, email string) (*domain.Subscriber, error) {
	sub, err := s.repo.FindByTokenAndEmail(ctx, token, email)
	if err != nil {
		if errors.Is(err, ErrSubscriberNotFound) {
			recordOutcome("confirm", "not_found")
			return nil, ErrNotFoundOrExpired
		}
		recordOutcome("confirm", "failed")
		return nil, storageError("find subscriber", err)
	}

	if sub.IsPending() && s.config.ConfirmTTL > 0 && sub.Age(s.now()) > s.config.ConfirmTTL {
		recordOutcome("confirm", "expired")
		return nil, ErrNotFoundOrExpired
	}

	if sub.IsPending() {
		existing, err := s.repo.FindConfirmedByEmail(ctx, email)
		switch {
		case err == nil:
			// the address is already on the list; drop the redundant pending row
			if err := s.repo.DeleteByID(ctx, sub.ID); err != nil && !errors.Is(err, ErrSubscriberNotFound) {
				recordOutcome("confirm", "failed")
				return nil, storageError("delete duplicate pending subscriber", err)
			}
			ctxlog.FromContext(ctx).Info("subscription already confirmed",
				"subscriber_id", existing.ID,
				"dropped_id", sub.ID,
			)
			recordOutcome("confirm", "already_confirmed")
			return existing, nil
		case !errors.Is(err, ErrSubscriberNotFound):
			recordOutcome("confirm", "failed")
			return nil, storageError("find confirmed subscriber", err)
		}
	}

	if err := s.repo.MarkConfirmed(ctx, token, email); err != nil {
		recordOutcome("confirm", "failed")
		return nil, storageError("mark confirmed", err)
	}
	sub.Confirmed = true

	ctxlog.FromContext(ctx).Info("subscription confirmed", "subscriber_id", sub.ID)
	recordOutcome("confirm", "confirmed")
	return sub, nil
}

// Unsubscribe removes the subscriber identified by token and email.
func (s *Service) Unsubscribe(ctx context.Context, token, email string) error {
	sub, err := s.repo.FindByTokenAndEmail(ctx, token, email)
	if err != nil {
		if errors.Is(err, ErrSubscriberNotFound) {
			recordOutcome("unsubscribe", "not_found")
			return ErrSubscriberNotFound
		}
		recordOutcome("unsubscribe", "failed")
		return storageError("find subscriber", err)
	}

	if err := s.repo.DeleteByTokenAndEmail(ctx, token, email); err != nil {
		if errors.Is(err, ErrSubscriberNotFound) {
			recordOutcome("unsubscribe", "not_found")
			return ErrSubscriberNotFound
		}
		recordOutcome("unsubscribe", "failed")
		return storageError("delete subscriber", err)
	}

	ctxlog.FromContext(ctx).Info("subscriber removed", "subscriber_id", sub.ID)
	recordOutcome("unsubscribe", "removed")
	return nil
}

// RefreshCounts updates the subscriber count gauges.
func (s *Service) RefreshCounts(ctx context.Context) error {
	pending, confirmed, err := s.repo.CountByState(ctx)
	if err != nil {
		return storageError("count subscribers", err)
	}
	RecordSubscriberCounts(pending, confirmed)
	return nil
}
