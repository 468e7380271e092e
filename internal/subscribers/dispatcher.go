package subscribers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bissquit/maillist/internal/domain"
	"github.com/bissquit/maillist/internal/pkg/ctxlog"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DispatcherConfig contains broadcast settings.
type DispatcherConfig struct {
	Subject     string
	Concurrency int
	// From overrides the sender's default From address for broadcasts.
	From string
	// RateLimit caps messages per second. Zero means unlimited.
	RateLimit   float64
	SendTimeout time.Duration
}

// DefaultDispatcherConfig returns default broadcast settings.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Subject:     "Newsletter",
		Concurrency: 1,
		RateLimit:   0,
		SendTimeout: 30 * time.Second,
	}
}

// DispatchResult summarises one broadcast pass.
type DispatchResult struct {
	RunID     string
	Attempted int
	Sent      int
	Failed    int
}

// Dispatcher sends the broadcast message to every confirmed subscriber.
type Dispatcher struct {
	repo     Repository
	sender   Sender
	renderer *Renderer
	source   TemplateSource
	config   DispatcherConfig
	limiter  *rate.Limiter
	now      func() time.Time
}

// NewDispatcher creates a new broadcast dispatcher.
func NewDispatcher(repo Repository, sender Sender, renderer *Renderer, source TemplateSource, config DispatcherConfig) *Dispatcher {
	defaults := DefaultDispatcherConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = defaults.SendTimeout
	}
	if config.Subject == "" {
		config.Subject = defaults.Subject
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}

	return &Dispatcher{
		repo:     repo,
		sender:   sender,
		renderer: renderer,
		source:   source,
		config:   config,
		limiter:  limiter,
		now:      time.Now,
	}
}

// Dispatch renders the broadcast template and sends it to all confirmed subscribers.
// Each recipient gets exactly one attempt; a failed send never stops the others.
func (d *Dispatcher) Dispatch(ctx context.Context) (DispatchResult, error) {
	result := DispatchResult{RunID: uuid.NewString()}
	ctx = ctxlog.With(ctx, "run_id", result.RunID)
	logger := ctxlog.FromContext(ctx)

	raw, err := d.source.Load(ctx)
	if err != nil {
		return result, fmt.Errorf("load broadcast template: %w", err)
	}
	tmpl, err := d.renderer.ParseBroadcast(raw)
	if err != nil {
		return result, err
	}

	now := d.now()

	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	g.SetLimit(d.config.Concurrency)

	for sub, err := range d.repo.ListConfirmed(ctx) {
		if err != nil {
			mu.Lock()
			errs = multierr.Append(errs, storageError("list confirmed subscribers", err))
			mu.Unlock()
			break
		}

		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("rate limiter: %w", err))
				mu.Unlock()
				break
			}
		}

		result.Attempted++
		g.Go(func() error {
			sendErr := d.send(ctx, tmpl, sub, now)

			mu.Lock()
			defer mu.Unlock()
			if sendErr != nil {
				logger.Error("failed to send broadcast",
					"subscriber_id", sub.ID,
					"error", sendErr,
				)
				result.Failed++
				errs = multierr.Append(errs, sendErr)
				return nil
			}
			result.Sent++
			return nil
		})
	}
	_ = g.Wait()

	logger.Info("broadcast dispatched",
		"attempted", result.Attempted,
		"sent", result.Sent,
		"failed", result.Failed,
	)

	return result, errs
}

func (d *Dispatcher) send(ctx context.Context, tmpl *BroadcastTemplate, sub domain.Subscriber, now time.Time) error {
	start := time.Now()

	body, err := d.renderer.RenderBroadcast(tmpl, sub, now)
	if err != nil {
		recordBroadcastSent("render_failed", time.Since(start))
		return fmt.Errorf("render broadcast for subscriber %d: %w", sub.ID, err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	defer cancel()

	err = d.sender.Send(sendCtx, Message{
		From:    d.config.From,
		To:      sub.Email,
		Subject: d.config.Subject,
		Body:    body,
	})
	if err != nil {
		recordBroadcastSent("failed", time.Since(start))
		return mailError(sub.Email, err)
	}

	recordBroadcastSent("success", time.Since(start))
	return nil
}
