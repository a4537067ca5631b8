package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"retailops.org/internal/obs"
)

// Backoff returns the delay before attempt number attempt (1-based) is retried.
type Backoff func(attempt int) time.Duration

// ExponentialBackoff doubles base per attempt up to max.
func ExponentialBackoff(base, max time.Duration) Backoff {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		if d > max {
			return max
		}
		return d
	}
}

// RelayConfig tunes the outbox relay loop.
type RelayConfig struct {
	Interval    time.Duration
	BatchSize   int
	ClaimTTL    time.Duration
	MaxAttempts int
	Backoff     Backoff
}

// Relay moves committed outbox rows onto the bus. Delivery is at least once:
// a crash between publish and MarkPublished republishes the row, which
// consumers absorb through event id deduplication.
type Relay struct {
	logger    *slog.Logger
	outbox    Outbox
	publisher Publisher
	cfg       RelayConfig
	now       func() time.Time
}

// NewRelay constructs the relay with defaults for unset config fields.
func NewRelay(logger *slog.Logger, outbox Outbox, publisher Publisher, cfg RelayConfig) *Relay {
	if logger == nil {
		logger = obs.Logger()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 8
	}
	if cfg.Backoff == nil {
		cfg.Backoff = ExponentialBackoff(500*time.Millisecond, time.Minute)
	}
	return &Relay{
		logger:    logger,
		outbox:    outbox,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
	}
}

// WithClock overrides the relay time source.
func (r *Relay) WithClock(now func() time.Time) *Relay {
	if now != nil {
		r.now = now
	}
	return r
}

// Run publishes pending rows every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil {
			r.logger.ErrorContext(ctx, "outbox iteration failed",
				"module", "events.relay",
				"operation", "relay_once",
				"outcome", "failure",
				"error", err,
			)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and attempts to publish it. It returns the number
// of rows published.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	claimToken := uuid.NewString()
	now := r.now().UTC()
	records, err := r.outbox.Claim(ctx, r.cfg.BatchSize, claimToken, now.Add(r.cfg.ClaimTTL), now)
	if err != nil {
		return 0, fmt.Errorf("claim outbox: %w", err)
	}
	published, failed, deadLettered := 0, 0, 0
	for _, rec := range records {
		evt := rec.Event
		pubErr := r.publisher.Publish(ctx, evt)
		if pubErr == nil {
			published++
			obs.EventsPublished.WithLabelValues(evt.Type).Inc()
			if err := r.outbox.MarkPublished(ctx, evt.ID, claimToken, r.now().UTC()); err != nil {
				return published, fmt.Errorf("mark published %s: %w", evt.ID, err)
			}
			continue
		}

		attempts := rec.Attempts + 1
		if attempts >= r.cfg.MaxAttempts {
			deadLettered++
			obs.EventPublishFailures.WithLabelValues(evt.Type, "dead_letter").Inc()
			gap := fmt.Errorf("%w: %s %s after %d attempts: %v", ErrPublishFailure, evt.Type, evt.ID, attempts, pubErr)
			r.logger.ErrorContext(ctx, "reconciliation gap: event dead-lettered",
				"module", "events.relay",
				"operation", "publish_event",
				"outcome", "dead_letter",
				"event_id", evt.ID,
				"event_type", evt.Type,
				"subject_id", evt.SubjectID,
				"version", evt.Version,
				"attempts", attempts,
				"error", gap,
			)
			if err := r.outbox.MarkDeadLettered(ctx, evt.ID, claimToken, pubErr.Error(), r.now().UTC()); err != nil {
				return published, fmt.Errorf("mark dead-lettered %s: %w", evt.ID, err)
			}
			continue
		}

		failed++
		obs.EventPublishFailures.WithLabelValues(evt.Type, "retry").Inc()
		retryAt := r.now().UTC().Add(r.cfg.Backoff(attempts))
		r.logger.WarnContext(ctx, "event publish failed; retry scheduled",
			"module", "events.relay",
			"operation", "publish_event",
			"outcome", "retry",
			"event_id", evt.ID,
			"event_type", evt.Type,
			"attempts", attempts,
			"retry_at", retryAt,
			"error", pubErr,
		)
		if err := r.outbox.MarkFailed(ctx, evt.ID, claimToken, pubErr.Error(), retryAt); err != nil {
			return published, fmt.Errorf("mark failed %s: %w", evt.ID, err)
		}
	}
	if len(records) > 0 {
		r.logger.DebugContext(ctx, "outbox batch processed",
			"module", "events.relay",
			"batch_size", len(records),
			"published_count", published,
			"failed_count", failed,
			"dead_lettered_count", deadLettered,
		)
	}
	return published, nil
}

// Drain runs RunOnce until a batch publishes nothing. Used at shutdown and in
// tests that need the bus to settle.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.RunOnce(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}
