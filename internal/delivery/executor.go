package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/omnipost/beam/internal/attempt"
	"github.com/omnipost/beam/internal/audience"
	"github.com/omnipost/beam/internal/broadcast"
	"github.com/omnipost/beam/internal/channel"
	"github.com/omnipost/beam/internal/compose"
	"github.com/omnipost/beam/internal/contact"
	"github.com/omnipost/beam/internal/eligibility"
	"github.com/omnipost/beam/internal/events"
	"github.com/omnipost/beam/internal/metrics"
	"github.com/omnipost/beam/internal/transport"
)

// Config tunes the retry policy shared by all channels.
type Config struct {
	MaxRetries    int
	RetryInterval time.Duration
}

// Executor fans one claimed broadcast out to its audience. The broadcast is
// already in sending when Execute is called; the executor owns it until it
// finalizes or fails fatally.
type Executor struct {
	repo       *broadcast.Repository
	audience   *audience.Engine
	attempts   *attempt.Store
	transports *transport.Registry
	channels   *channel.Registry
	events     events.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger

	maxRetries    int
	retryInterval time.Duration
}

func NewExecutor(
	repo *broadcast.Repository,
	aud *audience.Engine,
	attempts *attempt.Store,
	transports *transport.Registry,
	channels *channel.Registry,
	pub events.Publisher,
	m *metrics.Metrics,
	cfg Config,
	logger *slog.Logger,
) *Executor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	return &Executor{
		repo:          repo,
		audience:      aud,
		attempts:      attempts,
		transports:    transports,
		channels:      channels,
		events:        pub,
		metrics:       m,
		logger:        logger.With("component", "delivery"),
		maxRetries:    cfg.MaxRetries,
		retryInterval: cfg.RetryInterval,
	}
}

// Execute streams the audience, prunes ineligible contacts, and sends to the
// rest through a bounded worker pool. On success the broadcast is finalized
// to sent or failed with its totals. A fatal error (audience stream broken,
// storage down, shutdown) returns without finalizing so recovery can resume
// the run; completed attempts are on disk and will not be re-sent.
func (e *Executor) Execute(ctx context.Context, b *broadcast.Broadcast) error {
	pol, err := e.channels.PolicyFor(b.Channel)
	if err != nil {
		return err
	}
	tr, err := e.transports.For(b.Channel)
	if err != nil {
		return err
	}

	logger := e.logger.With("broadcast_id", b.ID, "channel", string(b.Channel))
	logger.Info("starting delivery", "workers", pol.Workers, "rate_per_sec", pol.RatePerSec)

	e.metrics.BroadcastsInFlight.Inc()
	defer e.metrics.BroadcastsInFlight.Dec()

	limiter := rate.NewLimiter(rate.Limit(pol.RatePerSec), 1)
	candidates, errc := e.audience.Candidates(ctx, b.WorkspaceID, b.Channel, b.Filters)

	var skipped atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < pol.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range candidates {
				e.deliverOne(ctx, b, c, pol, tr, limiter, &skipped, logger)
			}
		}()
	}
	wg.Wait()

	if err := <-errc; err != nil {
		logger.Error("audience stream failed, leaving broadcast in sending", "error", err)
		return fmt.Errorf("audience stream: %w", err)
	}
	if ctx.Err() != nil {
		logger.Warn("delivery interrupted, leaving broadcast in sending")
		return ctx.Err()
	}

	return e.finalize(ctx, b, int(skipped.Load()), logger)
}

func (e *Executor) deliverOne(
	ctx context.Context,
	b *broadcast.Broadcast,
	c *contact.Contact,
	pol channel.Policy,
	tr transport.Transport,
	limiter *rate.Limiter,
	skipped *atomic.Int64,
	logger *slog.Logger,
) {
	res := eligibility.Evaluate(c, b.Channel, pol, b.IsTemplate, time.Now().UTC())
	if !res.Eligible {
		skipped.Add(1)
		e.metrics.SkipsTotal.WithLabelValues(string(b.Channel), string(res.Reason)).Inc()
		logger.Debug("contact skipped", "contact_id", c.ID, "reason", string(res.Reason))
		return
	}
	if res.ComplianceWarning {
		logger.Warn("sending outside messaging window", "contact_id", c.ID)
	}

	to, _ := c.Identity(b.Channel)

	payload, err := compose.Render(b.Content, pol, c)
	if err != nil {
		e.recordFailure(b, c, to, nil, 0, "render: "+err.Error(), logger)
		return
	}

	stored, created, err := e.attempts.CreateIfAbsent(&attempt.Attempt{
		BroadcastID: b.ID,
		ContactID:   c.ID,
		Channel:     b.Channel,
		PayloadHash: payload.Hash(),
	})
	if err != nil {
		logger.Error("attempt store unavailable", "contact_id", c.ID, "error", err)
		return
	}
	if !created && stored.Outcome.Terminal() {
		// Already decided on a previous run.
		return
	}

	msg := &transport.Message{
		BroadcastID: b.ID,
		ContactID:   c.ID,
		Channel:     b.Channel,
		To:          to,
		Subject:     b.Name,
		Payload:     payload,
	}

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		sendCtx, cancel := context.WithTimeout(ctx, pol.SendTimeout)
		start := time.Now()
		err := tr.Send(sendCtx, msg)
		cancel()
		e.metrics.SendDurationSeconds.WithLabelValues(string(b.Channel)).Observe(time.Since(start).Seconds())

		stored.AttemptCount++
		stored.LastAttemptAt = time.Now().UTC()

		if err == nil {
			stored.Outcome = attempt.OutcomeSent
			stored.FailureReason = ""
			if err := e.attempts.Update(stored); err != nil {
				logger.Error("failed to record sent attempt", "contact_id", c.ID, "error", err)
			}
			e.metrics.SendsTotal.WithLabelValues(string(b.Channel)).Inc()
			return
		}

		if ctx.Err() != nil {
			// Shutdown mid-send: leave the attempt pending for resume.
			e.attempts.Update(stored)
			return
		}

		if transport.IsTemporaryError(err) && stored.AttemptCount < e.maxRetries {
			e.metrics.RetriesTotal.WithLabelValues(string(b.Channel)).Inc()
			backoff := e.calculateBackoff(stored.AttemptCount)
			logger.Debug("send deferred",
				"contact_id", c.ID,
				"attempt", stored.AttemptCount,
				"backoff", backoff,
				"error", err,
			)
			select {
			case <-time.After(backoff):
				continue
			case <-ctx.Done():
				e.attempts.Update(stored)
				return
			}
		}

		errorType := "permanent"
		if transport.IsTemporaryError(err) {
			errorType = "exhausted"
		}
		e.recordFailure(b, c, to, stored, stored.AttemptCount, err.Error(), logger)
		e.metrics.FailuresTotal.WithLabelValues(string(b.Channel), errorType).Inc()
		return
	}
}

func (e *Executor) recordFailure(
	b *broadcast.Broadcast,
	c *contact.Contact,
	to string,
	stored *attempt.Attempt,
	count int,
	reason string,
	logger *slog.Logger,
) {
	if stored == nil {
		var err error
		stored, _, err = e.attempts.CreateIfAbsent(&attempt.Attempt{
			BroadcastID: b.ID,
			ContactID:   c.ID,
			Channel:     b.Channel,
		})
		if err != nil {
			logger.Error("attempt store unavailable", "contact_id", c.ID, "error", err)
			return
		}
		if stored.Outcome.Terminal() {
			return
		}
	}
	stored.Outcome = attempt.OutcomeFailed
	stored.FailureReason = reason
	if count > stored.AttemptCount {
		stored.AttemptCount = count
	}
	stored.LastAttemptAt = time.Now().UTC()
	if err := e.attempts.Update(stored); err != nil {
		logger.Error("failed to record failed attempt", "contact_id", c.ID, "error", err)
	}
	logger.Info("send failed", "contact_id", c.ID, "to", to, "reason", reason)
}

// finalize reconciles totals from the attempt store and transitions the
// broadcast to its terminal status.
func (e *Executor) finalize(ctx context.Context, b *broadcast.Broadcast, skipped int, logger *slog.Logger) error {
	totals, err := e.attempts.TotalsByBroadcast(b.ID)
	if err != nil {
		return fmt.Errorf("failed to compute totals: %w", err)
	}

	b.Totals = broadcast.Totals{
		Sent:    totals.Sent,
		Failed:  totals.Failed + totals.Pending,
		Skipped: skipped,
	}
	if err := e.repo.UpdateTotals(ctx, b.ID, b.Totals); err != nil {
		return fmt.Errorf("failed to persist totals: %w", err)
	}

	final := b.Totals.CompletionStatus()
	if err := e.repo.UpdateStatusCAS(ctx, b.ID, broadcast.StatusSending, final); err != nil {
		return fmt.Errorf("failed to finalize broadcast: %w", err)
	}
	b.Status = final
	e.metrics.BroadcastsCompletedTotal.WithLabelValues(string(final)).Inc()

	if err := e.events.PublishStatus(ctx, b); err != nil {
		logger.Warn("failed to publish status event", "error", err)
	}

	logger.Info("delivery complete",
		"status", string(final),
		"sent", b.Totals.Sent,
		"failed", b.Totals.Failed,
		"skipped", b.Totals.Skipped,
	)
	return nil
}

// calculateBackoff calculates exponential backoff duration
func (e *Executor) calculateBackoff(retryCount int) time.Duration {
	multiplier := 1 << (retryCount - 1) // 2^(n-1)
	if multiplier > 12 {
		multiplier = 12
	}
	backoff := e.retryInterval * time.Duration(multiplier)
	if backoff > time.Minute {
		backoff = time.Minute
	}
	return backoff
}
