// Package keeper periodically renews due subscriptions on behalf of a
// keeper key, which collects the keeper fee of each renewal.
package keeper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tallypay/tally/internal/errors"
	"github.com/tallypay/tally/internal/lifecycle"
	"github.com/tallypay/tally/internal/state"
	"github.com/tallypay/tally/pkg/ledger"
)

const (
	defaultInterval    = time.Minute
	defaultConcurrency = 4
	defaultBatchSize   = 500
)

// Result classifies one renewal attempt.
type Result string

const (
	ResultRenewed   Result = "renewed"
	ResultNotDue    Result = "not_due"
	ResultPastGrace Result = "past_grace"
	ResultFailed    Result = "failed"
)

// Renewer is the part of the controller the keeper drives.
type Renewer interface {
	DueSubscriptions(ctx context.Context, now int64, limit int) ([]state.Subscription, error)
	RenewalAccounts(ctx context.Context, sub, keeper ledger.Address) (lifecycle.RenewRequest, error)
	Renew(ctx context.Context, req lifecycle.RenewRequest) (state.Subscription, error)
}

// Observer receives one call per renewal attempt.
type Observer interface {
	ObserveKeeperRenewal(result Result)
}

// Config controls the runner.
type Config struct {
	Keeper      ledger.Address
	Interval    time.Duration
	Concurrency int
	// Rate caps renewals per second. Zero means unlimited.
	Rate      float64
	BatchSize int
	Clock     func() time.Time
	Observer  Observer
}

// Summary counts the outcomes of one pass.
type Summary struct {
	Due       int
	Renewed   int
	NotDue    int
	PastGrace int
	Failed    int
}

// Runner renews due subscriptions on a ticker.
type Runner struct {
	renewer  Renewer
	keeper   ledger.Address
	limit    int
	batch    int
	limiter  *rate.Limiter
	clock    func() time.Time
	observer Observer
	logger   zerolog.Logger

	interval atomic.Int64
	reset    chan time.Duration

	mu   sync.Mutex
	last Summary
}

// New creates a runner. Zero config values take defaults.
func New(renewer Renewer, cfg Config) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.Rate > 0 {
		burst := int(cfg.Rate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), burst)
	}

	r := &Runner{
		renewer:  renewer,
		keeper:   cfg.Keeper,
		limit:    cfg.Concurrency,
		batch:    cfg.BatchSize,
		limiter:  limiter,
		clock:    cfg.Clock,
		observer: cfg.Observer,
		logger:   log.With().Str("component", "keeper").Str("keeper", cfg.Keeper.Short()).Logger(),
		reset:    make(chan time.Duration, 1),
	}
	r.interval.Store(int64(cfg.Interval))
	return r
}

// Interval returns the current tick interval.
func (r *Runner) Interval() time.Duration {
	return time.Duration(r.interval.Load())
}

// SetInterval changes the tick interval of a running loop.
func (r *Runner) SetInterval(d time.Duration) {
	if d <= 0 || d == r.Interval() {
		return
	}
	r.interval.Store(int64(d))
	select {
	case r.reset <- d:
	default:
	}
	r.logger.Info().Dur("interval", d).Msg("Keeper interval changed")
}

// LastSummary returns the outcome of the most recent pass.
func (r *Runner) LastSummary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Run renews once immediately and then on every tick until ctx ends.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval())
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.Interval()).Int("concurrency", r.limit).Msg("Keeper started")
	r.tick(ctx)

	for {
		select {
		case <-ticker.C:
			r.tick(ctx)
		case d := <-r.reset:
			ticker.Reset(d)
		case <-ctx.Done():
			r.logger.Info().Msg("Keeper stopped")
			return nil
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	summary, err := r.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn().Err(err).Msg("Keeper pass failed")
		}
		return
	}
	if summary.Due > 0 {
		r.logger.Info().
			Int("due", summary.Due).
			Int("renewed", summary.Renewed).
			Int("notDue", summary.NotDue).
			Int("pastGrace", summary.PastGrace).
			Int("failed", summary.Failed).
			Msg("Keeper pass complete")
	}
}

// RunOnce renews every subscription due now. Individual renewal failures
// are counted, not returned.
func (r *Runner) RunOnce(ctx context.Context) (Summary, error) {
	now := r.clock().Unix()
	due, err := r.renewer.DueSubscriptions(ctx, now, r.batch)
	if err != nil {
		return Summary{}, err
	}

	var (
		mu      sync.Mutex
		summary = Summary{Due: len(due)}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit)
	for _, sub := range due {
		if err := r.limiter.Wait(gctx); err != nil {
			break
		}
		g.Go(func() error {
			result := r.renew(gctx, sub)
			mu.Lock()
			switch result {
			case ResultRenewed:
				summary.Renewed++
			case ResultNotDue:
				summary.NotDue++
			case ResultPastGrace:
				summary.PastGrace++
			default:
				summary.Failed++
			}
			mu.Unlock()
			if r.observer != nil {
				r.observer.ObserveKeeperRenewal(result)
			}
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	r.last = summary
	r.mu.Unlock()
	return summary, ctx.Err()
}

func (r *Runner) renew(ctx context.Context, sub state.Subscription) Result {
	logger := r.logger.With().Str("subscription", sub.Address.Short()).Logger()
	req, err := r.renewer.RenewalAccounts(ctx, sub.Address, r.keeper)
	if err == nil {
		_, err = r.renewer.Renew(ctx, req)
	}
	switch {
	case err == nil:
		logger.Debug().Int64("dueAt", sub.NextDueTs).Msg("Renewed subscription")
		return ResultRenewed
	case errors.Is(err, errors.ErrNotDue):
		return ResultNotDue
	case errors.Is(err, errors.ErrPastGrace):
		logger.Debug().Int64("dueAt", sub.NextDueTs).Msg("Subscription past grace period")
		return ResultPastGrace
	default:
		logger.Warn().
			Err(err).
			Str("kind", string(errors.KindOf(err))).
			Bool("retryable", errors.IsRetryableError(err)).
			Msg("Renewal failed")
		return ResultFailed
	}
}
