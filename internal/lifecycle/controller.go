// Package lifecycle executes protocol instructions: each call validates its
// inputs, applies the state transition and token movements inside one store
// update, and delivers the resulting events after commit.
package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tallypay/tally/internal/errors"
	"github.com/tallypay/tally/internal/events"
	"github.com/tallypay/tally/internal/logging"
	"github.com/tallypay/tally/internal/settlement"
	"github.com/tallypay/tally/internal/state"
	"github.com/tallypay/tally/internal/store"
	"github.com/tallypay/tally/pkg/ledger"
)

// Observer receives instruction outcomes and settled amounts.
type Observer interface {
	ObserveInstruction(op string, err error, elapsed time.Duration)
	ObserveSettlement(split settlement.Split)
}

type nopObserver struct{}

func (nopObserver) ObserveInstruction(string, error, time.Duration) {}
func (nopObserver) ObserveSettlement(settlement.Split)               {}

// Controller is the instruction surface of the protocol.
type Controller struct {
	store    store.Store
	sink     events.Sink
	observer Observer
	clock    func() time.Time
	scope    state.DelegateScope
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithDelegateScope selects the delegate identity payers approve. The same
// identity is expected at start, renewal and cancel.
func WithDelegateScope(scope state.DelegateScope) Option {
	return func(c *Controller) { c.scope = scope }
}

// WithSink sets where committed events go.
func WithSink(sink events.Sink) Option {
	return func(c *Controller) { c.sink = sink }
}

// WithObserver sets the metrics observer.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// New creates a controller over st.
func New(st store.Store, opts ...Option) *Controller {
	c := &Controller{
		store:    st,
		sink:     events.LogSink{},
		observer: nopObserver{},
		clock:    time.Now,
		scope:    state.DelegateGlobal,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DelegateScope returns the configured delegate scope.
func (c *Controller) DelegateScope() state.DelegateScope { return c.scope }

// Delegate returns the spending delegate payers of merchant must approve.
func (c *Controller) Delegate(merchant ledger.Address) ledger.Address {
	return state.DelegateAddress(c.scope, merchant)
}

// instruction collects what one call emits.
type instruction struct {
	id     string
	op     string
	at     time.Time
	now    int64
	log    zerolog.Logger
	emits  []events.Event
	events []events.Event
	splits []settlement.Split
}

func (in *instruction) emit(e events.Event) {
	in.emits = append(in.emits, e)
}

func (in *instruction) settled(split settlement.Split) {
	in.splits = append(in.splits, split)
}

func (in *instruction) records(committed bool) []events.Record {
	var out []events.Record
	for _, e := range in.events {
		if committed || events.IsDiagnostic(e) {
			out = append(out, events.NewRecord(in.id, in.op, in.at, e))
		}
	}
	return out
}

// run executes fn as one atomic instruction.
func (c *Controller) run(ctx context.Context, op string, fn func(tx store.Tx, in *instruction) error) error {
	started := time.Now()
	ctx, id := logging.WithInstructionID(ctx, logging.InstructionID(ctx))
	at := c.clock().UTC()
	in := &instruction{
		id:  id,
		op:  op,
		at:  at,
		now: at.Unix(),
		log: logging.FromContext(ctx).With().Str("op", op).Logger(),
	}

	err := c.store.Update(ctx, func(tx store.Tx) error {
		in.emits = in.emits[:0]
		in.splits = in.splits[:0]
		err := fn(tx, in)
		in.events = append(in.events[:0], in.emits...)
		return err
	})
	if err != nil {
		err = errors.WithOp(classify(err), op)
	}

	if records := in.records(err == nil); len(records) > 0 {
		if derr := c.sink.Deliver(ctx, records); derr != nil {
			in.log.Error().Err(derr).Msg("Event delivery failed")
		}
	}
	c.observer.ObserveInstruction(op, err, time.Since(started))

	if err != nil {
		ev := in.log.Debug()
		if errors.KindOf(err) == errors.KindInternal {
			ev = in.log.Error()
		}
		ev.Err(err).Str("kind", string(errors.KindOf(err))).Bool("retryable", errors.IsRetryableError(err)).Msg("Instruction failed")
		return err
	}
	for _, split := range in.splits {
		c.observer.ObserveSettlement(split)
	}
	in.log.Debug().Int("events", len(in.events)).Msg("Instruction committed")
	return nil
}

// view runs a read-only function against the current state.
func (c *Controller) view(ctx context.Context, op string, fn func(tx store.Tx) error) error {
	if err := c.store.View(ctx, fn); err != nil {
		return errors.WithOp(classify(err), op)
	}
	return nil
}

// classify turns store and ledger failures into protocol errors. Protocol
// errors and unknown failures pass through unchanged.
func classify(err error) error {
	var pe *errors.ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	code, ok := ledgerCode(err)
	if !ok {
		return err
	}
	return errors.Newf("", code, "%v", err)
}

func ledgerCode(err error) (error, bool) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, ledger.ErrAccountNotFound):
		return errors.ErrNotFound, true
	case errors.Is(err, ledger.ErrMintNotFound), errors.Is(err, ledger.ErrMintMismatch),
		errors.Is(err, ledger.ErrDecimalsMismatch):
		return errors.ErrWrongMint, true
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return errors.ErrInsufficientFunds, true
	case errors.Is(err, ledger.ErrInsufficientDelegation):
		return errors.ErrInsufficientAllowance, true
	case errors.Is(err, ledger.ErrOwnerMismatch):
		return errors.ErrUnauthorized, true
	case errors.Is(err, ledger.ErrOverflow):
		return errors.ErrArithmetic, true
	default:
		return nil, false
	}
}

func loadConfig(tx store.Tx, op string) (state.Config, error) {
	cfg, err := tx.Config()
	if errors.Is(err, store.ErrNotFound) {
		return cfg, errors.Newf(op, errors.ErrNotFound, "config not initialized")
	}
	return cfg, err
}

func requireUnpaused(op string, cfg state.Config) error {
	if cfg.Paused {
		return errors.Newf(op, errors.ErrInactive, "program paused")
	}
	return nil
}

// Config returns the current config.
func (c *Controller) Config(ctx context.Context) (state.Config, error) {
	var cfg state.Config
	err := c.view(ctx, "get_config", func(tx store.Tx) error {
		var err error
		cfg, err = loadConfig(tx, "get_config")
		return err
	})
	return cfg, err
}

// Merchant returns the merchant record at addr.
func (c *Controller) Merchant(ctx context.Context, addr ledger.Address) (state.Merchant, error) {
	var m state.Merchant
	err := c.view(ctx, "get_merchant", func(tx store.Tx) error {
		var err error
		m, err = tx.Merchant(addr)
		return err
	})
	return m, err
}

// Plan returns the plan record at addr.
func (c *Controller) Plan(ctx context.Context, addr ledger.Address) (state.Plan, error) {
	var p state.Plan
	err := c.view(ctx, "get_plan", func(tx store.Tx) error {
		var err error
		p, err = tx.Plan(addr)
		return err
	})
	return p, err
}

// Plans lists the plans of a merchant.
func (c *Controller) Plans(ctx context.Context, merchant ledger.Address) ([]state.Plan, error) {
	var plans []state.Plan
	err := c.view(ctx, "list_plans", func(tx store.Tx) error {
		var err error
		plans, err = tx.PlansByMerchant(merchant)
		return err
	})
	return plans, err
}

// Subscription returns the subscription record at addr.
func (c *Controller) Subscription(ctx context.Context, addr ledger.Address) (state.Subscription, error) {
	var s state.Subscription
	err := c.view(ctx, "get_subscription", func(tx store.Tx) error {
		var err error
		s, err = tx.Subscription(addr)
		return err
	})
	return s, err
}

// DueSubscriptions lists active subscriptions due at now and still inside
// their grace period.
func (c *Controller) DueSubscriptions(ctx context.Context, now int64, limit int) ([]state.Subscription, error) {
	var due []state.Subscription
	err := c.view(ctx, "list_due", func(tx store.Tx) error {
		var err error
		due, err = tx.DueSubscriptions(now, limit)
		return err
	})
	return due, err
}

// SubscriptionCounts returns the number of subscriptions in each status.
func (c *Controller) SubscriptionCounts(ctx context.Context) (map[state.Status]int, error) {
	var counts map[state.Status]int
	err := c.view(ctx, "count_subscriptions", func(tx store.Tx) error {
		var err error
		counts, err = tx.SubscriptionCounts()
		return err
	})
	return counts, err
}

// TokenAccount returns a token account.
func (c *Controller) TokenAccount(ctx context.Context, addr ledger.Address) (ledger.TokenAccount, error) {
	var a ledger.TokenAccount
	err := c.view(ctx, "get_token_account", func(tx store.Tx) error {
		var err error
		a, err = tx.TokenAccount(addr)
		return err
	})
	return a, err
}
