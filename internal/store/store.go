// Package store holds protocol and token account state and runs each
// instruction as one atomic unit of work against it.
package store

import (
	"context"
	"errors"

	"github.com/tallypay/tally/internal/state"
	"github.com/tallypay/tally/pkg/ledger"
)

// ErrNotFound is returned when a protocol record does not exist. Missing
// token accounts and mints use the ledger errors instead.
var ErrNotFound = errors.New("record not found")

// Store runs functions against a consistent snapshot. Update commits only
// when fn returns nil; concurrent Updates are serialized.
type Store interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Tx is the state visible to one unit of work.
type Tx interface {
	ledger.Accounts

	Deployer() (ledger.Address, error)
	PutDeployer(addr ledger.Address) error

	Config() (state.Config, error)
	PutConfig(cfg state.Config) error

	Merchant(addr ledger.Address) (state.Merchant, error)
	PutMerchant(m state.Merchant) error

	Plan(addr ledger.Address) (state.Plan, error)
	PutPlan(p state.Plan) error
	PlansByMerchant(merchant ledger.Address) ([]state.Plan, error)

	Subscription(addr ledger.Address) (state.Subscription, error)
	PutSubscription(s state.Subscription) error
	DeleteSubscription(addr ledger.Address) error

	// DueSubscriptions lists active subscriptions that can be renewed at
	// now: NextDueTs <= now and still inside the plan's grace period,
	// earliest first. Subscriptions past grace are left out so they cannot
	// crowd renewable ones out of a batch.
	DueSubscriptions(now int64, limit int) ([]state.Subscription, error)
	SubscriptionCounts() (map[state.Status]int, error)

	PutMint(m ledger.Mint) error

	// NativeBalance is the balance that pays for record storage.
	NativeBalance(owner ledger.Address) (uint64, error)
	PutNativeBalance(owner ledger.Address, amount uint64) error
}

// IsNotFound reports whether err means a record, token account or mint is
// missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ledger.ErrAccountNotFound) ||
		errors.Is(err, ledger.ErrMintNotFound)
}
