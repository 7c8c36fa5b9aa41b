package lifecycle

import (
	"context"

	"github.com/tallypay/tally/internal/errors"
	"github.com/tallypay/tally/internal/events"
	"github.com/tallypay/tally/internal/state"
	"github.com/tallypay/tally/internal/store"
	"github.com/tallypay/tally/internal/validate"
	"github.com/tallypay/tally/pkg/ledger"
)

// RegisterDeployer records the key allowed to create the config. It can
// be set once.
func (c *Controller) RegisterDeployer(ctx context.Context, deployer ledger.Address) error {
	const op = "register_deployer"
	return c.run(ctx, op, func(tx store.Tx, in *instruction) error {
		if deployer.IsZero() {
			return errors.Newf(op, errors.ErrInvalidConfiguration, "deployer is required")
		}
		if _, err := tx.Deployer(); err == nil {
			return errors.New(op, errors.ErrAlreadyInitialized)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return tx.PutDeployer(deployer)
	})
}

// InitConfig creates the singleton config. Only the registered deployer
// may call it, once.
func (c *Controller) InitConfig(ctx context.Context, signer ledger.Address, args state.InitConfigArgs) (state.Config, error) {
	const op = "init_config"
	var out state.Config
	err := c.run(ctx, op, func(tx store.Tx, in *instruction) error {
		deployer, err := tx.Deployer()
		if errors.Is(err, store.ErrNotFound) {
			return errors.Newf(op, errors.ErrUnauthorized, "no deployer registered")
		} else if err != nil {
			return err
		}
		if err := validate.RequireSigner(op, signer, deployer); err != nil {
			return err
		}
		if _, err := tx.Config(); err == nil {
			return errors.New(op, errors.ErrAlreadyInitialized)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		cfg, err := state.NewConfig(args)
		if err != nil {
			return err
		}
		if _, err := tx.Mint(cfg.AllowedMint); err != nil {
			return errors.Newf(op, errors.ErrWrongMint, "allowed mint %s does not exist", cfg.AllowedMint.Short())
		}
		if err := tx.PutConfig(cfg); err != nil {
			return err
		}
		out = cfg
		in.emit(events.ConfigInitialized{
			PlatformAuthority:       cfg.PlatformAuthority,
			MinPlatformFeeBps:       cfg.MinPlatformFeeBps,
			MaxPlatformFeeBps:       cfg.MaxPlatformFeeBps,
			MinPeriodSeconds:        cfg.MinPeriodSeconds,
			DefaultAllowancePeriods: cfg.DefaultAllowancePeriods,
			AllowedMint:             cfg.AllowedMint,
			MaxWithdrawalAmount:     cfg.MaxWithdrawalAmount,
			MaxGracePeriodSeconds:   cfg.MaxGracePeriodSeconds,
			KeeperFeeBps:            cfg.KeeperFeeBps,
			Timestamp:               in.now,
		})
		return nil
	})
	return out, err
}

// UpdateConfig applies a bounded config update signed by the platform
// authority.
func (c *Controller) UpdateConfig(ctx context.Context, signer ledger.Address, u state.ConfigUpdate) (state.Config, error) {
	const op = "update_config"
	var out state.Config
	err := c.run(ctx, op, func(tx store.Tx, in *instruction) error {
		cfg, err := loadConfig(tx, op)
		if err != nil {
			return err
		}
		if err := validate.RequireSigner(op, signer, cfg.PlatformAuthority); err != nil {
			return err
		}
		next, err := cfg.Apply(u)
		if err != nil {
			return err
		}
		if err := tx.PutConfig(next); err != nil {
			return err
		}
		out = next
		in.emit(events.ConfigUpdated{
			Fields:                  u.Fields(),
			KeeperFeeBps:            next.KeeperFeeBps,
			MaxWithdrawalAmount:     next.MaxWithdrawalAmount,
			MaxGracePeriodSeconds:   next.MaxGracePeriodSeconds,
			MinPlatformFeeBps:       next.MinPlatformFeeBps,
			MaxPlatformFeeBps:       next.MaxPlatformFeeBps,
			MinPeriodSeconds:        next.MinPeriodSeconds,
			DefaultAllowancePeriods: next.DefaultAllowancePeriods,
			Version:                 next.Version,
			UpdatedBy:               signer,
		})
		return nil
	})
	return out, err
}

// PauseProgram stops new subscriptions, renewals, plans and merchants.
// Administrative instructions keep working.
func (c *Controller) PauseProgram(ctx context.Context, signer ledger.Address) error {
	return c.setPaused(ctx, "pause", signer, true)
}

// UnpauseProgram lifts a pause.
func (c *Controller) UnpauseProgram(ctx context.Context, signer ledger.Address) error {
	return c.setPaused(ctx, "unpause", signer, false)
}

func (c *Controller) setPaused(ctx context.Context, op string, signer ledger.Address, paused bool) error {
	return c.run(ctx, op, func(tx store.Tx, in *instruction) error {
		cfg, err := loadConfig(tx, op)
		if err != nil {
			return err
		}
		if err := validate.RequireSigner(op, signer, cfg.PlatformAuthority); err != nil {
			return err
		}
		cfg.Paused = paused
		cfg.Version++
		if err := tx.PutConfig(cfg); err != nil {
			return err
		}
		if paused {
			in.emit(events.ProgramPaused{Authority: signer, Timestamp: in.now})
		} else {
			in.emit(events.ProgramUnpaused{Authority: signer, Timestamp: in.now})
		}
		return nil
	})
}

// TransferAuthority proposes a new platform authority. The proposal takes
// effect only when the proposed key accepts it.
func (c *Controller) TransferAuthority(ctx context.Context, signer, proposed ledger.Address) error {
	const op = "transfer_authority"
	return c.run(ctx, op, func(tx store.Tx, in *instruction) error {
		cfg, err := loadConfig(tx, op)
		if err != nil {
			return err
		}
		if err := validate.RequireSigner(op, signer, cfg.PlatformAuthority); err != nil {
			return err
		}
		if cfg.PendingAuthority != nil {
			return errors.Newf(op, errors.ErrTransferAlreadyPending, "pending %s", cfg.PendingAuthority.Short())
		}
		if proposed.IsZero() || proposed == cfg.PlatformAuthority {
			return errors.Newf(op, errors.ErrInvalidTransferTarget, "target %s", proposed.Short())
		}
		cfg.PendingAuthority = &proposed
		cfg.Version++
		if err := tx.PutConfig(cfg); err != nil {
			return err
		}
		in.emit(events.AuthorityTransferProposed{Current: cfg.PlatformAuthority, Proposed: proposed})
		return nil
	})
}

// AcceptAuthority completes a pending transfer. The signer must be the
// proposed authority.
func (c *Controller) AcceptAuthority(ctx context.Context, signer ledger.Address) error {
	const op = "accept_authority"
	return c.run(ctx, op, func(tx store.Tx, in *instruction) error {
		cfg, err := loadConfig(tx, op)
		if err != nil {
			return err
		}
		if cfg.PendingAuthority == nil {
			return errors.New(op, errors.ErrNoPendingTransfer)
		}
		if err := validate.RequireSigner(op, signer, *cfg.PendingAuthority); err != nil {
			return err
		}
		previous := cfg.PlatformAuthority
		cfg.PlatformAuthority = signer
		cfg.PendingAuthority = nil
		cfg.Version++
		if err := tx.PutConfig(cfg); err != nil {
			return err
		}
		in.emit(events.AuthorityTransferAccepted{Previous: previous, Current: signer})
		return nil
	})
}

// CancelAuthorityTransfer withdraws a pending proposal.
func (c *Controller) CancelAuthorityTransfer(ctx context.Context, signer ledger.Address) error {
	const op = "cancel_authority_transfer"
	return c.run(ctx, op, func(tx store.Tx, in *instruction) error {
		cfg, err := loadConfig(tx, op)
		if err != nil {
			return err
		}
		if err := validate.RequireSigner(op, signer, cfg.PlatformAuthority); err != nil {
			return err
		}
		if cfg.PendingAuthority == nil {
			return errors.New(op, errors.ErrNoPendingTransfer)
		}
		withdrawn := *cfg.PendingAuthority
		cfg.PendingAuthority = nil
		cfg.Version++
		if err := tx.PutConfig(cfg); err != nil {
			return err
		}
		in.emit(events.AuthorityTransferCanceled{Authority: signer, Withdrawn: withdrawn})
		return nil
	})
}

// AdminWithdrawFees moves collected platform fees from the platform
// treasury to destination, bounded by the configured withdrawal cap.
func (c *Controller) AdminWithdrawFees(ctx context.Context, signer, destination ledger.Address, amount uint64) error {
	const op = "admin_withdraw_fees"
	return c.run(ctx, op, func(tx store.Tx, in *instruction) error {
		cfg, err := loadConfig(tx, op)
		if err != nil {
			return err
		}
		if err := validate.RequireSigner(op, signer, cfg.PlatformAuthority); err != nil {
			return err
		}
		if amount == 0 {
			return errors.Newf(op, errors.ErrInvalidAmount, "amount must be non-zero")
		}
		if amount > cfg.MaxWithdrawalAmount {
			return errors.Newf(op, errors.ErrWithdrawLimitExceeded, "amount %d above cap %d", amount, cfg.MaxWithdrawalAmount)
		}

		treasury, err := tx.TokenAccount(cfg.PlatformTreasury())
		if err != nil {
			return err
		}
		if err := validate.PlatformTreasury(op, treasury, cfg); err != nil {
			return err
		}
		dest, err := tx.TokenAccount(destination)
		if err != nil {
			return err
		}
		if err := validate.Mint(op, dest.Mint, cfg.AllowedMint); err != nil {
			return err
		}
		if err := validate.Funds(op, treasury, amount); err != nil {
			return err
		}
		mint, err := tx.Mint(cfg.AllowedMint)
		if err != nil {
			return err
		}
		if err := ledger.TransferChecked(tx, ledger.Transfer{
			Source:      treasury.Address,
			Destination: destination,
			Mint:        cfg.AllowedMint,
			Authority:   signer,
			Amount:      amount,
			Decimals:    mint.Decimals,
		}); err != nil {
			return err
		}
		in.emit(events.FeesWithdrawn{
			PlatformAuthority: signer,
			Destination:       destination,
			Amount:            amount,
			Timestamp:         in.now,
		})
		return nil
	})
}
