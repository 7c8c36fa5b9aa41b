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

// InitMerchant registers authority as a merchant settling into treasury.
// It returns the derived merchant address.
func (c *Controller) InitMerchant(ctx context.Context, authority, treasury, mint ledger.Address) (ledger.Address, error) {
	const op = "init_merchant"
	addr := state.MerchantAddress(authority)
	err := c.run(ctx, op, func(tx store.Tx, in *instruction) error {
		cfg, err := loadConfig(tx, op)
		if err != nil {
			return err
		}
		if err := requireUnpaused(op, cfg); err != nil {
			return err
		}
		if authority.IsZero() {
			return errors.Newf(op, errors.ErrUnauthorized, "missing signer")
		}
		if err := validate.Mint(op, mint, cfg.AllowedMint); err != nil {
			return err
		}
		acct, err := tx.TokenAccount(treasury)
		if err != nil {
			return err
		}
		if err := validate.TokenAccount(op, acct, authority, mint); err != nil {
			return err
		}
		if _, err := tx.Merchant(addr); err == nil {
			return errors.Newf(op, errors.ErrAlreadyInitialized, "merchant %s", addr.Short())
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}

		m := state.Merchant{
			Address:            addr,
			Authority:          authority,
			USDCMint:           mint,
			Treasury:           treasury,
			VolumeTier:         state.TierStandard,
			LastVolumeUpdateTs: in.now,
		}
		if err := tx.PutMerchant(m); err != nil {
			return err
		}
		in.emit(events.MerchantInitialized{
			Merchant:       addr,
			Authority:      authority,
			USDCMint:       mint,
			Treasury:       treasury,
			VolumeTier:     m.VolumeTier,
			PlatformFeeBps: m.VolumeTier.FeeBps(),
			Timestamp:      in.now,
		})
		return nil
	})
	return addr, err
}

// UpdateMerchantTier overrides a merchant's tier. The next settlement
// re-derives the tier from volume.
func (c *Controller) UpdateMerchantTier(ctx context.Context, signer, merchant ledger.Address, tier state.VolumeTier) error {
	const op = "update_merchant_tier"
	return c.run(ctx, op, func(tx store.Tx, in *instruction) error {
		cfg, err := loadConfig(tx, op)
		if err != nil {
			return err
		}
		m, err := tx.Merchant(merchant)
		if err != nil {
			return err
		}
		if err := validate.RequireMerchantOrPlatform(op, signer, m, cfg); err != nil {
			return err
		}
		if !tier.Valid() {
			return errors.Newf(op, errors.ErrInvalidConfiguration, "unknown tier %d", uint8(tier))
		}
		if !cfg.AllowsFee(tier.FeeBps()) {
			return errors.Newf(op, errors.ErrInvalidConfiguration, "tier %s fee %d bps outside [%d, %d]",
				tier, tier.FeeBps(), cfg.MinPlatformFeeBps, cfg.MaxPlatformFeeBps)
		}
		old := m.VolumeTier
		m.VolumeTier = tier
		if err := tx.PutMerchant(m); err != nil {
			return err
		}
		in.emit(events.MerchantTierChanged{
			Merchant:  merchant,
			OldTier:   old,
			NewTier:   tier,
			NewFeeBps: tier.FeeBps(),
			ChangedBy: signer,
		})
		return nil
	})
}

// CreatePlan adds a plan to the signer's merchant and returns its address.
func (c *Controller) CreatePlan(ctx context.Context, signer ledger.Address, args state.CreatePlanArgs) (ledger.Address, error) {
	const op = "create_plan"
	var addr ledger.Address
	err := c.run(ctx, op, func(tx store.Tx, in *instruction) error {
		cfg, err := loadConfig(tx, op)
		if err != nil {
			return err
		}
		if err := requireUnpaused(op, cfg); err != nil {
			return err
		}
		m, err := tx.Merchant(state.MerchantAddress(signer))
		if errors.Is(err, store.ErrNotFound) {
			return errors.Newf(op, errors.ErrUnauthorized, "signer %s is not a merchant", signer.Short())
		} else if err != nil {
			return err
		}
		if err := validate.RequireSigner(op, signer, m.Authority); err != nil {
			return err
		}

		p, err := state.NewPlan(cfg, m.Address, args)
		if err != nil {
			return errors.WithOp(err, op)
		}
		if _, err := tx.Plan(p.Address); err == nil {
			return errors.Newf(op, errors.ErrPlanAlreadyExists, "plan %q", args.PlanID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := tx.PutPlan(p); err != nil {
			return err
		}
		addr = p.Address
		in.emit(events.PlanCreated{
			Plan:          p.Address,
			Merchant:      m.Address,
			PlanID:        p.PlanID.String(),
			Amount:        p.Amount,
			PeriodSeconds: p.PeriodSeconds,
			GraceSeconds:  p.GraceSeconds,
			Timestamp:     in.now,
		})
		return nil
	})
	return addr, err
}

// UpdatePlanTerms changes price, period, grace or name. Existing
// subscriptions pick up the new terms at their next renewal.
func (c *Controller) UpdatePlanTerms(ctx context.Context, signer, plan ledger.Address, u state.PlanTermsUpdate) (state.Plan, error) {
	const op = "update_plan_terms"
	var out state.Plan
	err := c.run(ctx, op, func(tx store.Tx, in *instruction) error {
		cfg, m, p, err := loadPlanForMerchant(tx, op, signer, plan)
		if err != nil {
			return err
		}
		next, err := p.ApplyTerms(cfg, u)
		if err != nil {
			return errors.WithOp(err, op)
		}
		if err := tx.PutPlan(next); err != nil {
			return err
		}
		out = next

		ev := events.PlanTermsUpdated{Plan: p.Address, Merchant: m.Address, UpdatedBy: signer}
		if u.Amount != nil {
			ev.OldAmount, ev.NewAmount = ptr(p.Amount), ptr(next.Amount)
		}
		if u.PeriodSeconds != nil {
			ev.OldPeriod, ev.NewPeriod = ptr(p.PeriodSeconds), ptr(next.PeriodSeconds)
		}
		if u.GraceSeconds != nil {
			ev.OldGrace, ev.NewGrace = ptr(p.GraceSeconds), ptr(next.GraceSeconds)
		}
		in.emit(ev)
		return nil
	})
	return out, err
}

// SetPlanActive opens or closes a plan to new subscriptions.
func (c *Controller) SetPlanActive(ctx context.Context, signer, plan ledger.Address, active bool) error {
	const op = "set_plan_active"
	return c.run(ctx, op, func(tx store.Tx, in *instruction) error {
		_, m, p, err := loadPlanForMerchant(tx, op, signer, plan)
		if err != nil {
			return err
		}
		p.Active = active
		if err := tx.PutPlan(p); err != nil {
			return err
		}
		in.emit(events.PlanStatusChanged{Plan: p.Address, Merchant: m.Address, Active: active, ChangedBy: signer})
		return nil
	})
}

// loadPlanForMerchant loads a plan and its merchant and checks that signer
// is the merchant or platform authority.
func loadPlanForMerchant(tx store.Tx, op string, signer, plan ledger.Address) (state.Config, state.Merchant, state.Plan, error) {
	cfg, err := loadConfig(tx, op)
	if err != nil {
		return cfg, state.Merchant{}, state.Plan{}, err
	}
	p, err := tx.Plan(plan)
	if err != nil {
		return cfg, state.Merchant{}, p, err
	}
	if err := validate.VerifyPlan(op, plan, p); err != nil {
		return cfg, state.Merchant{}, p, err
	}
	m, err := tx.Merchant(p.Merchant)
	if err != nil {
		return cfg, m, p, err
	}
	if err := validate.RequireMerchantOrPlatform(op, signer, m, cfg); err != nil {
		return cfg, m, p, err
	}
	return cfg, m, p, nil
}

func ptr[T any](v T) *T { return &v }
