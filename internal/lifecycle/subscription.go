package lifecycle

import (
	"context"
	"math"

	"github.com/tallypay/tally/internal/errors"
	"github.com/tallypay/tally/internal/events"
	"github.com/tallypay/tally/internal/settlement"
	"github.com/tallypay/tally/internal/state"
	"github.com/tallypay/tally/internal/store"
	"github.com/tallypay/tally/internal/validate"
	"github.com/tallypay/tally/pkg/ledger"
)

// StartRequest carries the accounts a payer supplies to subscribe.
type StartRequest struct {
	Payer            ledger.Address
	Plan             ledger.Address
	Subscription     ledger.Address
	PayerAccount     ledger.Address
	MerchantTreasury ledger.Address
	PlatformTreasury ledger.Address
	Mint             ledger.Address
	// AllowancePeriods raises the multi-period allowance requirement above
	// the configured default. Smaller values are ignored.
	AllowancePeriods uint8
	// TrialSeconds starts a free trial of that length when non-zero.
	TrialSeconds uint64
}

// RenewRequest carries the accounts a keeper supplies to renew.
type RenewRequest struct {
	Keeper           ledger.Address
	Subscription     ledger.Address
	PayerAccount     ledger.Address
	MerchantTreasury ledger.Address
	PlatformTreasury ledger.Address
	KeeperAccount    ledger.Address
	Mint             ledger.Address
}

// CancelRequest carries the accounts a payer supplies to cancel.
type CancelRequest struct {
	Payer        ledger.Address
	Subscription ledger.Address
	PayerAccount ledger.Address
}

// Start subscribes a payer to a plan, or reactivates a paused
// subscription. A paid start charges the first period without a keeper fee.
func (c *Controller) Start(ctx context.Context, req StartRequest) (state.Subscription, error) {
	const op = "start_subscription"
	var out state.Subscription
	err := c.run(ctx, op, func(tx store.Tx, in *instruction) error {
		cfg, err := loadConfig(tx, op)
		if err != nil {
			return err
		}
		if err := requireUnpaused(op, cfg); err != nil {
			return err
		}
		if req.Payer.IsZero() {
			return errors.Newf(op, errors.ErrUnauthorized, "missing signer")
		}

		plan, err := tx.Plan(req.Plan)
		if err != nil {
			return err
		}
		if err := validate.VerifyPlan(op, req.Plan, plan); err != nil {
			return err
		}
		if !plan.Active {
			return errors.Newf(op, errors.ErrInactive, "plan %s is not accepting subscriptions", plan.PlanID)
		}
		merchant, err := tx.Merchant(plan.Merchant)
		if err != nil {
			return err
		}
		if err := validate.VerifyMerchant(op, merchant.Address, merchant.Authority); err != nil {
			return err
		}
		if err := validate.VerifySubscription(op, req.Subscription, plan.Address, req.Payer); err != nil {
			return err
		}
		if err := validate.Mint(op, req.Mint, cfg.AllowedMint); err != nil {
			return err
		}
		if err := validate.Mint(op, merchant.USDCMint, cfg.AllowedMint); err != nil {
			return err
		}

		sub, err := tx.Subscription(req.Subscription)
		reactivation := err == nil && sub.CreatedTs != 0
		switch {
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return err
		case reactivation && sub.Active:
			return errors.Newf(op, errors.ErrAlreadyActive, "subscription %s", sub.Address.Short())
		case reactivation && (sub.Plan != plan.Address || sub.Payer != req.Payer):
			return errors.Newf(op, errors.ErrUnauthorized, "subscription %s belongs to another plan or payer", sub.Address.Short())
		case reactivation && req.TrialSeconds != 0:
			return errors.Newf(op, errors.ErrTrialAlreadyUsed, "subscription %s", sub.Address.Short())
		}
		trial := req.TrialSeconds != 0
		if trial {
			if err := validate.TrialDuration(op, req.TrialSeconds); err != nil {
				return err
			}
		}

		payerAcct, err := tx.TokenAccount(req.PayerAccount)
		if err != nil {
			return err
		}
		if err := validate.TokenAccount(op, payerAcct, req.Payer, cfg.AllowedMint); err != nil {
			return err
		}
		delegate := c.Delegate(merchant.Address)
		periods := validate.StartPeriods(req.AllowancePeriods, cfg.DefaultAllowancePeriods)
		if err := validate.StartAllowance(op, payerAcct, delegate, plan.Amount, periods); err != nil {
			return err
		}

		if !reactivation {
			sub = state.Subscription{
				Address:   req.Subscription,
				Plan:      plan.Address,
				Payer:     req.Payer,
				CreatedTs: in.now,
				Deposit:   state.SubscriptionDeposit,
			}
			if err := debitDeposit(tx, op, req.Payer, sub.Deposit); err != nil {
				return err
			}
		}
		sub.Active = true

		var split settlement.Split
		if trial {
			ends, err := validate.AddSeconds(op, in.now, req.TrialSeconds)
			if err != nil {
				return err
			}
			sub.InTrial = true
			sub.TrialEndsAt = &ends
			sub.NextDueTs = ends
			sub.LastPaidTs = 0
		} else {
			if err := validate.Funds(op, payerAcct, plan.Amount); err != nil {
				return err
			}
			split, err = settlement.Compute(plan.Amount, 0, settlement.CurrentTier(merchant, in.now).FeeBps())
			if err != nil {
				return err
			}
			if err := c.settle(tx, op, split, payment{
				source:    payerAcct.Address,
				authority: delegate,
				payee:     req.MerchantTreasury,
				platform:  req.PlatformTreasury,
				merchant:  merchant,
				cfg:       cfg,
			}); err != nil {
				return err
			}
			in.settled(split)
			next, err := validate.AddSeconds(op, in.now, plan.PeriodSeconds)
			if err != nil {
				return err
			}
			sub.NextDueTs = next
			sub.LastAmount = plan.Amount
			sub.LastPaidTs = in.now
			sub.InTrial = false
			sub.TrialEndsAt = nil
			if err := accrue(tx, in, merchant, plan.Amount); err != nil {
				return err
			}
		}
		if err := tx.PutSubscription(sub); err != nil {
			return err
		}
		out = sub

		if reactivation {
			in.emit(events.SubscriptionReactivated{
				Merchant:          merchant.Address,
				Plan:              plan.Address,
				Subscription:      sub.Address,
				Payer:             sub.Payer,
				Amount:            plan.Amount,
				Split:             split,
				TotalRenewals:     sub.RenewalCount,
				OriginalCreatedTs: sub.CreatedTs,
			})
			return nil
		}
		in.emit(events.Subscribed{
			Merchant:     merchant.Address,
			Plan:         plan.Address,
			Subscription: sub.Address,
			Payer:        sub.Payer,
			Amount:       plan.Amount,
			Split:        split,
			TrialEndsAt:  sub.TrialEndsAt,
		})
		return nil
	})
	return out, err
}

// Renew charges one period of an active subscription. Any signer may act
// as keeper and is paid the keeper fee.
func (c *Controller) Renew(ctx context.Context, req RenewRequest) (state.Subscription, error) {
	const op = "renew_subscription"
	var out state.Subscription
	err := c.run(ctx, op, func(tx store.Tx, in *instruction) error {
		cfg, err := loadConfig(tx, op)
		if err != nil {
			return err
		}
		if err := requireUnpaused(op, cfg); err != nil {
			return err
		}
		if req.Keeper.IsZero() {
			return errors.Newf(op, errors.ErrUnauthorized, "missing signer")
		}

		sub, err := tx.Subscription(req.Subscription)
		if err != nil {
			return err
		}
		if !sub.Active {
			return errors.Newf(op, errors.ErrInactive, "subscription %s is paused", sub.Address.Short())
		}
		if err := validate.VerifySubscription(op, req.Subscription, sub.Plan, sub.Payer); err != nil {
			return err
		}
		plan, err := tx.Plan(sub.Plan)
		if err != nil {
			return err
		}
		merchant, err := tx.Merchant(plan.Merchant)
		if err != nil {
			return err
		}
		if err := validate.Mint(op, req.Mint, cfg.AllowedMint); err != nil {
			return err
		}
		if err := validate.RenewalWindow(op, in.now, sub, plan); err != nil {
			return err
		}

		payerAcct, err := tx.TokenAccount(req.PayerAccount)
		if err != nil {
			return err
		}
		if err := validate.TokenAccount(op, payerAcct, sub.Payer, cfg.AllowedMint); err != nil {
			return err
		}
		delegate := c.Delegate(merchant.Address)
		allowance, err := validate.CheckRenewalAllowance(op, payerAcct, delegate, plan.Amount)
		if allowance.Low {
			in.emit(events.LowAllowanceWarning{
				Merchant:             merchant.Address,
				Plan:                 plan.Address,
				Payer:                sub.Payer,
				CurrentAllowance:     allowance.Current,
				RecommendedAllowance: allowance.Recommended,
				Amount:               plan.Amount,
			})
		}
		if allowance.Mismatch {
			ev := events.DelegateMismatchWarning{
				Merchant:         merchant.Address,
				Plan:             plan.Address,
				Payer:            sub.Payer,
				ExpectedDelegate: allowance.Expected,
			}
			if !allowance.Actual.IsZero() {
				ev.ActualDelegate = ptr(allowance.Actual)
			}
			in.emit(ev)
		}
		if err != nil {
			return err
		}

		keeperAcct, err := tx.TokenAccount(req.KeeperAccount)
		if err != nil {
			return err
		}
		if err := validate.TokenAccount(op, keeperAcct, req.Keeper, cfg.AllowedMint); err != nil {
			return err
		}
		if err := validate.Funds(op, payerAcct, plan.Amount); err != nil {
			return err
		}
		split, err := settlement.Compute(plan.Amount, cfg.KeeperFeeBps, settlement.CurrentTier(merchant, in.now).FeeBps())
		if err != nil {
			return err
		}
		if err := c.settle(tx, op, split, payment{
			source:    payerAcct.Address,
			authority: delegate,
			payee:     req.MerchantTreasury,
			platform:  req.PlatformTreasury,
			keeper:    keeperAcct.Address,
			merchant:  merchant,
			cfg:       cfg,
		}); err != nil {
			return err
		}
		in.settled(split)

		next, err := validate.AddSeconds(op, sub.NextDueTs, plan.PeriodSeconds)
		if err != nil {
			return err
		}
		if sub.RenewalCount == math.MaxUint32 {
			return errors.Newf(op, errors.ErrArithmetic, "renewal count overflows")
		}
		sub.NextDueTs = next
		sub.RenewalCount++
		sub.LastAmount = plan.Amount
		sub.LastPaidTs = in.now
		converted := sub.InTrial
		sub.InTrial = false
		sub.TrialEndsAt = nil
		if err := tx.PutSubscription(sub); err != nil {
			return err
		}
		if err := accrue(tx, in, merchant, plan.Amount); err != nil {
			return err
		}
		out = sub

		if converted {
			in.emit(events.TrialConverted{Subscription: sub.Address, Payer: sub.Payer, Plan: plan.Address})
		}
		in.emit(events.Renewed{
			Merchant:     merchant.Address,
			Plan:         plan.Address,
			Subscription: sub.Address,
			Payer:        sub.Payer,
			Amount:       plan.Amount,
			Keeper:       req.Keeper,
			Split:        split,
			RenewalCount: sub.RenewalCount,
			NextDueTs:    sub.NextDueTs,
		})
		return nil
	})
	return out, err
}

// RenewalAccounts builds the renewal request a keeper submits for sub,
// using the canonical token accounts of each party.
func (c *Controller) RenewalAccounts(ctx context.Context, sub, keeper ledger.Address) (RenewRequest, error) {
	const op = "renewal_accounts"
	var req RenewRequest
	err := c.view(ctx, op, func(tx store.Tx) error {
		cfg, err := loadConfig(tx, op)
		if err != nil {
			return err
		}
		s, err := tx.Subscription(sub)
		if err != nil {
			return err
		}
		plan, err := tx.Plan(s.Plan)
		if err != nil {
			return err
		}
		merchant, err := tx.Merchant(plan.Merchant)
		if err != nil {
			return err
		}
		req = RenewRequest{
			Keeper:           keeper,
			Subscription:     s.Address,
			PayerAccount:     ledger.AssociatedTokenAddress(s.Payer, cfg.AllowedMint),
			MerchantTreasury: merchant.Treasury,
			PlatformTreasury: cfg.PlatformTreasury(),
			KeeperAccount:    ledger.AssociatedTokenAddress(keeper, cfg.AllowedMint),
			Mint:             cfg.AllowedMint,
		}
		return nil
	})
	return req, err
}

// Cancel pauses a subscription on behalf of its payer and revokes the
// protocol's delegation. Cancelling a paused subscription does nothing.
func (c *Controller) Cancel(ctx context.Context, req CancelRequest) error {
	const op = "cancel_subscription"
	return c.run(ctx, op, func(tx store.Tx, in *instruction) error {
		sub, err := tx.Subscription(req.Subscription)
		if err != nil {
			return err
		}
		if err := validate.RequireSigner(op, req.Payer, sub.Payer); err != nil {
			return err
		}
		if err := validate.VerifySubscription(op, req.Subscription, sub.Plan, sub.Payer); err != nil {
			return err
		}
		if !sub.Active {
			return nil
		}
		plan, err := tx.Plan(sub.Plan)
		if err != nil {
			return err
		}
		payerAcct, err := tx.TokenAccount(req.PayerAccount)
		if err != nil {
			return err
		}
		if payerAcct.Owner != sub.Payer {
			return errors.Newf(op, errors.ErrBadTokenAccountOwner, "account %s owned by %s", payerAcct.Address.Short(), payerAcct.Owner.Short())
		}

		revoked := false
		if payerAcct.HasDelegate() && payerAcct.Delegate == c.Delegate(plan.Merchant) {
			if err := ledger.Revoke(tx, payerAcct.Address, sub.Payer); err != nil {
				return err
			}
			revoked = true
		}
		sub.Active = false
		if err := tx.PutSubscription(sub); err != nil {
			return err
		}
		in.emit(events.Canceled{
			Merchant:     plan.Merchant,
			Plan:         plan.Address,
			Subscription: sub.Address,
			Payer:        sub.Payer,
			CanceledBy:   req.Payer,
			Revoked:      revoked,
		})
		return nil
	})
}

// MerchantCancel pauses a subscription on behalf of the merchant. The
// payer's delegation is left in place.
func (c *Controller) MerchantCancel(ctx context.Context, signer, subscription ledger.Address) error {
	const op = "merchant_cancel_subscription"
	return c.run(ctx, op, func(tx store.Tx, in *instruction) error {
		sub, err := tx.Subscription(subscription)
		if err != nil {
			return err
		}
		plan, err := tx.Plan(sub.Plan)
		if err != nil {
			return err
		}
		merchant, err := tx.Merchant(plan.Merchant)
		if err != nil {
			return err
		}
		if err := validate.RequireSigner(op, signer, merchant.Authority); err != nil {
			return err
		}
		if !sub.Active {
			return nil
		}
		sub.Active = false
		if err := tx.PutSubscription(sub); err != nil {
			return err
		}
		in.emit(events.Canceled{
			Merchant:     merchant.Address,
			Plan:         plan.Address,
			Subscription: sub.Address,
			Payer:        sub.Payer,
			CanceledBy:   signer,
		})
		return nil
	})
}

// Close deletes a paused subscription and returns its deposit to the payer.
func (c *Controller) Close(ctx context.Context, payer, subscription ledger.Address) (uint64, error) {
	const op = "close_subscription"
	var refunded uint64
	err := c.run(ctx, op, func(tx store.Tx, in *instruction) error {
		sub, err := tx.Subscription(subscription)
		if err != nil {
			return err
		}
		if err := validate.RequireSigner(op, payer, sub.Payer); err != nil {
			return err
		}
		if sub.Active {
			return errors.Newf(op, errors.ErrAlreadyActive, "cancel %s before closing", sub.Address.Short())
		}
		if err := tx.DeleteSubscription(sub.Address); err != nil {
			return err
		}
		balance, err := tx.NativeBalance(payer)
		if err != nil {
			return err
		}
		if balance > math.MaxUint64-sub.Deposit {
			return errors.Newf(op, errors.ErrArithmetic, "native balance overflows")
		}
		if err := tx.PutNativeBalance(payer, balance+sub.Deposit); err != nil {
			return err
		}
		refunded = sub.Deposit
		in.emit(events.SubscriptionClosed{
			Plan:         sub.Plan,
			Subscription: sub.Address,
			Payer:        sub.Payer,
			Refunded:     sub.Deposit,
		})
		return nil
	})
	return refunded, err
}

// payment names the accounts one settlement moves tokens between.
type payment struct {
	source    ledger.Address
	authority ledger.Address
	payee     ledger.Address
	platform  ledger.Address
	keeper    ledger.Address
	merchant  state.Merchant
	cfg       state.Config
}

// settle re-validates both treasuries and transfers each non-zero leg in
// the order payee, platform, keeper.
func (c *Controller) settle(tx store.Tx, op string, split settlement.Split, p payment) error {
	payee, err := tx.TokenAccount(p.payee)
	if err != nil {
		return err
	}
	if err := validate.MerchantTreasury(op, payee, p.merchant); err != nil {
		return err
	}
	platform, err := tx.TokenAccount(p.platform)
	if err != nil {
		return err
	}
	if err := validate.PlatformTreasury(op, platform, p.cfg); err != nil {
		return err
	}
	mint, err := tx.Mint(p.cfg.AllowedMint)
	if err != nil {
		return err
	}

	destinations := map[settlement.LegKind]ledger.Address{
		settlement.LegPayee:    p.payee,
		settlement.LegPlatform: p.platform,
		settlement.LegKeeper:   p.keeper,
	}
	for _, leg := range split.Legs() {
		if err := ledger.TransferChecked(tx, ledger.Transfer{
			Source:      p.source,
			Destination: destinations[leg.Kind],
			Mint:        mint.Address,
			Authority:   p.authority,
			Amount:      leg.Amount,
			Decimals:    mint.Decimals,
		}); err != nil {
			return errors.WithOp(classify(err), op)
		}
	}
	return nil
}

// accrue adds gross to the merchant's rolling volume and reports a tier
// change. Upgrades and drops are reported as different events.
func accrue(tx store.Tx, in *instruction, m state.Merchant, gross uint64) error {
	next, vol, err := settlement.AccrueVolume(m, gross, in.now)
	if err != nil {
		return err
	}
	if err := tx.PutMerchant(next); err != nil {
		return err
	}
	switch {
	case vol.Upgraded():
		in.emit(events.VolumeTierUpgraded{
			Merchant:          m.Address,
			OldTier:           vol.PreviousTier,
			NewTier:           vol.Tier,
			MonthlyVolume:     vol.MonthlyVolume,
			NewPlatformFeeBps: vol.Tier.FeeBps(),
		})
	case vol.TierChanged():
		in.emit(events.MerchantTierChanged{
			Merchant:  m.Address,
			OldTier:   vol.PreviousTier,
			NewTier:   vol.Tier,
			NewFeeBps: vol.Tier.FeeBps(),
		})
	}
	return nil
}

func debitDeposit(tx store.Tx, op string, payer ledger.Address, deposit uint64) error {
	balance, err := tx.NativeBalance(payer)
	if err != nil {
		return err
	}
	if balance < deposit {
		return errors.Newf(op, errors.ErrInsufficientFunds, "native balance %d, deposit %d", balance, deposit)
	}
	return tx.PutNativeBalance(payer, balance-deposit)
}
