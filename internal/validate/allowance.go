package validate

import (
	"math/bits"

	"github.com/tallypay/tally/internal/errors"
	"github.com/tallypay/tally/pkg/ledger"
)

// LowAllowanceMultiplier is the number of periods of remaining allowance
// below which a successful renewal still raises a warning.
const LowAllowanceMultiplier = 2

// StartPeriods returns the allowance multiplier used at start. A payer may
// ask for a larger buffer than the configured default but never a smaller one.
func StartPeriods(requested, configured uint8) uint64 {
	return uint64(max(requested, configured))
}

// RequiredAllowance returns amount × periods. The quotient guard rejects
// plans whose multi-period total cannot be represented before the checked
// multiply runs, so the multiply can only fail if the guard is wrong.
func RequiredAllowance(op string, amount, periods uint64) (uint64, error) {
	if periods == 0 {
		return 0, errors.Newf(op, errors.ErrInvalidConfiguration, "allowance periods must be non-zero")
	}
	if amount > ^uint64(0)/periods {
		return 0, errors.Newf(op, errors.ErrInvalidPlan, "amount %d × %d periods overflows", amount, periods)
	}
	hi, lo := bits.Mul64(amount, periods)
	if hi != 0 {
		return 0, errors.New(op, errors.ErrArithmetic)
	}
	return lo, nil
}

// StartAllowance checks the payer's delegation at subscription start: the
// delegated amount must cover the multi-period requirement and the delegate
// must be the protocol's own.
func StartAllowance(op string, acct ledger.TokenAccount, expectedDelegate ledger.Address, amount, periods uint64) error {
	required, err := RequiredAllowance(op, amount, periods)
	if err != nil {
		return err
	}
	if acct.DelegatedAmount < required {
		return errors.Newf(op, errors.ErrInsufficientAllowance, "allowance %d, need %d", acct.DelegatedAmount, required)
	}
	if acct.Delegate != expectedDelegate {
		return errors.Newf(op, errors.ErrUnauthorized, "delegate %s, expected %s", acct.Delegate.Short(), expectedDelegate.Short())
	}
	return nil
}

// RenewalAllowance is what the renewal allowance check observed. The
// controller turns the flags into diagnostic events.
type RenewalAllowance struct {
	Current     uint64
	Recommended uint64
	// Low is set when the allowance covers this charge but not the next.
	Low bool
	// Mismatch is set when the recorded delegate is not the protocol's.
	Mismatch bool
	Expected ledger.Address
	// Actual is the zero address when no delegate is approved.
	Actual ledger.Address
}

// CheckRenewalAllowance applies the single-period rule. The result is
// meaningful even when an error is returned, so callers can report the
// warning that preceded the failure.
func CheckRenewalAllowance(op string, acct ledger.TokenAccount, expectedDelegate ledger.Address, amount uint64) (RenewalAllowance, error) {
	res := RenewalAllowance{
		Current:  acct.DelegatedAmount,
		Expected: expectedDelegate,
		Actual:   acct.Delegate,
	}
	if acct.DelegatedAmount < amount {
		return res, errors.Newf(op, errors.ErrInsufficientAllowance, "allowance %d, need %d", acct.DelegatedAmount, amount)
	}

	hi, recommended := bits.Mul64(amount, LowAllowanceMultiplier)
	if hi != 0 {
		return res, errors.New(op, errors.ErrArithmetic)
	}
	res.Recommended = recommended
	res.Low = acct.DelegatedAmount < recommended

	if acct.Delegate != expectedDelegate {
		res.Mismatch = true
		return res, errors.Newf(op, errors.ErrUnauthorized, "delegate %s, expected %s", acct.Delegate.Short(), expectedDelegate.Short())
	}
	return res, nil
}

// Funds checks the payer balance covers the charge.
func Funds(op string, acct ledger.TokenAccount, amount uint64) error {
	if acct.Amount < amount {
		return errors.Newf(op, errors.ErrInsufficientFunds, "balance %d, need %d", acct.Amount, amount)
	}
	return nil
}
