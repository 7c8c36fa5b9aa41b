// Package validate holds the pure checks every protocol instruction runs
// before it touches state: who may act, whether derived addresses and token
// accounts are what they claim to be, whether the payer's delegation
// covers the charge, and whether a renewal falls inside its due window.
package validate

import (
	"github.com/tallypay/tally/internal/errors"
	"github.com/tallypay/tally/internal/state"
	"github.com/tallypay/tally/pkg/ledger"
)

// VerifyDerivation recomputes the address of (namespace, parents) and
// compares it with the caller-supplied address.
func VerifyDerivation(op string, supplied ledger.Address, namespace string, parents ...[]byte) error {
	expected := ledger.Derive(namespace, parents...)
	if supplied != expected {
		return errors.Newf(op, errors.ErrBadDerivation, "%s: supplied %s, derived %s", namespace, supplied.Short(), expected.Short())
	}
	return nil
}

// VerifyMerchant checks a merchant address against its authority.
func VerifyMerchant(op string, supplied, authority ledger.Address) error {
	return VerifyDerivation(op, supplied, state.NamespaceMerchant, authority[:])
}

// VerifyPlan checks a plan address against its merchant and id.
func VerifyPlan(op string, supplied ledger.Address, plan state.Plan) error {
	return VerifyDerivation(op, supplied, state.NamespacePlan, plan.Merchant[:], plan.PlanID[:])
}

// VerifySubscription checks a subscription address against (plan, payer).
func VerifySubscription(op string, supplied, plan, payer ledger.Address) error {
	return VerifyDerivation(op, supplied, state.NamespaceSubscription, plan[:], payer[:])
}

// RequireSigner fails unless signer is expected.
func RequireSigner(op string, signer, expected ledger.Address) error {
	if signer.IsZero() || signer != expected {
		return errors.Newf(op, errors.ErrUnauthorized, "signer %s", signer.Short())
	}
	return nil
}

// RequireAnySigner fails unless signer is one of allowed.
func RequireAnySigner(op string, signer ledger.Address, allowed ...ledger.Address) error {
	if signer.IsZero() {
		return errors.Newf(op, errors.ErrUnauthorized, "missing signer")
	}
	for _, a := range allowed {
		if signer == a {
			return nil
		}
	}
	return errors.Newf(op, errors.ErrUnauthorized, "signer %s", signer.Short())
}

// RequireMerchantOrPlatform allows the merchant's authority or the platform
// authority.
func RequireMerchantOrPlatform(op string, signer ledger.Address, merchant state.Merchant, cfg state.Config) error {
	return RequireAnySigner(op, signer, merchant.Authority, cfg.PlatformAuthority)
}

// TokenAccount checks that acct is owned by owner and holds mint.
func TokenAccount(op string, acct ledger.TokenAccount, owner, mint ledger.Address) error {
	if acct.Owner != owner {
		return errors.Newf(op, errors.ErrBadTokenAccountOwner, "account %s owned by %s, want %s", acct.Address.Short(), acct.Owner.Short(), owner.Short())
	}
	if acct.Mint != mint {
		return errors.Newf(op, errors.ErrWrongMint, "account %s holds %s, want %s", acct.Address.Short(), acct.Mint.Short(), mint.Short())
	}
	return nil
}

// MerchantTreasury re-validates the payee treasury against the merchant
// record as it stands now. The treasury is external state its owner can
// close or reassign at any time.
func MerchantTreasury(op string, acct ledger.TokenAccount, merchant state.Merchant) error {
	if acct.Address != merchant.Treasury {
		return errors.Newf(op, errors.ErrBadDerivation, "treasury %s, registered %s", acct.Address.Short(), merchant.Treasury.Short())
	}
	return TokenAccount(op, acct, merchant.Authority, merchant.USDCMint)
}

// PlatformTreasury re-derives the platform treasury from the current config
// and checks the supplied account against it.
func PlatformTreasury(op string, acct ledger.TokenAccount, cfg state.Config) error {
	if expected := cfg.PlatformTreasury(); acct.Address != expected {
		return errors.Newf(op, errors.ErrBadDerivation, "platform treasury %s, derived %s", acct.Address.Short(), expected.Short())
	}
	return TokenAccount(op, acct, cfg.PlatformAuthority, cfg.AllowedMint)
}

// Mint checks that the supplied mint is the one pinned for settlement.
func Mint(op string, supplied, pinned ledger.Address) error {
	if supplied != pinned {
		return errors.Newf(op, errors.ErrWrongMint, "mint %s, pinned %s", supplied.Short(), pinned.Short())
	}
	return nil
}
