package state

import "github.com/tallypay/tally/pkg/ledger"

// Namespace tags of derived record addresses.
const (
	NamespaceConfig       = "config"
	NamespaceMerchant     = "merchant"
	NamespacePlan         = "plan"
	NamespaceSubscription = "subscription"
	NamespaceDelegate     = "delegate"
)

// DelegateScope selects which delegate identity payers approve.
type DelegateScope uint8

const (
	// DelegateGlobal is one delegate shared by every merchant, so a payer
	// can hold subscriptions with several merchants on one token account.
	DelegateGlobal DelegateScope = iota
	// DelegateMerchant is one delegate per merchant.
	DelegateMerchant
)

func (s DelegateScope) String() string {
	if s == DelegateMerchant {
		return "merchant"
	}
	return "global"
}

func ConfigAddress() ledger.Address {
	return ledger.Derive(NamespaceConfig)
}

func MerchantAddress(authority ledger.Address) ledger.Address {
	return ledger.Derive(NamespaceMerchant, authority[:])
}

func PlanAddress(merchant ledger.Address, planID FixedName) ledger.Address {
	return ledger.Derive(NamespacePlan, merchant[:], planID[:])
}

func SubscriptionAddress(plan, payer ledger.Address) ledger.Address {
	return ledger.Derive(NamespaceSubscription, plan[:], payer[:])
}

// DelegateAddress returns the protocol's spending delegate for scope. The
// merchant is ignored for the global scope.
func DelegateAddress(scope DelegateScope, merchant ledger.Address) ledger.Address {
	if scope == DelegateMerchant {
		return ledger.Derive(NamespaceDelegate, merchant[:])
	}
	return ledger.Derive(NamespaceDelegate)
}
