package state

import "slices"

// Payee is the legacy name of Merchant.
//
// Deprecated: use Merchant.
type Payee = Merchant

// PaymentTerms is the legacy name of Plan.
//
// Deprecated: use Plan.
type PaymentTerms = Plan

// PaymentAgreement is the legacy name of Subscription.
//
// Deprecated: use Subscription.
type PaymentAgreement = Subscription

// LegacyAliases maps legacy record names to their canonical replacements.
var LegacyAliases = map[string]string{
	"payee":             "merchant",
	"payment_terms":     "plan",
	"payment_agreement": "subscription",
}

// AliasesOf returns the legacy names of a canonical record name, sorted.
func AliasesOf(canonical string) []string {
	var out []string
	for legacy, name := range LegacyAliases {
		if name == canonical {
			out = append(out, legacy)
		}
	}
	slices.Sort(out)
	return out
}
