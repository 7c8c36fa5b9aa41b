// Package events defines the closed set of protocol events and the sinks
// that deliver them after an instruction commits.
package events

import (
	"github.com/tallypay/tally/internal/settlement"
	"github.com/tallypay/tally/internal/state"
	"github.com/tallypay/tally/pkg/ledger"
)

// Kind identifies an event variant.
type Kind string

const (
	KindConfigInitialized         Kind = "config_initialized"
	KindConfigUpdated             Kind = "config_updated"
	KindProgramPaused             Kind = "program_paused"
	KindProgramUnpaused           Kind = "program_unpaused"
	KindAuthorityTransferProposed Kind = "authority_transfer_proposed"
	KindAuthorityTransferAccepted Kind = "authority_transfer_accepted"
	KindAuthorityTransferCanceled Kind = "authority_transfer_canceled"
	KindFeesWithdrawn             Kind = "fees_withdrawn"
	KindMerchantInitialized       Kind = "merchant_initialized"
	KindMerchantTierChanged       Kind = "merchant_tier_changed"
	KindVolumeTierUpgraded        Kind = "volume_tier_upgraded"
	KindPlanCreated               Kind = "plan_created"
	KindPlanTermsUpdated          Kind = "plan_terms_updated"
	KindPlanStatusChanged         Kind = "plan_status_changed"
	KindSubscribed                Kind = "subscribed"
	KindSubscriptionReactivated   Kind = "subscription_reactivated"
	KindRenewed                   Kind = "renewed"
	KindTrialConverted            Kind = "trial_converted"
	KindCanceled                  Kind = "canceled"
	KindSubscriptionClosed        Kind = "subscription_closed"
	KindLowAllowanceWarning       Kind = "low_allowance_warning"
	KindDelegateMismatchWarning   Kind = "delegate_mismatch_warning"
)

// Event is implemented only by the variants in this package.
type Event interface {
	Kind() Kind
	sealed()
}

type ConfigInitialized struct {
	PlatformAuthority       ledger.Address `json:"platformAuthority"`
	MinPlatformFeeBps       uint16         `json:"minPlatformFeeBps"`
	MaxPlatformFeeBps       uint16         `json:"maxPlatformFeeBps"`
	MinPeriodSeconds        uint64         `json:"minPeriodSeconds"`
	DefaultAllowancePeriods uint8          `json:"defaultAllowancePeriods"`
	AllowedMint             ledger.Address `json:"allowedMint"`
	MaxWithdrawalAmount     uint64         `json:"maxWithdrawalAmount"`
	MaxGracePeriodSeconds   uint64         `json:"maxGracePeriodSeconds"`
	KeeperFeeBps            uint16         `json:"keeperFeeBps"`
	Timestamp               int64          `json:"timestamp"`
}

type ConfigUpdated struct {
	Fields                  []string       `json:"fields"`
	KeeperFeeBps            uint16         `json:"keeperFeeBps"`
	MaxWithdrawalAmount     uint64         `json:"maxWithdrawalAmount"`
	MaxGracePeriodSeconds   uint64         `json:"maxGracePeriodSeconds"`
	MinPlatformFeeBps       uint16         `json:"minPlatformFeeBps"`
	MaxPlatformFeeBps       uint16         `json:"maxPlatformFeeBps"`
	MinPeriodSeconds        uint64         `json:"minPeriodSeconds"`
	DefaultAllowancePeriods uint8          `json:"defaultAllowancePeriods"`
	Version                 uint64         `json:"version"`
	UpdatedBy               ledger.Address `json:"updatedBy"`
}

type ProgramPaused struct {
	Authority ledger.Address `json:"authority"`
	Timestamp int64          `json:"timestamp"`
}

type ProgramUnpaused struct {
	Authority ledger.Address `json:"authority"`
	Timestamp int64          `json:"timestamp"`
}

type AuthorityTransferProposed struct {
	Current  ledger.Address `json:"current"`
	Proposed ledger.Address `json:"proposed"`
}

type AuthorityTransferAccepted struct {
	Previous ledger.Address `json:"previous"`
	Current  ledger.Address `json:"current"`
}

type AuthorityTransferCanceled struct {
	Authority ledger.Address `json:"authority"`
	Withdrawn ledger.Address `json:"withdrawn"`
}

type FeesWithdrawn struct {
	PlatformAuthority ledger.Address `json:"platformAuthority"`
	Destination       ledger.Address `json:"destination"`
	Amount            uint64         `json:"amount"`
	Timestamp         int64          `json:"timestamp"`
}

type MerchantInitialized struct {
	Merchant       ledger.Address   `json:"merchant"`
	Authority      ledger.Address   `json:"authority"`
	USDCMint       ledger.Address   `json:"usdcMint"`
	Treasury       ledger.Address   `json:"treasury"`
	VolumeTier     state.VolumeTier `json:"volumeTier"`
	PlatformFeeBps uint16           `json:"platformFeeBps"`
	Timestamp      int64            `json:"timestamp"`
}

// MerchantTierChanged reports a tier set by an authority or a drop after
// the volume window lapsed. ChangedBy is zero for the latter.
type MerchantTierChanged struct {
	Merchant  ledger.Address   `json:"merchant"`
	OldTier   state.VolumeTier `json:"oldTier"`
	NewTier   state.VolumeTier `json:"newTier"`
	NewFeeBps uint16           `json:"newFeeBps"`
	ChangedBy ledger.Address   `json:"changedBy"`
}

type VolumeTierUpgraded struct {
	Merchant          ledger.Address   `json:"merchant"`
	OldTier           state.VolumeTier `json:"oldTier"`
	NewTier           state.VolumeTier `json:"newTier"`
	MonthlyVolume     uint64           `json:"monthlyVolume"`
	NewPlatformFeeBps uint16           `json:"newPlatformFeeBps"`
}

type PlanCreated struct {
	Plan          ledger.Address `json:"plan"`
	Merchant      ledger.Address `json:"merchant"`
	PlanID        string         `json:"planId"`
	Amount        uint64         `json:"amount"`
	PeriodSeconds uint64         `json:"periodSeconds"`
	GraceSeconds  uint64         `json:"graceSeconds"`
	Timestamp     int64          `json:"timestamp"`
}

type PlanTermsUpdated struct {
	Plan      ledger.Address `json:"plan"`
	Merchant  ledger.Address `json:"merchant"`
	OldAmount *uint64        `json:"oldAmount,omitempty"`
	NewAmount *uint64        `json:"newAmount,omitempty"`
	OldPeriod *uint64        `json:"oldPeriod,omitempty"`
	NewPeriod *uint64        `json:"newPeriod,omitempty"`
	OldGrace  *uint64        `json:"oldGrace,omitempty"`
	NewGrace  *uint64        `json:"newGrace,omitempty"`
	UpdatedBy ledger.Address `json:"updatedBy"`
}

type PlanStatusChanged struct {
	Plan      ledger.Address `json:"plan"`
	Merchant  ledger.Address `json:"merchant"`
	Active    bool           `json:"active"`
	ChangedBy ledger.Address `json:"changedBy"`
}

type Subscribed struct {
	Merchant     ledger.Address   `json:"merchant"`
	Plan         ledger.Address   `json:"plan"`
	Subscription ledger.Address   `json:"subscription"`
	Payer        ledger.Address   `json:"payer"`
	Amount       uint64           `json:"amount"`
	Split        settlement.Split `json:"split"`
	TrialEndsAt  *int64           `json:"trialEndsAt,omitempty"`
}

type SubscriptionReactivated struct {
	Merchant          ledger.Address   `json:"merchant"`
	Plan              ledger.Address   `json:"plan"`
	Subscription      ledger.Address   `json:"subscription"`
	Payer             ledger.Address   `json:"payer"`
	Amount            uint64           `json:"amount"`
	Split             settlement.Split `json:"split"`
	TotalRenewals     uint32           `json:"totalRenewals"`
	OriginalCreatedTs int64            `json:"originalCreatedTs"`
}

type Renewed struct {
	Merchant     ledger.Address   `json:"merchant"`
	Plan         ledger.Address   `json:"plan"`
	Subscription ledger.Address   `json:"subscription"`
	Payer        ledger.Address   `json:"payer"`
	Amount       uint64           `json:"amount"`
	Keeper       ledger.Address   `json:"keeper"`
	Split        settlement.Split `json:"split"`
	RenewalCount uint32           `json:"renewalCount"`
	NextDueTs    int64            `json:"nextDueTs"`
}

type TrialConverted struct {
	Subscription ledger.Address `json:"subscription"`
	Payer        ledger.Address `json:"payer"`
	Plan         ledger.Address `json:"plan"`
}

type Canceled struct {
	Merchant     ledger.Address `json:"merchant"`
	Plan         ledger.Address `json:"plan"`
	Subscription ledger.Address `json:"subscription"`
	Payer        ledger.Address `json:"payer"`
	CanceledBy   ledger.Address `json:"canceledBy"`
	Revoked      bool           `json:"revoked"`
}

type SubscriptionClosed struct {
	Plan         ledger.Address `json:"plan"`
	Subscription ledger.Address `json:"subscription"`
	Payer        ledger.Address `json:"payer"`
	Refunded     uint64         `json:"refunded"`
}

type LowAllowanceWarning struct {
	Merchant             ledger.Address `json:"merchant"`
	Plan                 ledger.Address `json:"plan"`
	Payer                ledger.Address `json:"payer"`
	CurrentAllowance     uint64         `json:"currentAllowance"`
	RecommendedAllowance uint64         `json:"recommendedAllowance"`
	Amount               uint64         `json:"amount"`
}

type DelegateMismatchWarning struct {
	Merchant         ledger.Address  `json:"merchant"`
	Plan             ledger.Address  `json:"plan"`
	Payer            ledger.Address  `json:"payer"`
	ExpectedDelegate ledger.Address  `json:"expectedDelegate"`
	ActualDelegate   *ledger.Address `json:"actualDelegate,omitempty"`
}

func (ConfigInitialized) Kind() Kind         { return KindConfigInitialized }
func (ConfigUpdated) Kind() Kind             { return KindConfigUpdated }
func (ProgramPaused) Kind() Kind             { return KindProgramPaused }
func (ProgramUnpaused) Kind() Kind           { return KindProgramUnpaused }
func (AuthorityTransferProposed) Kind() Kind { return KindAuthorityTransferProposed }
func (AuthorityTransferAccepted) Kind() Kind { return KindAuthorityTransferAccepted }
func (AuthorityTransferCanceled) Kind() Kind { return KindAuthorityTransferCanceled }
func (FeesWithdrawn) Kind() Kind             { return KindFeesWithdrawn }
func (MerchantInitialized) Kind() Kind       { return KindMerchantInitialized }
func (MerchantTierChanged) Kind() Kind       { return KindMerchantTierChanged }
func (VolumeTierUpgraded) Kind() Kind        { return KindVolumeTierUpgraded }
func (PlanCreated) Kind() Kind               { return KindPlanCreated }
func (PlanTermsUpdated) Kind() Kind          { return KindPlanTermsUpdated }
func (PlanStatusChanged) Kind() Kind         { return KindPlanStatusChanged }
func (Subscribed) Kind() Kind                { return KindSubscribed }
func (SubscriptionReactivated) Kind() Kind   { return KindSubscriptionReactivated }
func (Renewed) Kind() Kind                   { return KindRenewed }
func (TrialConverted) Kind() Kind            { return KindTrialConverted }
func (Canceled) Kind() Kind                  { return KindCanceled }
func (SubscriptionClosed) Kind() Kind        { return KindSubscriptionClosed }
func (LowAllowanceWarning) Kind() Kind       { return KindLowAllowanceWarning }
func (DelegateMismatchWarning) Kind() Kind   { return KindDelegateMismatchWarning }

func (ConfigInitialized) sealed()         {}
func (ConfigUpdated) sealed()             {}
func (ProgramPaused) sealed()             {}
func (ProgramUnpaused) sealed()           {}
func (AuthorityTransferProposed) sealed() {}
func (AuthorityTransferAccepted) sealed() {}
func (AuthorityTransferCanceled) sealed() {}
func (FeesWithdrawn) sealed()             {}
func (MerchantInitialized) sealed()       {}
func (MerchantTierChanged) sealed()       {}
func (VolumeTierUpgraded) sealed()        {}
func (PlanCreated) sealed()               {}
func (PlanTermsUpdated) sealed()          {}
func (PlanStatusChanged) sealed()         {}
func (Subscribed) sealed()                {}
func (SubscriptionReactivated) sealed()   {}
func (Renewed) sealed()                   {}
func (TrialConverted) sealed()            {}
func (Canceled) sealed()                  {}
func (SubscriptionClosed) sealed()        {}
func (LowAllowanceWarning) sealed()       {}
func (DelegateMismatchWarning) sealed()   {}

// AllKinds lists every variant in declaration order.
func AllKinds() []Kind {
	return []Kind{
		KindConfigInitialized, KindConfigUpdated, KindProgramPaused, KindProgramUnpaused,
		KindAuthorityTransferProposed, KindAuthorityTransferAccepted, KindAuthorityTransferCanceled,
		KindFeesWithdrawn, KindMerchantInitialized, KindMerchantTierChanged, KindVolumeTierUpgraded,
		KindPlanCreated, KindPlanTermsUpdated, KindPlanStatusChanged, KindSubscribed,
		KindSubscriptionReactivated, KindRenewed, KindTrialConverted, KindCanceled,
		KindSubscriptionClosed, KindLowAllowanceWarning, KindDelegateMismatchWarning,
	}
}

// New returns a zero value of the variant for kind, ready to decode into.
func New(kind Kind) (Event, bool) {
	switch kind {
	case KindConfigInitialized:
		return &ConfigInitialized{}, true
	case KindConfigUpdated:
		return &ConfigUpdated{}, true
	case KindProgramPaused:
		return &ProgramPaused{}, true
	case KindProgramUnpaused:
		return &ProgramUnpaused{}, true
	case KindAuthorityTransferProposed:
		return &AuthorityTransferProposed{}, true
	case KindAuthorityTransferAccepted:
		return &AuthorityTransferAccepted{}, true
	case KindAuthorityTransferCanceled:
		return &AuthorityTransferCanceled{}, true
	case KindFeesWithdrawn:
		return &FeesWithdrawn{}, true
	case KindMerchantInitialized:
		return &MerchantInitialized{}, true
	case KindMerchantTierChanged:
		return &MerchantTierChanged{}, true
	case KindVolumeTierUpgraded:
		return &VolumeTierUpgraded{}, true
	case KindPlanCreated:
		return &PlanCreated{}, true
	case KindPlanTermsUpdated:
		return &PlanTermsUpdated{}, true
	case KindPlanStatusChanged:
		return &PlanStatusChanged{}, true
	case KindSubscribed:
		return &Subscribed{}, true
	case KindSubscriptionReactivated:
		return &SubscriptionReactivated{}, true
	case KindRenewed:
		return &Renewed{}, true
	case KindTrialConverted:
		return &TrialConverted{}, true
	case KindCanceled:
		return &Canceled{}, true
	case KindSubscriptionClosed:
		return &SubscriptionClosed{}, true
	case KindLowAllowanceWarning:
		return &LowAllowanceWarning{}, true
	case KindDelegateMismatchWarning:
		return &DelegateMismatchWarning{}, true
	default:
		return nil, false
	}
}

// IsDiagnostic reports whether e describes a problem rather than a state
// change. Diagnostics are delivered even when their instruction fails.
func IsDiagnostic(e Event) bool {
	switch e.(type) {
	case LowAllowanceWarning, *LowAllowanceWarning, DelegateMismatchWarning, *DelegateMismatchWarning:
		return true
	default:
		return false
	}
}

// LegacyNames maps event names used by older payee-vocabulary consumers to
// their canonical kinds.
var LegacyNames = map[string]Kind{
	"PaymentAgreementStarted":     KindSubscribed,
	"PaymentAgreementReactivated": KindSubscriptionReactivated,
	"PaymentExecuted":             KindRenewed,
	"PaymentAgreementPaused":      KindCanceled,
	"PaymentAgreementClosed":      KindSubscriptionClosed,
	"PaymentTermsStatusChanged":   KindPlanStatusChanged,
	"PaymentTermsCreated":         KindPlanCreated,
	"PaymentTermsUpdated":         KindPlanTermsUpdated,
	"PayeeInitialized":            KindMerchantInitialized,
}

// ParseKind accepts canonical kinds and legacy names.
func ParseKind(s string) (Kind, bool) {
	if k, ok := LegacyNames[s]; ok {
		return k, true
	}
	if _, ok := New(Kind(s)); ok {
		return Kind(s), true
	}
	return "", false
}
