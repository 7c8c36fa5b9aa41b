// Package state defines the protocol records (Config, Merchant, Plan,
// Subscription), their derived addresses and the bounds every mutation of
// them must respect.
package state

import (
	"bytes"
	"fmt"

	"github.com/tallypay/tally/pkg/ledger"
)

const (
	FeeBasisPointsDivisor    = 10_000
	AbsoluteMinPeriodSeconds = 86_400
	MaxPlanPrice             = 1_000_000_000_000 // 1M USDC in base units
	DefaultKeeperFeeBps      = 15
	MaxKeeperFeeBps          = 100
	DefaultMinPlatformFeeBps = 10
	DefaultMaxPlatformFeeBps = 50
	GrowthTierThreshold      = 10_000_000_000  // 10k USDC
	ScaleTierThreshold       = 100_000_000_000 // 100k USDC
	VolumeWindowSeconds      = 2_592_000       // 30 days
	MaxGracePercent          = 30
	NameLen                  = 32

	// SubscriptionDeposit is the storage deposit a payer locks in a
	// subscription record and gets back on close.
	SubscriptionDeposit = 2_039_280
)

// Config is the platform-wide singleton.
type Config struct {
	PlatformAuthority       ledger.Address  `json:"platformAuthority"`
	PendingAuthority        *ledger.Address `json:"pendingAuthority,omitempty"`
	MinPlatformFeeBps       uint16          `json:"minPlatformFeeBps"`
	MaxPlatformFeeBps       uint16          `json:"maxPlatformFeeBps"`
	MinPeriodSeconds        uint64          `json:"minPeriodSeconds"`
	DefaultAllowancePeriods uint8           `json:"defaultAllowancePeriods"`
	AllowedMint             ledger.Address  `json:"allowedMint"`
	MaxWithdrawalAmount     uint64          `json:"maxWithdrawalAmount"`
	MaxGracePeriodSeconds   uint64          `json:"maxGracePeriodSeconds"`
	KeeperFeeBps            uint16          `json:"keeperFeeBps"`
	Paused                  bool            `json:"paused"`
	Version                 uint64          `json:"version"`
}

// PlatformTreasury is the token account that collects platform fees.
func (c Config) PlatformTreasury() ledger.Address {
	return ledger.AssociatedTokenAddress(c.PlatformAuthority, c.AllowedMint)
}

// Merchant is a payee registered by its authority key.
type Merchant struct {
	Address            ledger.Address `json:"address"`
	Authority          ledger.Address `json:"authority"`
	USDCMint           ledger.Address `json:"usdcMint"`
	Treasury           ledger.Address `json:"treasury"`
	VolumeTier         VolumeTier     `json:"volumeTier"`
	MonthlyVolume      uint64         `json:"monthlyVolume"`
	LastVolumeUpdateTs int64          `json:"lastVolumeUpdateTs"`
}

// Plan holds the billing terms a merchant offers.
type Plan struct {
	Address       ledger.Address `json:"address"`
	Merchant      ledger.Address `json:"merchant"`
	PlanID        FixedName      `json:"planId"`
	Amount        uint64         `json:"amount"`
	PeriodSeconds uint64         `json:"periodSeconds"`
	GraceSeconds  uint64         `json:"graceSeconds"`
	Name          FixedName      `json:"name"`
	Active        bool           `json:"active"`
}

// Subscription is one payer's agreement to one plan.
type Subscription struct {
	Address      ledger.Address `json:"address"`
	Plan         ledger.Address `json:"plan"`
	Payer        ledger.Address `json:"payer"`
	NextDueTs    int64          `json:"nextDueTs"`
	Active       bool           `json:"active"`
	RenewalCount uint32         `json:"renewalCount"`
	CreatedTs    int64          `json:"createdTs"`
	LastAmount   uint64         `json:"lastAmount"`
	LastPaidTs   int64          `json:"lastPaidTs"`
	TrialEndsAt  *int64         `json:"trialEndsAt,omitempty"`
	InTrial      bool           `json:"inTrial"`
	Deposit      uint64         `json:"deposit"`
}

// Status is the lifecycle position of a subscription.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
)

// Status derives the lifecycle position from the record flags. A closed
// subscription has no record at all.
func (s Subscription) Status() Status {
	switch {
	case !s.Active:
		return StatusPaused
	case s.InTrial:
		return StatusTrialing
	default:
		return StatusActive
	}
}

// FixedName is a zero-padded identifier of at most NameLen bytes.
type FixedName [NameLen]byte

// PadName copies s into a FixedName. ok is false when s is empty or longer
// than the field.
func PadName(s string) (out FixedName, ok bool) {
	if s == "" || len(s) > NameLen {
		return out, false
	}
	copy(out[:], s)
	return out, true
}

func (n FixedName) String() string {
	return string(bytes.TrimRight(n[:], "\x00"))
}

func (n FixedName) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

func (n *FixedName) UnmarshalText(text []byte) error {
	if len(text) > NameLen {
		return fmt.Errorf("name %q exceeds %d bytes", text, NameLen)
	}
	*n = FixedName{}
	copy(n[:], text)
	return nil
}
