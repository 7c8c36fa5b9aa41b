// Package settlement splits a gross charge between keeper, platform and
// payee, and maintains the payee's rolling volume and tier.
package settlement

import (
	"math/bits"

	"github.com/tallypay/tally/internal/errors"
	"github.com/tallypay/tally/internal/state"
)

// Split is the result of dividing one gross charge.
type Split struct {
	Gross    uint64 `json:"gross"`
	Keeper   uint64 `json:"keeper"`
	Platform uint64 `json:"platform"`
	Payee    uint64 `json:"payee"`
}

// Compute splits gross in a fixed order so rounding never compounds:
//
//	keeper   = floor(gross × keeperBps / 10000)
//	platform = floor((gross - keeper) × platformBps / 10000)
//	payee    = gross - keeper - platform
//
// keeperBps is trusted to be at most 100; it is bounded where config is
// updated, not here.
func Compute(gross uint64, keeperBps, platformBps uint16) (Split, error) {
	const op = "settle"
	keeper, err := MulDivBps(gross, keeperBps)
	if err != nil {
		return Split{}, errors.WithOp(err, op)
	}
	remaining, borrow := bits.Sub64(gross, keeper, 0)
	if borrow != 0 {
		return Split{}, errors.Newf(op, errors.ErrArithmetic, "keeper fee %d above gross %d", keeper, gross)
	}
	platform, err := MulDivBps(remaining, platformBps)
	if err != nil {
		return Split{}, errors.WithOp(err, op)
	}
	payee, borrow := bits.Sub64(remaining, platform, 0)
	if borrow != 0 {
		return Split{}, errors.Newf(op, errors.ErrArithmetic, "platform fee %d above remainder %d", platform, remaining)
	}
	return Split{Gross: gross, Keeper: keeper, Platform: platform, Payee: payee}, nil
}

// MulDivBps returns floor(amount × bps / 10000) using a 128-bit
// intermediate and fails if the quotient does not fit in 64 bits.
func MulDivBps(amount uint64, bps uint16) (uint64, error) {
	hi, lo := bits.Mul64(amount, uint64(bps))
	if hi >= state.FeeBasisPointsDivisor {
		return 0, errors.New("mul_div_bps", errors.ErrArithmetic)
	}
	q, _ := bits.Div64(hi, lo, state.FeeBasisPointsDivisor)
	return q, nil
}

// Volume is the outcome of accruing one settlement to a merchant.
type Volume struct {
	MonthlyVolume uint64
	Tier          state.VolumeTier
	PreviousTier  state.VolumeTier
	Reset         bool
}

// TierChanged reports whether the accrual moved the merchant to a new tier.
func (v Volume) TierChanged() bool {
	return v.Tier != v.PreviousTier
}

// Upgraded reports whether the new tier carries a lower fee rate.
func (v Volume) Upgraded() bool {
	return v.Tier > v.PreviousTier
}

// AccrueVolume adds gross to the merchant's rolling volume, restarting the
// window first when more than 30 days have passed since the last
// settlement, and derives the tier used for the next settlement.
func AccrueVolume(m state.Merchant, gross uint64, now int64) (state.Merchant, Volume, error) {
	const op = "accrue_volume"
	v := Volume{PreviousTier: m.VolumeTier}

	volume := m.MonthlyVolume
	if windowLapsed(m, now) {
		volume = 0
		v.Reset = true
	}
	sum, carry := bits.Add64(volume, gross, 0)
	if carry != 0 {
		return m, v, errors.Newf(op, errors.ErrArithmetic, "volume %d + %d overflows", volume, gross)
	}

	m.MonthlyVolume = sum
	m.LastVolumeUpdateTs = now
	m.VolumeTier = state.TierForVolume(sum)

	v.MonthlyVolume = sum
	v.Tier = m.VolumeTier
	return m, v, nil
}

// CurrentTier is the tier a settlement at now is charged at. Once the
// volume window has lapsed the stored tier no longer applies and the
// merchant pays the rate for zero volume.
func CurrentTier(m state.Merchant, now int64) state.VolumeTier {
	if windowLapsed(m, now) {
		return state.TierForVolume(0)
	}
	return m.VolumeTier
}

func windowLapsed(m state.Merchant, now int64) bool {
	return now-m.LastVolumeUpdateTs > state.VolumeWindowSeconds
}

// Legs lists the non-zero transfers of a split in settlement order: payee,
// platform, keeper.
func (s Split) Legs() []Leg {
	legs := make([]Leg, 0, 3)
	for _, l := range []Leg{{LegPayee, s.Payee}, {LegPlatform, s.Platform}, {LegKeeper, s.Keeper}} {
		if l.Amount > 0 {
			legs = append(legs, l)
		}
	}
	return legs
}

// LegKind names the recipient of one transfer.
type LegKind string

const (
	LegPayee    LegKind = "payee"
	LegPlatform LegKind = "platform"
	LegKeeper   LegKind = "keeper"
)

// Leg is one transfer of a settlement.
type Leg struct {
	Kind   LegKind
	Amount uint64
}
