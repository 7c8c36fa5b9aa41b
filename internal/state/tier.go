package state

import (
	"encoding/json"
	"fmt"
	"strings"
)

// VolumeTier is a merchant's platform fee bracket.
type VolumeTier uint8

const (
	TierStandard VolumeTier = iota
	TierGrowth
	TierScale
)

// FeeBps returns the platform fee rate of the tier.
func (t VolumeTier) FeeBps() uint16 {
	switch t {
	case TierGrowth:
		return 20
	case TierScale:
		return 15
	default:
		return 25
	}
}

func (t VolumeTier) String() string {
	switch t {
	case TierStandard:
		return "standard"
	case TierGrowth:
		return "growth"
	case TierScale:
		return "scale"
	default:
		return fmt.Sprintf("tier(%d)", uint8(t))
	}
}

// Valid reports whether t is one of the defined tiers.
func (t VolumeTier) Valid() bool {
	return t <= TierScale
}

// TierForVolume returns the tier earned by a rolling 30-day volume.
func TierForVolume(volume uint64) VolumeTier {
	switch {
	case volume >= ScaleTierThreshold:
		return TierScale
	case volume >= GrowthTierThreshold:
		return TierGrowth
	default:
		return TierStandard
	}
}

// ParseVolumeTier accepts the lowercase tier names.
func ParseVolumeTier(s string) (VolumeTier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "standard":
		return TierStandard, nil
	case "growth":
		return TierGrowth, nil
	case "scale":
		return TierScale, nil
	default:
		return 0, fmt.Errorf("unknown volume tier %q", s)
	}
}

func (t VolumeTier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *VolumeTier) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseVolumeTier(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
