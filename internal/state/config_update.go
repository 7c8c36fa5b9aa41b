package state

import (
	"github.com/tallypay/tally/internal/errors"
	"github.com/tallypay/tally/pkg/ledger"
)

// InitConfigArgs are the parameters of the one-time config creation.
type InitConfigArgs struct {
	PlatformAuthority       ledger.Address
	MinPlatformFeeBps       uint16
	MaxPlatformFeeBps       uint16
	MinPeriodSeconds        uint64
	DefaultAllowancePeriods uint8
	AllowedMint             ledger.Address
	MaxWithdrawalAmount     uint64
	MaxGracePeriodSeconds   uint64
	KeeperFeeBps            uint16
}

// NewConfig validates args and builds the initial config.
func NewConfig(args InitConfigArgs) (Config, error) {
	const op = "init_config"
	switch {
	case args.PlatformAuthority.IsZero() || args.AllowedMint.IsZero():
		return Config{}, errors.Newf(op, errors.ErrInvalidConfiguration, "authority and mint are required")
	case args.MinPlatformFeeBps > args.MaxPlatformFeeBps:
		return Config{}, errors.Newf(op, errors.ErrInvalidConfiguration, "min fee %d above max fee %d", args.MinPlatformFeeBps, args.MaxPlatformFeeBps)
	case args.MaxPlatformFeeBps > FeeBasisPointsDivisor:
		return Config{}, errors.Newf(op, errors.ErrInvalidConfiguration, "max fee %d above 100%%", args.MaxPlatformFeeBps)
	case args.KeeperFeeBps > MaxKeeperFeeBps:
		return Config{}, errors.Newf(op, errors.ErrInvalidConfiguration, "keeper fee %d above %d", args.KeeperFeeBps, MaxKeeperFeeBps)
	case args.MinPeriodSeconds < AbsoluteMinPeriodSeconds:
		return Config{}, errors.Newf(op, errors.ErrInvalidConfiguration, "min period %d below %d", args.MinPeriodSeconds, AbsoluteMinPeriodSeconds)
	case args.DefaultAllowancePeriods == 0, args.MaxWithdrawalAmount == 0, args.MaxGracePeriodSeconds == 0:
		return Config{}, errors.Newf(op, errors.ErrInvalidConfiguration, "allowance periods, withdrawal cap and grace cap must be non-zero")
	}
	return Config{
		PlatformAuthority:       args.PlatformAuthority,
		MinPlatformFeeBps:       args.MinPlatformFeeBps,
		MaxPlatformFeeBps:       args.MaxPlatformFeeBps,
		MinPeriodSeconds:        args.MinPeriodSeconds,
		DefaultAllowancePeriods: args.DefaultAllowancePeriods,
		AllowedMint:             args.AllowedMint,
		MaxWithdrawalAmount:     args.MaxWithdrawalAmount,
		MaxGracePeriodSeconds:   args.MaxGracePeriodSeconds,
		KeeperFeeBps:            args.KeeperFeeBps,
		Version:                 1,
	}, nil
}

// ConfigUpdate names the config fields an update changes. Nil fields are
// left as they are.
type ConfigUpdate struct {
	KeeperFeeBps            *uint16 `json:"keeperFeeBps,omitempty"`
	MaxWithdrawalAmount     *uint64 `json:"maxWithdrawalAmount,omitempty"`
	MaxGracePeriodSeconds   *uint64 `json:"maxGracePeriodSeconds,omitempty"`
	MinPlatformFeeBps       *uint16 `json:"minPlatformFeeBps,omitempty"`
	MaxPlatformFeeBps       *uint16 `json:"maxPlatformFeeBps,omitempty"`
	MinPeriodSeconds        *uint64 `json:"minPeriodSeconds,omitempty"`
	DefaultAllowancePeriods *uint8  `json:"defaultAllowancePeriods,omitempty"`
}

// Fields returns the names of the fields the update sets, in declaration
// order.
func (u ConfigUpdate) Fields() []string {
	var fields []string
	if u.KeeperFeeBps != nil {
		fields = append(fields, "keeperFeeBps")
	}
	if u.MaxWithdrawalAmount != nil {
		fields = append(fields, "maxWithdrawalAmount")
	}
	if u.MaxGracePeriodSeconds != nil {
		fields = append(fields, "maxGracePeriodSeconds")
	}
	if u.MinPlatformFeeBps != nil {
		fields = append(fields, "minPlatformFeeBps")
	}
	if u.MaxPlatformFeeBps != nil {
		fields = append(fields, "maxPlatformFeeBps")
	}
	if u.MinPeriodSeconds != nil {
		fields = append(fields, "minPeriodSeconds")
	}
	if u.DefaultAllowancePeriods != nil {
		fields = append(fields, "defaultAllowancePeriods")
	}
	return fields
}

// Empty reports whether the update sets no field.
func (u ConfigUpdate) Empty() bool {
	return len(u.Fields()) == 0
}

// Apply validates u against c and returns the updated config with its
// version bumped. c is never modified.
func (c Config) Apply(u ConfigUpdate) (Config, error) {
	const op = "update_config"
	if u.Empty() {
		return c, errors.Newf(op, errors.ErrInvalidConfiguration, "no fields supplied")
	}

	next := c
	if u.KeeperFeeBps != nil {
		if *u.KeeperFeeBps > MaxKeeperFeeBps {
			return c, errors.Newf(op, errors.ErrInvalidConfiguration, "keeper fee %d above %d", *u.KeeperFeeBps, MaxKeeperFeeBps)
		}
		next.KeeperFeeBps = *u.KeeperFeeBps
	}
	if u.MaxWithdrawalAmount != nil {
		if *u.MaxWithdrawalAmount == 0 {
			return c, errors.Newf(op, errors.ErrInvalidConfiguration, "max withdrawal must be non-zero")
		}
		next.MaxWithdrawalAmount = *u.MaxWithdrawalAmount
	}
	if u.MaxGracePeriodSeconds != nil {
		if *u.MaxGracePeriodSeconds == 0 {
			return c, errors.Newf(op, errors.ErrInvalidConfiguration, "max grace must be non-zero")
		}
		next.MaxGracePeriodSeconds = *u.MaxGracePeriodSeconds
	}
	if u.MinPlatformFeeBps != nil {
		next.MinPlatformFeeBps = *u.MinPlatformFeeBps
	}
	if u.MaxPlatformFeeBps != nil {
		next.MaxPlatformFeeBps = *u.MaxPlatformFeeBps
	}
	// Whichever side changed is checked against the other side's new or
	// existing value.
	if next.MinPlatformFeeBps > next.MaxPlatformFeeBps {
		return c, errors.Newf(op, errors.ErrInvalidConfiguration, "min fee %d above max fee %d", next.MinPlatformFeeBps, next.MaxPlatformFeeBps)
	}
	if next.MaxPlatformFeeBps > FeeBasisPointsDivisor {
		return c, errors.Newf(op, errors.ErrInvalidConfiguration, "max fee %d above 100%%", next.MaxPlatformFeeBps)
	}
	if u.MinPeriodSeconds != nil {
		if *u.MinPeriodSeconds == 0 {
			return c, errors.Newf(op, errors.ErrInvalidConfiguration, "min period must be non-zero")
		}
		next.MinPeriodSeconds = *u.MinPeriodSeconds
	}
	if u.DefaultAllowancePeriods != nil {
		if *u.DefaultAllowancePeriods == 0 {
			return c, errors.Newf(op, errors.ErrInvalidConfiguration, "allowance periods must be non-zero")
		}
		next.DefaultAllowancePeriods = *u.DefaultAllowancePeriods
	}

	next.Version++
	return next, nil
}

// AllowsFee reports whether bps lies inside the configured platform fee range.
func (c Config) AllowsFee(bps uint16) bool {
	return bps >= c.MinPlatformFeeBps && bps <= c.MaxPlatformFeeBps
}
