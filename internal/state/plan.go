package state

import (
	"github.com/tallypay/tally/internal/errors"
	"github.com/tallypay/tally/pkg/ledger"
)

// CreatePlanArgs are the merchant-supplied terms of a new plan.
type CreatePlanArgs struct {
	PlanID        string
	Name          string
	Amount        uint64
	PeriodSeconds uint64
	GraceSeconds  uint64
}

// NewPlan validates args under cfg and builds an active plan for merchant.
func NewPlan(cfg Config, merchant ledger.Address, args CreatePlanArgs) (Plan, error) {
	const op = "create_plan"
	id, ok := PadName(args.PlanID)
	if !ok {
		return Plan{}, errors.Newf(op, errors.ErrInvalidPlan, "plan id must be 1-%d bytes", NameLen)
	}
	name, ok := PadName(args.Name)
	if !ok {
		return Plan{}, errors.Newf(op, errors.ErrInvalidPlan, "name must be 1-%d bytes", NameLen)
	}
	if err := validateTerms(op, cfg, args.Amount, args.PeriodSeconds, args.GraceSeconds); err != nil {
		return Plan{}, err
	}
	return Plan{
		Address:       PlanAddress(merchant, id),
		Merchant:      merchant,
		PlanID:        id,
		Amount:        args.Amount,
		PeriodSeconds: args.PeriodSeconds,
		GraceSeconds:  args.GraceSeconds,
		Name:          name,
		Active:        true,
	}, nil
}

// PlanTermsUpdate names the plan terms an update changes.
type PlanTermsUpdate struct {
	Amount        *uint64 `json:"amount,omitempty"`
	PeriodSeconds *uint64 `json:"periodSeconds,omitempty"`
	GraceSeconds  *uint64 `json:"graceSeconds,omitempty"`
	Name          *string `json:"name,omitempty"`
}

// Empty reports whether the update sets no field.
func (u PlanTermsUpdate) Empty() bool {
	return u.Amount == nil && u.PeriodSeconds == nil && u.GraceSeconds == nil && u.Name == nil
}

// ApplyTerms validates u against the plan's effective terms and returns the
// updated plan. The effective (period, grace) pair is re-checked whenever
// either side changes.
func (p Plan) ApplyTerms(cfg Config, u PlanTermsUpdate) (Plan, error) {
	const op = "update_plan_terms"
	if u.Empty() {
		return p, errors.Newf(op, errors.ErrInvalidPlan, "no fields supplied")
	}

	next := p
	if u.Amount != nil {
		next.Amount = *u.Amount
	}
	if u.PeriodSeconds != nil {
		next.PeriodSeconds = *u.PeriodSeconds
	}
	if u.GraceSeconds != nil {
		next.GraceSeconds = *u.GraceSeconds
	}
	if u.Name != nil {
		name, ok := PadName(*u.Name)
		if !ok {
			return p, errors.Newf(op, errors.ErrInvalidPlan, "name must be 1-%d bytes", NameLen)
		}
		next.Name = name
	}
	if err := validateTerms(op, cfg, next.Amount, next.PeriodSeconds, next.GraceSeconds); err != nil {
		return p, err
	}
	return next, nil
}

func validateTerms(op string, cfg Config, amount, period, grace uint64) error {
	if amount == 0 || amount > MaxPlanPrice {
		return errors.Newf(op, errors.ErrInvalidPlan, "amount %d outside 1..%d", amount, MaxPlanPrice)
	}
	if period < cfg.MinPeriodSeconds {
		return errors.Newf(op, errors.ErrInvalidPlan, "period %d below minimum %d", period, cfg.MinPeriodSeconds)
	}
	maxGrace, err := MaxGraceFor(period)
	if err != nil {
		return errors.WithOp(err, op)
	}
	if grace > maxGrace {
		return errors.Newf(op, errors.ErrInvalidPlan, "grace %d above %d%% of period", grace, MaxGracePercent)
	}
	if grace > cfg.MaxGracePeriodSeconds {
		return errors.Newf(op, errors.ErrInvalidPlan, "grace %d above platform cap %d", grace, cfg.MaxGracePeriodSeconds)
	}
	return nil
}

// MaxGraceFor returns the largest grace allowed for a period before the
// platform cap is applied.
func MaxGraceFor(period uint64) (uint64, error) {
	if period > ^uint64(0)/MaxGracePercent {
		return 0, errors.New("max_grace", errors.ErrArithmetic)
	}
	return period * MaxGracePercent / 100, nil
}
