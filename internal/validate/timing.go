package validate

import (
	"math"

	"github.com/tallypay/tally/internal/errors"
	"github.com/tallypay/tally/internal/state"
)

// AddSeconds returns ts + secs, failing instead of wrapping.
func AddSeconds(op string, ts int64, secs uint64) (int64, error) {
	if secs > math.MaxInt64 {
		return 0, errors.Newf(op, errors.ErrArithmetic, "duration %d exceeds int64", secs)
	}
	d := int64(secs)
	if ts > 0 && d > math.MaxInt64-ts {
		return 0, errors.Newf(op, errors.ErrArithmetic, "%d + %d overflows", ts, d)
	}
	return ts + d, nil
}

// RenewalWindow checks that now lies inside the due window of sub and that
// no renewal already happened within the current period.
//
//	now < next_due               -> NotDue
//	now > next_due + grace       -> PastGrace
//	now < last_paid + period     -> NotDue
func RenewalWindow(op string, now int64, sub state.Subscription, plan state.Plan) error {
	if now < sub.NextDueTs {
		return errors.Newf(op, errors.ErrNotDue, "due at %d, now %d", sub.NextDueTs, now)
	}
	deadline, err := AddSeconds(op, sub.NextDueTs, plan.GraceSeconds)
	if err != nil {
		return err
	}
	if now > deadline {
		return errors.Newf(op, errors.ErrPastGrace, "grace ended at %d, now %d", deadline, now)
	}
	earliest, err := AddSeconds(op, sub.LastPaidTs, plan.PeriodSeconds)
	if err != nil {
		return err
	}
	if now < earliest {
		return errors.Newf(op, errors.ErrNotDue, "last paid at %d, next allowed %d", sub.LastPaidTs, earliest)
	}
	return nil
}

// TrialDurations are the accepted trial lengths in seconds.
var TrialDurations = []uint64{604_800, 1_209_600, 2_592_000}

// TrialDuration fails unless secs is one of TrialDurations.
func TrialDuration(op string, secs uint64) error {
	for _, d := range TrialDurations {
		if secs == d {
			return nil
		}
	}
	return errors.Newf(op, errors.ErrInvalidPlan, "trial duration %d not offered", secs)
}
