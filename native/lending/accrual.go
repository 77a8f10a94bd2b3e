package lending

import "math/big"

// accrue advances the tracked timestamp to finish, crediting interest and
// fees for every ledger day boundary crossed. The walk moves one day at a
// time so that cutting the horizon at an arbitrary timestamp can never
// change the result: accruing to T1 and then to T2 is bit-identical to
// accruing straight to T2. It returns the number of day steps credited.
func (e *Engine) accrue(subLoan *SubLoan, finish uint64) (uint64, error) {
	if finish <= subLoan.TrackedTimestamp {
		return 0, nil
	}
	fromDay := DayIndex(subLoan.TrackedTimestamp)
	toDay := DayIndex(finish)
	if subLoan.FreezeTimestamp != 0 && subLoan.FreezeTimestamp < finish {
		freezeDay := DayIndex(subLoan.FreezeTimestamp)
		if freezeDay < toDay {
			toDay = freezeDay
		}
	}
	days := uint64(0)
	if toDay > fromDay {
		days = toDay - fromDay
		dueDay := subLoan.DueDay()
		for day := fromDay; day < toDay; day++ {
			if err := e.accrueDayStep(subLoan, day, dueDay); err != nil {
				return 0, err
			}
		}
	}
	subLoan.TrackedTimestamp = finish
	return days, nil
}

// accrueDayStep credits the ledger day running from day to day+1.
//
// At or before the due day the up-to-due rate compounds on
// (principal + up-to-due interest). The step that crosses the due day
// additionally imposes the one-time clawback markup and late fee on the
// outstanding principal. Past the due day the post-due rate compounds on
// (principal + up-to-due + post-due) while the moratory rate accrues simple
// interest on (principal + up-to-due) for each overdue day.
func (e *Engine) accrueDayStep(subLoan *SubLoan, day uint64, dueDay uint64) error {
	if day+1 <= dueDay {
		base := new(big.Int).Add(subLoan.Principal.Tracked, subLoan.UpToDueInterest.Tracked)
		increment, err := SimpleInterest(base, subLoan.Rates.UpToDue)
		if err != nil {
			return err
		}
		subLoan.UpToDueInterest.Tracked.Add(subLoan.UpToDueInterest.Tracked, increment)
		return nil
	}

	if day == dueDay {
		principal := subLoan.Principal.Tracked
		grown, err := CompoundInterest(principal, uint64(subLoan.DurationDays), subLoan.Rates.Clawback)
		if err != nil {
			return err
		}
		markup := grown.Sub(grown, principal)
		subLoan.ClawbackFee.Tracked.Add(subLoan.ClawbackFee.Tracked, markup)

		lateFee, err := SimpleInterest(principal, subLoan.Rates.LateFee)
		if err != nil {
			return err
		}
		subLoan.LateFee.Tracked.Add(subLoan.LateFee.Tracked, lateFee)
	}

	postDueBase := new(big.Int).Add(subLoan.Principal.Tracked, subLoan.UpToDueInterest.Tracked)
	moratoryIncrement, err := SimpleInterest(postDueBase, subLoan.Rates.Moratory)
	if err != nil {
		return err
	}
	postDueBase.Add(postDueBase, subLoan.PostDueInterest.Tracked)
	postDueIncrement, err := SimpleInterest(postDueBase, subLoan.Rates.PostDue)
	if err != nil {
		return err
	}
	subLoan.PostDueInterest.Tracked.Add(subLoan.PostDueInterest.Tracked, postDueIncrement)
	subLoan.MoratoryInterest.Tracked.Add(subLoan.MoratoryInterest.Tracked, moratoryIncrement)
	return nil
}
