package domain

// Balance is the recomputed settlement state of an invoice.
type Balance struct {
	AmountPaid int64
	AmountDue  int64
	Status     PaymentStatus
}

// ComputeBalance derives an invoice balance from its total and the amounts of
// all currently active allocations and applications against it. Pure; feeding
// the same rows twice yields the same balance.
//
// A sum above total is never clamped: it means a caller bypassed the
// over-allocation check and the whole transaction must fail.
func ComputeBalance(total int64, active []int64) (Balance, error) {
	var paid int64
	for _, amount := range active {
		paid += amount
	}

	if paid > total {
		return Balance{}, ErrOverAllocation
	}

	balance := Balance{
		AmountPaid: paid,
		AmountDue:  total - paid,
	}

	switch {
	case paid <= 0:
		balance.Status = PaymentStatusUnpaid
	case paid >= total:
		balance.Status = PaymentStatusPaid
	default:
		balance.Status = PaymentStatusPartiallyPaid
	}

	return balance, nil
}
