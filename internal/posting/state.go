package posting

import "fmt"

var transitions = map[VoucherStatus][]VoucherStatus{
	VoucherStatusDraft:  {VoucherStatusPosted},
	VoucherStatusPosted: {VoucherStatusReversed},
}

// CanTransition reports whether a voucher may move from one status to another.
func CanTransition(from, to VoucherStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ensurePostable rejects vouchers that already left DRAFT.
func ensurePostable(v Voucher) error {
	if CanTransition(v.Status, VoucherStatusPosted) {
		return nil
	}
	if v.Status == VoucherStatusPosted || v.Status == VoucherStatusReversed {
		return fmt.Errorf("%w: voucher %d is %s", ErrAlreadyPosted, v.ID, v.Status)
	}
	return fmt.Errorf("%w: voucher %d has unknown status %q", ErrPostingFailed, v.ID, v.Status)
}

// ensureReversible rejects vouchers that cannot be reversed.
func ensureReversible(v Voucher) error {
	if CanTransition(v.Status, VoucherStatusReversed) && v.ReversedBy == nil {
		return nil
	}
	switch v.Status {
	case VoucherStatusReversed:
		return fmt.Errorf("%w: voucher %d already reversed", ErrAlreadyPosted, v.ID)
	case VoucherStatusPosted:
		return fmt.Errorf("%w: voucher %d already reversed by %d", ErrAlreadyPosted, v.ID, *v.ReversedBy)
	default:
		return fmt.Errorf("%w: no posted voucher %d", ErrNotFound, v.ID)
	}
}
