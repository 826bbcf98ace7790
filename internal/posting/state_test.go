package posting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	require.True(t, CanTransition(VoucherStatusDraft, VoucherStatusPosted))
	require.True(t, CanTransition(VoucherStatusPosted, VoucherStatusReversed))

	require.False(t, CanTransition(VoucherStatusDraft, VoucherStatusReversed))
	require.False(t, CanTransition(VoucherStatusPosted, VoucherStatusDraft))
	require.False(t, CanTransition(VoucherStatusReversed, VoucherStatusPosted))
	require.False(t, CanTransition(VoucherStatusReversed, VoucherStatusDraft))
}

func TestEnsurePostable(t *testing.T) {
	require.NoError(t, ensurePostable(Voucher{Status: VoucherStatusDraft}))
	require.ErrorIs(t, ensurePostable(Voucher{Status: VoucherStatusPosted}), ErrAlreadyPosted)
	require.ErrorIs(t, ensurePostable(Voucher{Status: VoucherStatusReversed}), ErrAlreadyPosted)
	require.ErrorIs(t, ensurePostable(Voucher{Status: "VOID"}), ErrPostingFailed)
}

func TestEnsureReversible(t *testing.T) {
	require.NoError(t, ensureReversible(Voucher{Status: VoucherStatusPosted}))

	by := int64(9)
	require.ErrorIs(t, ensureReversible(Voucher{Status: VoucherStatusPosted, ReversedBy: &by}), ErrAlreadyPosted)
	require.ErrorIs(t, ensureReversible(Voucher{Status: VoucherStatusReversed}), ErrAlreadyPosted)
	require.ErrorIs(t, ensureReversible(Voucher{Status: VoucherStatusDraft}), ErrNotFound)
}

func TestFormatVoucherNumber(t *testing.T) {
	require.Equal(t, "JV/25-26/00042", FormatVoucherNumber(" jv ", "25-26", 42))
	require.Equal(t, "25-26/00001", FormatVoucherNumber("", "25-26", 1))
	require.Equal(t, "SI/123456", FormatVoucherNumber("si", "", 123456))
}

func TestFinancialYearCoversInclusive(t *testing.T) {
	fy := FinancialYear{StartDate: date("2025-04-01"), EndDate: date("2026-03-31")}
	require.True(t, fy.Covers(date("2025-04-01")))
	require.True(t, fy.Covers(date("2026-03-31").Add(23 * time.Hour)))
	require.False(t, fy.Covers(date("2025-03-31")))
	require.False(t, fy.Covers(date("2026-04-01")))
}
