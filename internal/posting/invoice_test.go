package posting

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriceInvoice(t *testing.T) {
	vat := taxLedger
	inv := Invoice{Lines: []InvoiceLine{
		{Quantity: dec("3"), Rate: dec("33.333"), TaxRate: dec("11"), TaxLedgerID: &vat},
		{Quantity: dec("1"), Rate: dec("50"), TaxRate: dec("0")},
	}}

	amounts, err := PriceInvoice(inv)
	require.NoError(t, err)
	require.True(t, amounts.Net.Equal(dec("150")), amounts.Net.String())
	require.True(t, amounts.Taxes[vat].Equal(dec("11")), amounts.Taxes[vat].String())
	require.True(t, amounts.Total.Equal(dec("161")), amounts.Total.String())
}

func TestPriceInvoiceRejects(t *testing.T) {
	_, err := PriceInvoice(Invoice{})
	require.ErrorIs(t, err, ErrUnbalancedVoucher)

	_, err = PriceInvoice(Invoice{Lines: []InvoiceLine{{Quantity: dec("0"), Rate: dec("1")}}})
	require.ErrorIs(t, err, ErrUnbalancedVoucher)

	_, err = PriceInvoice(Invoice{Lines: []InvoiceLine{{Quantity: dec("1"), Rate: dec("-1")}}})
	require.ErrorIs(t, err, ErrUnbalancedVoucher)

	_, err = PriceInvoice(Invoice{Lines: []InvoiceLine{{Quantity: dec("1"), Rate: dec("1"), TaxRate: dec("10")}}})
	require.ErrorIs(t, err, ErrUnbalancedVoucher)
}

func TestBuildInvoiceVoucherSales(t *testing.T) {
	v, err := BuildInvoiceVoucher(salesInvoice(1))
	require.NoError(t, err)
	require.Equal(t, VoucherStatusDraft, v.Status)
	require.Equal(t, salesTypeID, v.VoucherTypeID)
	require.Len(t, v.Lines, 3)

	require.Equal(t, partyLedger, v.Lines[0].LedgerID)
	require.True(t, v.Lines[0].Debit.Equal(dec("832500")))
	require.Equal(t, salesLedger, v.Lines[1].LedgerID)
	require.True(t, v.Lines[1].Credit.Equal(dec("750000")))
	require.Equal(t, taxLedger, v.Lines[2].LedgerID)
	require.True(t, v.Lines[2].Credit.Equal(dec("82500")))
	require.True(t, v.TotalDebit().Equal(v.TotalCredit()))

	require.Len(t, v.StockLines, 1)
	require.True(t, v.StockLines[0].Quantity.Equal(dec("50")))
}

func TestBuildInvoiceVoucherPurchaseMirrorsSides(t *testing.T) {
	inv := salesInvoice(2)
	inv.Kind = InvoiceKindPurchase

	v, err := BuildInvoiceVoucher(inv)
	require.NoError(t, err)
	require.True(t, v.Lines[0].Credit.Equal(dec("832500")))
	require.True(t, v.Lines[1].Debit.Equal(dec("750000")))
	require.True(t, v.Lines[2].Debit.Equal(dec("82500")))
}

func TestBuildInvoiceVoucherUnknownKind(t *testing.T) {
	inv := salesInvoice(3)
	inv.Kind = "CREDIT_NOTE"
	_, err := BuildInvoiceVoucher(inv)
	require.ErrorIs(t, err, ErrInvalidVoucherType)
}
