package posting

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// InvoiceAmounts is the priced breakdown of an invoice.
type InvoiceAmounts struct {
	Net   decimal.Decimal
	Taxes map[int64]decimal.Decimal
	Total decimal.Decimal
}

// PriceInvoice computes line amounts and taxes rounded to the default precision.
func PriceInvoice(inv Invoice) (InvoiceAmounts, error) {
	out := InvoiceAmounts{Net: decimal.Zero, Taxes: make(map[int64]decimal.Decimal), Total: decimal.Zero}
	if len(inv.Lines) == 0 {
		return out, unbalanced("invoice %d has no lines", inv.ID)
	}
	for i, line := range inv.Lines {
		if !line.Quantity.IsPositive() {
			return out, unbalanced("invoice line %d has non-positive quantity", i+1)
		}
		if line.Rate.IsNegative() || line.TaxRate.IsNegative() {
			return out, unbalanced("invoice line %d has a negative rate", i+1)
		}
		amount := line.Quantity.Mul(line.Rate).Round(DefaultLedgerPrecision)
		out.Net = out.Net.Add(amount)
		if line.TaxRate.IsZero() {
			continue
		}
		if line.TaxLedgerID == nil {
			return out, unbalanced("invoice line %d is taxed without a tax ledger", i+1)
		}
		tax := amount.Mul(line.TaxRate).Div(hundred).Round(DefaultLedgerPrecision)
		out.Taxes[*line.TaxLedgerID] = out.Taxes[*line.TaxLedgerID].Add(tax)
	}
	out.Total = out.Net
	for _, tax := range out.Taxes {
		out.Total = out.Total.Add(tax)
	}
	return out, nil
}

// BuildInvoiceVoucher turns an invoice into a DRAFT voucher. Sales invoices
// debit the party and credit revenue and tax; purchase invoices mirror that.
func BuildInvoiceVoucher(inv Invoice) (Voucher, error) {
	if inv.Kind != InvoiceKindSales && inv.Kind != InvoiceKindPurchase {
		return Voucher{}, fmt.Errorf("%w: invoice %d has kind %q", ErrInvalidVoucherType, inv.ID, inv.Kind)
	}
	amounts, err := PriceInvoice(inv)
	if err != nil {
		return Voucher{}, err
	}
	narration := fmt.Sprintf("Invoice %s", inv.Number)
	sales := inv.Kind == InvoiceKindSales

	side := func(ledgerID int64, amount decimal.Decimal, debit bool, memo string) VoucherLine {
		l := VoucherLine{LedgerID: ledgerID, Debit: decimal.Zero, Credit: decimal.Zero, Narration: memo}
		if debit {
			l.Debit = amount
		} else {
			l.Credit = amount
		}
		return l
	}

	lines := []VoucherLine{
		side(inv.PartyLedgerID, amounts.Total, sales, narration),
		side(inv.RevenueLedgerID, amounts.Net, !sales, narration),
	}
	taxLedgers := make([]int64, 0, len(amounts.Taxes))
	for id := range amounts.Taxes {
		taxLedgers = append(taxLedgers, id)
	}
	sort.Slice(taxLedgers, func(i, j int) bool { return taxLedgers[i] < taxLedgers[j] })
	for _, id := range taxLedgers {
		if amounts.Taxes[id].IsZero() {
			continue
		}
		lines = append(lines, side(id, amounts.Taxes[id], !sales, narration+" tax"))
	}

	stock := make([]StockLine, 0, len(inv.Lines))
	for _, line := range inv.Lines {
		stock = append(stock, StockLine{
			ItemID:   line.ItemID,
			GodownID: line.GodownID,
			Quantity: line.Quantity,
			UnitCost: line.Rate,
		})
	}

	return Voucher{
		Scoped:          Scoped{CompanyID: inv.CompanyID},
		VoucherTypeID:   inv.VoucherTypeID,
		FinancialYearID: inv.FinancialYearID,
		Date:            inv.Date,
		Status:          VoucherStatusDraft,
		Narration:       narration,
		CreatedBy:       inv.CreatedBy,
		Lines:           lines,
		StockLines:      stock,
	}, nil
}
