package posting

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// VoucherStatus enumerates lifecycle states of a voucher.
type VoucherStatus string

const (
	VoucherStatusDraft    VoucherStatus = "DRAFT"
	VoucherStatusPosted   VoucherStatus = "POSTED"
	VoucherStatusReversed VoucherStatus = "REVERSED"
)

// StockDirection tells the allocation engine how a voucher type moves stock.
type StockDirection string

const (
	StockDirectionNone StockDirection = "NONE"
	StockDirectionOut  StockDirection = "OUT"
	StockDirectionIn   StockDirection = "IN"
)

// InvoiceKind distinguishes sales and purchase invoices.
type InvoiceKind string

const (
	InvoiceKindSales    InvoiceKind = "SALES"
	InvoiceKindPurchase InvoiceKind = "PURCHASE"
)

// InvoiceStatus tracks whether an invoice reached the ledger.
type InvoiceStatus string

const (
	InvoiceStatusDraft  InvoiceStatus = "DRAFT"
	InvoiceStatusPosted InvoiceStatus = "POSTED"
)

// Scoped carries the company scope and timestamps shared by every persisted entity.
type Scoped struct {
	CompanyID int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Company is read by the posting pipeline for its lock flag.
type Company struct {
	ID       int64
	Name     string
	IsLocked bool
}

// FinancialYear bounds the dates a voucher may be posted against.
type FinancialYear struct {
	Scoped
	ID        int64
	Code      string
	StartDate time.Time
	EndDate   time.Time
	IsClosed  bool
}

// Covers reports whether the date falls within the financial year, inclusive.
func (fy FinancialYear) Covers(date time.Time) bool {
	d := truncateDate(date)
	return !d.Before(truncateDate(fy.StartDate)) && !d.After(truncateDate(fy.EndDate))
}

// VoucherType classifies vouchers and scopes their numbering.
type VoucherType struct {
	Scoped
	ID             int64
	Code           string
	Name           string
	Prefix         string
	StockDirection StockDirection
	IsActive       bool
}

// AffectsStock reports whether postings of this type run stock allocation.
func (vt VoucherType) AffectsStock() bool {
	return vt.StockDirection == StockDirectionOut || vt.StockDirection == StockDirectionIn
}

var upperCaser = cases.Upper(language.Und)

// NormalizeTypeCode upper-cases and trims voucher type codes and prefixes.
func NormalizeTypeCode(code string) string {
	return upperCaser.String(strings.TrimSpace(code))
}

// Ledger is an account with a cached running balance (debit positive).
type Ledger struct {
	Scoped
	ID        int64
	Name      string
	Group     string
	Balance   decimal.Decimal
	Precision int32
}

// Voucher is the header of a business document moving through the posting pipeline.
type Voucher struct {
	Scoped
	ID              int64
	VoucherTypeID   int64
	FinancialYearID int64
	Date            time.Time
	Number          *int64
	DisplayNumber   string
	Status          VoucherStatus
	Narration       string
	CreatedBy       int64
	PostedBy        *int64
	PostedAt        *time.Time
	IdempotencyKey  *string
	ReversalOf      *int64
	ReversedBy      *int64
	Lines           []VoucherLine
	StockLines      []StockLine
}

// TotalDebit sums debit amounts across lines.
func (v Voucher) TotalDebit() decimal.Decimal {
	total := decimal.Zero
	for _, l := range v.Lines {
		total = total.Add(l.Debit)
	}
	return total
}

// TotalCredit sums credit amounts across lines.
func (v Voucher) TotalCredit() decimal.Decimal {
	total := decimal.Zero
	for _, l := range v.Lines {
		total = total.Add(l.Credit)
	}
	return total
}

// VoucherLine is a single debit or credit against a ledger.
type VoucherLine struct {
	ID        int64
	VoucherID int64
	LedgerID  int64
	Debit     decimal.Decimal
	Credit    decimal.Decimal
	Narration string
}

// StockLine moves a quantity of an item in a godown.
type StockLine struct {
	ID        int64
	VoucherID int64
	ItemID    int64
	GodownID  int64
	Quantity  decimal.Decimal
	UnitCost  decimal.Decimal
}

// StockBatch is a lot received into a godown and consumed in FIFO order.
type StockBatch struct {
	Scoped
	ID                int64
	ItemID            int64
	GodownID          int64
	QuantityReceived  decimal.Decimal
	QuantityRemaining decimal.Decimal
	UnitCost          decimal.Decimal
	ReceivedAt        time.Time
	SourceVoucherID   *int64
}

// StockAllocation records how much of a batch a stock line consumed.
type StockAllocation struct {
	ID               int64
	StockLineID      int64
	BatchID          int64
	QuantityConsumed decimal.Decimal
	UnitCost         decimal.Decimal
}

// SequenceScope identifies an independent voucher numbering sequence.
type SequenceScope struct {
	CompanyID       int64
	VoucherTypeID   int64
	FinancialYearID int64
}

func (s SequenceScope) String() string {
	return fmt.Sprintf("%d/%d/%d", s.CompanyID, s.VoucherTypeID, s.FinancialYearID)
}

// Invoice is a sales or purchase document that posts through a generated voucher.
type Invoice struct {
	Scoped
	ID              int64
	VoucherTypeID   int64
	FinancialYearID int64
	Kind            InvoiceKind
	Status          InvoiceStatus
	Number          string
	Date            time.Time
	PartyLedgerID   int64
	RevenueLedgerID int64
	VoucherID       *int64
	CreatedBy       int64
	Lines           []InvoiceLine
}

// InvoiceLine is a priced item line of an invoice.
type InvoiceLine struct {
	ItemID      int64
	GodownID    int64
	Quantity    decimal.Decimal
	Rate        decimal.Decimal
	TaxRate     decimal.Decimal
	TaxLedgerID *int64
	Narration   string
}

// Actor identifies who requested an operation.
type Actor struct {
	UserID int64
}

// PostVoucherInput carries the parameters of PostVoucher.
type PostVoucherInput struct {
	VoucherID      int64
	Actor          Actor
	IdempotencyKey string
	Metadata       map[string]any
}

// PostInvoiceInput carries the parameters of PostInvoice.
type PostInvoiceInput struct {
	InvoiceID      int64
	Actor          Actor
	IdempotencyKey string
	Metadata       map[string]any
}

// ReverseInput carries the parameters of ReverseVoucher.
type ReverseInput struct {
	VoucherID    int64
	Actor        Actor
	ReversalDate time.Time
	Reason       string
	Metadata     map[string]any
}

// FormatVoucherNumber renders the human facing voucher number.
func FormatVoucherNumber(prefix, fyCode string, number int64) string {
	parts := make([]string, 0, 3)
	if p := NormalizeTypeCode(prefix); p != "" {
		parts = append(parts, p)
	}
	if fyCode != "" {
		parts = append(parts, fyCode)
	}
	parts = append(parts, fmt.Sprintf("%05d", number))
	return strings.Join(parts, "/")
}

func truncateDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
