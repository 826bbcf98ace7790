package posting

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultLedgerPrecision rounds invoice amounts and stands in for a ledger
// whose precision is negative. Zero is a valid precision (whole units).
const DefaultLedgerPrecision int32 = 2

// postingContext holds everything the pipeline reads before mutating state.
type postingContext struct {
	Voucher Voucher
	Company Company
	Year    FinancialYear
	Type    VoucherType
	Ledgers map[int64]Ledger
}

// validationStep is one check of the pipeline. Steps run in order and the
// first failure aborts the posting.
type validationStep struct {
	name  string
	check func(postingContext) error
}

// headerSteps need no lines, so invoices run them before pricing.
var headerSteps = []validationStep{
	{name: "status", check: checkStatus},
	{name: "financial_year", check: checkFinancialYear},
	{name: "company", check: checkCompany},
	{name: "voucher_type", check: checkVoucherType},
}

var pipeline = append(append([]validationStep(nil), headerSteps...),
	validationStep{name: "balance", check: checkBalance},
)

// Validate runs the posting checks in their fixed order.
func validate(pc postingContext) error {
	return runSteps(pipeline, pc)
}

func validateHeader(pc postingContext) error {
	return runSteps(headerSteps, pc)
}

func runSteps(steps []validationStep, pc postingContext) error {
	for _, step := range steps {
		if err := step.check(pc); err != nil {
			return err
		}
	}
	return nil
}

func checkStatus(pc postingContext) error {
	return ensurePostable(pc.Voucher)
}

func checkFinancialYear(pc postingContext) error {
	if pc.Year.IsClosed {
		return fmt.Errorf("%w: %s", ErrFinancialYearClosed, pc.Year.Code)
	}
	if pc.Year.CompanyID != pc.Voucher.CompanyID {
		return fmt.Errorf("%w: financial year %d belongs to another company", ErrFinancialYearClosed, pc.Year.ID)
	}
	if !pc.Year.Covers(pc.Voucher.Date) {
		return fmt.Errorf("%w: voucher date %s outside %s", ErrFinancialYearClosed, pc.Voucher.Date.Format("2006-01-02"), pc.Year.Code)
	}
	return nil
}

func checkCompany(pc postingContext) error {
	if pc.Company.IsLocked {
		return fmt.Errorf("%w: company %d", ErrCompanyLocked, pc.Company.ID)
	}
	return nil
}

func checkVoucherType(pc postingContext) error {
	if !pc.Type.IsActive {
		return fmt.Errorf("%w: %s is inactive", ErrInvalidVoucherType, pc.Type.Code)
	}
	if pc.Type.CompanyID != pc.Voucher.CompanyID {
		return fmt.Errorf("%w: %s belongs to another company", ErrInvalidVoucherType, pc.Type.Code)
	}
	return nil
}

func checkBalance(pc postingContext) error {
	_, err := normalizeLines(pc.Voucher.CompanyID, pc.Voucher.Lines, pc.Ledgers)
	return err
}

// normalizeLines rounds every line to its ledger precision and verifies that
// the rounded debits equal the rounded credits exactly.
func normalizeLines(companyID int64, lines []VoucherLine, ledgers map[int64]Ledger) ([]VoucherLine, error) {
	if len(lines) < 2 {
		return nil, unbalanced("voucher needs at least two lines, got %d", len(lines))
	}
	out := make([]VoucherLine, len(lines))
	debit := decimal.Zero
	credit := decimal.Zero
	for i, line := range lines {
		ledger, ok := ledgers[line.LedgerID]
		if !ok {
			return nil, unbalanced("line %d references unknown ledger %d", i+1, line.LedgerID)
		}
		if ledger.CompanyID != companyID {
			return nil, unbalanced("line %d ledger %d belongs to another company", i+1, line.LedgerID)
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return nil, unbalanced("line %d has a negative amount", i+1)
		}
		precision := ledger.Precision
		if precision < 0 {
			precision = DefaultLedgerPrecision
		}
		d := line.Debit.Round(precision)
		c := line.Credit.Round(precision)
		if d.IsPositive() && c.IsPositive() {
			return nil, unbalanced("line %d has both debit and credit", i+1)
		}
		if d.IsZero() && c.IsZero() {
			return nil, unbalanced("line %d has no amount", i+1)
		}
		line.Debit = d
		line.Credit = c
		out[i] = line
		debit = debit.Add(d)
		credit = credit.Add(c)
	}
	if !debit.Equal(credit) {
		return nil, unbalanced("debit %s does not equal credit %s", debit.String(), credit.String())
	}
	return out, nil
}
