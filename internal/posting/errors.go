package posting

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Kind classifies posting failures so callers can branch exhaustively.
type Kind uint8

const (
	KindPostingError Kind = iota
	KindNotFound
	KindAlreadyPosted
	KindUnbalancedVoucher
	KindInsufficientStock
	KindFinancialYearClosed
	KindCompanyLocked
	KindInvalidVoucherType
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindAlreadyPosted:
		return "AlreadyPosted"
	case KindUnbalancedVoucher:
		return "UnbalancedVoucher"
	case KindInsufficientStock:
		return "InsufficientStock"
	case KindFinancialYearClosed:
		return "FinancialYearClosed"
	case KindCompanyLocked:
		return "CompanyLocked"
	case KindInvalidVoucherType:
		return "InvalidVoucherType"
	default:
		return "PostingError"
	}
}

var (
	// ErrNotFound indicates the voucher, invoice or a referenced row does not exist.
	ErrNotFound = errors.New("posting: not found")
	// ErrAlreadyPosted indicates the document left DRAFT before this request.
	ErrAlreadyPosted = errors.New("posting: voucher already posted")
	// ErrUnbalancedVoucher indicates debits and credits differ or lines are malformed.
	ErrUnbalancedVoucher = errors.New("posting: voucher is not balanced")
	// ErrInsufficientStock indicates FIFO batches cannot cover an outgoing quantity.
	ErrInsufficientStock = errors.New("posting: insufficient stock")
	// ErrFinancialYearClosed indicates the financial year no longer accepts postings.
	ErrFinancialYearClosed = errors.New("posting: financial year closed")
	// ErrCompanyLocked indicates the company is locked against postings.
	ErrCompanyLocked = errors.New("posting: company locked")
	// ErrInvalidVoucherType indicates the voucher type is inactive or foreign to the company.
	ErrInvalidVoucherType = errors.New("posting: invalid voucher type")
	// ErrPostingFailed wraps infrastructure failures such as lock timeouts and deadlocks.
	ErrPostingFailed = errors.New("posting: posting failed")
)

// KindOf maps any error returned by this package to its Kind.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindPostingError
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrAlreadyPosted):
		return KindAlreadyPosted
	case errors.Is(err, ErrUnbalancedVoucher):
		return KindUnbalancedVoucher
	case errors.Is(err, ErrInsufficientStock):
		return KindInsufficientStock
	case errors.Is(err, ErrFinancialYearClosed):
		return KindFinancialYearClosed
	case errors.Is(err, ErrCompanyLocked):
		return KindCompanyLocked
	case errors.Is(err, ErrInvalidVoucherType):
		return KindInvalidVoucherType
	default:
		return KindPostingError
	}
}

// InsufficientStockError reports the first shortfall found by the allocation engine.
type InsufficientStockError struct {
	ItemID    int64
	GodownID  int64
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("posting: insufficient stock for item %d in godown %d: requested %s, available %s",
		e.ItemID, e.GodownID, e.Requested.String(), e.Available.String())
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

func unbalanced(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrUnbalancedVoucher}, args...)...)
}

func postingFailed(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindPostingError || errors.Is(err, ErrPostingFailed) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrPostingFailed, op, err)
}
