package postinghttp

import (
	"time"

	"github.com/odyssey-erp/odyssey-posting/internal/posting"
)

type postRequest struct {
	IdempotencyKey string         `json:"idempotency_key" validate:"omitempty,max=128,printascii"`
	Metadata       map[string]any `json:"metadata" validate:"omitempty,max=32"`
}

type reverseRequest struct {
	ReversalDate string         `json:"reversal_date" validate:"required,datetime=2006-01-02"`
	Reason       string         `json:"reason" validate:"required,max=500"`
	Metadata     map[string]any `json:"metadata" validate:"omitempty,max=32"`
}

type lineResponse struct {
	LedgerID  int64  `json:"ledger_id"`
	Debit     string `json:"debit"`
	Credit    string `json:"credit"`
	Narration string `json:"narration,omitempty"`
}

type stockLineResponse struct {
	ItemID   int64  `json:"item_id"`
	GodownID int64  `json:"godown_id"`
	Quantity string `json:"quantity"`
	UnitCost string `json:"unit_cost"`
}

type voucherResponse struct {
	ID              int64               `json:"id"`
	CompanyID       int64               `json:"company_id"`
	VoucherTypeID   int64               `json:"voucher_type_id"`
	FinancialYearID int64               `json:"financial_year_id"`
	Date            string              `json:"date"`
	Number          *int64              `json:"number,omitempty"`
	DisplayNumber   string              `json:"display_number,omitempty"`
	Status          string              `json:"status"`
	Narration       string              `json:"narration,omitempty"`
	PostedBy        *int64              `json:"posted_by,omitempty"`
	PostedAt        *time.Time          `json:"posted_at,omitempty"`
	ReversalOf      *int64              `json:"reversal_of,omitempty"`
	ReversedBy      *int64              `json:"reversed_by,omitempty"`
	TotalDebit      string              `json:"total_debit"`
	TotalCredit     string              `json:"total_credit"`
	Lines           []lineResponse      `json:"lines"`
	StockLines      []stockLineResponse `json:"stock_lines,omitempty"`
}

func toVoucherResponse(v posting.Voucher) voucherResponse {
	resp := voucherResponse{
		ID:              v.ID,
		CompanyID:       v.CompanyID,
		VoucherTypeID:   v.VoucherTypeID,
		FinancialYearID: v.FinancialYearID,
		Date:            v.Date.Format("2006-01-02"),
		Number:          v.Number,
		DisplayNumber:   v.DisplayNumber,
		Status:          string(v.Status),
		Narration:       v.Narration,
		PostedBy:        v.PostedBy,
		PostedAt:        v.PostedAt,
		ReversalOf:      v.ReversalOf,
		ReversedBy:      v.ReversedBy,
		TotalDebit:      v.TotalDebit().StringFixed(2),
		TotalCredit:     v.TotalCredit().StringFixed(2),
		Lines:           make([]lineResponse, 0, len(v.Lines)),
	}
	for _, l := range v.Lines {
		resp.Lines = append(resp.Lines, lineResponse{
			LedgerID:  l.LedgerID,
			Debit:     l.Debit.String(),
			Credit:    l.Credit.String(),
			Narration: l.Narration,
		})
	}
	for _, l := range v.StockLines {
		resp.StockLines = append(resp.StockLines, stockLineResponse{
			ItemID:   l.ItemID,
			GodownID: l.GodownID,
			Quantity: l.Quantity.String(),
			UnitCost: l.UnitCost.String(),
		})
	}
	return resp
}
