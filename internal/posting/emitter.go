package posting

import (
	"context"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-posting/internal/outbox"
	"github.com/odyssey-erp/odyssey-posting/internal/shared"
)

// Audit actions.
const (
	ActionPostVoucher    = "POST_VOUCHER"
	ActionPostInvoice    = "POST_INVOICE"
	ActionReverseVoucher = "REVERSE_VOUCHER"
)

// VoucherEvent is the payload of voucher integration events.
type VoucherEvent struct {
	VoucherID       int64           `json:"voucher_id"`
	CompanyID       int64           `json:"company_id"`
	VoucherTypeID   int64           `json:"voucher_type_id"`
	FinancialYearID int64           `json:"financial_year_id"`
	VoucherNumber   int64           `json:"voucher_number"`
	DisplayNumber   string          `json:"display_number"`
	VoucherDate     string          `json:"voucher_date"`
	Total           decimal.Decimal `json:"total"`
	ActorID         int64           `json:"actor_id"`
	OccurredAt      time.Time       `json:"occurred_at"`
	ReversalOf      *int64          `json:"reversal_of,omitempty"`
	InvoiceID       *int64          `json:"invoice_id,omitempty"`
	Ledgers         []int64         `json:"ledgers"`
	Metadata        map[string]any  `json:"metadata,omitempty"`
}

type emission struct {
	action    string
	eventType string
	voucher   Voucher
	actor     Actor
	at        time.Time
	metadata  map[string]any
	invoiceID *int64
}

// emit writes the audit entry and the outbox event inside the posting
// transaction. Publication happens after commit.
func emit(ctx context.Context, tx TxRepository, e emission) error {
	meta := make(map[string]any, len(e.metadata)+3)
	for k, v := range e.metadata {
		meta[k] = v
	}
	meta["voucher_number"] = e.voucher.DisplayNumber
	if e.voucher.ReversalOf != nil {
		meta["reversal_of"] = *e.voucher.ReversalOf
	}
	if e.invoiceID != nil {
		meta["invoice_id"] = *e.invoiceID
	}
	if err := tx.RecordAudit(ctx, shared.AuditLog{
		ActorID:  e.actor.UserID,
		Action:   e.action,
		Entity:   "voucher",
		EntityID: strconv.FormatInt(e.voucher.ID, 10),
		Meta:     meta,
		At:       e.at,
	}); err != nil {
		return err
	}

	var number int64
	if e.voucher.Number != nil {
		number = *e.voucher.Number
	}
	event, err := outbox.NewEvent(e.eventType, e.voucher.ID, VoucherEvent{
		VoucherID:       e.voucher.ID,
		CompanyID:       e.voucher.CompanyID,
		VoucherTypeID:   e.voucher.VoucherTypeID,
		FinancialYearID: e.voucher.FinancialYearID,
		VoucherNumber:   number,
		DisplayNumber:   e.voucher.DisplayNumber,
		VoucherDate:     e.voucher.Date.Format("2006-01-02"),
		Total:           e.voucher.TotalDebit(),
		ActorID:         e.actor.UserID,
		OccurredAt:      e.at,
		ReversalOf:      e.voucher.ReversalOf,
		InvoiceID:       e.invoiceID,
		Ledgers:         ledgerIDs(e.voucher.Lines),
		Metadata:        e.metadata,
	}, e.at)
	if err != nil {
		return err
	}
	return tx.EnqueueEvent(ctx, event)
}
