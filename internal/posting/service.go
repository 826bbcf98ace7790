package posting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-posting/internal/outbox"
	"github.com/odyssey-erp/odyssey-posting/internal/shared"
)

// Operation names used for idempotency scopes, metrics and logs.
const (
	OpPostVoucher    = "post_voucher"
	OpPostInvoice    = "post_invoice"
	OpReverseVoucher = "reverse_voucher"
)

// Notifier is told after a commit that wrote outbox events.
type Notifier interface {
	Notify()
}

// MetricsRecorder observes posting outcomes.
type MetricsRecorder interface {
	ObservePosting(op, outcome string, duration time.Duration)
}

// ServiceConfig bundles optional collaborators of the Service.
type ServiceConfig struct {
	Logger   *slog.Logger
	Notifier Notifier
	Metrics  MetricsRecorder
}

// Service posts vouchers and invoices and reverses posted vouchers.
type Service struct {
	repo     RepositoryPort
	logger   *slog.Logger
	notifier Notifier
	metrics  MetricsRecorder
	flight   singleflight.Group
	now      func() time.Time
}

// NewService constructs the posting service.
func NewService(repo RepositoryPort, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, notifier: cfg.Notifier, metrics: cfg.Metrics, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

type outcome struct {
	voucher  Voucher
	replayed bool
}

// stockStep moves stock for a voucher being posted.
type stockStep func(ctx context.Context, tx TxRepository, pc postingContext, v Voucher) error

type postRequest struct {
	actor     Actor
	action    string
	eventType string
	metadata  map[string]any
	invoiceID *int64
	idemKey   *string
	stock     stockStep
}

// PostVoucher moves a DRAFT voucher to POSTED. A repeated idempotency key
// returns the voucher the key first resolved to.
func (s *Service) PostVoucher(ctx context.Context, in PostVoucherInput) (Voucher, error) {
	if in.VoucherID <= 0 {
		return Voucher{}, fmt.Errorf("%w: voucher id required", ErrNotFound)
	}
	key := OpPostVoucher + "|" + strconv.FormatInt(in.VoucherID, 10) + "|" + in.IdempotencyKey
	return s.run(ctx, OpPostVoucher, key, in.IdempotencyKey != "", func(ctx context.Context) (outcome, error) {
		var out outcome
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			current, err := tx.GetVoucher(ctx, in.VoucherID)
			if err != nil {
				return err
			}
			scope := shared.IdempotencyScope(current.CompanyID, OpPostVoucher)
			if in.IdempotencyKey != "" {
				existing, found, err := s.reserve(ctx, tx, scope, in.IdempotencyKey)
				if err != nil {
					return err
				}
				if found {
					out = outcome{voucher: existing, replayed: true}
					return nil
				}
			}
			v, err := tx.GetVoucherForUpdate(ctx, in.VoucherID)
			if err != nil {
				return err
			}
			req := postRequest{
				actor:     in.Actor,
				action:    ActionPostVoucher,
				eventType: outbox.EventVoucherPosted,
				metadata:  in.Metadata,
				stock:     forwardStock,
			}
			if in.IdempotencyKey != "" {
				k := in.IdempotencyKey
				req.idemKey = &k
			}
			posted, err := s.post(ctx, tx, v, req)
			if err != nil {
				return err
			}
			if in.IdempotencyKey != "" {
				if err := tx.CompleteIdempotencyKey(ctx, scope, in.IdempotencyKey, posted.ID); err != nil {
					return err
				}
			}
			out = outcome{voucher: posted}
			return nil
		})
		return out, err
	})
}

// PostInvoice builds a voucher from an invoice and posts it in one transaction.
func (s *Service) PostInvoice(ctx context.Context, in PostInvoiceInput) (Voucher, error) {
	if in.InvoiceID <= 0 {
		return Voucher{}, fmt.Errorf("%w: invoice id required", ErrNotFound)
	}
	key := OpPostInvoice + "|" + strconv.FormatInt(in.InvoiceID, 10) + "|" + in.IdempotencyKey
	return s.run(ctx, OpPostInvoice, key, in.IdempotencyKey != "", func(ctx context.Context) (outcome, error) {
		var out outcome
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			inv, err := tx.GetInvoiceForUpdate(ctx, in.InvoiceID)
			if err != nil {
				return err
			}
			scope := shared.IdempotencyScope(inv.CompanyID, OpPostInvoice)
			if in.IdempotencyKey != "" {
				existing, found, err := s.reserve(ctx, tx, scope, in.IdempotencyKey)
				if err != nil {
					return err
				}
				if found {
					out = outcome{voucher: existing, replayed: true}
					return nil
				}
			}

			if inv.Status == InvoiceStatusPosted {
				return fmt.Errorf("invoice %d: %w", inv.ID, ErrAlreadyPosted)
			}
			var draft Voucher
			if inv.VoucherID != nil {
				draft, err = tx.GetVoucherForUpdate(ctx, *inv.VoucherID)
				if err != nil {
					return err
				}
			} else {
				draft = Voucher{
					Scoped:          Scoped{CompanyID: inv.CompanyID},
					VoucherTypeID:   inv.VoucherTypeID,
					FinancialYearID: inv.FinancialYearID,
					Date:            inv.Date,
					Status:          VoucherStatusDraft,
				}
			}
			if err := s.checkHeader(ctx, tx, draft); err != nil {
				return fmt.Errorf("invoice %d: %w", inv.ID, err)
			}
			if inv.VoucherID == nil {
				built, err := BuildInvoiceVoucher(inv)
				if err != nil {
					return err
				}
				built.CreatedBy = in.Actor.UserID
				draft, err = tx.InsertVoucher(ctx, built)
				if err != nil {
					return err
				}
				if err := tx.LinkInvoiceVoucher(ctx, inv.ID, draft.ID); err != nil {
					return err
				}
			}

			invoiceID := inv.ID
			req := postRequest{
				actor:     in.Actor,
				action:    ActionPostInvoice,
				eventType: outbox.EventVoucherPosted,
				metadata:  in.Metadata,
				invoiceID: &invoiceID,
				stock:     forwardStock,
			}
			if in.IdempotencyKey != "" {
				k := in.IdempotencyKey
				req.idemKey = &k
			}
			posted, err := s.post(ctx, tx, draft, req)
			if err != nil {
				return err
			}
			if err := tx.MarkInvoicePosted(ctx, inv.ID); err != nil {
				return err
			}
			if in.IdempotencyKey != "" {
				if err := tx.CompleteIdempotencyKey(ctx, scope, in.IdempotencyKey, posted.ID); err != nil {
					return err
				}
			}
			out = outcome{voucher: posted}
			return nil
		})
		return out, err
	})
}

// ReverseVoucher posts a mirror voucher with debit and credit swapped and
// marks the original REVERSED. The original's lines are left untouched.
func (s *Service) ReverseVoucher(ctx context.Context, in ReverseInput) (Voucher, error) {
	if in.VoucherID <= 0 {
		return Voucher{}, fmt.Errorf("%w: voucher id required", ErrNotFound)
	}
	return s.run(ctx, OpReverseVoucher, "", false, func(ctx context.Context) (outcome, error) {
		var out outcome
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			original, err := tx.GetVoucherForUpdate(ctx, in.VoucherID)
			if err != nil {
				return err
			}
			if err := ensureReversible(original); err != nil {
				return err
			}
			date := in.ReversalDate
			if date.IsZero() {
				date = s.now()
			}
			year, err := tx.FindFinancialYear(ctx, original.CompanyID, date)
			if err != nil {
				if errors.Is(err, ErrNotFound) {
					return fmt.Errorf("%w: no financial year covers %s", ErrFinancialYearClosed, date.Format("2006-01-02"))
				}
				return err
			}
			narration := in.Reason
			if narration == "" {
				narration = defaultReversalMemo(original)
			}
			originalID := original.ID
			stockLines := make([]StockLine, len(original.StockLines))
			for i, l := range original.StockLines {
				stockLines[i] = StockLine{ItemID: l.ItemID, GodownID: l.GodownID, Quantity: l.Quantity, UnitCost: l.UnitCost}
			}
			draft, err := tx.InsertVoucher(ctx, Voucher{
				Scoped:          Scoped{CompanyID: original.CompanyID},
				VoucherTypeID:   original.VoucherTypeID,
				FinancialYearID: year.ID,
				Date:            date,
				Status:          VoucherStatusDraft,
				Narration:       narration,
				CreatedBy:       in.Actor.UserID,
				ReversalOf:      &originalID,
				Lines:           reverseLines(original.Lines, narration),
				StockLines:      stockLines,
			})
			if err != nil {
				return err
			}
			meta := make(map[string]any, len(in.Metadata)+1)
			for k, v := range in.Metadata {
				meta[k] = v
			}
			meta["reason"] = in.Reason
			posted, err := s.post(ctx, tx, draft, postRequest{
				actor:     in.Actor,
				action:    ActionReverseVoucher,
				eventType: outbox.EventVoucherReversed,
				metadata:  meta,
				stock: func(ctx context.Context, tx TxRepository, pc postingContext, v Voucher) error {
					switch pc.Type.StockDirection {
					case StockDirectionOut:
						return restoreOutgoing(ctx, tx, original, v)
					case StockDirectionIn:
						return consumeIncoming(ctx, tx, original, v)
					}
					return nil
				},
			})
			if err != nil {
				return err
			}
			if err := tx.MarkVoucherReversed(ctx, original.ID, posted.ID); err != nil {
				return err
			}
			out = outcome{voucher: posted}
			return nil
		})
		return out, err
	})
}

// GetVoucher loads a voucher with its lines.
func (s *Service) GetVoucher(ctx context.Context, id int64) (Voucher, error) {
	var v Voucher
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		v, err = tx.GetVoucher(ctx, id)
		return err
	})
	if err != nil {
		return Voucher{}, postingFailed("get_voucher", err)
	}
	return v, nil
}

func (s *Service) reserve(ctx context.Context, tx TxRepository, scope, key string) (Voucher, bool, error) {
	voucherID, found, err := tx.ReserveIdempotencyKey(ctx, scope, key)
	if err != nil || !found {
		return Voucher{}, false, err
	}
	v, err := tx.GetVoucher(ctx, voucherID)
	if err != nil {
		return Voucher{}, false, err
	}
	return v, true, nil
}

// post runs validation, stock, numbering, ledger and emission for a DRAFT
// voucher inside the caller's transaction.
func (s *Service) post(ctx context.Context, tx TxRepository, v Voucher, req postRequest) (Voucher, error) {
	if err := ensurePostable(v); err != nil {
		return Voucher{}, err
	}
	pc, err := s.load(ctx, tx, v)
	if err != nil {
		return Voucher{}, err
	}
	if err := validate(pc); err != nil {
		return Voucher{}, err
	}
	lines, err := normalizeLines(v.CompanyID, v.Lines, pc.Ledgers)
	if err != nil {
		return Voucher{}, err
	}
	if err := tx.UpdateVoucherLines(ctx, v.ID, lines); err != nil {
		return Voucher{}, err
	}
	v.Lines = lines

	if pc.Type.AffectsStock() && req.stock != nil {
		if err := req.stock(ctx, tx, pc, v); err != nil {
			return Voucher{}, err
		}
	}

	number, err := allocateNumber(ctx, tx, SequenceScope{CompanyID: v.CompanyID, VoucherTypeID: v.VoucherTypeID, FinancialYearID: v.FinancialYearID})
	if err != nil {
		return Voucher{}, err
	}
	now := s.now()
	header := PostedHeader{
		Number:         number,
		DisplayNumber:  FormatVoucherNumber(pc.Type.Prefix, pc.Year.Code, number),
		PostedBy:       req.actor.UserID,
		PostedAt:       now,
		IdempotencyKey: req.idemKey,
	}
	if err := tx.MarkVoucherPosted(ctx, v.ID, header); err != nil {
		return Voucher{}, err
	}
	if err := applyBalances(ctx, tx, v.Lines); err != nil {
		return Voucher{}, err
	}

	postedBy := req.actor.UserID
	v.Status = VoucherStatusPosted
	v.Number = &number
	v.DisplayNumber = header.DisplayNumber
	v.PostedBy = &postedBy
	v.PostedAt = &now
	v.IdempotencyKey = req.idemKey

	if err := emit(ctx, tx, emission{
		action:    req.action,
		eventType: req.eventType,
		voucher:   v,
		actor:     req.actor,
		at:        now,
		metadata:  req.metadata,
		invoiceID: req.invoiceID,
	}); err != nil {
		return Voucher{}, err
	}
	return v, nil
}

func (s *Service) load(ctx context.Context, tx TxRepository, v Voucher) (postingContext, error) {
	pc, err := loadHeader(ctx, tx, v)
	if err != nil {
		return pc, err
	}
	if pc.Ledgers, err = tx.GetLedgers(ctx, ledgerIDs(v.Lines)); err != nil {
		return pc, err
	}
	return pc, nil
}

// checkHeader runs the period, lock and type checks on a voucher header
// that may not have lines yet.
func (s *Service) checkHeader(ctx context.Context, tx TxRepository, v Voucher) error {
	pc, err := loadHeader(ctx, tx, v)
	if err != nil {
		return err
	}
	return validateHeader(pc)
}

func loadHeader(ctx context.Context, tx TxRepository, v Voucher) (postingContext, error) {
	pc := postingContext{Voucher: v}
	var err error
	if pc.Year, err = tx.GetFinancialYear(ctx, v.FinancialYearID); err != nil {
		return pc, err
	}
	if pc.Company, err = tx.GetCompany(ctx, v.CompanyID); err != nil {
		return pc, err
	}
	if pc.Type, err = tx.GetVoucherType(ctx, v.VoucherTypeID); err != nil {
		return pc, err
	}
	return pc, nil
}

func forwardStock(ctx context.Context, tx TxRepository, pc postingContext, v Voucher) error {
	switch pc.Type.StockDirection {
	case StockDirectionOut:
		_, err := allocateOutgoing(ctx, tx, v)
		return err
	case StockDirectionIn:
		_, err := receiveIncoming(ctx, tx, v)
		return err
	}
	return nil
}

// run wraps an operation with request coalescing, error classification,
// logging, metrics and the post-commit outbox notification.
func (s *Service) run(ctx context.Context, op, flightKey string, coalesce bool, fn func(context.Context) (outcome, error)) (Voucher, error) {
	start := s.now()
	var (
		out outcome
		err error
	)
	if coalesce {
		out, err = s.coalesced(ctx, flightKey, fn)
	} else {
		out, err = fn(ctx)
	}
	err = postingFailed(op, err)

	result := "ok"
	switch {
	case err != nil:
		result = KindOf(err).String()
	case out.replayed:
		result = "replayed"
	}
	if s.metrics != nil {
		s.metrics.ObservePosting(op, result, s.now().Sub(start))
	}
	if err != nil {
		level := slog.LevelWarn
		if KindOf(err) == KindPostingError {
			level = slog.LevelError
		}
		s.logger.Log(ctx, level, "posting rejected",
			slog.String("op", op),
			slog.String("kind", result),
			slog.Any("error", err))
		return Voucher{}, err
	}
	if !out.replayed && s.notifier != nil {
		s.notifier.Notify()
	}
	s.logger.Info("posting committed",
		slog.String("op", op),
		slog.Int64("voucher_id", out.voucher.ID),
		slog.String("voucher_number", out.voucher.DisplayNumber),
		slog.Bool("replayed", out.replayed))
	return out.voucher, nil
}

// coalesced shares one execution between callers with the same key. The
// shared run ignores the first caller's cancellation so followers still get
// the voucher; lock_timeout bounds how long it can wait.
func (s *Service) coalesced(ctx context.Context, key string, fn func(context.Context) (outcome, error)) (outcome, error) {
	detached := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(key, func() (interface{}, error) {
		return fn(detached)
	})
	select {
	case <-ctx.Done():
		return outcome{}, ctx.Err()
	case res := <-ch:
		out, _ := res.Val.(outcome)
		return out, res.Err
	}
}

func defaultReversalMemo(v Voucher) string {
	if v.DisplayNumber != "" {
		return "Reversal of " + v.DisplayNumber
	}
	return fmt.Sprintf("Reversal of voucher %d", v.ID)
}
