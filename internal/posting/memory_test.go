package posting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-posting/internal/outbox"
	"github.com/odyssey-erp/odyssey-posting/internal/shared"
)

// memoryState is the whole database of the in-memory repository. A
// transaction works on a clone and swaps it in on commit.
type memoryState struct {
	companies   map[int64]Company
	years       map[int64]FinancialYear
	types       map[int64]VoucherType
	ledgers     map[int64]Ledger
	vouchers    map[int64]Voucher
	batches     map[int64]StockBatch
	allocations []StockAllocation
	counters    map[SequenceScope]int64
	idempotency map[string]int64
	invoices    map[int64]Invoice
	audits      []shared.AuditLog
	events      []outbox.Event
	nextID      int64
}

func newMemoryState() *memoryState {
	return &memoryState{
		companies:   make(map[int64]Company),
		years:       make(map[int64]FinancialYear),
		types:       make(map[int64]VoucherType),
		ledgers:     make(map[int64]Ledger),
		vouchers:    make(map[int64]Voucher),
		batches:     make(map[int64]StockBatch),
		counters:    make(map[SequenceScope]int64),
		idempotency: make(map[string]int64),
		invoices:    make(map[int64]Invoice),
		nextID:      1000,
	}
}

func (s *memoryState) clone() *memoryState {
	c := newMemoryState()
	for k, v := range s.companies {
		c.companies[k] = v
	}
	for k, v := range s.years {
		c.years[k] = v
	}
	for k, v := range s.types {
		c.types[k] = v
	}
	for k, v := range s.ledgers {
		c.ledgers[k] = v
	}
	for k, v := range s.vouchers {
		v.Lines = append([]VoucherLine(nil), v.Lines...)
		v.StockLines = append([]StockLine(nil), v.StockLines...)
		c.vouchers[k] = v
	}
	for k, v := range s.batches {
		c.batches[k] = v
	}
	for k, v := range s.counters {
		c.counters[k] = v
	}
	for k, v := range s.idempotency {
		c.idempotency[k] = v
	}
	for k, v := range s.invoices {
		v.Lines = append([]InvoiceLine(nil), v.Lines...)
		c.invoices[k] = v
	}
	c.allocations = append([]StockAllocation(nil), s.allocations...)
	c.audits = append([]shared.AuditLog(nil), s.audits...)
	c.events = append([]outbox.Event(nil), s.events...)
	c.nextID = s.nextID
	return c
}

func (s *memoryState) id() int64 {
	s.nextID++
	return s.nextID
}

// memoryRepo serializes transactions the way row locks serialize competing
// postings on one voucher.
type memoryRepo struct {
	mu    sync.Mutex
	state *memoryState
	// failOn makes the named TxRepository call fail, aborting the transaction.
	failOn map[string]error
	txs    int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{state: newMemoryState(), failOn: make(map[string]error)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs++
	tx := &memoryTx{repo: r, state: r.state.clone()}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.state = tx.state
	return nil
}

// snapshot returns a copy of the committed state.
func (r *memoryRepo) snapshot() *memoryState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.clone()
}

func (r *memoryRepo) setFailure(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failOn, op)
		return
	}
	r.failOn[op] = err
}

type memoryTx struct {
	repo  *memoryRepo
	state *memoryState
}

func (tx *memoryTx) fail(op string) error {
	return tx.repo.failOn[op]
}

func idemKey(scope, key string) string {
	return scope + "|" + key
}

func (tx *memoryTx) ReserveIdempotencyKey(ctx context.Context, scope, key string) (int64, bool, error) {
	if err := tx.fail("ReserveIdempotencyKey"); err != nil {
		return 0, false, err
	}
	if id, ok := tx.state.idempotency[idemKey(scope, key)]; ok && id > 0 {
		return id, true, nil
	}
	tx.state.idempotency[idemKey(scope, key)] = 0
	return 0, false, nil
}

func (tx *memoryTx) CompleteIdempotencyKey(ctx context.Context, scope, key string, voucherID int64) error {
	if _, ok := tx.state.idempotency[idemKey(scope, key)]; !ok {
		return fmt.Errorf("idempotency key %s/%s not reserved", scope, key)
	}
	tx.state.idempotency[idemKey(scope, key)] = voucherID
	return nil
}

func (tx *memoryTx) GetVoucher(ctx context.Context, id int64) (Voucher, error) {
	v, ok := tx.state.vouchers[id]
	if !ok {
		return Voucher{}, fmt.Errorf("%w: voucher %d", ErrNotFound, id)
	}
	v.Lines = append([]VoucherLine(nil), v.Lines...)
	v.StockLines = append([]StockLine(nil), v.StockLines...)
	return v, nil
}

func (tx *memoryTx) GetVoucherForUpdate(ctx context.Context, id int64) (Voucher, error) {
	return tx.GetVoucher(ctx, id)
}

func (tx *memoryTx) InsertVoucher(ctx context.Context, v Voucher) (Voucher, error) {
	v.ID = tx.state.id()
	v.Status = VoucherStatusDraft
	for i := range v.Lines {
		v.Lines[i].ID = tx.state.id()
		v.Lines[i].VoucherID = v.ID
	}
	for i := range v.StockLines {
		v.StockLines[i].ID = tx.state.id()
		v.StockLines[i].VoucherID = v.ID
	}
	tx.state.vouchers[v.ID] = v
	return tx.GetVoucher(ctx, v.ID)
}

func (tx *memoryTx) UpdateVoucherLines(ctx context.Context, voucherID int64, lines []VoucherLine) error {
	v, ok := tx.state.vouchers[voucherID]
	if !ok {
		return ErrNotFound
	}
	if v.Status != VoucherStatusDraft {
		return fmt.Errorf("lines of voucher %d are immutable", voucherID)
	}
	v.Lines = append([]VoucherLine(nil), lines...)
	tx.state.vouchers[voucherID] = v
	return nil
}

func (tx *memoryTx) MarkVoucherPosted(ctx context.Context, voucherID int64, header PostedHeader) error {
	if err := tx.fail("MarkVoucherPosted"); err != nil {
		return err
	}
	v, ok := tx.state.vouchers[voucherID]
	if !ok {
		return ErrNotFound
	}
	if v.Status != VoucherStatusDraft {
		return fmt.Errorf("%w: voucher %d", ErrAlreadyPosted, voucherID)
	}
	for _, other := range tx.state.vouchers {
		if other.ID != v.ID && other.Number != nil && *other.Number == header.Number &&
			other.CompanyID == v.CompanyID && other.VoucherTypeID == v.VoucherTypeID && other.FinancialYearID == v.FinancialYearID {
			return fmt.Errorf("%w: duplicate number %d", ErrPostingFailed, header.Number)
		}
	}
	number := header.Number
	postedBy := header.PostedBy
	postedAt := header.PostedAt
	v.Status = VoucherStatusPosted
	v.Number = &number
	v.DisplayNumber = header.DisplayNumber
	v.PostedBy = &postedBy
	v.PostedAt = &postedAt
	v.IdempotencyKey = header.IdempotencyKey
	tx.state.vouchers[voucherID] = v
	return nil
}

func (tx *memoryTx) MarkVoucherReversed(ctx context.Context, voucherID, reversedBy int64) error {
	v, ok := tx.state.vouchers[voucherID]
	if !ok {
		return ErrNotFound
	}
	if v.Status != VoucherStatusPosted {
		return fmt.Errorf("%w: voucher %d", ErrAlreadyPosted, voucherID)
	}
	v.Status = VoucherStatusReversed
	v.ReversedBy = &reversedBy
	tx.state.vouchers[voucherID] = v
	return nil
}

func (tx *memoryTx) GetCompany(ctx context.Context, id int64) (Company, error) {
	c, ok := tx.state.companies[id]
	if !ok {
		return Company{}, fmt.Errorf("%w: company %d", ErrNotFound, id)
	}
	return c, nil
}

func (tx *memoryTx) GetFinancialYear(ctx context.Context, id int64) (FinancialYear, error) {
	fy, ok := tx.state.years[id]
	if !ok {
		return FinancialYear{}, fmt.Errorf("%w: financial year %d", ErrNotFound, id)
	}
	return fy, nil
}

func (tx *memoryTx) FindFinancialYear(ctx context.Context, companyID int64, date time.Time) (FinancialYear, error) {
	var found *FinancialYear
	for _, fy := range tx.state.years {
		fy := fy
		if fy.CompanyID == companyID && fy.Covers(date) {
			if found == nil || fy.StartDate.After(found.StartDate) {
				found = &fy
			}
		}
	}
	if found == nil {
		return FinancialYear{}, fmt.Errorf("%w: financial year for %s", ErrNotFound, date.Format("2006-01-02"))
	}
	return *found, nil
}

func (tx *memoryTx) GetVoucherType(ctx context.Context, id int64) (VoucherType, error) {
	vt, ok := tx.state.types[id]
	if !ok {
		return VoucherType{}, fmt.Errorf("%w: voucher type %d", ErrInvalidVoucherType, id)
	}
	return vt, nil
}

func (tx *memoryTx) GetLedgers(ctx context.Context, ids []int64) (map[int64]Ledger, error) {
	out := make(map[int64]Ledger, len(ids))
	for _, id := range ids {
		if l, ok := tx.state.ledgers[id]; ok {
			out[id] = l
		}
	}
	return out, nil
}

func (tx *memoryTx) ApplyLedgerDelta(ctx context.Context, ledgerID int64, delta decimal.Decimal) error {
	l, ok := tx.state.ledgers[ledgerID]
	if !ok {
		return ErrNotFound
	}
	l.Balance = l.Balance.Add(delta)
	tx.state.ledgers[ledgerID] = l
	return nil
}

func (tx *memoryTx) sortedBatches(match func(StockBatch) bool, byID bool) []StockBatch {
	var out []StockBatch
	for _, b := range tx.state.batches {
		if match(b) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !byID && !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.Before(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (tx *memoryTx) LockBatches(ctx context.Context, companyID, itemID, godownID int64) ([]StockBatch, error) {
	return tx.sortedBatches(func(b StockBatch) bool {
		return b.CompanyID == companyID && b.ItemID == itemID && b.GodownID == godownID && b.QuantityRemaining.IsPositive()
	}, false), nil
}

func (tx *memoryTx) LockBatchesByID(ctx context.Context, ids []int64) ([]StockBatch, error) {
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return tx.sortedBatches(func(b StockBatch) bool { return want[b.ID] }, true), nil
}

func (tx *memoryTx) LockBatchesBySource(ctx context.Context, voucherID int64) ([]StockBatch, error) {
	return tx.sortedBatches(func(b StockBatch) bool {
		return b.SourceVoucherID != nil && *b.SourceVoucherID == voucherID
	}, true), nil
}

func (tx *memoryTx) UpdateBatchRemaining(ctx context.Context, batchID int64, remaining decimal.Decimal) error {
	b, ok := tx.state.batches[batchID]
	if !ok {
		return ErrNotFound
	}
	if remaining.IsNegative() || remaining.GreaterThan(b.QuantityReceived) {
		return fmt.Errorf("batch %d remaining %s out of range", batchID, remaining)
	}
	b.QuantityRemaining = remaining
	tx.state.batches[batchID] = b
	return nil
}

func (tx *memoryTx) InsertBatch(ctx context.Context, batch StockBatch) (StockBatch, error) {
	batch.ID = tx.state.id()
	tx.state.batches[batch.ID] = batch
	return batch, nil
}

func (tx *memoryTx) InsertAllocations(ctx context.Context, allocations []StockAllocation) error {
	for _, a := range allocations {
		a.ID = tx.state.id()
		tx.state.allocations = append(tx.state.allocations, a)
	}
	return nil
}

func (tx *memoryTx) ListAllocations(ctx context.Context, voucherID int64) ([]StockAllocation, error) {
	lines := make(map[int64]bool)
	for _, l := range tx.state.vouchers[voucherID].StockLines {
		lines[l.ID] = true
	}
	var out []StockAllocation
	for _, a := range tx.state.allocations {
		if lines[a.StockLineID] {
			out = append(out, a)
		}
	}
	return out, nil
}

func (tx *memoryTx) NextVoucherNumber(ctx context.Context, scope SequenceScope) (int64, error) {
	tx.state.counters[scope]++
	return tx.state.counters[scope], nil
}

func (tx *memoryTx) GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error) {
	inv, ok := tx.state.invoices[id]
	if !ok {
		return Invoice{}, fmt.Errorf("%w: invoice %d", ErrNotFound, id)
	}
	inv.Lines = append([]InvoiceLine(nil), inv.Lines...)
	return inv, nil
}

func (tx *memoryTx) LinkInvoiceVoucher(ctx context.Context, invoiceID, voucherID int64) error {
	inv, ok := tx.state.invoices[invoiceID]
	if !ok {
		return ErrNotFound
	}
	if inv.VoucherID != nil {
		return fmt.Errorf("%w: invoice %d already linked", ErrAlreadyPosted, invoiceID)
	}
	inv.VoucherID = &voucherID
	tx.state.invoices[invoiceID] = inv
	return nil
}

func (tx *memoryTx) MarkInvoicePosted(ctx context.Context, invoiceID int64) error {
	inv, ok := tx.state.invoices[invoiceID]
	if !ok {
		return ErrNotFound
	}
	if inv.Status == InvoiceStatusPosted {
		return fmt.Errorf("%w: invoice %d", ErrAlreadyPosted, invoiceID)
	}
	inv.Status = InvoiceStatusPosted
	tx.state.invoices[invoiceID] = inv
	return nil
}

func (tx *memoryTx) RecordAudit(ctx context.Context, log shared.AuditLog) error {
	if err := log.Validate(); err != nil {
		return err
	}
	tx.state.audits = append(tx.state.audits, log)
	return nil
}

func (tx *memoryTx) EnqueueEvent(ctx context.Context, event outbox.Event) error {
	if err := tx.fail("EnqueueEvent"); err != nil {
		return err
	}
	tx.state.events = append(tx.state.events, event)
	return nil
}

// fixture seeds one company with an open and a closed financial year, a
// journal type, stock out/in types and a handful of ledgers.
type fixture struct {
	repo *memoryRepo
	svc  *Service
	now  time.Time
}

const (
	companyID     int64 = 1
	otherCompany  int64 = 2
	openYearID    int64 = 10
	closedYearID  int64 = 11
	journalTypeID int64 = 20
	salesTypeID   int64 = 21
	purchTypeID   int64 = 22
	cashLedger    int64 = 30
	salesLedger   int64 = 31
	bankLedger    int64 = 32
	partyLedger   int64 = 33
	taxLedger     int64 = 34
	foreignLedger int64 = 39
	itemID        int64 = 100
	godownID      int64 = 1
)

func newFixture() *fixture {
	repo := newMemoryRepo()
	s := repo.state
	s.companies[companyID] = Company{ID: companyID, Name: "Odyssey Demo"}
	s.companies[otherCompany] = Company{ID: otherCompany, Name: "Other"}
	s.years[openYearID] = FinancialYear{Scoped: Scoped{CompanyID: companyID}, ID: openYearID, Code: "25-26",
		StartDate: date("2025-04-01"), EndDate: date("2026-03-31")}
	s.years[closedYearID] = FinancialYear{Scoped: Scoped{CompanyID: companyID}, ID: closedYearID, Code: "24-25",
		StartDate: date("2024-04-01"), EndDate: date("2025-03-31"), IsClosed: true}
	s.types[journalTypeID] = VoucherType{Scoped: Scoped{CompanyID: companyID}, ID: journalTypeID, Code: "JV", Prefix: "jv", StockDirection: StockDirectionNone, IsActive: true}
	s.types[salesTypeID] = VoucherType{Scoped: Scoped{CompanyID: companyID}, ID: salesTypeID, Code: "SI", Prefix: "SI", StockDirection: StockDirectionOut, IsActive: true}
	s.types[purchTypeID] = VoucherType{Scoped: Scoped{CompanyID: companyID}, ID: purchTypeID, Code: "PI", Prefix: "PI", StockDirection: StockDirectionIn, IsActive: true}
	for _, id := range []int64{cashLedger, salesLedger, bankLedger, partyLedger, taxLedger} {
		s.ledgers[id] = Ledger{Scoped: Scoped{CompanyID: companyID}, ID: id, Precision: 2}
	}
	s.ledgers[foreignLedger] = Ledger{Scoped: Scoped{CompanyID: otherCompany}, ID: foreignLedger, Precision: 2}

	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	svc := NewService(repo, ServiceConfig{})
	svc.WithNow(func() time.Time { return now })
	return &fixture{repo: repo, svc: svc, now: now}
}

func date(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func (f *fixture) addBatch(qty, cost string, received time.Time) int64 {
	s := f.repo.state
	id := s.id()
	s.batches[id] = StockBatch{
		Scoped:            Scoped{CompanyID: companyID},
		ID:                id,
		ItemID:            itemID,
		GodownID:          godownID,
		QuantityReceived:  dec(qty),
		QuantityRemaining: dec(qty),
		UnitCost:          dec(cost),
		ReceivedAt:        received,
	}
	return id
}

type draftOption func(*Voucher)

func withYear(id int64) draftOption {
	return func(v *Voucher) { v.FinancialYearID = id }
}

func withType(id int64) draftOption {
	return func(v *Voucher) { v.VoucherTypeID = id }
}

func withDate(d time.Time) draftOption {
	return func(v *Voucher) { v.Date = d }
}

func withStock(qty string) draftOption {
	return func(v *Voucher) {
		v.StockLines = append(v.StockLines, StockLine{ItemID: itemID, GodownID: godownID, Quantity: dec(qty)})
	}
}

func withLines(lines ...VoucherLine) draftOption {
	return func(v *Voucher) { v.Lines = lines }
}

func dr(ledger int64, amount string) VoucherLine {
	return VoucherLine{LedgerID: ledger, Debit: dec(amount), Credit: decimal.Zero}
}

func cr(ledger int64, amount string) VoucherLine {
	return VoucherLine{LedgerID: ledger, Debit: decimal.Zero, Credit: dec(amount)}
}

// addDraft inserts a DRAFT voucher DR cash / CR sales 1000 unless overridden.
func (f *fixture) addDraft(opts ...draftOption) int64 {
	v := Voucher{
		Scoped:          Scoped{CompanyID: companyID},
		VoucherTypeID:   journalTypeID,
		FinancialYearID: openYearID,
		Date:            date("2025-05-15"),
		Status:          VoucherStatusDraft,
		CreatedBy:       7,
		Lines:           []VoucherLine{dr(cashLedger, "1000"), cr(salesLedger, "1000")},
	}
	for _, opt := range opts {
		opt(&v)
	}
	tx := &memoryTx{repo: f.repo, state: f.repo.state}
	inserted, err := tx.InsertVoucher(context.Background(), v)
	if err != nil {
		panic(err)
	}
	return inserted.ID
}

func (f *fixture) balance(ledgerID int64) decimal.Decimal {
	return f.repo.snapshot().ledgers[ledgerID].Balance
}

func (f *fixture) batch(id int64) StockBatch {
	return f.repo.snapshot().batches[id]
}
