package postinghttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-posting/internal/platform/db"
	"github.com/odyssey-erp/odyssey-posting/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-posting/internal/posting"
)

// ActorHeader carries the authenticated user id set by the gateway.
const ActorHeader = "X-Actor-ID"

// IdempotencyHeader is accepted as an alternative to the body field.
const IdempotencyHeader = "Idempotency-Key"

const problemTypeBase = "https://odyssey-erp.dev/problems/"

type postingService interface {
	PostVoucher(ctx context.Context, in posting.PostVoucherInput) (posting.Voucher, error)
	PostInvoice(ctx context.Context, in posting.PostInvoiceInput) (posting.Voucher, error)
	ReverseVoucher(ctx context.Context, in posting.ReverseInput) (posting.Voucher, error)
	GetVoucher(ctx context.Context, id int64) (posting.Voucher, error)
}

// Handler exposes the posting operations over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  postingService
	validate *validator.Validate
}

// NewHandler constructs Handler.
func NewHandler(logger *slog.Logger, service postingService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes attaches the posting routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/vouchers/{id}", h.getVoucher)
	r.Post("/vouchers/{id}/post", h.postVoucher)
	r.Post("/vouchers/{id}/reverse", h.reverseVoucher)
	r.Post("/invoices/{id}/post", h.postInvoice)
}

func (h *Handler) getVoucher(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	v, err := h.service.GetVoucher(r.Context(), id)
	if err != nil {
		h.respondPostingError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toVoucherResponse(v))
}

func (h *Handler) postVoucher(w http.ResponseWriter, r *http.Request) {
	id, actor, req, ok := h.decodePost(w, r)
	if !ok {
		return
	}
	v, err := h.service.PostVoucher(r.Context(), posting.PostVoucherInput{
		VoucherID:      id,
		Actor:          actor,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       requestMetadata(r, req.Metadata),
	})
	if err != nil {
		h.respondPostingError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toVoucherResponse(v))
}

func (h *Handler) postInvoice(w http.ResponseWriter, r *http.Request) {
	id, actor, req, ok := h.decodePost(w, r)
	if !ok {
		return
	}
	v, err := h.service.PostInvoice(r.Context(), posting.PostInvoiceInput{
		InvoiceID:      id,
		Actor:          actor,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       requestMetadata(r, req.Metadata),
	})
	if err != nil {
		h.respondPostingError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toVoucherResponse(v))
}

func (h *Handler) reverseVoucher(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	actor, err := actorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req reverseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, validationError(err))
		return
	}
	date, err := time.Parse("2006-01-02", req.ReversalDate)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: reversal_date: %v", httpx.ErrValidation, err))
		return
	}
	v, err := h.service.ReverseVoucher(r.Context(), posting.ReverseInput{
		VoucherID:    id,
		Actor:        actor,
		ReversalDate: date,
		Reason:       req.Reason,
		Metadata:     requestMetadata(r, req.Metadata),
	})
	if err != nil {
		h.respondPostingError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toVoucherResponse(v))
}

func (h *Handler) decodePost(w http.ResponseWriter, r *http.Request) (int64, posting.Actor, postRequest, bool) {
	var req postRequest
	id, err := pathID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return 0, posting.Actor{}, req, false
	}
	actor, err := actorFrom(r)
	if err != nil {
		httpx.RespondError(w, err)
		return 0, posting.Actor{}, req, false
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return 0, posting.Actor{}, req, false
	}
	if header := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); header != "" {
		if req.IdempotencyKey != "" && req.IdempotencyKey != header {
			httpx.RespondError(w, fmt.Errorf("%w: idempotency key in header and body differ", httpx.ErrValidation))
			return 0, posting.Actor{}, req, false
		}
		req.IdempotencyKey = header
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondError(w, validationError(err))
		return 0, posting.Actor{}, req, false
	}
	return id, actor, req, true
}

// respondPostingError renders every posting error kind with its own status.
func (h *Handler) respondPostingError(w http.ResponseWriter, r *http.Request, err error) {
	kind := posting.KindOf(err)
	p := httpx.ProblemDetail{Kind: kind.String(), Detail: err.Error()}
	switch kind {
	case posting.KindNotFound:
		p.Status, p.Title, p.Type = http.StatusNotFound, "Not Found", "not-found"
	case posting.KindAlreadyPosted:
		p.Status, p.Title, p.Type = http.StatusConflict, "Already Posted", "already-posted"
	case posting.KindUnbalancedVoucher:
		p.Status, p.Title, p.Type = http.StatusUnprocessableEntity, "Unbalanced Voucher", "unbalanced-voucher"
	case posting.KindInsufficientStock:
		p.Status, p.Title, p.Type = http.StatusFailedDependency, "Insufficient Stock", "insufficient-stock"
	case posting.KindFinancialYearClosed:
		p.Status, p.Title, p.Type = http.StatusForbidden, "Financial Year Closed", "financial-year-closed"
	case posting.KindCompanyLocked:
		p.Status, p.Title, p.Type = http.StatusLocked, "Company Locked", "company-locked"
	case posting.KindInvalidVoucherType:
		p.Status, p.Title, p.Type = http.StatusBadRequest, "Invalid Voucher Type", "invalid-voucher-type"
	case posting.KindPostingError:
		p.Status, p.Title, p.Type = http.StatusInternalServerError, "Posting Failed", "posting-error"
		p.Detail = ""
		if db.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded) {
			p.Status = http.StatusServiceUnavailable
			p.Detail = "posting could not acquire locks in time; retry with the same idempotency key"
			w.Header().Set("Retry-After", "1")
		}
		h.logger.Error("posting failed", slog.String("path", r.URL.Path), slog.String("request_id", chimw.GetReqID(r.Context())), slog.Any("error", err))
	}
	p.Type = problemTypeBase + p.Type
	httpx.WriteProblem(w, p)
}

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", httpx.ErrValidation, raw)
	}
	return id, nil
}

func actorFrom(r *http.Request) (posting.Actor, error) {
	raw := strings.TrimSpace(r.Header.Get(ActorHeader))
	if raw == "" {
		return posting.Actor{}, fmt.Errorf("%w: %s header required", httpx.ErrUnauthorized, ActorHeader)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return posting.Actor{}, fmt.Errorf("%w: invalid %s", httpx.ErrUnauthorized, ActorHeader)
	}
	return posting.Actor{UserID: id}, nil
}

func requestMetadata(r *http.Request, extra map[string]any) map[string]any {
	meta := make(map[string]any, len(extra)+4)
	for k, v := range extra {
		meta[k] = v
	}
	meta["source"] = "http"
	meta["ip"] = r.RemoteAddr
	if ua := r.UserAgent(); ua != "" {
		meta["user_agent"] = ua
	}
	if reqID := chimw.GetReqID(r.Context()); reqID != "" {
		meta["request_id"] = reqID
	}
	return meta
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", httpx.ErrValidation, strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
}
