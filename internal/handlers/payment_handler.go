package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"clubBack/internal/billing/pay"
	"clubBack/internal/models"
	"clubBack/internal/services"
)

const (
	SignatureHeader = "Stripe-Signature"
	maxWebhookBody  = 1 << 20
)

var validate = validator.New()

type PaymentHandler struct {
	Webhooks *services.WebhookService
	Payments *services.PaymentService
	Logger   *slog.Logger
}

func NewPaymentHandler(w *services.WebhookService, p *services.PaymentService, logger *slog.Logger) *PaymentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentHandler{Webhooks: w, Payments: p, Logger: logger}
}

type subscribeGroupRequest struct {
	GroupID    int64  `json:"group_id" validate:"required,gt=0"`
	ReturnURL  string `json:"return_url" validate:"omitempty,url"`
	SuccessURL string `json:"success_url" validate:"omitempty,url"`
	CancelURL  string `json:"cancel_url" validate:"omitempty,url"`
}

func (r *subscribeGroupRequest) Validate() error {
	return validate.Struct(r)
}

type customerPortalRequest struct {
	ReturnURL string `json:"return_url" validate:"required,url"`
}

func (r *customerPortalRequest) Validate() error {
	return validate.Struct(r)
}

// Webhook receives provider deliveries. The body is read raw because the
// signature covers the exact bytes.
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	if h.Webhooks == nil {
		writeError(w, http.StatusInternalServerError, "billing not initialized")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	res, err := h.Webhooks.Process(r.Context(), body, r.Header.Get(SignatureHeader))
	if err != nil {
		status := webhookErrorStatus(err)
		if status >= http.StatusInternalServerError {
			h.Logger.Error("webhook processing failed", "err", err)
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func webhookErrorStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidSignature), errors.Is(err, models.ErrMalformedEvent):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrEventInFlight):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *PaymentHandler) SubscribeGroup(w http.ResponseWriter, r *http.Request) {
	childrenID, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}

	var req subscribeGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	enrollment, err := h.Payments.SubscribeGroup(r.Context(), childrenID, req.GroupID)
	if err != nil {
		h.fail(w, "subscribe group", err)
		return
	}
	writeJSON(w, http.StatusOK, enrollment)
}

func (h *PaymentHandler) CustomerPortal(w http.ResponseWriter, r *http.Request) {
	childrenID, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}

	var req customerPortalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	url, err := h.Payments.CustomerPortal(r.Context(), childrenID, req.ReturnURL)
	if err != nil {
		h.fail(w, "customer portal", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (h *PaymentHandler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	childrenID, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}

	child, err := h.Payments.EnsureCustomer(r.Context(), childrenID)
	if err != nil {
		h.fail(w, "create customer", err)
		return
	}
	writeJSON(w, http.StatusOK, child)
}

func (h *PaymentHandler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	childrenID, ok := userID(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing user")
		return
	}

	records, err := h.Payments.ListInvoices(r.Context(), childrenID)
	if err != nil {
		h.fail(w, "list invoices", err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *PaymentHandler) fail(w http.ResponseWriter, op string, err error) {
	status := paymentErrorStatus(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(op+" failed", "err", err)
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	writeError(w, status, msg)
}

func paymentErrorStatus(err error) int {
	switch {
	case errors.Is(err, models.ErrChildNotFound),
		errors.Is(err, models.ErrGroupNotFound),
		errors.Is(err, models.ErrCustomerNotLinked):
		return http.StatusNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, pay.ErrGateway) {
		return gatewayErrorStatus(err)
	}
	return http.StatusInternalServerError
}

func gatewayErrorStatus(err error) int {
	var apiErr *pay.APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			return apiErr.StatusCode
		}
	}
	return http.StatusBadGateway
}

func userID(r *http.Request) (int64, bool) {
	id, ok := r.Context().Value(models.UserIDKey).(int)
	if !ok || id <= 0 {
		return 0, false
	}
	return int64(id), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Println("payment: failed to encode response:", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, models.ErrorResponse{Message: message, StatusCode: status})
}
