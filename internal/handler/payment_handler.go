package handler

import (
	"errors"
	"io"
	"net/http"
	"time"

	"sorteo/internal/middleware"
	"sorteo/internal/models"
	"sorteo/internal/service"

	"github.com/google/logger"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

type PaymentHandler struct {
	logger   *logger.Logger
	payments *service.PaymentService
	verifier *service.VerificationService
}

func NewPaymentHandler(log *logger.Logger, payments *service.PaymentService, verifier *service.VerificationService) *PaymentHandler {
	return &PaymentHandler{
		logger:   log,
		payments: payments,
		verifier: verifier,
	}
}

// PaymentRequestPayload is the body of a buyer submission or a manual
// entry. raffle_id is only read on the admin route.
type PaymentRequestPayload struct {
	RaffleID          int64           `json:"raffle_id"`
	OwnerName         string          `json:"owner_name"`
	CIType            string          `json:"ci_type"`
	OwnerCI           string          `json:"owner_ci"`
	OwnerEmail        string          `json:"owner_email"`
	OwnerPhone        string          `json:"owner_phone"`
	Method            string          `json:"method"`
	Bank              string          `json:"bank"`
	Reference         string          `json:"reference"`
	TicketsQuantity   int             `json:"tickets_quantity"`
	TransferredAmount decimal.Decimal `json:"transferred_amount"`
	TransferredDate   string          `json:"transferred_date"`
}

func (p PaymentRequestPayload) input() (service.PaymentInput, error) {
	in := service.PaymentInput{
		RaffleID:          p.RaffleID,
		OwnerName:         p.OwnerName,
		CIType:            p.CIType,
		OwnerCI:           p.OwnerCI,
		OwnerEmail:        p.OwnerEmail,
		OwnerPhone:        p.OwnerPhone,
		Method:            p.Method,
		Bank:              p.Bank,
		Reference:         p.Reference,
		TicketsQuantity:   p.TicketsQuantity,
		TransferredAmount: p.TransferredAmount,
	}
	if p.TransferredDate != "" {
		date, err := time.Parse(dateLayout, p.TransferredDate)
		if err != nil {
			return in, &service.ValidationError{Fields: map[string]string{"transferred_date": "must be a date formatted YYYY-MM-DD"}}
		}
		in.TransferredDate = date
	}
	return in, nil
}

// Submit handles POST /raffles/{raffleID}/payments.
func (h *PaymentHandler) Submit(w http.ResponseWriter, r *http.Request) {
	raffleID, ok := idParam(r, "raffleID")
	if !ok {
		writeFailure(w, h.logger, http.StatusBadRequest, "Invalid raffle id")
		return
	}

	var req PaymentRequestPayload
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, h.logger, http.StatusBadRequest, "Malformed request body")
		return
	}
	req.RaffleID = raffleID

	in, err := req.input()
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	payment, err := h.payments.Submit(r.Context(), in)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeSuccess(w, h.logger, http.StatusCreated, payment)
}

// RecordManual handles POST /admin/payments.
func (h *PaymentHandler) RecordManual(w http.ResponseWriter, r *http.Request) {
	var req PaymentRequestPayload
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, h.logger, http.StatusBadRequest, "Malformed request body")
		return
	}

	in, err := req.input()
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	payment, err := h.payments.RecordManual(r.Context(), in)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	h.logger.Infof("Payment %d recorded by %s", payment.ID, middleware.AdminSubject(r.Context()))
	writeSuccess(w, h.logger, http.StatusCreated, payment)
}

// List handles GET /admin/payments?state=&q=&page=.
func (h *PaymentHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, err := h.payments.List(r.Context(), models.PaymentState(query.Get("state")), query.Get("q"), pageParam(r))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeSuccess(w, h.logger, http.StatusOK, page)
}

func (h *PaymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := idParam(r, "paymentID")
	if !ok {
		writeFailure(w, h.logger, http.StatusBadRequest, "Invalid payment id")
		return
	}

	payment, err := h.payments.Get(r.Context(), paymentID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeSuccess(w, h.logger, http.StatusOK, payment)
}

// Verify handles POST /admin/payments/{paymentID}/verify.
func (h *PaymentHandler) Verify(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := idParam(r, "paymentID")
	if !ok {
		writeFailure(w, h.logger, http.StatusBadRequest, "Invalid payment id")
		return
	}

	result, err := h.verifier.Verify(r.Context(), paymentID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	h.logger.Infof("Payment %d verified by %s", paymentID, middleware.AdminSubject(r.Context()))
	writeSuccess(w, h.logger, http.StatusOK, result)
}

type CancelRequestPayload struct {
	Note string `json:"note"`
}

// Cancel handles POST /admin/payments/{paymentID}/cancel. The body is
// optional.
func (h *PaymentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := idParam(r, "paymentID")
	if !ok {
		writeFailure(w, h.logger, http.StatusBadRequest, "Invalid payment id")
		return
	}

	var req CancelRequestPayload
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeFailure(w, h.logger, http.StatusBadRequest, "Malformed request body")
		return
	}

	payment, err := h.verifier.Cancel(r.Context(), paymentID, req.Note)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	h.logger.Infof("Payment %d cancelled by %s", paymentID, middleware.AdminSubject(r.Context()))
	writeSuccess(w, h.logger, http.StatusOK, payment)
}
