package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sorteo/internal/models"
	"sorteo/internal/store"

	"github.com/google/logger"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const paymentsPageSize = 15

type PaymentService struct {
	store  Store
	logger *logger.Logger
	now    func() time.Time
}

func NewPaymentService(log *logger.Logger, st Store) *PaymentService {
	return &PaymentService{
		store:  st,
		logger: log,
		now:    time.Now,
	}
}

// PaymentInput is what a buyer submits, or what an administrator records
// by hand, to register a pago movil transfer against a raffle.
type PaymentInput struct {
	RaffleID          int64           `json:"raffle_id" validate:"required,gte=1"`
	OwnerName         string          `json:"owner_name" validate:"required,max=50"`
	CIType            string          `json:"ci_type" validate:"ci_type"`
	OwnerCI           string          `json:"owner_ci" validate:"required,number,min=6,max=8"`
	OwnerEmail        string          `json:"owner_email" validate:"required,email,max=254"`
	OwnerPhone        string          `json:"owner_phone" validate:"required,max=20"`
	Method            string          `json:"method" validate:"oneof=pago_movil"`
	Bank              string          `json:"bank" validate:"bank"`
	Reference         string          `json:"reference" validate:"required,max=30"`
	TicketsQuantity   int             `json:"tickets_quantity" validate:"gte=1"`
	TransferredAmount decimal.Decimal `json:"transferred_amount" validate:"decimal_positive"`
	TransferredDate   time.Time       `json:"transferred_date" validate:"required"`
}

func (in *PaymentInput) normalize() {
	in.OwnerName = strings.TrimSpace(in.OwnerName)
	in.CIType = strings.ToUpper(strings.TrimSpace(in.CIType))
	in.OwnerCI = strings.TrimSpace(in.OwnerCI)
	in.OwnerEmail = strings.ToLower(strings.TrimSpace(in.OwnerEmail))
	in.OwnerPhone = strings.TrimSpace(in.OwnerPhone)
	in.Method = strings.TrimSpace(in.Method)
	if in.Method == "" {
		in.Method = models.PaymentMethodPagoMovil
	}
	in.Bank = strings.TrimSpace(in.Bank)
	in.Reference = strings.TrimSpace(in.Reference)
}

func (in *PaymentInput) validate(now time.Time) error {
	verr := checkStruct(in)
	if !in.TransferredDate.IsZero() && in.TransferredDate.After(now) {
		verr.add("transferred_date", "cannot be in the future")
	}
	return verr.orNil()
}

// Submit registers a buyer's payment. The payment starts pending and waits
// for an administrator to verify it.
func (s *PaymentService) Submit(ctx context.Context, in PaymentInput) (*models.Payment, error) {
	return s.create(ctx, "submitted", in)
}

// RecordManual registers a payment entered by an administrator. It enforces
// exactly the same rules as Submit.
func (s *PaymentService) RecordManual(ctx context.Context, in PaymentInput) (*models.Payment, error) {
	return s.create(ctx, "recorded", in)
}

func (s *PaymentService) create(ctx context.Context, how string, in PaymentInput) (*models.Payment, error) {
	in.normalize()
	if err := in.validate(s.now()); err != nil {
		return nil, err
	}

	exists, err := s.store.ExistsByReference(ctx, in.Reference)
	if err != nil {
		s.logger.Errorf("Failed to check payment reference %q: %v", in.Reference, err)
		return nil, ErrInternal
	}
	if exists {
		return nil, fieldError("reference", "reference already registered")
	}

	payment := &models.Payment{
		RaffleID: in.RaffleID,
		Owner: models.Owner{
			Name:   in.OwnerName,
			CIType: in.CIType,
			CI:     in.OwnerCI,
			Email:  in.OwnerEmail,
			Phone:  in.OwnerPhone,
		},
		Method:            in.Method,
		Bank:              in.Bank,
		Reference:         in.Reference,
		TicketsQuantity:   in.TicketsQuantity,
		TransferredAmount: in.TransferredAmount,
		TransferredDate:   in.TransferredDate,
		Serial:            uuid.NewString(),
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		raffle, err := tx.LockRaffle(ctx, in.RaffleID)
		if err != nil {
			return err
		}
		if raffle.State != models.RaffleActive {
			return ErrRaffleNotActive
		}

		expected := raffle.TicketPrice.Mul(decimal.NewFromInt(int64(in.TicketsQuantity)))
		if !in.TransferredAmount.Equal(expected) {
			return fieldError("transferred_amount", fmt.Sprintf("must equal %s for %d tickets", expected.StringFixed(2), in.TicketsQuantity))
		}
		if in.TicketsQuantity > raffle.Remaining() {
			return fieldError("tickets_quantity", fmt.Sprintf("only %d tickets remain", raffle.Remaining()))
		}

		return tx.CreatePayment(ctx, payment)
	})
	if err != nil {
		var verr *ValidationError
		switch {
		case errors.As(err, &verr), errors.Is(err, ErrRaffleNotActive):
			return nil, err
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, store.ErrDuplicateReference):
			return nil, fieldError("reference", "reference already registered")
		default:
			s.logger.Errorf("Failed to create payment for raffle %d: %v", in.RaffleID, err)
			return nil, ErrInternal
		}
	}

	s.logger.Infof("Payment %d %s for raffle %d: %d tickets, reference %s",
		payment.ID, how, payment.RaffleID, payment.TicketsQuantity, payment.Reference)
	return payment, nil
}

func (s *PaymentService) Get(ctx context.Context, paymentID int64) (*models.Payment, error) {
	payment, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		s.logger.Errorf("Failed to get payment %d: %v", paymentID, err)
		return nil, ErrInternal
	}
	return payment, nil
}

type PaymentPage struct {
	Payments []models.Payment `json:"payments"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

// List returns one page of payments, pending first. query matches owner
// name, CI, email, reference or serial.
func (s *PaymentService) List(ctx context.Context, state models.PaymentState, query string, page int) (*PaymentPage, error) {
	if state != "" && !state.Valid() {
		return nil, fieldError("state", "unknown payment state")
	}
	if page < 1 {
		page = 1
	}

	payments, total, err := s.store.ListPayments(ctx, models.PaymentFilter{
		State:  state,
		Query:  strings.TrimSpace(query),
		Offset: offsetFor(page, paymentsPageSize),
		Limit:  paymentsPageSize,
	})
	if err != nil {
		s.logger.Errorf("Failed to list payments: %v", err)
		return nil, ErrInternal
	}
	if payments == nil {
		payments = []models.Payment{}
	}
	return &PaymentPage{Payments: payments, Total: total, Page: page, PageSize: paymentsPageSize}, nil
}
