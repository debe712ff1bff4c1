package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"sorteo/internal/models"
	"sorteo/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func validInput(raffleID int64, quantity int) PaymentInput {
	return PaymentInput{
		RaffleID:          raffleID,
		OwnerName:         " Luis Rodríguez ",
		CIType:            "v",
		OwnerCI:           "9876543",
		OwnerEmail:        "Luis@Example.com",
		OwnerPhone:        "04241234567",
		Method:            models.PaymentMethodPagoMovil,
		Bank:              "0134",
		Reference:         fmt.Sprintf("PM%08d", referenceSeq.Add(1)),
		TicketsQuantity:   quantity,
		TransferredAmount: decimal.RequireFromString("2.50").Mul(decimal.NewFromInt(int64(quantity))),
		TransferredDate:   time.Now().Add(-2 * time.Hour),
	}
}

func expectFieldError(t *testing.T, err error, field string) {
	t.Helper()

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected *ValidationError, got %v", err)
	}
	if _, ok := verr.Fields[field]; !ok {
		t.Errorf("Expected an error on %q, got %v", field, verr.Fields)
	}
}

func TestSubmitPayment(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a pending payment", func(t *testing.T) {
		st := store.NewMemoryStore(time.Second)
		raffle := seedRaffle(t, st, 100)
		svc := NewPaymentService(testLogger, st)

		payment, err := svc.Submit(ctx, validInput(raffle.ID, 4))
		if err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		if payment.State != models.PaymentPending {
			t.Errorf("Expected pending, got %s", payment.State)
		}
		if _, err := uuid.Parse(payment.Serial); err != nil {
			t.Errorf("Expected a UUID serial, got %q", payment.Serial)
		}
		if payment.Owner.Name != "Luis Rodríguez" || payment.Owner.CIType != "V" || payment.Owner.Email != "luis@example.com" {
			t.Errorf("Expected normalized owner, got %+v", payment.Owner)
		}

		stored := mustPayment(t, st, payment.ID)
		if stored.Reference != payment.Reference {
			t.Errorf("Expected stored reference %q, got %q", payment.Reference, stored.Reference)
		}
		if sold := mustRaffle(t, st, raffle.ID).TicketsSold; sold != 0 {
			t.Errorf("Submission must not sell tickets, got %d sold", sold)
		}
	})

	t.Run("field validation", func(t *testing.T) {
		st := store.NewMemoryStore(time.Second)
		raffle := seedRaffle(t, st, 100)
		svc := NewPaymentService(testLogger, st)

		tests := []struct {
			name   string
			field  string
			mutate func(*PaymentInput)
		}{
			{name: "missing name", field: "owner_name", mutate: func(in *PaymentInput) { in.OwnerName = "  " }},
			{name: "unknown ci type", field: "ci_type", mutate: func(in *PaymentInput) { in.CIType = "X" }},
			{name: "short ci", field: "owner_ci", mutate: func(in *PaymentInput) { in.OwnerCI = "12345" }},
			{name: "ci with letters", field: "owner_ci", mutate: func(in *PaymentInput) { in.OwnerCI = "12a4567" }},
			{name: "bad email", field: "owner_email", mutate: func(in *PaymentInput) { in.OwnerEmail = "not-an-email" }},
			{name: "missing phone", field: "owner_phone", mutate: func(in *PaymentInput) { in.OwnerPhone = "" }},
			{name: "unsupported method", field: "method", mutate: func(in *PaymentInput) { in.Method = "zelle" }},
			{name: "unknown bank", field: "bank", mutate: func(in *PaymentInput) { in.Bank = "9999" }},
			{name: "missing reference", field: "reference", mutate: func(in *PaymentInput) { in.Reference = "" }},
			{name: "long reference", field: "reference", mutate: func(in *PaymentInput) { in.Reference = strings.Repeat("9", 31) }},
			{name: "zero quantity", field: "tickets_quantity", mutate: func(in *PaymentInput) { in.TicketsQuantity = 0 }},
			{name: "negative amount", field: "transferred_amount", mutate: func(in *PaymentInput) { in.TransferredAmount = decimal.NewFromInt(-1) }},
			{name: "future date", field: "transferred_date", mutate: func(in *PaymentInput) { in.TransferredDate = time.Now().Add(48 * time.Hour) }},
			{name: "missing date", field: "transferred_date", mutate: func(in *PaymentInput) { in.TransferredDate = time.Time{} }},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				in := validInput(raffle.ID, 2)
				tt.mutate(&in)
				_, err := svc.Submit(ctx, in)
				expectFieldError(t, err, tt.field)
			})
		}

		if _, total, _ := st.ListPayments(ctx, models.PaymentFilter{}); total != 0 {
			t.Errorf("Expected no payments after validation failures, got %d", total)
		}
	})

	t.Run("amount must match price times quantity", func(t *testing.T) {
		st := store.NewMemoryStore(time.Second)
		raffle := seedRaffle(t, st, 100)
		in := validInput(raffle.ID, 3)
		in.TransferredAmount = decimal.RequireFromString("7.49")

		_, err := NewPaymentService(testLogger, st).Submit(ctx, in)
		expectFieldError(t, err, "transferred_amount")
	})

	t.Run("quantity above remaining tickets", func(t *testing.T) {
		st := store.NewMemoryStore(time.Second)
		raffle := seedRaffle(t, st, 10)
		sellTickets(t, st, raffle.ID, 8)

		_, err := NewPaymentService(testLogger, st).Submit(ctx, validInput(raffle.ID, 3))
		expectFieldError(t, err, "tickets_quantity")
	})

	t.Run("duplicate reference", func(t *testing.T) {
		st := store.NewMemoryStore(time.Second)
		raffle := seedRaffle(t, st, 100)
		svc := NewPaymentService(testLogger, st)

		in := validInput(raffle.ID, 1)
		if _, err := svc.Submit(ctx, in); err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		_, err := svc.Submit(ctx, in)
		expectFieldError(t, err, "reference")
	})

	t.Run("unknown raffle", func(t *testing.T) {
		st := store.NewMemoryStore(time.Second)
		_, err := NewPaymentService(testLogger, st).Submit(ctx, validInput(42, 1))
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("Expected ErrNotFound, got %v", err)
		}
	})
}

func TestCreationRulesApplyToBothPaths(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(time.Second)
	svc := NewPaymentService(testLogger, st)

	draft := seedRaffle(t, st, 10)
	if _, err := NewRaffleService(testLogger, st, nil, time.Minute).SetState(ctx, draft.ID, models.RaffleDraft); err != nil {
		t.Fatalf("Failed to move raffle to draft: %v", err)
	}
	active := seedRaffle(t, st, 10)

	paths := map[string]func(context.Context, PaymentInput) (*models.Payment, error){
		"buyer submission": svc.Submit,
		"manual entry":     svc.RecordManual,
	}
	for name, create := range paths {
		t.Run(name, func(t *testing.T) {
			if _, err := create(ctx, validInput(draft.ID, 1)); !errors.Is(err, ErrRaffleNotActive) {
				t.Errorf("Expected ErrRaffleNotActive for a draft raffle, got %v", err)
			}

			wrongAmount := validInput(active.ID, 2)
			wrongAmount.TransferredAmount = decimal.NewFromInt(1)
			_, err := create(ctx, wrongAmount)
			expectFieldError(t, err, "transferred_amount")

			zero := validInput(active.ID, 0)
			_, err = create(ctx, zero)
			expectFieldError(t, err, "tickets_quantity")

			payment, err := create(ctx, validInput(active.ID, 2))
			if err != nil {
				t.Fatalf("Expected no error, but got %v", err)
			}
			if payment.State != models.PaymentPending {
				t.Errorf("Expected pending, got %s", payment.State)
			}
		})
	}
}

func TestListPayments(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore(time.Second)
	raffle := seedRaffle(t, st, 500)
	verifier := newVerifier(st, nil)
	svc := NewPaymentService(testLogger, st)

	var ids []int64
	for i := 0; i < 20; i++ {
		ids = append(ids, seedPayment(t, st, raffle.ID, 1).ID)
	}
	if _, err := verifier.Verify(ctx, ids[0]); err != nil {
		t.Fatalf("Failed to verify: %v", err)
	}
	if _, err := verifier.Cancel(ctx, ids[1], ""); err != nil {
		t.Fatalf("Failed to cancel: %v", err)
	}

	first, err := svc.List(ctx, "", "", 1)
	if err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	if first.Total != 20 || len(first.Payments) != 15 {
		t.Fatalf("Expected 15 of 20 payments on page 1, got %d of %d", len(first.Payments), first.Total)
	}
	for _, p := range first.Payments {
		if p.State != models.PaymentPending {
			t.Errorf("Expected pending payments first, got %s on page 1", p.State)
		}
	}

	second, err := svc.List(ctx, "", "", 2)
	if err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	if len(second.Payments) != 5 {
		t.Fatalf("Expected 5 payments on page 2, got %d", len(second.Payments))
	}
	if last := second.Payments[4]; last.State != models.PaymentCancelled {
		t.Errorf("Expected cancelled payment last, got %s", last.State)
	}

	verified, err := svc.List(ctx, models.PaymentVerified, "", 1)
	if err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	if verified.Total != 1 || verified.Payments[0].ID != ids[0] {
		t.Errorf("Expected only payment %d when filtering verified, got %+v", ids[0], verified.Payments)
	}

	ref := mustPayment(t, st, ids[7]).Reference
	found, err := svc.List(ctx, "", strings.ToLower(ref), 1)
	if err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	if found.Total != 1 || found.Payments[0].ID != ids[7] {
		t.Errorf("Expected search by reference to find payment %d, got %+v", ids[7], found.Payments)
	}

	if _, err := svc.List(ctx, "refunded", "", 1); err == nil {
		t.Errorf("Expected an error for an unknown state")
	}
}
