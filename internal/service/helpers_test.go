package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sorteo/internal/allocator"
	"sorteo/internal/models"
	"sorteo/internal/store"

	"github.com/google/logger"
	"github.com/shopspring/decimal"
)

var testLogger = logger.Init("sorteo-test", false, false, io.Discard)

var referenceSeq atomic.Int64

type recordingCache struct {
	mu      sync.Mutex
	raffles map[int64]models.Raffle
	gets    int
	hits    int
	deletes []int64
	events  []models.PaymentVerifiedEvent
}

func newRecordingCache() *recordingCache {
	return &recordingCache{raffles: make(map[int64]models.Raffle)}
}

func (c *recordingCache) GetRaffle(_ context.Context, raffleID int64) (*models.Raffle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	r, ok := c.raffles[raffleID]
	if !ok {
		return nil, nil
	}
	c.hits++
	return &r, nil
}

func (c *recordingCache) StoreRaffle(_ context.Context, raffle *models.Raffle, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.raffles[raffle.ID] = *raffle
	return nil
}

func (c *recordingCache) DeleteRaffle(_ context.Context, raffleID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.raffles, raffleID)
	c.deletes = append(c.deletes, raffleID)
	return nil
}

func (c *recordingCache) PublishPaymentVerified(_ context.Context, event *models.PaymentVerifiedEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, *event)
	return nil
}

// seedRaffle creates an active raffle priced at 2.50 per ticket.
func seedRaffle(t *testing.T, st Store, total int) *models.Raffle {
	t.Helper()

	raffle := &models.Raffle{
		Title:        fmt.Sprintf("Raffle %d", total),
		Slug:         fmt.Sprintf("raffle-%d-%d", total, referenceSeq.Add(1)),
		DrawDate:     time.Now().Add(72 * time.Hour),
		TicketPrice:  decimal.RequireFromString("2.50"),
		TotalTickets: total,
		State:        models.RaffleActive,
	}
	if err := st.CreateRaffle(context.Background(), raffle); err != nil {
		t.Fatalf("Failed to seed raffle: %v", err)
	}
	return raffle
}

// seedPayment inserts a pending payment directly through the store,
// bypassing the creation rules.
func seedPayment(t *testing.T, st Store, raffleID int64, quantity int) *models.Payment {
	t.Helper()

	payment := &models.Payment{
		RaffleID: raffleID,
		Owner: models.Owner{
			Name:   "Ana Pérez",
			CIType: "V",
			CI:     "12345678",
			Email:  "ana@example.com",
			Phone:  "04121234567",
		},
		Method:            models.PaymentMethodPagoMovil,
		Bank:              "0102",
		Reference:         fmt.Sprintf("REF%06d", referenceSeq.Add(1)),
		TicketsQuantity:   quantity,
		TransferredAmount: decimal.RequireFromString("2.50").Mul(decimal.NewFromInt(int64(quantity))),
		TransferredDate:   time.Now().Add(-time.Hour),
		Serial:            fmt.Sprintf("serial-%d", referenceSeq.Add(1)),
	}
	err := st.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.CreatePayment(context.Background(), payment)
	})
	if err != nil {
		t.Fatalf("Failed to seed payment: %v", err)
	}
	return payment
}

// sellTickets verifies a fresh payment of quantity tickets on raffleID.
func sellTickets(t *testing.T, st Store, raffleID int64, quantity int) {
	t.Helper()

	payment := seedPayment(t, st, raffleID, quantity)
	svc := NewVerificationService(testLogger, st, allocator.New(nil), nil, nil)
	if _, err := svc.Verify(context.Background(), payment.ID); err != nil {
		t.Fatalf("Failed to sell %d tickets: %v", quantity, err)
	}
}

// sellSerials records a verified payment holding exactly serials.
func sellSerials(t *testing.T, st Store, raffleID int64, serials ...int) {
	t.Helper()

	payment := seedPayment(t, st, raffleID, len(serials))
	err := st.WithTx(context.Background(), func(tx store.Tx) error {
		if _, err := tx.LockRaffle(context.Background(), raffleID); err != nil {
			return err
		}
		tickets := make([]models.Ticket, 0, len(serials))
		for _, serial := range serials {
			tickets = append(tickets, models.Ticket{Serial: serial, RaffleID: raffleID, PaymentID: payment.ID, Owner: payment.Owner})
		}
		if err := tx.InsertTickets(context.Background(), tickets); err != nil {
			return err
		}
		if err := tx.TransitionPayment(context.Background(), payment.ID, models.PaymentVerified, ""); err != nil {
			return err
		}
		return tx.IncrementSold(context.Background(), raffleID, len(serials))
	})
	if err != nil {
		t.Fatalf("Failed to sell serials %v: %v", serials, err)
	}
}

func mustRaffle(t *testing.T, st Store, raffleID int64) *models.Raffle {
	t.Helper()
	r, err := st.GetRaffle(context.Background(), raffleID)
	if err != nil {
		t.Fatalf("Failed to read raffle %d: %v", raffleID, err)
	}
	return r
}

func mustPayment(t *testing.T, st Store, paymentID int64) *models.Payment {
	t.Helper()
	p, err := st.GetPayment(context.Background(), paymentID)
	if err != nil {
		t.Fatalf("Failed to read payment %d: %v", paymentID, err)
	}
	return p
}

func mustTickets(t *testing.T, st Store, raffleID int64) []models.Ticket {
	t.Helper()
	tickets, err := st.ListTickets(context.Background(), raffleID)
	if err != nil {
		t.Fatalf("Failed to list tickets of raffle %d: %v", raffleID, err)
	}
	return tickets
}

// checkRaffleConsistent asserts the counter matches the ticket rows and that
// serials are unique and in range.
func checkRaffleConsistent(t *testing.T, st Store, raffleID int64) {
	t.Helper()

	raffle := mustRaffle(t, st, raffleID)
	tickets := mustTickets(t, st, raffleID)
	if raffle.TicketsSold > raffle.TotalTickets {
		t.Errorf("Raffle %d oversold: %d/%d", raffleID, raffle.TicketsSold, raffle.TotalTickets)
	}
	if len(tickets) != raffle.TicketsSold {
		t.Errorf("Raffle %d counts %d sold but has %d tickets", raffleID, raffle.TicketsSold, len(tickets))
	}
	seen := make(map[int]bool, len(tickets))
	for _, tk := range tickets {
		if tk.Serial < 1 || tk.Serial > raffle.TotalTickets {
			t.Errorf("Serial %d outside [1, %d]", tk.Serial, raffle.TotalTickets)
		}
		if seen[tk.Serial] {
			t.Errorf("Serial %d assigned twice", tk.Serial)
		}
		seen[tk.Serial] = true
	}
}
