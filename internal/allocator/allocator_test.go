package allocator

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"sorteo/internal/models"
)

type failingSource struct {
	t *testing.T
}

func (s failingSource) IntN(int) int {
	s.t.Fatal("source must not be consulted")
	return 0
}

type fakeTicketStore struct {
	assigned []int
	inserted [][]models.Ticket
	err      error
}

func (f *fakeTicketStore) AssignedSerials(context.Context, int64) ([]int, error) {
	return f.assigned, nil
}

func (f *fakeTicketStore) InsertTickets(_ context.Context, tickets []models.Ticket) error {
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, tickets)
	return nil
}

func checkSerials(t *testing.T, serials []int, total int, assigned []int, want int) {
	t.Helper()

	if len(serials) != want {
		t.Fatalf("Expected %d serials, got %d", want, len(serials))
	}
	excluded := make(map[int]bool, len(assigned))
	for _, s := range assigned {
		excluded[s] = true
	}
	seen := make(map[int]bool, len(serials))
	for i, s := range serials {
		if s < 1 || s > total {
			t.Errorf("Serial %d outside [1, %d]", s, total)
		}
		if excluded[s] {
			t.Errorf("Serial %d was already assigned", s)
		}
		if seen[s] {
			t.Errorf("Serial %d drawn twice", s)
		}
		if i > 0 && serials[i-1] > s {
			t.Errorf("Serials not sorted: %v", serials)
		}
		seen[s] = true
	}
}

func TestDraw(t *testing.T) {
	tests := []struct {
		name     string
		total    int
		assigned []int
		n        int
	}{
		{name: "empty pool sparse draw", total: 100, n: 5},
		{name: "partially sold pool", total: 100, assigned: []int{1, 2, 3, 50, 99}, n: 10},
		{name: "dense draw uses shuffle", total: 20, assigned: []int{2, 4, 6, 8, 10, 12}, n: 10},
		{name: "draw fills pool exactly", total: 10, assigned: []int{1, 2, 3, 4, 5, 6, 7, 8}, n: 2},
		{name: "whole pool at once", total: 25, n: 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := rand.New(rand.NewPCG(42, 7))
			serials, err := Draw(src, tt.total, tt.assigned, tt.n)
			if err != nil {
				t.Fatalf("Expected no error, but got %v", err)
			}
			checkSerials(t, serials, tt.total, tt.assigned, tt.n)
		})
	}
}

func TestDrawRejectsBeforeSampling(t *testing.T) {
	t.Run("pool exhausted", func(t *testing.T) {
		assigned := []int{1, 2, 3, 4, 5}
		_, err := Draw(failingSource{t}, 5, assigned, 1)
		if !errors.Is(err, ErrInsufficientCapacity) {
			t.Fatalf("Expected ErrInsufficientCapacity, got %v", err)
		}
	})

	t.Run("request larger than remaining", func(t *testing.T) {
		_, err := Draw(failingSource{t}, 10, []int{1, 2, 3, 4, 5, 6, 7, 8}, 5)
		if !errors.Is(err, ErrInsufficientCapacity) {
			t.Fatalf("Expected ErrInsufficientCapacity, got %v", err)
		}
	})

	t.Run("non positive quantity", func(t *testing.T) {
		_, err := Draw(failingSource{t}, 10, nil, 0)
		if !errors.Is(err, ErrInvalidQuantity) {
			t.Fatalf("Expected ErrInvalidQuantity, got %v", err)
		}
	})
}

func TestDrawIgnoresDuplicateAssignedSerials(t *testing.T) {
	src := rand.New(rand.NewPCG(1, 2))
	serials, err := Draw(src, 4, []int{1, 1, 2}, 2)
	if err != nil {
		t.Fatalf("Expected no error, but got %v", err)
	}
	if serials[0] != 3 || serials[1] != 4 {
		t.Errorf("Expected serials [3 4], got %v", serials)
	}
}

func TestDrawCoversWholeRange(t *testing.T) {
	const total = 10
	src := rand.New(rand.NewPCG(3, 4))
	counts := make(map[int]int, total)
	for i := 0; i < 2000; i++ {
		serials, err := Draw(src, total, nil, 1)
		if err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		counts[serials[0]]++
	}
	for serial := 1; serial <= total; serial++ {
		if counts[serial] < 100 {
			t.Errorf("Serial %d drawn %d times out of 2000, expected about 200", serial, counts[serial])
		}
	}
}

func TestAllocate(t *testing.T) {
	raffle := &models.Raffle{ID: 7, TotalTickets: 100}
	payment := &models.Payment{
		ID:              11,
		RaffleID:        7,
		TicketsQuantity: 5,
		Owner:           models.Owner{Name: "Ana Pérez", CIType: "V", CI: "12345678", Email: "ana@example.com", Phone: "+584121234567"},
	}

	t.Run("writes one ticket per serial in a single batch", func(t *testing.T) {
		ts := &fakeTicketStore{assigned: []int{10, 20}}
		a := New(rand.New(rand.NewPCG(5, 6)))

		serials, err := a.Allocate(context.Background(), ts, raffle, payment)
		if err != nil {
			t.Fatalf("Expected no error, but got %v", err)
		}
		checkSerials(t, serials, 100, ts.assigned, 5)

		if len(ts.inserted) != 1 {
			t.Fatalf("Expected one bulk insert, got %d", len(ts.inserted))
		}
		for i, tk := range ts.inserted[0] {
			if tk.Serial != serials[i] {
				t.Errorf("Ticket %d has serial %d, expected %d", i, tk.Serial, serials[i])
			}
			if tk.RaffleID != raffle.ID || tk.PaymentID != payment.ID {
				t.Errorf("Ticket %d linked to raffle %d payment %d", i, tk.RaffleID, tk.PaymentID)
			}
			if tk.Owner != payment.Owner {
				t.Errorf("Ticket %d owner %+v does not match payment owner", i, tk.Owner)
			}
		}
	})

	t.Run("capacity failure writes nothing", func(t *testing.T) {
		small := &models.Raffle{ID: 8, TotalTickets: 6}
		ts := &fakeTicketStore{assigned: []int{1, 2, 3}}
		_, err := New(failingSource{t}).Allocate(context.Background(), ts, small, payment)
		if !errors.Is(err, ErrInsufficientCapacity) {
			t.Fatalf("Expected ErrInsufficientCapacity, got %v", err)
		}
		if len(ts.inserted) != 0 {
			t.Errorf("Expected no insert, got %d", len(ts.inserted))
		}
	})

	t.Run("insert failure is returned", func(t *testing.T) {
		boom := errors.New("copy failed")
		ts := &fakeTicketStore{err: boom}
		_, err := New(nil).Allocate(context.Background(), ts, raffle, payment)
		if !errors.Is(err, boom) {
			t.Fatalf("Expected insert error, got %v", err)
		}
	})

	t.Run("zero quantity rejected", func(t *testing.T) {
		zero := *payment
		zero.TicketsQuantity = 0
		_, err := New(failingSource{t}).Allocate(context.Background(), &fakeTicketStore{}, raffle, &zero)
		if !errors.Is(err, ErrInvalidQuantity) {
			t.Fatalf("Expected ErrInvalidQuantity, got %v", err)
		}
	})
}
