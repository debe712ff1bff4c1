// Package allocator draws ticket serials for verified payments.
//
// Serials are drawn uniformly at random from [1, total_tickets] without
// replacement, excluding every serial already assigned in the raffle. The
// allocator must run inside the transaction that holds the raffle lock so
// the assigned set it reads cannot change before the tickets are written.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"

	"sorteo/internal/models"
)

var (
	ErrInsufficientCapacity = errors.New("allocator: insufficient capacity")
	ErrInvalidQuantity      = errors.New("allocator: ticket quantity must be positive")
)

// shuffleThreshold is the pool occupancy, counting the serials being drawn,
// above which Draw shuffles the remaining serials instead of sampling with
// rejection.
const shuffleThreshold = 0.5

// Source yields uniform integers in [0, n). *rand.Rand satisfies it.
type Source interface {
	IntN(n int) int
}

type globalSource struct{}

func (globalSource) IntN(n int) int { return rand.IntN(n) }

// TicketStore is the slice of a store transaction the allocator needs.
type TicketStore interface {
	AssignedSerials(ctx context.Context, raffleID int64) ([]int, error)
	InsertTickets(ctx context.Context, tickets []models.Ticket) error
}

type Allocator struct {
	src Source
}

// New returns an Allocator drawing from src, or from the math/rand/v2
// global generator when src is nil.
func New(src Source) *Allocator {
	if src == nil {
		src = globalSource{}
	}
	return &Allocator{src: src}
}

// Allocate draws payment.TicketsQuantity new serials for raffle, writes one
// ticket per serial carrying the payment's owner snapshot, and returns the
// serials in ascending order.
func (a *Allocator) Allocate(ctx context.Context, ts TicketStore, raffle *models.Raffle, payment *models.Payment) ([]int, error) {
	if payment.TicketsQuantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	assigned, err := ts.AssignedSerials(ctx, raffle.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read assigned serials: %w", err)
	}

	serials, err := Draw(a.src, raffle.TotalTickets, assigned, payment.TicketsQuantity)
	if err != nil {
		return nil, err
	}

	tickets := make([]models.Ticket, 0, len(serials))
	for _, serial := range serials {
		tickets = append(tickets, models.Ticket{
			Serial:    serial,
			RaffleID:  raffle.ID,
			PaymentID: payment.ID,
			Owner:     payment.Owner,
		})
	}

	if err := ts.InsertTickets(ctx, tickets); err != nil {
		return nil, fmt.Errorf("failed to insert tickets: %w", err)
	}
	return serials, nil
}

// Draw returns n distinct serials in [1, total] that are not in assigned,
// sorted ascending. It fails with ErrInsufficientCapacity before drawing
// anything when fewer than n serials remain.
func Draw(src Source, total int, assigned []int, n int) ([]int, error) {
	if n <= 0 {
		return nil, ErrInvalidQuantity
	}

	taken := make(map[int]struct{}, len(assigned)+n)
	for _, serial := range assigned {
		if serial >= 1 && serial <= total {
			taken[serial] = struct{}{}
		}
	}
	if len(taken)+n > total {
		return nil, fmt.Errorf("%w: %d of %d serials assigned, %d requested",
			ErrInsufficientCapacity, len(taken), total, n)
	}

	var drawn []int
	if float64(len(taken)+n)/float64(total) > shuffleThreshold {
		drawn = shuffleRemaining(src, total, taken, n)
	} else {
		drawn = rejectionSample(src, total, taken, n)
	}

	sort.Ints(drawn)
	return drawn, nil
}

func rejectionSample(src Source, total int, taken map[int]struct{}, n int) []int {
	drawn := make([]int, 0, n)
	for len(drawn) < n {
		serial := src.IntN(total) + 1
		if _, ok := taken[serial]; ok {
			continue
		}
		taken[serial] = struct{}{}
		drawn = append(drawn, serial)
	}
	return drawn
}

// shuffleRemaining runs a partial Fisher-Yates shuffle over the free
// serials and keeps the first n.
func shuffleRemaining(src Source, total int, taken map[int]struct{}, n int) []int {
	free := make([]int, 0, total-len(taken))
	for serial := 1; serial <= total; serial++ {
		if _, ok := taken[serial]; !ok {
			free = append(free, serial)
		}
	}

	for i := 0; i < n; i++ {
		j := i + src.IntN(len(free)-i)
		free[i], free[j] = free[j], free[i]
	}
	return free[:n]
}
