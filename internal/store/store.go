package store

import (
	"context"
	"errors"

	"sorteo/internal/models"
)

var (
	ErrNotFound               = errors.New("store: record not found")
	ErrInvalidStateTransition = errors.New("store: payment is not pending")
	ErrCapacityExceeded       = errors.New("store: raffle capacity exceeded")
	ErrDuplicateReference     = errors.New("store: payment reference already registered")
	ErrDuplicateSerial        = errors.New("store: ticket serial already assigned in raffle")
	ErrDuplicatePosition      = errors.New("store: prize position already taken")
	ErrDuplicateSlug          = errors.New("store: raffle slug already taken")
	ErrLockTimeout            = errors.New("store: timed out waiting for row lock")
)

// Tx is the unit of work every state-changing raffle or payment operation
// runs in. Row locks taken through it are held until the enclosing WithTx
// call returns. Callers lock the raffle before any of its payments.
type Tx interface {
	// LockRaffle returns the raffle with an exclusive lock held for the rest
	// of the transaction.
	LockRaffle(ctx context.Context, raffleID int64) (*models.Raffle, error)
	// IncrementSold adds by to tickets_sold. The raffle must already be
	// locked. Moves an active raffle to sold_out when it reaches capacity.
	IncrementSold(ctx context.Context, raffleID int64, by int) error
	UpdateRaffle(ctx context.Context, raffle *models.Raffle) error

	LockPayment(ctx context.Context, paymentID int64) (*models.Payment, error)
	CreatePayment(ctx context.Context, payment *models.Payment) error
	// TransitionPayment moves a pending payment to state. Any other current
	// state fails with ErrInvalidStateTransition.
	TransitionPayment(ctx context.Context, paymentID int64, state models.PaymentState, note string) error

	AssignedSerials(ctx context.Context, raffleID int64) ([]int, error)
	InsertTickets(ctx context.Context, tickets []models.Ticket) error
}
