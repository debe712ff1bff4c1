package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"sorteo/internal/models"
	"sorteo/internal/store"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInvalidStateTransition = errors.New("invalid payment state transition")
	ErrInsufficientCapacity   = errors.New("insufficient capacity")
	ErrCapacityExceeded       = errors.New("raffle capacity exceeded")
	ErrInvalidQuantity        = errors.New("ticket quantity must be positive")
	ErrRaffleNotActive        = errors.New("raffle is not accepting payments")
	ErrVerificationFailed     = errors.New("payment verification failed")
	ErrCancellationFailed     = errors.New("payment cancellation failed")
	ErrInternal               = errors.New("internal error")
)

const (
	ReasonNotAwaitingVerification = "not awaiting verification"
	ReasonNotCancellable          = "payment is no longer pending"
	ReasonInsufficientCapacity    = "insufficient capacity"
	ReasonPaymentNotFound         = "payment not found"
	ReasonRaffleNotFound          = "raffle not found"
	ReasonInvalidQuantity         = "invalid ticket quantity"
)

// Store is the persistence the services run against. store.DBStore and
// store.MemoryStore implement it.
type Store interface {
	WithTx(ctx context.Context, fn func(store.Tx) error) error

	CreateRaffle(ctx context.Context, raffle *models.Raffle) error
	GetRaffle(ctx context.Context, raffleID int64) (*models.Raffle, error)
	ListRaffles(ctx context.Context, filter models.RaffleFilter) ([]models.Raffle, int, error)
	SweepRaffleStates(ctx context.Context, now time.Time) (finished, soldOut int64, err error)

	CreatePrize(ctx context.Context, prize *models.Prize) error
	ListPrizes(ctx context.Context, raffleID int64) ([]models.Prize, error)

	GetPayment(ctx context.Context, paymentID int64) (*models.Payment, error)
	ExistsByReference(ctx context.Context, reference string) (bool, error)
	ListPayments(ctx context.Context, filter models.PaymentFilter) ([]models.Payment, int, error)

	ListTickets(ctx context.Context, raffleID int64) ([]models.Ticket, error)
}

// RaffleCache holds short-lived raffle snapshots for public reads.
// GetRaffle returns nil, nil on a miss.
type RaffleCache interface {
	GetRaffle(ctx context.Context, raffleID int64) (*models.Raffle, error)
	StoreRaffle(ctx context.Context, raffle *models.Raffle, ttl time.Duration) error
	DeleteRaffle(ctx context.Context, raffleID int64) error
}

type EventPublisher interface {
	PublishPaymentVerified(ctx context.Context, event *models.PaymentVerifiedEvent) error
}

type nopCache struct{}

func (nopCache) GetRaffle(context.Context, int64) (*models.Raffle, error)         { return nil, nil }
func (nopCache) StoreRaffle(context.Context, *models.Raffle, time.Duration) error { return nil }
func (nopCache) DeleteRaffle(context.Context, int64) error                        { return nil }
func (nopCache) PublishPaymentVerified(context.Context, *models.PaymentVerifiedEvent) error {
	return nil
}

// RejectedError is a business-rule refusal. The operation left no side
// effects and Reason is safe to show to the caller.
type RejectedError struct {
	Reason string
	Err    error
}

func (e *RejectedError) Error() string {
	return e.Reason
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

func reject(reason string, err error) error {
	return &RejectedError{Reason: reason, Err: err}
}

// ValidationError carries per-field messages for input the caller can fix.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = msg
	}
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func fieldError(field, msg string) error {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func offsetFor(page, pageSize int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * pageSize
}
