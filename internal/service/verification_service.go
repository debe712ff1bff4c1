package service

import (
	"context"
	"errors"
	"time"

	"sorteo/internal/allocator"
	"sorteo/internal/models"
	"sorteo/internal/store"

	"github.com/google/logger"
)

// VerificationService turns pending payments into verified payments with
// tickets, or cancels them. It is the only place internal store and
// allocator failures are translated into caller-facing outcomes.
type VerificationService struct {
	store     Store
	allocator *allocator.Allocator
	cache     RaffleCache
	events    EventPublisher
	logger    *logger.Logger
	now       func() time.Time
}

// NewVerificationService wires the gateway. cache and events may be nil.
func NewVerificationService(log *logger.Logger, st Store, alloc *allocator.Allocator, cache RaffleCache, events EventPublisher) *VerificationService {
	if cache == nil {
		cache = nopCache{}
	}
	if events == nil {
		events = nopCache{}
	}
	return &VerificationService{
		store:     st,
		allocator: alloc,
		cache:     cache,
		events:    events,
		logger:    log,
		now:       time.Now,
	}
}

type VerifyResult struct {
	Payment *models.Payment `json:"payment"`
	Raffle  *models.Raffle  `json:"raffle"`
	Serials []int           `json:"serials"`
}

// Verify allocates tickets for a pending payment. Every step from the raffle
// lock to the counter update runs in one transaction.
//
// A *RejectedError means a business rule refused the request and nothing
// changed. ErrVerificationFailed means an unexpected fault rolled the
// transaction back; the cause is logged, not returned. Retrying after a
// success is rejected with ReasonNotAwaitingVerification.
func (s *VerificationService) Verify(ctx context.Context, paymentID int64) (*VerifyResult, error) {
	payment, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, s.outcome("verify", paymentID, err, ErrVerificationFailed)
	}
	if payment.State != models.PaymentPending {
		return nil, s.outcome("verify", paymentID,
			reject(ReasonNotAwaitingVerification, ErrInvalidStateTransition), ErrVerificationFailed)
	}

	var result *VerifyResult
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		raffle, err := lockRaffle(ctx, tx, payment.RaffleID)
		if err != nil {
			return err
		}
		locked, err := tx.LockPayment(ctx, paymentID)
		if err != nil {
			return err
		}
		if locked.State != models.PaymentPending {
			return reject(ReasonNotAwaitingVerification, ErrInvalidStateTransition)
		}
		if raffle.TicketsSold+locked.TicketsQuantity > raffle.TotalTickets {
			return reject(ReasonInsufficientCapacity, ErrInsufficientCapacity)
		}

		serials, err := s.allocator.Allocate(ctx, tx, raffle, locked)
		if err != nil {
			return err
		}
		if err := tx.TransitionPayment(ctx, paymentID, models.PaymentVerified, ""); err != nil {
			return err
		}
		if err := tx.IncrementSold(ctx, raffle.ID, len(serials)); err != nil {
			return err
		}

		if raffle, err = tx.LockRaffle(ctx, raffle.ID); err != nil {
			return err
		}
		if locked, err = tx.LockPayment(ctx, paymentID); err != nil {
			return err
		}
		result = &VerifyResult{Payment: locked, Raffle: raffle, Serials: serials}
		return nil
	})
	if err != nil {
		return nil, s.outcome("verify", paymentID, err, ErrVerificationFailed)
	}

	s.logger.Infof("Payment %d verified: %d tickets in raffle %d (%d/%d sold)",
		paymentID, len(result.Serials), result.Raffle.ID, result.Raffle.TicketsSold, result.Raffle.TotalTickets)
	s.afterVerify(ctx, result)
	return result, nil
}

// afterVerify runs once the transaction has committed. Failures here do not
// affect the verification outcome.
func (s *VerificationService) afterVerify(ctx context.Context, result *VerifyResult) {
	if err := s.cache.DeleteRaffle(ctx, result.Raffle.ID); err != nil {
		s.logger.Warningf("Failed to invalidate cached raffle %d: %v", result.Raffle.ID, err)
	}

	event := &models.PaymentVerifiedEvent{
		PaymentID:  result.Payment.ID,
		RaffleID:   result.Raffle.ID,
		Serial:     result.Payment.Serial,
		OwnerName:  result.Payment.Owner.Name,
		OwnerEmail: result.Payment.Owner.Email,
		Tickets:    result.Serials,
		VerifiedAt: s.now(),
	}
	if err := s.events.PublishPaymentVerified(ctx, event); err != nil {
		s.logger.Warningf("Failed to publish verification of payment %d: %v", result.Payment.ID, err)
	}
}

// Cancel moves a pending payment to cancelled. Raffle counters and tickets
// are untouched. Cancelling a payment that is not pending fails with
// ReasonNotCancellable wrapping ErrInvalidStateTransition.
func (s *VerificationService) Cancel(ctx context.Context, paymentID int64, note string) (*models.Payment, error) {
	payment, err := s.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, s.outcome("cancel", paymentID, err, ErrCancellationFailed)
	}

	if payment.State != models.PaymentPending {
		return nil, s.outcome("cancel", paymentID,
			reject(ReasonNotCancellable, ErrInvalidStateTransition), ErrCancellationFailed)
	}

	var cancelled *models.Payment
	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		// Same lock order as Verify.
		if _, err := lockRaffle(ctx, tx, payment.RaffleID); err != nil {
			return err
		}
		if err := tx.TransitionPayment(ctx, paymentID, models.PaymentCancelled, note); err != nil {
			if errors.Is(err, store.ErrInvalidStateTransition) {
				return reject(ReasonNotCancellable, ErrInvalidStateTransition)
			}
			return err
		}
		cancelled, err = tx.LockPayment(ctx, paymentID)
		return err
	})
	if err != nil {
		return nil, s.outcome("cancel", paymentID, err, ErrCancellationFailed)
	}

	s.logger.Infof("Payment %d cancelled", paymentID)
	return cancelled, nil
}

// lockRaffle locks the raffle a payment belongs to. A missing raffle is a
// rejection of its own, distinct from a missing payment.
func lockRaffle(ctx context.Context, tx store.Tx, raffleID int64) (*models.Raffle, error) {
	raffle, err := tx.LockRaffle(ctx, raffleID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, reject(ReasonRaffleNotFound, ErrNotFound)
	}
	return raffle, err
}

// outcome maps err to what the caller sees. Business-rule failures become
// a *RejectedError; anything else is logged and replaced by failed.
func (s *VerificationService) outcome(op string, paymentID int64, err, failed error) error {
	var rejected *RejectedError
	switch {
	case errors.As(err, &rejected):
	case errors.Is(err, store.ErrNotFound):
		rejected = &RejectedError{Reason: ReasonPaymentNotFound, Err: ErrNotFound}
	case errors.Is(err, store.ErrInvalidStateTransition):
		rejected = &RejectedError{Reason: ReasonNotAwaitingVerification, Err: ErrInvalidStateTransition}
	case errors.Is(err, allocator.ErrInsufficientCapacity):
		rejected = &RejectedError{Reason: ReasonInsufficientCapacity, Err: ErrInsufficientCapacity}
	case errors.Is(err, store.ErrCapacityExceeded):
		rejected = &RejectedError{Reason: ReasonInsufficientCapacity, Err: ErrCapacityExceeded}
	case errors.Is(err, allocator.ErrInvalidQuantity):
		rejected = &RejectedError{Reason: ReasonInvalidQuantity, Err: ErrInvalidQuantity}
	default:
		s.logger.Errorf("Failed to %s payment %d: %v", op, paymentID, err)
		return failed
	}

	s.logger.Infof("Rejected %s of payment %d: %s", op, paymentID, rejected.Reason)
	return rejected
}
