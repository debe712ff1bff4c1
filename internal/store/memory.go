package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sorteo/internal/models"
)

type lockKey struct {
	table string
	id    int64
}

// MemoryStore keeps raffles, payments and tickets in process memory. It
// mirrors DBStore semantics: row locks are exclusive per raffle or payment
// and held until the transaction ends, and writes made through a Tx become
// visible only when the transaction commits.
type MemoryStore struct {
	mu       sync.RWMutex
	raffles  map[int64]models.Raffle
	prizes   map[int64][]models.Prize
	payments map[int64]models.Payment
	tickets  map[int64][]models.Ticket

	raffleSeq  atomic.Int64
	prizeSeq   atomic.Int64
	paymentSeq atomic.Int64
	ticketSeq  atomic.Int64

	locksMu     sync.Mutex
	locks       map[lockKey]chan struct{}
	lockTimeout time.Duration

	now func() time.Time
}

func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		raffles:     make(map[int64]models.Raffle),
		prizes:      make(map[int64][]models.Prize),
		payments:    make(map[int64]models.Payment),
		tickets:     make(map[int64][]models.Ticket),
		locks:       make(map[lockKey]chan struct{}),
		lockTimeout: lockTimeout,
		now:         time.Now,
	}
}

func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) lockChan(key lockKey) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	return ch
}

func (s *MemoryStore) acquire(ctx context.Context, key lockKey) (chan struct{}, error) {
	ch := s.lockChan(key)

	var timeout <-chan time.Time
	if s.lockTimeout > 0 {
		timer := time.NewTimer(s.lockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ch <- struct{}{}:
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout:
		return nil, fmt.Errorf("%w: %s %d", ErrLockTimeout, key.table, key.id)
	}
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (s *MemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx := &memoryTx{
		s:        s,
		held:     make(map[lockKey]chan struct{}),
		raffles:  make(map[int64]*models.Raffle),
		payments: make(map[int64]*models.Payment),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *MemoryStore) CreateRaffle(ctx context.Context, raffle *models.Raffle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.raffles {
		if r.Slug == raffle.Slug {
			return ErrDuplicateSlug
		}
	}

	now := s.now()
	raffle.ID = s.raffleSeq.Add(1)
	raffle.TicketsSold = 0
	raffle.CreatedAt = now
	raffle.UpdatedAt = now
	s.raffles[raffle.ID] = *raffle
	return nil
}

func (s *MemoryStore) GetRaffle(ctx context.Context, raffleID int64) (*models.Raffle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.raffles[raffleID]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (s *MemoryStore) ListRaffles(ctx context.Context, filter models.RaffleFilter) ([]models.Raffle, int, error) {
	s.mu.RLock()
	var matched []models.Raffle
	for _, r := range s.raffles {
		if filter.State != "" && r.State != filter.State {
			continue
		}
		if filter.Query != "" && !containsFold(filter.Query, r.Title, r.Description) {
			continue
		}
		matched = append(matched, r)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].DrawDate.Equal(matched[j].DrawDate) {
			return matched[i].DrawDate.After(matched[j].DrawDate)
		}
		return matched[i].ID < matched[j].ID
	})
	return paginate(matched, filter.Offset, filter.Limit), len(matched), nil
}

func (s *MemoryStore) CreatePrize(ctx context.Context, prize *models.Prize) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.raffles[prize.RaffleID]; !ok {
		return ErrNotFound
	}
	for _, p := range s.prizes[prize.RaffleID] {
		if p.Position == prize.Position {
			return ErrDuplicatePosition
		}
	}

	prize.ID = s.prizeSeq.Add(1)
	prize.CreatedAt = s.now()
	s.prizes[prize.RaffleID] = append(s.prizes[prize.RaffleID], *prize)
	return nil
}

func (s *MemoryStore) ListPrizes(ctx context.Context, raffleID int64) ([]models.Prize, error) {
	s.mu.RLock()
	prizes := append([]models.Prize(nil), s.prizes[raffleID]...)
	s.mu.RUnlock()

	sort.Slice(prizes, func(i, j int) bool { return prizes[i].Position < prizes[j].Position })
	return prizes, nil
}

func (s *MemoryStore) GetPayment(ctx context.Context, paymentID int64) (*models.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) ExistsByReference(ctx context.Context, reference string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.referenceTaken(reference), nil
}

// referenceTaken must be called with s.mu held.
func (s *MemoryStore) referenceTaken(reference string) bool {
	for _, p := range s.payments {
		if p.Reference == reference {
			return true
		}
	}
	return false
}

func paymentStateRank(state models.PaymentState) int {
	switch state {
	case models.PaymentPending:
		return 1
	case models.PaymentVerified:
		return 2
	case models.PaymentCancelled:
		return 3
	}
	return 4
}

func (s *MemoryStore) ListPayments(ctx context.Context, filter models.PaymentFilter) ([]models.Payment, int, error) {
	s.mu.RLock()
	var matched []models.Payment
	for _, p := range s.payments {
		if filter.State != "" && p.State != filter.State {
			continue
		}
		if filter.Query != "" && !containsFold(filter.Query, p.Owner.Name, p.Owner.CI, p.Owner.Email, p.Reference, p.Serial) {
			continue
		}
		matched = append(matched, p)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		ri, rj := paymentStateRank(matched[i].State), paymentStateRank(matched[j].State)
		if ri != rj {
			return ri < rj
		}
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return paginate(matched, filter.Offset, filter.Limit), len(matched), nil
}

func (s *MemoryStore) ListTickets(ctx context.Context, raffleID int64) ([]models.Ticket, error) {
	s.mu.RLock()
	tickets := append([]models.Ticket(nil), s.tickets[raffleID]...)
	s.mu.RUnlock()

	sort.Slice(tickets, func(i, j int) bool { return tickets[i].Serial < tickets[j].Serial })
	return tickets, nil
}

// SweepRaffleStates finishes raffles whose draw date has passed and marks
// full active raffles as sold out. Each raffle is changed under its row lock.
func (s *MemoryStore) SweepRaffleStates(ctx context.Context, now time.Time) (finished, soldOut int64, err error) {
	s.mu.RLock()
	var candidates []int64
	for id, r := range s.raffles {
		if r.State == models.RaffleActive || r.State == models.RaffleSoldOut {
			candidates = append(candidates, id)
		}
	}
	s.mu.RUnlock()

	for _, id := range candidates {
		err := s.WithTx(ctx, func(tx Tx) error {
			mtx := tx.(*memoryTx)
			r, err := mtx.lockRaffle(ctx, id)
			if err != nil {
				return err
			}
			switch {
			case (r.State == models.RaffleActive || r.State == models.RaffleSoldOut) && !r.DrawDate.After(now):
				r.State = models.RaffleFinished
				finished++
			case r.State == models.RaffleActive && r.TicketsSold >= r.TotalTickets:
				r.State = models.RaffleSoldOut
				soldOut++
			default:
				return nil
			}
			r.UpdatedAt = s.now()
			return nil
		})
		if err != nil {
			return finished, soldOut, fmt.Errorf("failed to sweep raffle %d: %w", id, err)
		}
	}
	return finished, soldOut, nil
}

func containsFold(query string, fields ...string) bool {
	q := strings.ToLower(query)
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), q) {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

type memoryTx struct {
	s        *MemoryStore
	held     map[lockKey]chan struct{}
	raffles  map[int64]*models.Raffle
	payments map[int64]*models.Payment
	created  []int64
	tickets  []models.Ticket
}

func (t *memoryTx) lock(ctx context.Context, key lockKey) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	ch, err := t.s.acquire(ctx, key)
	if err != nil {
		return err
	}
	t.held[key] = ch
	return nil
}

func (t *memoryTx) unlock(key lockKey) {
	if ch, ok := t.held[key]; ok {
		<-ch
		delete(t.held, key)
	}
}

func (t *memoryTx) release() {
	for key := range t.held {
		t.unlock(key)
	}
}

// lockRaffle returns the transaction's working copy of the raffle.
func (t *memoryTx) lockRaffle(ctx context.Context, raffleID int64) (*models.Raffle, error) {
	if w, ok := t.raffles[raffleID]; ok {
		return w, nil
	}

	key := lockKey{table: "raffles", id: raffleID}
	if err := t.lock(ctx, key); err != nil {
		return nil, err
	}

	t.s.mu.RLock()
	r, ok := t.s.raffles[raffleID]
	t.s.mu.RUnlock()
	if !ok {
		t.unlock(key)
		return nil, ErrNotFound
	}
	t.raffles[raffleID] = &r
	return &r, nil
}

func (t *memoryTx) lockPayment(ctx context.Context, paymentID int64) (*models.Payment, error) {
	if w, ok := t.payments[paymentID]; ok {
		return w, nil
	}

	key := lockKey{table: "payments", id: paymentID}
	if err := t.lock(ctx, key); err != nil {
		return nil, err
	}

	t.s.mu.RLock()
	p, ok := t.s.payments[paymentID]
	t.s.mu.RUnlock()
	if !ok {
		t.unlock(key)
		return nil, ErrNotFound
	}
	t.payments[paymentID] = &p
	return &p, nil
}

func (t *memoryTx) LockRaffle(ctx context.Context, raffleID int64) (*models.Raffle, error) {
	w, err := t.lockRaffle(ctx, raffleID)
	if err != nil {
		return nil, err
	}
	r := *w
	return &r, nil
}

func (t *memoryTx) IncrementSold(ctx context.Context, raffleID int64, by int) error {
	w, ok := t.raffles[raffleID]
	if !ok {
		return fmt.Errorf("raffle %d is not locked by this transaction", raffleID)
	}
	if w.TicketsSold+by > w.TotalTickets {
		return ErrCapacityExceeded
	}

	w.TicketsSold += by
	if w.State == models.RaffleActive && w.TicketsSold == w.TotalTickets {
		w.State = models.RaffleSoldOut
	}
	w.UpdatedAt = t.s.now()
	return nil
}

func (t *memoryTx) UpdateRaffle(ctx context.Context, raffle *models.Raffle) error {
	w, err := t.lockRaffle(ctx, raffle.ID)
	if err != nil {
		return err
	}
	if raffle.TotalTickets < w.TicketsSold {
		return ErrCapacityExceeded
	}

	w.Title = raffle.Title
	w.Description = raffle.Description
	w.DrawDate = raffle.DrawDate
	w.Conditions = raffle.Conditions
	w.TicketPrice = raffle.TicketPrice
	w.TotalTickets = raffle.TotalTickets
	w.State = raffle.State
	w.UpdatedAt = t.s.now()

	raffle.TicketsSold = w.TicketsSold
	raffle.UpdatedAt = w.UpdatedAt
	return nil
}

func (t *memoryTx) LockPayment(ctx context.Context, paymentID int64) (*models.Payment, error) {
	w, err := t.lockPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	p := *w
	return &p, nil
}

func (t *memoryTx) CreatePayment(ctx context.Context, payment *models.Payment) error {
	t.s.mu.RLock()
	_, raffleExists := t.s.raffles[payment.RaffleID]
	taken := t.s.referenceTaken(payment.Reference)
	t.s.mu.RUnlock()

	if !raffleExists {
		return ErrNotFound
	}
	for _, id := range t.created {
		if t.payments[id].Reference == payment.Reference {
			taken = true
		}
	}
	if taken {
		return ErrDuplicateReference
	}

	payment.ID = t.s.paymentSeq.Add(1)
	payment.State = models.PaymentPending
	payment.CreatedAt = t.s.now()
	payment.UpdatedAt = nil

	p := *payment
	t.payments[p.ID] = &p
	t.created = append(t.created, p.ID)
	return nil
}

func (t *memoryTx) TransitionPayment(ctx context.Context, paymentID int64, state models.PaymentState, note string) error {
	w, err := t.lockPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	if w.State != models.PaymentPending {
		return ErrInvalidStateTransition
	}

	now := t.s.now()
	w.State = state
	if note != "" {
		w.VerificationNote = note
	}
	w.UpdatedAt = &now
	return nil
}

func (t *memoryTx) AssignedSerials(ctx context.Context, raffleID int64) ([]int, error) {
	t.s.mu.RLock()
	var serials []int
	for _, tk := range t.s.tickets[raffleID] {
		serials = append(serials, tk.Serial)
	}
	t.s.mu.RUnlock()

	for _, tk := range t.tickets {
		if tk.RaffleID == raffleID {
			serials = append(serials, tk.Serial)
		}
	}
	return serials, nil
}

func (t *memoryTx) InsertTickets(ctx context.Context, tickets []models.Ticket) error {
	if len(tickets) == 0 {
		return fmt.Errorf("no tickets to insert")
	}

	taken := make(map[int64]map[int]bool)
	for _, tk := range tickets {
		if taken[tk.RaffleID] == nil {
			serials, err := t.AssignedSerials(ctx, tk.RaffleID)
			if err != nil {
				return err
			}
			taken[tk.RaffleID] = make(map[int]bool, len(serials))
			for _, serial := range serials {
				taken[tk.RaffleID][serial] = true
			}
		}
		if taken[tk.RaffleID][tk.Serial] {
			return fmt.Errorf("%w: raffle %d serial %d", ErrDuplicateSerial, tk.RaffleID, tk.Serial)
		}
		taken[tk.RaffleID][tk.Serial] = true
	}

	now := t.s.now()
	for _, tk := range tickets {
		tk.ID = t.s.ticketSeq.Add(1)
		if tk.CreatedAt.IsZero() {
			tk.CreatedAt = now
		}
		t.tickets = append(t.tickets, tk)
	}
	return nil
}

// commit re-checks the uniqueness guards against data committed by other
// transactions and then applies every staged write at once.
func (t *memoryTx) commit() error {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range t.created {
		if s.referenceTaken(t.payments[id].Reference) {
			return ErrDuplicateReference
		}
	}
	for _, tk := range t.tickets {
		for _, existing := range s.tickets[tk.RaffleID] {
			if existing.Serial == tk.Serial {
				return fmt.Errorf("%w: raffle %d serial %d", ErrDuplicateSerial, tk.RaffleID, tk.Serial)
			}
		}
	}

	for id, r := range t.raffles {
		s.raffles[id] = *r
	}
	for id, p := range t.payments {
		s.payments[id] = *p
	}
	for _, tk := range t.tickets {
		s.tickets[tk.RaffleID] = append(s.tickets[tk.RaffleID], tk)
	}
	return nil
}
