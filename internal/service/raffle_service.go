package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"sorteo/internal/models"
	"sorteo/internal/store"

	"github.com/google/logger"
	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	rafflesPageSize = 10
	maxSlugAttempts = 10
)

var maxTicketPrice = decimal.RequireFromString("999.99")

type RaffleService struct {
	store    Store
	cache    RaffleCache
	cacheTTL time.Duration
	logger   *logger.Logger
	now      func() time.Time
}

// NewRaffleService wires the raffle registry operations. cache may be nil.
func NewRaffleService(log *logger.Logger, st Store, cache RaffleCache, cacheTTL time.Duration) *RaffleService {
	if cache == nil {
		cache = nopCache{}
	}
	return &RaffleService{
		store:    st,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   log,
		now:      time.Now,
	}
}

// RaffleInput is the editable part of a raffle. An empty State means
// draft on Create and leaves the current state alone on Update.
type RaffleInput struct {
	Title        string             `json:"title" validate:"required,max=50"`
	Description  string             `json:"description"`
	DrawDate     time.Time          `json:"draw_date" validate:"required"`
	Conditions   string             `json:"conditions"`
	TicketPrice  decimal.Decimal    `json:"ticket_price" validate:"decimal_positive,ticket_price"`
	TotalTickets int                `json:"total_tickets" validate:"gte=1"`
	State        models.RaffleState `json:"state" validate:"omitempty,raffle_state"`
}

func (in *RaffleInput) validate() error {
	in.Title = strings.TrimSpace(in.Title)
	return checkStruct(in).orNil()
}

var slugTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// slugify lowercases title, strips accents and joins the remaining letters
// and digits with hyphens.
func slugify(title string) string {
	plain, _, err := transform.String(slugTransformer, title)
	if err != nil {
		plain = title
	}

	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(plain) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			pendingHyphen = false
			continue
		}
		pendingHyphen = true
	}
	if b.Len() == 0 {
		return "sorteo"
	}
	return b.String()
}

// Create registers a raffle. The slug is derived from the title and gets a
// numeric suffix when another raffle already uses it.
func (s *RaffleService) Create(ctx context.Context, in RaffleInput) (*models.Raffle, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	raffle := &models.Raffle{
		Title:        in.Title,
		Description:  strings.TrimSpace(in.Description),
		DrawDate:     in.DrawDate,
		Conditions:   strings.TrimSpace(in.Conditions),
		TicketPrice:  in.TicketPrice,
		TotalTickets: in.TotalTickets,
		State:        in.State,
	}
	if raffle.State == "" {
		raffle.State = models.RaffleDraft
	}

	base := slugify(in.Title)
	for attempt := 1; attempt <= maxSlugAttempts; attempt++ {
		raffle.Slug = base
		if attempt > 1 {
			raffle.Slug = fmt.Sprintf("%s-%d", base, attempt)
		}

		err := s.store.CreateRaffle(ctx, raffle)
		if err == nil {
			s.logger.Infof("Raffle %d created: %q, %d tickets at %s", raffle.ID, raffle.Slug, raffle.TotalTickets, raffle.TicketPrice.StringFixed(2))
			return raffle, nil
		}
		if !errors.Is(err, store.ErrDuplicateSlug) {
			s.logger.Errorf("Failed to create raffle %q: %v", in.Title, err)
			return nil, ErrInternal
		}
	}
	return nil, fieldError("title", "too many raffles share this title")
}

// Update replaces the editable fields of a raffle. Capacity may not drop
// below the tickets already sold nor below the highest serial handed out.
func (s *RaffleService) Update(ctx context.Context, raffleID int64, in RaffleInput) (*models.Raffle, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	var updated *models.Raffle
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		raffle, err := tx.LockRaffle(ctx, raffleID)
		if err != nil {
			return err
		}
		if in.TotalTickets < raffle.TicketsSold {
			return fieldError("total_tickets", fmt.Sprintf("cannot be below the %d tickets already sold", raffle.TicketsSold))
		}
		if in.TotalTickets < raffle.TotalTickets {
			serials, err := tx.AssignedSerials(ctx, raffleID)
			if err != nil {
				return err
			}
			if highest := maxSerial(serials); highest > in.TotalTickets {
				return fieldError("total_tickets", fmt.Sprintf("cannot be below sold ticket number %d", highest))
			}
		}
		if in.State != "" {
			if err := changeState(raffle, in.State); err != nil {
				return err
			}
		}

		raffle.Title = in.Title
		raffle.Description = strings.TrimSpace(in.Description)
		raffle.DrawDate = in.DrawDate
		raffle.Conditions = strings.TrimSpace(in.Conditions)
		raffle.TicketPrice = in.TicketPrice
		raffle.TotalTickets = in.TotalTickets
		if err := tx.UpdateRaffle(ctx, raffle); err != nil {
			return err
		}
		updated = raffle
		return nil
	})
	if err != nil {
		return nil, s.translate("update", raffleID, err)
	}

	s.invalidate(ctx, raffleID)
	s.logger.Infof("Raffle %d updated", raffleID)
	return updated, nil
}

// SetState moves a raffle to state. Finished raffles stay finished.
func (s *RaffleService) SetState(ctx context.Context, raffleID int64, state models.RaffleState) (*models.Raffle, error) {
	if !state.Valid() {
		return nil, fieldError("state", "unknown raffle state")
	}

	var updated *models.Raffle
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		raffle, err := tx.LockRaffle(ctx, raffleID)
		if err != nil {
			return err
		}
		if err := changeState(raffle, state); err != nil {
			return err
		}
		if err := tx.UpdateRaffle(ctx, raffle); err != nil {
			return err
		}
		updated = raffle
		return nil
	})
	if err != nil {
		return nil, s.translate("change state of", raffleID, err)
	}

	s.invalidate(ctx, raffleID)
	s.logger.Infof("Raffle %d is now %s", raffleID, state)
	return updated, nil
}

// changeState is the single place a raffle's state is set by an
// administrator.
func changeState(raffle *models.Raffle, state models.RaffleState) error {
	if raffle.State == models.RaffleFinished && state != models.RaffleFinished {
		return fieldError("state", "a finished raffle cannot be reopened")
	}
	raffle.State = state
	return nil
}

func maxSerial(serials []int) int {
	highest := 0
	for _, serial := range serials {
		if serial > highest {
			highest = serial
		}
	}
	return highest
}

type PrizeInput struct {
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description"`
	Position    int    `json:"position" validate:"gte=1"`
}

func (s *RaffleService) AddPrize(ctx context.Context, raffleID int64, in PrizeInput) (*models.Prize, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := checkStruct(&in).orNil(); err != nil {
		return nil, err
	}

	prize := &models.Prize{
		RaffleID:    raffleID,
		Name:        in.Name,
		Description: strings.TrimSpace(in.Description),
		Position:    in.Position,
	}
	if err := s.store.CreatePrize(ctx, prize); err != nil {
		if errors.Is(err, store.ErrDuplicatePosition) {
			return nil, fieldError("position", "position already taken")
		}
		return nil, s.translate("add prize to", raffleID, err)
	}
	return prize, nil
}

type RaffleDetail struct {
	Raffle    *models.Raffle `json:"raffle"`
	Prizes    []models.Prize `json:"prizes"`
	Remaining int            `json:"remaining"`
}

// Get returns a published raffle for buyers. Draft raffles are reported as
// not found. The raffle snapshot is served from the cache when present, so
// counters may lag a committed verification by at most the cache TTL when
// invalidation fails.
func (s *RaffleService) Get(ctx context.Context, raffleID int64) (*RaffleDetail, error) {
	raffle, err := s.cache.GetRaffle(ctx, raffleID)
	if err != nil {
		s.logger.Warningf("Failed to read cached raffle %d: %v", raffleID, err)
	}
	if raffle == nil {
		raffle, err = s.store.GetRaffle(ctx, raffleID)
		if err != nil {
			return nil, s.translate("get", raffleID, err)
		}
		if err := s.cache.StoreRaffle(ctx, raffle, s.cacheTTL); err != nil {
			s.logger.Warningf("Failed to cache raffle %d: %v", raffleID, err)
		}
	}
	if raffle.State == models.RaffleDraft {
		return nil, ErrNotFound
	}

	prizes, err := s.store.ListPrizes(ctx, raffleID)
	if err != nil {
		return nil, s.translate("list prizes of", raffleID, err)
	}
	if prizes == nil {
		prizes = []models.Prize{}
	}
	return &RaffleDetail{Raffle: raffle, Prizes: prizes, Remaining: raffle.Remaining()}, nil
}

type RafflePage struct {
	Raffles  []models.Raffle `json:"raffles"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

func (s *RaffleService) List(ctx context.Context, state models.RaffleState, query string, page int) (*RafflePage, error) {
	if state != "" && !state.Valid() {
		return nil, fieldError("state", "unknown raffle state")
	}
	if page < 1 {
		page = 1
	}

	raffles, total, err := s.store.ListRaffles(ctx, models.RaffleFilter{
		State:  state,
		Query:  strings.TrimSpace(query),
		Offset: offsetFor(page, rafflesPageSize),
		Limit:  rafflesPageSize,
	})
	if err != nil {
		s.logger.Errorf("Failed to list raffles: %v", err)
		return nil, ErrInternal
	}
	if raffles == nil {
		raffles = []models.Raffle{}
	}
	return &RafflePage{Raffles: raffles, Total: total, Page: page, PageSize: rafflesPageSize}, nil
}

// ListTickets returns every ticket of a raffle ordered by serial.
func (s *RaffleService) ListTickets(ctx context.Context, raffleID int64) ([]models.Ticket, error) {
	if _, err := s.store.GetRaffle(ctx, raffleID); err != nil {
		return nil, s.translate("get", raffleID, err)
	}
	tickets, err := s.store.ListTickets(ctx, raffleID)
	if err != nil {
		return nil, s.translate("list tickets of", raffleID, err)
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}
	return tickets, nil
}

// Sweep finishes raffles whose draw date has passed and marks full active
// raffles as sold out.
func (s *RaffleService) Sweep(ctx context.Context) error {
	finished, soldOut, err := s.store.SweepRaffleStates(ctx, s.now())
	if err != nil {
		return fmt.Errorf("failed to sweep raffle states: %w", err)
	}
	if finished > 0 || soldOut > 0 {
		s.logger.Infof("Raffle sweep: %d finished, %d sold out", finished, soldOut)
	}
	return nil
}

func (s *RaffleService) invalidate(ctx context.Context, raffleID int64) {
	if err := s.cache.DeleteRaffle(ctx, raffleID); err != nil {
		s.logger.Warningf("Failed to invalidate cached raffle %d: %v", raffleID, err)
	}
}

func (s *RaffleService) translate(op string, raffleID int64, err error) error {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return err
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrCapacityExceeded):
		return fieldError("total_tickets", "cannot be below the tickets already sold")
	default:
		s.logger.Errorf("Failed to %s raffle %d: %v", op, raffleID, err)
		return ErrInternal
	}
}
