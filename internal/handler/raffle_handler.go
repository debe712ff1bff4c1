package handler

import (
	"net/http"

	"sorteo/internal/models"
	"sorteo/internal/service"

	"github.com/google/logger"
)

type RaffleHandler struct {
	logger  *logger.Logger
	raffles *service.RaffleService
}

func NewRaffleHandler(log *logger.Logger, raffles *service.RaffleService) *RaffleHandler {
	return &RaffleHandler{
		logger:  log,
		raffles: raffles,
	}
}

// Get handles GET /raffles/{raffleID}.
func (h *RaffleHandler) Get(w http.ResponseWriter, r *http.Request) {
	raffleID, ok := idParam(r, "raffleID")
	if !ok {
		writeFailure(w, h.logger, http.StatusBadRequest, "Invalid raffle id")
		return
	}

	detail, err := h.raffles.Get(r.Context(), raffleID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeSuccess(w, h.logger, http.StatusOK, detail)
}

// List handles GET /admin/raffles?state=&q=&page=.
func (h *RaffleHandler) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, err := h.raffles.List(r.Context(), models.RaffleState(query.Get("state")), query.Get("q"), pageParam(r))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeSuccess(w, h.logger, http.StatusOK, page)
}

func (h *RaffleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var in service.RaffleInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeFailure(w, h.logger, http.StatusBadRequest, "Malformed request body")
		return
	}

	raffle, err := h.raffles.Create(r.Context(), in)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeSuccess(w, h.logger, http.StatusCreated, raffle)
}

func (h *RaffleHandler) Update(w http.ResponseWriter, r *http.Request) {
	raffleID, ok := idParam(r, "raffleID")
	if !ok {
		writeFailure(w, h.logger, http.StatusBadRequest, "Invalid raffle id")
		return
	}

	var in service.RaffleInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeFailure(w, h.logger, http.StatusBadRequest, "Malformed request body")
		return
	}

	raffle, err := h.raffles.Update(r.Context(), raffleID, in)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeSuccess(w, h.logger, http.StatusOK, raffle)
}

type StateRequestPayload struct {
	State models.RaffleState `json:"state"`
}

func (h *RaffleHandler) SetState(w http.ResponseWriter, r *http.Request) {
	raffleID, ok := idParam(r, "raffleID")
	if !ok {
		writeFailure(w, h.logger, http.StatusBadRequest, "Invalid raffle id")
		return
	}

	var req StateRequestPayload
	if err := decodeJSON(w, r, &req); err != nil {
		writeFailure(w, h.logger, http.StatusBadRequest, "Malformed request body")
		return
	}

	raffle, err := h.raffles.SetState(r.Context(), raffleID, req.State)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeSuccess(w, h.logger, http.StatusOK, raffle)
}

func (h *RaffleHandler) AddPrize(w http.ResponseWriter, r *http.Request) {
	raffleID, ok := idParam(r, "raffleID")
	if !ok {
		writeFailure(w, h.logger, http.StatusBadRequest, "Invalid raffle id")
		return
	}

	var in service.PrizeInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeFailure(w, h.logger, http.StatusBadRequest, "Malformed request body")
		return
	}

	prize, err := h.raffles.AddPrize(r.Context(), raffleID, in)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeSuccess(w, h.logger, http.StatusCreated, prize)
}

func (h *RaffleHandler) ListTickets(w http.ResponseWriter, r *http.Request) {
	raffleID, ok := idParam(r, "raffleID")
	if !ok {
		writeFailure(w, h.logger, http.StatusBadRequest, "Invalid raffle id")
		return
	}

	tickets, err := h.raffles.ListTickets(r.Context(), raffleID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeSuccess(w, h.logger, http.StatusOK, tickets)
}
