package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type RaffleState string

const (
	RaffleDraft    RaffleState = "draft"
	RaffleActive   RaffleState = "active"
	RaffleFinished RaffleState = "finished"
	RaffleSoldOut  RaffleState = "sold_out"
)

func (s RaffleState) Valid() bool {
	switch s {
	case RaffleDraft, RaffleActive, RaffleFinished, RaffleSoldOut:
		return true
	}
	return false
}

type PaymentState string

const (
	PaymentPending   PaymentState = "pending"
	PaymentVerified  PaymentState = "verified"
	PaymentCancelled PaymentState = "cancelled"
)

func (s PaymentState) Valid() bool {
	switch s {
	case PaymentPending, PaymentVerified, PaymentCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s PaymentState) Terminal() bool {
	return s == PaymentVerified || s == PaymentCancelled
}

const PaymentMethodPagoMovil = "pago_movil"

type Raffle struct {
	ID           int64           `json:"id"`
	Title        string          `json:"title"`
	Slug         string          `json:"slug"`
	Description  string          `json:"description"`
	DrawDate     time.Time       `json:"draw_date"`
	Conditions   string          `json:"conditions"`
	TicketPrice  decimal.Decimal `json:"ticket_price"`
	TotalTickets int             `json:"total_tickets"`
	TicketsSold  int             `json:"tickets_sold"`
	State        RaffleState     `json:"state"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (r *Raffle) Remaining() int {
	return r.TotalTickets - r.TicketsSold
}

type Prize struct {
	ID          int64     `json:"id"`
	RaffleID    int64     `json:"raffle_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Position    int       `json:"position"`
	CreatedAt   time.Time `json:"created_at"`
}

// Owner is the buyer identity carried by a payment and copied onto each
// ticket it generates.
type Owner struct {
	Name   string `json:"owner_name"`
	CIType string `json:"ci_type"`
	CI     string `json:"owner_ci"`
	Email  string `json:"owner_email"`
	Phone  string `json:"owner_phone"`
}

type Payment struct {
	ID                int64           `json:"id"`
	RaffleID          int64           `json:"raffle_id"`
	Owner             Owner           `json:"owner"`
	Method            string          `json:"method"`
	Bank              string          `json:"bank"`
	Reference         string          `json:"reference"`
	TicketsQuantity   int             `json:"tickets_quantity"`
	TransferredAmount decimal.Decimal `json:"transferred_amount"`
	TransferredDate   time.Time       `json:"transferred_date"`
	State             PaymentState    `json:"state"`
	Serial            string          `json:"serial"`
	VerificationNote  string          `json:"verification_note,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         *time.Time      `json:"updated_at,omitempty"`
}

type Ticket struct {
	ID        int64     `json:"id"`
	Serial    int       `json:"serial"`
	RaffleID  int64     `json:"raffle_id"`
	PaymentID int64     `json:"payment_id"`
	Owner     Owner     `json:"owner"`
	CreatedAt time.Time `json:"created_at"`
}

// PaymentFilter narrows an administrator payment listing.
type PaymentFilter struct {
	State  PaymentState
	Query  string
	Offset int
	Limit  int
}

type RaffleFilter struct {
	State  RaffleState
	Query  string
	Offset int
	Limit  int
}

// Banks lists the transfer banks accepted for pago movil payments.
var Banks = map[string]string{
	"0102": "Banco de Venezuela",
	"0104": "Banco Venezolano de Crédito",
	"0105": "Banco Mercantil",
	"0108": "Banco Provincial",
	"0114": "Bancaribe",
	"0115": "Banco Exterior",
	"0128": "Banco Caroní",
	"0134": "Banesco",
	"0137": "Banco Sofitasa",
	"0138": "Banco Plaza",
	"0151": "BFC Banco Fondo Común",
	"0156": "100% Banco",
	"0157": "DelSur Banco Universal",
	"0163": "Banco del Tesoro",
	"0166": "Banco Agrícola de Venezuela",
	"0168": "Bancrecer",
	"0169": "Mi Banco",
	"0171": "Banco Activo",
	"0172": "Bancamiga",
	"0174": "Banplus",
	"0175": "Banco Bicentenario del Pueblo",
	"0177": "Banfanb",
	"0191": "BNC Banco Nacional de Crédito",
}

var CITypes = map[string]string{
	"V": "Venezolano",
	"E": "Extranjero",
	"J": "Jurídico",
}

// PaymentVerifiedEvent is published after a verification commits.
type PaymentVerifiedEvent struct {
	PaymentID  int64     `json:"payment_id"`
	RaffleID   int64     `json:"raffle_id"`
	Serial     string    `json:"serial"`
	OwnerName  string    `json:"owner_name"`
	OwnerEmail string    `json:"owner_email"`
	Tickets    []int     `json:"tickets"`
	VerifiedAt time.Time `json:"verified_at"`
}
