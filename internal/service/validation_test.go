package service

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCheckStruct(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name   string
		input  interface{}
		fields map[string]string
	}{
		{
			name: "payment",
			input: &PaymentInput{
				RaffleID:          0,
				OwnerName:         strings.Repeat("a", 51),
				CIType:            "X",
				OwnerCI:           "+1234567",
				OwnerEmail:        "ana@",
				Method:            "zelle",
				Bank:              "9999",
				Reference:         "REF1",
				TicketsQuantity:   0,
				TransferredAmount: decimal.RequireFromString("-5"),
				TransferredDate:   now,
			},
			fields: map[string]string{
				"raffle_id":          "raffle_id is required",
				"owner_name":         "must be at most 50 characters",
				"ci_type":            "must be one of V, E or J",
				"owner_ci":           "must contain only digits",
				"owner_email":        "invalid email address",
				"owner_phone":        "owner_phone is required",
				"method":             "must be one of pago_movil",
				"bank":               "unknown bank code",
				"tickets_quantity":   "must be at least 1",
				"transferred_amount": "must be positive",
			},
		},
		{
			name: "raffle",
			input: &RaffleInput{
				Title:        "Sorteo",
				TicketPrice:  decimal.RequireFromString("1000"),
				TotalTickets: 10,
				State:        "paused",
			},
			fields: map[string]string{
				"draw_date":    "draw_date is required",
				"ticket_price": "must be at most 999.99 with two decimals",
				"state":        "unknown raffle state",
			},
		},
		{
			name:   "prize",
			input:  &PrizeInput{Name: "Moto"},
			fields: map[string]string{"position": "must be at least 1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verr := checkStruct(tt.input)
			if len(verr.Fields) != len(tt.fields) {
				t.Errorf("Expected %d field errors, got %v", len(tt.fields), verr.Fields)
			}
			for field, want := range tt.fields {
				if got := verr.Fields[field]; got != want {
					t.Errorf("Field %s: expected %q, got %q", field, want, got)
				}
			}
		})
	}
}

func TestCheckStructAcceptsValidInput(t *testing.T) {
	in := validInput(1, 2)
	in.normalize()
	if err := in.validate(time.Now()); err != nil {
		t.Errorf("Expected valid payment input, got %v", err)
	}

	raffle := raffleInput("Sorteo", 10)
	raffle.State = ""
	if err := raffle.validate(); err != nil {
		t.Errorf("Expected valid raffle input without state, got %v", err)
	}
}
