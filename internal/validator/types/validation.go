package types

import "time"

// Status is the result class of one validation attempt.
type Status string

const (
	StatusLoading     Status = "loading"
	StatusSuccess     Status = "success"
	StatusInvalidCard Status = "invalid_card"
	StatusEmptyCard   Status = "empty_card"
	StatusError       Status = "error"
)

// Location is a place a validator can be installed at.
type Location struct {
	ID   uint16 `json:"id" toml:"id"`
	Name string `json:"name" toml:"name"`
}

// Validation describes the event written by a successful validation.
type Validation struct {
	Name     string    `json:"name"`
	Date     time.Time `json:"date"`
	Location Location  `json:"location"`
}

// CardReaderResponse is the outcome of the validation procedure.
type CardReaderResponse struct {
	Status              Status
	CardType            string
	TicketsLeft         *int
	PassValidityEndDate *time.Time
	ErrorMessage        string
	// EventDateTime is the validation instant, set for every outcome.
	EventDateTime *time.Time
	Validation    *Validation
}

type ValidationRequest struct {
	TerminalID  string `json:"terminal_id"`
	CardSerial  string `json:"card_serial"`
	RequestedAt string `json:"requested_at,omitempty"` // optional terminal timestamp
}

type ValidationResponse struct {
	OK                  bool        `json:"ok"`
	Known               bool        `json:"known"`
	TerminalID          string      `json:"terminal_id"`
	SessionID           string      `json:"session_id,omitempty"`
	Status              Status      `json:"status,omitempty"`
	CardType            string      `json:"card_type,omitempty"`
	TicketsLeft         *int        `json:"tickets_left,omitempty"`
	PassValidityEndDate string      `json:"pass_validity_end_date,omitempty"`
	ErrorMessage        string      `json:"error_message,omitempty"`
	EventDateTime       string      `json:"event_date_time,omitempty"`
	Validation          *Validation `json:"validation,omitempty"`
	ServerTime          string      `json:"server_time"`
}
