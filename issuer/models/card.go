package models

import "time"

type CardStatus string

const (
	CardStatusActive  CardStatus = "ACTIVE"
	CardStatusBlocked CardStatus = "BLOCKED"
)

// Card is a stored card. The full number and the CVV are not part of it:
// cards are looked up by PAN hash and the CVV is re-derived on verification.
type Card struct {
	ID             string     `json:"id"`
	AccountID      string     `json:"account_id"`
	BIN            string     `json:"bin"`
	Last4          string     `json:"last4"`
	PANHash        []byte     `json:"-"`
	ExpiryDate     time.Time  `json:"-"`
	CardholderName string     `json:"cardholder_name,omitempty"`
	Product        string     `json:"product"`
	Status         CardStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IssueCard is a card issuance request.
type IssueCard struct {
	AccountID      string `json:"account_id"`
	CardholderName string `json:"cardholder_name"`
	// Product selects validity years; empty means the configured default.
	Product string `json:"product"`
}

// IssuedCard is returned once at issuance. Number and CVV are not kept.
type IssuedCard struct {
	Card
	Number string `json:"number"`
	CVV    string `json:"cvv"`
}
