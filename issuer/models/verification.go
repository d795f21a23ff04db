package models

import "errors"

// Verification asks whether a card number, expiry and CVV belong together.
type Verification struct {
	Number string `json:"number"`
	// Expiry is the card face value, MM/YY or MMYY.
	Expiry string `json:"expiry"`
	CVV    string `json:"cvv"`
}

type VerificationResult string

const (
	VerificationApproved       VerificationResult = "APPROVED"
	VerificationUnknownCard    VerificationResult = "UNKNOWN_CARD"
	VerificationBlocked        VerificationResult = "BLOCKED"
	VerificationExpired        VerificationResult = "EXPIRED"
	VerificationExpiryMismatch VerificationResult = "EXPIRY_MISMATCH"
	VerificationCVVMismatch    VerificationResult = "CVV_MISMATCH"
)

// ErrInvalidVerification is returned when the request cannot be parsed.
var ErrInvalidVerification = errors.New("invalid verification request")
