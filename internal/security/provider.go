// Package security derives and verifies card verification values.
package security

import (
	"crypto/subtle"
	"errors"
)

// CVVLength is the number of digits in a derived CVV.
const CVVLength = 3

// ErrMissingKey is returned when a provider is built without a secret key.
var ErrMissingKey = errors.New("cvv secret key is required")

// CVVProvider derives the CVV of a card from its number and expiry date.
// Implementations are deterministic: the same inputs and key always give the
// same CVV, so verification re-derives instead of storing the value.
type CVVProvider interface {
	DeriveCVV(cardNumber, expiryDate string) (string, error)
}

// VerifyCVV re-derives the CVV with p and compares it with cvv in constant time.
func VerifyCVV(p CVVProvider, cardNumber, expiryDate, cvv string) (bool, error) {
	want, err := p.DeriveCVV(cardNumber, expiryDate)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(cvv)) == 1, nil
}

// Wipe zeroes b. Go gives no guarantee that no other copy of the key exists.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
