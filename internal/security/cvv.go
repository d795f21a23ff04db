package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"math/big"
	"strings"
)

// HMACProvider derives CVVs with HMAC-SHA256 under a process-wide key.
//
// The derivation is fixed: HMAC over cardNumber||expiryDate, digest read as a
// big-endian integer, its decimal form cut to the first three characters and
// left-padded with zeros. Cards already issued depend on it. It is not the
// payment network CVV algorithm.
type HMACProvider struct {
	key []byte
}

var _ CVVProvider = (*HMACProvider)(nil)

// NewHMACProvider copies key and returns a provider. An empty key is a
// configuration error.
func NewHMACProvider(key []byte) (*HMACProvider, error) {
	if len(key) == 0 {
		return nil, ErrMissingKey
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &HMACProvider{key: k}, nil
}

// DeriveCVV returns the 3-digit CVV for cardNumber and expiryDate.
func (p *HMACProvider) DeriveCVV(cardNumber, expiryDate string) (string, error) {
	h := hmac.New(sha256.New, p.key)
	h.Write([]byte(cardNumber + expiryDate))
	return DecimalPrefix(h.Sum(nil), CVVLength), nil
}

// VerifyCVV reports whether cvv matches the derived value.
func (p *HMACProvider) VerifyCVV(cardNumber, expiryDate, cvv string) (bool, error) {
	return VerifyCVV(p, cardNumber, expiryDate, cvv)
}

// Close zeroes the key. The provider must not be used afterwards.
func (p *HMACProvider) Close() {
	Wipe(p.key)
}

// DecimalPrefix reads digest as an unsigned big-endian integer and returns the
// first width characters of its decimal form, left-padded with zeros.
func DecimalPrefix(digest []byte, width int) string {
	s := new(big.Int).SetBytes(digest).String()
	if len(s) > width {
		s = s[:width]
	}
	if len(s) < width {
		s = strings.Repeat("0", width-len(s)) + s
	}
	return s
}
